package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"icsimport/internal/config"
	"icsimport/internal/decode"
	"icsimport/internal/ics"
	appLog "icsimport/internal/log"
	"icsimport/internal/model"
	"icsimport/internal/pipeline"
	"icsimport/internal/store"
)

// MaxImportBytes caps the request body accepted by POST /api/import.
const MaxImportBytes = 10 << 20

// Server provides the HTTP API for importing and exporting calendars.
type Server struct {
	cfg      *config.Config
	pipe     *pipeline.Pipeline
	lister   store.EventLister
	gatherer prometheus.Gatherer
	mux      *http.ServeMux
}

// NewServer constructs a new Server. lister may be nil, in which case the
// export endpoint answers 501. gatherer may be nil to disable /metrics.
func NewServer(cfg *config.Config, pipe *pipeline.Pipeline, lister store.EventLister, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		cfg:      cfg,
		pipe:     pipe,
		lister:   lister,
		gatherer: gatherer,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	return s.cfg != nil && s.cfg.EnabledBasicAuth()
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="icsimport", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/calendars", s.handleCalendars)
	s.mux.HandleFunc("POST /api/import", s.handleImport)
	s.mux.HandleFunc("GET /api/calendars/{id}/export", s.handleExport)
	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// calendarDTO is a JSON-friendly view of a destination calendar.
type calendarDTO struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Writable bool   `json:"writable"`
}

// calendarsResponse is the JSON response shape for /api/calendars.
type calendarsResponse struct {
	Calendars []calendarDTO `json:"calendars"`
	DefaultID string        `json:"default_id,omitempty"`
}

func (s *Server) handleCalendars(w http.ResponseWriter, r *http.Request) {
	cals, def, err := s.pipe.Calendars(r.Context())
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	resp := calendarsResponse{Calendars: make([]calendarDTO, 0, len(cals)), DefaultID: def}
	for _, c := range cals {
		resp.Calendars = append(resp.Calendars, calendarDTO{ID: c.ID, Title: c.Title, Writable: c.Writable})
	}
	writeJSON(w, http.StatusOK, resp)
}

// importResponse is the JSON response shape for POST /api/import.
type importResponse struct {
	Parsed     int    `json:"parsed"`
	Attempted  int    `json:"attempted"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	CalendarID string `json:"calendar_id,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
}

// handleImport imports the request body as an ICS document.
//
// POST /api/import?calendar=<id>&encoding=<charset>
//   - calendar: destination calendar ID (default calendar if omitted)
//   - encoding: charset hint tried before the configured chain
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxImportBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	q := r.URL.Query()
	res, err := s.pipe.Run(r.Context(), pipeline.Request{
		Data:       body,
		Encoding:   q.Get("encoding"),
		CalendarID: q.Get("calendar"),
	})
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	appLog.Info("api import",
		"calendar", res.Calendar.ID,
		"bytes", len(body),
		"parsed", res.Parsed,
		"succeeded", res.Outcome.Succeeded,
		"failed", res.Outcome.Failed,
	)

	writeJSON(w, http.StatusOK, importResponse{
		Parsed:     res.Parsed,
		Attempted:  res.Outcome.Attempted,
		Succeeded:  res.Outcome.Succeeded,
		Failed:     res.Outcome.Failed,
		CalendarID: res.Calendar.ID,
		Encoding:   res.Encoding,
	})
}

// handleExport serves the events of one calendar as text/calendar.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.lister == nil {
		writeError(w, http.StatusNotImplemented, "store cannot list events")
		return
	}

	id := r.PathValue("id")
	cal, err := s.lookupCalendar(r.Context(), id)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	events, err := s.lister.ListEvents(r.Context(), cal)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := ics.Export(&buf, cal.Title, events); err != nil {
		appLog.Error("api export: serialize failed", err, "calendar", id)
		writeError(w, http.StatusInternalServerError, "failed to export calendar")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+safeFilename(id)+`.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// lookupCalendar finds id among the writable calendars for its title. Other
// ids fall back to their own name; the store's ListEvents then reports
// calendars that do not exist.
func (s *Server) lookupCalendar(ctx context.Context, id string) (model.Calendar, error) {
	cals, _, err := s.pipe.Calendars(ctx)
	if err != nil {
		return model.Calendar{}, err
	}
	for _, c := range cals {
		if c.ID == id {
			return c, nil
		}
	}
	return model.Calendar{ID: id, Title: id}, nil
}

// writePipelineError maps pipeline and store errors to HTTP statuses.
func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, decode.ErrUndecodable):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrAccessDenied), errors.Is(err, store.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, pipeline.ErrNoCalendar), errors.Is(err, pipeline.ErrCalendarNotWritable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrCalendarNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		appLog.Error("api request failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func safeFilename(id string) string {
	b := []byte(id)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			b[i] = '_'
		}
	}
	return string(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
