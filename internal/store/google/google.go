// Package google stores imported events in Google Calendar.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	appLog "icsimport/internal/log"
	"icsimport/internal/model"
	"icsimport/internal/store"
)

const primaryCalendarID = "primary"

// Store talks to the Google Calendar v3 API. It doubles as the store.Gate:
// access is granted once an OAuth token is available.
type Store struct {
	mu        sync.RWMutex
	service   *calendar.Service
	config    *oauth2.Config
	tokenPath string
}

// New reads OAuth client credentials and, when present, a saved token.
// Without a token the returned Store is unauthorized until Exchange is
// called with a code obtained from AuthURL.
func New(ctx context.Context, credentialsPath, tokenPath string) (*Store, error) {
	data, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("google: read credentials: %w", err)
	}
	cfg, err := googleoauth.ConfigFromJSON(data, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("google: parse credentials: %w", err)
	}

	s := &Store{config: cfg, tokenPath: tokenPath}

	tok, err := tokenFromFile(tokenPath)
	if err != nil {
		appLog.Info("google: no saved token, authorization required", "token_path", tokenPath)
		return s, nil
	}
	if err := s.useToken(ctx, tok); err != nil {
		return nil, err
	}
	return s, nil
}

// NewFromService wraps an already authorized service.
func NewFromService(svc *calendar.Service) *Store {
	return &Store{service: svc}
}

// AuthURL returns the consent page URL for offline access.
func (s *Store) AuthURL(state string) string {
	return s.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange trades an authorization code for a token, saves it and
// authorizes the store.
func (s *Store) Exchange(ctx context.Context, code string) error {
	if s.config == nil {
		return errors.New("google: store has no OAuth config")
	}
	tok, err := s.config.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("google: exchange code: %w", err)
	}
	if err := saveToken(s.tokenPath, tok); err != nil {
		appLog.Error("google: cannot cache oauth token", err, "token_path", s.tokenPath)
	}
	return s.useToken(ctx, tok)
}

func (s *Store) useToken(ctx context.Context, tok *oauth2.Token) error {
	client := s.config.Client(context.WithoutCancel(ctx), tok)
	svc, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return fmt.Errorf("google: create service: %w", err)
	}
	s.mu.Lock()
	s.service = svc
	s.mu.Unlock()
	return nil
}

// RequestAccess reports whether the store holds an authorized service.
func (s *Store) RequestAccess(context.Context) bool {
	return s.svc() != nil
}

func (s *Store) svc() *calendar.Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.service
}

func (s *Store) ListWritableCalendars(ctx context.Context) ([]model.Calendar, error) {
	svc := s.svc()
	if svc == nil {
		return nil, store.Wrap("list calendars", "", store.ErrNotAuthorized)
	}

	out := make([]model.Calendar, 0)
	err := svc.CalendarList.List().
		MinAccessRole("writer").
		Pages(ctx, func(page *calendar.CalendarList) error {
			for _, e := range page.Items {
				out = append(out, toCalendar(e))
			}
			return nil
		})
	if err != nil {
		return nil, store.Wrap("list calendars", "", mapAPIError(err))
	}
	return out, nil
}

func (s *Store) DefaultCalendar(ctx context.Context) (model.Calendar, bool, error) {
	svc := s.svc()
	if svc == nil {
		return model.Calendar{}, false, store.Wrap("default calendar", "", store.ErrNotAuthorized)
	}

	e, err := svc.CalendarList.Get(primaryCalendarID).Context(ctx).Do()
	if err != nil {
		err = mapAPIError(err)
		if errors.Is(err, store.ErrCalendarNotFound) {
			return model.Calendar{}, false, nil
		}
		return model.Calendar{}, false, store.Wrap("default calendar", "", err)
	}
	return toCalendar(e), true, nil
}

func (s *Store) Save(ctx context.Context, ev model.Event, cal model.Calendar) error {
	svc := s.svc()
	if svc == nil {
		return store.Wrap("save", cal.ID, store.ErrNotAuthorized)
	}
	if !cal.Writable {
		return store.Wrap("save", cal.ID, store.ErrReadOnly)
	}

	gev := &calendar.Event{
		Summary: ev.Title,
		Start:   &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339)},
		End:     &calendar.EventDateTime{DateTime: ev.End.Format(time.RFC3339)},
	}
	if ev.Location != nil {
		gev.Location = *ev.Location
	}
	if ev.Notes != nil {
		gev.Description = *ev.Notes
	}

	created, err := svc.Events.Insert(cal.ID, gev).Context(ctx).Do()
	if err != nil {
		return store.Wrap("save", cal.ID, mapAPIError(err))
	}
	appLog.Debug("google: event saved", "calendar", cal.ID, "id", created.Id)
	return nil
}

// ListEvents returns single (expanded) events of cal ordered by start.
func (s *Store) ListEvents(ctx context.Context, cal model.Calendar) ([]model.Event, error) {
	svc := s.svc()
	if svc == nil {
		return nil, store.Wrap("list events", cal.ID, store.ErrNotAuthorized)
	}

	out := make([]model.Event, 0)
	err := svc.Events.List(cal.ID).
		SingleEvents(true).
		OrderBy("startTime").
		Pages(ctx, func(page *calendar.Events) error {
			for _, item := range page.Items {
				ev, ok := fromGoogleEvent(cal.ID, item)
				if !ok {
					continue
				}
				out = append(out, ev)
			}
			return nil
		})
	if err != nil {
		return nil, store.Wrap("list events", cal.ID, mapAPIError(err))
	}
	return out, nil
}

func toCalendar(e *calendar.CalendarListEntry) model.Calendar {
	title := e.SummaryOverride
	if title == "" {
		title = e.Summary
	}
	return model.Calendar{
		ID:       e.Id,
		Title:    title,
		Writable: e.AccessRole == "owner" || e.AccessRole == "writer",
	}
}

func fromGoogleEvent(calID string, item *calendar.Event) (model.Event, bool) {
	start, ok := parseEventTime(item.Start)
	if !ok {
		return model.Event{}, false
	}
	end, ok := parseEventTime(item.End)
	if !ok {
		end = start.Add(model.DefaultDuration)
	}

	ev := model.Event{
		ID:         item.Id,
		CalendarID: calID,
		Title:      item.Summary,
		Start:      start,
		End:        end,
	}
	if item.Location != "" {
		loc := item.Location
		ev.Location = &loc
	}
	if item.Description != "" {
		desc := item.Description
		ev.Notes = &desc
	}
	return ev, true
}

func parseEventTime(dt *calendar.EventDateTime) (time.Time, bool) {
	if dt == nil {
		return time.Time{}, false
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		return t, err == nil
	}
	if dt.Date != "" {
		t, err := time.ParseInLocation("2006-01-02", dt.Date, time.Local)
		return t, err == nil
	}
	return time.Time{}, false
}

// mapAPIError translates HTTP status codes of API errors to store errors.
func mapAPIError(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", store.ErrCalendarNotFound, apiErr.Message)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", store.ErrNotAuthorized, apiErr.Message)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", store.ErrReadOnly, apiErr.Message)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", store.ErrDuplicate, apiErr.Message)
	default:
		return err
	}
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

func saveToken(path string, tok *oauth2.Token) error {
	if path == "" {
		return errors.New("empty token path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(tok)
}
