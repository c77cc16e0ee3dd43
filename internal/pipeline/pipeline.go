// Package pipeline runs one import end to end: decode the raw bytes, parse
// events, pick a destination calendar and hand the records to the importer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"icsimport/internal/decode"
	"icsimport/internal/ics"
	"icsimport/internal/importer"
	appLog "icsimport/internal/log"
	"icsimport/internal/metrics"
	"icsimport/internal/model"
	"icsimport/internal/store"
)

var (
	// ErrAccessDenied is returned when the store's gate refuses access.
	ErrAccessDenied = errors.New("calendar access denied")
	// ErrNoCalendar is returned when no destination calendar can be chosen.
	ErrNoCalendar = errors.New("no writable calendar available")
	// ErrCalendarNotWritable is returned when the requested calendar is
	// unknown or read-only.
	ErrCalendarNotWritable = errors.New("calendar is not writable")
)

// Request is one unit of import input.
type Request struct {
	Data []byte
	// Encoding is an optional charset hint tried before the chain.
	Encoding string
	// CalendarID selects the destination; empty means the default.
	CalendarID string
}

// Result reports what a run did. Calendar is zero when the run stopped
// before a destination was chosen.
type Result struct {
	Parsed   int
	Encoding string
	Calendar model.Calendar
	Outcome  importer.Outcome
}

// Options configures a Pipeline.
type Options struct {
	Store store.Store
	// Gate defaults to store.AlwaysGranted.
	Gate    store.Gate
	Metrics *metrics.Metrics
	// Encodings is the decoder chain; nil means decode.DefaultChain.
	Encodings []string
	// DefaultCalendar is the calendar ID used when a request names none.
	DefaultCalendar string
}

// Pipeline is safe for concurrent use; runs are serialized.
type Pipeline struct {
	mu   sync.Mutex
	opts Options
}

// New returns a Pipeline over opts.Store; a nil Gate grants access.
func New(opts Options) *Pipeline {
	if opts.Gate == nil {
		opts.Gate = store.AlwaysGranted
	}
	return &Pipeline{opts: opts}
}

// Run imports req. Decoding and destination errors are returned; per-record
// save failures are only counted in Result.Outcome.
func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var res Result

	text, used, err := decode.Decode(req.Data, req.Encoding, p.opts.Encodings)
	if err != nil {
		p.opts.Metrics.ObserveRun("rejected", 0, 0, 0)
		return res, err
	}
	res.Encoding = used

	records := ics.ParseEvents(text)
	res.Parsed = len(records)
	if len(records) == 0 {
		appLog.Info("pipeline: no events found", "encoding", used, "bytes", len(req.Data))
		p.opts.Metrics.ObserveRun("empty", 0, 0, 0)
		return res, nil
	}

	if !p.opts.Gate.RequestAccess(ctx) {
		p.opts.Metrics.ObserveRun("rejected", res.Parsed, 0, 0)
		return res, ErrAccessDenied
	}

	dest, err := p.resolve(ctx, req.CalendarID)
	if err != nil {
		p.opts.Metrics.ObserveRun("rejected", res.Parsed, 0, 0)
		return res, err
	}
	res.Calendar = dest

	res.Outcome = importer.Import(ctx, p.opts.Store, dest, records)
	p.opts.Metrics.ObserveRun("imported", res.Parsed, res.Outcome.Succeeded, res.Outcome.Failed)
	return res, nil
}

// Calendars returns the writable calendars and the ID new events go to by
// default (empty when there is none).
func (p *Pipeline) Calendars(ctx context.Context) ([]model.Calendar, string, error) {
	if !p.opts.Gate.RequestAccess(ctx) {
		return nil, "", ErrAccessDenied
	}
	cals, err := p.opts.Store.ListWritableCalendars(ctx)
	if err != nil {
		return nil, "", err
	}
	def, err := p.resolve(ctx, "")
	if err != nil {
		if errors.Is(err, ErrNoCalendar) {
			return cals, "", nil
		}
		return nil, "", err
	}
	return cals, def.ID, nil
}

// resolve picks the destination. An explicit id must name a writable
// calendar. Otherwise the configured default is used, then the store's own
// default, then the first writable calendar.
func (p *Pipeline) resolve(ctx context.Context, id string) (model.Calendar, error) {
	cals, err := p.opts.Store.ListWritableCalendars(ctx)
	if err != nil {
		return model.Calendar{}, fmt.Errorf("list calendars: %w", err)
	}

	find := func(want string) (model.Calendar, bool) {
		for _, c := range cals {
			if c.ID == want && c.Writable {
				return c, true
			}
		}
		return model.Calendar{}, false
	}

	if id != "" {
		if c, ok := find(id); ok {
			return c, nil
		}
		return model.Calendar{}, fmt.Errorf("%w: %s", ErrCalendarNotWritable, id)
	}

	if p.opts.DefaultCalendar != "" {
		if c, ok := find(p.opts.DefaultCalendar); ok {
			return c, nil
		}
		appLog.Warn("pipeline: configured default calendar is not writable", "calendar", p.opts.DefaultCalendar)
	}

	def, ok, err := p.opts.Store.DefaultCalendar(ctx)
	if err != nil {
		return model.Calendar{}, fmt.Errorf("default calendar: %w", err)
	}
	if ok && def.Writable {
		return def, nil
	}

	for _, c := range cals {
		if c.Writable {
			return c, nil
		}
	}
	return model.Calendar{}, ErrNoCalendar
}
