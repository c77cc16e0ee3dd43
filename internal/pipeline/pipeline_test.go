package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"icsimport/internal/decode"
	"icsimport/internal/importer"
	"icsimport/internal/metrics"
	"icsimport/internal/model"
	"icsimport/internal/store"
)

type fakeStore struct {
	cals     []model.Calendar
	def      model.Calendar
	hasDef   bool
	failWith error

	listCalls int
	saved     []model.Event
}

func (f *fakeStore) ListWritableCalendars(context.Context) ([]model.Calendar, error) {
	f.listCalls++
	return f.cals, nil
}

func (f *fakeStore) DefaultCalendar(context.Context) (model.Calendar, bool, error) {
	return f.def, f.hasDef, nil
}

func (f *fakeStore) Save(_ context.Context, ev model.Event, _ model.Calendar) error {
	if f.failWith != nil && ev.Title == "bad" {
		return f.failWith
	}
	f.saved = append(f.saved, ev)
	return nil
}

const twoEvents = "BEGIN:VCALENDAR\r\n" +
	"BEGIN:VEVENT\r\nSUMMARY:good\r\nDTSTART:20251104T090000\r\nEND:VEVENT\r\n" +
	"BEGIN:VEVENT\r\nSUMMARY:bad\r\nDTSTART:20251104T100000\r\nEND:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

var (
	work     = model.Calendar{ID: "work", Title: "Work", Writable: true}
	home     = model.Calendar{ID: "home", Title: "Home", Writable: true}
	archived = model.Calendar{ID: "archived", Title: "Archived"}
)

func TestRun_Imports(t *testing.T) {
	st := &fakeStore{cals: []model.Calendar{work}, failWith: store.ErrDuplicate}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	p := New(Options{Store: st, Metrics: m})

	res, err := p.Run(context.Background(), Request{Data: []byte(twoEvents)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Parsed != 2 || res.Calendar.ID != "work" || res.Encoding != "utf-8" {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Outcome != (importer.Outcome{Attempted: 2, Succeeded: 1, Failed: 1}) {
		t.Errorf("Outcome = %+v", res.Outcome)
	}
	if len(st.saved) != 1 || st.saved[0].CalendarID != "work" {
		t.Errorf("saved = %+v", st.saved)
	}
	if got := testutil.ToFloat64(m.Runs.WithLabelValues("imported")); got != 1 {
		t.Errorf("imported runs = %v", got)
	}
	if got := testutil.ToFloat64(m.Records.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed records = %v", got)
	}
}

func TestRun_NoEventsLeavesStoreUntouched(t *testing.T) {
	st := &fakeStore{cals: []model.Calendar{work}}
	denied := store.GateFunc(func(context.Context) bool {
		t.Fatal("gate must not be consulted when nothing was parsed")
		return false
	})
	p := New(Options{Store: st, Gate: denied})

	res, err := p.Run(context.Background(), Request{Data: []byte("BEGIN:VCALENDAR\nEND:VCALENDAR\n")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Parsed != 0 || res.Outcome != (importer.Outcome{}) {
		t.Errorf("unexpected result %+v", res)
	}
	if st.listCalls != 0 {
		t.Errorf("store was queried %d times", st.listCalls)
	}
}

func TestRun_AccessDenied(t *testing.T) {
	st := &fakeStore{cals: []model.Calendar{work}}
	p := New(Options{Store: st, Gate: store.GateFunc(func(context.Context) bool { return false })})

	res, err := p.Run(context.Background(), Request{Data: []byte(twoEvents)})
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
	if res.Parsed != 2 || len(st.saved) != 0 {
		t.Errorf("res = %+v saved = %d", res, len(st.saved))
	}
}

func TestRun_Undecodable(t *testing.T) {
	p := New(Options{Store: &fakeStore{}, Encodings: []string{"utf-8"}})

	_, err := p.Run(context.Background(), Request{Data: []byte{0xff, 0xfe, 0xfd}})
	if !errors.Is(err, decode.ErrUndecodable) {
		t.Fatalf("err = %v, want ErrUndecodable", err)
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		st         *fakeStore
		configured string
		requested  string
		want       string
		wantErr    error
	}{
		{
			name:      "explicit writable",
			st:        &fakeStore{cals: []model.Calendar{work, home}},
			requested: "home",
			want:      "home",
		},
		{
			name:      "explicit unknown",
			st:        &fakeStore{cals: []model.Calendar{work}},
			requested: "archived",
			wantErr:   ErrCalendarNotWritable,
		},
		{
			name:       "configured default wins over store default",
			st:         &fakeStore{cals: []model.Calendar{work, home}, def: work, hasDef: true},
			configured: "home",
			want:       "home",
		},
		{
			name:       "configured default missing falls through",
			st:         &fakeStore{cals: []model.Calendar{work, home}, def: home, hasDef: true},
			configured: "gone",
			want:       "home",
		},
		{
			name: "read-only store default skipped",
			st:   &fakeStore{cals: []model.Calendar{work}, def: archived, hasDef: true},
			want: "work",
		},
		{
			name: "first writable",
			st:   &fakeStore{cals: []model.Calendar{archived, home, work}},
			want: "home",
		},
		{
			name:    "none",
			st:      &fakeStore{cals: []model.Calendar{archived}},
			wantErr: ErrNoCalendar,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(Options{Store: tt.st, DefaultCalendar: tt.configured})
			got, err := p.resolve(context.Background(), tt.requested)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if got.ID != tt.want {
				t.Errorf("got %q, want %q", got.ID, tt.want)
			}
		})
	}
}

func TestCalendars(t *testing.T) {
	p := New(Options{Store: &fakeStore{cals: []model.Calendar{work, home}, def: home, hasDef: true}})
	cals, def, err := p.Calendars(context.Background())
	if err != nil {
		t.Fatalf("Calendars: %v", err)
	}
	if len(cals) != 2 || def != "home" {
		t.Errorf("cals = %v default = %q", cals, def)
	}

	empty := New(Options{Store: &fakeStore{}})
	if _, def, err := empty.Calendars(context.Background()); err != nil || def != "" {
		t.Errorf("empty store: default = %q err = %v", def, err)
	}
}
