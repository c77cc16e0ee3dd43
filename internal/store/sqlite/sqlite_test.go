package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"icsimport/internal/importer"
	"icsimport/internal/model"
	"icsimport/internal/store"
	"icsimport/internal/store/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), "file::memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var (
	work     = model.Calendar{ID: "work", Title: "Work", Writable: true}
	personal = model.Calendar{ID: "personal", Title: "Personal", Writable: true}
	holidays = model.Calendar{ID: "holidays", Title: "Holidays", Writable: false}
)

func seed(t *testing.T, s *sqlite.Store) {
	t.Helper()
	ctx := context.Background()
	for _, c := range []model.Calendar{work, personal, holidays} {
		if err := s.EnsureCalendar(ctx, c, false); err != nil {
			t.Fatalf("ensure %s: %v", c.ID, err)
		}
	}
	if err := s.EnsureCalendar(ctx, personal, true); err != nil {
		t.Fatalf("ensure default: %v", err)
	}
}

func TestCalendars(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if _, ok, err := s.DefaultCalendar(ctx); err != nil || ok {
		t.Fatalf("empty store: DefaultCalendar ok=%v err=%v, want no default", ok, err)
	}

	seed(t, s)

	cals, err := s.ListWritableCalendars(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(cals) != 2 || cals[0].ID != "personal" || cals[1].ID != "work" {
		t.Fatalf("writable calendars = %+v, want personal, work", cals)
	}

	def, ok, err := s.DefaultCalendar(ctx)
	if err != nil || !ok || def.ID != "personal" {
		t.Fatalf("DefaultCalendar = %+v ok=%v err=%v, want personal", def, ok, err)
	}

	// Moving the default flag clears it elsewhere.
	if err := s.EnsureCalendar(ctx, work, true); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	def, _, _ = s.DefaultCalendar(ctx)
	if def.ID != "work" {
		t.Fatalf("default after move = %q, want work", def.ID)
	}
}

func TestSaveAndList(t *testing.T) {
	s := openStore(t)
	seed(t, s)
	ctx := context.Background()

	room := "Room A"
	start := time.Date(2025, 11, 4, 9, 0, 0, 0, time.UTC)
	ev := model.Event{Title: "Standup", Location: &room, Start: start, End: start.Add(30 * time.Minute)}

	if err := s.Save(ctx, ev, work); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.ListEvents(ctx, work)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].ID == "" || got[0].Title != "Standup" || got[0].CalendarID != "work" {
		t.Errorf("unexpected event %+v", got[0])
	}
	if got[0].Location == nil || *got[0].Location != "Room A" || got[0].Notes != nil {
		t.Errorf("optional fields not preserved: %+v", got[0])
	}
	if !got[0].Start.Equal(ev.Start) || !got[0].End.Equal(ev.End) {
		t.Errorf("times = %v..%v, want %v..%v", got[0].Start, got[0].End, ev.Start, ev.End)
	}
}

func TestSaveErrors(t *testing.T) {
	s := openStore(t)
	seed(t, s)
	ctx := context.Background()

	start := time.Date(2025, 11, 4, 9, 0, 0, 0, time.UTC)
	ev := model.Event{Title: "Standup", Start: start, End: start.Add(time.Hour)}

	if err := s.Save(ctx, ev, work); err != nil {
		t.Fatalf("first save: %v", err)
	}

	tests := []struct {
		name string
		cal  model.Calendar
		want error
	}{
		{"duplicate", work, store.ErrDuplicate},
		{"read-only", holidays, store.ErrReadOnly},
		{"unknown calendar", model.Calendar{ID: "nope", Writable: true}, store.ErrCalendarNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Save(ctx, ev, tt.cal)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var se *store.Error
			if !errors.As(err, &se) || se.Op != "save" {
				t.Errorf("expected *store.Error with op save, got %v", err)
			}
		})
	}
}

func TestImportIntoSQLite(t *testing.T) {
	s := openStore(t)
	seed(t, s)
	ctx := context.Background()

	start := time.Date(2025, 11, 4, 9, 0, 0, 0, time.UTC)
	recs := []model.Record{
		{Title: "a", Start: start},
		{Title: "b", Start: start},
		{Title: "a", Start: start}, // same identity as the first one
		{Title: "c", Start: start.Add(time.Hour)},
	}

	out := importer.Import(ctx, s, work, recs)
	want := importer.Outcome{Attempted: 4, Succeeded: 3, Failed: 1}
	if out != want {
		t.Fatalf("Outcome = %+v, want %+v", out, want)
	}

	evs, err := s.ListEvents(ctx, work)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("stored %d events, want 3", len(evs))
	}
	if !evs[0].End.Equal(start.Add(time.Hour)) {
		t.Errorf("default end = %v, want start+1h", evs[0].End)
	}

	// Running the same import again is fully rejected, nothing rolled back.
	again := importer.Import(ctx, s, work, recs)
	if again.Failed != 4 || again.Succeeded != 0 {
		t.Fatalf("second run = %+v, want all failed", again)
	}
	if evs, _ := s.ListEvents(ctx, work); len(evs) != 3 {
		t.Fatalf("after rerun stored %d events, want 3", len(evs))
	}
}

func TestListEventsUnknownCalendar(t *testing.T) {
	s := openStore(t)
	seed(t, s)
	ctx := context.Background()

	if _, err := s.ListEvents(ctx, model.Calendar{ID: "ghost"}); !errors.Is(err, store.ErrCalendarNotFound) {
		t.Fatalf("err = %v, want ErrCalendarNotFound", err)
	}

	// A read-only calendar exists and lists fine.
	evs, err := s.ListEvents(ctx, holidays)
	if err != nil || len(evs) != 0 {
		t.Fatalf("holidays = %v, %v; want empty list", evs, err)
	}
}
