// Package sqlite is a local calendar store backed by SQLite through bun.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	appLog "icsimport/internal/log"
	"icsimport/internal/model"
	"icsimport/internal/store"
)

type calendarRow struct {
	bun.BaseModel `bun:"table:calendars"`

	ID        string `bun:"id,pk"`
	Title     string `bun:"title,notnull"`
	Writable  bool   `bun:"writable,notnull"`
	IsDefault bool   `bun:"is_default,notnull"`
}

type eventRow struct {
	bun.BaseModel `bun:"table:events"`

	ID         string    `bun:"id,pk"`
	CalendarID string    `bun:"calendar_id,notnull"`
	Title      string    `bun:"title,notnull"`
	Location   *string   `bun:"location"`
	Notes      *string   `bun:"notes"`
	StartAt    time.Time `bun:"start_at,notnull"`
	EndAt      time.Time `bun:"end_at,notnull"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
}

// Store implements store.Store and store.EventLister.
type Store struct {
	db *bun.DB
}

// Open opens (creating if needed) the SQLite database at dsn and ensures
// the schema exists. Use "file::memory:" for a throwaway database.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("sqlite: empty dsn")
	}
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// One connection: SQLite has a single writer anyway, and an in-memory
	// database only lives inside one connection.
	sqldb.SetMaxOpenConns(1)

	s := &Store{db: bun.NewDB(sqldb, sqlitedialect.New())}
	if err := s.createSchema(ctx); err != nil {
		_ = s.db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createSchema(ctx context.Context) error {
	if err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		for _, m := range []interface{}{
			(*calendarRow)(nil),
			(*eventRow)(nil),
		} {
			if _, err := tx.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
				return err
			}
		}
		_, err := tx.NewCreateIndex().
			Model((*eventRow)(nil)).
			Index("events_identity_idx").
			Unique().
			IfNotExists().
			Column("calendar_id", "title", "start_at", "end_at").
			Exec(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("sqlite createSchema: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureCalendar inserts or updates a calendar. When isDefault is true every
// other calendar loses its default flag.
func (s *Store) EnsureCalendar(ctx context.Context, cal model.Calendar, isDefault bool) error {
	if cal.ID == "" {
		return errors.New("sqlite: calendar id is empty")
	}
	if cal.Title == "" {
		cal.Title = cal.ID
	}

	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if isDefault {
			if _, err := tx.NewUpdate().
				Model((*calendarRow)(nil)).
				Set("is_default = ?", false).
				Where("id != ?", cal.ID).
				Exec(ctx); err != nil {
				return err
			}
		}
		row := &calendarRow{ID: cal.ID, Title: cal.Title, Writable: cal.Writable, IsDefault: isDefault}
		_, err := tx.NewInsert().
			Model(row).
			On("CONFLICT (id) DO UPDATE").
			Set("title = EXCLUDED.title").
			Set("writable = EXCLUDED.writable").
			Set("is_default = EXCLUDED.is_default").
			Exec(ctx)
		return err
	})
	return store.Wrap("ensure calendar", cal.ID, err)
}

func (s *Store) ListWritableCalendars(ctx context.Context) ([]model.Calendar, error) {
	rows := make([]calendarRow, 0)
	if err := s.db.NewSelect().
		Model(&rows).
		Where("writable = ?", true).
		Order("title ASC", "id ASC").
		Scan(ctx); err != nil {
		return nil, store.Wrap("list calendars", "", err)
	}

	out := make([]model.Calendar, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *Store) DefaultCalendar(ctx context.Context) (model.Calendar, bool, error) {
	var row calendarRow
	err := s.db.NewSelect().
		Model(&row).
		Where("is_default = ?", true).
		Limit(1).
		Scan(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Calendar{}, false, nil
	case err != nil:
		return model.Calendar{}, false, store.Wrap("default calendar", "", err)
	}
	return row.toModel(), true, nil
}

// Save inserts ev into cal. An event with the same title, start and end
// already in cal is rejected with store.ErrDuplicate.
func (s *Store) Save(ctx context.Context, ev model.Event, cal model.Calendar) error {
	row := &eventRow{
		ID:         uuid.NewString(),
		CalendarID: cal.ID,
		Title:      ev.Title,
		Location:   ev.Location,
		Notes:      ev.Notes,
		StartAt:    ev.Start.UTC(),
		EndAt:      ev.End.UTC(),
		CreatedAt:  time.Now().UTC(),
	}

	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		var c calendarRow
		if err := tx.NewSelect().Model(&c).Where("id = ?", cal.ID).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrCalendarNotFound
			}
			return err
		}
		if !c.Writable {
			return store.ErrReadOnly
		}

		exists, err := tx.NewSelect().
			Model((*eventRow)(nil)).
			Where("calendar_id = ?", row.CalendarID).
			Where("title = ?", row.Title).
			Where("start_at = ?", row.StartAt).
			Where("end_at = ?", row.EndAt).
			Exists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return store.ErrDuplicate
		}

		if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return store.ErrDuplicate
			}
			return err
		}
		return nil
	})
	if err != nil {
		return store.Wrap("save", cal.ID, err)
	}

	appLog.Debug("sqlite: event saved", "calendar", cal.ID, "id", row.ID)
	return nil
}

// ListEvents returns the events of cal ordered by start time. A calendar
// that does not exist yields store.ErrCalendarNotFound.
func (s *Store) ListEvents(ctx context.Context, cal model.Calendar) ([]model.Event, error) {
	known, err := s.db.NewSelect().Model((*calendarRow)(nil)).Where("id = ?", cal.ID).Exists(ctx)
	if err != nil {
		return nil, store.Wrap("list events", cal.ID, err)
	}
	if !known {
		return nil, store.Wrap("list events", cal.ID, store.ErrCalendarNotFound)
	}

	rows := make([]eventRow, 0)
	if err := s.db.NewSelect().
		Model(&rows).
		Where("calendar_id = ?", cal.ID).
		Order("start_at ASC", "id ASC").
		Scan(ctx); err != nil {
		return nil, store.Wrap("list events", cal.ID, err)
	}

	out := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Event{
			ID:         r.ID,
			CalendarID: r.CalendarID,
			Title:      r.Title,
			Location:   r.Location,
			Notes:      r.Notes,
			Start:      r.StartAt,
			End:        r.EndAt,
		})
	}
	return out, nil
}

func (r calendarRow) toModel() model.Calendar {
	return model.Calendar{ID: r.ID, Title: r.Title, Writable: r.Writable}
}
