// Package postgres is a shared calendar store on PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	appLog "icsimport/internal/log"
	"icsimport/internal/model"
	"icsimport/internal/store"
)

// schemaSQL is embedded so the store can bootstrap its own tables.
//
//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// Store implements store.Store and store.EventLister.
type Store struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool, fails fast if the database is
// unreachable, and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres: empty dsn")
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(connectCtx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &Store{pool: pool}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return s, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureCalendar inserts or updates a calendar; see sqlite.Store.EnsureCalendar.
func (s *Store) EnsureCalendar(ctx context.Context, cal model.Calendar, isDefault bool) error {
	if cal.ID == "" {
		return errors.New("postgres: calendar id is empty")
	}
	if cal.Title == "" {
		cal.Title = cal.ID
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if isDefault {
			if _, err := tx.Exec(ctx, `UPDATE calendars SET is_default = FALSE WHERE id <> $1`, cal.ID); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO calendars (id, title, writable, is_default)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE
			SET title = EXCLUDED.title, writable = EXCLUDED.writable, is_default = EXCLUDED.is_default`,
			cal.ID, cal.Title, cal.Writable, isDefault)
		return err
	})
	return store.Wrap("ensure calendar", cal.ID, err)
}

func (s *Store) ListWritableCalendars(ctx context.Context) ([]model.Calendar, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, writable FROM calendars
		WHERE writable
		ORDER BY title, id`)
	if err != nil {
		return nil, store.Wrap("list calendars", "", err)
	}

	cals, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Calendar, error) {
		var c model.Calendar
		err := row.Scan(&c.ID, &c.Title, &c.Writable)
		return c, err
	})
	if err != nil {
		return nil, store.Wrap("list calendars", "", err)
	}
	return cals, nil
}

func (s *Store) DefaultCalendar(ctx context.Context) (model.Calendar, bool, error) {
	var c model.Calendar
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, writable FROM calendars
		WHERE is_default
		LIMIT 1`).Scan(&c.ID, &c.Title, &c.Writable)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return model.Calendar{}, false, nil
	case err != nil:
		return model.Calendar{}, false, store.Wrap("default calendar", "", err)
	}
	return c, true, nil
}

// Save inserts ev into cal. The (calendar, title, start, end) unique
// constraint reports duplicates as store.ErrDuplicate.
func (s *Store) Save(ctx context.Context, ev model.Event, cal model.Calendar) error {
	id := uuid.New()

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var writable bool
		err := tx.QueryRow(ctx, `SELECT writable FROM calendars WHERE id = $1`, cal.ID).Scan(&writable)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrCalendarNotFound
		}
		if err != nil {
			return err
		}
		if !writable {
			return store.ErrReadOnly
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO events (id, calendar_id, title, location, notes, start_at, end_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, cal.ID, ev.Title, ev.Location, ev.Notes, ev.Start.UTC(), ev.End.UTC())
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return store.ErrDuplicate
		}
		return err
	})
	if err != nil {
		return store.Wrap("save", cal.ID, err)
	}

	appLog.Debug("postgres: event saved", "calendar", cal.ID, "id", id.String())
	return nil
}

// ListEvents returns the events of cal ordered by start time. A calendar
// that does not exist yields store.ErrCalendarNotFound.
func (s *Store) ListEvents(ctx context.Context, cal model.Calendar) ([]model.Event, error) {
	var known bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM calendars WHERE id = $1)`, cal.ID).Scan(&known); err != nil {
		return nil, store.Wrap("list events", cal.ID, err)
	}
	if !known {
		return nil, store.Wrap("list events", cal.ID, store.ErrCalendarNotFound)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id::text, calendar_id, title, location, notes, start_at, end_at
		FROM events
		WHERE calendar_id = $1
		ORDER BY start_at, id`, cal.ID)
	if err != nil {
		return nil, store.Wrap("list events", cal.ID, err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Event, error) {
		var ev model.Event
		err := row.Scan(&ev.ID, &ev.CalendarID, &ev.Title, &ev.Location, &ev.Notes, &ev.Start, &ev.End)
		return ev, err
	})
	if err != nil {
		return nil, store.Wrap("list events", cal.ID, err)
	}
	return events, nil
}
