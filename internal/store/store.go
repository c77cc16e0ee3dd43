// Package store defines the calendar-store contract that imports write to.
// Concrete backends live in the subpackages.
package store

import (
	"context"
	"errors"
	"fmt"

	"icsimport/internal/model"
)

var (
	ErrCalendarNotFound = errors.New("calendar not found")
	ErrReadOnly         = errors.New("calendar is read-only")
	ErrDuplicate        = errors.New("event already exists in calendar")
	ErrNotAuthorized    = errors.New("calendar store access not authorized")
)

// Saver persists a single event into a calendar.
type Saver interface {
	Save(ctx context.Context, ev model.Event, cal model.Calendar) error
}

// Store is a destination calendar store.
type Store interface {
	Saver

	// ListWritableCalendars returns calendars that accept new events.
	ListWritableCalendars(ctx context.Context) ([]model.Calendar, error)
	// DefaultCalendar returns the store's preferred calendar for new
	// events. ok is false when the store has none.
	DefaultCalendar(ctx context.Context) (cal model.Calendar, ok bool, err error)
}

// Gate grants or denies access to a store. Callers must obtain true before
// using the store.
type Gate interface {
	RequestAccess(ctx context.Context) bool
}

// EventLister is implemented by stores that can read events back.
type EventLister interface {
	ListEvents(ctx context.Context, cal model.Calendar) ([]model.Event, error)
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context) bool

func (f GateFunc) RequestAccess(ctx context.Context) bool { return f(ctx) }

// AlwaysGranted is the gate for local stores that need no authorization.
var AlwaysGranted Gate = GateFunc(func(context.Context) bool { return true })

// Error describes a failed store operation.
type Error struct {
	Op         string
	CalendarID string
	Err        error
}

func (e *Error) Error() string {
	if e.CalendarID == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s (calendar %s): %v", e.Op, e.CalendarID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap wraps err into an *Error; nil stays nil.
func Wrap(op, calendarID string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, CalendarID: calendarID, Err: err}
}
