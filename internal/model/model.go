package model

import "time"

// DefaultTitle is used for records whose block carries no SUMMARY line.
const DefaultTitle = "Untitled"

// DefaultDuration is applied at import time to records without an end.
const DefaultDuration = time.Hour

// Record is a single VEVENT as produced by the ICS parser.
// Records are values; nothing downstream mutates them.
type Record struct {
	Title string

	// Start is always set on records returned by the parser.
	Start time.Time
	// End is nil when the block had no DTEND or it did not parse.
	End *time.Time

	Location *string
	Notes    *string
}

// EndOrDefault returns End, or Start plus DefaultDuration when End is nil.
func (r Record) EndOrDefault() time.Time {
	if r.End != nil {
		return *r.End
	}
	return r.Start.Add(DefaultDuration)
}

// Calendar is a handle to a destination calendar in a calendar store.
type Calendar struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Writable bool   `json:"writable"`
}

// Event is the destination-native representation written to a store.
type Event struct {
	// ID is assigned by the store on save; empty before that.
	ID         string
	CalendarID string

	Title    string
	Location *string
	Notes    *string

	Start time.Time
	End   time.Time
}
