package ics

import (
	"errors"
	"io"
	"time"

	ical "github.com/arran4/golang-ical"

	"icsimport/internal/model"
)

const productID = "-//icsimport//icsimport//EN"

// Export writes events as a single VCALENDAR to w.
//
// Times are written in UTC. Optional fields are only emitted when set, so a
// nil Location stays nil after ParseEvents reads the output back. Text values
// are escaped by the serializer (commas, semicolons, newlines); ParseEvents
// does not unescape them.
func Export(w io.Writer, name string, events []model.Event) error {
	if w == nil {
		return errors.New("export: nil writer")
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	if name != "" {
		cal.SetXWRCalName(name)
	}

	stamp := time.Now().UTC()
	for _, ev := range events {
		uid := ev.ID
		if uid == "" {
			uid = ev.Start.UTC().Format("20060102T150405Z") + "-" + ev.Title
		}

		ve := cal.AddEvent(uid)
		ve.SetDtStampTime(stamp)
		ve.SetSummary(ev.Title)
		ve.SetStartAt(ev.Start)
		ve.SetEndAt(ev.End)
		if ev.Location != nil {
			ve.SetLocation(*ev.Location)
		}
		if ev.Notes != nil {
			ve.SetDescription(*ev.Notes)
		}
	}

	return cal.SerializeTo(w)
}
