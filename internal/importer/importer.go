// Package importer writes parsed records into a destination calendar.
package importer

import (
	"context"

	appLog "icsimport/internal/log"
	"icsimport/internal/model"
	"icsimport/internal/store"
)

// Outcome tallies one import run. Attempted always equals
// Succeeded + Failed and the number of records given to Import.
type Outcome struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Import saves every record into dest, one at a time and in order.
//
// A failing save is counted and the run moves on; earlier successes are
// never rolled back. Cancelling ctx does not stop a run once started: store
// calls receive a context detached from ctx's cancellation. A store call
// that hangs blocks the whole run.
func Import(ctx context.Context, saver store.Saver, dest model.Calendar, records []model.Record) Outcome {
	ctx = context.WithoutCancel(ctx)

	var out Outcome
	for i, rec := range records {
		out.Attempted++

		if err := saver.Save(ctx, toEvent(rec, dest), dest); err != nil {
			out.Failed++
			appLog.Debug("import: record failed", "index", i, "calendar", dest.ID, "err", err)
			continue
		}
		out.Succeeded++
	}

	appLog.Info("import completed",
		"calendar", dest.ID,
		"attempted", out.Attempted,
		"succeeded", out.Succeeded,
		"failed", out.Failed,
	)
	return out
}

// toEvent builds the destination event for rec. Optional fields are passed
// through as-is; a missing end becomes start plus one hour.
func toEvent(rec model.Record, dest model.Calendar) model.Event {
	return model.Event{
		CalendarID: dest.ID,
		Title:      rec.Title,
		Location:   rec.Location,
		Notes:      rec.Notes,
		Start:      rec.Start,
		End:        rec.EndOrDefault(),
	}
}
