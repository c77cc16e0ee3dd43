// Package scheduler imports subscribed feeds on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"icsimport/internal/ics"
	appLog "icsimport/internal/log"
	"icsimport/internal/pipeline"
)

// Subscription is a remote feed imported into a calendar.
type Subscription struct {
	ID       string
	URL      string
	Calendar string
	Encoding string
}

// Fetcher retrieves a feed. *ics.Fetcher satisfies it.
type Fetcher interface {
	FetchOne(ctx context.Context, src ics.Source) (ics.FetchResult, error)
	// Forget discards what the fetcher remembers about src so the next
	// fetch is reported as changed.
	Forget(src ics.Source) error
}

// Runner imports one request. *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

// Report summarizes one subscription within a refresh pass.
type Report struct {
	Subscription string
	Skipped      bool
	Result       pipeline.Result
	Err          error
}

// Scheduler runs RefreshAll on a cron spec.
type Scheduler struct {
	fetcher Fetcher
	runner  Runner
	subs    []Subscription

	cron    *cron.Cron
	running sync.Mutex
}

func New(fetcher Fetcher, runner Runner, subs []Subscription) *Scheduler {
	return &Scheduler{
		fetcher: fetcher,
		runner:  runner,
		subs:    subs,
	}
}

// Start schedules RefreshAll using a standard five-field cron spec. The
// schedule stops when ctx is done.
func (s *Scheduler) Start(ctx context.Context, spec string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() { s.RefreshAll(ctx) }); err != nil {
		return fmt.Errorf("scheduler: invalid refresh spec %q: %w", spec, err)
	}
	s.cron = c
	c.Start()
	appLog.Info("scheduler started", "spec", spec, "subscriptions", len(s.subs))

	go func() {
		<-ctx.Done()
		stopped := c.Stop()
		select {
		case <-stopped.Done():
		case <-time.After(30 * time.Second):
			appLog.Warn("scheduler: refresh still running at shutdown")
		}
		appLog.Info("scheduler stopped")
	}()
	return nil
}

// RefreshAll fetches every subscription and imports the ones whose feed
// changed. A feed served from cache or identical to the last fetch is
// skipped so its events are not saved twice. A failed import makes the
// fetcher forget the feed, so the next pass imports it again. One failing
// subscription does not stop the others.
func (s *Scheduler) RefreshAll(ctx context.Context) []Report {
	s.running.Lock()
	defer s.running.Unlock()

	reports := make([]Report, 0, len(s.subs))
	for _, sub := range s.subs {
		if ctx.Err() != nil {
			break
		}
		reports = append(reports, s.refreshOne(ctx, sub))
	}
	return reports
}

func (s *Scheduler) refreshOne(ctx context.Context, sub Subscription) Report {
	rep := Report{Subscription: sub.ID}

	src := ics.Source{ID: sub.ID, URL: sub.URL}
	fr, err := s.fetcher.FetchOne(ctx, src)
	if err != nil {
		appLog.Error("scheduler: fetch failed", err, "subscription", sub.ID)
		rep.Err = err
		return rep
	}
	if fr.FromCache || fr.Unchanged {
		appLog.Debug("scheduler: feed unchanged, skipping", "subscription", sub.ID)
		rep.Skipped = true
		return rep
	}

	res, err := s.runner.Run(ctx, pipeline.Request{
		Data:       fr.Body,
		Encoding:   sub.Encoding,
		CalendarID: sub.Calendar,
	})
	rep.Result = res
	if err != nil {
		appLog.Error("scheduler: import failed", err, "subscription", sub.ID)
		rep.Err = err
		if ferr := s.fetcher.Forget(src); ferr != nil {
			appLog.Error("scheduler: cannot reset feed cache", ferr, "subscription", sub.ID)
		}
		return rep
	}

	appLog.Info("scheduler: subscription imported",
		"subscription", sub.ID,
		"calendar", res.Calendar.ID,
		"parsed", res.Parsed,
		"succeeded", res.Outcome.Succeeded,
		"failed", res.Outcome.Failed,
	)
	return rep
}
