package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"icsimport/internal/config"
	"icsimport/internal/ics"
	appLog "icsimport/internal/log"
	"icsimport/internal/metrics"
	"icsimport/internal/model"
	"icsimport/internal/pipeline"
	"icsimport/internal/scheduler"
	"icsimport/internal/store"
	"icsimport/internal/store/google"
	"icsimport/internal/store/postgres"
	"icsimport/internal/store/sqlite"
	"icsimport/internal/web"
)

const version = "0.3.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	calendar   string
	encoding   string
	list       bool
	export     string
	serve      bool
	authCode   string
	inputs     []string
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	conf.ApplyEnv()

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("icsimport starting", "version", version)
	appLog.Debug("effective config",
		"listen", conf.Listen,
		"store", conf.Store.Driver,
		"encodings", strings.Join(conf.Encodings, ","),
		"default_calendar", conf.DefaultCalendar,
		"subscriptions", len(conf.Subscriptions),
		"refresh", conf.RefreshCron,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, conf, flags); err != nil {
		appLog.Error("icsimport failed", err)
		os.Exit(1)
	}
	appLog.Info("icsimport exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "./icsimport.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.calendar, "calendar", "", "Destination calendar ID for imports (default calendar if empty)")
	flag.StringVar(&cfg.encoding, "encoding", "", "Charset hint tried before the configured encodings")
	flag.BoolVar(&cfg.list, "list", false, "List writable calendars and exit")
	flag.StringVar(&cfg.export, "export", "", "Write the events of calendar `id` to stdout as ICS and exit")
	flag.BoolVar(&cfg.serve, "serve", false, "Run the HTTP API and subscription scheduler")
	flag.StringVar(&cfg.authCode, "auth-code", "", "Google OAuth authorization code to exchange for a token")

	flag.Parse()
	cfg.inputs = flag.Args()

	return cfg
}

// backend bundles the configured store with its optional capabilities.
type backend struct {
	store  store.Store
	gate   store.Gate
	lister store.EventLister
	close  func()
}

// seeder is implemented by database-backed stores that take calendars from
// the config file.
type seeder interface {
	EnsureCalendar(ctx context.Context, cal model.Calendar, isDefault bool) error
}

func openBackend(ctx context.Context, conf *config.Config, authCode string) (*backend, error) {
	switch conf.Store.Driver {
	case config.DriverPostgres:
		st, err := postgres.Open(ctx, conf.Store.DSN)
		if err != nil {
			return nil, err
		}
		return &backend{store: st, gate: store.AlwaysGranted, lister: st, close: st.Close}, nil

	case config.DriverGoogle:
		st, err := google.New(ctx, conf.Store.GoogleCredentials, conf.Store.GoogleToken)
		if err != nil {
			return nil, err
		}
		if authCode != "" {
			if err := st.Exchange(ctx, authCode); err != nil {
				return nil, err
			}
		}
		if !st.RequestAccess(ctx) {
			fmt.Fprintf(os.Stderr, "Google Calendar access required. Open this URL, then rerun with -auth-code:\n%s\n", st.AuthURL("icsimport"))
		}
		return &backend{store: st, gate: st, lister: st, close: func() {}}, nil

	default:
		st, err := sqlite.Open(ctx, conf.Store.DSN)
		if err != nil {
			return nil, err
		}
		return &backend{
			store:  st,
			gate:   store.AlwaysGranted,
			lister: st,
			close: func() {
				if err := st.Close(); err != nil {
					appLog.Error("sqlite close failed", err)
				}
			},
		}, nil
	}
}

func seedCalendars(ctx context.Context, s seeder, cals []config.CalendarConfig) error {
	for _, c := range cals {
		if c.ID == "" {
			continue
		}
		cal := model.Calendar{ID: c.ID, Title: c.Title, Writable: !c.ReadOnly}
		if err := s.EnsureCalendar(ctx, cal, c.Default); err != nil {
			return fmt.Errorf("seed calendar %s: %w", c.ID, err)
		}
	}
	return nil
}

func run(ctx context.Context, conf *config.Config, flags flagConfig) error {
	be, err := openBackend(ctx, conf, flags.authCode)
	if err != nil {
		return err
	}
	defer be.close()

	if s, ok := be.store.(seeder); ok {
		if err := seedCalendars(ctx, s, conf.Calendars); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pipe := pipeline.New(pipeline.Options{
		Store:           be.store,
		Gate:            be.gate,
		Metrics:         metrics.New(reg),
		Encodings:       conf.Encodings,
		DefaultCalendar: conf.DefaultCalendar,
	})

	switch {
	case flags.list:
		return listCalendars(ctx, pipe)
	case flags.export != "":
		return exportCalendar(ctx, be.lister, flags.export)
	}

	if len(flags.inputs) > 0 {
		if err := importInputs(ctx, pipe, flags); err != nil {
			return err
		}
	}

	if flags.serve {
		return serve(ctx, conf, pipe, be, reg)
	}
	if len(flags.inputs) == 0 {
		flag.Usage()
		return errors.New("nothing to do: pass files/URLs to import, -list, -export or -serve")
	}
	return nil
}

func listCalendars(ctx context.Context, pipe *pipeline.Pipeline) error {
	cals, def, err := pipe.Calendars(ctx)
	if err != nil {
		return err
	}
	for _, c := range cals {
		marker := " "
		if c.ID == def {
			marker = "*"
		}
		fmt.Printf("%s %s\t%s\n", marker, c.ID, c.Title)
	}
	return nil
}

func exportCalendar(ctx context.Context, lister store.EventLister, id string) error {
	events, err := lister.ListEvents(ctx, model.Calendar{ID: id})
	if err != nil {
		return err
	}
	return ics.Export(os.Stdout, id, events)
}

// importInputs imports each file or URL once. A failing input is reported
// and the remaining inputs are still imported.
func importInputs(ctx context.Context, pipe *pipeline.Pipeline, flags flagConfig) error {
	fetcher := ics.NewFetcher("", 30*time.Second)

	var failed int
	for _, in := range flags.inputs {
		data, err := readInput(ctx, fetcher, in)
		if err != nil {
			appLog.Error("cannot read input", err, "input", in)
			failed++
			continue
		}

		res, err := pipe.Run(ctx, pipeline.Request{
			Data:       data,
			Encoding:   flags.encoding,
			CalendarID: flags.calendar,
		})
		if err != nil {
			appLog.Error("import failed", err, "input", in)
			failed++
			continue
		}

		if res.Parsed == 0 {
			fmt.Printf("%s: No events found.\n", in)
			continue
		}
		fmt.Printf("%s: Parsed %d event(s). Imported: %d. Failed: %d.\n",
			in, res.Parsed, res.Outcome.Succeeded, res.Outcome.Failed)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d input(s) could not be imported", failed, len(flags.inputs))
	}
	return nil
}

func readInput(ctx context.Context, fetcher *ics.Fetcher, in string) ([]byte, error) {
	lower := strings.ToLower(in)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "webcal://") {
		fr, err := fetcher.FetchOne(ctx, ics.Source{ID: in, URL: in})
		if err != nil {
			return nil, err
		}
		return fr.Body, nil
	}
	if in == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(in)
}

func serve(ctx context.Context, conf *config.Config, pipe *pipeline.Pipeline, be *backend, reg *prometheus.Registry) error {
	subs := make([]scheduler.Subscription, 0, len(conf.Subscriptions))
	for _, s := range conf.Subscriptions {
		if s.URL == "" {
			continue
		}
		subs = append(subs, scheduler.Subscription{ID: s.ID, URL: s.URL, Calendar: s.Calendar, Encoding: s.Encoding})
	}

	if len(subs) > 0 {
		sched := scheduler.New(ics.NewFetcher(conf.CacheDir, 30*time.Second), pipe, subs)
		if err := sched.Start(ctx, conf.RefreshCron); err != nil {
			return err
		}
		// Initial pass so feeds are current without waiting for the first tick.
		go sched.RefreshAll(ctx)
	}

	srv := web.NewServer(conf, pipe, be.lister, reg)
	return srv.Serve(ctx)
}
