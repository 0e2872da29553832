package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"transit-trajectories/internal/config"
	"transit-trajectories/internal/db"
	"transit-trajectories/internal/feed"
	"transit-trajectories/internal/ingest"
	"transit-trajectories/internal/metrics"
	"transit-trajectories/internal/routefilter"
)

func main() {
	var (
		once       = flag.Bool("once", false, "poll both feeds once and exit")
		maxPolls   = flag.Int("max-polls", 0, "stop after this many polls (overrides -duration)")
		duration   = flag.Duration("duration", 0, "total polling time (default GTFS_RT_DURATION_MINUTES)")
		interval   = flag.Duration("interval", 0, "time between poll starts (default GTFS_RT_POLL_INTERVAL)")
		migrate    = flag.Bool("migrate", false, "create the realtime tables if missing")
		verbose    = flag.Bool("verbose", false, "debug logging")
		routeIDs   config.StringList
		shortNames config.StringList
	)
	flag.Var(&routeIDs, "route-id", "route_id to keep (repeatable, CSV allowed)")
	flag.Var(&shortNames, "route-short-name", "route_short_name to keep (repeatable, CSV allowed)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *interval > 0 {
		cfg.PollInterval = *interval
	}
	if *duration > 0 {
		cfg.Duration = *duration
	}

	log, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}

	polls := ingest.PollCount(cfg.Duration, cfg.PollInterval)
	switch {
	case *once:
		polls = 1
	case *maxPolls > 0:
		polls = *maxPolls
	}

	err = run(cfg, log, polls, *migrate, routeIDs.Or(cfg.RouteIDs), shortNames.Or(cfg.RouteShortNames))
	_ = log.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger, polls int, migrate bool, routeIDs, shortNames []string) error {
	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sqlDB, dbName, err := db.Connect(ctx, cfg.DatabaseURL, cfg.City)
	if err != nil {
		log.Error("database", zap.Error(err))
		return err
	}
	defer sqlDB.Close()
	if dbName != "" {
		log.Info("using city database", zap.String("db", dbName), zap.String("city", cfg.City))
	}
	if migrate {
		if err := db.EnsureSchema(ctx, sqlDB); err != nil {
			log.Error("schema", zap.Error(err))
			return err
		}
	}
	store := db.NewStore(sqlDB)

	filter, err := routefilter.Resolve(ctx, store, routeIDs, shortNames)
	if err != nil {
		log.Error("resolve route filter", zap.Error(err))
		return err
	}
	if len(filter.Unresolved) > 0 {
		log.Warn("unknown route short names ignored", zap.Strings("short_names", filter.Unresolved))
	}

	mcol := metrics.NewCollector(cfg.PollInterval)
	if cfg.MetricsAddr != "" {
		mcol.Serve(ctx, cfg.MetricsAddr, log)
	}

	fetcher := feed.NewFetcher(&http.Client{Timeout: cfg.FetchTimeout}, cfg.APIKey)
	defer fetcher.Close()

	poller := ingest.New(ingest.Options{
		Fetcher:             fetcher,
		Sink:                store,
		Filter:              filter,
		VehiclePositionsURL: cfg.VehiclePositionsURL,
		TripUpdatesURL:      cfg.TripUpdatesURL,
		Interval:            cfg.PollInterval,
		Metrics:             mcol,
		Logger:              log,
	})

	log.Info("starting ingest",
		zap.Int("polls", polls),
		zap.Duration("interval", cfg.PollInterval),
		zap.String("routes", filter.String()),
		zap.Bool("env_route_filter", cfg.HasRouteFilter()),
	)
	start := time.Now()
	total, err := poller.Run(ctx, polls)
	fields := []zap.Field{
		zap.Int("positions", total.Positions),
		zap.Int("schedule_updates", total.ScheduleUpdates),
		zap.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		log.Error("ingest stopped", append(fields, zap.Error(err))...)
		return err
	}
	log.Info("ingest complete", fields...)
	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zc.Build(zap.Fields(zap.String("service", "ingest")))
}
