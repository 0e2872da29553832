package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"transit-trajectories/internal/config"
	"transit-trajectories/internal/db"
	"transit-trajectories/internal/mapmatch"
	"transit-trajectories/internal/metrics"
	"transit-trajectories/internal/publisher"
	"transit-trajectories/internal/routefilter"
	"transit-trajectories/internal/trajectory"
)

type options struct {
	since, until time.Time
	truncate     bool
	routeIDs     []string
	shortNames   []string
}

func main() {
	var (
		hours      = flag.Float64("hours", 3, "window length ending at -until")
		sinceFlag  = flag.String("since", "", "window start, RFC3339 (overrides -hours)")
		untilFlag  = flag.String("until", "", "window end, RFC3339 (default now)")
		truncate   = flag.Bool("truncate", false, "empty the trajectory table before building")
		verbose    = flag.Bool("verbose", false, "debug logging")
		routeIDs   config.StringList
		shortNames config.StringList
	)
	flag.Var(&routeIDs, "route-id", "route_id to build (repeatable, CSV allowed)")
	flag.Var(&shortNames, "route-short-name", "route_short_name to build (repeatable, CSV allowed)")
	flag.Parse()

	since, until, err := window(*sinceFlag, *untilFlag, *hours, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "usage error: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	zc := zap.NewProductionConfig()
	if *verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	runID := uuid.NewString()
	log, err := zc.Build(zap.Fields(zap.String("service", "build-trajectories"), zap.String("run_id", runID)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}

	err = run(cfg, log, runID, options{
		since:      since,
		until:      until,
		truncate:   *truncate,
		routeIDs:   routeIDs.Or(cfg.RouteIDs),
		shortNames: shortNames.Or(cfg.RouteShortNames),
	})
	_ = log.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// window resolves the half-open build window from the flags.
func window(sinceRaw, untilRaw string, hours float64, now time.Time) (time.Time, time.Time, error) {
	until := now
	if untilRaw != "" {
		t, err := time.Parse(time.RFC3339, untilRaw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid -until: %w", err)
		}
		until = t
	}
	var since time.Time
	if sinceRaw != "" {
		t, err := time.Parse(time.RFC3339, sinceRaw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid -since: %w", err)
		}
		since = t
	} else {
		if hours <= 0 {
			return time.Time{}, time.Time{}, errors.New("-hours must be positive")
		}
		since = until.Add(-time.Duration(hours * float64(time.Hour)))
	}
	if !since.Before(until) {
		return time.Time{}, time.Time{}, errors.New("-since must be before -until")
	}
	return since, until, nil
}

func run(cfg *config.Config, log *zap.Logger, runID string, opts options) error {
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
	store := db.NewStore(sqlDB)

	filter, err := routefilter.Resolve(ctx, store, opts.routeIDs, opts.shortNames)
	if err != nil {
		log.Error("resolve route filter", zap.Error(err))
		return err
	}
	if len(filter.Unresolved) > 0 {
		log.Warn("unknown route short names ignored", zap.Strings("short_names", filter.Unresolved))
	}

	mcol := metrics.NewCollector(0)
	if cfg.MetricsAddr != "" {
		mcol.Serve(ctx, cfg.MetricsAddr, log)
	}

	bopts := trajectory.Options{
		Samples: store,
		Geometry: func(ctx context.Context, tripIDs []string) (trajectory.GeometryIndex, error) {
			return store.LoadGeometry(ctx, tripIDs)
		},
		Writer:   store,
		Metrics:  mcol,
		Logger:   log,
		Location: cfg.Location,
	}

	if cfg.UseValhalla {
		mopts := mapmatch.Options{
			BaseURL: cfg.ValhallaURL,
			Timeout: cfg.ValhallaTimeout,
			Costing: cfg.ValhallaCosting,
			Metrics: mcol,
			Logger:  log,
		}
		if cfg.RedisAddr != "" {
			rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
			defer rdb.Close()
			if err := rdb.Ping(ctx).Err(); err != nil {
				log.Warn("match cache unavailable, continuing without it", zap.Error(err))
			} else {
				mopts.Cache = mapmatch.NewRedisCache(rdb, cfg.MatchCacheTTL, log)
			}
		}
		bopts.Matcher = mapmatch.NewClient(mopts)
	}

	if cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, runID, log, mcol)
		if err != nil {
			log.Error("nats", zap.Error(err))
			return err
		}
		defer pub.Close()
		bopts.Publisher = pub
	}

	if opts.truncate {
		if err := store.TruncateTrajectories(ctx); err != nil {
			log.Error("truncate", zap.Error(err))
			return err
		}
		log.Info("trajectory table truncated")
	}

	log.Info("building trajectories",
		zap.Time("since", opts.since),
		zap.Time("until", opts.until),
		zap.String("routes", filter.String()),
		zap.Bool("env_route_filter", cfg.HasRouteFilter()),
		zap.Bool("external_matching", cfg.UseValhalla),
	)
	start := time.Now()
	n, err := trajectory.New(bopts).Build(ctx, opts.since, opts.until, filter)
	if err != nil {
		log.Error("build failed", zap.Error(err))
		return err
	}
	log.Info("build complete", zap.Int("written", n), zap.Duration("elapsed", time.Since(start)))
	return nil
}
