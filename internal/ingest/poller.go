// Package ingest runs the feed polling loop: fetch both realtime feeds,
// decode, tag with trip instance ids, and append to the sample store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"go.uber.org/zap"

	"transit-trajectories/internal/feed"
	"transit-trajectories/internal/gtfs"
	"transit-trajectories/internal/routefilter"
)

const (
	FeedPositions       = "vehicle_positions"
	FeedScheduleUpdates = "trip_updates"
)

// Fetcher returns the raw bytes of a feed URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Sink appends decoded samples. Each call is one committed batch.
type Sink interface {
	InsertPositions(ctx context.Context, rows []gtfs.PositionSample) (int, error)
	InsertScheduleUpdates(ctx context.Context, rows []gtfs.ScheduleUpdateSample) (int, error)
}

// Metrics receives poll outcomes. It may be nil.
type Metrics interface {
	PollObserve(result string, d time.Duration)
	RowsAdd(feed string, n int)
	FeedErrorInc(feed, kind string)
}

// Counts holds persisted rows per feed.
type Counts struct {
	Positions       int
	ScheduleUpdates int
}

func (c Counts) add(o Counts) Counts {
	return Counts{Positions: c.Positions + o.Positions, ScheduleUpdates: c.ScheduleUpdates + o.ScheduleUpdates}
}

type Options struct {
	Fetcher             Fetcher
	Sink                Sink
	Filter              routefilter.Filter
	VehiclePositionsURL string
	TripUpdatesURL      string
	Interval            time.Duration
	Metrics             Metrics
	Logger              *zap.Logger

	// Now and Sleep default to the wall clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type Poller struct {
	fetcher      Fetcher
	sink         Sink
	filter       routefilter.Filter
	positionsURL string
	updatesURL   string
	interval     time.Duration
	metrics      Metrics
	log          *zap.Logger
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

func New(opts Options) *Poller {
	p := &Poller{
		fetcher:      opts.Fetcher,
		sink:         opts.Sink,
		filter:       opts.Filter,
		positionsURL: opts.VehiclePositionsURL,
		updatesURL:   opts.TripUpdatesURL,
		interval:     opts.Interval,
		metrics:      opts.Metrics,
		log:          opts.Logger,
		now:          opts.Now,
		sleep:        opts.Sleep,
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	return p
}

// PollCount converts a duration budget into a number of polls, at least one.
func PollCount(duration, interval time.Duration) int {
	if duration <= 0 || interval <= 0 {
		return 1
	}
	return max(1, int(math.Ceil(float64(duration)/float64(interval))))
}

// Run performs polls cycles (unbounded when polls <= 0) spaced by the
// interval minus the time the previous cycle took. Cancelling ctx stops the
// loop before the next poll; a poll already running completes. The first
// persistence error stops the loop and is returned with the totals so far.
func (p *Poller) Run(ctx context.Context, polls int) (Counts, error) {
	var total Counts
	for i := 0; polls <= 0 || i < polls; i++ {
		if ctx.Err() != nil {
			p.log.Info("interrupted, stopping before next poll", zap.Int("completed", i))
			break
		}
		start := p.now()
		counts, err := p.PollOnce(context.WithoutCancel(ctx))
		total = total.add(counts)
		if err != nil {
			return total, err
		}
		if polls > 0 && i == polls-1 {
			break
		}
		wait := p.interval - p.now().Sub(start)
		if wait < 0 {
			wait = 0
		}
		if err := p.sleep(ctx, wait); err != nil {
			p.log.Info("interrupted during sleep", zap.Int("completed", i+1))
			break
		}
	}
	return total, nil
}

// PollOnce fetches and persists both feeds, positions first. Fetch and decode
// failures skip only the affected feed; a persistence error is returned.
func (p *Poller) PollOnce(ctx context.Context) (Counts, error) {
	fetchTime := p.now().UTC()
	start := p.now()
	var c Counts

	if fm := p.fetchFeed(ctx, FeedPositions, p.positionsURL); fm != nil {
		rows := feed.Positions(fm, fetchTime, p.filter)
		n, err := p.sink.InsertPositions(ctx, rows)
		if err != nil {
			p.observe("error", start)
			return c, fmt.Errorf("persist %s: %w", FeedPositions, err)
		}
		c.Positions = n
		p.rows(FeedPositions, n)
	}

	if fm := p.fetchFeed(ctx, FeedScheduleUpdates, p.updatesURL); fm != nil {
		rows := feed.ScheduleUpdates(fm, fetchTime, p.filter)
		n, err := p.sink.InsertScheduleUpdates(ctx, rows)
		if err != nil {
			p.observe("error", start)
			return c, fmt.Errorf("persist %s: %w", FeedScheduleUpdates, err)
		}
		c.ScheduleUpdates = n
		p.rows(FeedScheduleUpdates, n)
	}

	p.observe("ok", start)
	p.log.Info("poll complete",
		zap.Time("fetch_time", fetchTime),
		zap.Int("positions", c.Positions),
		zap.Int("schedule_updates", c.ScheduleUpdates),
		zap.Duration("elapsed", p.now().Sub(start)),
	)
	return c, nil
}

func (p *Poller) fetchFeed(ctx context.Context, name, url string) *gtfsrt.FeedMessage {
	if url == "" {
		return nil
	}
	raw, err := p.fetcher.Fetch(ctx, url)
	if err == nil {
		var fm *gtfsrt.FeedMessage
		if fm, err = feed.Decode(raw); err == nil {
			return fm
		}
	}

	kind := "other"
	var fe *feed.FetchError
	var de *feed.DecodeError
	switch {
	case errors.As(err, &fe):
		kind = "fetch"
	case errors.As(err, &de):
		kind = "decode"
	}
	p.log.Warn("skipping feed for this poll", zap.String("feed", name), zap.String("kind", kind), zap.Error(err))
	if p.metrics != nil {
		p.metrics.FeedErrorInc(name, kind)
	}
	return nil
}

func (p *Poller) rows(name string, n int) {
	p.log.Debug("persisted rows", zap.String("feed", name), zap.Int("rows", n))
	if p.metrics != nil {
		p.metrics.RowsAdd(name, n)
	}
}

func (p *Poller) observe(result string, start time.Time) {
	if p.metrics != nil {
		p.metrics.PollObserve(result, p.now().Sub(start))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
