// Package trajectory turns windows of position samples into one maintained,
// map-matched trajectory per trip instance.
package trajectory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"transit-trajectories/internal/gtfs"
	"transit-trajectories/internal/mapmatch"
	"transit-trajectories/internal/routefilter"
)

const (
	SkipTooFewSamples = "too_few_samples"
	SkipNoTier        = "no_tier"
)

// SampleSource reads position samples observed in [start, end).
type SampleSource interface {
	PositionSamples(ctx context.Context, start, end time.Time, filter routefilter.Filter) ([]gtfs.PositionSample, error)
}

// GeometryIndex is the read-only static geometry for the trips of a window.
type GeometryIndex interface {
	Shape(tripID string) []gtfs.ShapePoint
	StopPath(tripID string) []gtfs.Point
}

// GeometryLoader loads the geometry of tripIDs once per build.
type GeometryLoader func(ctx context.Context, tripIDs []string) (GeometryIndex, error)

// Writer replaces trajectories keyed by trip instance, all or nothing.
type Writer interface {
	UpsertTrajectories(ctx context.Context, trajs []gtfs.Trajectory) error
}

// Matcher is the external map-match tier.
type Matcher interface {
	Match(ctx context.Context, trace []gtfs.TimedPoint) (*mapmatch.Result, bool)
}

// Publisher announces committed trajectories.
type Publisher interface {
	PublishTrajectory(ctx context.Context, t gtfs.Trajectory) error
}

// Metrics receives build outcomes. It may be nil.
type Metrics interface {
	MatchTierInc(tier string)
	TrajectoriesWrittenAdd(n int)
	TrajectorySkippedInc(reason string)
}

type Options struct {
	Samples  SampleSource
	Geometry GeometryLoader
	Writer   Writer
	// Matcher enables T0; nil goes straight to the projection tiers.
	Matcher   Matcher
	Publisher Publisher
	Metrics   Metrics
	Logger    *zap.Logger
	// Location decides the service date of trips without a start date.
	Location *time.Location
	Now      func() time.Time
}

type Builder struct {
	samples   SampleSource
	geometry  GeometryLoader
	writer    Writer
	matcher   Matcher
	publisher Publisher
	metrics   Metrics
	log       *zap.Logger
	loc       *time.Location
	now       func() time.Time
}

func New(opts Options) *Builder {
	b := &Builder{
		samples:   opts.Samples,
		geometry:  opts.Geometry,
		writer:    opts.Writer,
		matcher:   opts.Matcher,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		loc:       opts.Location,
		now:       opts.Now,
	}
	if b.log == nil {
		b.log = zap.NewNop()
	}
	if b.loc == nil {
		b.loc = time.UTC
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Build refreshes the trajectory of every trip instance with at least two
// usable samples in [start, end) and returns how many were written.
func (b *Builder) Build(ctx context.Context, start, end time.Time, filter routefilter.Filter) (int, error) {
	if !start.Before(end) {
		return 0, fmt.Errorf("empty window [%s, %s)", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	samples, err := b.samples.PositionSamples(ctx, start, end, filter)
	if err != nil {
		return 0, fmt.Errorf("load samples: %w", err)
	}

	groups := groupSamples(samples, start, end, filter)
	b.log.Info("loaded samples",
		zap.Int("samples", len(samples)),
		zap.Int("trip_instances", len(groups)),
		zap.String("routes", filter.String()),
	)

	var eligible []instance
	for _, g := range groups {
		if len(g.samples) < 2 {
			b.skip(g.id, SkipTooFewSamples)
			continue
		}
		eligible = append(eligible, g)
	}
	if len(eligible) == 0 {
		return 0, nil
	}

	geom, err := b.loadGeometry(ctx, eligible)
	if err != nil {
		return 0, err
	}

	updatedAt := b.now().UTC()
	trajs := make([]gtfs.Trajectory, 0, len(eligible))
	for _, g := range eligible {
		t, ok := b.buildOne(ctx, g, geom)
		if !ok {
			continue
		}
		t.UpdatedAt = updatedAt
		trajs = append(trajs, t)
	}
	if len(trajs) == 0 {
		return 0, nil
	}

	if err := b.writer.UpsertTrajectories(ctx, trajs); err != nil {
		return 0, fmt.Errorf("write trajectories: %w", err)
	}
	if b.metrics != nil {
		b.metrics.TrajectoriesWrittenAdd(len(trajs))
	}
	b.publish(ctx, trajs)
	return len(trajs), nil
}

func (b *Builder) loadGeometry(ctx context.Context, groups []instance) (GeometryIndex, error) {
	if b.geometry == nil {
		return nil, nil
	}
	seen := make(map[string]struct{})
	var ids []string
	for _, g := range groups {
		id := g.tripID()
		if id == "" {
			continue
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	geom, err := b.geometry(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load geometry: %w", err)
	}
	return geom, nil
}

// buildOne resolves geometry for one trip instance: T0 all or nothing, then
// the per-point T1/T2/T3 chain.
func (b *Builder) buildOne(ctx context.Context, g instance, geom GeometryIndex) (gtfs.Trajectory, bool) {
	raw := make([]gtfs.TimedPoint, len(g.samples))
	for i, s := range g.samples {
		raw[i] = gtfs.TimedPoint{Point: gtfs.Point{Lat: s.Lat, Lon: s.Lon}, Time: s.ObservedTime}
	}

	var (
		points []gtfs.TimedPoint
		shape  []gtfs.Point
		tier   string
	)
	if b.matcher != nil {
		if res, ok := b.matcher.Match(ctx, raw); ok && len(res.Points) == len(raw) {
			points = make([]gtfs.TimedPoint, len(raw))
			for i := range raw {
				points[i] = gtfs.TimedPoint{Point: res.Points[i], Time: raw[i].Time}
			}
			shape = res.Shape
			tier = TierExternal
		} else {
			b.log.Debug("external match failed, using projection tiers", zap.String("trip_instance_id", g.id))
		}
	}
	if tier == "" {
		var tiers []string
		points, tiers = projectPoints(raw, tierChain(g.tripID(), geom))
		tier = strings.Join(tiers, ",")
	}
	if len(points) < 2 {
		b.skip(g.id, SkipNoTier)
		return gtfs.Trajectory{}, false
	}
	if len(shape) < 2 {
		shape = make([]gtfs.Point, len(points))
		for i, p := range points {
			shape[i] = p.Point
		}
	}
	if b.metrics != nil {
		b.metrics.MatchTierInc(tier)
	}
	b.log.Debug("matched trip instance",
		zap.String("trip_instance_id", g.id),
		zap.String("tier", tier),
		zap.Int("points", len(points)),
	)

	return gtfs.Trajectory{
		TripInstanceID: g.id,
		TripID:         g.tripID(),
		RouteID:        g.first(func(s gtfs.PositionSample) string { return s.RouteID }),
		VehicleID:      g.first(func(s gtfs.PositionSample) string { return s.VehicleID }),
		ServiceDate:    g.serviceDate(b.loc),
		Points:         points,
		Shape:          shape,
		StartTime:      points[0].Time,
		Tier:           tier,
	}, true
}

func (b *Builder) skip(id, reason string) {
	b.log.Warn("skipping trip instance", zap.String("trip_instance_id", id), zap.String("reason", reason))
	if b.metrics != nil {
		b.metrics.TrajectorySkippedInc(reason)
	}
}

func (b *Builder) publish(ctx context.Context, trajs []gtfs.Trajectory) {
	if b.publisher == nil {
		return
	}
	for _, t := range trajs {
		if err := b.publisher.PublishTrajectory(ctx, t); err != nil {
			b.log.Warn("publish trajectory", zap.String("trip_instance_id", t.TripInstanceID), zap.Error(err))
		}
	}
}

// instance is the ordered, deduplicated samples of one trip instance.
type instance struct {
	id      string
	samples []gtfs.PositionSample
}

func (g instance) first(field func(gtfs.PositionSample) string) string {
	for _, s := range g.samples {
		if v := field(s); v != "" {
			return v
		}
	}
	return ""
}

func (g instance) tripID() string {
	return g.first(func(s gtfs.PositionSample) string { return s.TripID })
}

// serviceDate is the first feed start date, else the local date of the first sample.
func (g instance) serviceDate(loc *time.Location) time.Time {
	for _, s := range g.samples {
		if s.StartDate != nil {
			return *s.StartDate
		}
	}
	y, m, d := g.samples[0].ObservedTime.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// groupSamples keeps samples inside [start, end) accepted by filter, keeps one
// sample per (trip instance, observed time) preferring the latest fetch, and
// returns instances sorted by id with strictly increasing observed times.
func groupSamples(samples []gtfs.PositionSample, start, end time.Time, filter routefilter.Filter) []instance {
	kept := make([]gtfs.PositionSample, 0, len(samples))
	for _, s := range samples {
		if s.ObservedTime.Before(start) || !s.ObservedTime.Before(end) || !filter.Accepts(s.RouteID) {
			continue
		}
		kept = append(kept, s)
	}
	slices.SortStableFunc(kept, func(a, b gtfs.PositionSample) int {
		if c := cmp.Compare(a.TripInstanceID, b.TripInstanceID); c != 0 {
			return c
		}
		if c := a.ObservedTime.Compare(b.ObservedTime); c != 0 {
			return c
		}
		// Latest fetch first so it survives dedup.
		return b.FetchTime.Compare(a.FetchTime)
	})

	var out []instance
	for _, s := range kept {
		n := len(out)
		if n == 0 || out[n-1].id != s.TripInstanceID {
			out = append(out, instance{id: s.TripInstanceID, samples: []gtfs.PositionSample{s}})
			continue
		}
		g := &out[n-1]
		if !s.ObservedTime.After(g.samples[len(g.samples)-1].ObservedTime) {
			continue
		}
		g.samples = append(g.samples, s)
	}
	return out
}
