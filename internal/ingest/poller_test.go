package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"transit-trajectories/internal/feed"
	"transit-trajectories/internal/gtfs"
	"transit-trajectories/internal/routefilter"
)

const (
	vpURL = "http://feeds.test/vp"
	tuURL = "http://feeds.test/tu"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeFetcher struct {
	clock  *clock
	cost   time.Duration
	bodies map[string][]byte
	errs   map[string]error
	onCall func()
	calls  []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.calls = append(f.calls, url)
	if f.onCall != nil {
		f.onCall()
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if f.clock != nil {
		f.clock.advance(f.cost)
	}
	if err := f.errs[url]; err != nil {
		return nil, err
	}
	return f.bodies[url], nil
}

type fakeSink struct {
	order     []string
	positions []gtfs.PositionSample
	updates   []gtfs.ScheduleUpdateSample
	err       error
}

func (s *fakeSink) InsertPositions(_ context.Context, rows []gtfs.PositionSample) (int, error) {
	s.order = append(s.order, FeedPositions)
	if s.err != nil {
		return 0, s.err
	}
	s.positions = append(s.positions, rows...)
	return len(rows), nil
}

func (s *fakeSink) InsertScheduleUpdates(_ context.Context, rows []gtfs.ScheduleUpdateSample) (int, error) {
	s.order = append(s.order, FeedScheduleUpdates)
	if s.err != nil {
		return 0, s.err
	}
	s.updates = append(s.updates, rows...)
	return len(rows), nil
}

type fakeMetrics struct {
	polls      map[string]int
	rows       map[string]int
	feedErrors map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{polls: map[string]int{}, rows: map[string]int{}, feedErrors: map[string]int{}}
}

func (m *fakeMetrics) PollObserve(result string, _ time.Duration) { m.polls[result]++ }
func (m *fakeMetrics) RowsAdd(feed string, n int)                 { m.rows[feed] += n }
func (m *fakeMetrics) FeedErrorInc(feed, kind string)              { m.feedErrors[feed+"/"+kind]++ }

func positionsFeed(t *testing.T) []byte {
	t.Helper()
	b, err := proto.Marshal(&gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{GtfsRealtimeVersion: proto.String("2.0"), Timestamp: proto.Uint64(1704096005)},
		Entity: []*gtfsrt.FeedEntity{
			{Id: proto.String("1"), Vehicle: &gtfsrt.VehiclePosition{
				Trip:     &gtfsrt.TripDescriptor{TripId: proto.String("T1"), RouteId: proto.String("R1")},
				Vehicle:  &gtfsrt.VehicleDescriptor{Id: proto.String("V1")},
				Position: &gtfsrt.Position{Latitude: proto.Float32(49.2), Longitude: proto.Float32(-123.1)},
			}},
			{Id: proto.String("2"), Vehicle: &gtfsrt.VehiclePosition{
				Trip:     &gtfsrt.TripDescriptor{TripId: proto.String("T2"), RouteId: proto.String("R2")},
				Position: &gtfsrt.Position{Latitude: proto.Float32(49.3), Longitude: proto.Float32(-123.2)},
			}},
		},
	})
	require.NoError(t, err)
	return b
}

func updatesFeed(t *testing.T) []byte {
	t.Helper()
	b, err := proto.Marshal(&gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")},
		Entity: []*gtfsrt.FeedEntity{
			{Id: proto.String("1"), TripUpdate: &gtfsrt.TripUpdate{
				Trip: &gtfsrt.TripDescriptor{TripId: proto.String("T1"), RouteId: proto.String("R1")},
				StopTimeUpdate: []*gtfsrt.TripUpdate_StopTimeUpdate{
					{StopSequence: proto.Uint32(1)},
					{StopSequence: proto.Uint32(2)},
					{StopSequence: proto.Uint32(3)},
				},
			}},
		},
	})
	require.NoError(t, err)
	return b
}

func newPoller(t *testing.T, f *fakeFetcher, s *fakeSink, m Metrics, c *clock) *Poller {
	t.Helper()
	opts := Options{
		Fetcher:             f,
		Sink:                s,
		VehiclePositionsURL: vpURL,
		TripUpdatesURL:      tuURL,
		Interval:            15 * time.Second,
		Metrics:             m,
	}
	if c != nil {
		opts.Now = c.now
	}
	return New(opts)
}

func TestPollOncePersistsPositionsThenUpdates(t *testing.T) {
	f := &fakeFetcher{bodies: map[string][]byte{vpURL: positionsFeed(t), tuURL: updatesFeed(t)}}
	s := &fakeSink{}
	m := newFakeMetrics()

	counts, err := newPoller(t, f, s, m, nil).PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Counts{Positions: 2, ScheduleUpdates: 3}, counts)
	assert.Equal(t, []string{FeedPositions, FeedScheduleUpdates}, s.order)
	assert.Equal(t, []string{vpURL, tuURL}, f.calls)
	assert.Equal(t, 1, m.polls["ok"])
	assert.Equal(t, 2, m.rows[FeedPositions])
	assert.Equal(t, 3, m.rows[FeedScheduleUpdates])
	assert.Equal(t, "T1", s.positions[0].TripInstanceID)
}

func TestPollOnceAppliesRouteFilter(t *testing.T) {
	f := &fakeFetcher{bodies: map[string][]byte{vpURL: positionsFeed(t), tuURL: updatesFeed(t)}}
	s := &fakeSink{}
	p := newPoller(t, f, s, nil, nil)
	p.filter = routefilter.Filter{RouteIDs: map[string]struct{}{"R2": {}}}

	counts, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Counts{Positions: 1}, counts)
	assert.Equal(t, "R2", s.positions[0].RouteID)
}

func TestPollOnceSkipsFailedFeed(t *testing.T) {
	tests := []struct {
		name    string
		fetcher *fakeFetcher
		want    Counts
		errKey  string
	}{
		{
			name: "positions fetch error",
			fetcher: &fakeFetcher{
				bodies: map[string][]byte{tuURL: updatesFeed(t)},
				errs:   map[string]error{vpURL: &feed.FetchError{URL: vpURL, Status: "503 Service Unavailable", StatusCode: 503}},
			},
			want:   Counts{ScheduleUpdates: 3},
			errKey: FeedPositions + "/fetch",
		},
		{
			name: "updates decode error",
			fetcher: &fakeFetcher{
				bodies: map[string][]byte{vpURL: positionsFeed(t), tuURL: {0xff, 0xff, 0xff}},
			},
			want:   Counts{Positions: 2},
			errKey: FeedScheduleUpdates + "/decode",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newFakeMetrics()
			counts, err := newPoller(t, tt.fetcher, &fakeSink{}, m, nil).PollOnce(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, counts)
			assert.Equal(t, 1, m.feedErrors[tt.errKey])
			assert.Equal(t, 1, m.polls["ok"])
		})
	}
}

func TestPollOncePropagatesPersistenceError(t *testing.T) {
	f := &fakeFetcher{bodies: map[string][]byte{vpURL: positionsFeed(t), tuURL: updatesFeed(t)}}
	boom := errors.New("connection reset")
	s := &fakeSink{err: boom}
	m := newFakeMetrics()

	_, err := newPoller(t, f, s, m, nil).PollOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{FeedPositions}, s.order)
	assert.Equal(t, 1, m.polls["error"])
}

func TestRunSleepsIntervalMinusElapsed(t *testing.T) {
	tests := []struct {
		name      string
		fetchCost time.Duration
		want      time.Duration
	}{
		{"fast poll", 2 * time.Second, 11 * time.Second},
		{"slow poll clamps to zero", 10 * time.Second, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &clock{t: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)}
			f := &fakeFetcher{clock: c, cost: tt.fetchCost, bodies: map[string][]byte{vpURL: positionsFeed(t), tuURL: updatesFeed(t)}}
			p := newPoller(t, f, &fakeSink{}, nil, c)
			var sleeps []time.Duration
			p.sleep = func(_ context.Context, d time.Duration) error {
				sleeps = append(sleeps, d)
				c.advance(d)
				return nil
			}

			total, err := p.Run(context.Background(), 3)
			require.NoError(t, err)
			assert.Equal(t, Counts{Positions: 6, ScheduleUpdates: 9}, total)
			assert.Equal(t, []time.Duration{tt.want, tt.want}, sleeps)
		})
	}
}

func TestRunStopsOnInterruptWithoutAbortingInFlightPoll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &fakeFetcher{bodies: map[string][]byte{vpURL: positionsFeed(t), tuURL: updatesFeed(t)}}
	// Interrupt arrives while the first poll is fetching.
	f.onCall = cancel
	s := &fakeSink{}
	p := newPoller(t, f, s, nil, nil)

	total, err := p.Run(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, Counts{Positions: 2, ScheduleUpdates: 3}, total)
	assert.Len(t, f.calls, 2)
}

func TestRunStopsOnPersistenceError(t *testing.T) {
	f := &fakeFetcher{bodies: map[string][]byte{vpURL: positionsFeed(t), tuURL: updatesFeed(t)}}
	p := newPoller(t, f, &fakeSink{err: errors.New("disk full")}, nil, nil)
	p.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := p.Run(context.Background(), 5)
	require.Error(t, err)
	assert.Len(t, f.calls, 1)
}

func TestSleepContextHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepContext(context.Background(), 0))
}

func TestPollCount(t *testing.T) {
	tests := []struct {
		duration, interval time.Duration
		want               int
	}{
		{30 * time.Minute, 15 * time.Second, 120},
		{time.Minute, 40 * time.Second, 2},
		{10 * time.Second, 15 * time.Second, 1},
		{0, 15 * time.Second, 1},
		{time.Minute, 0, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PollCount(tt.duration, tt.interval), "%s / %s", tt.duration, tt.interval)
	}
}
