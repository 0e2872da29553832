package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorHooks(t *testing.T) {
	c := NewCollector(15 * time.Second)

	c.PollObserve("ok", 200*time.Millisecond)
	c.PollObserve("ok", 300*time.Millisecond)
	c.PollObserve("error", time.Second)
	c.RowsAdd("vehicle_positions", 42)
	c.FeedErrorInc("trip_updates", "fetch")
	c.MatchTierInc("T0")
	c.MatchTierInc("T1")
	c.MatchTierInc("T1")
	c.TrajectoriesWrittenAdd(3)
	c.TrajectorySkippedInc("too_few_samples")
	c.NATSSetConnected(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Polls.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Polls.WithLabelValues("error")))
	assert.Equal(t, 42.0, testutil.ToFloat64(c.Rows.WithLabelValues("vehicle_positions")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.FeedErrors.WithLabelValues("trip_updates", "fetch")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.MatchTiers.WithLabelValues("T1")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.TrajectoriesWritten))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.TrajectoriesSkipped.WithLabelValues("too_few_samples")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.NATSConnected))
	assert.Equal(t, 15.0, testutil.ToFloat64(c.PollInterval))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector(time.Second)
	c.TrajectoriesWrittenAdd(1)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "rt_trajectories_written_total 1")
	assert.Contains(t, string(body), "rt_ingest_poll_interval_seconds 1")
}

func TestCollectorWithoutPollInterval(t *testing.T) {
	c := NewCollector(0)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "rt_ingest_poll_interval_seconds")
}
