package publisher

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-trajectories/internal/gtfs"
)

func TestSubject(t *testing.T) {
	tests := []struct {
		prefix, route, id string
		want              string
	}{
		{"trajectories", "R1", "T1_20240101_080000", "trajectories.R1.T1_20240101_080000"},
		{"trajectories", "", "V1_20240101T080005", "trajectories._.V1_20240101T080005"},
		{"rt", "99 B-Line", "a.b*c>d", "rt.99_B-Line.a_b_c_d"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Subject(tt.prefix, tt.route, tt.id))
	}
}

func TestNewEvent(t *testing.T) {
	start := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	traj := gtfs.Trajectory{
		TripInstanceID: "T1_20240101_080000",
		TripID:         "T1",
		RouteID:        "R1",
		ServiceDate:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Points: []gtfs.TimedPoint{
			{Point: gtfs.Point{Lat: 49, Lon: -123}, Time: start},
			{Point: gtfs.Point{Lat: 49, Lon: -122.9}, Time: start.Add(time.Minute)},
		},
		StartTime: start,
		Tier:      "T1",
	}

	b, err := json.Marshal(newEvent("run-1", traj))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "run-1", got["runId"])
	assert.Equal(t, "2024-01-01", got["serviceDate"])
	assert.Equal(t, "2024-01-01T08:01:00Z", got["endTime"])
	assert.EqualValues(t, 2, got["points"])
	assert.NotContains(t, got, "vehicleId")
}

func TestNewNATSPublisherUnreachable(t *testing.T) {
	_, err := NewNATSPublisher("nats://127.0.0.1:1", "trajectories", "run", nil, nil)
	assert.Error(t, err)
}
