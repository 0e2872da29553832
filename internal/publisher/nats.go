// Package publisher announces rebuilt trajectories on NATS.
package publisher

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"transit-trajectories/internal/gtfs"
)

type NATSPublisher struct {
	nc      *nats.Conn
	prefix  string
	runID   string
	log     *zap.Logger
	metrics PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// NewNATSPublisher connects to url. Events go to <prefix>.<route>.<trip_instance_id>
// and carry runID so consumers can group one rebuild.
func NewNATSPublisher(url, prefix, runID string, log *zap.Logger, m PublisherMetrics) (*NATSPublisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("build-trajectories"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, prefix: prefix, runID: runID, log: log, metrics: m}, nil
}

// Close flushes pending events before closing the connection.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// TrajectoryUpdated is the event body for one committed trajectory.
type TrajectoryUpdated struct {
	RunID          string    `json:"runId"`
	TripInstanceID string    `json:"tripInstanceId"`
	TripID         string    `json:"tripId,omitempty"`
	RouteID        string    `json:"routeId,omitempty"`
	VehicleID      string    `json:"vehicleId,omitempty"`
	ServiceDate    string    `json:"serviceDate"`
	StartTime      time.Time `json:"startTime"`
	EndTime        time.Time `json:"endTime"`
	Points         int       `json:"points"`
	Tier           string    `json:"tier"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func newEvent(runID string, t gtfs.Trajectory) TrajectoryUpdated {
	ev := TrajectoryUpdated{
		RunID:          runID,
		TripInstanceID: t.TripInstanceID,
		TripID:         t.TripID,
		RouteID:        t.RouteID,
		VehicleID:      t.VehicleID,
		ServiceDate:    t.ServiceDate.Format("2006-01-02"),
		StartTime:      t.StartTime,
		Points:         len(t.Points),
		Tier:           t.Tier,
		UpdatedAt:      t.UpdatedAt,
	}
	if n := len(t.Points); n > 0 {
		ev.EndTime = t.Points[n-1].Time
	}
	return ev
}

// Subject returns the NATS subject for a trajectory of routeID.
func Subject(prefix, routeID, tripInstanceID string) string {
	return subjectToken(prefix) + "." + subjectToken(routeID) + "." + subjectToken(tripInstanceID)
}

func (p *NATSPublisher) PublishTrajectory(_ context.Context, t gtfs.Trajectory) error {
	subject := Subject(p.prefix, t.RouteID, t.TripInstanceID)
	b, err := json.Marshal(newEvent(p.runID, t))
	if err != nil {
		return err
	}
	p.log.Debug("nats publish", zap.String("subject", subject))
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
