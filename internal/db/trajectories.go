package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"transit-trajectories/internal/gtfs"
)

const upsertTrajectory = `
INSERT INTO realtime_trajectories (
    trip_instance_id, trip_id, route_id, service_date,
    vehicle_id, points, traj, starttime, match_tier, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, ST_SetSRID(ST_GeomFromText($7), 4326), $8, $9, $10)
ON CONFLICT (trip_instance_id) DO UPDATE
SET
    trip_id = EXCLUDED.trip_id,
    route_id = EXCLUDED.route_id,
    service_date = EXCLUDED.service_date,
    vehicle_id = EXCLUDED.vehicle_id,
    points = EXCLUDED.points,
    traj = EXCLUDED.traj,
    starttime = EXCLUDED.starttime,
    match_tier = EXCLUDED.match_tier,
    updated_at = EXCLUDED.updated_at`

// UpsertTrajectories replaces every trajectory row in one transaction.
// Either all rows commit or none do.
func (s *Store) UpsertTrajectories(ctx context.Context, trajs []gtfs.Trajectory) error {
	if len(trajs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trajectory upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertTrajectory)
	if err != nil {
		return fmt.Errorf("prepare trajectory upsert: %w", err)
	}
	defer stmt.Close()

	for _, t := range trajs {
		points, err := json.Marshal(t.Points)
		if err != nil {
			return fmt.Errorf("encode points for %s: %w", t.TripInstanceID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			t.TripInstanceID, nullString(t.TripID), nullString(t.RouteID), t.ServiceDate,
			nullString(t.VehicleID), string(points), LineStringWKT(t.Shape), t.StartTime,
			nullString(t.Tier), t.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert trajectory %s: %w", t.TripInstanceID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trajectory upsert: %w", err)
	}
	return nil
}

// TruncateTrajectories empties the trajectory table.
func (s *Store) TruncateTrajectories(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `TRUNCATE realtime_trajectories`); err != nil {
		return fmt.Errorf("truncate trajectories: %w", err)
	}
	return nil
}

// LineStringWKT renders pts as a WKT LINESTRING (lon lat order). A single
// point is repeated so the geometry stays valid.
func LineStringWKT(pts []gtfs.Point) string {
	if len(pts) == 0 {
		return "LINESTRING EMPTY"
	}
	if len(pts) == 1 {
		pts = []gtfs.Point{pts[0], pts[0]}
	}
	var b strings.Builder
	b.WriteString("LINESTRING(")
	for i, p := range pts {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.FormatFloat(p.Lon, 'f', -1, 64))
		b.WriteByte(' ')
		b.WriteString(strconv.FormatFloat(p.Lat, 'f', -1, 64))
	}
	b.WriteByte(')')
	return b.String()
}
