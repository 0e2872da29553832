package db

import (
	"context"
	"database/sql"
	"fmt"
)

var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS postgis`,
	`CREATE TABLE IF NOT EXISTS rt_vehicle_positions (
    id                    BIGSERIAL PRIMARY KEY,
    fetch_timestamp       TIMESTAMPTZ NOT NULL,
    entity_timestamp      TIMESTAMPTZ NOT NULL,
    trip_instance_id      TEXT NOT NULL,
    trip_id               TEXT,
    route_id              TEXT,
    direction_id          INTEGER,
    start_time            TEXT,
    start_date            DATE,
    vehicle_id            TEXT,
    vehicle_label         TEXT,
    license_plate         TEXT,
    current_stop_sequence INTEGER,
    stop_id               TEXT,
    current_status        TEXT,
    schedule_relationship TEXT,
    occupancy_status      TEXT,
    bearing               DOUBLE PRECISION,
    speed_mps             DOUBLE PRECISION,
    latitude              DOUBLE PRECISION NOT NULL,
    longitude             DOUBLE PRECISION NOT NULL,
    geom                  geometry(Point, 4326)
)`,
	`CREATE INDEX IF NOT EXISTS rt_vehicle_positions_entity_ts_idx ON rt_vehicle_positions (entity_timestamp)`,
	`CREATE INDEX IF NOT EXISTS rt_vehicle_positions_instance_idx ON rt_vehicle_positions (trip_instance_id, entity_timestamp)`,
	`CREATE TABLE IF NOT EXISTS rt_trip_updates (
    id                         BIGSERIAL PRIMARY KEY,
    fetch_timestamp            TIMESTAMPTZ NOT NULL,
    entity_timestamp           TIMESTAMPTZ NOT NULL,
    trip_instance_id           TEXT NOT NULL,
    trip_id                    TEXT,
    route_id                   TEXT,
    start_time                 TEXT,
    start_date                 DATE,
    vehicle_id                 TEXT,
    stop_sequence              INTEGER,
    stop_id                    TEXT,
    arrival_time               TIMESTAMPTZ,
    arrival_delay_seconds      INTEGER,
    departure_time             TIMESTAMPTZ,
    departure_delay_seconds    INTEGER,
    schedule_relationship      TEXT,
    stop_schedule_relationship TEXT
)`,
	`CREATE INDEX IF NOT EXISTS rt_trip_updates_instance_idx ON rt_trip_updates (trip_instance_id, entity_timestamp)`,
	`CREATE TABLE IF NOT EXISTS realtime_trajectories (
    trip_instance_id TEXT PRIMARY KEY,
    trip_id          TEXT,
    route_id         TEXT,
    service_date     DATE,
    vehicle_id       TEXT,
    points           JSONB NOT NULL,
    traj             geometry(LineString, 4326),
    starttime        TIMESTAMPTZ NOT NULL,
    match_tier       TEXT,
    updated_at       TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS realtime_trajectories_route_idx ON realtime_trajectories (route_id, service_date)`,
}

// EnsureSchema creates the realtime tables when missing. It never alters existing ones.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
