package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"transit-trajectories/internal/gtfs"
	"transit-trajectories/internal/routefilter"
)

// Postgres caps bind parameters at 65535 per statement.
const maxParams = 65535

// Store is the append-only sample sink and the window reader over it.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

var positionColumns = []string{
	"fetch_timestamp", "entity_timestamp", "trip_instance_id", "trip_id",
	"route_id", "direction_id", "start_time", "start_date",
	"vehicle_id", "vehicle_label", "license_plate",
	"current_stop_sequence", "stop_id", "current_status",
	"schedule_relationship", "occupancy_status",
	"bearing", "speed_mps", "latitude", "longitude",
}

var updateColumns = []string{
	"fetch_timestamp", "entity_timestamp", "trip_instance_id",
	"trip_id", "route_id", "start_time", "start_date", "vehicle_id",
	"stop_sequence", "stop_id", "arrival_time", "arrival_delay_seconds",
	"departure_time", "departure_delay_seconds",
	"schedule_relationship", "stop_schedule_relationship",
}

// InsertPositions appends rows in one transaction. The PostGIS point is
// derived from the latitude/longitude parameters of the same row.
func (s *Store) InsertPositions(ctx context.Context, rows []gtfs.PositionSample) (int, error) {
	args := make([][]any, len(rows))
	for i, r := range rows {
		args[i] = []any{
			r.FetchTime, r.ObservedTime, r.TripInstanceID, nullString(r.TripID),
			nullString(r.RouteID), r.DirectionID, nullString(r.StartTime), r.StartDate,
			nullString(r.VehicleID), nullString(r.VehicleLabel), nullString(r.LicensePlate),
			r.CurrentStopSequence, nullString(r.StopID), nullString(r.CurrentStatus),
			nullString(r.ScheduleRelationship), nullString(r.OccupancyStatus),
			r.Bearing, r.SpeedMps, r.Lat, r.Lon,
		}
	}
	if err := s.insertBatch(ctx, "rt_vehicle_positions", positionColumns, "geom", positionGeom, args); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// positionGeom builds the point from the row's longitude and latitude,
// the last two columns.
func positionGeom(base int) string {
	n := len(positionColumns)
	return fmt.Sprintf("ST_SetSRID(ST_MakePoint($%d, $%d), 4326)", base+n, base+n-1)
}

// InsertScheduleUpdates appends rows in one transaction.
func (s *Store) InsertScheduleUpdates(ctx context.Context, rows []gtfs.ScheduleUpdateSample) (int, error) {
	args := make([][]any, len(rows))
	for i, r := range rows {
		args[i] = []any{
			r.FetchTime, r.ObservedTime, r.TripInstanceID,
			nullString(r.TripID), nullString(r.RouteID), nullString(r.StartTime), r.StartDate, nullString(r.VehicleID),
			r.StopSequence, nullString(r.StopID), r.ArrivalTime, r.ArrivalDelaySeconds,
			r.DepartureTime, r.DepartureDelaySeconds,
			nullString(r.ScheduleRelationship), nullString(r.StopScheduleRelationship),
		}
	}
	if err := s.insertBatch(ctx, "rt_trip_updates", updateColumns, "", nil, args); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// insertBatch writes rows as multi-row INSERTs inside one transaction.
// extraCol, when set, is filled by extra(base) where base is the row's
// parameter offset.
func (s *Store) insertBatch(ctx context.Context, table string, cols []string, extraCol string, extra func(base int) string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s insert: %w", table, err)
	}
	defer func() { _ = tx.Rollback() }()

	perStmt := maxParams / len(cols)
	for start := 0; start < len(rows); start += perStmt {
		end := min(start+perStmt, len(rows))
		query, args := buildInsert(table, cols, extraCol, extra, rows[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s insert: %w", table, err)
	}
	return nil
}

func buildInsert(table string, cols []string, extraCol string, extra func(base int) string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(cols, ", "))
	if extraCol != "" {
		b.WriteString(", ")
		b.WriteString(extraCol)
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(cols))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		base := len(args)
		b.WriteByte('(')
		for j := range cols {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", base+j+1)
		}
		if extra != nil {
			b.WriteString(", ")
			b.WriteString(extra(base))
		}
		b.WriteByte(')')
		args = append(args, row...)
	}
	return b.String(), args
}

// PositionSamples returns samples observed in [start, end) accepted by
// filter, ordered by trip instance, observed time, then fetch time.
func (s *Store) PositionSamples(ctx context.Context, start, end time.Time, filter routefilter.Filter) ([]gtfs.PositionSample, error) {
	q := `
SELECT fetch_timestamp, entity_timestamp, trip_instance_id,
       COALESCE(trip_id, ''), COALESCE(route_id, ''), start_date,
       COALESCE(start_time, ''), COALESCE(vehicle_id, ''),
       latitude, longitude
FROM rt_vehicle_positions
WHERE entity_timestamp >= $1 AND entity_timestamp < $2
  AND ($3 = FALSE OR route_id = ANY($4))
ORDER BY trip_instance_id, entity_timestamp, fetch_timestamp`

	rows, err := s.db.QueryContext(ctx, q, start, end, filter.Applies(), filter.IDs())
	if err != nil {
		return nil, fmt.Errorf("query position samples: %w", err)
	}
	defer rows.Close()

	var out []gtfs.PositionSample
	for rows.Next() {
		var p gtfs.PositionSample
		var startDate sql.NullTime
		if err := rows.Scan(&p.FetchTime, &p.ObservedTime, &p.TripInstanceID,
			&p.TripID, &p.RouteID, &startDate, &p.StartTime, &p.VehicleID,
			&p.Lat, &p.Lon); err != nil {
			return nil, err
		}
		if startDate.Valid {
			d := startDate.Time
			p.StartDate = &d
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RouteIDsByShortName maps each known short name to its route ids.
func (s *Store) RouteIDsByShortName(ctx context.Context, shortNames []string) (map[string][]string, error) {
	out := make(map[string][]string)
	if len(shortNames) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT route_short_name, route_id FROM routes WHERE route_short_name = ANY($1) ORDER BY route_id`,
		shortNames)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, id string
		if err := rows.Scan(&name, &id); err != nil {
			return nil, err
		}
		out[name] = append(out[name], id)
	}
	return out, rows.Err()
}
