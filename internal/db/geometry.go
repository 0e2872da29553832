package db

import (
	"context"
	"fmt"

	"transit-trajectories/internal/gtfs"
)

// Geometry is the static reference geometry for a set of trips, loaded once
// and read-only afterwards.
type Geometry struct {
	shapes    map[string][]gtfs.ShapePoint // trip_id -> published shape
	stopPaths map[string][]gtfs.Point      // trip_id -> scheduled stop sequence
}

// NewGeometry builds an index from already-loaded data.
func NewGeometry(shapes map[string][]gtfs.ShapePoint, stopPaths map[string][]gtfs.Point) *Geometry {
	if shapes == nil {
		shapes = map[string][]gtfs.ShapePoint{}
	}
	if stopPaths == nil {
		stopPaths = map[string][]gtfs.Point{}
	}
	return &Geometry{shapes: shapes, stopPaths: stopPaths}
}

// Shape returns the published shape of tripID, or nil.
func (g *Geometry) Shape(tripID string) []gtfs.ShapePoint { return g.shapes[tripID] }

// StopPath returns the scheduled stop-to-stop path of tripID, or nil.
func (g *Geometry) StopPath(tripID string) []gtfs.Point { return g.stopPaths[tripID] }

// LoadGeometry reads shapes and stop paths for tripIDs from the static tables.
func (s *Store) LoadGeometry(ctx context.Context, tripIDs []string) (*Geometry, error) {
	g := NewGeometry(nil, nil)
	if len(tripIDs) == 0 {
		return g, nil
	}
	var err error
	if g.shapes, err = s.fetchShapes(ctx, tripIDs); err != nil {
		return nil, err
	}
	if g.stopPaths, err = s.fetchStopPaths(ctx, tripIDs); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Store) fetchShapes(ctx context.Context, tripIDs []string) (map[string][]gtfs.ShapePoint, error) {
	// Detect column layout: either shape_pt_lat/lon exist, or use PostGIS shape_pt_loc geography
	latlonExists, err := hasColumns(ctx, s.db, "public", "shapes", "shape_pt_lat", "shape_pt_lon")
	if err != nil {
		return nil, fmt.Errorf("introspect shapes columns: %w", err)
	}
	latlon := "sh.shape_pt_lat, sh.shape_pt_lon"
	if !latlonExists["shape_pt_lat"] || !latlonExists["shape_pt_lon"] {
		locExists, err := hasColumns(ctx, s.db, "public", "shapes", "shape_pt_loc")
		if err != nil {
			return nil, fmt.Errorf("introspect shapes shape_pt_loc: %w", err)
		}
		if !locExists["shape_pt_loc"] {
			return nil, fmt.Errorf("shapes table missing expected columns (lat/lon or shape_pt_loc)")
		}
		latlon = "ST_Y(sh.shape_pt_loc::geometry), ST_X(sh.shape_pt_loc::geometry)"
	}
	q := `SELECT t.trip_id, ` + latlon + `, sh.shape_pt_sequence, COALESCE(sh.shape_dist_traveled, 0)
          FROM trips t
          JOIN shapes sh ON sh.shape_id = t.shape_id
          WHERE t.trip_id = ANY($1)
          ORDER BY t.trip_id, sh.shape_pt_sequence`
	rows, err := s.db.QueryContext(ctx, q, tripIDs)
	if err != nil {
		return nil, fmt.Errorf("query shapes: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]gtfs.ShapePoint)
	for rows.Next() {
		var tripID string
		var p gtfs.ShapePoint
		if err := rows.Scan(&tripID, &p.Lat, &p.Lon, &p.Sequence, &p.DistTraveled); err != nil {
			return nil, err
		}
		out[tripID] = append(out[tripID], p)
	}
	return out, rows.Err()
}

func (s *Store) fetchStopPaths(ctx context.Context, tripIDs []string) (map[string][]gtfs.Point, error) {
	// Prefer stop_lat/stop_lon, but support PostGIS stop_loc geography as fallback
	latlonExists, err := hasColumns(ctx, s.db, "public", "stops", "stop_lat", "stop_lon")
	if err != nil {
		return nil, fmt.Errorf("introspect stops columns: %w", err)
	}
	latlon := "s.stop_lat, s.stop_lon"
	if !latlonExists["stop_lat"] || !latlonExists["stop_lon"] {
		locExists, err := hasColumns(ctx, s.db, "public", "stops", "stop_loc")
		if err != nil {
			return nil, fmt.Errorf("introspect stops stop_loc: %w", err)
		}
		if !locExists["stop_loc"] {
			return nil, fmt.Errorf("stops table missing expected columns (stop_lat/lon or stop_loc)")
		}
		latlon = "ST_Y(s.stop_loc::geometry), ST_X(s.stop_loc::geometry)"
	}
	q := `SELECT st.trip_id, st.stop_sequence, st.stop_id, ` + latlon + `
          FROM stop_times st
          JOIN stops s ON s.stop_id = st.stop_id
          WHERE st.trip_id = ANY($1)
          ORDER BY st.trip_id, st.stop_sequence`
	rows, err := s.db.QueryContext(ctx, q, tripIDs)
	if err != nil {
		return nil, fmt.Errorf("query stop_times: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]gtfs.Point)
	for rows.Next() {
		var tripID string
		var st gtfs.StopTime
		var lat, lon *float64
		if err := rows.Scan(&tripID, &st.StopSequence, &st.StopID, &lat, &lon); err != nil {
			return nil, err
		}
		if lat == nil || lon == nil {
			continue
		}
		st.StopLat, st.StopLon = *lat, *lon
		out[tripID] = append(out[tripID], gtfs.Point{Lat: st.StopLat, Lon: st.StopLon})
	}
	return out, rows.Err()
}
