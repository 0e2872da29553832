package db

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-trajectories/internal/gtfs"
)

func TestWithDBName(t *testing.T) {
	tests := []struct {
		name    string
		dsn     string
		db      string
		want    string
		wantErr bool
	}{
		{"replace path", "postgres://u:p@h:5432/old?sslmode=disable", "vancouver_20240101", "postgres://u:p@h:5432/vancouver_20240101?sslmode=disable", false},
		{"postgresql scheme", "postgresql://h/old", "/new", "postgresql://h/new", false},
		{"no scheme", "u@h:5432/old", "new", "postgres://u@h:5432/new", false},
		{"empty", "", "x", "", true},
		{"wrong scheme", "mysql://h/old", "x", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := WithDBName(tt.dsn, tt.db)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildInsert(t *testing.T) {
	rows := [][]any{{1, "a"}, {2, "b"}}
	q, args := buildInsert("t", []string{"x", "y"}, "", nil, rows)
	assert.Equal(t, "INSERT INTO t (x, y) VALUES ($1, $2), ($3, $4)", q)
	assert.Equal(t, []any{1, "a", 2, "b"}, args)

	geom := func(base int) string { return "f($" + strconv.Itoa(base+2) + ")" }
	q, _ = buildInsert("t", []string{"x", "y"}, "g", geom, rows)
	assert.Equal(t, "INSERT INTO t (x, y, g) VALUES ($1, $2, f($2)), ($3, $4, f($4))", q)
}

func TestPositionGeometryReferencesLonLat(t *testing.T) {
	s := gtfs.PositionSample{
		FetchTime:      time.Unix(0, 0),
		ObservedTime:   time.Unix(0, 0),
		TripInstanceID: "T1",
		Lat:            49.2,
		Lon:            -123.1,
	}
	row := []any{
		s.FetchTime, s.ObservedTime, s.TripInstanceID, nil, nil, nil, nil, nil, nil, nil, nil,
		nil, nil, nil, nil, nil, nil, nil, s.Lat, s.Lon,
	}
	require.Len(t, row, len(positionColumns))
	assert.Equal(t, "latitude", positionColumns[18])
	assert.Equal(t, "longitude", positionColumns[19])

	q, args := buildInsert("rt_vehicle_positions", positionColumns, "geom", positionGeom, [][]any{row, row})
	assert.Contains(t, q, "ST_SetSRID(ST_MakePoint($20, $19), 4326)")
	assert.Contains(t, q, "ST_SetSRID(ST_MakePoint($40, $39), 4326)")
	assert.Equal(t, -123.1, args[19])
	assert.Equal(t, 49.2, args[18])
}

func TestLineStringWKT(t *testing.T) {
	assert.Equal(t, "LINESTRING EMPTY", LineStringWKT(nil))
	assert.Equal(t, "LINESTRING(-123.1 49.2, -123.1 49.2)", LineStringWKT([]gtfs.Point{{Lat: 49.2, Lon: -123.1}}))
	assert.Equal(t, "LINESTRING(-123.1 49.2, -123.05 49.25)",
		LineStringWKT([]gtfs.Point{{Lat: 49.2, Lon: -123.1}, {Lat: 49.25, Lon: -123.05}}))
}

func TestGeometryLookups(t *testing.T) {
	g := NewGeometry(
		map[string][]gtfs.ShapePoint{"T1": {{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}}},
		map[string][]gtfs.Point{"T2": {{Lat: 3, Lon: 3}}},
	)
	assert.Len(t, g.Shape("T1"), 2)
	assert.Nil(t, g.Shape("T2"))
	assert.Len(t, g.StopPath("T2"), 1)
	assert.Nil(t, g.StopPath("missing"))
}

func TestLatestImportRequiresCity(t *testing.T) {
	_, err := latestImport(context.Background(), nil, "   ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "city is required")
}
