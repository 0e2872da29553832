package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://postgres@localhost:5432/gtfs?sslmode=disable")
	t.Setenv("TZ", "UTC")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Minute, cfg.Duration)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout)
	assert.False(t, cfg.UseValhalla)
	assert.Equal(t, "http://localhost:8002", cfg.ValhallaURL)
	assert.Equal(t, "auto", cfg.ValhallaCosting)
	assert.Equal(t, 24*time.Hour, cfg.MatchCacheTTL)
	assert.Equal(t, "trajectories", cfg.NATSSubjectPrefix)
	assert.False(t, cfg.HasRouteFilter())
}

func TestLoadOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("GTFS_RT_POLL_INTERVAL", "5")
	t.Setenv("GTFS_RT_DURATION_MINUTES", "2")
	t.Setenv("TARGET_ROUTE_IDS", " 6612, ,6613 ")
	t.Setenv("TARGET_ROUTE_SHORT_NAMES", "99")
	t.Setenv("USE_VALHALLA_MAPMATCHING", "yes")
	t.Setenv("VALHALLA_URL", "http://valhalla:8002/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.Duration)
	assert.Equal(t, []string{"6612", "6613"}, cfg.RouteIDs)
	assert.Equal(t, []string{"99"}, cfg.RouteShortNames)
	assert.True(t, cfg.HasRouteFilter())
	assert.True(t, cfg.UseValhalla)
	assert.Equal(t, "http://valhalla:8002", cfg.ValhallaURL)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"zero poll interval", "GTFS_RT_POLL_INTERVAL", "0"},
		{"non numeric duration", "GTFS_RT_DURATION_MINUTES", "soon"},
		{"bad feed url", "GTFS_VEHICLE_POSITIONS_URL", "not a url"},
		{"bad cache ttl", "MATCH_CACHE_TTL", "forever"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadAPIKeyFromFile(t *testing.T) {
	setBaseEnv(t)
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0o600))
	t.Setenv("GTFS_RT_API_KEY", "")
	t.Setenv("GTFS_RT_API_KEY_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.APIKey)
}

func TestLoadBuildsDSNFromParts(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PG_DSN", "")
	t.Setenv("PGHOST", "db")
	t.Setenv("PGUSER", "ingest")
	t.Setenv("PGPASSWORD", "p@ss")
	t.Setenv("PGDATABASE", "gtfs")
	t.Setenv("TZ", "UTC")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://ingest:p%40ss@db:5432/gtfs?sslmode=disable", cfg.DatabaseURL)
}

func TestStringList(t *testing.T) {
	var l StringList
	require.NoError(t, l.Set("99"))
	require.NoError(t, l.Set(" R1, R2 ,,"))
	assert.Equal(t, StringList{"99", "R1", "R2"}, l)
	assert.Equal(t, "99,R1,R2", l.String())
	assert.Equal(t, []string{"99", "R1", "R2"}, []string(l.Or([]string{"x"})))

	var empty StringList
	assert.Equal(t, []string{"x"}, empty.Or([]string{"x"}))
}
