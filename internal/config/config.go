package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	City        string

	VehiclePositionsURL string `validate:"required,url"`
	TripUpdatesURL      string `validate:"required,url"`
	APIKey              string

	PollInterval time.Duration `validate:"gt=0"`
	Duration     time.Duration `validate:"gt=0"`
	FetchTimeout time.Duration `validate:"gt=0"`

	RouteIDs        []string
	RouteShortNames []string

	UseValhalla     bool
	ValhallaURL     string        `validate:"required,url"`
	ValhallaTimeout time.Duration `validate:"gt=0"`
	ValhallaCosting string        `validate:"required"`

	RedisAddr     string
	RedisPassword string
	RedisDB       int `validate:"gte=0"`
	MatchCacheTTL time.Duration

	NATSURL           string
	NATSSubjectPrefix string

	MetricsAddr string
	Location    *time.Location `validate:"required"`
}

// HasRouteFilter reports whether a default route filter is configured.
func (c *Config) HasRouteFilter() bool {
	return len(c.RouteIDs) > 0 || len(c.RouteShortNames) > 0
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		// With CITY the base DB only serves the import registry lookup.
		if db == "" && os.Getenv("CITY") != "" {
			db = "postgres"
		}
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set (set PGDATABASE=postgres when using CITY)")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}
	cfg.City = firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME"))

	cfg.VehiclePositionsURL = getenvDefault("GTFS_VEHICLE_POSITIONS_URL", "https://gtfsapi.translink.ca/v3/gtfsposition")
	cfg.TripUpdatesURL = getenvDefault("GTFS_TRIP_UPDATES_URL", "https://gtfsapi.translink.ca/v3/gtfsrealtime")
	key, err := secretFromEnvironment("GTFS_RT_API_KEY")
	if err != nil {
		return nil, err
	}
	cfg.APIKey = key

	if cfg.PollInterval, err = secondsFromEnv("GTFS_RT_POLL_INTERVAL", 15); err != nil {
		return nil, err
	}
	if v := os.Getenv("GTFS_RT_DURATION_MINUTES"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil || minutes <= 0 {
			return nil, fmt.Errorf("invalid GTFS_RT_DURATION_MINUTES: %q", v)
		}
		cfg.Duration = time.Duration(minutes) * time.Minute
	} else {
		cfg.Duration = 30 * time.Minute
	}
	if cfg.FetchTimeout, err = secondsFromEnv("GTFS_RT_FETCH_TIMEOUT_SEC", 30); err != nil {
		return nil, err
	}

	cfg.RouteIDs = parseCSV(os.Getenv("TARGET_ROUTE_IDS"))
	cfg.RouteShortNames = parseCSV(os.Getenv("TARGET_ROUTE_SHORT_NAMES"))

	cfg.UseValhalla = parseBool(os.Getenv("USE_VALHALLA_MAPMATCHING"))
	cfg.ValhallaURL = strings.TrimRight(getenvDefault("VALHALLA_URL", "http://localhost:8002"), "/")
	if cfg.ValhallaTimeout, err = secondsFromEnv("VALHALLA_TIMEOUT_SEC", 30); err != nil {
		return nil, err
	}
	cfg.ValhallaCosting = getenvDefault("VALHALLA_COSTING", "auto")

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %q", v)
		}
		cfg.RedisDB = n
	}
	cfg.MatchCacheTTL = 24 * time.Hour
	if v := os.Getenv("MATCH_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("invalid MATCH_CACHE_TTL: %q", v)
		}
		cfg.MatchCacheTTL = d
	}

	// Empty NATS_URL disables trajectory event publishing.
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "trajectories")

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags on cfg.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// secretFromEnvironment reads key, falling back to the file named by key_FILE.
// A missing secret is not an error; some feeds are open.
func secretFromEnvironment(key string) (string, error) {
	value := os.Getenv(key)
	if path := os.Getenv(key + "_FILE"); value == "" && path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s_FILE: %w", key, err)
		}
		value = string(content)
	}
	return strings.TrimSpace(value), nil
}

func secondsFromEnv(key string, def int) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(def) * time.Second, nil
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(sec) * time.Second, nil
}

func parseCSV(v string) []string {
	var out []string
	for _, tok := range strings.Split(v, ",") {
		if tok = strings.TrimSpace(tok); tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
