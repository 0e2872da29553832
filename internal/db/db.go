package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open returns a handle sized for a single-writer process.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Connect resolves the target database and returns an open, pinged handle.
// With city set, the cluster's postgres database is consulted for the most
// recent import matching city and the base DSN is redirected to it.
func Connect(ctx context.Context, baseDSN, city string) (*sql.DB, string, error) {
	dsn := baseDSN
	name := ""
	if city != "" {
		rootDSN, err := WithDBName(baseDSN, "postgres")
		if err != nil {
			return nil, "", fmt.Errorf("invalid base DSN: %w", err)
		}
		meta, err := Open(rootDSN)
		if err != nil {
			return nil, "", fmt.Errorf("open meta db: %w", err)
		}
		defer meta.Close()
		if err := Ping(ctx, meta); err != nil {
			return nil, "", fmt.Errorf("ping meta db: %w", err)
		}
		name, err = latestImport(ctx, meta, city)
		if err != nil {
			return nil, "", fmt.Errorf("resolve latest import for city %q: %w", city, err)
		}
		if dsn, err = WithDBName(baseDSN, name); err != nil {
			return nil, "", fmt.Errorf("compose DSN: %w", err)
		}
	}

	db, err := Open(dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open db: %w", err)
	}
	if err := Ping(ctx, db); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("ping db: %w", err)
	}
	return db, name, nil
}

// latestImportQuery picks the newest successful static import whose database
// name mentions the city.
const latestImportQuery = `SELECT db_name FROM public.latest_successful_imports
 WHERE db_name ILIKE '%' || $1 || '%'
 ORDER BY imported_at DESC LIMIT 1`

func latestImport(ctx context.Context, meta *sql.DB, city string) (string, error) {
	if city = strings.TrimSpace(city); city == "" {
		return "", errors.New("city is required")
	}
	var name sql.NullString
	err := meta.QueryRowContext(ctx, latestImportQuery, city).Scan(&name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("no import registered for %q", city)
	case err != nil:
		return "", err
	case name.String == "":
		return "", fmt.Errorf("import for %q has no database name", city)
	}
	return name.String, nil
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := db.QueryContext(ctx, q, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
