package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS sst_data (
    date TEXT PRIMARY KEY,
    lake_mean REAL,
    lake_max REAL,
    west_basin_mean REAL,
    east_basin_mean REAL,
    data_coverage REAL,
    fetch_timestamp TEXT
);

CREATE TABLE IF NOT EXISTS chl_data (
    date TEXT PRIMARY KEY,
    lake_mean REAL,
    lake_max REAL,
    west_basin_mean REAL,
    east_basin_mean REAL,
    data_coverage REAL,
    fetch_timestamp TEXT
);

CREATE TABLE IF NOT EXISTS bloom_risk (
    date TEXT PRIMARY KEY,
    risk_score INTEGER,
    risk_level TEXT,
    sst_above_threshold INTEGER,
    chl_above_threshold INTEGER,
    calculation_timestamp TEXT
);

CREATE TABLE IF NOT EXISTS fetch_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    fetch_timestamp TEXT,
    data_type TEXT,
    date_range_start TEXT,
    date_range_end TEXT,
    status TEXT,
    error_message TEXT
);
`,
	},
	{
		Version:     2,
		Description: "Index fetch history by time",
		SQL: `
CREATE INDEX IF NOT EXISTS idx_fetch_history_time ON fetch_history(fetch_timestamp);
`,
	},
}

// Migrate brings the schema up to date. It is safe to call on every run.
// Each migration and its schema_migrations row commit together.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at TEXT
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		err := s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
				m.Version, m.Description, time.Now().UTC().Format(time.RFC3339))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		log.Printf("store: schema migrated to v%d (%s)", m.Version, m.Description)
	}

	return nil
}

func (s *Store) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// SchemaVersion is the highest applied migration, or 0 on an empty database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}
