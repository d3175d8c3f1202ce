package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lox/eriewatch/internal/metrics"
	"github.com/lox/eriewatch/internal/models"
)

// DefaultRecentDays is used by QueryRecent when no positive count is given.
const DefaultRecentDays = 7

// sweptTables are the date-keyed cache tables subject to retention. The
// fetch ledger is never swept.
var sweptTables = []string{"sst_data", "chl_data", "bloom_risk"}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// WriteError reports a batch that was rolled back.
type WriteError struct {
	Table string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Table, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// withTx runs fn inside a transaction, committing on success and rolling back
// on any error. The connection is returned to the pool on every path.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Printf("store: rollback: %v", rbErr)
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// UpsertStats writes one row per date into the variable's table. Either the
// whole batch commits or none of it does.
func (s *Store) UpsertStats(ctx context.Context, v models.Variable, stats []models.DailyStats, fetchedAt time.Time) (int, error) {
	table := v.Table()
	if table == "" {
		return 0, &WriteError{Table: string(v), Err: fmt.Errorf("unknown variable %q", v)}
	}

	query := fmt.Sprintf(`
		INSERT OR REPLACE INTO %s
		(date, lake_mean, lake_max, west_basin_mean, east_basin_mean, data_coverage, fetch_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, table)
	stamp := fetchedAt.UTC().Format(time.RFC3339)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, st := range stats {
			date := st.Date.Format(models.DateLayout)
			if _, err := tx.ExecContext(ctx, query,
				date, st.LakeMean, st.LakeMax, st.WestBasinMean, st.EastBasinMean, st.DataCoverage, stamp,
			); err != nil {
				return fmt.Errorf("upsert %s: %w", date, err)
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("store: %s batch of %d rolled back: %v", table, len(stats), err)
		return 0, &WriteError{Table: table, Err: err}
	}

	metrics.RecordsStored.WithLabelValues(table).Add(float64(len(stats)))
	log.Printf("store: stored %d records in %s", len(stats), table)
	return len(stats), nil
}

// UpsertRisk replaces the risk rows for the given dates in one transaction.
func (s *Store) UpsertRisk(ctx context.Context, records []models.RiskRecord) (int, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range records {
			date := r.Date.Format(models.DateLayout)
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO bloom_risk
				(date, risk_score, risk_level, sst_above_threshold, chl_above_threshold, calculation_timestamp)
				VALUES (?, ?, ?, ?, ?, ?)
			`, date, r.Score, string(r.Level), r.SSTAboveThreshold, r.ChlAboveThreshold,
				r.CalculatedAt.UTC().Format(time.RFC3339)); err != nil {
				return fmt.Errorf("upsert %s: %w", date, err)
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("store: bloom_risk batch of %d rolled back: %v", len(records), err)
		return 0, &WriteError{Table: "bloom_risk", Err: err}
	}
	metrics.RecordsStored.WithLabelValues("bloom_risk").Add(float64(len(records)))
	return len(records), nil
}

// QueryRecent returns the n most recent temperature dates, newest first, with
// the west-basin chlorophyll mean for the same date when one exists.
func (s *Store) QueryRecent(ctx context.Context, n int) ([]models.RecentReading, error) {
	if n <= 0 {
		n = DefaultRecentDays
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.date, s.lake_mean, c.west_basin_mean
		FROM sst_data s
		LEFT JOIN chl_data c ON s.date = c.date
		ORDER BY s.date DESC
		LIMIT ?
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []models.RecentReading
	for rows.Next() {
		var r models.RecentReading
		var date string
		if err := rows.Scan(&date, &r.SSTMean, &r.ChlMean); err != nil {
			return nil, err
		}
		if r.Date, err = time.Parse(models.DateLayout, date); err != nil {
			return nil, fmt.Errorf("parse date %q: %w", date, err)
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// DeleteBefore removes cache rows dated strictly before cutoff and returns the
// total number deleted across tables.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	date := cutoff.Format(models.DateLayout)

	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range sweptTables {
			result, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE date < ?", table), date)
			if err != nil {
				return fmt.Errorf("delete from %s: %w", table, err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected %s: %w", table, err)
			}
			deleted += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// RecentStats returns up to limit rows of a variable's table, newest first.
func (s *Store) RecentStats(ctx context.Context, v models.Variable, limit int) ([]models.VariableRecord, error) {
	table := v.Table()
	if table == "" {
		return nil, fmt.Errorf("unknown variable %q", v)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT date, lake_mean, lake_max, west_basin_mean, east_basin_mean, data_coverage, fetch_timestamp
		FROM %s
		ORDER BY date DESC
		LIMIT ?
	`, table), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.VariableRecord
	for rows.Next() {
		var r models.VariableRecord
		var date, fetchedAt string
		if err := rows.Scan(&date, &r.LakeMean, &r.LakeMax, &r.WestBasinMean, &r.EastBasinMean, &r.DataCoverage, &fetchedAt); err != nil {
			return nil, err
		}
		if r.Date, err = time.Parse(models.DateLayout, date); err != nil {
			return nil, fmt.Errorf("parse date %q: %w", date, err)
		}
		if r.FetchedAt, err = time.Parse(time.RFC3339, fetchedAt); err != nil {
			return nil, fmt.Errorf("parse fetch timestamp %q: %w", fetchedAt, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// RecentRisk returns up to limit risk rows, newest first.
func (s *Store) RecentRisk(ctx context.Context, limit int) ([]models.RiskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, risk_score, risk_level, sst_above_threshold, chl_above_threshold, calculation_timestamp
		FROM bloom_risk
		ORDER BY date DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.RiskRecord
	for rows.Next() {
		var r models.RiskRecord
		var date, level, calculatedAt string
		if err := rows.Scan(&date, &r.Score, &level, &r.SSTAboveThreshold, &r.ChlAboveThreshold, &calculatedAt); err != nil {
			return nil, err
		}
		r.Level = models.RiskLevel(level)
		if r.Date, err = time.Parse(models.DateLayout, date); err != nil {
			return nil, fmt.Errorf("parse date %q: %w", date, err)
		}
		if r.CalculatedAt, err = time.Parse(time.RFC3339, calculatedAt); err != nil {
			return nil, fmt.Errorf("parse calculation timestamp %q: %w", calculatedAt, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
