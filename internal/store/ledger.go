package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lox/eriewatch/internal/models"
)

// InsertFetchAttempt appends an entry to the fetch ledger. Entries are never
// updated or deleted.
func (s *Store) InsertFetchAttempt(ctx context.Context, a models.FetchAttempt) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO fetch_history
		(fetch_timestamp, data_type, date_range_start, date_range_end, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.AttemptedAt.UTC().Format(time.RFC3339), string(a.Variable),
		a.RangeStart.Format(models.DateLayout), a.RangeEnd.Format(models.DateLayout),
		string(a.Status), a.ErrorMessage)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// FetchHealth summarises ledger outcomes per variable.
type FetchHealth struct {
	Variable    models.Variable
	TotalRuns   int
	SuccessRuns int
	FailedRuns  int
	LastSuccess string
}

// RecentFetchAttempts returns the newest ledger entries, optionally failures only.
func (s *Store) RecentFetchAttempts(ctx context.Context, limit int, failedOnly bool) ([]models.FetchAttempt, error) {
	query := `
		SELECT id, fetch_timestamp, data_type, date_range_start, date_range_end, status, error_message
		FROM fetch_history
	`
	args := []any{}
	if failedOnly {
		query += " WHERE status = ?"
		args = append(args, string(models.FetchFailed))
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.FetchAttempt
	for rows.Next() {
		var a models.FetchAttempt
		var attemptedAt, variable, start, end, status string
		if err := rows.Scan(&a.ID, &attemptedAt, &variable, &start, &end, &status, &a.ErrorMessage); err != nil {
			return nil, err
		}
		a.Variable = models.Variable(variable)
		a.Status = models.FetchStatus(status)
		if a.AttemptedAt, err = time.Parse(time.RFC3339, attemptedAt); err != nil {
			return nil, fmt.Errorf("parse fetch timestamp %q: %w", attemptedAt, err)
		}
		if a.RangeStart, err = time.Parse(models.DateLayout, start); err != nil {
			return nil, fmt.Errorf("parse range start %q: %w", start, err)
		}
		if a.RangeEnd, err = time.Parse(models.DateLayout, end); err != nil {
			return nil, fmt.Errorf("parse range end %q: %w", end, err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// GetFetchHealth returns per-variable ledger totals.
func (s *Store) GetFetchHealth(ctx context.Context) ([]FetchHealth, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			data_type,
			COUNT(*) AS total_runs,
			SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END) AS success_runs,
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) AS failed_runs,
			COALESCE(MAX(CASE WHEN status = 'success' THEN fetch_timestamp END), '') AS last_success
		FROM fetch_history
		GROUP BY data_type
		ORDER BY data_type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []FetchHealth
	for rows.Next() {
		var h FetchHealth
		var variable string
		if err := rows.Scan(&variable, &h.TotalRuns, &h.SuccessRuns, &h.FailedRuns, &h.LastSuccess); err != nil {
			return nil, err
		}
		h.Variable = models.Variable(variable)
		results = append(results, h)
	}
	return results, rows.Err()
}
