package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "modernc.org/sqlite"

	"github.com/lox/eriewatch/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Every new connection would get its own empty in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := New(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func day(s string) time.Time {
	d, err := time.Parse(models.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

func valid(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: true}
}

func stats(date string, mean float64) models.DailyStats {
	return models.DailyStats{
		Date:          day(date),
		LakeMean:      valid(mean),
		LakeMax:       valid(mean + 2),
		WestBasinMean: valid(mean + 1),
		EastBasinMean: valid(mean - 1),
		DataCoverage:  90,
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	store := setupTestStore(t)

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	version, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("version = %d, want %d", version, len(migrations))
	}
}

func TestUpsertStats_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	fetchedAt := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	batch := []models.DailyStats{stats("2023-12-24", 3.5)}
	for i := 0; i < 2; i++ {
		n, err := store.UpsertStats(ctx, models.VariableSST, batch, fetchedAt)
		if err != nil {
			t.Fatalf("UpsertStats #%d: %v", i+1, err)
		}
		if n != 1 {
			t.Errorf("UpsertStats #%d wrote %d, want 1", i+1, n)
		}
	}

	records, err := store.RecentStats(ctx, models.VariableSST, 10)
	if err != nil {
		t.Fatalf("RecentStats: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	r := records[0]
	if r.LakeMean != valid(3.5) || r.LakeMax != valid(5.5) || r.DataCoverage != 90 {
		t.Errorf("record = %+v", r)
	}
	if !r.FetchedAt.Equal(fetchedAt) {
		t.Errorf("FetchedAt = %v, want %v", r.FetchedAt, fetchedAt)
	}
}

func TestUpsertStats_Replaces(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.UpsertStats(ctx, models.VariableChlorophyll, []models.DailyStats{stats("2023-12-24", 4)}, time.Now()); err != nil {
		t.Fatal(err)
	}
	updated := models.DailyStats{Date: day("2023-12-24"), DataCoverage: 0}
	if _, err := store.UpsertStats(ctx, models.VariableChlorophyll, []models.DailyStats{updated}, time.Now()); err != nil {
		t.Fatal(err)
	}

	records, err := store.RecentStats(ctx, models.VariableChlorophyll, 10)
	if err != nil {
		t.Fatalf("RecentStats: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	if records[0].LakeMean.Valid {
		t.Errorf("LakeMean = %v, want NULL after replace", records[0].LakeMean)
	}
}

func TestUpsertStats_UnknownVariable(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.UpsertStats(context.Background(), models.Variable("salinity"), nil, time.Now())
	var writeErr *WriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("err = %v, want *WriteError", err)
	}
}

func TestQueryRecent_LeftJoin(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sst := []models.DailyStats{stats("2023-12-22", 3), stats("2023-12-23", 4), stats("2023-12-24", 5)}
	chl := []models.DailyStats{stats("2023-12-23", 12)}
	if _, err := store.UpsertStats(ctx, models.VariableSST, sst, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpsertStats(ctx, models.VariableChlorophyll, chl, time.Now()); err != nil {
		t.Fatal(err)
	}

	readings, err := store.QueryRecent(ctx, 2)
	if err != nil {
		t.Fatalf("QueryRecent: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("len(readings) = %d, want 2", len(readings))
	}
	if got := readings[0].Date.Format(models.DateLayout); got != "2023-12-24" {
		t.Errorf("readings[0].Date = %s, want 2023-12-24", got)
	}
	if readings[0].ChlMean.Valid {
		t.Errorf("readings[0].ChlMean = %v, want undefined", readings[0].ChlMean)
	}
	if readings[1].SSTMean != valid(4) {
		t.Errorf("readings[1].SSTMean = %v, want 4", readings[1].SSTMean)
	}
	// Chlorophyll is read from the west basin.
	if readings[1].ChlMean != valid(13) {
		t.Errorf("readings[1].ChlMean = %v, want 13", readings[1].ChlMean)
	}

	all, err := store.QueryRecent(ctx, 0)
	if err != nil {
		t.Fatalf("QueryRecent(0): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("QueryRecent(0) returned %d rows, want 3", len(all))
	}
}

func TestUpsertRisk_AndRecentRisk(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	calc := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	rec := models.RiskRecord{
		Date: day("2023-12-24"), Score: 4, Level: models.RiskHigh,
		SSTAboveThreshold: true, ChlAboveThreshold: true, CalculatedAt: calc,
	}
	if _, err := store.UpsertRisk(ctx, []models.RiskRecord{rec}); err != nil {
		t.Fatalf("UpsertRisk: %v", err)
	}
	rec.Score, rec.Level, rec.SSTAboveThreshold = 3, models.RiskModerate, false
	if _, err := store.UpsertRisk(ctx, []models.RiskRecord{rec}); err != nil {
		t.Fatalf("UpsertRisk again: %v", err)
	}

	got, err := store.RecentRisk(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRisk: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Score != 3 || got[0].Level != models.RiskModerate || got[0].SSTAboveThreshold || !got[0].ChlAboveThreshold {
		t.Errorf("risk = %+v", got[0])
	}
}

func TestDeleteBefore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	batch := []models.DailyStats{stats("2024-01-03", 1), stats("2024-01-06", 2), stats("2024-01-09", 3)}
	if _, err := store.UpsertStats(ctx, models.VariableSST, batch, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpsertStats(ctx, models.VariableChlorophyll, batch[:1], time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpsertRisk(ctx, []models.RiskRecord{{Date: day("2024-01-03"), Level: models.RiskLow}}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.InsertFetchAttempt(ctx, models.FetchAttempt{
		AttemptedAt: day("2024-01-01"), Variable: models.VariableSST,
		RangeStart: day("2023-12-25"), RangeEnd: day("2024-01-01"), Status: models.FetchSuccess,
	}); err != nil {
		t.Fatal(err)
	}

	deleted, err := store.DeleteBefore(ctx, day("2024-01-05"))
	if err != nil {
		t.Fatalf("DeleteBefore: %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted = %d, want 3 (one row in each cache table)", deleted)
	}

	sst, err := store.RecentStats(ctx, models.VariableSST, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sst) != 2 || sst[1].Date.Format(models.DateLayout) != "2024-01-06" {
		t.Errorf("remaining sst rows = %+v", sst)
	}

	ledger, err := store.RecentFetchAttempts(ctx, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(ledger) != 1 {
		t.Errorf("ledger rows = %d, want 1 (ledger is never swept)", len(ledger))
	}

	again, err := store.DeleteBefore(ctx, day("2024-01-05"))
	if err != nil {
		t.Fatal(err)
	}
	if again != 0 {
		t.Errorf("second DeleteBefore = %d, want 0", again)
	}
}

func TestFetchLedger(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	attempts := []models.FetchAttempt{
		{AttemptedAt: time.Now(), Variable: models.VariableSST, RangeStart: day("2023-12-24"), RangeEnd: day("2023-12-31"),
			Status: models.FetchFailed, ErrorMessage: sql.NullString{String: "download GLSEA_GCS failed", Valid: true}},
		{AttemptedAt: time.Now(), Variable: models.VariableChlorophyll, RangeStart: day("2023-12-24"), RangeEnd: day("2023-12-31"),
			Status: models.FetchSuccess},
	}
	for _, a := range attempts {
		if _, err := store.InsertFetchAttempt(ctx, a); err != nil {
			t.Fatalf("InsertFetchAttempt: %v", err)
		}
	}

	all, err := store.RecentFetchAttempts(ctx, 10, false)
	if err != nil {
		t.Fatalf("RecentFetchAttempts: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}
	if all[0].Variable != models.VariableChlorophyll || all[0].ErrorMessage.Valid {
		t.Errorf("newest = %+v", all[0])
	}

	failed, err := store.RecentFetchAttempts(ctx, 10, true)
	if err != nil {
		t.Fatalf("RecentFetchAttempts(failed): %v", err)
	}
	if len(failed) != 1 || failed[0].ErrorMessage.String != "download GLSEA_GCS failed" {
		t.Errorf("failed = %+v", failed)
	}

	health, err := store.GetFetchHealth(ctx)
	if err != nil {
		t.Fatalf("GetFetchHealth: %v", err)
	}
	if len(health) != 2 {
		t.Fatalf("len(health) = %d, want 2", len(health))
	}
	if health[0].Variable != models.VariableChlorophyll || health[0].SuccessRuns != 1 || health[0].LastSuccess == "" {
		t.Errorf("chl health = %+v", health[0])
	}
	if health[1].Variable != models.VariableSST || health[1].FailedRuns != 1 || health[1].LastSuccess != "" {
		t.Errorf("sst health = %+v", health[1])
	}
}

func TestUpsertStats_RollsBackPartialBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT OR REPLACE INTO sst_data").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT OR REPLACE INTO sst_data").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	store := New(db)
	batch := []models.DailyStats{stats("2023-12-24", 1), stats("2023-12-25", 2), stats("2023-12-26", 3)}
	n, err := store.UpsertStats(context.Background(), models.VariableSST, batch, time.Now())

	var writeErr *WriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("err = %v, want *WriteError", err)
	}
	if writeErr.Table != "sst_data" {
		t.Errorf("Table = %q, want sst_data", writeErr.Table)
	}
	if n != 0 {
		t.Errorf("n = %d, want 0", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestUpsertStats_CommitFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT OR REPLACE INTO chl_data").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	store := New(db)
	_, err = store.UpsertStats(context.Background(), models.VariableChlorophyll, []models.DailyStats{stats("2023-12-24", 1)}, time.Now())
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestDeleteBefore_RollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM sst_data").WithArgs("2024-01-05").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM chl_data").WillReturnError(errors.New("no such table: chl_data"))
	mock.ExpectRollback()

	deleted, err := New(db).DeleteBefore(context.Background(), day("2024-01-05"))
	if err == nil {
		t.Fatal("expected error")
	}
	if deleted != 0 {
		t.Errorf("deleted = %d, want 0 after rollback", deleted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestMigrate_FailedMigrationRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS sst_data").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = New(db).Migrate(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "migration 1") {
		t.Errorf("err = %v, want it to name migration 1", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestMigrate_SkipsAppliedVersions(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_fetch_history_time").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").WithArgs(2, sqlmock.AnyArg(), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	if err := New(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}
