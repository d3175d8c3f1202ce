// Package risk turns cached lake statistics into a harmful algal bloom risk level.
package risk

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lox/eriewatch/internal/config"
	"github.com/lox/eriewatch/internal/metrics"
	"github.com/lox/eriewatch/internal/models"
)

// Level cutoffs on the total score.
const (
	highScore     = 4
	moderateScore = 2
)

// Score rates a single date. Temperature above the bloom threshold adds one
// point; chlorophyll adds the points of the highest tier it exceeds.
func Score(r models.RecentReading, th config.Thresholds, calculatedAt time.Time) models.RiskRecord {
	rec := models.RiskRecord{
		Date:         r.Date,
		CalculatedAt: calculatedAt,
	}

	if r.SSTMean.Valid && r.SSTMean.Float64 > th.SSTBloom {
		rec.Score++
		rec.SSTAboveThreshold = true
	}

	if pts := chlorophyllPoints(r, th); pts > 0 {
		rec.Score += pts
		rec.ChlAboveThreshold = true
	}

	rec.Level = LevelFor(rec.Score)
	return rec
}

func chlorophyllPoints(r models.RecentReading, th config.Thresholds) int {
	if !r.ChlMean.Valid {
		return 0
	}
	switch chl := r.ChlMean.Float64; {
	case chl > th.ChlHigh:
		return 3
	case chl > th.ChlModerate:
		return 2
	case chl > th.ChlLow:
		return 1
	default:
		return 0
	}
}

// LevelFor maps a total score onto Low, Moderate or High.
func LevelFor(score int) models.RiskLevel {
	switch {
	case score >= highScore:
		return models.RiskHigh
	case score >= moderateScore:
		return models.RiskModerate
	default:
		return models.RiskLow
	}
}

// Store is the slice of the cache the engine needs.
type Store interface {
	QueryRecent(ctx context.Context, n int) ([]models.RecentReading, error)
	UpsertRisk(ctx context.Context, records []models.RiskRecord) (int, error)
}

type Engine struct {
	store      Store
	thresholds config.Thresholds
	clock      clockwork.Clock
}

func NewEngine(store Store, thresholds config.Thresholds, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{store: store, thresholds: thresholds, clock: clock}
}

// ScoreRecent rescores the n most recent dates and overwrites their risk rows.
func (e *Engine) ScoreRecent(ctx context.Context, n int) (int, error) {
	readings, err := e.store.QueryRecent(ctx, n)
	if err != nil {
		return 0, fmt.Errorf("query recent: %w", err)
	}

	now := e.clock.Now().UTC()
	records := make([]models.RiskRecord, 0, len(readings))
	for _, r := range readings {
		records = append(records, Score(r, e.thresholds, now))
	}

	written, err := e.store.UpsertRisk(ctx, records)
	if err != nil {
		return 0, err
	}

	if len(records) > 0 {
		// readings are newest first
		metrics.LatestRiskScore.Set(float64(records[0].Score))
		log.Printf("risk: %s scored %d (%s)", records[0].Date.Format(models.DateLayout), records[0].Score, records[0].Level)
	}
	log.Printf("risk: calculated bloom risk for %d dates", written)
	return written, nil
}
