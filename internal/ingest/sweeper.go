package ingest

import (
	"context"
	"log"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lox/eriewatch/internal/metrics"
	"github.com/lox/eriewatch/internal/models"
)

type Deleter interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper removes cached rows older than the retention period.
type Sweeper struct {
	store Deleter
	clock clockwork.Clock
}

func NewSweeper(store Deleter, clock clockwork.Clock) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sweeper{store: store, clock: clock}
}

// Sweep deletes rows dated before today minus retentionDays and returns the
// number removed. Failures are logged and reported as zero.
func (s *Sweeper) Sweep(ctx context.Context, retentionDays int) int64 {
	now := s.clock.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	cutoff := today.AddDate(0, 0, -retentionDays)

	n, err := s.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		log.Printf("sweeper: delete before %s: %v", cutoff.Format(models.DateLayout), err)
		return 0
	}

	if n > 0 {
		metrics.RecordsSwept.Add(float64(n))
		log.Printf("sweeper: removed %d records older than %s", n, cutoff.Format(models.DateLayout))
	}
	return n
}
