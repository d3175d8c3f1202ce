// Package ingest runs the fetch cycle: download each variable, reduce it to
// daily statistics, cache it, then rescore bloom risk and sweep old rows.
package ingest

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/lox/eriewatch/internal/config"
	"github.com/lox/eriewatch/internal/grid"
	"github.com/lox/eriewatch/internal/metrics"
	"github.com/lox/eriewatch/internal/models"
	"github.com/lox/eriewatch/internal/risk"
	"github.com/lox/eriewatch/internal/store"
)

// Fetcher downloads one variable of a dataset over an inclusive date range.
type Fetcher interface {
	Fetch(ctx context.Context, datasetID, variable string, start, end time.Time) (*grid.Grid, error)
}

// Job is one variable to fetch on each run.
type Job struct {
	Variable     models.Variable
	Dataset      string
	VariableName string
}

// Jobs returns the per-run fetch list in order: temperature, then chlorophyll.
func Jobs(cfg config.ERDDAP) []Job {
	return []Job{
		{Variable: models.VariableSST, Dataset: cfg.SSTDataset, VariableName: cfg.SSTVariable},
		{Variable: models.VariableChlorophyll, Dataset: cfg.ChlDataset, VariableName: cfg.ChlVariable},
	}
}

// JobResult is the outcome of one job within a run.
type JobResult struct {
	Job     Job
	Stored  int
	Flagged int
	Err     error
}

// RunSummary describes a completed run.
type RunSummary struct {
	Start, End time.Time
	Jobs       []JobResult
	RiskRows   int
	Swept      int64
}

// Stored is the number of statistics rows written across all jobs.
func (s *RunSummary) Stored() int {
	n := 0
	for _, j := range s.Jobs {
		n += j.Stored
	}
	return n
}

// Err aggregates the failed jobs, or returns nil when every job succeeded.
func (s *RunSummary) Err() error {
	var result *multierror.Error
	for _, j := range s.Jobs {
		if j.Err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", j.Job.Variable, j.Err))
		}
	}
	return result.ErrorOrNil()
}

type Runner struct {
	store   *store.Store
	fetcher Fetcher
	risk    *risk.Engine
	sweeper *Sweeper
	cfg     config.Config
	clock   clockwork.Clock
}

func NewRunner(st *store.Store, fetcher Fetcher, cfg config.Config, clock clockwork.Clock) *Runner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Runner{
		store:   st,
		fetcher: fetcher,
		risk:    risk.NewEngine(st, cfg.Thresholds, clock),
		sweeper: NewSweeper(st, clock),
		cfg:     cfg,
		clock:   clock,
	}
}

// RunOnce performs a full cycle. Only a schema failure is returned; job,
// scoring and sweep failures are logged and recorded in the summary.
func (r *Runner) RunOnce(ctx context.Context) (*RunSummary, error) {
	if err := r.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	start, end := r.cfg.DateRange(r.clock.Now())
	summary := &RunSummary{Start: start, End: end}
	log.Printf("ingest: fetching %s to %s", start.Format(models.DateLayout), end.Format(models.DateLayout))

	jobs := Jobs(r.cfg.ERDDAP)
	for i, job := range jobs {
		res := r.runJob(ctx, job, start, end)
		summary.Jobs = append(summary.Jobs, res)
		r.record(ctx, res, start, end)

		if i < len(jobs)-1 {
			if err := r.pause(ctx); err != nil {
				log.Printf("ingest: %v", err)
				break
			}
		}
	}

	n, err := r.risk.ScoreRecent(ctx, r.cfg.Risk.WindowDays)
	if err != nil {
		log.Printf("ingest: risk scoring: %v", err)
	}
	summary.RiskRows = n

	summary.Swept = r.sweeper.Sweep(ctx, r.cfg.RetentionDays)

	metrics.LastRunTimestamp.Set(float64(r.clock.Now().Unix()))
	log.Printf("ingest: run complete: %d stored, %d risk rows, %d swept", summary.Stored(), summary.RiskRows, summary.Swept)
	return summary, nil
}

func (r *Runner) runJob(ctx context.Context, job Job, start, end time.Time) JobResult {
	res := JobResult{Job: job}

	g, err := r.fetcher.Fetch(ctx, job.Dataset, job.VariableName, start, end)
	if err != nil {
		res.Err = err
		return res
	}

	stats, err := grid.Reduce(g, r.cfg.Thresholds.WesternBasinLon)
	if err != nil {
		res.Err = fmt.Errorf("reduce: %w", err)
		return res
	}

	for _, st := range stats {
		if flags := ValidateStats(job.Variable, st); len(flags) > 0 {
			res.Flagged++
			log.Printf("ingest: %s %s flagged: %s", job.Variable, st.Date.Format(models.DateLayout), strings.Join(flags, ","))
		}
	}

	n, err := r.store.UpsertStats(ctx, job.Variable, stats, r.clock.Now())
	if err != nil {
		res.Err = err
		return res
	}
	res.Stored = n
	return res
}

// record appends the job outcome to the fetch ledger.
func (r *Runner) record(ctx context.Context, res JobResult, start, end time.Time) {
	attempt := models.FetchAttempt{
		AttemptedAt: r.clock.Now(),
		Variable:    res.Job.Variable,
		RangeStart:  start,
		RangeEnd:    end,
		Status:      models.FetchSuccess,
	}
	if res.Err != nil {
		attempt.Status = models.FetchFailed
		attempt.ErrorMessage.String = res.Err.Error()
		attempt.ErrorMessage.Valid = true
		log.Printf("ingest: %s failed: %v", res.Job.Variable, res.Err)
	} else {
		log.Printf("ingest: %s stored %d days", res.Job.Variable, res.Stored)
	}
	metrics.FetchesTotal.WithLabelValues(string(res.Job.Variable), string(attempt.Status)).Inc()

	if _, err := r.store.InsertFetchAttempt(ctx, attempt); err != nil {
		log.Printf("ingest: record %s attempt: %v", res.Job.Variable, err)
	}
}

func (r *Runner) pause(ctx context.Context) error {
	if r.cfg.ERDDAP.RequestDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.clock.After(r.cfg.ERDDAP.RequestDelay):
		return nil
	}
}
