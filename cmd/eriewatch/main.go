package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/lox/eriewatch/internal/config"
	"github.com/lox/eriewatch/internal/erddap"
	"github.com/lox/eriewatch/internal/ingest"
	"github.com/lox/eriewatch/internal/metrics"
	"github.com/lox/eriewatch/internal/models"
	"github.com/lox/eriewatch/internal/store"
)

type CLI struct {
	EnvFile     kongdotenv.ENVFileConfig `kong:"optional,name=env-file,default='.env',help='Path to .env file.'"`
	Config      string                   `help:"Path to YAML configuration." default:"config.yaml" env:"ERIEWATCH_CONFIG"`
	DB          string                   `help:"Path to SQLite cache." default:"cache/realtime_data.db" env:"ERIEWATCH_DB"`
	LogFile     string                   `help:"Append log output to this file." default:"cache/fetch_log.txt" env:"ERIEWATCH_LOG_FILE"`
	MetricsFile string                   `help:"Write Prometheus metrics in textfile format after the command." env:"ERIEWATCH_METRICS_FILE"`

	Run     RunCmd     `cmd:"" default:"1" help:"Fetch both variables, cache them, score risk and sweep old rows."`
	Risk    RiskCmd    `cmd:"" help:"Print cached bloom risk."`
	Stats   StatsCmd   `cmd:"" help:"Print cached daily statistics for one variable."`
	History HistoryCmd `cmd:"" help:"Print recent fetch attempts."`
}

// App carries the opened dependencies into each command.
type App struct {
	ctx   context.Context
	cfg   config.Config
	store *store.Store
	out   io.Writer
}

type RunCmd struct{}

func (c *RunCmd) Run(app *App) error {
	client := erddap.NewClient(app.cfg.ERDDAP, app.cfg.BBox)
	runner := ingest.NewRunner(app.store, client, app.cfg, nil)

	summary, err := runner.RunOnce(app.ctx)
	if err != nil {
		return err
	}
	if err := summary.Err(); err != nil {
		// Individual variable failures are already in the ledger.
		log.Printf("run finished with failures: %v", err)
	}
	return nil
}

type RiskCmd struct {
	Days int `help:"Number of dates to show." default:"7"`
}

func (c *RiskCmd) Run(app *App) error {
	records, err := app.store.RecentRisk(app.ctx, c.Days)
	if err != nil {
		return fmt.Errorf("recent risk: %w", err)
	}

	w := tabwriter.NewWriter(app.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tSCORE\tLEVEL\tSST\tCHL\tCALCULATED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			r.Date.Format(models.DateLayout), r.Score, r.Level,
			mark(r.SSTAboveThreshold), mark(r.ChlAboveThreshold),
			r.CalculatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

type StatsCmd struct {
	Variable string `arg:"" optional:"" enum:"sst,chl" default:"sst" help:"Variable to show (sst or chl)."`
	Days     int    `help:"Number of dates to show." default:"7"`
}

func (c *StatsCmd) Run(app *App) error {
	records, err := app.store.RecentStats(app.ctx, models.Variable(c.Variable), c.Days)
	if err != nil {
		return fmt.Errorf("recent stats: %w", err)
	}

	w := tabwriter.NewWriter(app.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tMEAN\tMAX\tWEST\tEAST\tCOVERAGE")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.0f%%\n",
			r.Date.Format(models.DateLayout), num(r.LakeMean), num(r.LakeMax),
			num(r.WestBasinMean), num(r.EastBasinMean), r.DataCoverage)
	}
	return w.Flush()
}

type HistoryCmd struct {
	Limit  int  `help:"Number of ledger entries to show." default:"20"`
	Failed bool `help:"Only show failed attempts."`
}

func (c *HistoryCmd) Run(app *App) error {
	attempts, err := app.store.RecentFetchAttempts(app.ctx, c.Limit, c.Failed)
	if err != nil {
		return fmt.Errorf("recent fetch attempts: %w", err)
	}

	w := tabwriter.NewWriter(app.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFETCHED\tVARIABLE\tRANGE\tSTATUS\tERROR")
	for _, a := range attempts {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s..%s\t%s\t%s\n",
			a.ID, a.AttemptedAt.Format("2006-01-02 15:04"), a.Variable,
			a.RangeStart.Format(models.DateLayout), a.RangeEnd.Format(models.DateLayout),
			a.Status, a.ErrorMessage.String)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	health, err := app.store.GetFetchHealth(app.ctx)
	if err != nil {
		return fmt.Errorf("fetch health: %w", err)
	}
	fmt.Fprintln(app.out)
	for _, h := range health {
		last := h.LastSuccess
		if last == "" {
			last = "never"
		}
		fmt.Fprintf(app.out, "%s: %d runs, %d ok, %d failed, last success %s\n", h.Variable, h.TotalRuns, h.SuccessRuns, h.FailedRuns, last)
	}
	return nil
}

func num(n sql.NullFloat64) string {
	if !n.Valid {
		return "-"
	}
	return fmt.Sprintf("%.2f", n.Float64)
}

func mark(b bool) string {
	if b {
		return "yes"
	}
	return "-"
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("eriewatch"),
		kong.Description("Lake Erie surface temperature and chlorophyll monitor."),
		kong.UsageOnError(),
	)

	closeLog, err := setupLogging(cli.LogFile)
	if err != nil {
		log.Fatalf("open log file: %v", err)
	}
	defer closeLog()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(cli.DB), 0o755); err != nil {
		log.Fatalf("create cache directory: %v", err)
	}
	db, err := sql.Open("sqlite", cli.DB)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st := store.New(db)
	if err := st.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	if v, err := st.SchemaVersion(ctx); err == nil {
		log.Printf("database at schema version %d", v)
	}

	runErr := kctx.Run(&App{ctx: ctx, cfg: cfg, store: st, out: os.Stdout})

	if cli.MetricsFile != "" {
		if err := metrics.WriteTextfile(cli.MetricsFile); err != nil {
			log.Printf("write metrics: %v", err)
		}
	}

	kctx.FatalIfErrorf(runErr)
}

// setupLogging sends the standard logger to stderr and an append-only file.
func setupLogging(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return func() { f.Close() }, nil
}
