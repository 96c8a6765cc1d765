// Package pipeline composes the warehouse pipeline: store, lake reader,
// runner, optional Redis notifications, the HTTP surface, and the serve-mode
// scheduler.
package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/usagelens/warehouse/pkg/etl/runner"
	"github.com/usagelens/warehouse/pkg/logging"
	"github.com/usagelens/warehouse/pkg/model"
	"github.com/usagelens/warehouse/pkg/notify"
	"github.com/usagelens/warehouse/pkg/reader"
	"github.com/usagelens/warehouse/pkg/utils"
	"github.com/usagelens/warehouse/pkg/warehouse"
	wch "github.com/usagelens/warehouse/pkg/warehouse/clickhouse"
	"github.com/usagelens/warehouse/pkg/warehouse/memory"
)

// App holds the wired pipeline and its run history.
type App struct {
	Logger    *zap.Logger
	Store     warehouse.Store
	Reader    reader.Reader
	Runner    *runner.Runner
	Publisher *notify.Publisher

	// Runs retains completed run reports for the HTTP surface.
	Runs      *xsync.Map[string, runner.RunReport]
	latestRun *xsync.Map[string, string]

	Server *http.Server
	Cron   *cron.Cron
}

const latestKey = "latest"

// Initialize wires the application from environment configuration.
// WAREHOUSE_BACKEND selects "clickhouse" or "memory"; DATA_LAKE_DIR points
// at the parquet lake root.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}

	var store warehouse.Store
	backend := utils.Env("WAREHOUSE_BACKEND", "clickhouse")
	switch backend {
	case "memory":
		store = memory.New()
		logger.Info("Using in-memory warehouse store")
	default:
		chStore, err := wch.NewStore(ctx, logger, utils.Env("WAREHOUSE_DB", "usagelens"))
		if err != nil {
			logger.Fatal("Unable to connect to ClickHouse", zap.Error(err))
		}
		store = chStore
	}

	lakeRoot := utils.Env("DATA_LAKE_DIR", "data/raw")
	rdr := reader.NewLakeReader(logger, lakeRoot)

	var publisher *notify.Publisher
	if utils.Env("REDIS_ENABLED", "false") == "true" {
		publisher, err = notify.NewPublisher(ctx, logger)
		if err != nil {
			logger.Warn("Redis unavailable, run notifications disabled", zap.Error(err))
			publisher = nil
		}
	}

	run := runner.New(logger, store, rdr).
		WithWorkers(utils.EnvInt("PIPELINE_WORKERS", 0))

	app := &App{
		Logger:    logger,
		Store:     store,
		Reader:    rdr,
		Runner:    run,
		Publisher: publisher,
		Runs:      xsync.NewMap[string, runner.RunReport](),
		latestRun: xsync.NewMap[string, string](),
	}
	app.SetupServer()
	return app
}

// RunOnce executes one pipeline run, records the report, and publishes it.
// The report is recorded even when the run errors or is blocked.
func (a *App) RunOnce(ctx context.Context, input runner.RunInput) (runner.RunReport, error) {
	report, err := a.Runner.Run(ctx, input)
	a.Runs.Store(report.RunID, report)
	a.latestRun.Store(latestKey, report.RunID)
	if a.Publisher != nil {
		a.Publisher.PublishRun(ctx, report.RunID, report)
	}
	return report, err
}

// LatestRun returns the most recent run report, if any.
func (a *App) LatestRun() (runner.RunReport, bool) {
	id, ok := a.latestRun.Load(latestKey)
	if !ok {
		return runner.RunReport{}, false
	}
	return a.Runs.Load(id)
}

// SetupScheduler registers the daily incremental run in serve mode. The
// cron spec uses a seconds field; the default fires at 02:00 UTC.
func (a *App) SetupScheduler(ctx context.Context) error {
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger)))

	spec := utils.Env("PIPELINE_CRON", "0 0 2 * * *")
	_, err := a.Cron.AddFunc(spec, func() {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Hour)
		defer cancel()

		day := model.DateOf(time.Now().UTC().AddDate(0, 0, -1))
		report, err := a.RunOnce(rctx, runner.RunInput{
			Start: day,
			Mode:  runner.ModeIncremental,
		})
		if err != nil {
			a.Logger.Error("Scheduled run failed",
				zap.String("run_id", report.RunID),
				zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	a.Logger.Info("Scheduler configured", zap.String("spec", spec))
	return nil
}

// Start runs the HTTP server (and the scheduler if configured) until the
// context is cancelled, then shuts down cleanly.
func (a *App) Start(ctx context.Context) {
	if a.Cron != nil {
		a.Cron.Start()
	}
	go func() { _ = a.Server.ListenAndServe() }()
	a.Logger.Info("Pipeline serving", zap.String("addr", a.Server.Addr))

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
	_ = a.Server.Shutdown(shutdownCtx)
	if a.Publisher != nil {
		_ = a.Publisher.Close()
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("Failed to close warehouse store", zap.Error(err))
	}
	a.Logger.Info("Pipeline stopped")
}
