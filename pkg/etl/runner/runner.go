// Package runner sequences a pipeline run: snapshot application, fact
// loading, quality gating, and aggregate refresh. It owns the phase
// ordering; aggregation never runs concurrently with a fact write.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/usagelens/warehouse/pkg/etl/aggregate"
	"github.com/usagelens/warehouse/pkg/etl/dimension"
	"github.com/usagelens/warehouse/pkg/etl/merge"
	"github.com/usagelens/warehouse/pkg/etl/quality"
	"github.com/usagelens/warehouse/pkg/model"
	"github.com/usagelens/warehouse/pkg/reader"
	"github.com/usagelens/warehouse/pkg/warehouse"
)

// Mode selects how much of the lake a run covers.
type Mode string

const (
	// ModeFull rebuilds the warehouse from every available lake partition
	// in the requested range.
	ModeFull Mode = "full"
	// ModeIncremental processes a single day.
	ModeIncremental Mode = "incremental"
)

// RunInput bounds one run. For incremental mode End defaults to Start.
type RunInput struct {
	Start model.Date `json:"start"`
	End   model.Date `json:"end"`
	Mode  Mode       `json:"mode"`
}

// RunReport is produced on every run outcome, blocked runs included. A
// blocked run is a successful detection, not a crash.
type RunReport struct {
	RunID               string                        `json:"run_id"`
	Mode                Mode                          `json:"mode"`
	StartedAt           time.Time                     `json:"started_at"`
	Dates               []model.Date                  `json:"dates"`
	SnapshotsApplied    int                           `json:"snapshots_applied"`
	SnapshotsUnchanged  int                           `json:"snapshots_unchanged"`
	SnapshotsSkipped    int                           `json:"snapshots_skipped"`
	RowsLoaded          int                           `json:"rows_loaded"`
	RowsRejected        int                           `json:"rows_rejected"`
	RejectionReasons    map[merge.RejectionReason]int `json:"rejection_reasons,omitempty"`
	GateVerdicts        []quality.Verdict             `json:"gate_verdicts"`
	Blocked             bool                          `json:"blocked"`
	BlockedPartitions   []string                      `json:"blocked_partitions,omitempty"`
	AggregatesRefreshed bool                          `json:"aggregates_refreshed"`
	Aggregates          aggregate.RefreshResult       `json:"aggregates"`
	Elapsed             time.Duration                 `json:"elapsed"`
	Error               string                        `json:"error,omitempty"`
}

// Runner wires the pipeline stages over a shared store and reader.
type Runner struct {
	logger  *zap.Logger
	store   warehouse.Store
	reader  reader.Reader
	builder *dimension.Builder
	merger  *merge.Merger
	gate    *quality.Gate
	engine  *aggregate.Engine
	workers int
}

func New(logger *zap.Logger, store warehouse.Store, rdr reader.Reader) *Runner {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	return &Runner{
		logger:  logger,
		store:   store,
		reader:  rdr,
		builder: dimension.NewBuilder(logger, store),
		merger:  merge.NewMerger(logger, store),
		gate:    quality.NewGate(logger, store, quality.DefaultConfig()),
		engine:  aggregate.NewEngine(logger, store),
		workers: workers,
	}
}

// WithWorkers overrides fact-load parallelism.
func (r *Runner) WithWorkers(n int) *Runner {
	if n > 0 {
		r.workers = n
	}
	return r
}

// Engine exposes the aggregation engine for read-side queries.
func (r *Runner) Engine() *aggregate.Engine { return r.engine }

// Run executes one pipeline run. The returned report is always populated
// with whatever progress was made, even when err is non-nil.
func (r *Runner) Run(ctx context.Context, input RunInput) (RunReport, error) {
	started := time.Now()
	report := RunReport{
		RunID:            uuid.NewString(),
		Mode:             input.Mode,
		StartedAt:        started.UTC(),
		RejectionReasons: make(map[merge.RejectionReason]int),
	}
	fail := func(err error) (RunReport, error) {
		report.Elapsed = time.Since(started)
		report.Error = err.Error()
		return report, err
	}

	if input.Mode != ModeFull && input.Mode != ModeIncremental {
		return fail(fmt.Errorf("unknown run mode %q", input.Mode))
	}
	start, end, err := r.resolveRange(ctx, input)
	if err != nil {
		return fail(err)
	}
	report.Dates = model.DatesBetween(start, end)

	r.logger.Info("Run starting",
		zap.String("run_id", report.RunID),
		zap.String("mode", string(input.Mode)),
		zap.String("start", start.String()),
		zap.String("end", end.String()))

	if err := r.store.InitSchema(ctx, start.Year, end.Year); err != nil {
		return fail(fmt.Errorf("init schema: %w", err))
	}
	if err := r.store.Validate(ctx); err != nil {
		// Corruption aborts outright. Nothing downstream can be trusted.
		return fail(fmt.Errorf("warehouse validation: %w", err))
	}

	if err := r.applySnapshots(ctx, start, end, &report); err != nil {
		return fail(err)
	}
	if err := r.loadFacts(ctx, start, end, &report); err != nil {
		return fail(err)
	}

	if report.Blocked {
		r.logger.Warn("Run blocked by quality gate, aggregates not refreshed",
			zap.String("run_id", report.RunID),
			zap.Strings("partitions", report.BlockedPartitions))
		report.Elapsed = time.Since(started)
		return report, nil
	}

	res, err := r.engine.Refresh(ctx, start, end)
	if err != nil {
		return fail(fmt.Errorf("refresh aggregates: %w", err))
	}
	report.Aggregates = res
	report.AggregatesRefreshed = true
	report.Elapsed = time.Since(started)

	r.logger.Info("Run finished",
		zap.String("run_id", report.RunID),
		zap.Int("rows_loaded", report.RowsLoaded),
		zap.Int("rows_rejected", report.RowsRejected),
		zap.Duration("elapsed", report.Elapsed))
	return report, nil
}

// resolveRange turns the input into a concrete inclusive date range. A full
// run with no explicit range covers every event partition in the lake.
func (r *Runner) resolveRange(ctx context.Context, input RunInput) (model.Date, model.Date, error) {
	start, end := input.Start, input.End
	if input.Mode == ModeIncremental {
		if start.IsZero() {
			return start, end, errors.New("incremental run requires a start date")
		}
		if end.IsZero() {
			end = start
		}
	}
	if input.Mode == ModeFull && (start.IsZero() || end.IsZero()) {
		dates, err := r.reader.ListEventPartitions(ctx)
		if err != nil {
			return start, end, fmt.Errorf("list event partitions: %w", err)
		}
		if len(dates) == 0 {
			return start, end, errors.New("no event partitions in lake and no explicit range")
		}
		if start.IsZero() {
			start = dates[0]
		}
		if end.IsZero() {
			end = dates[len(dates)-1]
		}
	}
	if end.Before(start) {
		return start, end, fmt.Errorf("end %s precedes start %s", end, start)
	}
	return start, end, nil
}

// applySnapshots replays user snapshot partitions strictly in date order.
// Dimension semantics depend on observation order, so this phase is never
// parallel.
func (r *Runner) applySnapshots(ctx context.Context, start, end model.Date, report *RunReport) error {
	partitions, err := r.reader.ListSnapshotPartitions(ctx)
	if err != nil {
		return fmt.Errorf("list snapshot partitions: %w", err)
	}
	for _, day := range partitions {
		if day.Before(start) || end.Before(day) {
			continue
		}
		snaps, err := r.reader.ReadSnapshots(ctx, day)
		if err != nil {
			return err
		}
		res, err := r.builder.ApplyPartition(ctx, snaps)
		if err != nil {
			return fmt.Errorf("apply snapshots for %s: %w", day, err)
		}
		report.SnapshotsApplied += res.Applied
		report.SnapshotsUnchanged += res.Unchanged
		report.SnapshotsSkipped += res.Skipped
	}
	return nil
}

// loadFacts loads and gates each event partition in the range. Distinct
// partitions run in parallel; each partition is single-writer.
func (r *Runner) loadFacts(ctx context.Context, start, end model.Date, report *RunReport) error {
	partitions, err := r.reader.ListEventPartitions(ctx)
	if err != nil {
		return fmt.Errorf("list event partitions: %w", err)
	}
	var days []model.Date
	for _, day := range partitions {
		if !day.Before(start) && !end.Before(day) {
			days = append(days, day)
		}
	}
	if len(days) == 0 {
		return nil
	}

	var (
		mu       sync.Mutex
		loadErr  error
		verdicts []quality.Verdict
	)
	pool := pond.NewPool(r.workers, pond.WithQueueSize(len(days)))
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for _, day := range days {
		day := day
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				return
			}
			verdict, load, err := r.loadPartition(groupCtx, day)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if loadErr == nil {
					loadErr = err
				}
				return
			}
			report.RowsLoaded += load.RowsLoaded
			report.RowsRejected += load.RowsRejected
			for reason, n := range load.RejectionReasons {
				report.RejectionReasons[reason] += n
			}
			verdicts = append(verdicts, verdict)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		return fmt.Errorf("fact load pool: %w", err)
	}
	if loadErr != nil {
		return loadErr
	}

	sort.Slice(verdicts, func(i, j int) bool {
		return verdicts[i].Partition.Before(verdicts[j].Partition)
	})
	for _, v := range verdicts {
		report.GateVerdicts = append(report.GateVerdicts, v)
		if v.Blocked {
			report.Blocked = true
			report.BlockedPartitions = append(report.BlockedPartitions, v.Partition.String())
		}
	}
	return nil
}

func (r *Runner) loadPartition(ctx context.Context, day model.Date) (quality.Verdict, merge.LoadReport, error) {
	events, err := r.reader.ReadEvents(ctx, day)
	if err != nil {
		return quality.Verdict{}, merge.LoadReport{}, err
	}
	load, err := r.merger.LoadPartition(ctx, day, events)
	if err != nil {
		return quality.Verdict{}, load, fmt.Errorf("load partition %s: %w", day, err)
	}
	verdict, err := r.gate.Run(ctx, day, load)
	if err != nil {
		return verdict, load, fmt.Errorf("quality gate for %s: %w", day, err)
	}
	return verdict, load, nil
}
