// Package quality runs the data-quality check battery that gates aggregate
// promotion. The gate reads fact and dimension state and writes nothing but
// its report.
package quality

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/usagelens/warehouse/pkg/etl/merge"
	"github.com/usagelens/warehouse/pkg/model"
	"github.com/usagelens/warehouse/pkg/warehouse"
)

// Category groups checks by the property they test.
type Category string

const (
	CategoryCompleteness Category = "completeness"
	CategoryUniqueness   Category = "uniqueness"
	CategoryFreshness    Category = "freshness"
	CategoryReferential  Category = "referential_integrity"
	CategoryValueRange   Category = "value_range"
	CategoryVolume       Category = "volume"
)

// Status is the outcome of one check.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Result is the outcome of a single check against one partition.
type Result struct {
	Name        string   `json:"name"`
	Category    Category `json:"category"`
	MetricValue float64  `json:"metric_value"`
	Threshold   float64  `json:"threshold"`
	Status      Status   `json:"status"`
	Blocking    bool     `json:"blocking"`
	Detail      string   `json:"detail,omitempty"`
}

// Verdict is the gate's decision for one partition. A blocked verdict halts
// aggregation for the run; it is a structured result, never a panic or an
// error to the caller.
type Verdict struct {
	Partition model.Date `json:"partition"`
	RunAt     time.Time  `json:"run_at"`
	Blocked   bool       `json:"blocked"`
	BlockedBy []string   `json:"blocked_by,omitempty"`
	Results   []Result   `json:"results"`
}

// Passed counts results with pass status.
func (v Verdict) Passed() int {
	n := 0
	for _, r := range v.Results {
		if r.Status == StatusPass {
			n++
		}
	}
	return n
}

// Config carries the tunable thresholds of the check battery. Which checks
// exist, their order, and their blocking classification are fixed at compile
// time; only thresholds move.
type Config struct {
	// NullRateThreshold is the max tolerated empty-value rate on required
	// fact columns.
	NullRateThreshold float64
	// FreshnessWindow is how far behind run time the newest event may be.
	FreshnessWindow time.Duration
	// VolumeMin and VolumeMax bound the expected partition row count.
	VolumeMin int
	VolumeMax int
}

func DefaultConfig() Config {
	return Config{
		NullRateThreshold: 0.01,
		FreshnessWindow:   36 * time.Hour,
		VolumeMin:         1,
		VolumeMax:         10_000_000,
	}
}

// Gate evaluates the fixed check battery for a loaded partition.
type Gate struct {
	logger *zap.Logger
	store  warehouse.Store
	cfg    Config
	now    func() time.Time
}

func NewGate(logger *zap.Logger, store warehouse.Store, cfg Config) *Gate {
	return &Gate{logger: logger, store: store, cfg: cfg, now: time.Now}
}

// WithClock overrides gate time, for deterministic tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Run evaluates every check, in order, against the just-loaded partition.
// Advisory failures are recorded but never block; any blocking failure
// yields a blocked verdict carrying the complete report.
func (g *Gate) Run(ctx context.Context, partition model.Date, load merge.LoadReport) (Verdict, error) {
	runAt := g.now().UTC()

	rows, err := g.store.FactPartition(ctx, partition)
	if err != nil {
		return Verdict{}, fmt.Errorf("read fact partition %s: %w", partition, err)
	}
	versions, err := g.store.AllUserVersions(ctx)
	if err != nil {
		return Verdict{}, fmt.Errorf("read user versions: %w", err)
	}
	signupByKey := make(map[string]model.Date, len(versions))
	for _, v := range versions {
		signupByKey[v.UserKey] = v.SignupDate
	}

	verdict := Verdict{Partition: partition, RunAt: runAt}
	checks := []Result{
		g.checkNullRate(rows),
		g.checkUniqueness(rows),
		g.checkFreshness(rows, runAt),
		g.checkRejections(load),
		g.checkEventCount(rows),
		g.checkTimestampRange(rows, signupByKey, runAt),
		g.checkVolume(rows),
	}
	for _, r := range checks {
		verdict.Results = append(verdict.Results, r)
		if r.Status == StatusFail && r.Blocking {
			verdict.Blocked = true
			verdict.BlockedBy = append(verdict.BlockedBy, r.Name)
		}
		level := g.logger.Debug
		if r.Status != StatusPass {
			level = g.logger.Warn
		}
		level("Quality check evaluated",
			zap.String("partition", partition.String()),
			zap.String("check", r.Name),
			zap.String("category", string(r.Category)),
			zap.String("status", string(r.Status)),
			zap.Bool("blocking", r.Blocking),
			zap.Float64("metric", r.MetricValue))
	}

	if verdict.Blocked {
		g.logger.Warn("Quality gate blocked aggregation",
			zap.String("partition", partition.String()),
			zap.Strings("blocked_by", verdict.BlockedBy))
	} else {
		g.logger.Info("Quality gate passed",
			zap.String("partition", partition.String()),
			zap.Int("checks", len(verdict.Results)),
			zap.Int("passed", verdict.Passed()))
	}
	return verdict, nil
}

// checkNullRate verifies required columns are populated on loaded rows.
// Blocking.
func (g *Gate) checkNullRate(rows []model.FactEvent) Result {
	nulls := 0
	for _, r := range rows {
		if r.EventID == "" || r.UserKey == "" || r.SessionID == "" {
			nulls++
		}
	}
	rate := 0.0
	if len(rows) > 0 {
		rate = float64(nulls) / float64(len(rows))
	}
	return newResult("null_rate_required_columns", CategoryCompleteness, true,
		rate, g.cfg.NullRateThreshold, rate <= g.cfg.NullRateThreshold,
		fmt.Sprintf("%d of %d rows with empty required columns", nulls, len(rows)))
}

// checkUniqueness verifies event_id is unique within the partition. Blocking.
func (g *Gate) checkUniqueness(rows []model.FactEvent) Result {
	seen := make(map[string]struct{}, len(rows))
	dups := 0
	for _, r := range rows {
		if _, ok := seen[r.EventID]; ok {
			dups++
			continue
		}
		seen[r.EventID] = struct{}{}
	}
	return newResult("unique_event_id", CategoryUniqueness, true,
		float64(dups), 0, dups == 0,
		fmt.Sprintf("%d duplicate event_id values", dups))
}

// checkFreshness verifies the newest event is within the freshness window of
// run time. Advisory: backfilled partitions legitimately fail this.
func (g *Gate) checkFreshness(rows []model.FactEvent, runAt time.Time) Result {
	if len(rows) == 0 {
		return newResult("freshness", CategoryFreshness, false, 0,
			g.cfg.FreshnessWindow.Hours(), true, "empty partition, freshness not applicable")
	}
	var latest time.Time
	for _, r := range rows {
		if r.EventTimestamp.After(latest) {
			latest = r.EventTimestamp
		}
	}
	age := runAt.Sub(latest)
	return newResult("freshness", CategoryFreshness, false,
		age.Hours(), g.cfg.FreshnessWindow.Hours(), age <= g.cfg.FreshnessWindow,
		fmt.Sprintf("newest event %.1fh before run time", age.Hours()))
}

// checkRejections surfaces the merger's quarantine count. Advisory: rejected
// rows are already excluded from the partition, so they taint completeness
// of the source, not integrity of the warehouse.
func (g *Gate) checkRejections(load merge.LoadReport) Result {
	return newResult("merger_rejections", CategoryReferential, false,
		float64(load.RowsRejected), 0, load.RowsRejected == 0,
		fmt.Sprintf("%d rows quarantined during load", load.RowsRejected))
}

// checkEventCount verifies the event_count measure is always 1. Blocking.
func (g *Gate) checkEventCount(rows []model.FactEvent) Result {
	bad := 0
	for _, r := range rows {
		if r.EventCount != 1 {
			bad++
		}
	}
	return newResult("event_count_is_one", CategoryValueRange, true,
		float64(bad), 0, bad == 0,
		fmt.Sprintf("%d rows with event_count != 1", bad))
}

// checkTimestampRange verifies timestamps fall within [signup_date, run
// time] for the resolved user. Blocking.
func (g *Gate) checkTimestampRange(rows []model.FactEvent, signupByKey map[string]model.Date, runAt time.Time) Result {
	bad := 0
	for _, r := range rows {
		if r.EventTimestamp.After(runAt) {
			bad++
			continue
		}
		if signup, ok := signupByKey[r.UserKey]; ok && r.EventTimestamp.Before(signup.Time()) {
			bad++
		}
	}
	return newResult("timestamp_within_lifetime", CategoryValueRange, true,
		float64(bad), 0, bad == 0,
		fmt.Sprintf("%d rows outside [signup_date, run time]", bad))
}

// checkVolume verifies the partition row count falls inside the expected
// bounds. Blocking.
func (g *Gate) checkVolume(rows []model.FactEvent) Result {
	n := len(rows)
	ok := n >= g.cfg.VolumeMin && n <= g.cfg.VolumeMax
	return newResult("partition_row_count", CategoryVolume, true,
		float64(n), float64(g.cfg.VolumeMax), ok,
		fmt.Sprintf("row count %d outside [%d, %d]", n, g.cfg.VolumeMin, g.cfg.VolumeMax))
}

func newResult(name string, category Category, blocking bool, metric, threshold float64, ok bool, detail string) Result {
	status := StatusPass
	if !ok {
		status = StatusFail
		if !blocking {
			status = StatusWarn
		}
	}
	return Result{
		Name:        name,
		Category:    category,
		MetricValue: metric,
		Threshold:   threshold,
		Status:      status,
		Blocking:    blocking,
		Detail:      detail,
	}
}
