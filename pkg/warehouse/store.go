// Package warehouse defines the storage contract shared by the ETL engine,
// quality gate, and aggregation engine. The store owns schema and rows only;
// all transformation logic lives with its callers.
package warehouse

import (
	"context"
	"errors"
	"fmt"

	"github.com/usagelens/warehouse/pkg/model"
)

// Store is the columnar warehouse shared by the pipeline components. A Store
// is scoped to one pipeline run: construct at run start, Close at run end.
//
// Write ownership: the dimension builder is the only writer of user versions,
// the fact merger the only writer of fact partitions, and the aggregation
// engine the only writer of the agg_* tables. The quality gate only reads.
type Store interface {
	// InitSchema creates missing tables and seeds the static reference
	// dimensions (dim_date for [startYear, endYear], dim_platform,
	// dim_event_type). Idempotent.
	InitSchema(ctx context.Context, startYear, endYear int) error

	// Validate checks structural integrity of the warehouse. A non-nil
	// error wraps a *CorruptionError and is fatal to the run.
	Validate(ctx context.Context) error

	// CurrentUserVersion returns the open-ended version for a user, or nil
	// if the user has never been observed.
	CurrentUserVersion(ctx context.Context, userID string) (*model.DimUser, error)

	// UserVersionAsOf returns the version whose effective interval contains
	// d, or nil if no version covers that date.
	UserVersionAsOf(ctx context.Context, userID string, d model.Date) (*model.DimUser, error)

	// UserVersions returns all versions for a user ordered by EffectiveFrom.
	UserVersions(ctx context.Context, userID string) ([]model.DimUser, error)

	// CurrentUsers returns the current version of every known user.
	CurrentUsers(ctx context.Context) ([]model.DimUser, error)

	// AllUserVersions returns every version of every user. Callers index
	// these by surrogate key to resolve fact rows back to user attributes.
	AllUserVersions(ctx context.Context) ([]model.DimUser, error)

	// InsertUserVersion appends a new dimension version.
	InsertUserVersion(ctx context.Context, v model.DimUser) error

	// CloseUserVersion sets EffectiveTo on an open version and clears its
	// IsCurrent flag.
	CloseUserVersion(ctx context.Context, userKey string, effectiveTo model.Date) error

	// UpdateUserVersionAttributes rewrites the tracked attributes of an
	// existing version in place. Only used for the same-day last-wins
	// snapshot policy; effective dates and surrogate key never change.
	UpdateUserVersionAttributes(ctx context.Context, userKey string, attrs model.UserAttributes) error

	// ReplaceFactPartition atomically swaps all fact rows owned by the
	// partition. Loading is always a full replace, never an append.
	ReplaceFactPartition(ctx context.Context, partition model.Date, rows []model.FactEvent) error

	// FactPartition returns the fact rows owned by one partition date.
	FactPartition(ctx context.Context, partition model.Date) ([]model.FactEvent, error)

	// FactsBetween returns fact rows with date_key in [start, end].
	FactsBetween(ctx context.Context, start, end model.Date) ([]model.FactEvent, error)

	// ReplaceDailyMetrics swaps the agg_daily_metrics rows for the given
	// dates with the supplied recomputation.
	ReplaceDailyMetrics(ctx context.Context, dates []model.Date, rows []model.AggDailyMetric) error

	// ReplaceUserEngagement swaps the agg_user_engagement rows for one
	// report date.
	ReplaceUserEngagement(ctx context.Context, date model.Date, rows []model.AggUserEngagement) error

	// ReplaceRetentionCohorts swaps the entire agg_retention_cohorts table.
	// The cohort matrix has no incremental identity; it is recomputed whole.
	ReplaceRetentionCohorts(ctx context.Context, rows []model.AggRetentionCohort) error

	// DailyMetrics returns agg_daily_metrics rows for one date.
	DailyMetrics(ctx context.Context, date model.Date) ([]model.AggDailyMetric, error)

	// UserEngagement returns agg_user_engagement rows for one report date.
	UserEngagement(ctx context.Context, date model.Date) ([]model.AggUserEngagement, error)

	// RetentionCohorts returns the full cohort matrix.
	RetentionCohorts(ctx context.Context) ([]model.AggRetentionCohort, error)

	Close() error
}

// CorruptionError reports invalid warehouse structure. It is the only error
// class in the system that aborts a run outright.
type CorruptionError struct {
	Table  string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("warehouse corruption in %s: %s", e.Table, e.Reason)
}

// IsCorruption reports whether err wraps a *CorruptionError.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}
