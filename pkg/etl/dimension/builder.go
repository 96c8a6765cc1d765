// Package dimension maintains the versioned user dimension (SCD type 2).
package dimension

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/usagelens/warehouse/pkg/model"
	"github.com/usagelens/warehouse/pkg/warehouse"
)

// Outcome describes what applying one snapshot did to the dimension.
type Outcome string

const (
	// OutcomeInserted means the user was observed for the first time.
	OutcomeInserted Outcome = "inserted"
	// OutcomeVersioned means the current version was closed and a new one
	// opened because tracked attributes changed.
	OutcomeVersioned Outcome = "versioned"
	// OutcomeUnchanged means the snapshot matched the current version.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeAmended means a same-day conflicting snapshot overwrote the
	// attributes of the version opened earlier in the run (last wins).
	OutcomeAmended Outcome = "amended"
)

// OrderingError rejects a snapshot observed before the user's current
// version began. Snapshots must arrive in non-decreasing date order per user.
type OrderingError struct {
	UserID       string
	CurrentFrom  model.Date
	ObservedDate model.Date
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("out-of-order snapshot for user %s: observed %s but current version starts %s",
		e.UserID, e.ObservedDate, e.CurrentFrom)
}

// Builder applies user snapshots to the SCD-2 dimension. Updates for a given
// user are serialized through striped locks; different users may be applied
// concurrently.
type Builder struct {
	logger *zap.Logger
	store  warehouse.Store
	locks  *xsync.Map[string, *sync.Mutex]
}

func NewBuilder(logger *zap.Logger, store warehouse.Store) *Builder {
	return &Builder{
		logger: logger,
		store:  store,
		locks:  xsync.NewMap[string, *sync.Mutex](),
	}
}

// ApplySnapshot folds one snapshot into the user's version history.
//
// First observation inserts an open-ended version. An identical snapshot is
// a no-op, so re-applying a partition never duplicates rows. A changed
// snapshot closes the current version the day before the observation and
// opens a new current version. A snapshot observed before the current
// version began returns an *OrderingError.
func (b *Builder) ApplySnapshot(ctx context.Context, snap model.RawUserSnapshot) (Outcome, error) {
	if snap.UserID == "" {
		return "", errors.New("apply snapshot: empty user_id")
	}
	if snap.ObservedDate.IsZero() {
		return "", fmt.Errorf("apply snapshot for user %s: zero observed_date", snap.UserID)
	}

	mu, _ := b.locks.LoadOrStore(snap.UserID, &sync.Mutex{})
	mu.Lock()
	defer mu.Unlock()

	current, err := b.store.CurrentUserVersion(ctx, snap.UserID)
	if err != nil {
		return "", fmt.Errorf("fetch current version for user %s: %w", snap.UserID, err)
	}

	if current == nil {
		v := newVersion(snap, snap.ObservedDate)
		if err := b.store.InsertUserVersion(ctx, v); err != nil {
			return "", fmt.Errorf("insert first version for user %s: %w", snap.UserID, err)
		}
		b.logger.Debug("User observed for the first time",
			zap.String("user_id", snap.UserID),
			zap.String("effective_from", v.EffectiveFrom.String()))
		return OutcomeInserted, nil
	}

	if snap.ObservedDate.Before(current.EffectiveFrom) {
		return "", &OrderingError{
			UserID:       snap.UserID,
			CurrentFrom:  current.EffectiveFrom,
			ObservedDate: snap.ObservedDate,
		}
	}

	if current.Attributes() == snap.Attributes() {
		return OutcomeUnchanged, nil
	}

	// Two conflicting snapshots on the same observed date: the last one
	// applied wins, amending the version in place rather than opening a
	// zero-length one.
	if snap.ObservedDate == current.EffectiveFrom {
		if err := b.store.UpdateUserVersionAttributes(ctx, current.UserKey, snap.Attributes()); err != nil {
			return "", fmt.Errorf("amend same-day version for user %s: %w", snap.UserID, err)
		}
		b.logger.Debug("Amended same-day dimension version",
			zap.String("user_id", snap.UserID),
			zap.String("effective_from", current.EffectiveFrom.String()))
		return OutcomeAmended, nil
	}

	if err := b.store.CloseUserVersion(ctx, current.UserKey, snap.ObservedDate.AddDays(-1)); err != nil {
		return "", fmt.Errorf("close version for user %s: %w", snap.UserID, err)
	}
	v := newVersion(snap, snap.ObservedDate)
	if err := b.store.InsertUserVersion(ctx, v); err != nil {
		return "", fmt.Errorf("insert new version for user %s: %w", snap.UserID, err)
	}
	b.logger.Debug("Opened new dimension version",
		zap.String("user_id", snap.UserID),
		zap.String("effective_from", v.EffectiveFrom.String()))
	return OutcomeVersioned, nil
}

// PartitionResult summarizes applying one partition's snapshots.
type PartitionResult struct {
	Applied   int `json:"applied"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
}

// ApplyPartition applies a partition's snapshots in order. Out-of-order
// snapshots are logged and skipped; any other failure aborts, since it
// indicates a store problem rather than bad input.
func (b *Builder) ApplyPartition(ctx context.Context, snaps []model.RawUserSnapshot) (PartitionResult, error) {
	var res PartitionResult
	for _, snap := range snaps {
		outcome, err := b.ApplySnapshot(ctx, snap)
		if err != nil {
			var ordErr *OrderingError
			if errors.As(err, &ordErr) {
				b.logger.Warn("Skipping out-of-order snapshot",
					zap.String("user_id", ordErr.UserID),
					zap.String("observed_date", ordErr.ObservedDate.String()),
					zap.String("current_from", ordErr.CurrentFrom.String()))
				res.Skipped++
				continue
			}
			return res, err
		}
		if outcome == OutcomeUnchanged {
			res.Unchanged++
		} else {
			res.Applied++
		}
	}
	return res, nil
}

func newVersion(snap model.RawUserSnapshot, from model.Date) model.DimUser {
	return model.DimUser{
		UserKey:         model.UserVersionKey(snap.UserID, from),
		UserID:          snap.UserID,
		Country:         snap.Country,
		AgeGroup:        snap.AgeGroup,
		DeviceType:      snap.DeviceType,
		UserSegment:     snap.UserSegment,
		SignupDate:      snap.SignupDate,
		PrimaryPlatform: snap.PrimaryPlatform,
		EffectiveFrom:   from,
		EffectiveTo:     nil,
		IsCurrent:       true,
	}
}
