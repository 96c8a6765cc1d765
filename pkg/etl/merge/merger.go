// Package merge loads raw event partitions into the fact store. A partition
// load is a full replace of that partition's rows, which makes re-runs
// idempotent by construction.
package merge

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/usagelens/warehouse/pkg/model"
	"github.com/usagelens/warehouse/pkg/warehouse"
)

// RejectionReason classifies why a raw event was quarantined instead of
// loaded. Rejected rows never abort a partition load.
type RejectionReason string

const (
	// ReasonUnresolvedUserKey means no dimension version covered the
	// partition date for the event's user.
	ReasonUnresolvedUserKey RejectionReason = "UnresolvedUserKey"
	// ReasonUnresolvedPlatformKey means the platform is not in dim_platform.
	ReasonUnresolvedPlatformKey RejectionReason = "UnresolvedPlatformKey"
	// ReasonUnresolvedEventTypeKey means the event type is not in
	// dim_event_type.
	ReasonUnresolvedEventTypeKey RejectionReason = "UnresolvedEventTypeKey"
	// ReasonDuplicateEventID means an earlier event in the same batch
	// already used this event_id.
	ReasonDuplicateEventID RejectionReason = "DuplicateEventID"
	// ReasonMissingField means event_id, user_id, or timestamp was absent.
	ReasonMissingField RejectionReason = "MissingField"
	// ReasonFutureTimestamp means the event claims to have happened after
	// load time.
	ReasonFutureTimestamp RejectionReason = "FutureTimestamp"
)

// RejectedEvent records one quarantined raw event with its reason.
type RejectedEvent struct {
	EventID string          `json:"event_id"`
	UserID  string          `json:"user_id"`
	Reason  RejectionReason `json:"reason"`
}

// LoadReport summarizes one partition load.
type LoadReport struct {
	PartitionDate    model.Date              `json:"partition_date"`
	RowsLoaded       int                     `json:"rows_loaded"`
	RowsRejected     int                     `json:"rows_rejected"`
	RejectionReasons map[RejectionReason]int `json:"rejection_reasons"`
	Rejections       []RejectedEvent         `json:"rejections"`
}

// Merger resolves raw events against the dimensions and writes fact
// partitions. Distinct partitions may be loaded concurrently; a single
// partition must have one writer at a time.
type Merger struct {
	logger *zap.Logger
	store  warehouse.Store
	now    func() time.Time
}

func NewMerger(logger *zap.Logger, store warehouse.Store) *Merger {
	return &Merger{logger: logger, store: store, now: time.Now}
}

// WithClock overrides load time, for deterministic tests.
func (m *Merger) WithClock(now func() time.Time) *Merger {
	m.now = now
	return m
}

// LoadPartition validates and resolves one partition's raw events, then
// replaces the partition's fact rows wholesale. Rows that cannot be resolved
// are quarantined into the report; only store failures return an error.
//
// Dimension keys are resolved as of the partition date, not against the
// latest version, so backfills see the attributes users had at the time.
func (m *Merger) LoadPartition(ctx context.Context, partition model.Date, events []model.RawEvent) (LoadReport, error) {
	report := LoadReport{
		PartitionDate:    partition,
		RejectionReasons: make(map[RejectionReason]int),
	}
	loadTime := m.now().UTC()

	rows := make([]model.FactEvent, 0, len(events))
	seen := make(map[string]struct{}, len(events))

	for _, ev := range events {
		if reason, ok := m.resolve(ctx, partition, ev, seen, loadTime, &rows); !ok {
			report.RowsRejected++
			report.RejectionReasons[reason]++
			report.Rejections = append(report.Rejections, RejectedEvent{
				EventID: ev.EventID,
				UserID:  ev.UserID,
				Reason:  reason,
			})
		}
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].EventID < rows[j].EventID })
	if err := m.store.ReplaceFactPartition(ctx, partition, rows); err != nil {
		return report, fmt.Errorf("replace fact partition %s: %w", partition, err)
	}
	report.RowsLoaded = len(rows)

	m.logger.Info("Loaded fact partition",
		zap.String("partition_date", partition.String()),
		zap.Int("rows_loaded", report.RowsLoaded),
		zap.Int("rows_rejected", report.RowsRejected))
	return report, nil
}

// resolve validates one raw event and, on success, appends its fact row.
// Returns the rejection reason and false when the event is quarantined.
func (m *Merger) resolve(ctx context.Context, partition model.Date, ev model.RawEvent, seen map[string]struct{}, loadTime time.Time, rows *[]model.FactEvent) (RejectionReason, bool) {
	if ev.EventID == "" || ev.UserID == "" || ev.Timestamp.IsZero() {
		return ReasonMissingField, false
	}
	if _, dup := seen[ev.EventID]; dup {
		return ReasonDuplicateEventID, false
	}
	seen[ev.EventID] = struct{}{}

	if ev.Timestamp.After(loadTime) {
		return ReasonFutureTimestamp, false
	}

	platform, err := model.LookupPlatform(ev.Platform)
	if err != nil {
		return ReasonUnresolvedPlatformKey, false
	}
	eventType, err := model.LookupEventType(ev.EventType)
	if err != nil {
		return ReasonUnresolvedEventTypeKey, false
	}

	version, err := m.store.UserVersionAsOf(ctx, ev.UserID, partition)
	if err != nil || version == nil {
		if err != nil {
			m.logger.Warn("Dimension lookup failed, quarantining event",
				zap.String("event_id", ev.EventID),
				zap.String("user_id", ev.UserID),
				zap.Error(err))
		}
		return ReasonUnresolvedUserKey, false
	}

	*rows = append(*rows, model.FactEvent{
		EventID:        ev.EventID,
		EventTimestamp: ev.Timestamp.UTC(),
		DateKey:        model.DateOf(ev.Timestamp),
		UserKey:        version.UserKey,
		PlatformKey:    platform.PlatformKey,
		EventTypeKey:   eventType.EventTypeKey,
		SessionID:      ev.SessionID,
		Country:        ev.Country,
		DeviceType:     ev.DeviceType,
		EventCount:     1,
		PartitionDate:  partition,
	})
	return "", true
}
