package reader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	"github.com/usagelens/warehouse/pkg/model"
	"github.com/usagelens/warehouse/pkg/retry"
)

// Lake layout, hive-style date partitions:
//
//	<root>/events/dt=YYYY-MM-DD/events.parquet
//	<root>/users/dt=YYYY-MM-DD/users.parquet
const (
	eventsDir    = "events"
	usersDir     = "users"
	eventsFile   = "events.parquet"
	usersFile    = "users.parquet"
	partitionPfx = "dt="
)

// eventRecord is the lake schema of one raw event row.
type eventRecord struct {
	EventID    string    `parquet:"event_id"`
	Timestamp  time.Time `parquet:"event_timestamp,timestamp(microsecond)"`
	UserID     string    `parquet:"user_id"`
	Platform   string    `parquet:"platform"`
	EventType  string    `parquet:"event_type"`
	SessionID  string    `parquet:"session_id"`
	Country    string    `parquet:"country"`
	DeviceType string    `parquet:"device_type"`
}

// userRecord is the lake schema of one user snapshot row.
type userRecord struct {
	UserID          string `parquet:"user_id"`
	Country         string `parquet:"country"`
	AgeGroup        string `parquet:"age_group"`
	DeviceType      string `parquet:"device_type"`
	UserSegment     string `parquet:"user_segment"`
	SignupDate      string `parquet:"signup_date"`
	PrimaryPlatform string `parquet:"primary_platform"`
}

// LakeReader reads parquet partitions from a local or mounted data lake.
type LakeReader struct {
	logger *zap.Logger
	root   string
	retry  retry.Config
}

var _ Reader = (*LakeReader)(nil)

func NewLakeReader(logger *zap.Logger, root string) *LakeReader {
	return &LakeReader{
		logger: logger,
		root:   root,
		retry:  retry.DefaultConfig(),
	}
}

func (r *LakeReader) ListEventPartitions(ctx context.Context) ([]model.Date, error) {
	return r.listPartitions(filepath.Join(r.root, eventsDir))
}

func (r *LakeReader) ListSnapshotPartitions(ctx context.Context) ([]model.Date, error) {
	return r.listPartitions(filepath.Join(r.root, usersDir))
}

func (r *LakeReader) listPartitions(dir string) ([]model.Date, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &ExtractionError{Source: dir, Err: err}
	}
	var dates []model.Date
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), partitionPfx) {
			continue
		}
		d, err := model.ParseDate(strings.TrimPrefix(entry.Name(), partitionPfx))
		if err != nil {
			r.logger.Warn("Skipping malformed partition directory",
				zap.String("dir", entry.Name()))
			continue
		}
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

func (r *LakeReader) ReadEvents(ctx context.Context, date model.Date) ([]model.RawEvent, error) {
	path := filepath.Join(r.root, eventsDir, partitionPfx+date.String(), eventsFile)
	if _, err := os.Stat(path); err != nil {
		// A missing partition is a hard failure, not a transient one.
		return nil, &ExtractionError{Source: path, Err: err}
	}

	var records []eventRecord
	err := retry.WithBackoff(ctx, r.retry, r.logger, "read event partition", func() error {
		var err error
		records, err = parquet.ReadFile[eventRecord](path)
		return err
	})
	if err != nil {
		return nil, &ExtractionError{Source: path, Err: err}
	}

	events := make([]model.RawEvent, len(records))
	for i, rec := range records {
		events[i] = model.RawEvent{
			EventID:    rec.EventID,
			Timestamp:  rec.Timestamp.UTC(),
			UserID:     rec.UserID,
			Platform:   rec.Platform,
			EventType:  rec.EventType,
			SessionID:  rec.SessionID,
			Country:    rec.Country,
			DeviceType: rec.DeviceType,
		}
	}
	r.logger.Info("Read event partition",
		zap.String("partition", date.String()),
		zap.Int("rows", len(events)))
	return events, nil
}

func (r *LakeReader) ReadSnapshots(ctx context.Context, date model.Date) ([]model.RawUserSnapshot, error) {
	path := filepath.Join(r.root, usersDir, partitionPfx+date.String(), usersFile)
	if _, err := os.Stat(path); err != nil {
		return nil, &ExtractionError{Source: path, Err: err}
	}

	var records []userRecord
	err := retry.WithBackoff(ctx, r.retry, r.logger, "read snapshot partition", func() error {
		var err error
		records, err = parquet.ReadFile[userRecord](path)
		return err
	})
	if err != nil {
		return nil, &ExtractionError{Source: path, Err: err}
	}

	snapshots := make([]model.RawUserSnapshot, 0, len(records))
	for _, rec := range records {
		signup, err := model.ParseDate(rec.SignupDate)
		if err != nil {
			return nil, &ExtractionError{
				Source: path,
				Err:    fmt.Errorf("user %s: bad signup_date %q", rec.UserID, rec.SignupDate),
			}
		}
		snapshots = append(snapshots, model.RawUserSnapshot{
			UserID:          rec.UserID,
			Country:         rec.Country,
			AgeGroup:        rec.AgeGroup,
			DeviceType:      rec.DeviceType,
			UserSegment:     rec.UserSegment,
			SignupDate:      signup,
			PrimaryPlatform: rec.PrimaryPlatform,
			ObservedDate:    date,
		})
	}
	r.logger.Info("Read snapshot partition",
		zap.String("partition", date.String()),
		zap.Int("rows", len(snapshots)))
	return snapshots, nil
}
