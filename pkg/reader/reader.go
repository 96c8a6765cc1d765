// Package reader is the extraction boundary between the raw data lake and
// the pipeline. Implementations deliver immutable raw records; nothing in
// this package mutates lake state.
package reader

import (
	"context"
	"errors"
	"fmt"

	"github.com/usagelens/warehouse/pkg/model"
)

// Reader lists and reads raw lake partitions.
type Reader interface {
	// ListEventPartitions returns the available event partition dates in
	// ascending order.
	ListEventPartitions(ctx context.Context) ([]model.Date, error)
	// ListSnapshotPartitions returns the available user snapshot partition
	// dates in ascending order.
	ListSnapshotPartitions(ctx context.Context) ([]model.Date, error)
	// ReadEvents returns all raw events of one partition date.
	ReadEvents(ctx context.Context, date model.Date) ([]model.RawEvent, error)
	// ReadSnapshots returns all user snapshots observed on one partition
	// date.
	ReadSnapshots(ctx context.Context, date model.Date) ([]model.RawUserSnapshot, error)
}

// ExtractionError wraps a failure to read raw data. Extraction failures are
// transient by default and get retried; they never abort with partial rows.
type ExtractionError struct {
	Source string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Source, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// IsExtraction reports whether err is an extraction failure.
func IsExtraction(err error) bool {
	var ee *ExtractionError
	return errors.As(err, &ee)
}
