package reader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/usagelens/warehouse/pkg/model"
)

func writeParquet[T any](t *testing.T, path string, rows []T) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, parquet.WriteFile(path, rows))
}

func eventPath(root string, d model.Date) string {
	return filepath.Join(root, eventsDir, partitionPfx+d.String(), eventsFile)
}

func userPath(root string, d model.Date) string {
	return filepath.Join(root, usersDir, partitionPfx+d.String(), usersFile)
}

func TestListPartitions(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	r := NewLakeReader(zaptest.NewLogger(t), root)

	// No directory yet: an empty lake, not an error.
	dates, err := r.ListEventPartitions(ctx)
	require.NoError(t, err)
	assert.Empty(t, dates)

	d1 := model.NewDate(2025, time.March, 10)
	d2 := model.NewDate(2025, time.March, 9)
	for _, d := range []model.Date{d1, d2} {
		require.NoError(t, os.MkdirAll(filepath.Dir(eventPath(root, d)), 0o755))
	}
	// Malformed and stray entries are skipped.
	require.NoError(t, os.MkdirAll(filepath.Join(root, eventsDir, "dt=not-a-date"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, eventsDir, "scratch"), 0o755))

	dates, err = r.ListEventPartitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.Date{d2, d1}, dates)
}

func TestReadEvents(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	r := NewLakeReader(zaptest.NewLogger(t), root)
	day := model.NewDate(2025, time.March, 10)

	ts := time.Date(2025, time.March, 10, 9, 30, 0, 0, time.UTC)
	writeParquet(t, eventPath(root, day), []eventRecord{
		{
			EventID: "e1", Timestamp: ts, UserID: "u1", Platform: "instagram",
			EventType: "content_view", SessionID: "s1", Country: "US", DeviceType: "ios",
		},
	})

	events, err := r.ReadEvents(ctx, day)
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "e1", ev.EventID)
	assert.True(t, ev.Timestamp.Equal(ts))
	assert.Equal(t, "u1", ev.UserID)
	assert.Equal(t, "instagram", ev.Platform)
	assert.Equal(t, "content_view", ev.EventType)
}

func TestReadEventsMissingPartition(t *testing.T) {
	r := NewLakeReader(zaptest.NewLogger(t), t.TempDir())

	_, err := r.ReadEvents(context.Background(), model.NewDate(2025, time.March, 10))
	require.Error(t, err)
	assert.True(t, IsExtraction(err))
}

func TestReadSnapshots(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	r := NewLakeReader(zaptest.NewLogger(t), root)
	day := model.NewDate(2025, time.March, 10)

	writeParquet(t, userPath(root, day), []userRecord{
		{
			UserID: "u1", Country: "US", AgeGroup: "25-34", DeviceType: "ios",
			UserSegment: "casual", SignupDate: "2025-01-15", PrimaryPlatform: "instagram",
		},
	})

	snaps, err := r.ReadSnapshots(ctx, day)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	snap := snaps[0]
	assert.Equal(t, "u1", snap.UserID)
	assert.Equal(t, model.NewDate(2025, time.January, 15), snap.SignupDate)
	// The partition date becomes the observation date.
	assert.Equal(t, day, snap.ObservedDate)
}

func TestReadSnapshotsBadSignupDate(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	r := NewLakeReader(zaptest.NewLogger(t), root)
	day := model.NewDate(2025, time.March, 10)

	writeParquet(t, userPath(root, day), []userRecord{
		{UserID: "u1", SignupDate: "01/15/2025"},
	})

	_, err := r.ReadSnapshots(ctx, day)
	require.Error(t, err)
	assert.True(t, IsExtraction(err))
}
