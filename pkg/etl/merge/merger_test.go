package merge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/usagelens/warehouse/pkg/model"
	"github.com/usagelens/warehouse/pkg/warehouse/memory"
)

var (
	partition = model.NewDate(2025, time.March, 10)
	loadTime  = time.Date(2025, time.March, 11, 6, 0, 0, 0, time.UTC)
)

func seedUser(t *testing.T, store *memory.Store, userID string, from model.Date) model.DimUser {
	t.Helper()
	v := model.DimUser{
		UserKey:       model.UserVersionKey(userID, from),
		UserID:        userID,
		Country:       "US",
		SignupDate:    from,
		EffectiveFrom: from,
		IsCurrent:     true,
	}
	require.NoError(t, store.InsertUserVersion(context.Background(), v))
	return v
}

func event(eventID, userID string, ts time.Time) model.RawEvent {
	return model.RawEvent{
		EventID:    eventID,
		Timestamp:  ts,
		UserID:     userID,
		Platform:   "instagram",
		EventType:  "content_view",
		SessionID:  "s1",
		Country:    "US",
		DeviceType: "ios",
	}
}

func newMerger(t *testing.T, store *memory.Store) *Merger {
	return NewMerger(zaptest.NewLogger(t), store).WithClock(func() time.Time { return loadTime })
}

func TestLoadPartitionResolvesKeys(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	v := seedUser(t, store, "u1", model.NewDate(2025, time.January, 1))
	m := newMerger(t, store)

	ts := partition.Time().Add(9 * time.Hour)
	report, err := m.LoadPartition(ctx, partition, []model.RawEvent{event("e1", "u1", ts)})
	require.NoError(t, err)
	assert.Equal(t, 1, report.RowsLoaded)
	assert.Equal(t, 0, report.RowsRejected)

	rows, err := store.FactPartition(ctx, partition)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, v.UserKey, row.UserKey)
	assert.Equal(t, int32(2), row.PlatformKey)  // instagram
	assert.Equal(t, int32(2), row.EventTypeKey) // content_view
	assert.Equal(t, partition, row.DateKey)
	assert.Equal(t, partition, row.PartitionDate)
	assert.Equal(t, int32(1), row.EventCount)
}

func TestLoadPartitionIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedUser(t, store, "u1", model.NewDate(2025, time.January, 1))
	m := newMerger(t, store)

	events := []model.RawEvent{
		event("e1", "u1", partition.Time().Add(8*time.Hour)),
		event("e2", "u1", partition.Time().Add(9*time.Hour)),
	}
	_, err := m.LoadPartition(ctx, partition, events)
	require.NoError(t, err)
	first, err := store.FactPartition(ctx, partition)
	require.NoError(t, err)

	_, err = m.LoadPartition(ctx, partition, events)
	require.NoError(t, err)
	second, err := store.FactPartition(ctx, partition)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoadPartitionReplacesStaleRows(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedUser(t, store, "u1", model.NewDate(2025, time.January, 1))
	m := newMerger(t, store)

	_, err := m.LoadPartition(ctx, partition, []model.RawEvent{
		event("stale-1", "u1", partition.Time().Add(time.Hour)),
		event("stale-2", "u1", partition.Time().Add(2*time.Hour)),
	})
	require.NoError(t, err)

	_, err = m.LoadPartition(ctx, partition, []model.RawEvent{
		event("fresh-1", "u1", partition.Time().Add(3*time.Hour)),
	})
	require.NoError(t, err)

	rows, err := store.FactPartition(ctx, partition)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "fresh-1", rows[0].EventID)
}

func TestLoadPartitionQuarantines(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedUser(t, store, "u1", model.NewDate(2025, time.January, 1))
	m := newMerger(t, store)

	ts := partition.Time().Add(9 * time.Hour)
	missing := event("", "u1", ts)
	dup := event("e1", "u1", ts)
	future := event("e2", "u1", loadTime.Add(time.Hour))
	badPlatform := event("e3", "u1", ts)
	badPlatform.Platform = "tiktok"
	badType := event("e4", "u1", ts)
	badType.EventType = "page_view"
	unknownUser := event("e5", "ghost", ts)

	report, err := m.LoadPartition(ctx, partition, []model.RawEvent{
		event("e1", "u1", ts), missing, dup, future, badPlatform, badType, unknownUser,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.RowsLoaded)
	assert.Equal(t, 6, report.RowsRejected)
	assert.Equal(t, map[RejectionReason]int{
		ReasonMissingField:           1,
		ReasonDuplicateEventID:       1,
		ReasonFutureTimestamp:        1,
		ReasonUnresolvedPlatformKey:  1,
		ReasonUnresolvedEventTypeKey: 1,
		ReasonUnresolvedUserKey:      1,
	}, report.RejectionReasons)

	rows, err := store.FactPartition(ctx, partition)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "e1", rows[0].EventID)

	var reasons []RejectionReason
	for _, r := range report.Rejections {
		reasons = append(reasons, r.Reason)
		if r.Reason == ReasonUnresolvedUserKey {
			assert.Equal(t, "ghost", r.UserID)
		}
	}
	assert.Len(t, reasons, 6)
}

func TestLoadPartitionResolvesAsOfPartitionDate(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	// u1 was in the US through January, CA from February on. A March
	// partition resolves to the CA version; a backfill of a January
	// partition resolves to the US one.
	usFrom := model.NewDate(2025, time.January, 1)
	caFrom := model.NewDate(2025, time.February, 1)
	us := seedUser(t, store, "u1", usFrom)
	require.NoError(t, store.CloseUserVersion(ctx, us.UserKey, caFrom.AddDays(-1)))
	ca := model.DimUser{
		UserKey:       model.UserVersionKey("u1", caFrom),
		UserID:        "u1",
		Country:       "CA",
		SignupDate:    usFrom,
		EffectiveFrom: caFrom,
		IsCurrent:     true,
	}
	require.NoError(t, store.InsertUserVersion(ctx, ca))

	m := newMerger(t, store)

	_, err := m.LoadPartition(ctx, partition, []model.RawEvent{
		event("mar-1", "u1", partition.Time().Add(time.Hour)),
	})
	require.NoError(t, err)
	rows, err := store.FactPartition(ctx, partition)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ca.UserKey, rows[0].UserKey)

	janPartition := model.NewDate(2025, time.January, 15)
	_, err = m.LoadPartition(ctx, janPartition, []model.RawEvent{
		event("jan-1", "u1", janPartition.Time().Add(time.Hour)),
	})
	require.NoError(t, err)
	rows, err = store.FactPartition(ctx, janPartition)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, us.UserKey, rows[0].UserKey)
}

func TestLoadPartitionRowsSortedByEventID(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedUser(t, store, "u1", model.NewDate(2025, time.January, 1))
	m := newMerger(t, store)

	_, err := m.LoadPartition(ctx, partition, []model.RawEvent{
		event("b", "u1", partition.Time().Add(time.Hour)),
		event("a", "u1", partition.Time().Add(2*time.Hour)),
		event("c", "u1", partition.Time().Add(3*time.Hour)),
	})
	require.NoError(t, err)

	rows, err := store.FactPartition(ctx, partition)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "a", rows[0].EventID)
	assert.Equal(t, "b", rows[1].EventID)
	assert.Equal(t, "c", rows[2].EventID)
}
