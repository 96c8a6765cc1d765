package aggregate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usagelens/warehouse/pkg/model"
	"github.com/usagelens/warehouse/pkg/warehouse/memory"
)

func TestBuildDailyMetricsGroupsByDateAndPlatform(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := newTestEngine(t, store)

	uA := addUser(t, store, "a", reportDate.AddDays(-30))
	uB := addUser(t, store, "b", reportDate) // signs up today

	loadDay(t, store, reportDate, []model.FactEvent{
		fact(t, "e1", reportDate, uA, "instagram", "content_view", "s1"),
		fact(t, "e2", reportDate, uA, "instagram", "like", "s1"),
		fact(t, "e3", reportDate, uB, "instagram", "app_open", "s2"),
		fact(t, "e4", reportDate, uB, "instagram", "content_create", "s2"),
		fact(t, "e5", reportDate, uA, "facebook", "share", "s3"),
	})

	out, err := e.BuildDailyMetrics(ctx, reportDate, reportDate)
	require.NoError(t, err)
	require.Len(t, out, 2)

	// Sorted by (date, platform): facebook (1) before instagram (2).
	fb, ig := out[0], out[1]
	assert.Equal(t, platformKey(t, "facebook"), fb.PlatformKey)
	assert.Equal(t, uint64(1), fb.DAU)
	assert.Equal(t, uint64(1), fb.Shares)

	assert.Equal(t, platformKey(t, "instagram"), ig.PlatformKey)
	assert.Equal(t, uint64(2), ig.DAU)
	assert.Equal(t, uint64(1), ig.NewUsers)
	assert.Equal(t, uint64(4), ig.TotalEvents)
	assert.Equal(t, uint64(2), ig.TotalSessions)
	assert.Equal(t, uint64(1), ig.Likes)
	assert.Equal(t, uint64(1), ig.ContentCreates)
	require.NotNil(t, ig.AvgSessionEvents)
	assert.Equal(t, 2.0, *ig.AvgSessionEvents)
}

func TestBuildDailyMetricsDAUIsDistinctUsers(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := newTestEngine(t, store)

	uA := addUser(t, store, "a", reportDate.AddDays(-30))
	loadDay(t, store, reportDate, []model.FactEvent{
		fact(t, "e1", reportDate, uA, "whatsapp", "message_sent", "s1"),
		fact(t, "e2", reportDate, uA, "whatsapp", "message_sent", "s1"),
		fact(t, "e3", reportDate, uA, "whatsapp", "message_sent", "s2"),
	})

	out, err := e.BuildDailyMetrics(ctx, reportDate, reportDate)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(1), out[0].DAU)
	assert.Equal(t, uint64(3), out[0].TotalEvents)
	assert.Equal(t, uint64(3), out[0].MessagesSent)
	assert.Equal(t, uint64(2), out[0].TotalSessions)
}

func TestBuildDailyMetricsSessionEndDoesNotCountAsActive(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := newTestEngine(t, store)

	uA := addUser(t, store, "a", reportDate.AddDays(-30))
	loadDay(t, store, reportDate, []model.FactEvent{
		fact(t, "e1", reportDate, uA, "messenger", "session_end", "s1"),
	})

	out, err := e.BuildDailyMetrics(ctx, reportDate, reportDate)
	require.NoError(t, err)
	require.Len(t, out, 1)
	// The event is counted but its user is not active.
	assert.Equal(t, uint64(0), out[0].DAU)
	assert.Equal(t, uint64(1), out[0].TotalEvents)
	assert.Equal(t, uint64(1), out[0].TotalSessions)
}

func TestBuildDailyMetricsAvgSessionEventsNilWithoutSessions(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := newTestEngine(t, store)

	uA := addUser(t, store, "a", reportDate.AddDays(-30))
	row := fact(t, "e1", reportDate, uA, "threads", "content_view", "")
	loadDay(t, store, reportDate, []model.FactEvent{row})

	out, err := e.BuildDailyMetrics(ctx, reportDate, reportDate)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(0), out[0].TotalSessions)
	assert.Nil(t, out[0].AvgSessionEvents)
}

func TestBuildDailyMetricsEmptyRange(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, memory.New())

	out, err := e.BuildDailyMetrics(ctx, reportDate, reportDate)
	require.NoError(t, err)
	assert.Empty(t, out)
}
