package aggregate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usagelens/warehouse/pkg/model"
	"github.com/usagelens/warehouse/pkg/warehouse/memory"
)

func TestBuildFunnel(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := newTestEngine(t, store)

	uA := addUser(t, store, "a", reportDate.AddDays(-30))
	uB := addUser(t, store, "b", reportDate.AddDays(-30))

	loadDay(t, store, reportDate, []model.FactEvent{
		fact(t, "e1", reportDate, uA, "instagram", "content_view", "s1"),
		fact(t, "e2", reportDate, uB, "instagram", "content_view", "s2"),
		fact(t, "e3", reportDate, uA, "instagram", "like", "s1"),
		fact(t, "e4", reportDate, uA, "instagram", "comment", "s1"),
		// app_open is not a funnel stage.
		fact(t, "e5", reportDate, uB, "instagram", "app_open", "s2"),
	})

	out, err := e.BuildFunnel(ctx, reportDate)
	require.NoError(t, err)
	require.Len(t, out, 1)

	row := out[0]
	assert.Equal(t, platformKey(t, "instagram"), row.PlatformKey)
	assert.Equal(t, uint64(2), row.Viewers)
	assert.Equal(t, uint64(1), row.Likers)
	assert.Equal(t, uint64(1), row.Commenters)
	assert.Equal(t, uint64(0), row.Sharers)
	assert.Equal(t, uint64(0), row.Creators)
	require.NotNil(t, row.ViewToLikePct)
	assert.Equal(t, 50.0, *row.ViewToLikePct)
	require.NotNil(t, row.ViewToCreatePct)
	assert.Equal(t, 0.0, *row.ViewToCreatePct)
}

func TestBuildFunnelPctNilWithoutViewers(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := newTestEngine(t, store)

	uA := addUser(t, store, "a", reportDate.AddDays(-30))
	loadDay(t, store, reportDate, []model.FactEvent{
		fact(t, "e1", reportDate, uA, "whatsapp", "like", "s1"),
	})

	out, err := e.BuildFunnel(ctx, reportDate)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(0), out[0].Viewers)
	assert.Equal(t, uint64(1), out[0].Likers)
	assert.Nil(t, out[0].ViewToLikePct)
	assert.Nil(t, out[0].ViewToCreatePct)
}

func TestBuildFunnelSortsByViewersDescending(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := newTestEngine(t, store)

	uA := addUser(t, store, "a", reportDate.AddDays(-30))
	uB := addUser(t, store, "b", reportDate.AddDays(-30))
	loadDay(t, store, reportDate, []model.FactEvent{
		fact(t, "e1", reportDate, uA, "threads", "content_view", "s1"),
		fact(t, "e2", reportDate, uB, "threads", "content_view", "s2"),
		fact(t, "e3", reportDate, uA, "facebook", "content_view", "s3"),
	})

	out, err := e.BuildFunnel(ctx, reportDate)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, platformKey(t, "threads"), out[0].PlatformKey)
	assert.Equal(t, platformKey(t, "facebook"), out[1].PlatformKey)
}

func TestBuildChurnRiskTiers(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := newTestEngine(t, store)

	require.NoError(t, store.ReplaceUserEngagement(ctx, reportDate, []model.AggUserEngagement{
		{UserKey: "k-churned", DateKey: reportDate, L7DaysActive: 0, L28DaysActive: 4,
			TotalEventsL28: 12, EngagementScore: 5},
		{UserKey: "k-high", DateKey: reportDate, L7DaysActive: 2, L28DaysActive: 8,
			TotalEventsL7: 3, TotalEventsL28: 40, EngagementScore: 25},
		{UserKey: "k-medium", DateKey: reportDate, L7DaysActive: 4, L28DaysActive: 16,
			TotalEventsL7: 10, TotalEventsL28: 40, EngagementScore: 45},
		{UserKey: "k-low", DateKey: reportDate, L7DaysActive: 7, L28DaysActive: 28,
			TotalEventsL7: 50, TotalEventsL28: 200, EngagementScore: 90},
	}))

	out, err := e.BuildChurnRisk(ctx, reportDate)
	require.NoError(t, err)
	require.Len(t, out, 4)

	// Ascending score: riskiest first.
	assert.Equal(t, "k-churned", out[0].UserKey)
	assert.Equal(t, RiskChurned, out[0].Risk)
	assert.Equal(t, "k-high", out[1].UserKey)
	assert.Equal(t, RiskHigh, out[1].Risk)
	assert.Equal(t, "k-medium", out[2].UserKey)
	assert.Equal(t, RiskMedium, out[2].Risk)
	assert.Equal(t, "k-low", out[3].UserKey)
	assert.Equal(t, RiskLow, out[3].Risk)
}

func TestBuildChurnRiskRatios(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := newTestEngine(t, store)

	require.NoError(t, store.ReplaceUserEngagement(ctx, reportDate, []model.AggUserEngagement{
		// Perfectly steady: 7 of 28 days, a quarter of events in L7.
		{UserKey: "steady", DateKey: reportDate, L7DaysActive: 7, L28DaysActive: 28,
			TotalEventsL7: 25, TotalEventsL28: 100, EngagementScore: 80},
		// Fully lapsed: zero denominators leave the ratios undefined.
		{UserKey: "lapsed", DateKey: reportDate, EngagementScore: 0},
	}))

	out, err := e.BuildChurnRisk(ctx, reportDate)
	require.NoError(t, err)
	require.Len(t, out, 2)

	lapsed, steady := out[0], out[1]
	assert.Equal(t, "lapsed", lapsed.UserKey)
	assert.Nil(t, lapsed.L7L28Ratio)
	assert.Nil(t, lapsed.EventTrendRatio)

	assert.Equal(t, "steady", steady.UserKey)
	require.NotNil(t, steady.L7L28Ratio)
	assert.Equal(t, 1.0, *steady.L7L28Ratio)
	require.NotNil(t, steady.EventTrendRatio)
	assert.Equal(t, 1.0, *steady.EventTrendRatio)
}
