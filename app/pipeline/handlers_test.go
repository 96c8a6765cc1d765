package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/usagelens/warehouse/pkg/etl/runner"
	"github.com/usagelens/warehouse/pkg/model"
	"github.com/usagelens/warehouse/pkg/warehouse/memory"
)

// emptyLake satisfies reader.Reader with no partitions.
type emptyLake struct{}

func (emptyLake) ListEventPartitions(context.Context) ([]model.Date, error)    { return nil, nil }
func (emptyLake) ListSnapshotPartitions(context.Context) ([]model.Date, error) { return nil, nil }
func (emptyLake) ReadEvents(context.Context, model.Date) ([]model.RawEvent, error) {
	return nil, nil
}
func (emptyLake) ReadSnapshots(context.Context, model.Date) ([]model.RawUserSnapshot, error) {
	return nil, nil
}

func newTestApp(t *testing.T) (*App, *memory.Store) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := memory.New()
	app := &App{
		Logger:    logger,
		Store:     store,
		Reader:    emptyLake{},
		Runner:    runner.New(logger, store, emptyLake{}),
		Runs:      xsync.NewMap[string, runner.RunReport](),
		latestRun: xsync.NewMap[string, string](),
	}
	app.SetupServer()
	return app, store
}

func get(t *testing.T, app *App, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	app.Server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	app, store := newTestApp(t)

	// Unseeded warehouse reports errored.
	rec := get(t, app, "/health")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	require.NoError(t, store.InitSchema(context.Background(), 2025, 2025))
	rec = get(t, app, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRunEndpoints(t *testing.T) {
	app, _ := newTestApp(t)

	rec := get(t, app, "/runs/latest")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = get(t, app, "/runs/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	day := model.DateOf(time.Now().UTC().AddDate(0, 0, -1))
	report, err := app.RunOnce(context.Background(), runner.RunInput{
		Start: day,
		Mode:  runner.ModeIncremental,
	})
	require.NoError(t, err)

	rec = get(t, app, "/runs/latest")
	assert.Equal(t, http.StatusOK, rec.Code)
	var got runner.RunReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, report.RunID, got.RunID)

	rec = get(t, app, "/runs/"+report.RunID)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDailyMetricsEndpoint(t *testing.T) {
	app, store := newTestApp(t)
	ctx := context.Background()

	day := model.NewDate(2025, time.March, 10)
	require.NoError(t, store.ReplaceDailyMetrics(ctx, []model.Date{day}, []model.AggDailyMetric{
		{DateKey: day, PlatformKey: 2, DAU: 42},
	}))

	rec := get(t, app, "/metrics/daily")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = get(t, app, "/metrics/daily?date=not-a-date")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, app, "/metrics/daily?date="+day.String())
	assert.Equal(t, http.StatusOK, rec.Code)
	var rows []model.AggDailyMetric
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(42), rows[0].DAU)
}

func TestGrowthEndpointRequiresRange(t *testing.T) {
	app, _ := newTestApp(t)

	rec := get(t, app, "/growth?start=2025-03-01")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, app, "/growth?start=2025-03-01&end=2025-03-02")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLatestRunRecordedEvenWhenRunFails(t *testing.T) {
	app, _ := newTestApp(t)

	// Missing start date makes the run fail, but the report is retained.
	_, err := app.RunOnce(context.Background(), runner.RunInput{Mode: runner.ModeIncremental})
	require.Error(t, err)

	report, ok := app.LatestRun()
	require.True(t, ok)
	assert.NotEmpty(t, report.Error)
}
