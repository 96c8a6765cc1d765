// Package aggregate derives the growth, retention, and engagement tables
// from the fact and dimension stores. Every output is a pure function of
// current warehouse state: recomputing without a state change yields
// identical rows.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/usagelens/warehouse/pkg/model"
	"github.com/usagelens/warehouse/pkg/warehouse"
)

// Engine computes the agg_* tables and the read-side growth reports.
type Engine struct {
	logger *zap.Logger
	store  warehouse.Store
	now    func() time.Time
}

func NewEngine(logger *zap.Logger, store warehouse.Store) *Engine {
	return &Engine{logger: logger, store: store, now: time.Now}
}

// WithClock overrides the wall clock. Tests pin it.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// RefreshResult reports what one aggregate refresh rebuilt.
type RefreshResult struct {
	DailyMetricRows int `json:"daily_metric_rows"`
	EngagementRows  int `json:"engagement_rows"`
	CohortRows      int `json:"cohort_rows"`
}

// Refresh recomputes daily metrics for [start, end], engagement scores for
// the end date, and the full retention cohort matrix, replacing the stored
// aggregates wholesale.
func (e *Engine) Refresh(ctx context.Context, start, end model.Date) (RefreshResult, error) {
	var res RefreshResult

	daily, err := e.BuildDailyMetrics(ctx, start, end)
	if err != nil {
		return res, err
	}
	if err := e.store.ReplaceDailyMetrics(ctx, model.DatesBetween(start, end), daily); err != nil {
		return res, fmt.Errorf("replace daily metrics: %w", err)
	}
	res.DailyMetricRows = len(daily)

	engagement, err := e.BuildEngagement(ctx, end)
	if err != nil {
		return res, err
	}
	if err := e.store.ReplaceUserEngagement(ctx, end, engagement); err != nil {
		return res, fmt.Errorf("replace user engagement: %w", err)
	}
	res.EngagementRows = len(engagement)

	cohorts, err := e.BuildRetentionCohorts(ctx)
	if err != nil {
		return res, err
	}
	if err := e.store.ReplaceRetentionCohorts(ctx, cohorts); err != nil {
		return res, fmt.Errorf("replace retention cohorts: %w", err)
	}
	res.CohortRows = len(cohorts)

	e.logger.Info("Aggregates refreshed",
		zap.String("start", start.String()),
		zap.String("end", end.String()),
		zap.Int("daily_metric_rows", res.DailyMetricRows),
		zap.Int("engagement_rows", res.EngagementRows),
		zap.Int("cohort_rows", res.CohortRows))
	return res, nil
}

// dimIndex resolves fact surrogate keys back to natural users and signup
// dates. Growth and retention compare activity across days by natural
// user_id: a dimension version change between two days must not break
// retained/churned adjacency.
type dimIndex struct {
	userIDByKey    map[string]string
	signupByID     map[string]model.Date
	currentKeyByID map[string]string
}

func (e *Engine) buildDimIndex(ctx context.Context) (*dimIndex, error) {
	versions, err := e.store.AllUserVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read user versions: %w", err)
	}
	idx := &dimIndex{
		userIDByKey:    make(map[string]string, len(versions)),
		signupByID:     make(map[string]model.Date),
		currentKeyByID: make(map[string]string),
	}
	for _, v := range versions {
		idx.userIDByKey[v.UserKey] = v.UserID
		idx.signupByID[v.UserID] = v.SignupDate
		if v.IsCurrent {
			idx.currentKeyByID[v.UserID] = v.UserKey
		}
	}
	return idx, nil
}

// activeEventTypes is the set of event type keys that qualify a user as
// active (DAU/WAU/MAU semantics per dim_event_type.is_active_event).
var activeEventTypes = func() map[int32]bool {
	m := make(map[int32]bool, len(model.EventTypeCatalog))
	for _, et := range model.EventTypeCatalog {
		m[et.EventTypeKey] = et.IsActiveEvent
	}
	return m
}()

var eventTypeNameByKey = func() map[int32]string {
	m := make(map[int32]string, len(model.EventTypeCatalog))
	for _, et := range model.EventTypeCatalog {
		m[et.EventTypeKey] = et.EventTypeName
	}
	return m
}()

// activity is a per-day, per-platform index of active natural users.
type activity map[model.Date]map[int32]map[string]struct{}

func (a activity) mark(day model.Date, platform int32, userID string) {
	byPlatform, ok := a[day]
	if !ok {
		byPlatform = make(map[int32]map[string]struct{})
		a[day] = byPlatform
	}
	users, ok := byPlatform[platform]
	if !ok {
		users = make(map[string]struct{})
		byPlatform[platform] = users
	}
	users[userID] = struct{}{}
}

func (a activity) active(day model.Date, platform int32, userID string) bool {
	if byPlatform, ok := a[day]; ok {
		if users, ok := byPlatform[platform]; ok {
			_, active := users[userID]
			return active
		}
	}
	return false
}

// buildActivity indexes qualifying events by (day, platform, user).
func buildActivity(rows []model.FactEvent, idx *dimIndex) activity {
	act := make(activity)
	for _, row := range rows {
		if !activeEventTypes[row.EventTypeKey] {
			continue
		}
		userID, ok := idx.userIDByKey[row.UserKey]
		if !ok {
			continue
		}
		act.mark(row.DateKey, row.PlatformKey, userID)
	}
	return act
}
