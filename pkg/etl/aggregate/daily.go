package aggregate

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/usagelens/warehouse/pkg/model"
)

// BuildDailyMetrics computes agg_daily_metrics rows for every
// (date, platform) pair with at least one fact row in [start, end].
// avg_session_events is nil when a pair has no sessions: the ratio is
// undefined, never a division by zero.
func (e *Engine) BuildDailyMetrics(ctx context.Context, start, end model.Date) ([]model.AggDailyMetric, error) {
	rows, err := e.store.FactsBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("read facts [%s, %s]: %w", start, end, err)
	}
	idx, err := e.buildDimIndex(ctx)
	if err != nil {
		return nil, err
	}

	type groupKey struct {
		date     model.Date
		platform int32
	}
	type groupAcc struct {
		users    map[string]struct{}
		newUsers map[string]struct{}
		sessions map[string]struct{}
		metric   model.AggDailyMetric
	}
	groups := make(map[groupKey]*groupAcc)

	for _, row := range rows {
		key := groupKey{date: row.DateKey, platform: row.PlatformKey}
		acc, ok := groups[key]
		if !ok {
			acc = &groupAcc{
				users:    make(map[string]struct{}),
				newUsers: make(map[string]struct{}),
				sessions: make(map[string]struct{}),
				metric:   model.AggDailyMetric{DateKey: key.date, PlatformKey: key.platform},
			}
			groups[key] = acc
		}

		userID := idx.userIDByKey[row.UserKey]
		if activeEventTypes[row.EventTypeKey] && userID != "" {
			acc.users[userID] = struct{}{}
			if signup, known := idx.signupByID[userID]; known && signup == row.DateKey {
				acc.newUsers[userID] = struct{}{}
			}
		}
		if row.SessionID != "" {
			acc.sessions[row.SessionID] = struct{}{}
		}
		acc.metric.TotalEvents += uint64(row.EventCount)

		switch eventTypeNameByKey[row.EventTypeKey] {
		case "content_create":
			acc.metric.ContentCreates++
		case "like":
			acc.metric.Likes++
		case "comment":
			acc.metric.Comments++
		case "share":
			acc.metric.Shares++
		case "message_sent":
			acc.metric.MessagesSent++
		case "ad_impression":
			acc.metric.AdImpressions++
		case "ad_click":
			acc.metric.AdClicks++
		}
	}

	out := make([]model.AggDailyMetric, 0, len(groups))
	for _, acc := range groups {
		m := acc.metric
		m.DAU = uint64(len(acc.users))
		m.NewUsers = uint64(len(acc.newUsers))
		m.TotalSessions = uint64(len(acc.sessions))
		if m.TotalSessions > 0 {
			avg := math.Round(float64(m.TotalEvents)/float64(m.TotalSessions)*100) / 100
			m.AvgSessionEvents = &avg
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DateKey.Time().Equal(out[j].DateKey.Time()) {
			return out[i].DateKey.Before(out[j].DateKey)
		}
		return out[i].PlatformKey < out[j].PlatformKey
	})
	return out, nil
}
