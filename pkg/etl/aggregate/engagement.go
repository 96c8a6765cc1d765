package aggregate

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/usagelens/warehouse/pkg/model"
)

// Engagement score weights. They sum to 1.0 so the composite stays in
// [0, 100].
const (
	weightRecency   = 0.30
	weightFrequency = 0.30
	weightBreadth   = 0.20
	weightVolume    = 0.20
)

// BuildEngagement scores every current user as of reportDate from their
// trailing 28 days of qualifying activity. Rows are keyed by the user's
// current version key. Users with no activity in the L28 window still get
// a row: a zero score is a signal, not an absence of data.
func (e *Engine) BuildEngagement(ctx context.Context, reportDate model.Date) ([]model.AggUserEngagement, error) {
	idx, err := e.buildDimIndex(ctx)
	if err != nil {
		return nil, err
	}
	windowStart := reportDate.AddDays(-27)
	rows, err := e.store.FactsBetween(ctx, windowStart, reportDate)
	if err != nil {
		return nil, fmt.Errorf("read facts for engagement: %w", err)
	}

	type tally struct {
		daysActive    map[model.Date]struct{}
		platformsL7   map[int32]struct{}
		eventsL7      uint64
		eventsL28     uint64
		lastActive    model.Date
		hasActivity   bool
		daysActiveL7  uint32
		daysActiveL28 uint32
	}
	tallies := make(map[string]*tally)
	l7Start := reportDate.AddDays(-6)

	for _, row := range rows {
		userID, ok := idx.userIDByKey[row.UserKey]
		if !ok {
			continue
		}
		t, ok := tallies[userID]
		if !ok {
			t = &tally{
				daysActive:  make(map[model.Date]struct{}),
				platformsL7: make(map[int32]struct{}),
			}
			tallies[userID] = t
		}
		inL7 := !row.DateKey.Before(l7Start)
		t.eventsL28 += uint64(row.EventCount)
		if inL7 {
			t.eventsL7 += uint64(row.EventCount)
		}
		if !activeEventTypes[row.EventTypeKey] {
			continue
		}
		if !t.hasActivity || t.lastActive.Before(row.DateKey) {
			t.lastActive = row.DateKey
		}
		t.hasActivity = true
		if _, seen := t.daysActive[row.DateKey]; !seen {
			t.daysActive[row.DateKey] = struct{}{}
			t.daysActiveL28++
			if inL7 {
				t.daysActiveL7++
			}
		}
		if inL7 {
			t.platformsL7[row.PlatformKey] = struct{}{}
		}
	}

	out := make([]model.AggUserEngagement, 0, len(idx.currentKeyByID))
	for userID, userKey := range idx.currentKeyByID {
		row := model.AggUserEngagement{UserKey: userKey, DateKey: reportDate}
		if t, ok := tallies[userID]; ok {
			_, row.L1Active = t.daysActive[reportDate]
			row.L7Active = t.daysActiveL7 > 0
			row.L28Active = t.daysActiveL28 > 0
			row.L7DaysActive = t.daysActiveL7
			row.L28DaysActive = t.daysActiveL28
			row.TotalEventsL7 = t.eventsL7
			row.TotalEventsL28 = t.eventsL28
			row.PlatformsUsedL7 = uint32(len(t.platformsL7))
			row.EngagementScore = score(reportDate, t.lastActive, t.hasActivity,
				t.daysActiveL7, uint32(len(t.platformsL7)), t.eventsL7)
		}
		out = append(out, row)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UserKey < out[j].UserKey })
	return out, nil
}

// score blends four bounded components. Each component saturates at 100,
// so one heavy dimension cannot push the composite past its weight.
func score(reportDate, lastActive model.Date, hasActivity bool, l7Days, platformsL7 uint32, eventsL7 uint64) float64 {
	var recency float64
	if hasActivity {
		days := reportDate.DaysSince(lastActive)
		recency = math.Max(0, 100-float64(days)*10)
	}
	frequency := math.Min(100, float64(l7Days)/7*100)
	breadth := math.Min(100, float64(platformsL7)/5*100)
	volume := math.Min(100, float64(eventsL7)/50*100)

	s := weightRecency*recency + weightFrequency*frequency + weightBreadth*breadth + weightVolume*volume
	return math.Round(s*10) / 10
}
