package aggregate

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/usagelens/warehouse/pkg/model"
)

// FunnelRow is one platform's engagement funnel for a single day:
// view, like, comment, share, create, measured as distinct users per stage.
// Conversion percentages are nil when nobody viewed.
type FunnelRow struct {
	PlatformKey     int32    `json:"platform_key"`
	Viewers         uint64   `json:"viewers"`
	Likers          uint64   `json:"likers"`
	Commenters      uint64   `json:"commenters"`
	Sharers         uint64   `json:"sharers"`
	Creators        uint64   `json:"creators"`
	ViewToLikePct   *float64 `json:"view_to_like_pct"`
	ViewToCreatePct *float64 `json:"view_to_create_pct"`
}

// funnelStages maps event type names to funnel positions.
var funnelStages = map[string]int{
	"content_view":   0,
	"like":           1,
	"comment":        2,
	"share":          3,
	"content_create": 4,
}

// BuildFunnel computes the per-platform engagement funnel for one day.
// Rows sort by viewers descending so the dominant platform leads.
func (e *Engine) BuildFunnel(ctx context.Context, reportDate model.Date) ([]FunnelRow, error) {
	rows, err := e.store.FactPartition(ctx, reportDate)
	if err != nil {
		return nil, fmt.Errorf("read facts for funnel: %w", err)
	}

	stages := make(map[int32][5]map[string]struct{})
	for _, row := range rows {
		stage, ok := funnelStages[eventTypeNameByKey[row.EventTypeKey]]
		if !ok {
			continue
		}
		sets, ok := stages[row.PlatformKey]
		if !ok {
			for i := range sets {
				sets[i] = make(map[string]struct{})
			}
		}
		sets[stage][row.UserKey] = struct{}{}
		stages[row.PlatformKey] = sets
	}

	out := make([]FunnelRow, 0, len(stages))
	for platform, sets := range stages {
		row := FunnelRow{
			PlatformKey: platform,
			Viewers:     uint64(len(sets[0])),
			Likers:      uint64(len(sets[1])),
			Commenters:  uint64(len(sets[2])),
			Sharers:     uint64(len(sets[3])),
			Creators:    uint64(len(sets[4])),
		}
		if row.Viewers > 0 {
			like := math.Round(float64(row.Likers)*10000/float64(row.Viewers)) / 100
			create := math.Round(float64(row.Creators)*10000/float64(row.Viewers)) / 100
			row.ViewToLikePct = &like
			row.ViewToCreatePct = &create
		}
		out = append(out, row)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Viewers != out[j].Viewers {
			return out[i].Viewers > out[j].Viewers
		}
		return out[i].PlatformKey < out[j].PlatformKey
	})
	return out, nil
}

// ChurnRiskTier buckets users by how likely they are to lapse, from recent
// activity and engagement score.
type ChurnRiskTier string

const (
	RiskChurned ChurnRiskTier = "churned"
	RiskHigh    ChurnRiskTier = "high_risk"
	RiskMedium  ChurnRiskTier = "medium_risk"
	RiskLow     ChurnRiskTier = "low_risk"
)

// ChurnRiskRow is one user's churn features derived from their stored
// engagement row. Trend ratios compare the L7 window (scaled to four weeks)
// against L28 and are nil when the denominator is zero.
type ChurnRiskRow struct {
	UserKey          string        `json:"user_key"`
	EngagementScore  float64       `json:"engagement_score"`
	L7DaysActive     uint32        `json:"l7_days_active"`
	L28DaysActive    uint32        `json:"l28_days_active"`
	L7L28Ratio       *float64      `json:"l7_l28_ratio"`
	TotalEventsL7    uint64        `json:"total_events_l7"`
	TotalEventsL28   uint64        `json:"total_events_l28"`
	EventTrendRatio  *float64      `json:"event_trend_ratio"`
	PlatformsUsedL7  uint32        `json:"platforms_used_l7"`
	Risk             ChurnRiskTier `json:"churn_risk"`
}

// BuildChurnRisk derives churn-risk features from the engagement rows
// stored for reportDate, ordered by ascending score so the riskiest users
// come first.
func (e *Engine) BuildChurnRisk(ctx context.Context, reportDate model.Date) ([]ChurnRiskRow, error) {
	engagement, err := e.store.UserEngagement(ctx, reportDate)
	if err != nil {
		return nil, fmt.Errorf("read engagement for churn risk: %w", err)
	}

	out := make([]ChurnRiskRow, 0, len(engagement))
	for _, row := range engagement {
		cr := ChurnRiskRow{
			UserKey:         row.UserKey,
			EngagementScore: row.EngagementScore,
			L7DaysActive:    row.L7DaysActive,
			L28DaysActive:   row.L28DaysActive,
			TotalEventsL7:   row.TotalEventsL7,
			TotalEventsL28:  row.TotalEventsL28,
			PlatformsUsedL7: row.PlatformsUsedL7,
			Risk:            riskTier(row),
		}
		if row.L28DaysActive > 0 {
			r := math.Round(float64(row.L7DaysActive)*4*100/float64(row.L28DaysActive)) / 100
			cr.L7L28Ratio = &r
		}
		if row.TotalEventsL28 > 0 {
			r := math.Round(float64(row.TotalEventsL7)*4*100/float64(row.TotalEventsL28)) / 100
			cr.EventTrendRatio = &r
		}
		out = append(out, cr)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].EngagementScore != out[j].EngagementScore {
			return out[i].EngagementScore < out[j].EngagementScore
		}
		return out[i].UserKey < out[j].UserKey
	})
	return out, nil
}

func riskTier(row model.AggUserEngagement) ChurnRiskTier {
	switch {
	case row.L7DaysActive == 0:
		return RiskChurned
	case row.L7DaysActive <= 2 && row.EngagementScore < 30:
		return RiskHigh
	case row.L7DaysActive <= 4 && row.EngagementScore < 50:
		return RiskMedium
	default:
		return RiskLow
	}
}
