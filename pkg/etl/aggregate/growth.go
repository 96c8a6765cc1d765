package aggregate

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/usagelens/warehouse/pkg/model"
)

// GrowthClass is the closed per-user classification of growth accounting.
// Every active (user, date, platform) row belongs to exactly one class.
// Churn is a cohort-level measure computed by adjacency, not a class here.
type GrowthClass string

const (
	GrowthNew         GrowthClass = "new"
	GrowthRetained    GrowthClass = "retained"
	GrowthResurrected GrowthClass = "resurrected"
)

// GrowthRow is one day of growth accounting for a platform. QuickRatio is
// nil when nobody churned: the ratio is undefined, not zero and not an
// error.
type GrowthRow struct {
	Date        model.Date `json:"date"`
	PlatformKey int32      `json:"platform_key"`
	NewUsers    uint64     `json:"new_users"`
	Retained    uint64     `json:"retained"`
	Resurrected uint64     `json:"resurrected"`
	Churned     uint64     `json:"churned"`
	DAU         uint64     `json:"dau"`
	NetGrowth   int64      `json:"net_growth"`
	QuickRatio  *float64   `json:"quick_ratio"`
}

// BuildGrowthAccounting computes daily growth accounting per platform over
// [start, end].
//
// Classification for a user active on (D, platform):
//   - new: signup_date = D
//   - retained: active on D-1 on the same platform
//   - resurrected: everything else (active today, idle yesterday, signed up
//     earlier)
//
// Churned for D counts users active on D-1 but not on D, on that platform.
// Activity on the day before start is consulted so the first day of the
// range classifies correctly.
func (e *Engine) BuildGrowthAccounting(ctx context.Context, start, end model.Date) ([]GrowthRow, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("growth accounting: end %s precedes start %s", end, start)
	}
	// One extra day on each side: D-1 for retained, end+0 suffices for churn
	// because churned-at-end needs end itself only.
	rows, err := e.store.FactsBetween(ctx, start.AddDays(-1), end)
	if err != nil {
		return nil, fmt.Errorf("read facts for growth accounting: %w", err)
	}
	idx, err := e.buildDimIndex(ctx)
	if err != nil {
		return nil, err
	}
	act := buildActivity(rows, idx)

	var out []GrowthRow
	for _, day := range model.DatesBetween(start, end) {
		prev := day.AddDays(-1)
		byPlatform := act[day]
		prevByPlatform := act[prev]

		platforms := make(map[int32]struct{})
		for p := range byPlatform {
			platforms[p] = struct{}{}
		}
		for p := range prevByPlatform {
			platforms[p] = struct{}{}
		}

		for platform := range platforms {
			row := GrowthRow{Date: day, PlatformKey: platform}
			for userID := range byPlatform[platform] {
				row.DAU++
				switch classify(userID, day, platform, act, idx) {
				case GrowthNew:
					row.NewUsers++
				case GrowthRetained:
					row.Retained++
				case GrowthResurrected:
					row.Resurrected++
				}
			}
			for userID := range prevByPlatform[platform] {
				if !act.active(day, platform, userID) {
					row.Churned++
				}
			}
			if row.DAU == 0 && row.Churned == 0 {
				continue
			}
			row.NetGrowth = int64(row.NewUsers) + int64(row.Resurrected) - int64(row.Churned)
			if row.Churned > 0 {
				qr := math.Round(float64(row.NewUsers+row.Resurrected)/float64(row.Churned)*100) / 100
				row.QuickRatio = &qr
			}
			out = append(out, row)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].PlatformKey < out[j].PlatformKey
	})
	return out, nil
}

func classify(userID string, day model.Date, platform int32, act activity, idx *dimIndex) GrowthClass {
	if signup, ok := idx.signupByID[userID]; ok && signup == day {
		return GrowthNew
	}
	if act.active(day.AddDays(-1), platform, userID) {
		return GrowthRetained
	}
	return GrowthResurrected
}
