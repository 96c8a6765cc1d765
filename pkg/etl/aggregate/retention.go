package aggregate

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/usagelens/warehouse/pkg/model"
)

// BuildRetentionCohorts computes the full weekly retention matrix from all
// stored facts. Users are grouped by the Monday of their signup week and by
// the platform they were active on; week offsets are whole weeks elapsed
// between cohort start and activity date. RetentionRate is nil for an empty
// cohort rather than a division by zero.
func (e *Engine) BuildRetentionCohorts(ctx context.Context) ([]model.AggRetentionCohort, error) {
	idx, err := e.buildDimIndex(ctx)
	if err != nil {
		return nil, err
	}

	// Cohort sizes come from the dimension, not from facts: a user who
	// signed up and never produced a qualifying event still dilutes the
	// cohort's retention rate.
	cohortSize := make(map[model.Date]uint64)
	cohortOf := make(map[string]model.Date, len(idx.signupByID))
	for userID, signup := range idx.signupByID {
		week := signup.WeekStart()
		cohortOf[userID] = week
		cohortSize[week]++
	}
	if len(cohortSize) == 0 {
		return nil, nil
	}

	var earliest model.Date
	for week := range cohortSize {
		if earliest.IsZero() || week.Before(earliest) {
			earliest = week
		}
	}
	rows, err := e.store.FactsBetween(ctx, earliest, model.DateOf(e.now()))
	if err != nil {
		return nil, fmt.Errorf("read facts for retention cohorts: %w", err)
	}
	act := buildActivity(rows, idx)

	type cell struct {
		cohort   model.Date
		platform int32
		week     int32
	}
	retained := make(map[cell]map[string]struct{})
	for day, byPlatform := range act {
		for platform, users := range byPlatform {
			for userID := range users {
				cohort, ok := cohortOf[userID]
				if !ok {
					continue
				}
				days := day.DaysSince(cohort)
				if days < 0 {
					continue
				}
				c := cell{cohort: cohort, platform: platform, week: int32(days / 7)}
				if retained[c] == nil {
					retained[c] = make(map[string]struct{})
				}
				retained[c][userID] = struct{}{}
			}
		}
	}

	out := make([]model.AggRetentionCohort, 0, len(retained))
	for c, users := range retained {
		row := model.AggRetentionCohort{
			CohortWeek:       c.cohort,
			PlatformKey:      c.platform,
			WeeksSinceSignup: c.week,
			CohortSize:       cohortSize[c.cohort],
			RetainedUsers:    uint64(len(users)),
		}
		if row.CohortSize > 0 {
			rate := math.Round(float64(row.RetainedUsers)/float64(row.CohortSize)*10000) / 10000
			row.RetentionRate = &rate
		}
		out = append(out, row)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CohortWeek != out[j].CohortWeek {
			return out[i].CohortWeek.Before(out[j].CohortWeek)
		}
		if out[i].PlatformKey != out[j].PlatformKey {
			return out[i].PlatformKey < out[j].PlatformKey
		}
		return out[i].WeeksSinceSignup < out[j].WeeksSinceSignup
	})
	return out, nil
}
