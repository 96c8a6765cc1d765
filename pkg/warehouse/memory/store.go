// Package memory provides the in-process warehouse store. It backs single-run
// pipeline executions and every engine test; the ClickHouse store mirrors its
// semantics for durable deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/usagelens/warehouse/pkg/model"
	"github.com/usagelens/warehouse/pkg/warehouse"
)

// Store keeps all warehouse tables in memory. Safe for concurrent use; the
// fact tables tolerate partition-parallel writers because each partition's
// rows are independently owned.
type Store struct {
	mu sync.RWMutex

	dimDate    map[model.Date]model.DimDate
	userOrder  []string                    // first-observation order, for stable CurrentUsers output
	users      map[string][]model.DimUser  // natural key -> versions ordered by EffectiveFrom
	byKey      map[string]*versionRef      // surrogate key -> position in users
	facts      map[model.Date][]model.FactEvent
	daily      map[model.Date][]model.AggDailyMetric
	engagement map[model.Date][]model.AggUserEngagement
	cohorts    []model.AggRetentionCohort

	initialized bool
}

type versionRef struct {
	userID string
	idx    int
}

// New returns an empty warehouse store.
func New() *Store {
	return &Store{
		dimDate:    make(map[model.Date]model.DimDate),
		users:      make(map[string][]model.DimUser),
		byKey:      make(map[string]*versionRef),
		facts:      make(map[model.Date][]model.FactEvent),
		daily:      make(map[model.Date][]model.AggDailyMetric),
		engagement: make(map[model.Date][]model.AggUserEngagement),
	}
}

var _ warehouse.Store = (*Store)(nil)

func (s *Store) InitSchema(_ context.Context, startYear, endYear int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if endYear < startYear {
		return &warehouse.CorruptionError{Table: "dim_date", Reason: fmt.Sprintf("invalid year range [%d, %d]", startYear, endYear)}
	}
	start := model.NewDate(startYear, 1, 1)
	end := model.NewDate(endYear, 12, 31)
	for d := start; !d.After(end); d = d.AddDays(1) {
		if _, ok := s.dimDate[d]; !ok {
			s.dimDate[d] = model.BuildDimDate(d)
		}
	}
	s.initialized = true
	return nil
}

func (s *Store) Validate(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized || len(s.dimDate) == 0 {
		return &warehouse.CorruptionError{Table: "dim_date", Reason: "reference dimensions not seeded"}
	}
	for userID, versions := range s.users {
		current := 0
		for i, v := range versions {
			if v.IsCurrent {
				current++
				if v.EffectiveTo != nil {
					return &warehouse.CorruptionError{
						Table:  "dim_users",
						Reason: fmt.Sprintf("user %s has a closed version flagged current", userID),
					}
				}
			}
			if i > 0 {
				prev := versions[i-1]
				if prev.EffectiveTo == nil || !prev.EffectiveTo.AddDays(1).Time().Equal(v.EffectiveFrom.Time()) {
					return &warehouse.CorruptionError{
						Table:  "dim_users",
						Reason: fmt.Sprintf("user %s has a gap or overlap before version starting %s", userID, v.EffectiveFrom),
					}
				}
			}
		}
		if current != 1 {
			return &warehouse.CorruptionError{
				Table:  "dim_users",
				Reason: fmt.Sprintf("user %s has %d current versions", userID, current),
			}
		}
	}
	return nil
}

func (s *Store) CurrentUserVersion(_ context.Context, userID string) (*model.DimUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.users[userID] {
		if v.IsCurrent {
			out := v
			return &out, nil
		}
	}
	return nil, nil
}

func (s *Store) UserVersionAsOf(_ context.Context, userID string, d model.Date) (*model.DimUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.users[userID] {
		if v.Covers(d) {
			out := v
			return &out, nil
		}
	}
	return nil, nil
}

func (s *Store) UserVersions(_ context.Context, userID string) ([]model.DimUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.users[userID]
	out := make([]model.DimUser, len(versions))
	copy(out, versions)
	return out, nil
}

func (s *Store) CurrentUsers(_ context.Context) ([]model.DimUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.DimUser, 0, len(s.users))
	for _, userID := range s.userOrder {
		for _, v := range s.users[userID] {
			if v.IsCurrent {
				out = append(out, v)
			}
		}
	}
	return out, nil
}

func (s *Store) AllUserVersions(_ context.Context) ([]model.DimUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.DimUser
	for _, userID := range s.userOrder {
		out = append(out, s.users[userID]...)
	}
	return out, nil
}

func (s *Store) InsertUserVersion(_ context.Context, v model.DimUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byKey[v.UserKey]; exists {
		return fmt.Errorf("insert user version: surrogate key %s already present", v.UserKey)
	}
	if _, known := s.users[v.UserID]; !known {
		s.userOrder = append(s.userOrder, v.UserID)
	}
	s.users[v.UserID] = append(s.users[v.UserID], v)
	versions := s.users[v.UserID]
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].EffectiveFrom.Before(versions[j].EffectiveFrom)
	})
	s.reindexUser(v.UserID)
	return nil
}

func (s *Store) CloseUserVersion(_ context.Context, userKey string, effectiveTo model.Date) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.byKey[userKey]
	if !ok {
		return fmt.Errorf("close user version: unknown surrogate key %s", userKey)
	}
	v := &s.users[ref.userID][ref.idx]
	to := effectiveTo
	v.EffectiveTo = &to
	v.IsCurrent = false
	return nil
}

func (s *Store) UpdateUserVersionAttributes(_ context.Context, userKey string, attrs model.UserAttributes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.byKey[userKey]
	if !ok {
		return fmt.Errorf("update user version: unknown surrogate key %s", userKey)
	}
	v := &s.users[ref.userID][ref.idx]
	v.Country = attrs.Country
	v.AgeGroup = attrs.AgeGroup
	v.DeviceType = attrs.DeviceType
	v.UserSegment = attrs.UserSegment
	v.PrimaryPlatform = attrs.PrimaryPlatform
	return nil
}

func (s *Store) reindexUser(userID string) {
	for i, v := range s.users[userID] {
		s.byKey[v.UserKey] = &versionRef{userID: userID, idx: i}
	}
}

func (s *Store) ReplaceFactPartition(_ context.Context, partition model.Date, rows []model.FactEvent) error {
	out := make([]model.FactEvent, len(rows))
	copy(out, rows)
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(out) == 0 {
		delete(s.facts, partition)
		return nil
	}
	s.facts[partition] = out
	return nil
}

func (s *Store) FactPartition(_ context.Context, partition model.Date) ([]model.FactEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.facts[partition]
	out := make([]model.FactEvent, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *Store) FactsBetween(_ context.Context, start, end model.Date) ([]model.FactEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	partitions := make([]model.Date, 0, len(s.facts))
	for p := range s.facts {
		if !p.Before(start) && !p.After(end) {
			partitions = append(partitions, p)
		}
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i].Before(partitions[j]) })
	var out []model.FactEvent
	for _, p := range partitions {
		for _, row := range s.facts[p] {
			if !row.DateKey.Before(start) && !row.DateKey.After(end) {
				out = append(out, row)
			}
		}
	}
	return out, nil
}

func (s *Store) ReplaceDailyMetrics(_ context.Context, dates []model.Date, rows []model.AggDailyMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range dates {
		delete(s.daily, d)
	}
	for _, row := range rows {
		s.daily[row.DateKey] = append(s.daily[row.DateKey], row)
	}
	for d := range s.daily {
		rows := s.daily[d]
		sort.Slice(rows, func(i, j int) bool { return rows[i].PlatformKey < rows[j].PlatformKey })
	}
	return nil
}

func (s *Store) ReplaceUserEngagement(_ context.Context, date model.Date, rows []model.AggUserEngagement) error {
	out := make([]model.AggUserEngagement, len(rows))
	copy(out, rows)
	sort.Slice(out, func(i, j int) bool { return out[i].UserKey < out[j].UserKey })

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(out) == 0 {
		delete(s.engagement, date)
		return nil
	}
	s.engagement[date] = out
	return nil
}

func (s *Store) ReplaceRetentionCohorts(_ context.Context, rows []model.AggRetentionCohort) error {
	out := make([]model.AggRetentionCohort, len(rows))
	copy(out, rows)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CohortWeek.Time().Equal(out[j].CohortWeek.Time()) {
			return out[i].CohortWeek.Before(out[j].CohortWeek)
		}
		if out[i].PlatformKey != out[j].PlatformKey {
			return out[i].PlatformKey < out[j].PlatformKey
		}
		return out[i].WeeksSinceSignup < out[j].WeeksSinceSignup
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cohorts = out
	return nil
}

func (s *Store) DailyMetrics(_ context.Context, date model.Date) ([]model.AggDailyMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.daily[date]
	out := make([]model.AggDailyMetric, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *Store) UserEngagement(_ context.Context, date model.Date) ([]model.AggUserEngagement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.engagement[date]
	out := make([]model.AggUserEngagement, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *Store) RetentionCohorts(_ context.Context) ([]model.AggRetentionCohort, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AggRetentionCohort, len(s.cohorts))
	copy(out, s.cohorts)
	return out, nil
}

func (s *Store) Close() error {
	return nil
}
