package model

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DimUser is one version of a user in the SCD-2 dimension. Versions are
// append-only: a version is only ever closed (EffectiveTo set), never
// deleted or rewritten.
type DimUser struct {
	UserKey         string `ch:"user_key" json:"user_key"`
	UserID          string `ch:"user_id" json:"user_id"`
	Country         string `ch:"country" json:"country"`
	AgeGroup        string `ch:"age_group" json:"age_group"`
	DeviceType      string `ch:"device_type" json:"device_type"`
	UserSegment     string `ch:"user_segment" json:"user_segment"`
	SignupDate      Date   `ch:"signup_date" json:"signup_date"`
	PrimaryPlatform string `ch:"primary_platform" json:"primary_platform"`
	EffectiveFrom   Date   `ch:"effective_from" json:"effective_from"`
	EffectiveTo     *Date  `ch:"effective_to" json:"effective_to"`
	IsCurrent       bool   `ch:"is_current" json:"is_current"`
}

// Attributes returns the tracked attribute set of this version.
func (u DimUser) Attributes() UserAttributes {
	return UserAttributes{
		Country:         u.Country,
		AgeGroup:        u.AgeGroup,
		DeviceType:      u.DeviceType,
		UserSegment:     u.UserSegment,
		PrimaryPlatform: u.PrimaryPlatform,
	}
}

// Covers reports whether the version's effective interval contains d.
// The interval is [EffectiveFrom, EffectiveTo] inclusive; a nil EffectiveTo
// is open-ended.
func (u DimUser) Covers(d Date) bool {
	if d.Before(u.EffectiveFrom) {
		return false
	}
	return u.EffectiveTo == nil || !d.After(*u.EffectiveTo)
}

// UserVersionKey derives the deterministic surrogate key for a dimension
// version. Replaying the same snapshot stream always yields the same keys,
// which keeps fact re-loads idempotent across dimension rebuilds.
func UserVersionKey(userID string, effectiveFrom Date) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(userID+"|"+effectiveFrom.String()))
}

// FactEvent is one row of fct_events after key resolution. A partition's
// rows are wholly owned by the fact merger for that partition_date.
type FactEvent struct {
	EventID        string    `ch:"event_id" json:"event_id"`
	EventTimestamp time.Time `ch:"event_timestamp" json:"event_timestamp"`
	DateKey        Date      `ch:"date_key" json:"date_key"`
	UserKey        string    `ch:"user_key" json:"user_key"`
	PlatformKey    int32     `ch:"platform_key" json:"platform_key"`
	EventTypeKey   int32     `ch:"event_type_key" json:"event_type_key"`
	SessionID      string    `ch:"session_id" json:"session_id"`
	Country        string    `ch:"country" json:"country"`
	DeviceType     string    `ch:"device_type" json:"device_type"`
	EventCount     int32     `ch:"event_count" json:"event_count"`
	PartitionDate  Date      `ch:"partition_date" json:"partition_date"`
}

// AggDailyMetric is one row of agg_daily_metrics, keyed by
// (date_key, platform_key).
type AggDailyMetric struct {
	DateKey          Date     `ch:"date_key" json:"date_key"`
	PlatformKey      int32    `ch:"platform_key" json:"platform_key"`
	DAU              uint64   `ch:"dau" json:"dau"`
	NewUsers         uint64   `ch:"new_users" json:"new_users"`
	TotalEvents      uint64   `ch:"total_events" json:"total_events"`
	TotalSessions    uint64   `ch:"total_sessions" json:"total_sessions"`
	ContentCreates   uint64   `ch:"content_creates" json:"content_creates"`
	Likes            uint64   `ch:"likes" json:"likes"`
	Comments         uint64   `ch:"comments" json:"comments"`
	Shares           uint64   `ch:"shares" json:"shares"`
	MessagesSent     uint64   `ch:"messages_sent" json:"messages_sent"`
	AdImpressions    uint64   `ch:"ad_impressions" json:"ad_impressions"`
	AdClicks         uint64   `ch:"ad_clicks" json:"ad_clicks"`
	AvgSessionEvents *float64 `ch:"avg_session_events" json:"avg_session_events"`
}

// AggUserEngagement is one row of agg_user_engagement, keyed by
// (user_key, date_key).
type AggUserEngagement struct {
	UserKey         string  `ch:"user_key" json:"user_key"`
	DateKey         Date    `ch:"date_key" json:"date_key"`
	L1Active        bool    `ch:"l1_active" json:"l1_active"`
	L7Active        bool    `ch:"l7_active" json:"l7_active"`
	L28Active       bool    `ch:"l28_active" json:"l28_active"`
	L7DaysActive    uint32  `ch:"l7_days_active" json:"l7_days_active"`
	L28DaysActive   uint32  `ch:"l28_days_active" json:"l28_days_active"`
	TotalEventsL7   uint64  `ch:"total_events_l7" json:"total_events_l7"`
	TotalEventsL28  uint64  `ch:"total_events_l28" json:"total_events_l28"`
	PlatformsUsedL7 uint32  `ch:"platforms_used_l7" json:"platforms_used_l7"`
	EngagementScore float64 `ch:"engagement_score" json:"engagement_score"`
}

// AggRetentionCohort is one row of agg_retention_cohorts, keyed by
// (cohort_week, platform_key, weeks_since_signup). RetentionRate is nil
// when the cohort is empty: an empty cohort's rate is undefined, not zero.
type AggRetentionCohort struct {
	CohortWeek       Date     `ch:"cohort_week" json:"cohort_week"`
	PlatformKey      int32    `ch:"platform_key" json:"platform_key"`
	WeeksSinceSignup int32    `ch:"weeks_since_signup" json:"weeks_since_signup"`
	CohortSize       uint64   `ch:"cohort_size" json:"cohort_size"`
	RetainedUsers    uint64   `ch:"retained_users" json:"retained_users"`
	RetentionRate    *float64 `ch:"retention_rate" json:"retention_rate"`
}
