package model

import (
	"fmt"
	"time"
)

// RawEvent is one observed interaction as delivered by the raw reader.
// Immutable, externally sourced.
type RawEvent struct {
	EventID    string    `json:"event_id"`
	Timestamp  time.Time `json:"event_timestamp"`
	UserID     string    `json:"user_id"`
	Platform   string    `json:"platform"`
	EventType  string    `json:"event_type"`
	SessionID  string    `json:"session_id"`
	Country    string    `json:"country"`
	DeviceType string    `json:"device_type"`
}

// RawUserSnapshot is a user's attribute state as of a given date.
// Immutable, externally sourced.
type RawUserSnapshot struct {
	UserID          string `json:"user_id"`
	Country         string `json:"country"`
	AgeGroup        string `json:"age_group"`
	DeviceType      string `json:"device_type"`
	UserSegment     string `json:"user_segment"`
	SignupDate      Date   `json:"signup_date"`
	PrimaryPlatform string `json:"primary_platform"`
	ObservedDate    Date   `json:"observed_date"`
}

// Attributes returns the tracked attribute set used to decide whether a
// snapshot opens a new dimension version.
func (s RawUserSnapshot) Attributes() UserAttributes {
	return UserAttributes{
		Country:         s.Country,
		AgeGroup:        s.AgeGroup,
		DeviceType:      s.DeviceType,
		UserSegment:     s.UserSegment,
		PrimaryPlatform: s.PrimaryPlatform,
	}
}

// UserAttributes is the tracked attribute set of the user dimension.
// Comparable; two snapshots with equal UserAttributes never create a new
// version.
type UserAttributes struct {
	Country         string
	AgeGroup        string
	DeviceType      string
	UserSegment     string
	PrimaryPlatform string
}

// EventCategory is the closed set of event categories. Dispatch on event
// category is always over these constants, never over raw strings, so a new
// category is a compile-time-checked addition.
type EventCategory string

const (
	CategorySession      EventCategory = "session"
	CategoryContent      EventCategory = "content"
	CategoryEngagement   EventCategory = "engagement"
	CategoryMonetization EventCategory = "monetization"
	CategoryDiscovery    EventCategory = "discovery"
)

// EventTypeDef is one row of the dim_event_type reference dimension.
type EventTypeDef struct {
	EventTypeKey  int32         `ch:"event_type_key" json:"event_type_key"`
	EventTypeName string        `ch:"event_type_name" json:"event_type_name"`
	EventCategory EventCategory `ch:"event_category" json:"event_category"`
	// IsActiveEvent marks events that qualify a user as active for
	// DAU/WAU/MAU purposes. Session teardown does not.
	IsActiveEvent bool `ch:"is_active_event" json:"is_active_event"`
}

// EventTypeCatalog is the closed event-type dimension, in surrogate-key
// order. Keys are stable: appending is the only allowed change.
var EventTypeCatalog = []EventTypeDef{
	{1, "app_open", CategorySession, true},
	{2, "content_view", CategoryContent, true},
	{3, "content_create", CategoryContent, true},
	{4, "like", CategoryEngagement, true},
	{5, "comment", CategoryEngagement, true},
	{6, "share", CategoryEngagement, true},
	{7, "message_sent", CategoryEngagement, true},
	{8, "story_view", CategoryContent, true},
	{9, "story_create", CategoryContent, true},
	{10, "ad_impression", CategoryMonetization, true},
	{11, "ad_click", CategoryMonetization, true},
	{12, "search", CategoryDiscovery, true},
	{13, "profile_view", CategoryDiscovery, true},
	{14, "notification_open", CategoryDiscovery, true},
	{15, "session_end", CategorySession, false},
}

// PlatformDef is one row of the dim_platform reference dimension.
type PlatformDef struct {
	PlatformKey    int32  `ch:"platform_key" json:"platform_key"`
	PlatformName   string `ch:"platform_name" json:"platform_name"`
	PlatformFamily string `ch:"platform_family" json:"platform_family"`
}

// PlatformCatalog is the closed platform dimension, in surrogate-key order.
var PlatformCatalog = []PlatformDef{
	{1, "facebook", "social"},
	{2, "instagram", "social"},
	{3, "messenger", "messaging"},
	{4, "whatsapp", "messaging"},
	{5, "threads", "social"},
}

var (
	eventTypeByName = func() map[string]EventTypeDef {
		m := make(map[string]EventTypeDef, len(EventTypeCatalog))
		for _, et := range EventTypeCatalog {
			m[et.EventTypeName] = et
		}
		return m
	}()
	platformByName = func() map[string]PlatformDef {
		m := make(map[string]PlatformDef, len(PlatformCatalog))
		for _, p := range PlatformCatalog {
			m[p.PlatformName] = p
		}
		return m
	}()
)

// LookupEventType resolves an event type name against the closed catalog.
func LookupEventType(name string) (EventTypeDef, error) {
	et, ok := eventTypeByName[name]
	if !ok {
		return EventTypeDef{}, fmt.Errorf("unknown event type %q", name)
	}
	return et, nil
}

// LookupPlatform resolves a platform name against the closed catalog.
func LookupPlatform(name string) (PlatformDef, error) {
	p, ok := platformByName[name]
	if !ok {
		return PlatformDef{}, fmt.Errorf("unknown platform %q", name)
	}
	return p, nil
}
