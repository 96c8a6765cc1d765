package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Date is a calendar day with no time-of-day or zone component. It is
// comparable and safe as a map key, which the aggregation engine relies on
// heavily for grouping by day.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

// NewDate builds a Date from its components, normalizing overflow the same
// way time.Date does (so NewDate(2025, 1, 32) is 2025-02-01).
func NewDate(year int, month time.Month, day int) Date {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// DateOf truncates an instant to its UTC calendar day.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return Date{Year: u.Year(), Month: u.Month(), Day: u.Day()}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) String() string {
	return d.Time().Format(dateLayout)
}

func (d Date) IsZero() bool {
	return d == Date{}
}

func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

func (d Date) Before(other Date) bool {
	return d.Time().Before(other.Time())
}

func (d Date) After(other Date) bool {
	return d.Time().After(other.Time())
}

// MarshalJSON renders the day as "YYYY-MM-DD". The zero Date renders as the
// empty string.
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return json.Marshal("")
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DaysSince returns the signed number of whole days from other to d.
func (d Date) DaysSince(other Date) int {
	return int(d.Time().Sub(other.Time()) / (24 * time.Hour))
}

// WeekStart returns the Monday of the ISO week containing d. Retention
// cohorts are keyed by this value.
func (d Date) WeekStart() Date {
	wd := int(d.Time().Weekday())
	if wd == 0 {
		wd = 7 // Sunday belongs to the week that started the previous Monday
	}
	return d.AddDays(1 - wd)
}

// DatesBetween returns every day from start to end inclusive, in order.
// Returns nil when end precedes start.
func DatesBetween(start, end Date) []Date {
	if end.Before(start) {
		return nil
	}
	n := end.DaysSince(start) + 1
	out := make([]Date, 0, n)
	for d := start; !d.After(end); d = d.AddDays(1) {
		out = append(out, d)
	}
	return out
}

// DimDate is one row of the dim_date reference dimension.
type DimDate struct {
	DateKey       Date   `ch:"date_key" json:"date_key"`
	Year          int32  `ch:"year" json:"year"`
	Quarter       int8   `ch:"quarter" json:"quarter"`
	Month         int8   `ch:"month" json:"month"`
	MonthName     string `ch:"month_name" json:"month_name"`
	WeekOfYear    int8   `ch:"week_of_year" json:"week_of_year"`
	DayOfMonth    int8   `ch:"day_of_month" json:"day_of_month"`
	DayOfWeek     int8   `ch:"day_of_week" json:"day_of_week"`
	DayName       string `ch:"day_name" json:"day_name"`
	IsWeekend     bool   `ch:"is_weekend" json:"is_weekend"`
	FiscalQuarter int8   `ch:"fiscal_quarter" json:"fiscal_quarter"`
}

// BuildDimDate derives the full dim_date row for a day. Day-of-week is
// ISO (Monday=1..Sunday=7). The fiscal year starts in February, so
// FQ1 covers Feb-Apr.
func BuildDimDate(d Date) DimDate {
	t := d.Time()
	_, week := t.ISOWeek()
	dow := int8(t.Weekday())
	if dow == 0 {
		dow = 7
	}
	fiscalMonth := (int(d.Month)+10)%12 + 1 // Feb -> 1, Jan -> 12
	return DimDate{
		DateKey:       d,
		Year:          int32(d.Year),
		Quarter:       int8((int(d.Month)-1)/3 + 1),
		Month:         int8(d.Month),
		MonthName:     d.Month.String(),
		WeekOfYear:    int8(week),
		DayOfMonth:    int8(d.Day),
		DayOfWeek:     dow,
		DayName:       t.Weekday().String(),
		IsWeekend:     dow >= 6,
		FiscalQuarter: int8((fiscalMonth-1)/3 + 1),
	}
}
