package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2025-03-15")
	require.NoError(t, err)
	assert.Equal(t, NewDate(2025, time.March, 15), d)

	_, err = ParseDate("15/03/2025")
	assert.Error(t, err)
}

func TestDateArithmetic(t *testing.T) {
	d := NewDate(2025, time.January, 31)
	assert.Equal(t, NewDate(2025, time.February, 1), d.AddDays(1))
	assert.Equal(t, NewDate(2025, time.January, 1), d.AddDays(-30))
	assert.Equal(t, 30, d.DaysSince(NewDate(2025, time.January, 1)))
	assert.Equal(t, -1, d.DaysSince(NewDate(2025, time.February, 1)))
}

func TestWeekStart(t *testing.T) {
	// 2025-03-10 is a Monday.
	monday := NewDate(2025, time.March, 10)
	assert.Equal(t, monday, monday.WeekStart())
	assert.Equal(t, monday, NewDate(2025, time.March, 12).WeekStart())
	// Sunday belongs to the week that started the previous Monday.
	assert.Equal(t, monday, NewDate(2025, time.March, 16).WeekStart())
	assert.Equal(t, monday.AddDays(7), NewDate(2025, time.March, 17).WeekStart())
}

func TestDatesBetween(t *testing.T) {
	start := NewDate(2025, time.February, 27)
	days := DatesBetween(start, NewDate(2025, time.March, 2))
	require.Len(t, days, 4)
	assert.Equal(t, start, days[0])
	assert.Equal(t, NewDate(2025, time.March, 2), days[3])

	assert.Nil(t, DatesBetween(start, start.AddDays(-1)))
	assert.Equal(t, []Date{start}, DatesBetween(start, start))
}

func TestBuildDimDate(t *testing.T) {
	// 2025-02-01 is a Saturday in fiscal Q1 (fiscal year starts February).
	row := BuildDimDate(NewDate(2025, time.February, 1))
	assert.Equal(t, int8(6), row.DayOfWeek)
	assert.True(t, row.IsWeekend)
	assert.Equal(t, int8(1), row.Quarter)
	assert.Equal(t, int8(1), row.FiscalQuarter)

	// January falls in fiscal Q4 of the prior fiscal year.
	jan := BuildDimDate(NewDate(2025, time.January, 15))
	assert.Equal(t, int8(4), jan.FiscalQuarter)
	assert.Equal(t, int8(3), jan.DayOfWeek) // Wednesday
	assert.False(t, jan.IsWeekend)

	// May starts fiscal Q2.
	may := BuildDimDate(NewDate(2025, time.May, 1))
	assert.Equal(t, int8(2), may.FiscalQuarter)
	assert.Equal(t, int8(2), may.Quarter)
}

func TestDateJSONRoundTrip(t *testing.T) {
	d := NewDate(2025, time.March, 10)
	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"2025-03-10"`, string(b))

	var got Date
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, d, got)

	b, err = json.Marshal(Date{})
	require.NoError(t, err)
	assert.Equal(t, `""`, string(b))
	require.NoError(t, json.Unmarshal(b, &got))
	assert.True(t, got.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`"10/03/2025"`), &got))
}

func TestUserVersionKeyDeterministic(t *testing.T) {
	from := NewDate(2025, time.January, 1)
	k1 := UserVersionKey("user-1", from)
	k2 := UserVersionKey("user-1", from)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 16)
	assert.NotEqual(t, k1, UserVersionKey("user-1", from.AddDays(1)))
	assert.NotEqual(t, k1, UserVersionKey("user-2", from))
}

func TestDimUserCovers(t *testing.T) {
	to := NewDate(2025, time.January, 31)
	closed := DimUser{EffectiveFrom: NewDate(2025, time.January, 1), EffectiveTo: &to}
	assert.True(t, closed.Covers(NewDate(2025, time.January, 1)))
	assert.True(t, closed.Covers(to))
	assert.False(t, closed.Covers(to.AddDays(1)))
	assert.False(t, closed.Covers(NewDate(2024, time.December, 31)))

	open := DimUser{EffectiveFrom: NewDate(2025, time.February, 1)}
	assert.True(t, open.Covers(NewDate(2030, time.June, 1)))
	assert.False(t, open.Covers(NewDate(2025, time.January, 31)))
}

func TestCatalogLookups(t *testing.T) {
	et, err := LookupEventType("session_end")
	require.NoError(t, err)
	assert.False(t, et.IsActiveEvent)
	assert.Equal(t, CategorySession, et.EventCategory)

	_, err = LookupEventType("page_view")
	assert.Error(t, err)

	p, err := LookupPlatform("whatsapp")
	require.NoError(t, err)
	assert.Equal(t, "messaging", p.PlatformFamily)

	_, err = LookupPlatform("tiktok")
	assert.Error(t, err)
}
