package clickhouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/usagelens/warehouse/pkg/model"
)

// ColumnDef is the single source of truth for a table column.
type ColumnDef struct {
	Name  string
	Type  string
	Codec string
}

func (c ColumnDef) SQL() string {
	if c.Codec != "" {
		return fmt.Sprintf("%s %s CODEC(%s)", c.Name, c.Type, c.Codec)
	}
	return fmt.Sprintf("%s %s", c.Name, c.Type)
}

func columnsSQL(cols []ColumnDef) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c.SQL()
	}
	return strings.Join(parts, ",\n\t\t\t")
}

// tableConfig describes one warehouse table. PartitionBy is only set for
// the fact table, whose loads map onto native partition replacement.
type tableConfig struct {
	Name        string
	Columns     []ColumnDef
	OrderBy     []string
	PartitionBy string
}

var dimDateColumns = []ColumnDef{
	{Name: "date_key", Type: "Date"},
	{Name: "year", Type: "Int32"},
	{Name: "quarter", Type: "Int8"},
	{Name: "month", Type: "Int8"},
	{Name: "month_name", Type: "LowCardinality(String)"},
	{Name: "week_of_year", Type: "Int8"},
	{Name: "day_of_month", Type: "Int8"},
	{Name: "day_of_week", Type: "Int8"},
	{Name: "day_name", Type: "LowCardinality(String)"},
	{Name: "is_weekend", Type: "Bool"},
	{Name: "fiscal_quarter", Type: "Int8"},
}

var dimUsersColumns = []ColumnDef{
	{Name: "user_key", Type: "String", Codec: "ZSTD(1)"},
	{Name: "user_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "country", Type: "LowCardinality(String)"},
	{Name: "age_group", Type: "LowCardinality(String)"},
	{Name: "device_type", Type: "LowCardinality(String)"},
	{Name: "user_segment", Type: "LowCardinality(String)"},
	{Name: "signup_date", Type: "Date"},
	{Name: "primary_platform", Type: "LowCardinality(String)"},
	{Name: "effective_from", Type: "Date"},
	{Name: "effective_to", Type: "Nullable(Date)"},
	{Name: "is_current", Type: "Bool"},
	// Version column for ReplacingMergeTree: in-place amendments and
	// version closes are modeled as row replacements with a higher revision.
	{Name: "revision", Type: "UInt64"},
}

var dimPlatformColumns = []ColumnDef{
	{Name: "platform_key", Type: "Int32"},
	{Name: "platform_name", Type: "LowCardinality(String)"},
	{Name: "platform_family", Type: "LowCardinality(String)"},
}

var dimEventTypeColumns = []ColumnDef{
	{Name: "event_type_key", Type: "Int32"},
	{Name: "event_type_name", Type: "LowCardinality(String)"},
	{Name: "event_category", Type: "LowCardinality(String)"},
	{Name: "is_active_event", Type: "Bool"},
}

var fctEventsColumns = []ColumnDef{
	{Name: "event_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "event_timestamp", Type: "DateTime64(6)", Codec: "Delta, ZSTD(3)"},
	{Name: "date_key", Type: "Date"},
	{Name: "user_key", Type: "String", Codec: "ZSTD(1)"},
	{Name: "platform_key", Type: "Int32"},
	{Name: "event_type_key", Type: "Int32"},
	{Name: "session_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "country", Type: "LowCardinality(String)"},
	{Name: "device_type", Type: "LowCardinality(String)"},
	{Name: "event_count", Type: "Int32"},
	{Name: "partition_date", Type: "Date"},
}

var aggDailyMetricsColumns = []ColumnDef{
	{Name: "date_key", Type: "Date"},
	{Name: "platform_key", Type: "Int32"},
	{Name: "dau", Type: "UInt64"},
	{Name: "new_users", Type: "UInt64"},
	{Name: "total_events", Type: "UInt64"},
	{Name: "total_sessions", Type: "UInt64"},
	{Name: "content_creates", Type: "UInt64"},
	{Name: "likes", Type: "UInt64"},
	{Name: "comments", Type: "UInt64"},
	{Name: "shares", Type: "UInt64"},
	{Name: "messages_sent", Type: "UInt64"},
	{Name: "ad_impressions", Type: "UInt64"},
	{Name: "ad_clicks", Type: "UInt64"},
	{Name: "avg_session_events", Type: "Nullable(Float64)"},
}

var aggUserEngagementColumns = []ColumnDef{
	{Name: "user_key", Type: "String", Codec: "ZSTD(1)"},
	{Name: "date_key", Type: "Date"},
	{Name: "l1_active", Type: "Bool"},
	{Name: "l7_active", Type: "Bool"},
	{Name: "l28_active", Type: "Bool"},
	{Name: "l7_days_active", Type: "UInt32"},
	{Name: "l28_days_active", Type: "UInt32"},
	{Name: "total_events_l7", Type: "UInt64"},
	{Name: "total_events_l28", Type: "UInt64"},
	{Name: "platforms_used_l7", Type: "UInt32"},
	{Name: "engagement_score", Type: "Float64"},
}

var aggRetentionCohortsColumns = []ColumnDef{
	{Name: "cohort_week", Type: "Date"},
	{Name: "platform_key", Type: "Int32"},
	{Name: "weeks_since_signup", Type: "Int32"},
	{Name: "cohort_size", Type: "UInt64"},
	{Name: "retained_users", Type: "UInt64"},
	{Name: "retention_rate", Type: "Nullable(Float64)"},
}

func tableConfigs() []tableConfig {
	return []tableConfig{
		{Name: "dim_date", Columns: dimDateColumns, OrderBy: []string{"date_key"}},
		{Name: "dim_users", Columns: dimUsersColumns, OrderBy: []string{"user_key"}},
		{Name: "dim_platform", Columns: dimPlatformColumns, OrderBy: []string{"platform_key"}},
		{Name: "dim_event_type", Columns: dimEventTypeColumns, OrderBy: []string{"event_type_key"}},
		{Name: "fct_events", Columns: fctEventsColumns, OrderBy: []string{"partition_date", "event_id"}, PartitionBy: "partition_date"},
		{Name: "agg_daily_metrics", Columns: aggDailyMetricsColumns, OrderBy: []string{"date_key", "platform_key"}},
		{Name: "agg_user_engagement", Columns: aggUserEngagementColumns, OrderBy: []string{"date_key", "user_key"}},
		{Name: "agg_retention_cohorts", Columns: aggRetentionCohortsColumns, OrderBy: []string{"cohort_week", "platform_key", "weeks_since_signup"}},
	}
}

func (s *Store) createTable(ctx context.Context, cfg tableConfig) error {
	engine := "MergeTree"
	if cfg.Name == "dim_users" {
		engine = "ReplacingMergeTree(revision)"
	}
	partition := ""
	if cfg.PartitionBy != "" {
		partition = fmt.Sprintf("\n\t\tPARTITION BY %s", cfg.PartitionBy)
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			%s
		) ENGINE = %s%s
		ORDER BY (%s)
	`, s.client.Database, cfg.Name, columnsSQL(cfg.Columns), engine, partition, strings.Join(cfg.OrderBy, ", "))

	if err := s.client.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", cfg.Name, err)
	}
	return nil
}

// seedDimDate populates dim_date for [startYear, endYear]. Rows are
// deterministic, so re-seeding replaces with identical content.
func (s *Store) seedDimDate(ctx context.Context, startYear, endYear int) error {
	if err := s.client.Exec(ctx,
		fmt.Sprintf(`TRUNCATE TABLE "%s".dim_date`, s.client.Database)); err != nil {
		return fmt.Errorf("truncate dim_date: %w", err)
	}
	batch, err := s.client.PrepareBatch(ctx,
		fmt.Sprintf(`INSERT INTO "%s".dim_date`, s.client.Database))
	if err != nil {
		return err
	}
	defer func() { _ = batch.Close() }()

	start := model.NewDate(startYear, 1, 1)
	end := model.NewDate(endYear, 12, 31)
	for _, d := range model.DatesBetween(start, end) {
		row := model.BuildDimDate(d)
		err = batch.Append(
			row.DateKey.Time(),
			row.Year,
			row.Quarter,
			row.Month,
			row.MonthName,
			row.WeekOfYear,
			row.DayOfMonth,
			row.DayOfWeek,
			row.DayName,
			row.IsWeekend,
			row.FiscalQuarter,
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append dim_date row: %w", err)
		}
	}
	return batch.Send()
}

func (s *Store) seedReferenceDims(ctx context.Context) error {
	if err := s.client.Exec(ctx,
		fmt.Sprintf(`TRUNCATE TABLE "%s".dim_platform`, s.client.Database)); err != nil {
		return fmt.Errorf("truncate dim_platform: %w", err)
	}
	batch, err := s.client.PrepareBatch(ctx,
		fmt.Sprintf(`INSERT INTO "%s".dim_platform`, s.client.Database))
	if err != nil {
		return err
	}
	defer func() { _ = batch.Close() }()
	for _, p := range model.PlatformCatalog {
		if err := batch.Append(p.PlatformKey, p.PlatformName, p.PlatformFamily); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append dim_platform row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return err
	}

	if err := s.client.Exec(ctx,
		fmt.Sprintf(`TRUNCATE TABLE "%s".dim_event_type`, s.client.Database)); err != nil {
		return fmt.Errorf("truncate dim_event_type: %w", err)
	}
	batch, err = s.client.PrepareBatch(ctx,
		fmt.Sprintf(`INSERT INTO "%s".dim_event_type`, s.client.Database))
	if err != nil {
		return err
	}
	defer func() { _ = batch.Close() }()
	for _, et := range model.EventTypeCatalog {
		if err := batch.Append(et.EventTypeKey, et.EventTypeName, string(et.EventCategory), et.IsActiveEvent); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append dim_event_type row: %w", err)
		}
	}
	return batch.Send()
}
