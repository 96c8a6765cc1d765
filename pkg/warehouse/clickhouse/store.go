package clickhouse

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/usagelens/warehouse/pkg/model"
	"github.com/usagelens/warehouse/pkg/warehouse"
)

// Store implements warehouse.Store on ClickHouse. Dimension versions live
// in a ReplacingMergeTree keyed by user_key: closes and same-day amendments
// re-insert the row with a higher revision, and reads collapse with FINAL.
type Store struct {
	client   *Client
	logger   *zap.Logger
	revision atomic.Uint64
}

var _ warehouse.Store = (*Store)(nil)

// NewStore connects and returns a ClickHouse-backed warehouse store.
func NewStore(ctx context.Context, logger *zap.Logger, dbName string) (*Store, error) {
	client, err := NewClient(ctx, logger, dbName)
	if err != nil {
		return nil, err
	}
	s := &Store{client: client, logger: logger}
	s.revision.Store(uint64(time.Now().UnixNano()))
	return s, nil
}

func (s *Store) nextRevision() uint64 {
	return s.revision.Add(1)
}

func (s *Store) table(name string) string {
	return fmt.Sprintf(`"%s"."%s"`, s.client.Database, name)
}

func (s *Store) InitSchema(ctx context.Context, startYear, endYear int) error {
	for _, cfg := range tableConfigs() {
		if err := s.createTable(ctx, cfg); err != nil {
			return err
		}
	}
	if err := s.seedDimDate(ctx, startYear, endYear); err != nil {
		return fmt.Errorf("seed dim_date: %w", err)
	}
	if err := s.seedReferenceDims(ctx); err != nil {
		return fmt.Errorf("seed reference dimensions: %w", err)
	}
	s.logger.Info("Warehouse schema initialized",
		zap.String("database", s.client.Database),
		zap.Int("start_year", startYear),
		zap.Int("end_year", endYear))
	return nil
}

// Validate checks the SCD-2 structural invariants in SQL. Any violation is
// corruption and fatal to the run.
func (s *Store) Validate(ctx context.Context) error {
	var multiCurrent uint64
	err := s.client.QueryRow(ctx, fmt.Sprintf(`
		SELECT count() FROM (
			SELECT user_id
			FROM %s FINAL
			GROUP BY user_id
			HAVING countIf(is_current) != 1
		)`, s.table("dim_users"))).Scan(&multiCurrent)
	if err != nil {
		return fmt.Errorf("validate current versions: %w", err)
	}
	if multiCurrent > 0 {
		return fmt.Errorf("validate dim_users: %w", &warehouse.CorruptionError{
			Table:  "dim_users",
			Reason: fmt.Sprintf("%d users without exactly one current version", multiCurrent),
		})
	}

	var inverted uint64
	err = s.client.QueryRow(ctx, fmt.Sprintf(`
		SELECT count() FROM %s FINAL
		WHERE effective_to IS NOT NULL AND effective_to < effective_from`,
		s.table("dim_users"))).Scan(&inverted)
	if err != nil {
		return fmt.Errorf("validate version intervals: %w", err)
	}
	if inverted > 0 {
		return fmt.Errorf("validate dim_users: %w", &warehouse.CorruptionError{
			Table:  "dim_users",
			Reason: fmt.Sprintf("%d versions with effective_to before effective_from", inverted),
		})
	}

	var overlaps uint64
	err = s.client.QueryRow(ctx, fmt.Sprintf(`
		SELECT count() FROM (
			SELECT
				user_id,
				effective_from,
				lagInFrame(effective_to) OVER (
					PARTITION BY user_id ORDER BY effective_from
					ROWS BETWEEN 1 PRECEDING AND 1 PRECEDING
				) AS prev_to
			FROM %s FINAL
		)
		WHERE prev_to IS NOT NULL AND effective_from <= prev_to`,
		s.table("dim_users"))).Scan(&overlaps)
	if err != nil {
		return fmt.Errorf("validate version overlap: %w", err)
	}
	if overlaps > 0 {
		return fmt.Errorf("validate dim_users: %w", &warehouse.CorruptionError{
			Table:  "dim_users",
			Reason: fmt.Sprintf("%d overlapping version intervals", overlaps),
		})
	}
	return nil
}

const dimUserCols = `user_key, user_id, country, age_group, device_type, user_segment,
	signup_date, primary_platform, effective_from, effective_to, is_current`

func scanUserVersions(rows driver.Rows) ([]model.DimUser, error) {
	var out []model.DimUser
	for rows.Next() {
		var (
			v      model.DimUser
			signup time.Time
			from   time.Time
			to     *time.Time
		)
		err := rows.Scan(&v.UserKey, &v.UserID, &v.Country, &v.AgeGroup, &v.DeviceType,
			&v.UserSegment, &signup, &v.PrimaryPlatform, &from, &to, &v.IsCurrent)
		if err != nil {
			return nil, fmt.Errorf("scan dim_users row: %w", err)
		}
		v.SignupDate = model.DateOf(signup)
		v.EffectiveFrom = model.DateOf(from)
		if to != nil {
			d := model.DateOf(*to)
			v.EffectiveTo = &d
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) queryUserVersions(ctx context.Context, where string, args ...interface{}) ([]model.DimUser, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s FINAL %s ORDER BY user_id, effective_from`,
		dimUserCols, s.table("dim_users"), where)
	rows, err := s.client.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dim_users: %w", err)
	}
	defer rows.Close()
	return scanUserVersions(rows)
}

func (s *Store) CurrentUserVersion(ctx context.Context, userID string) (*model.DimUser, error) {
	versions, err := s.queryUserVersions(ctx, "WHERE user_id = ? AND is_current", userID)
	if err != nil || len(versions) == 0 {
		return nil, err
	}
	return &versions[0], nil
}

func (s *Store) UserVersionAsOf(ctx context.Context, userID string, d model.Date) (*model.DimUser, error) {
	versions, err := s.queryUserVersions(ctx,
		"WHERE user_id = ? AND effective_from <= ? AND (effective_to IS NULL OR effective_to >= ?)",
		userID, d.Time(), d.Time())
	if err != nil || len(versions) == 0 {
		return nil, err
	}
	return &versions[0], nil
}

func (s *Store) UserVersions(ctx context.Context, userID string) ([]model.DimUser, error) {
	return s.queryUserVersions(ctx, "WHERE user_id = ?", userID)
}

func (s *Store) CurrentUsers(ctx context.Context) ([]model.DimUser, error) {
	return s.queryUserVersions(ctx, "WHERE is_current")
}

func (s *Store) AllUserVersions(ctx context.Context) ([]model.DimUser, error) {
	return s.queryUserVersions(ctx, "")
}

func (s *Store) insertUserRow(ctx context.Context, v model.DimUser) error {
	batch, err := s.client.PrepareBatch(ctx,
		fmt.Sprintf(`INSERT INTO %s`, s.table("dim_users")))
	if err != nil {
		return err
	}
	defer func() { _ = batch.Close() }()

	var to *time.Time
	if v.EffectiveTo != nil {
		t := v.EffectiveTo.Time()
		to = &t
	}
	err = batch.Append(
		v.UserKey,
		v.UserID,
		v.Country,
		v.AgeGroup,
		v.DeviceType,
		v.UserSegment,
		v.SignupDate.Time(),
		v.PrimaryPlatform,
		v.EffectiveFrom.Time(),
		to,
		v.IsCurrent,
		s.nextRevision(),
	)
	if err != nil {
		_ = batch.Abort()
		return fmt.Errorf("append dim_users row: %w", err)
	}
	return batch.Send()
}

func (s *Store) InsertUserVersion(ctx context.Context, v model.DimUser) error {
	return s.insertUserRow(ctx, v)
}

func (s *Store) fetchByKey(ctx context.Context, userKey string) (*model.DimUser, error) {
	versions, err := s.queryUserVersions(ctx, "WHERE user_key = ?", userKey)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("dim_users: no version with key %s", userKey)
	}
	return &versions[0], nil
}

func (s *Store) CloseUserVersion(ctx context.Context, userKey string, effectiveTo model.Date) error {
	v, err := s.fetchByKey(ctx, userKey)
	if err != nil {
		return err
	}
	v.EffectiveTo = &effectiveTo
	v.IsCurrent = false
	return s.insertUserRow(ctx, *v)
}

func (s *Store) UpdateUserVersionAttributes(ctx context.Context, userKey string, attrs model.UserAttributes) error {
	v, err := s.fetchByKey(ctx, userKey)
	if err != nil {
		return err
	}
	v.Country = attrs.Country
	v.AgeGroup = attrs.AgeGroup
	v.DeviceType = attrs.DeviceType
	v.UserSegment = attrs.UserSegment
	v.PrimaryPlatform = attrs.PrimaryPlatform
	return s.insertUserRow(ctx, *v)
}

func (s *Store) ReplaceFactPartition(ctx context.Context, partition model.Date, rows []model.FactEvent) error {
	// Native partition drop keeps the replace atomic per partition_date.
	// Dropping a partition that does not exist yet is a no-op.
	err := s.client.Exec(ctx, fmt.Sprintf(
		`ALTER TABLE %s DROP PARTITION '%s'`, s.table("fct_events"), partition))
	if err != nil {
		return fmt.Errorf("drop fact partition %s: %w", partition, err)
	}
	if len(rows) == 0 {
		return nil
	}

	batch, err := s.client.PrepareBatch(ctx,
		fmt.Sprintf(`INSERT INTO %s`, s.table("fct_events")))
	if err != nil {
		return err
	}
	defer func() { _ = batch.Close() }()
	for _, row := range rows {
		err = batch.Append(
			row.EventID,
			row.EventTimestamp,
			row.DateKey.Time(),
			row.UserKey,
			row.PlatformKey,
			row.EventTypeKey,
			row.SessionID,
			row.Country,
			row.DeviceType,
			row.EventCount,
			row.PartitionDate.Time(),
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append fct_events row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send fct_events batch: %w", err)
	}
	s.logger.Debug("Fact partition replaced",
		zap.String("partition", partition.String()),
		zap.Int("rows", len(rows)))
	return nil
}

const factCols = `event_id, event_timestamp, date_key, user_key, platform_key,
	event_type_key, session_id, country, device_type, event_count, partition_date`

func scanFacts(rows driver.Rows) ([]model.FactEvent, error) {
	var out []model.FactEvent
	for rows.Next() {
		var (
			row       model.FactEvent
			dateKey   time.Time
			partition time.Time
		)
		err := rows.Scan(&row.EventID, &row.EventTimestamp, &dateKey, &row.UserKey,
			&row.PlatformKey, &row.EventTypeKey, &row.SessionID, &row.Country,
			&row.DeviceType, &row.EventCount, &partition)
		if err != nil {
			return nil, fmt.Errorf("scan fct_events row: %w", err)
		}
		row.DateKey = model.DateOf(dateKey)
		row.PartitionDate = model.DateOf(partition)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) FactPartition(ctx context.Context, partition model.Date) ([]model.FactEvent, error) {
	rows, err := s.client.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE partition_date = ? ORDER BY event_id`,
		factCols, s.table("fct_events")), partition.Time())
	if err != nil {
		return nil, fmt.Errorf("query fact partition: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

func (s *Store) FactsBetween(ctx context.Context, start, end model.Date) ([]model.FactEvent, error) {
	rows, err := s.client.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE date_key >= ? AND date_key <= ? ORDER BY date_key, event_id`,
		factCols, s.table("fct_events")), start.Time(), end.Time())
	if err != nil {
		return nil, fmt.Errorf("query facts between: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

func (s *Store) ReplaceDailyMetrics(ctx context.Context, dates []model.Date, rows []model.AggDailyMetric) error {
	if len(dates) == 0 {
		return nil
	}
	days := make([]time.Time, len(dates))
	for i, d := range dates {
		days[i] = d.Time()
	}
	err := s.client.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE date_key IN (?)`, s.table("agg_daily_metrics")), days)
	if err != nil {
		return fmt.Errorf("delete agg_daily_metrics: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	batch, err := s.client.PrepareBatch(ctx,
		fmt.Sprintf(`INSERT INTO %s`, s.table("agg_daily_metrics")))
	if err != nil {
		return err
	}
	defer func() { _ = batch.Close() }()
	for _, row := range rows {
		err = batch.Append(
			row.DateKey.Time(),
			row.PlatformKey,
			row.DAU,
			row.NewUsers,
			row.TotalEvents,
			row.TotalSessions,
			row.ContentCreates,
			row.Likes,
			row.Comments,
			row.Shares,
			row.MessagesSent,
			row.AdImpressions,
			row.AdClicks,
			row.AvgSessionEvents,
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append agg_daily_metrics row: %w", err)
		}
	}
	return batch.Send()
}

func (s *Store) ReplaceUserEngagement(ctx context.Context, date model.Date, rows []model.AggUserEngagement) error {
	err := s.client.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE date_key = ?`, s.table("agg_user_engagement")), date.Time())
	if err != nil {
		return fmt.Errorf("delete agg_user_engagement: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	batch, err := s.client.PrepareBatch(ctx,
		fmt.Sprintf(`INSERT INTO %s`, s.table("agg_user_engagement")))
	if err != nil {
		return err
	}
	defer func() { _ = batch.Close() }()
	for _, row := range rows {
		err = batch.Append(
			row.UserKey,
			row.DateKey.Time(),
			row.L1Active,
			row.L7Active,
			row.L28Active,
			row.L7DaysActive,
			row.L28DaysActive,
			row.TotalEventsL7,
			row.TotalEventsL28,
			row.PlatformsUsedL7,
			row.EngagementScore,
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append agg_user_engagement row: %w", err)
		}
	}
	return batch.Send()
}

func (s *Store) ReplaceRetentionCohorts(ctx context.Context, rows []model.AggRetentionCohort) error {
	err := s.client.Exec(ctx, fmt.Sprintf(
		`TRUNCATE TABLE %s`, s.table("agg_retention_cohorts")))
	if err != nil {
		return fmt.Errorf("truncate agg_retention_cohorts: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	batch, err := s.client.PrepareBatch(ctx,
		fmt.Sprintf(`INSERT INTO %s`, s.table("agg_retention_cohorts")))
	if err != nil {
		return err
	}
	defer func() { _ = batch.Close() }()
	for _, row := range rows {
		err = batch.Append(
			row.CohortWeek.Time(),
			row.PlatformKey,
			row.WeeksSinceSignup,
			row.CohortSize,
			row.RetainedUsers,
			row.RetentionRate,
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append agg_retention_cohorts row: %w", err)
		}
	}
	return batch.Send()
}

func (s *Store) DailyMetrics(ctx context.Context, date model.Date) ([]model.AggDailyMetric, error) {
	rows, err := s.client.Query(ctx, fmt.Sprintf(`
		SELECT date_key, platform_key, dau, new_users, total_events, total_sessions,
			content_creates, likes, comments, shares, messages_sent,
			ad_impressions, ad_clicks, avg_session_events
		FROM %s WHERE date_key = ? ORDER BY platform_key`,
		s.table("agg_daily_metrics")), date.Time())
	if err != nil {
		return nil, fmt.Errorf("query agg_daily_metrics: %w", err)
	}
	defer rows.Close()

	var out []model.AggDailyMetric
	for rows.Next() {
		var (
			row     model.AggDailyMetric
			dateKey time.Time
		)
		err := rows.Scan(&dateKey, &row.PlatformKey, &row.DAU, &row.NewUsers,
			&row.TotalEvents, &row.TotalSessions, &row.ContentCreates, &row.Likes,
			&row.Comments, &row.Shares, &row.MessagesSent, &row.AdImpressions,
			&row.AdClicks, &row.AvgSessionEvents)
		if err != nil {
			return nil, fmt.Errorf("scan agg_daily_metrics row: %w", err)
		}
		row.DateKey = model.DateOf(dateKey)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) UserEngagement(ctx context.Context, date model.Date) ([]model.AggUserEngagement, error) {
	rows, err := s.client.Query(ctx, fmt.Sprintf(`
		SELECT user_key, date_key, l1_active, l7_active, l28_active,
			l7_days_active, l28_days_active, total_events_l7, total_events_l28,
			platforms_used_l7, engagement_score
		FROM %s WHERE date_key = ? ORDER BY user_key`,
		s.table("agg_user_engagement")), date.Time())
	if err != nil {
		return nil, fmt.Errorf("query agg_user_engagement: %w", err)
	}
	defer rows.Close()

	var out []model.AggUserEngagement
	for rows.Next() {
		var (
			row     model.AggUserEngagement
			dateKey time.Time
		)
		err := rows.Scan(&row.UserKey, &dateKey, &row.L1Active, &row.L7Active,
			&row.L28Active, &row.L7DaysActive, &row.L28DaysActive,
			&row.TotalEventsL7, &row.TotalEventsL28, &row.PlatformsUsedL7,
			&row.EngagementScore)
		if err != nil {
			return nil, fmt.Errorf("scan agg_user_engagement row: %w", err)
		}
		row.DateKey = model.DateOf(dateKey)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) RetentionCohorts(ctx context.Context) ([]model.AggRetentionCohort, error) {
	rows, err := s.client.Query(ctx, fmt.Sprintf(`
		SELECT cohort_week, platform_key, weeks_since_signup, cohort_size,
			retained_users, retention_rate
		FROM %s ORDER BY cohort_week, platform_key, weeks_since_signup`,
		s.table("agg_retention_cohorts")))
	if err != nil {
		return nil, fmt.Errorf("query agg_retention_cohorts: %w", err)
	}
	defer rows.Close()

	var out []model.AggRetentionCohort
	for rows.Next() {
		var (
			row  model.AggRetentionCohort
			week time.Time
		)
		err := rows.Scan(&week, &row.PlatformKey, &row.WeeksSinceSignup,
			&row.CohortSize, &row.RetainedUsers, &row.RetentionRate)
		if err != nil {
			return nil, fmt.Errorf("scan agg_retention_cohorts row: %w", err)
		}
		row.CohortWeek = model.DateOf(week)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
