// Package rollup owns the hourly and daily aggregate tables. Both refresh
// through the partition replace protocol with the aggregation SELECT feeding
// the insert, so a rollup window is recomputed and published in one
// transaction.
package rollup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sensorlake/sensorlake/pkg/lake"
	"github.com/sensorlake/sensorlake/pkg/store/events"
)

const (
	HourlyTableName = "hourly_aggregates"
	DailyTableName  = "daily_aggregates"

	// DailyWindowDays is the trailing window recomputed on every run, wide
	// enough to re-absorb late-arriving events without a manual backfill.
	DailyWindowDays = 7
)

type StoreConfig struct {
	Logger *slog.Logger
	DB     lake.DB
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	return nil
}

type Store struct {
	log *slog.Logger
	cfg StoreConfig
	db  lake.DB
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log: cfg.Logger,
		cfg: cfg,
		db:  cfg.DB,
	}, nil
}

func aggregateColumns() []string {
	return []string{
		"period_start:TIMESTAMP",
		"source:VARCHAR",
		"native_sensor_id:VARCHAR",
		"metric_name:VARCHAR",
		"avg_value:DOUBLE",
		"min_value:DOUBLE",
		"max_value:DOUBLE",
		"sample_count:BIGINT",
		"latitude:DOUBLE",
		"longitude:DOUBLE",
	}
}

// TableConfigHourlyAggregates returns the table config for hourly rollups.
func TableConfigHourlyAggregates() lake.TableConfig {
	return lake.TableConfig{
		Name:            HourlyTableName,
		PartitionByTime: true,
		TimeColumn:      "period_start",
		Columns:         aggregateColumns(),
	}
}

// TableConfigDailyAggregates returns the table config for daily rollups.
func TableConfigDailyAggregates() lake.TableConfig {
	return lake.TableConfig{
		Name:            DailyTableName,
		PartitionByTime: true,
		TimeColumn:      "period_start",
		Columns:         aggregateColumns(),
	}
}

func (s *Store) CreateTablesIfNotExists() error {
	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if err := lake.CreateTable(ctx, s.log, conn, TableConfigHourlyAggregates()); err != nil {
		return fmt.Errorf("failed to create hourly aggregates table: %w", err)
	}
	if err := lake.CreateTable(ctx, s.log, conn, TableConfigDailyAggregates()); err != nil {
		return fmt.Errorf("failed to create daily aggregates table: %w", err)
	}
	return nil
}

// aggregateSelect buckets events by truncated period, sensor, and metric.
// Coordinates are taken together from the latest event in the bucket that
// carried a full pair, never mixed across events. Empty buckets yield no row.
func (s *Store) aggregateSelect(unit string) string {
	return fmt.Sprintf(`
		SELECT
			date_trunc('%s', ts) AS period_start,
			source,
			native_sensor_id,
			metric_name,
			avg(value) AS avg_value,
			min(value) AS min_value,
			max(value) AS max_value,
			COUNT(*) AS sample_count,
			arg_max(latitude, ts) FILTER (WHERE latitude IS NOT NULL AND longitude IS NOT NULL) AS latitude,
			arg_max(longitude, ts) FILTER (WHERE latitude IS NOT NULL AND longitude IS NOT NULL) AS longitude
		FROM %s.%s.%s
		WHERE ts >= ? AND ts < ?
		GROUP BY 1, 2, 3, 4`,
		unit, s.db.Catalog(), s.db.Schema(), events.TableName)
}

// RefreshHourly recomputes the hourly partition for one processing date from
// the event store.
func (s *Store) RefreshHourly(ctx context.Context, day time.Time) error {
	from, to := lake.DayBounds(day)

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	return lake.ReplaceTimeRangeFromQuery(ctx, s.log, conn, TableConfigHourlyAggregates(),
		from, to, s.aggregateSelect("hour"), from, to)
}

// RefreshDaily recomputes the trailing daily window [day-6, day], re-absorbing
// late-arriving events for recent dates.
func (s *Store) RefreshDaily(ctx context.Context, day time.Time) error {
	_, to := lake.DayBounds(day)
	from, _ := lake.DayBounds(day.AddDate(0, 0, -(DailyWindowDays - 1)))

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	return lake.ReplaceTimeRangeFromQuery(ctx, s.log, conn, TableConfigDailyAggregates(),
		from, to, s.aggregateSelect("day"), from, to)
}

// HourlySampleCountTotal sums hourly sample counts for period_start in
// [from, to). The cross-tier consistency check compares this against the
// event count for the same range.
func (s *Store) HourlySampleCountTotal(ctx context.Context, from, to time.Time) (int64, error) {
	return s.sampleCountTotal(ctx, HourlyTableName, "", from, to)
}

// HourlySampleCountTotalForSource is HourlySampleCountTotal restricted to one
// source.
func (s *Store) HourlySampleCountTotalForSource(ctx context.Context, source string, from, to time.Time) (int64, error) {
	return s.sampleCountTotal(ctx, HourlyTableName, source, from, to)
}

// DailySampleCountTotal sums daily sample counts for period_start in [from, to).
func (s *Store) DailySampleCountTotal(ctx context.Context, from, to time.Time) (int64, error) {
	return s.sampleCountTotal(ctx, DailyTableName, "", from, to)
}

// DailySampleCountTotalForSource is DailySampleCountTotal restricted to one
// source.
func (s *Store) DailySampleCountTotalForSource(ctx context.Context, source string, from, to time.Time) (int64, error) {
	return s.sampleCountTotal(ctx, DailyTableName, source, from, to)
}

func (s *Store) sampleCountTotal(ctx context.Context, table, source string, from, to time.Time) (int64, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	// SUM over BIGINT widens to HUGEINT, which database/sql cannot scan.
	query := fmt.Sprintf(`SELECT CAST(COALESCE(SUM(sample_count), 0) AS BIGINT) FROM %s.%s.%s WHERE period_start >= ? AND period_start < ?`,
		s.db.Catalog(), s.db.Schema(), table)
	args := []any{from, to}
	if source != "" {
		query += " AND source = ?"
		args = append(args, source)
	}
	var total sql.NullInt64
	if err := conn.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum sample counts for %s: %w", table, err)
	}
	return total.Int64, nil
}
