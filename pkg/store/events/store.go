// Package events owns the long-format sensor event fact table. The
// materializer replaces one date partition wholesale per run, so the table
// never accumulates duplicates across reruns.
package events

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sensorlake/sensorlake/pkg/lake"
	"github.com/sensorlake/sensorlake/pkg/pivot"
)

const TableName = "sensor_events"

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

// TableConfigSensorEvents returns the fact table config for the event store.
func TableConfigSensorEvents() lake.TableConfig {
	return lake.TableConfig{
		Name:            TableName,
		PartitionByTime: true,
		TimeColumn:      "ts",
		Columns: []string{
			"ts:TIMESTAMP",
			"source:VARCHAR",
			"native_sensor_id:VARCHAR",
			"metric_name:VARCHAR",
			"value:DOUBLE",
			"latitude:DOUBLE",
			"longitude:DOUBLE",
			"geo_point:VARCHAR",
		},
	}
}

func (s *Store) CreateTablesIfNotExists() error {
	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if err := lake.CreateTable(ctx, s.log, conn, TableConfigSensorEvents()); err != nil {
		return fmt.Errorf("failed to create sensor events table: %w", err)
	}
	return nil
}

// ReplaceDay swaps the event partition for one processing date. Every event
// must fall within the date; an out-of-range event aborts before any write.
func (s *Store) ReplaceDay(ctx context.Context, day time.Time, evs []pivot.Event) error {
	from, to := lake.DayBounds(day)
	for _, ev := range evs {
		ts := ev.Timestamp.UTC()
		if ts.Before(from) || !ts.Before(to) {
			return fmt.Errorf("event for %s at %s falls outside partition %s",
				ev.NativeSensorID, ts.Format(time.RFC3339Nano), from.Format("2006-01-02"))
		}
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	return lake.ReplaceTimeRange(
		ctx,
		s.log,
		conn,
		TableConfigSensorEvents(),
		from,
		to,
		len(evs),
		func(w *csv.Writer, i int) error {
			ev := evs[i]
			record := make([]string, 8)
			record[0] = ev.Timestamp.UTC().Format(time.RFC3339Nano)
			record[1] = ev.Source
			record[2] = ev.NativeSensorID
			record[3] = ev.MetricName
			record[4] = strconv.FormatFloat(ev.Value, 'g', -1, 64)
			if ev.Latitude != nil {
				record[5] = strconv.FormatFloat(*ev.Latitude, 'g', -1, 64)
			} else {
				record[5] = ""
			}
			if ev.Longitude != nil {
				record[6] = strconv.FormatFloat(*ev.Longitude, 'g', -1, 64)
			} else {
				record[6] = ""
			}
			record[7] = ev.GeoPoint
			return w.Write(record)
		},
	)
}

// CountForRange returns the number of events with ts in [from, to).
func (s *Store) CountForRange(ctx context.Context, from, to time.Time) (int64, error) {
	return s.countForRange(ctx, "", from, to)
}

// CountForRangeBySource is CountForRange restricted to one source.
func (s *Store) CountForRangeBySource(ctx context.Context, source string, from, to time.Time) (int64, error) {
	return s.countForRange(ctx, source, from, to)
}

func (s *Store) countForRange(ctx context.Context, source string, from, to time.Time) (int64, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s.%s.%s WHERE ts >= ? AND ts < ?`,
		s.db.Catalog(), s.db.Schema(), TableName)
	args := []any{from, to}
	if source != "" {
		query += " AND source = ?"
		args = append(args, source)
	}
	var count sql.NullInt64
	if err := conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count.Int64, nil
}
