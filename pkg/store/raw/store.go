// Package raw owns the per-source wide landing tables. Unlike the event
// store, landing rows keep upstream missingness: an absent optional metric is
// a SQL NULL here, which is what the null-rate and coverage checks measure.
package raw

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
	"github.com/sensorlake/sensorlake/pkg/manifest"
	"github.com/sensorlake/sensorlake/pkg/normalize"
)

// TableNameFor returns the landing table for a source, e.g. weather_raw.
func TableNameFor(source string) string {
	return source + "_raw"
}

// TableConfigFor builds the landing table config from a source manifest: the
// reserved identity columns followed by one nullable DOUBLE per metric, in
// manifest order.
func TableConfigFor(m *manifest.Manifest) lake.TableConfig {
	columns := []string{
		"ts:TIMESTAMP",
		"native_sensor_id:VARCHAR",
		"latitude:DOUBLE",
		"longitude:DOUBLE",
	}
	for _, met := range m.Metrics {
		columns = append(columns, met.Name+":DOUBLE")
	}
	return lake.TableConfig{
		Name:            TableNameFor(m.Source),
		PartitionByTime: true,
		TimeColumn:      "ts",
		Columns:         columns,
	}
}

type StoreConfig struct {
	Logger *slog.Logger
	DB     lake.DB
	// Manifests declares the sources this store lands, one table per source.
	Manifests []*manifest.Manifest
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if len(cfg.Manifests) == 0 {
		return errors.New("at least one manifest is required")
	}
	return nil
}

type Store struct {
	log       *slog.Logger
	cfg       StoreConfig
	db        lake.DB
	manifests map[string]*manifest.Manifest
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	manifests := make(map[string]*manifest.Manifest, len(cfg.Manifests))
	for _, m := range cfg.Manifests {
		manifests[m.Source] = m
	}
	return &Store{
		log:       cfg.Logger,
		cfg:       cfg,
		db:        cfg.DB,
		manifests: manifests,
	}, nil
}

func (s *Store) manifestFor(source string) (*manifest.Manifest, error) {
	m, ok := s.manifests[source]
	if !ok {
		return nil, fmt.Errorf("no manifest configured for source %q", source)
	}
	return m, nil
}

func (s *Store) CreateTablesIfNotExists() error {
	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	for _, m := range s.cfg.Manifests {
		if err := lake.CreateTable(ctx, s.log, conn, TableConfigFor(m)); err != nil {
			return fmt.Errorf("failed to create landing table for %s: %w", m.Source, err)
		}
	}
	return nil
}

// ReplaceDay swaps one source's landing partition for a processing date.
// Metric cells render from the normalized readings: a metric the source never
// reported lands as NULL, everything else as its parsed value.
func (s *Store) ReplaceDay(ctx context.Context, source string, day time.Time, readings []normalize.Reading) error {
	m, err := s.manifestFor(source)
	if err != nil {
		return err
	}

	from, to := lake.DayBounds(day)
	for _, r := range readings {
		ts := r.Timestamp.UTC()
		if ts.Before(from) || !ts.Before(to) {
			return fmt.Errorf("reading for %s at %s falls outside partition %s",
				r.NativeSensorID, ts.Format(time.RFC3339Nano), from.Format("2006-01-02"))
		}
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	width := 4 + len(m.Metrics)
	return lake.ReplaceTimeRange(
		ctx,
		s.log,
		conn,
		TableConfigFor(m),
		from,
		to,
		len(readings),
		func(w *csv.Writer, i int) error {
			r := readings[i]
			record := make([]string, width)
			record[0] = r.Timestamp.UTC().Format(time.RFC3339Nano)
			record[1] = r.NativeSensorID
			if r.Latitude != nil {
				record[2] = strconv.FormatFloat(*r.Latitude, 'g', -1, 64)
			}
			if r.Longitude != nil {
				record[3] = strconv.FormatFloat(*r.Longitude, 'g', -1, 64)
			}
			for j, met := range m.Metrics {
				mv, ok := r.Metric(met.Name)
				if !ok || mv.Missing {
					continue
				}
				record[4+j] = strconv.FormatFloat(mv.Value, 'g', -1, 64)
			}
			return w.Write(record)
		},
	)
}

// DayRowCounts returns landing row counts keyed by day ("2006-01-02") for
// ts in [from, to). Days with no rows are absent from the map.
func (s *Store) DayRowCounts(ctx context.Context, source string, from, to time.Time) (map[string]int64, error) {
	if _, err := s.manifestFor(source); err != nil {
		return nil, err
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	query := fmt.Sprintf(`
		SELECT CAST(ts AS DATE) AS day, COUNT(*) AS row_count
		FROM %s.%s.%s
		WHERE ts >= ? AND ts < ?
		GROUP BY day
	`, s.db.Catalog(), s.db.Schema(), TableNameFor(source))
	rows, err := conn.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query day row counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var day time.Time
		var count int64
		if err := rows.Scan(&day, &count); err != nil {
			return nil, fmt.Errorf("failed to scan day row count: %w", err)
		}
		counts[day.Format("2006-01-02")] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating day row counts: %w", err)
	}
	return counts, nil
}

// NullCounts carries per-metric missingness over a time range.
type NullCounts struct {
	// TotalRows is the landing row count in the range.
	TotalRows int64
	// Nulls maps metric name to its NULL cell count.
	Nulls map[string]int64
}

// MetricNullCounts measures NULL cells per metric for ts in [from, to).
func (s *Store) MetricNullCounts(ctx context.Context, source string, metrics []string, from, to time.Time) (NullCounts, error) {
	if _, err := s.manifestFor(source); err != nil {
		return NullCounts{}, err
	}
	if len(metrics) == 0 {
		return NullCounts{Nulls: map[string]int64{}}, nil
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return NullCounts{}, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	selects := "SELECT COUNT(*)"
	for _, name := range metrics {
		selects += fmt.Sprintf(", COUNT(%s)", name)
	}
	query := fmt.Sprintf("%s FROM %s.%s.%s WHERE ts >= ? AND ts < ?",
		selects, s.db.Catalog(), s.db.Schema(), TableNameFor(source))

	scanned := make([]sql.NullInt64, len(metrics)+1)
	dest := make([]any, len(scanned))
	for i := range scanned {
		dest[i] = &scanned[i]
	}
	if err := conn.QueryRowContext(ctx, query, from, to).Scan(dest...); err != nil {
		return NullCounts{}, fmt.Errorf("failed to query null counts: %w", err)
	}

	out := NullCounts{
		TotalRows: scanned[0].Int64,
		Nulls:     make(map[string]int64, len(metrics)),
	}
	for i, name := range metrics {
		out.Nulls[name] = out.TotalRows - scanned[i+1].Int64
	}
	return out, nil
}

// Coverage carries sensor-day coverage per metric over a time range.
type Coverage struct {
	// DistinctSensors is the number of sensors observed in the range.
	DistinctSensors int64
	// CoveredSensorDays maps metric name to the number of (sensor, day)
	// pairs with at least one non-NULL reading of that metric.
	CoveredSensorDays map[string]int64
}

// MetricCoverage measures which sensor-days each metric actually covered for
// ts in [from, to).
func (s *Store) MetricCoverage(ctx context.Context, source string, metrics []string, from, to time.Time) (Coverage, error) {
	if _, err := s.manifestFor(source); err != nil {
		return Coverage{}, err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return Coverage{}, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	selects := "SELECT COUNT(DISTINCT native_sensor_id)"
	for _, name := range metrics {
		selects += fmt.Sprintf(
			", COUNT(DISTINCT CASE WHEN %s IS NOT NULL THEN native_sensor_id || '|' || CAST(CAST(ts AS DATE) AS VARCHAR) END)",
			name)
	}
	query := fmt.Sprintf("%s FROM %s.%s.%s WHERE ts >= ? AND ts < ?",
		selects, s.db.Catalog(), s.db.Schema(), TableNameFor(source))

	scanned := make([]sql.NullInt64, len(metrics)+1)
	dest := make([]any, len(scanned))
	for i := range scanned {
		dest[i] = &scanned[i]
	}
	if err := conn.QueryRowContext(ctx, query, from, to).Scan(dest...); err != nil {
		return Coverage{}, fmt.Errorf("failed to query coverage: %w", err)
	}

	out := Coverage{
		DistinctSensors:   scanned[0].Int64,
		CoveredSensorDays: make(map[string]int64, len(metrics)),
	}
	for i, name := range metrics {
		out.CoveredSensorDays[name] = scanned[i+1].Int64
	}
	return out, nil
}
