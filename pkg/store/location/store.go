// Package location owns the canonical sensor location table. GPS readings
// jitter and occasionally jump; rather than trusting any single reading, the
// stabilizer votes positions over a trailing window and publishes the mode
// per sensor, one snapshot per processing date.
package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sensorlake/sensorlake/pkg/lake"
)

const (
	TableName = "canonical_locations"

	// WindowDays is the trailing observation window ending at the processing
	// date. Long enough to outvote jitter, short enough to follow a real
	// relocation within a season.
	WindowDays = 90
)

type StoreConfig struct {
	Logger *slog.Logger
	DB     lake.DB
	// RawTables lists the landing tables scanned for coordinate
	// observations, e.g. weather_raw, airquality_raw.
	RawTables []string
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if len(cfg.RawTables) == 0 {
		return errors.New("at least one raw table is required")
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

// TableConfigCanonicalLocations returns the table config for canonical
// locations, partitioned by snapshot date.
func TableConfigCanonicalLocations() lake.TableConfig {
	return lake.TableConfig{
		Name:            TableName,
		PartitionByTime: true,
		TimeColumn:      "as_of_date",
		Columns: []string{
			"native_sensor_id:VARCHAR",
			"canonical_lat:DOUBLE",
			"canonical_lon:DOUBLE",
			"as_of_date:DATE",
			"days_observed:BIGINT",
			"distinct_locations:BIGINT",
			"mode_count:BIGINT",
			"mode_last_day:DATE",
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

	if err := lake.CreateTable(ctx, s.log, conn, TableConfigCanonicalLocations()); err != nil {
		return fmt.Errorf("failed to create canonical locations table: %w", err)
	}
	return nil
}

// observationsUnion projects (ts, native_sensor_id, latitude, longitude) out
// of every configured landing table.
func (s *Store) observationsUnion() string {
	arms := make([]string, 0, len(s.cfg.RawTables))
	for _, table := range s.cfg.RawTables {
		arms = append(arms, fmt.Sprintf(
			"SELECT ts, native_sensor_id, latitude, longitude FROM %s.%s.%s",
			s.db.Catalog(), s.db.Schema(), table))
	}
	return strings.Join(arms, "\n\t\tUNION ALL\n\t\t")
}

// Recompute votes coordinate positions over the trailing window ending at
// asOf and replaces that date's snapshot partition:
//
//  1. Positions round to 5 decimals and vote at most once per sensor-day,
//     however often a reading repeated them within the day.
//  2. The position with the most distinct days wins; ties break by most
//     recent last day, then by lexicographic (lat, lon) ascending.
//  3. A sensor with no full coordinate pair in the window produces no row.
func (s *Store) Recompute(ctx context.Context, asOf time.Time) error {
	replaceFrom, replaceTo := lake.DayBounds(asOf)
	windowFrom, _ := lake.DayBounds(asOf.AddDate(0, 0, -(WindowDays - 1)))
	windowTo := replaceTo

	selectSQL := fmt.Sprintf(`
	WITH obs AS (
		SELECT
			native_sensor_id,
			CAST(ts AS DATE) AS day,
			round(latitude, 5) AS lat,
			round(longitude, 5) AS lon
		FROM (
		%s
		) AS landings
		WHERE ts >= ? AND ts < ?
			AND latitude IS NOT NULL AND longitude IS NOT NULL
	),
	votes AS (
		SELECT
			native_sensor_id,
			lat,
			lon,
			COUNT(DISTINCT day) AS days_count,
			MAX(day) AS last_day
		FROM obs
		GROUP BY 1, 2, 3
	),
	ranked AS (
		SELECT
			votes.*,
			ROW_NUMBER() OVER (
				PARTITION BY native_sensor_id
				ORDER BY days_count DESC, last_day DESC, lat ASC, lon ASC
			) AS rn
		FROM votes
	),
	diags AS (
		SELECT
			native_sensor_id,
			COUNT(DISTINCT day) AS days_observed
		FROM obs
		GROUP BY 1
	),
	spread AS (
		SELECT native_sensor_id, COUNT(*) AS distinct_locations
		FROM votes
		GROUP BY 1
	)
	SELECT
		r.native_sensor_id,
		r.lat AS canonical_lat,
		r.lon AS canonical_lon,
		CAST(? AS DATE) AS as_of_date,
		d.days_observed,
		sp.distinct_locations,
		r.days_count AS mode_count,
		r.last_day AS mode_last_day
	FROM ranked r
	JOIN diags d ON d.native_sensor_id = r.native_sensor_id
	JOIN spread sp ON sp.native_sensor_id = r.native_sensor_id
	WHERE r.rn = 1`, s.observationsUnion())

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	return lake.ReplaceTimeRangeFromQuery(ctx, s.log, conn, TableConfigCanonicalLocations(),
		replaceFrom, replaceTo, selectSQL,
		windowFrom, windowTo, asOf.UTC().Format("2006-01-02"))
}

// CanonicalLocation is one sensor's stabilized position snapshot.
type CanonicalLocation struct {
	NativeSensorID    string
	Latitude          float64
	Longitude         float64
	AsOfDate          time.Time
	DaysObserved      int64
	DistinctLocations int64
	ModeCount         int64
	ModeLastDay       time.Time
}

// GetForDate returns the snapshot for one as-of date, ordered by sensor.
func (s *Store) GetForDate(ctx context.Context, asOf time.Time) ([]CanonicalLocation, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	query := fmt.Sprintf(`
		SELECT native_sensor_id, canonical_lat, canonical_lon, as_of_date,
			days_observed, distinct_locations, mode_count, mode_last_day
		FROM %s.%s.%s
		WHERE as_of_date = CAST(? AS DATE)
		ORDER BY native_sensor_id
	`, s.db.Catalog(), s.db.Schema(), TableName)
	rows, err := conn.QueryContext(ctx, query, asOf.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("failed to query canonical locations: %w", err)
	}
	defer rows.Close()

	var out []CanonicalLocation
	for rows.Next() {
		var loc CanonicalLocation
		if err := rows.Scan(&loc.NativeSensorID, &loc.Latitude, &loc.Longitude, &loc.AsOfDate,
			&loc.DaysObserved, &loc.DistinctLocations, &loc.ModeCount, &loc.ModeLastDay); err != nil {
			return nil, fmt.Errorf("failed to scan canonical location: %w", err)
		}
		out = append(out, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating canonical locations: %w", err)
	}
	return out, nil
}
