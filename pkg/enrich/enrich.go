// Package enrich maintains the lake views that join the fact tiers with the
// curated dimensions. Identity resolution and location precedence are
// expressed once, in SQL, so every reader of the views sees the same
// annotations the programmatic resolver would produce.
package enrich

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sensorlake/sensorlake/pkg/dimension"
	"github.com/sensorlake/sensorlake/pkg/lake"
	"github.com/sensorlake/sensorlake/pkg/store/events"
	"github.com/sensorlake/sensorlake/pkg/store/location"
	"github.com/sensorlake/sensorlake/pkg/store/rollup"
)

const (
	EventsViewName = "events_enriched"
	DailyViewName  = "daily_enriched"
)

// Location provenance values carried in the views' location_source column.
const (
	LocationSourceOverride  = "override"
	LocationSourceCanonical = "canonical"
	LocationSourceObserved  = "observed"
	LocationSourceNone      = "none"
)

type Config struct {
	Logger *slog.Logger
	DB     lake.DB
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	return nil
}

type Enricher struct {
	log *slog.Logger
	db  lake.DB
}

func NewEnricher(cfg Config) (*Enricher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Enricher{
		log: cfg.Logger,
		db:  cfg.DB,
	}, nil
}

// RefreshViews (re)creates both enriched views. CREATE OR REPLACE makes the
// call idempotent; the backing fact and dimension tables must already exist.
func (e *Enricher) RefreshViews(ctx context.Context) error {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	views := []struct {
		name string
		sql  string
	}{
		{EventsViewName, e.viewSQL(EventsViewName, events.TableName, "ts",
			"f.ts, f.source, f.native_sensor_id, f.metric_name, f.value, f.latitude, f.longitude, f.geo_point")},
		{DailyViewName, e.viewSQL(DailyViewName, rollup.DailyTableName, "period_start",
			"f.period_start, f.source, f.native_sensor_id, f.metric_name, f.avg_value, f.min_value, f.max_value, f.sample_count, f.latitude, f.longitude")},
	}
	for _, v := range views {
		if _, err := conn.ExecContext(ctx, v.sql); err != nil {
			return fmt.Errorf("failed to create view %s: %w", v.name, err)
		}
		e.log.Debug("refreshed enriched view", "view", v.name)
	}
	return nil
}

// viewSQL builds one enriched view over a fact table. Identity mappings and
// canonical locations are resolved once per (native sensor, date), with the
// same ordering the programmatic resolver applies, then joined back onto the
// facts. An override contributes coordinates only while active and past its
// effective date; its status is surfaced either way.
func (e *Enricher) viewSQL(viewName, factTable, timeColumn, factColumns string) string {
	qualify := func(table string) string {
		return fmt.Sprintf("%s.%s.%s", e.db.Catalog(), e.db.Schema(), table)
	}
	return fmt.Sprintf(`
		CREATE OR REPLACE VIEW %[1]s AS
		WITH fact_days AS (
			SELECT DISTINCT native_sensor_id, CAST(%[2]s AS DATE) AS fact_date
			FROM %[3]s
		),
		identity_pick AS (
			SELECT native_sensor_id, fact_date, sensor_id, mapping_note
			FROM (
				SELECT
					d.native_sensor_id,
					d.fact_date,
					m.sensor_id,
					m.source_note AS mapping_note,
					ROW_NUMBER() OVER (
						PARTITION BY d.native_sensor_id, d.fact_date
						ORDER BY m.updated_at DESC, m.sensor_id ASC) AS pick
				FROM fact_days d
				INNER JOIN %[4]s m
					ON m.native_sensor_id = d.native_sensor_id
					AND (m.effective_start_date IS NULL OR m.effective_start_date <= d.fact_date)
					AND (m.effective_end_date IS NULL OR m.effective_end_date >= d.fact_date)
			)
			WHERE pick = 1
		),
		canonical_pick AS (
			SELECT native_sensor_id, fact_date, canonical_lat, canonical_lon
			FROM (
				SELECT
					d.native_sensor_id,
					d.fact_date,
					c.canonical_lat,
					c.canonical_lon,
					ROW_NUMBER() OVER (
						PARTITION BY d.native_sensor_id, d.fact_date
						ORDER BY c.as_of_date DESC) AS pick
				FROM fact_days d
				INNER JOIN %[5]s c
					ON c.native_sensor_id = d.native_sensor_id
					AND c.as_of_date <= d.fact_date
			)
			WHERE pick = 1
		),
		override_pick AS (
			SELECT
				d.native_sensor_id,
				d.fact_date,
				o.latitude,
				o.longitude,
				o.status,
				(o.status = 'active' AND (o.effective_date IS NULL OR o.effective_date <= d.fact_date)) AS applies
			FROM fact_days d
			INNER JOIN %[6]s o ON o.native_sensor_id = d.native_sensor_id
		)
		SELECT
			%[7]s,
			COALESCE(i.sensor_id, f.native_sensor_id) AS sensor_id,
			i.mapping_note,
			CASE
				WHEN o.applies THEN o.latitude
				WHEN c.canonical_lat IS NOT NULL THEN c.canonical_lat
				WHEN f.latitude IS NOT NULL AND f.longitude IS NOT NULL THEN f.latitude
				ELSE NULL
			END AS resolved_lat,
			CASE
				WHEN o.applies THEN o.longitude
				WHEN c.canonical_lon IS NOT NULL THEN c.canonical_lon
				WHEN f.latitude IS NOT NULL AND f.longitude IS NOT NULL THEN f.longitude
				ELSE NULL
			END AS resolved_lon,
			CASE
				WHEN o.applies THEN '%[8]s'
				WHEN c.canonical_lat IS NOT NULL THEN '%[9]s'
				WHEN f.latitude IS NOT NULL AND f.longitude IS NOT NULL THEN '%[10]s'
				ELSE '%[11]s'
			END AS location_source,
			o.status AS override_status
		FROM %[3]s f
		LEFT JOIN identity_pick i
			ON i.native_sensor_id = f.native_sensor_id AND i.fact_date = CAST(f.%[2]s AS DATE)
		LEFT JOIN canonical_pick c
			ON c.native_sensor_id = f.native_sensor_id AND c.fact_date = CAST(f.%[2]s AS DATE)
		LEFT JOIN override_pick o
			ON o.native_sensor_id = f.native_sensor_id AND o.fact_date = CAST(f.%[2]s AS DATE)`,
		qualify(viewName),
		timeColumn,
		qualify(factTable),
		qualify(dimension.SensorIdentityTableBase+"_current"),
		qualify(location.TableName),
		qualify(dimension.LocationOverrideTableBase+"_current"),
		factColumns,
		LocationSourceOverride,
		LocationSourceCanonical,
		LocationSourceObserved,
		LocationSourceNone,
	)
}

// DailyEnrichedRow is one serving row: a daily aggregate annotated with its
// resolved identity and coordinates.
type DailyEnrichedRow struct {
	PeriodStart    time.Time
	Source         string
	NativeSensorID string
	SensorID       string
	MetricName     string
	AvgValue       float64
	MinValue       float64
	MaxValue       float64
	SampleCount    int64
	ResolvedLat    *float64
	ResolvedLon    *float64
	LocationSource string
	OverrideStatus string
	MappingNote    string
}

// DailyEnrichedForRange reads the daily serving view for period_start in
// [from, to), ordered for stable export batches.
func (e *Enricher) DailyEnrichedForRange(ctx context.Context, from, to time.Time) ([]DailyEnrichedRow, error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	query := fmt.Sprintf(`
		SELECT
			period_start, source, native_sensor_id, sensor_id, metric_name,
			avg_value, min_value, max_value, sample_count,
			resolved_lat, resolved_lon, location_source, override_status, mapping_note
		FROM %s.%s.%s
		WHERE period_start >= ? AND period_start < ?
		ORDER BY period_start, source, native_sensor_id, metric_name`,
		e.db.Catalog(), e.db.Schema(), DailyViewName)
	rows, err := conn.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", DailyViewName, err)
	}
	defer rows.Close()

	var out []DailyEnrichedRow
	for rows.Next() {
		var (
			r        DailyEnrichedRow
			lat, lon sql.NullFloat64
			status   sql.NullString
			note     sql.NullString
		)
		if err := rows.Scan(&r.PeriodStart, &r.Source, &r.NativeSensorID, &r.SensorID, &r.MetricName,
			&r.AvgValue, &r.MinValue, &r.MaxValue, &r.SampleCount,
			&lat, &lon, &r.LocationSource, &status, &note); err != nil {
			return nil, fmt.Errorf("failed to scan enriched row: %w", err)
		}
		if lat.Valid {
			r.ResolvedLat = &lat.Float64
		}
		if lon.Valid {
			r.ResolvedLon = &lon.Float64
		}
		r.OverrideStatus = status.String
		r.MappingNote = note.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read enriched rows: %w", err)
	}
	return out, nil
}
