package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sensorlake/sensorlake/pkg/enrich"
	"github.com/sensorlake/sensorlake/pkg/lake"
	"github.com/sensorlake/sensorlake/pkg/store/location"
)

const (
	// DailyEnrichedTable is the serving copy of the lake's daily enriched view.
	DailyEnrichedTable = "daily_enriched"

	// CanonicalLocationsTable is the serving copy of the stabilized positions.
	CanonicalLocationsTable = "canonical_locations"
)

type ExportConfig struct {
	Logger *slog.Logger
	// DB is the lake the export reads from.
	DB lake.DB
	// Conn is the ClickHouse connection the export writes to.
	Conn  Connection
	Clock clockwork.Clock
}

func (cfg *ExportConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("lake db is required")
	}
	if cfg.Conn == nil {
		return errors.New("clickhouse connection is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Exporter copies enriched serving tables from the lake into ClickHouse.
// Every exported row is stamped with the export time; the serving tables are
// ReplacingMergeTree on that stamp, so re-exporting a window supersedes the
// previous copy instead of duplicating it.
type Exporter struct {
	log      *slog.Logger
	cfg      ExportConfig
	enricher *enrich.Enricher
}

func NewExporter(cfg ExportConfig) (*Exporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	enricher, err := enrich.NewEnricher(enrich.Config{Logger: cfg.Logger, DB: cfg.DB})
	if err != nil {
		return nil, fmt.Errorf("failed to create enricher: %w", err)
	}
	return &Exporter{
		log:      cfg.Logger,
		cfg:      cfg,
		enricher: enricher,
	}, nil
}

// ExportResult summarizes one export run.
type ExportResult struct {
	DailyRows    int
	LocationRows int
	ExportedAt   time.Time
}

// Export mirrors the daily enriched rows and canonical location snapshots
// whose dates fall in [from, to] (inclusive on both ends). The lake is only
// read; a failed export leaves lake materialization untouched.
func (e *Exporter) Export(ctx context.Context, from, to time.Time) (*ExportResult, error) {
	fromStart, _ := lake.DayBounds(from)
	toStart, toEnd := lake.DayBounds(to)
	if fromStart.After(toStart) {
		return nil, fmt.Errorf("export range is inverted: %s is after %s",
			fromStart.Format("2006-01-02"), toStart.Format("2006-01-02"))
	}

	exportedAt := e.cfg.Clock.Now().UTC()
	log := e.log.With("from", fromStart.Format("2006-01-02"), "to", toStart.Format("2006-01-02"))
	log.Info("export starting")

	daily, err := e.enricher.DailyEnrichedForRange(ctx, fromStart, toEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to read daily enriched rows: %w", err)
	}
	if err := e.insertDaily(ctx, daily, exportedAt); err != nil {
		return nil, err
	}

	locations, err := e.readCanonicalRange(ctx, fromStart, toStart)
	if err != nil {
		return nil, err
	}
	if err := e.insertLocations(ctx, locations, exportedAt); err != nil {
		return nil, err
	}

	log.Info("export finished", "daily_rows", len(daily), "location_rows", len(locations))
	return &ExportResult{
		DailyRows:    len(daily),
		LocationRows: len(locations),
		ExportedAt:   exportedAt,
	}, nil
}

func (e *Exporter) insertDaily(ctx context.Context, rows []enrich.DailyEnrichedRow, exportedAt time.Time) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := e.cfg.Conn.PrepareBatch(ctx, fmt.Sprintf(`INSERT INTO %s (
		period_start, source, native_sensor_id, sensor_id, metric_name,
		avg_value, min_value, max_value, sample_count,
		resolved_lat, resolved_lon, location_source, override_status, mapping_note,
		exported_at
	)`, DailyEnrichedTable))
	if err != nil {
		return fmt.Errorf("failed to prepare %s batch: %w", DailyEnrichedTable, err)
	}

	for i, r := range rows {
		err := batch.Append(
			r.PeriodStart,
			r.Source,
			r.NativeSensorID,
			r.SensorID,
			r.MetricName,
			r.AvgValue,
			r.MinValue,
			r.MaxValue,
			r.SampleCount,
			r.ResolvedLat,
			r.ResolvedLon,
			r.LocationSource,
			r.OverrideStatus,
			r.MappingNote,
			exportedAt,
		)
		if err != nil {
			_ = batch.Close()
			return fmt.Errorf("failed to append %s row %d: %w", DailyEnrichedTable, i, err)
		}
	}

	if err := batch.Send(); err != nil {
		_ = batch.Close()
		return fmt.Errorf("failed to send %s batch: %w", DailyEnrichedTable, err)
	}
	if err := batch.Close(); err != nil {
		return fmt.Errorf("failed to close %s batch: %w", DailyEnrichedTable, err)
	}

	e.log.Debug("wrote rows to clickhouse", "table", DailyEnrichedTable, "count", len(rows))
	return nil
}

// readCanonicalRange reads canonical location snapshots with as_of_date in
// [from, to]. The location store's reader is per-date; the export wants the
// whole window in one scan.
func (e *Exporter) readCanonicalRange(ctx context.Context, from, to time.Time) ([]location.CanonicalLocation, error) {
	conn, err := e.cfg.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	query := fmt.Sprintf(`
		SELECT native_sensor_id, canonical_lat, canonical_lon, as_of_date,
			days_observed, distinct_locations, mode_count, mode_last_day
		FROM %s.%s.%s
		WHERE as_of_date >= CAST(? AS DATE) AND as_of_date <= CAST(? AS DATE)
		ORDER BY as_of_date, native_sensor_id
	`, e.cfg.DB.Catalog(), e.cfg.DB.Schema(), location.TableName)
	rows, err := conn.QueryContext(ctx, query, from.Format("2006-01-02"), to.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("failed to query canonical locations: %w", err)
	}
	defer rows.Close()

	var out []location.CanonicalLocation
	for rows.Next() {
		var loc location.CanonicalLocation
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

func (e *Exporter) insertLocations(ctx context.Context, locations []location.CanonicalLocation, exportedAt time.Time) error {
	if len(locations) == 0 {
		return nil
	}

	batch, err := e.cfg.Conn.PrepareBatch(ctx, fmt.Sprintf(`INSERT INTO %s (
		native_sensor_id, canonical_lat, canonical_lon, as_of_date,
		days_observed, distinct_locations, mode_count, mode_last_day,
		exported_at
	)`, CanonicalLocationsTable))
	if err != nil {
		return fmt.Errorf("failed to prepare %s batch: %w", CanonicalLocationsTable, err)
	}

	for i, loc := range locations {
		err := batch.Append(
			loc.NativeSensorID,
			loc.Latitude,
			loc.Longitude,
			loc.AsOfDate,
			loc.DaysObserved,
			loc.DistinctLocations,
			loc.ModeCount,
			loc.ModeLastDay,
			exportedAt,
		)
		if err != nil {
			_ = batch.Close()
			return fmt.Errorf("failed to append %s row %d: %w", CanonicalLocationsTable, i, err)
		}
	}

	if err := batch.Send(); err != nil {
		_ = batch.Close()
		return fmt.Errorf("failed to send %s batch: %w", CanonicalLocationsTable, err)
	}
	if err := batch.Close(); err != nil {
		return fmt.Errorf("failed to close %s batch: %w", CanonicalLocationsTable, err)
	}

	e.log.Debug("wrote rows to clickhouse", "table", CanonicalLocationsTable, "count", len(locations))
	return nil
}
