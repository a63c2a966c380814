// Package dimension curates operator-maintained sensor metadata in Postgres
// and mirrors it into the lake as SCD2 snapshots once per pipeline run.
package dimension

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sensorlake/sensorlake/pkg/lake"
)

// Lake-side table base names. Each expands to <base>_current,
// <base>_history, and <base>_ingest_runs.
const (
	SensorIdentityTableBase   = "sensor_identity_mappings"
	LocationOverrideTableBase = "location_overrides"
)

// SensorIdentityMapping links a native sensor ID to a stable logical sensor
// ID over an inclusive date range. Nil bounds are open-ended.
type SensorIdentityMapping struct {
	SensorID           string
	NativeSensorID     string
	EffectiveStartDate *time.Time
	EffectiveEndDate   *time.Time
	SourceNote         string
	UpdatedAt          time.Time
}

// LocationOverride pins a sensor to curated coordinates that take precedence
// over anything derived from observations.
type LocationOverride struct {
	NativeSensorID string
	Latitude       float64
	Longitude      float64
	Status         string
	EffectiveDate  *time.Time
	Notes          string
	UpdatedAt      time.Time
}

// SensorIdentitySCDConfig is the snapshot layout for identity mappings in the
// lake. The key matches the Postgres primary key; a mapping vanishing from a
// snapshot is a delete.
func SensorIdentitySCDConfig(snapshotTS time.Time) lake.SCDConfig {
	return lake.SCDConfig{
		TableBaseName: SensorIdentityTableBase,
		SnapshotTS:    snapshotTS,
		KeyColumns:    []string{"sensor_id:VARCHAR", "native_sensor_id:VARCHAR"},
		PayloadColumns: []string{
			"effective_start_date:DATE",
			"effective_end_date:DATE",
			"source_note:VARCHAR",
			"updated_at:TIMESTAMP",
		},
		MissingMeansDeleted: true,
		TrackIngestRuns:     true,
	}
}

// LocationOverrideSCDConfig is the snapshot layout for location overrides in
// the lake, keyed by native sensor ID.
func LocationOverrideSCDConfig(snapshotTS time.Time) lake.SCDConfig {
	return lake.SCDConfig{
		TableBaseName: LocationOverrideTableBase,
		SnapshotTS:    snapshotTS,
		KeyColumns:    []string{"native_sensor_id:VARCHAR"},
		PayloadColumns: []string{
			"latitude:DOUBLE",
			"longitude:DOUBLE",
			"status:VARCHAR",
			"effective_date:DATE",
			"notes:VARCHAR",
			"updated_at:TIMESTAMP",
		},
		MissingMeansDeleted: true,
		TrackIngestRuns:     true,
	}
}

// EnsureLakeTables creates the lake-side dimension tables if they do not
// exist, so views and readers can reference them before the first sync.
func EnsureLakeTables(ctx context.Context, log *slog.Logger, conn lake.Connection) error {
	now := time.Now().UTC()
	if err := lake.CreateSCDTables(ctx, log, conn, SensorIdentitySCDConfig(now)); err != nil {
		return fmt.Errorf("failed to create identity mapping tables: %w", err)
	}
	if err := lake.CreateSCDTables(ctx, log, conn, LocationOverrideSCDConfig(now)); err != nil {
		return fmt.Errorf("failed to create location override tables: %w", err)
	}
	return nil
}
