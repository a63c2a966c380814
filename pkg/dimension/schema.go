package dimension

import "github.com/sensorlake/sensorlake/pkg/schema"

// Schema declares the lake-side dimension tables for the dataset catalog.
// Both are SCD2 snapshots; readers join the _current view of each.
var Schema = &schema.Schema{
	Name: "dimensions",
	Description: `Curated sensor dimensions, maintained by operators in Postgres and synced
into the lake as full SCD2 snapshots each pipeline run.

TABLES: each dimension lands as <name>_current (latest version per key),
<name>_history (validity windows with valid_from/valid_to and I/U/D ops), and
<name>_ingest_runs (per-run delta bookkeeping).
JOIN PATHS: sensor_identity_mappings_current.native_sensor_id = sensor_events.native_sensor_id;
location_overrides_current.native_sensor_id = canonical_locations.native_sensor_id.`,
	Tables: []schema.TableInfo{
		{
			Name: SensorIdentityTableBase,
			Description: "Native-to-logical sensor identity mappings with inclusive effective date ranges (SCD2). " +
				"Null bounds are open-ended; overlapping ranges resolve by latest updated_at, then smallest sensor_id.",
			Columns: []schema.ColumnInfo{
				{Name: "sensor_id", Type: "VARCHAR", Description: "Stable logical sensor ID assigned by operators."},
				{Name: "native_sensor_id", Type: "VARCHAR", Description: "Sensor ID as reported by the source network."},
				{Name: "effective_start_date", Type: "DATE", Description: "First date the mapping applies, inclusive. NULL means open-ended in the past."},
				{Name: "effective_end_date", Type: "DATE", Description: "Last date the mapping applies, inclusive. NULL means still active."},
				{Name: "source_note", Type: "VARCHAR", Description: "Operator note on where the mapping came from."},
				{Name: "updated_at", Type: "TIMESTAMP", Description: "Last modification time in the curated store; the overlap tie-breaker."},
			},
		},
		{
			Name: LocationOverrideTableBase,
			Description: "Operator-pinned sensor coordinates (SCD2). An override always wins over " +
				"derived canonical locations in enriched outputs.",
			Columns: []schema.ColumnInfo{
				{Name: "native_sensor_id", Type: "VARCHAR", Description: "Sensor ID as reported by the source network."},
				{Name: "latitude", Type: "DOUBLE", Description: "Pinned latitude in decimal degrees."},
				{Name: "longitude", Type: "DOUBLE", Description: "Pinned longitude in decimal degrees."},
				{Name: "status", Type: "VARCHAR", Description: "Override status, active unless set otherwise."},
				{Name: "effective_date", Type: "DATE", Description: "Date the override takes effect. NULL applies to all dates."},
				{Name: "notes", Type: "VARCHAR", Description: "Operator note on why the override exists."},
				{Name: "updated_at", Type: "TIMESTAMP", Description: "Last modification time in the curated store."},
			},
		},
	},
}
