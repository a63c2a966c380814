package events

import (
	"github.com/sensorlake/sensorlake/pkg/schema"
)

var Schema = &schema.Schema{
	Name: "sensor-events",
	Description: `
Long-format sensor readings: one row per (timestamp, sensor, metric).

GRAIN:
- Unique per (ts, native_sensor_id, metric_name) within a date partition.
- One source batch row fans out to one event per manifest metric, so missing
  optional metrics still appear with their typed default value.

COORDINATES:
- latitude/longitude are replicated from the source reading and may be NULL.
- geo_point is "lat,lon" at 5 decimals, present only when both coordinates are.

JOIN PATHS:
- native_sensor_id → sensor_identity_mappings_current.native_sensor_id for the
  stable logical sensor_id (range join on the event date).
- Prefer the events_enriched view, which applies the identity and location
  resolution rules.
`,
	Tables: []schema.TableInfo{
		{
			Name:        TableName,
			Description: "Long-format event facts, replaced wholesale per date partition. Query with a ts filter to stay partition-pruned.",
			Columns: []schema.ColumnInfo{
				{Name: "ts", Type: "TIMESTAMP", Description: "Reading timestamp (UTC)"},
				{Name: "source", Type: "VARCHAR", Description: "Source network, e.g. weather or airquality"},
				{Name: "native_sensor_id", Type: "VARCHAR", Description: "Hardware sensor identifier as reported upstream"},
				{Name: "metric_name", Type: "VARCHAR", Description: "Manifest metric name, e.g. temperature_c"},
				{Name: "value", Type: "DOUBLE", Description: "Metric value; typed default 0.0 when the source omitted the metric"},
				{Name: "latitude", Type: "DOUBLE", Description: "Reported latitude, NULL when absent"},
				{Name: "longitude", Type: "DOUBLE", Description: "Reported longitude, NULL when absent"},
				{Name: "geo_point", Type: "VARCHAR", Description: `"lat,lon" at 5 decimals; NULL unless both coordinates present`},
			},
		},
	},
}
