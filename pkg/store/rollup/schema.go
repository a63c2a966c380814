package rollup

import (
	"github.com/sensorlake/sensorlake/pkg/schema"
)

func aggregateColumnInfo(period string) []schema.ColumnInfo {
	return []schema.ColumnInfo{
		{Name: "period_start", Type: "TIMESTAMP", Description: "Start of the " + period + " bucket (UTC)"},
		{Name: "source", Type: "VARCHAR", Description: "Source network, e.g. weather or airquality"},
		{Name: "native_sensor_id", Type: "VARCHAR", Description: "Hardware sensor identifier as reported upstream"},
		{Name: "metric_name", Type: "VARCHAR", Description: "Manifest metric name, e.g. temperature_c"},
		{Name: "avg_value", Type: "DOUBLE", Description: "Arithmetic mean of contributing event values"},
		{Name: "min_value", Type: "DOUBLE", Description: "Minimum contributing event value"},
		{Name: "max_value", Type: "DOUBLE", Description: "Maximum contributing event value"},
		{Name: "sample_count", Type: "BIGINT", Description: "Number of contributing events; empty buckets produce no row"},
		{Name: "latitude", Type: "DOUBLE", Description: "Latitude of the latest full coordinate pair in the bucket, NULL when none"},
		{Name: "longitude", Type: "DOUBLE", Description: "Longitude of the latest full coordinate pair in the bucket, NULL when none"},
	}
}

var Schema = &schema.Schema{
	Name: "sensor-rollups",
	Description: `
Statistical rollups of sensor events by (period, sensor, metric).

REFRESH RULES:
- Hourly buckets are recomputed for the processed date only.
- Daily buckets are recomputed over the trailing 7-day window every run, so
  late-arriving events surface without manual backfills.

CONSISTENCY:
- sample_count equals the number of events in the bucket; summing it over a
  range must match the event count for the same range (the cross-tier
  consistency quality check enforces this).

JOIN PATHS:
- Prefer the daily_enriched view, which adds the stable sensor_id and
  resolved coordinates.
`,
	Tables: []schema.TableInfo{
		{
			Name:        HourlyTableName,
			Description: "Hourly avg/min/max/count per (hour, sensor, metric), replaced per date partition.",
			Columns:     aggregateColumnInfo("hour"),
		},
		{
			Name:        DailyTableName,
			Description: "Daily avg/min/max/count per (day, sensor, metric), replaced over the trailing 7-day window.",
			Columns:     aggregateColumnInfo("day"),
		},
	},
}
