package enrich

import (
	"github.com/sensorlake/sensorlake/pkg/schema"
)

// enrichmentColumnInfo describes the annotation columns both views append to
// their fact columns.
func enrichmentColumnInfo() []schema.ColumnInfo {
	return []schema.ColumnInfo{
		{Name: "sensor_id", Type: "VARCHAR", Description: "Stable logical sensor ID from the identity mapping; falls back to native_sensor_id when unmapped"},
		{Name: "mapping_note", Type: "VARCHAR", Description: "Operator note from the applied identity mapping, NULL when unmapped"},
		{Name: "resolved_lat", Type: "DOUBLE", Description: "Latitude after precedence: override, then canonical, then observed; NULL when none apply"},
		{Name: "resolved_lon", Type: "DOUBLE", Description: "Longitude after the same precedence as resolved_lat"},
		{Name: "location_source", Type: "VARCHAR", Description: "Which tier supplied the coordinates: override, canonical, observed, or none"},
		{Name: "override_status", Type: "VARCHAR", Description: "Status of the sensor's location override, NULL when no override exists"},
	}
}

var Schema = &schema.Schema{
	Name: "enriched-views",
	Description: `
Serving views over the fact tiers with identity and location resolution
applied. These are the preferred read surface; querying the bare fact tables
skips the mapping and precedence rules.

RESOLUTION RULES:
- sensor_id comes from the identity mapping active on the fact date; when
  several overlap, latest updated_at wins, then smallest sensor_id.
- Coordinates follow override > canonical > observed > none. An override
  contributes only while active and past its effective date.

FRESHNESS:
- Views are plain SQL over the live tables, so they reflect the latest
  materialized partitions with no extra refresh step.
`,
	Tables: []schema.TableInfo{
		{
			Name:        EventsViewName,
			Description: "Event facts annotated with resolved identity and coordinates.",
			Columns: append([]schema.ColumnInfo{
				{Name: "ts", Type: "TIMESTAMP", Description: "Reading timestamp (UTC)"},
				{Name: "source", Type: "VARCHAR", Description: "Source network, e.g. weather or airquality"},
				{Name: "native_sensor_id", Type: "VARCHAR", Description: "Hardware sensor identifier as reported upstream"},
				{Name: "metric_name", Type: "VARCHAR", Description: "Manifest metric name, e.g. temperature_c"},
				{Name: "value", Type: "DOUBLE", Description: "Metric value"},
				{Name: "latitude", Type: "DOUBLE", Description: "Reported latitude, NULL when absent"},
				{Name: "longitude", Type: "DOUBLE", Description: "Reported longitude, NULL when absent"},
				{Name: "geo_point", Type: "VARCHAR", Description: `"lat,lon" at 5 decimals; NULL unless both coordinates present`},
			}, enrichmentColumnInfo()...),
		},
		{
			Name:        DailyViewName,
			Description: "Daily aggregates annotated with resolved identity and coordinates; the export job mirrors this view to ClickHouse.",
			Columns: append([]schema.ColumnInfo{
				{Name: "period_start", Type: "TIMESTAMP", Description: "Start of the daily bucket (UTC)"},
				{Name: "source", Type: "VARCHAR", Description: "Source network, e.g. weather or airquality"},
				{Name: "native_sensor_id", Type: "VARCHAR", Description: "Hardware sensor identifier as reported upstream"},
				{Name: "metric_name", Type: "VARCHAR", Description: "Manifest metric name, e.g. temperature_c"},
				{Name: "avg_value", Type: "DOUBLE", Description: "Arithmetic mean of contributing event values"},
				{Name: "min_value", Type: "DOUBLE", Description: "Minimum contributing event value"},
				{Name: "max_value", Type: "DOUBLE", Description: "Maximum contributing event value"},
				{Name: "sample_count", Type: "BIGINT", Description: "Number of contributing events"},
				{Name: "latitude", Type: "DOUBLE", Description: "Latitude of the latest full coordinate pair in the bucket, NULL when none"},
				{Name: "longitude", Type: "DOUBLE", Description: "Longitude of the latest full coordinate pair in the bucket, NULL when none"},
			}, enrichmentColumnInfo()...),
		},
	},
}
