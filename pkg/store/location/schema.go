package location

import (
	"github.com/sensorlake/sensorlake/pkg/schema"
)

var Schema = &schema.Schema{
	Name: "canonical-locations",
	Description: `
Stabilized per-sensor positions, one snapshot per processing date.

ALGORITHM:
- Coordinates from the landing tables round to 5 decimals and vote at most
  once per sensor-day over the trailing 90-day window.
- The position seen on the most distinct days wins; ties break by most recent
  last day, then lexicographic (lat, lon).
- Sensors with no full coordinate pair in the window have no row; a curated
  location override always beats the canonical position in enriched views.

USAGE:
- Filter on as_of_date; each date is a complete independent snapshot.
- days_observed vs mode_count indicates how contested the position was.
`,
	Tables: []schema.TableInfo{
		{
			Name:        TableName,
			Description: "Mode-consensus sensor positions, replaced per as_of_date partition.",
			Columns: []schema.ColumnInfo{
				{Name: "native_sensor_id", Type: "VARCHAR", Description: "Hardware sensor identifier as reported upstream"},
				{Name: "canonical_lat", Type: "DOUBLE", Description: "Winning latitude, rounded to 5 decimals"},
				{Name: "canonical_lon", Type: "DOUBLE", Description: "Winning longitude, rounded to 5 decimals"},
				{Name: "as_of_date", Type: "DATE", Description: "Processing date this snapshot was computed for"},
				{Name: "days_observed", Type: "BIGINT", Description: "Distinct days with any coordinate pair in the window"},
				{Name: "distinct_locations", Type: "BIGINT", Description: "Distinct rounded positions seen in the window"},
				{Name: "mode_count", Type: "BIGINT", Description: "Distinct days the winning position was seen"},
				{Name: "mode_last_day", Type: "DATE", Description: "Most recent day the winning position was seen"},
			},
		},
	},
}
