package raw

import (
	"fmt"

	"github.com/sensorlake/sensorlake/pkg/manifest"
	"github.com/sensorlake/sensorlake/pkg/schema"
)

// SchemaFor builds the catalog entry for one source's landing table from its
// manifest, so metric descriptions stay in one place.
func SchemaFor(m *manifest.Manifest) *schema.Schema {
	columns := []schema.ColumnInfo{
		{Name: "ts", Type: "TIMESTAMP", Description: "Reading timestamp (UTC)"},
		{Name: "native_sensor_id", Type: "VARCHAR", Description: "Hardware sensor identifier as reported upstream"},
		{Name: "latitude", Type: "DOUBLE", Description: "Reported latitude, NULL when absent"},
		{Name: "longitude", Type: "DOUBLE", Description: "Reported longitude, NULL when absent"},
	}
	for _, met := range m.Metrics {
		desc := met.Description
		if desc == "" {
			desc = fmt.Sprintf("%s metric value", met.Name)
		}
		desc += "; NULL when the source omitted it"
		columns = append(columns, schema.ColumnInfo{Name: met.Name, Type: "DOUBLE", Description: desc})
	}
	return &schema.Schema{
		Name: fmt.Sprintf("%s-raw", m.Source),
		Description: fmt.Sprintf(`
Wide-format landing rows for the %s source, one row per upstream reading.

NULL SEMANTICS:
- Metric columns preserve upstream missingness: an omitted optional metric is
  NULL here even though the event store carries its typed default.
- The null-rate and coverage quality checks read this table, not the events.

GRAIN:
- One row per (ts, native_sensor_id) batch record; partitions are replaced
  wholesale per processing date.
`, m.Source),
		Tables: []schema.TableInfo{
			{
				Name:        TableNameFor(m.Source),
				Description: fmt.Sprintf("Raw wide landing rows for %s, replaced per date partition. Query with a ts filter to stay partition-pruned.", m.Source),
				Columns:     columns,
			},
		},
	}
}
