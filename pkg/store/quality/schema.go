package quality

import "github.com/sensorlake/sensorlake/pkg/schema"

// Schema declares the quality report table for the dataset catalog.
var Schema = &schema.Schema{
	Name: "quality-reports",
	Description: `Structured quality gate results, one row per check per source per run.

GRAIN: (run_id, check_name, source). Append-only; reruns of a date produce a
new run_id rather than rewriting old reports.
SEVERITIES: warning, error, critical. A failed check never blocks
materialization; it is recorded here and surfaced by the validate command.`,
	Tables: []schema.TableInfo{
		{
			Name:        TableName,
			Description: "Quality gate check results keyed by pipeline run.",
			Columns: []schema.ColumnInfo{
				{Name: "run_id", Type: "VARCHAR", Description: "Pipeline run that produced the report."},
				{Name: "check_name", Type: "VARCHAR", Description: "Check identifier, e.g. raw_presence or coverage."},
				{Name: "source", Type: "VARCHAR", Description: "Source network the check evaluated."},
				{Name: "range_start", Type: "TIMESTAMP", Description: "Start of the evaluated window, inclusive."},
				{Name: "range_end", Type: "TIMESTAMP", Description: "End of the evaluated window, exclusive."},
				{Name: "passed", Type: "BOOLEAN", Description: "Whether the check passed its threshold."},
				{Name: "severity", Type: "VARCHAR", Description: "warning, error, or critical."},
				{Name: "metrics", Type: "VARCHAR", Description: "Per-check measurements as a JSON object of name to value."},
				{Name: "message", Type: "VARCHAR", Description: "Human-readable summary naming the offending days or metrics."},
				{Name: "created_at", Type: "TIMESTAMP", Description: "When the report row was written; the partition column."},
			},
		},
	},
}
