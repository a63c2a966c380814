package clickhouse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformForSingleNode(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name: "removes ON CLUSTER clause",
			input: `CREATE TABLE IF NOT EXISTS canonical_locations
ON CLUSTER sensorlake
(
    native_sensor_id String
) ENGINE = ReplicatedMergeTree`,
			expected: `CREATE TABLE IF NOT EXISTS canonical_locations
(
    native_sensor_id String
) ENGINE = MergeTree`,
		},
		{
			name:     "converts ReplicatedMergeTree to MergeTree",
			input:    "ENGINE = ReplicatedMergeTree",
			expected: "ENGINE = MergeTree",
		},
		{
			name:     "converts ReplicatedReplacingMergeTree with version column",
			input:    "ENGINE = ReplicatedReplacingMergeTree(\n  '/clickhouse/tables/{shard}/sensorlake/daily_enriched',\n  '{replica}',\n  exported_at\n)",
			expected: "ENGINE = ReplacingMergeTree(exported_at)",
		},
		{
			name: "full serving table transformation",
			input: `CREATE TABLE IF NOT EXISTS daily_enriched
ON CLUSTER sensorlake
(
    period_start Date,
    source LowCardinality(String),
    exported_at DateTime64(3)
)
ENGINE = ReplicatedReplacingMergeTree(
  '/clickhouse/tables/{shard}/sensorlake/daily_enriched',
  '{replica}',
  exported_at
)
PARTITION BY toYYYYMM(period_start)
ORDER BY (period_start, source);`,
			expected: `CREATE TABLE IF NOT EXISTS daily_enriched
(
    period_start Date,
    source LowCardinality(String),
    exported_at DateTime64(3)
)
ENGINE = ReplacingMergeTree(exported_at)
PARTITION BY toYYYYMM(period_start)
ORDER BY (period_start, source);`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := transformForSingleNode(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestSplitSQLStatements(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "single statement",
			input:    "CREATE TABLE t (id String);",
			expected: []string{"CREATE TABLE t (id String);"},
		},
		{
			name:  "multiple statements",
			input: "CREATE TABLE a (id String);\nCREATE TABLE b (id String);",
			expected: []string{
				"CREATE TABLE a (id String);",
				"CREATE TABLE b (id String);",
			},
		},
		{
			name:     "comments and blank lines are dropped",
			input:    "-- serving table\n\nCREATE TABLE t (id String);\n",
			expected: []string{"CREATE TABLE t (id String);"},
		},
		{
			name:     "trailing statement without semicolon",
			input:    "CREATE TABLE t (id String)",
			expected: []string{"CREATE TABLE t (id String)"},
		},
		{
			name: "multi-line statement stays whole",
			input: `CREATE TABLE t
(
    id String
);`,
			expected: []string{"CREATE TABLE t\n(\n    id String\n);"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, splitSQLStatements(tt.input))
		})
	}
}

func TestMigrationFiles(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	tables := map[string]bool{}
	for _, entry := range entries {
		require.True(t, strings.HasSuffix(entry.Name(), ".sql"), "unexpected file %s", entry.Name())

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		require.NoError(t, err)

		// Every statement must survive the single-node transform with no
		// cluster syntax left behind.
		for _, stmt := range splitSQLStatements(string(content)) {
			single := transformForSingleNode(stmt)
			assert.NotContains(t, single, "ON CLUSTER")
			assert.NotContains(t, single, "Replicated")
			if strings.Contains(single, DailyEnrichedTable) {
				tables[DailyEnrichedTable] = true
			}
			if strings.Contains(single, CanonicalLocationsTable) {
				tables[CanonicalLocationsTable] = true
			}
		}
	}

	assert.True(t, tables[DailyEnrichedTable], "daily_enriched migration missing")
	assert.True(t, tables[CanonicalLocationsTable], "canonical_locations migration missing")
}
