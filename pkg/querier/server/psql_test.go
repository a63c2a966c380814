package server

import (
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pq/oid"
	"github.com/stretchr/testify/require"
)

// duckDBInterval mirrors the shape the DuckDB driver returns for INTERVAL
// columns.
type duckDBInterval struct {
	Days   int64
	Months int64
	Micros int64
}

// driverInterval uses the driver's actual field widths.
type driverInterval struct {
	Days   int32
	Months int32
	Micros int64
}

func Test_mapDuckDBTypeToPostgreSQLOID(t *testing.T) {
	tests := []struct {
		name     string
		dbType   string
		expected oid.Oid
	}{
		// Booleans
		{"boolean", "BOOLEAN", pgtype.BoolOID},
		{"bool", "BOOL", pgtype.BoolOID},
		{"boolean lowercase", "boolean", pgtype.BoolOID},
		{"bool with spaces", "  BOOL  ", pgtype.BoolOID},

		// Integers
		{"tinyint", "TINYINT", pgtype.Int2OID},
		{"smallint", "SMALLINT", pgtype.Int2OID},
		{"int2", "INT2", pgtype.Int2OID},
		{"integer", "INTEGER", pgtype.Int4OID},
		{"int", "INT", pgtype.Int4OID},
		{"int4", "INT4", pgtype.Int4OID},
		{"bigint", "BIGINT", pgtype.Int8OID},
		{"int8 is 64-bit, not the INT prefix", "INT8", pgtype.Int8OID},

		// INTERVAL shares the INT prefix and must not fall into the integers
		{"interval", "INTERVAL", pgtype.TextOID},
		{"interval lowercase", "interval", pgtype.TextOID},
		{"interval day", "INTERVAL DAY", pgtype.TextOID},
		{"interval year to month", "INTERVAL YEAR TO MONTH", pgtype.TextOID},

		// Floats
		{"real", "REAL", pgtype.Float4OID},
		{"float", "FLOAT", pgtype.Float4OID},
		{"float4", "FLOAT4", pgtype.Float4OID},
		{"double", "DOUBLE", pgtype.Float8OID},
		{"float8 is 64-bit, not the FLOAT prefix", "FLOAT8", pgtype.Float8OID},

		// Decimal
		{"decimal", "DECIMAL", pgtype.NumericOID},
		{"numeric", "NUMERIC", pgtype.NumericOID},
		{"decimal with precision", "DECIMAL(10,2)", pgtype.NumericOID},

		// Strings
		{"varchar", "VARCHAR", pgtype.TextOID},
		{"char", "CHAR", pgtype.TextOID},
		{"string", "STRING", pgtype.TextOID},
		{"text", "TEXT", pgtype.TextOID},
		{"varchar with length", "VARCHAR(255)", pgtype.TextOID},

		// Dates and times
		{"date", "DATE", pgtype.DateOID},
		{"timestamp", "TIMESTAMP", pgtype.TimestampOID},
		{"timestamptz", "TIMESTAMPTZ", pgtype.TimestamptzOID},
		{"timestamp with time zone", "TIMESTAMP WITH TIME ZONE", pgtype.TimestamptzOID},
		{"datetime is a timestamp, not the DATE prefix", "DATETIME", pgtype.TimestampOID},
		{"time", "TIME", pgtype.TimeOID},

		// Binary
		{"blob", "BLOB", pgtype.ByteaOID},
		{"bytea", "BYTEA", pgtype.ByteaOID},
		{"binary", "BINARY", pgtype.ByteaOID},

		// UUID and JSON
		{"uuid", "UUID", pgtype.UUIDOID},
		{"json", "JSON", pgtype.JSONOID},
		{"jsonb", "JSONB", pgtype.JSONOID},

		// Unknown falls back to text
		{"unknown type", "UNKNOWN_TYPE", pgtype.TextOID},
		{"empty string", "", pgtype.TextOID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := mapDuckDBTypeToPostgreSQLOID(tt.dbType)
			require.Equal(t, tt.expected, result, "type %q should map to OID %d, got %d", tt.dbType, tt.expected, result)
		})
	}
}

func Test_formatDuckDBInterval(t *testing.T) {
	tests := []struct {
		name     string
		val      any
		expected string
	}{
		{
			name:     "nil value",
			val:      nil,
			expected: "",
		},
		{
			name:     "non-struct value",
			val:      "not a struct",
			expected: "",
		},
		{
			name: "struct without interval fields",
			val: struct {
				X int
				Y string
			}{X: 1, Y: "test"},
			expected: "",
		},
		{
			name: "struct missing Days field",
			val: struct {
				Months int64
				Micros int64
			}{},
			expected: "",
		},
		{
			name:     "zero interval",
			val:      duckDBInterval{},
			expected: "0 seconds",
		},
		{
			name:     "sub-minute interval floors to seconds",
			val:      duckDBInterval{Micros: 59_598_746},
			expected: "59 seconds",
		},
		{
			name:     "one second is singular",
			val:      duckDBInterval{Micros: 1_000_000},
			expected: "1 second",
		},
		{
			name:     "minutes and seconds",
			val:      duckDBInterval{Micros: 125_000_000},
			expected: "2 minutes 5 seconds",
		},
		{
			name:     "one hour",
			val:      duckDBInterval{Micros: 3_600_000_000},
			expected: "1 hour",
		},
		{
			name:     "multiple hours",
			val:      duckDBInterval{Micros: 7_200_000_000},
			expected: "2 hours",
		},
		{
			name:     "days",
			val:      duckDBInterval{Days: 3},
			expected: "3 days",
		},
		{
			name:     "months flatten to 30-day blocks",
			val:      duckDBInterval{Days: 5, Months: 2},
			expected: "65 days",
		},
		{
			name:     "all components",
			val:      duckDBInterval{Days: 2, Months: 1, Micros: 3_661_000_000},
			expected: "32 days 1 hour 1 minute 1 second",
		},
		{
			name:     "pointer to interval",
			val:      &duckDBInterval{Days: 1},
			expected: "1 day",
		},
		{
			name:     "nil pointer",
			val:      (*duckDBInterval)(nil),
			expected: "",
		},
		{
			name:     "driver field widths",
			val:      driverInterval{Days: 1, Micros: 3_600_000_000},
			expected: "1 day 1 hour",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, formatDuckDBInterval(tt.val))
		})
	}
}

func Test_encodeValueForPostgreSQL(t *testing.T) {
	tests := []struct {
		name     string
		val      any
		oidType  oid.Oid
		expected any
	}{
		{
			name:     "nil value",
			val:      nil,
			oidType:  pgtype.TextOID,
			expected: nil,
		},
		{
			name:     "bool passthrough",
			val:      true,
			oidType:  pgtype.BoolOID,
			expected: true,
		},
		{
			name:     "bool from string",
			val:      "true",
			oidType:  pgtype.BoolOID,
			expected: true,
		},
		{
			name:     "int passthrough",
			val:      int64(42),
			oidType:  pgtype.Int8OID,
			expected: int64(42),
		},
		{
			name:     "float passthrough",
			val:      3.14159,
			oidType:  pgtype.Float8OID,
			expected: 3.14159,
		},
		{
			name:     "numeric as string",
			val:      "123.45",
			oidType:  pgtype.NumericOID,
			expected: "123.45",
		},
		{
			name:     "text passthrough",
			val:      "hello world",
			oidType:  pgtype.TextOID,
			expected: "hello world",
		},
		{
			name:     "interval under a text OID is formatted",
			val:      duckDBInterval{Micros: 59_598_746},
			oidType:  pgtype.TextOID,
			expected: "59 seconds",
		},
		{
			name:     "complex interval under a text OID",
			val:      duckDBInterval{Days: 1, Micros: 3_600_000_000},
			oidType:  pgtype.TextOID,
			expected: "1 day 1 hour",
		},
		{
			name:     "time.Time passthrough",
			val:      time.Date(2025, 7, 10, 12, 30, 45, 0, time.UTC),
			oidType:  pgtype.TimestampOID,
			expected: time.Date(2025, 7, 10, 12, 30, 45, 0, time.UTC),
		},
		{
			name:     "timestamp from RFC3339 string",
			val:      "2025-07-10T12:30:45Z",
			oidType:  pgtype.TimestampOID,
			expected: time.Date(2025, 7, 10, 12, 30, 45, 0, time.UTC),
		},
		{
			name:     "date from string",
			val:      "2025-07-10",
			oidType:  pgtype.DateOID,
			expected: time.Date(2025, 7, 10, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "bytea from []byte",
			val:      []byte{0x01, 0x02, 0x03},
			oidType:  pgtype.ByteaOID,
			expected: []byte{0x01, 0x02, 0x03},
		},
		{
			name:     "bytea from string",
			val:      "hello",
			oidType:  pgtype.ByteaOID,
			expected: []byte("hello"),
		},
		{
			name:     "json as string",
			val:      `{"key": "value"}`,
			oidType:  pgtype.JSONOID,
			expected: `{"key": "value"}`,
		},
		{
			name:     "unknown OID stringifies",
			val:      42,
			oidType:  oid.Oid(99999),
			expected: "42",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := encodeValueForPostgreSQL(tt.val, tt.oidType)
			require.NoError(t, err)
			require.Equal(t, tt.expected, result)
		})
	}
}

func Test_leadingKeyword(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		expected string
	}{
		{"plain select", "SELECT 1", "SELECT"},
		{"lowercase", "select * from sensor_events", "SELECT"},
		{"leading whitespace", "   WITH d AS (SELECT 1) SELECT * FROM d", "WITH"},
		{"parenthesized", "(SELECT 1)", "SELECT"},
		{"comment then statement", "-- latest readings\nSELECT * FROM daily_enriched", "SELECT"},
		{"comment then mutation", "-- cleanup\nDELETE FROM sensor_events", "DELETE"},
		{"comment only", "-- just a note", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, leadingKeyword(tt.query))
		})
	}
}

func Test_mutationVerbs(t *testing.T) {
	blocked := []string{
		"INSERT INTO sensor_events VALUES (1)",
		"insert into sensor_events values (1)",
		"UPDATE canonical_locations SET canonical_lat = 0",
		"DELETE FROM sensor_events",
		"DROP TABLE sensor_events",
		"CREATE TABLE scratch (id INTEGER)",
		"ALTER TABLE sensor_events ADD COLUMN x INTEGER",
		"COPY sensor_events TO 'out.csv'",
		"ATTACH 'other.db' AS other",
		"-- prep\nTRUNCATE sensor_events",
	}
	allowed := []string{
		"SELECT * FROM daily_enriched",
		"WITH d AS (SELECT 1) SELECT * FROM d",
		"EXPLAIN SELECT 1",
		"DESCRIBE sensor_events",
		"SHOW TABLES",
		"SET timezone = 'UTC'",
		"BEGIN",
		"-- ping",
	}

	for _, q := range blocked {
		require.True(t, mutationVerbs[leadingKeyword(q)], "query should be blocked: %q", q)
	}
	for _, q := range allowed {
		require.False(t, mutationVerbs[leadingKeyword(q)], "query should be allowed: %q", q)
	}
}

func Test_extractTableNameFromColumnQuery(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		expected string
	}{
		{
			name:     "parse_ident with simple table name",
			query:    "SELECT * FROM information_schema.columns WHERE parse_ident('sensor_events') = ...",
			expected: "sensor_events",
		},
		{
			name:     "parse_ident with schema.table",
			query:    "SELECT * FROM information_schema.columns WHERE parse_ident('main.sensor_events') = ...",
			expected: "main.sensor_events",
		},
		{
			name:     "parse_ident with spaces",
			query:    "SELECT * FROM information_schema.columns WHERE parse_ident( 'daily_enriched' ) = ...",
			expected: "daily_enriched",
		},
		{
			name:     "quote_ident fallback",
			query:    "SELECT * FROM information_schema.columns WHERE quote_ident(table_name) = 'canonical_locations'",
			expected: "canonical_locations",
		},
		{
			name:     "no match",
			query:    "SELECT * FROM information_schema.columns WHERE table_name = 'x'",
			expected: "",
		},
		{
			name:     "empty query",
			query:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, extractTableNameFromColumnQuery(tt.query))
		})
	}
}

func Test_rewriteColumnListingQuery(t *testing.T) {
	tests := []struct {
		name             string
		tableName        string
		expectedContains []string
	}{
		{
			name:      "simple table name scopes to the current schema",
			tableName: "sensor_events",
			expectedContains: []string{
				`table_name = 'sensor_events'`,
				`table_schema = current_schema()`,
				`table_catalog = current_database()`,
			},
		},
		{
			name:      "schema-qualified name",
			tableName: "main.sensor_events",
			expectedContains: []string{
				`table_schema = 'main'`,
				`table_name = 'sensor_events'`,
			},
		},
		{
			name:      "output columns",
			tableName: "daily_enriched",
			expectedContains: []string{
				`"column"`,
				`"type"`,
				`ORDER BY ordinal_position`,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := rewriteColumnListingQuery(tt.tableName)
			for _, expected := range tt.expectedContains {
				require.Contains(t, result, expected)
			}
		})
	}
}

func Test_isPostgreSQLTableListingQuery(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		expected bool
	}{
		{
			name:     "psql table listing query",
			query:    "SELECT CASE WHEN table_schema = current_schema() THEN table_name ELSE table_schema || '.' || table_name END AS table FROM information_schema.tables WHERE table_schema NOT IN ('pg_catalog', 'information_schema') AND search_path = 'public'",
			expected: true,
		},
		{
			name:     "missing information_schema.tables",
			query:    "SELECT * FROM pg_tables",
			expected: false,
		},
		{
			name:     "missing search_path",
			query:    "SELECT * FROM information_schema.tables",
			expected: false,
		},
		{
			name:     "empty query",
			query:    "",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			normalized := strings.ToLower(strings.Join(strings.Fields(tt.query), " "))
			require.Equal(t, tt.expected, isPostgreSQLTableListingQuery(normalized))
		})
	}
}

func Test_isPostgreSQLColumnListingQuery(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		expected bool
	}{
		{
			name:     "psql column listing query",
			query:    `SELECT column_name AS "column", data_type AS "type" FROM information_schema.columns WHERE parse_ident('sensor_events') = ... AND search_path = 'public'`,
			expected: true,
		},
		{
			name:     "missing parse_ident",
			query:    "SELECT * FROM information_schema.columns WHERE table_name = 'sensor_events'",
			expected: false,
		},
		{
			name:     "missing column and type aliases",
			query:    "SELECT * FROM information_schema.columns WHERE parse_ident('sensor_events') = ... AND search_path = 'public'",
			expected: false,
		},
		{
			name:     "empty query",
			query:    "",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			normalized := strings.ToLower(strings.Join(strings.Fields(tt.query), " "))
			require.Equal(t, tt.expected, isPostgreSQLColumnListingQuery(normalized))
		})
	}
}
