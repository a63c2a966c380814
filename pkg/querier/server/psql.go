package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	wire "github.com/jeroenrinzema/psql-wire"
	"github.com/jeroenrinzema/psql-wire/codes"
	pgerror "github.com/jeroenrinzema/psql-wire/errors"
	"github.com/jeroenrinzema/psql-wire/pkg/buffer"
	"github.com/jeroenrinzema/psql-wire/pkg/types"
	"github.com/lib/pq/oid"
)

// createAuthStrategy builds the wire auth handler. With no accounts
// configured every client is accepted without a password prompt; otherwise
// clients go through the cleartext password flow against the account map.
func createAuthStrategy(log *slog.Logger, accounts map[string]string) wire.AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (context.Context, error) {
		params := wire.ClientParameters(ctx)
		database := params[wire.ParamDatabase]
		username := params[wire.ParamUsername]

		if len(accounts) == 0 {
			writer.Start(types.ServerAuth)
			writer.AddInt32(0) // authOK
			if err := writer.End(); err != nil {
				return ctx, err
			}
			log.Debug("postgres: authentication disabled, allowing connection", "database", database, "username", username)
			return ctx, nil
		}

		writer.Start(types.ServerAuth)
		writer.AddInt32(3) // authCleartextPassword
		if err := writer.End(); err != nil {
			return ctx, err
		}

		t, _, err := reader.ReadTypedMsg()
		if err != nil {
			return ctx, err
		}
		if t != types.ClientPassword {
			return ctx, fmt.Errorf("unexpected password message type: %v", t)
		}
		password, err := reader.GetString()
		if err != nil {
			return ctx, err
		}

		log.Debug("postgres: authentication requested", "database", database, "username", username, "has_password", password != "")
		expectedPassword, exists := accounts[username]
		if !exists || password != expectedPassword {
			log.Debug("postgres: authentication failed", "username", username)
			authErr := pgerror.WithCode(errors.New("invalid username/password"), codes.InvalidPassword)
			if err := wire.ErrorCode(writer, authErr); err != nil {
				return ctx, err
			}
			return ctx, authErr
		}

		log.Debug("postgres: authentication successful", "username", username)
		writer.Start(types.ServerAuth)
		writer.AddInt32(0) // authOK
		return ctx, writer.End()
	}
}

// mutationVerbs are leading statement keywords the server refuses: the lake
// is read-only over the wire. Session statements (SET, BEGIN) stay allowed so
// stock clients and their drivers keep working.
var mutationVerbs = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true,
	"CREATE": true, "DROP": true, "ALTER": true, "TRUNCATE": true,
	"COPY": true, "ATTACH": true, "DETACH": true, "INSTALL": true,
	"LOAD": true, "CALL": true, "GRANT": true, "REVOKE": true,
	"VACUUM": true, "CHECKPOINT": true, "IMPORT": true, "EXPORT": true,
}

// leadingKeyword returns the first SQL token of a statement uppercased,
// skipping blank and comment-only lines.
func leadingKeyword(query string) string {
	for _, line := range strings.Split(query, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		return strings.ToUpper(strings.TrimLeft(fields[0], "("))
	}
	return ""
}

// queryHandler parses one wire-protocol query into a prepared statement.
func (s *Server) queryHandler(ctx context.Context, query string) (wire.PreparedStatements, error) {
	s.log.Debug("incoming query", "query", query)

	// Clients probe connections with empty queries or bare semicolons.
	normalizedQuery := strings.TrimSpace(query)
	if normalizedQuery == "" || normalizedQuery == ";" {
		return wire.Prepared(wire.NewStatement(
			func(ctx context.Context, writer wire.DataWriter, parameters []wire.Parameter) error {
				return writer.Complete("")
			},
			wire.WithColumns(wire.Columns{}),
		)), nil
	}

	// "-- ping" answers without touching the lake.
	normalizedPing := strings.ToLower(strings.Join(strings.Fields(query), " "))
	if normalizedPing == "-- ping" {
		columns := wire.Columns{
			wire.Column{
				Name: "pong",
				Oid:  pgtype.TextOID,
			},
		}
		return wire.Prepared(wire.NewStatement(
			func(ctx context.Context, writer wire.DataWriter, parameters []wire.Parameter) error {
				if err := writer.Row([]any{"pong"}); err != nil {
					return err
				}
				return writer.Complete("SELECT")
			},
			wire.WithColumns(columns),
		)), nil
	}

	if verb := leadingKeyword(query); mutationVerbs[verb] {
		s.log.Debug("rejected mutation statement", "verb", verb)
		return nil, pgerror.WithCode(fmt.Errorf("%s statements are not allowed: the lake is read-only", verb), codes.InsufficientPrivilege)
	}

	// psql and friends issue Postgres catalog queries the lake cannot answer
	// verbatim; rewrite the recognized ones.
	rewrittenQuery := rewriteQueryForDuckDB(query)
	if rewrittenQuery != query {
		s.log.Debug("rewrote query for DuckDB", "original", query, "rewritten", rewrittenQuery)
		query = rewrittenQuery
	}

	// Execute up front: the prepared statement needs column metadata before
	// any row is written.
	resp, err := s.querier.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}

	columns := make(wire.Columns, len(resp.Columns))
	for i, colName := range resp.Columns {
		oidType := pgtype.TextOID
		if i < len(resp.ColumnTypes) {
			oidType = mapDuckDBTypeToPostgreSQLOID(resp.ColumnTypes[i].DatabaseTypeName)
		}
		columns[i] = wire.Column{
			Name: colName,
			Oid:  oidType,
		}
	}

	return wire.Prepared(wire.NewStatement(
		func(ctx context.Context, writer wire.DataWriter, parameters []wire.Parameter) error {
			for _, row := range resp.Rows {
				values := make([]any, len(resp.Columns))
				for i, colName := range resp.Columns {
					val := row[colName]
					oidType := pgtype.TextOID
					if i < len(columns) {
						oidType = columns[i].Oid
					}

					encodedVal, err := encodeValueForPostgreSQL(val, oidType)
					if err != nil {
						return fmt.Errorf("failed to encode value for column %s: %w", colName, err)
					}
					values[i] = encodedVal
				}
				if err := writer.Row(values); err != nil {
					return err
				}
			}
			return writer.Complete("SELECT")
		},
		wire.WithColumns(columns),
	)), nil
}

// mapDuckDBTypeToPostgreSQLOID maps DuckDB type names onto Postgres OIDs.
// Matching is by prefix, so the more specific name must come before any name
// it extends: INTERVAL and INT8 before INT, FLOAT8 before FLOAT, DATETIME
// before DATE.
func mapDuckDBTypeToPostgreSQLOID(dbTypeName string) oid.Oid {
	dbTypeName = strings.ToUpper(strings.TrimSpace(dbTypeName))

	switch {
	case strings.HasPrefix(dbTypeName, "BOOLEAN") || strings.HasPrefix(dbTypeName, "BOOL"):
		return pgtype.BoolOID
	case strings.HasPrefix(dbTypeName, "INTERVAL"):
		// Intervals travel as formatted text.
		return pgtype.TextOID
	case strings.HasPrefix(dbTypeName, "TINYINT"):
		return pgtype.Int2OID
	case strings.HasPrefix(dbTypeName, "SMALLINT") || strings.HasPrefix(dbTypeName, "INT2"):
		return pgtype.Int2OID
	case strings.HasPrefix(dbTypeName, "BIGINT") || strings.HasPrefix(dbTypeName, "INT8"):
		return pgtype.Int8OID
	case strings.HasPrefix(dbTypeName, "INTEGER") || strings.HasPrefix(dbTypeName, "INT"):
		return pgtype.Int4OID
	case strings.HasPrefix(dbTypeName, "DOUBLE") || strings.HasPrefix(dbTypeName, "FLOAT8"):
		return pgtype.Float8OID
	case strings.HasPrefix(dbTypeName, "REAL") || strings.HasPrefix(dbTypeName, "FLOAT"):
		return pgtype.Float4OID
	case strings.HasPrefix(dbTypeName, "DECIMAL") || strings.HasPrefix(dbTypeName, "NUMERIC"):
		return pgtype.NumericOID
	case strings.HasPrefix(dbTypeName, "VARCHAR") || strings.HasPrefix(dbTypeName, "CHAR") || strings.HasPrefix(dbTypeName, "STRING") || strings.HasPrefix(dbTypeName, "TEXT"):
		return pgtype.TextOID
	case strings.HasPrefix(dbTypeName, "TIMESTAMPTZ") || strings.HasPrefix(dbTypeName, "TIMESTAMP WITH TIME ZONE"):
		return pgtype.TimestamptzOID
	case strings.HasPrefix(dbTypeName, "TIMESTAMP") || strings.HasPrefix(dbTypeName, "DATETIME"):
		return pgtype.TimestampOID
	case strings.HasPrefix(dbTypeName, "DATE"):
		return pgtype.DateOID
	case strings.HasPrefix(dbTypeName, "TIME"):
		return pgtype.TimeOID
	case strings.HasPrefix(dbTypeName, "BLOB") || strings.HasPrefix(dbTypeName, "BYTEA") || strings.HasPrefix(dbTypeName, "BINARY"):
		return pgtype.ByteaOID
	case strings.HasPrefix(dbTypeName, "UUID"):
		return pgtype.UUIDOID
	case strings.HasPrefix(dbTypeName, "JSON") || strings.HasPrefix(dbTypeName, "JSONB"):
		return pgtype.JSONOID
	default:
		return pgtype.TextOID
	}
}

// formatDuckDBInterval renders a DuckDB interval value as readable text. The
// driver hands intervals back as a struct with Days, Months, and Micros
// fields; anything without that shape returns "". Months flatten to 30-day
// blocks, matching how the lake treats calendar arithmetic in windows.
func formatDuckDBInterval(val any) string {
	v := reflect.ValueOf(val)
	if !v.IsValid() {
		return ""
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return ""
	}

	days := v.FieldByName("Days")
	months := v.FieldByName("Months")
	micros := v.FieldByName("Micros")
	if !days.IsValid() || !months.IsValid() || !micros.IsValid() {
		return ""
	}
	if !days.CanInt() || !months.CanInt() || !micros.CanInt() {
		return ""
	}

	totalDays := days.Int() + months.Int()*30
	totalSecs := micros.Int() / 1_000_000
	hours := totalSecs / 3600
	minutes := (totalSecs % 3600) / 60
	seconds := totalSecs % 60

	var parts []string
	if totalDays != 0 {
		parts = append(parts, intervalPart(totalDays, "day"))
	}
	if hours != 0 {
		parts = append(parts, intervalPart(hours, "hour"))
	}
	if minutes != 0 {
		parts = append(parts, intervalPart(minutes, "minute"))
	}
	if seconds != 0 {
		parts = append(parts, intervalPart(seconds, "second"))
	}
	if len(parts) == 0 {
		return "0 seconds"
	}
	return strings.Join(parts, " ")
}

func intervalPart(n int64, unit string) string {
	if n == 1 || n == -1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// encodeValueForPostgreSQL converts a scanned lake value into something the
// wire encoder accepts for the given OID.
func encodeValueForPostgreSQL(val any, oidType oid.Oid) (any, error) {
	if val == nil {
		return nil, nil
	}

	switch oidType {
	case pgtype.BoolOID:
		switch v := val.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			return b, nil
		default:
			return val, nil
		}
	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID:
		return val, nil
	case pgtype.Float4OID, pgtype.Float8OID:
		return val, nil
	case pgtype.NumericOID:
		return fmt.Sprintf("%v", val), nil
	case pgtype.TextOID, pgtype.VarcharOID:
		// Interval structs arrive under a text OID; render them readably
		// instead of dumping the struct.
		if formatted := formatDuckDBInterval(val); formatted != "" {
			return formatted, nil
		}
		return fmt.Sprintf("%v", val), nil
	case pgtype.DateOID, pgtype.TimeOID, pgtype.TimestampOID, pgtype.TimestamptzOID:
		if t, ok := val.(time.Time); ok {
			return t, nil
		}
		if s, ok := val.(string); ok {
			for _, layout := range []string{
				time.RFC3339,
				time.RFC3339Nano,
				"2006-01-02 15:04:05",
				"2006-01-02T15:04:05",
				"2006-01-02",
			} {
				if t, err := time.Parse(layout, s); err == nil {
					return t, nil
				}
			}
		}
		return fmt.Sprintf("%v", val), nil
	case pgtype.ByteaOID:
		switch v := val.(type) {
		case []byte:
			return v, nil
		case string:
			return []byte(v), nil
		default:
			return []byte(fmt.Sprintf("%v", val)), nil
		}
	case pgtype.UUIDOID:
		return fmt.Sprintf("%v", val), nil
	case pgtype.JSONOID, pgtype.JSONBOID:
		return fmt.Sprintf("%v", val), nil
	default:
		return fmt.Sprintf("%v", val), nil
	}
}

// rewriteQueryForDuckDB substitutes lake-answerable SQL for the Postgres
// catalog queries psql sends for \d and \d <table>.
func rewriteQueryForDuckDB(query string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(query), " "))

	if isPostgreSQLTableListingQuery(normalized) {
		return rewriteTableListingQuery()
	}

	if isPostgreSQLColumnListingQuery(normalized) {
		if tableName := extractTableNameFromColumnQuery(query); tableName != "" {
			return rewriteColumnListingQuery(tableName)
		}
	}

	return query
}

// isPostgreSQLTableListingQuery matches the information_schema.tables query
// psql builds for \d: a CASE over search_path plus system-schema exclusions.
func isPostgreSQLTableListingQuery(normalizedQuery string) bool {
	hasInfoSchema := strings.Contains(normalizedQuery, "from information_schema.tables")
	hasSearchPath := strings.Contains(normalizedQuery, "search_path")
	hasCase := strings.Contains(normalizedQuery, "case")
	hasSystemSchemaExclusions := strings.Contains(normalizedQuery, "pg_catalog") ||
		strings.Contains(normalizedQuery, "information_schema") ||
		strings.Contains(normalizedQuery, "timescaledb")

	return hasInfoSchema && hasSearchPath && hasCase && hasSystemSchemaExclusions
}

// rewriteTableListingQuery lists the lake's tables and views the way \d
// expects them: one "table" column, current-schema names unqualified.
func rewriteTableListingQuery() string {
	return `SELECT
  CASE
    WHEN table_schema = current_schema() THEN table_name
    ELSE table_schema || '.' || table_name
  END AS "table"
FROM information_schema.tables
WHERE table_catalog = current_database() AND table_schema = 'main'
ORDER BY
  CASE
    WHEN table_schema = current_schema() THEN 0
    ELSE 1
  END,
  "table"`
}

// isPostgreSQLColumnListingQuery matches the information_schema.columns query
// psql builds for \d <table>.
func isPostgreSQLColumnListingQuery(normalizedQuery string) bool {
	hasInfoSchema := strings.Contains(normalizedQuery, "from information_schema.columns")
	hasParseIdent := strings.Contains(normalizedQuery, "parse_ident")
	hasSearchPath := strings.Contains(normalizedQuery, "search_path")
	hasColumnAndType := strings.Contains(normalizedQuery, `"column"`) && strings.Contains(normalizedQuery, `"type"`)

	return hasInfoSchema && hasParseIdent && hasSearchPath && hasColumnAndType
}

// extractTableNameFromColumnQuery pulls the target table out of a \d <table>
// query, either from parse_ident('...') or from a direct table_name filter.
func extractTableNameFromColumnQuery(query string) string {
	parseIdentPattern := regexp.MustCompile(`parse_ident\s*\(\s*'([^']+)'`)
	matches := parseIdentPattern.FindStringSubmatch(query)
	if len(matches) > 1 {
		// May be 'table' or 'schema.table'; the rewrite splits it.
		return matches[1]
	}

	tableNamePattern := regexp.MustCompile(`quote_ident\(table_name\)\s*=\s*'([^']+)'`)
	matches = tableNamePattern.FindStringSubmatch(strings.ToLower(query))
	if len(matches) > 1 {
		return matches[1]
	}

	return ""
}

func rewriteColumnListingQuery(tableName string) string {
	tableParts := strings.Split(tableName, ".")
	var whereClause string
	if len(tableParts) == 2 {
		whereClause = fmt.Sprintf("table_schema = '%s' AND table_name = '%s'", tableParts[0], tableParts[1])
	} else {
		whereClause = fmt.Sprintf("table_catalog = current_database() AND table_name = '%s' AND table_schema = current_schema()", tableName)
	}

	return fmt.Sprintf(`SELECT
  column_name AS "column",
  data_type AS "type"
FROM information_schema.columns
WHERE %s
ORDER BY ordinal_position`, whereClause)
}
