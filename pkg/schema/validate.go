package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/sensorlake/sensorlake/pkg/lake"
)

// Validate checks the in-code schema against the live lake: every declared
// table must exist with every declared column, every column in the lake must
// be declared and described, and no declared column may be absent. SCD2
// tables (marked with "(SCD2)" in their description) validate against their
// _current table and may be absent entirely, since the sync job creates them
// on first use.
func Validate(ctx context.Context, db lake.DB, schema *Schema) error {
	expectedTables := make([]string, 0, len(schema.Tables))
	tableNameMap := make(map[string]string)
	for _, table := range schema.Tables {
		actual := table.LakeName()
		expectedTables = append(expectedTables, actual)
		tableNameMap[actual] = table.Name
	}

	if len(expectedTables) == 0 {
		return nil
	}

	tableNames := make([]string, len(expectedTables))
	for i, name := range expectedTables {
		tableNames[i] = fmt.Sprintf("'%s'", strings.ReplaceAll(name, "'", "''"))
	}
	query := fmt.Sprintf(`
		SELECT
			table_name,
			column_name,
			data_type
		FROM information_schema.columns
		WHERE table_catalog = '%s' AND table_schema = '%s'
			AND table_name IN (%s)
		ORDER BY table_name, ordinal_position
	`, db.Catalog(), db.Schema(), strings.Join(tableNames, ", "))

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query schema: %w", err)
	}
	defer rows.Close()

	tableColumns := make(map[string]map[string]string)
	for rows.Next() {
		var tableName, columnName, dataType string
		if err := rows.Scan(&tableName, &columnName, &dataType); err != nil {
			return fmt.Errorf("failed to scan schema row: %w", err)
		}
		if tableColumns[tableName] == nil {
			tableColumns[tableName] = make(map[string]string)
		}
		tableColumns[tableName][columnName] = dataType
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating schema rows: %w", err)
	}

	declared := make(map[string]map[string]ColumnInfo)
	for _, table := range schema.Tables {
		declared[table.Name] = make(map[string]ColumnInfo)
		for _, col := range table.Columns {
			declared[table.Name][col.Name] = col
		}
	}

	var missing []string
	for dbTable, dbCols := range tableColumns {
		declaredName, ok := tableNameMap[dbTable]
		if !ok {
			continue
		}
		declaredCols, ok := declared[declaredName]
		if !ok {
			missing = append(missing, fmt.Sprintf("table %s: present in lake but not declared", dbTable))
			continue
		}
		for colName := range dbCols {
			if isSCD2MetadataColumn(colName) {
				continue
			}
			col, ok := declaredCols[colName]
			if !ok {
				missing = append(missing, fmt.Sprintf("table %s, column %s: present in lake but not declared", dbTable, colName))
				continue
			}
			if col.Description == "" {
				missing = append(missing, fmt.Sprintf("table %s, column %s: missing description", dbTable, colName))
			}
		}
		for colName := range declaredCols {
			if isSCD2MetadataColumn(colName) {
				continue
			}
			if _, ok := dbCols[colName]; !ok {
				missing = append(missing, fmt.Sprintf("table %s, column %s: declared but not in lake", dbTable, colName))
			}
		}
	}

	for _, table := range schema.Tables {
		dbTable := table.LakeName()
		if _, ok := tableColumns[dbTable]; !ok {
			// SCD2 tables appear only after the first dimension sync.
			if isSCD2Table(table) {
				continue
			}
			missing = append(missing, fmt.Sprintf("table %s: declared but not in lake", table.Name))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("schema validation failed:\n  %s", strings.Join(missing, "\n  "))
	}
	return nil
}

func isSCD2Table(table TableInfo) bool {
	return strings.Contains(table.Description, "(SCD2)")
}

func isSCD2MetadataColumn(name string) bool {
	return name == "as_of_ts" || name == "row_hash"
}
