// Package querier executes read-only SQL against the lake on behalf of the
// query server, and owns the dataset catalog the server advertises.
package querier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sensorlake/sensorlake/pkg/schema"
)

const readyProbeTimeout = 5 * time.Second

type Querier struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Querier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate querier config: %w", err)
	}
	return &Querier{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

type QueryResponse struct {
	Columns     []string     `json:"columns"`
	ColumnTypes []ColumnType `json:"column_types"`
	Rows        []QueryRow   `json:"rows"`
	Count       int          `json:"count"`
}

// ColumnType carries the driver's type name for a result column, so the wire
// layer can map lake types onto Postgres OIDs.
type ColumnType struct {
	DatabaseTypeName string `json:"database_type_name"`
}

type QueryRow map[string]any

// Ready reports whether the lake answers queries. The querier keeps no state
// of its own, so readiness is a live probe against the attached catalog.
func (q *Querier) Ready() bool {
	ctx, cancel := context.WithTimeout(context.Background(), readyProbeTimeout)
	defer cancel()

	conn, err := q.cfg.DB.Conn(ctx)
	if err != nil {
		q.log.Debug("readiness probe failed to get connection", "error", err)
		return false
	}
	defer conn.Close()

	var one int
	if err := conn.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		q.log.Debug("readiness probe query failed", "error", err)
		return false
	}
	return true
}

func (q *Querier) CandidateSchemas(_ context.Context) []*schema.Schema {
	return q.cfg.Schemas
}

// EnabledSchemas filters the candidates down to datasets with at least one
// table or view present in the lake. Raw landing schemas for sources that
// have never been ingested drop out here.
func (q *Querier) EnabledSchemas(ctx context.Context) ([]*schema.Schema, error) {
	sql := fmt.Sprintf(`SELECT table_name FROM information_schema.tables WHERE table_catalog = '%s' AND table_schema = '%s'`,
		q.cfg.DB.Catalog(), q.cfg.DB.Schema())

	conn, err := q.cfg.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to query schema: %w", err)
	}
	defer rows.Close()

	tables := make(map[string]bool)
	for rows.Next() {
		var tableName string
		if err := rows.Scan(&tableName); err != nil {
			return nil, fmt.Errorf("failed to scan schema row: %w", err)
		}
		tables[tableName] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schema rows: %w", err)
	}

	schemas := make([]*schema.Schema, 0, len(q.cfg.Schemas))
	for _, candidate := range q.cfg.Schemas {
		for _, table := range candidate.Tables {
			if tables[table.LakeName()] {
				schemas = append(schemas, candidate)
				break
			}
		}
	}
	return schemas, nil
}

func (q *Querier) Query(ctx context.Context, sql string) (QueryResponse, error) {
	conn, err := q.cfg.DB.Conn(ctx)
	if err != nil {
		return QueryResponse{}, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, sql)
	if err != nil {
		return QueryResponse{}, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return QueryResponse{}, fmt.Errorf("failed to get columns: %w", err)
	}
	driverTypes, err := rows.ColumnTypes()
	if err != nil {
		return QueryResponse{}, fmt.Errorf("failed to get column types: %w", err)
	}
	columnTypes := make([]ColumnType, len(driverTypes))
	for i, ct := range driverTypes {
		columnTypes[i] = ColumnType{DatabaseTypeName: ct.DatabaseTypeName()}
	}

	var resultRows []QueryRow
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return QueryResponse{}, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(QueryRow)
		for i, col := range columns {
			val := values[i]
			if val == nil {
				row[col] = nil
			} else {
				switch v := val.(type) {
				case []byte:
					row[col] = string(v)
				default:
					row[col] = val
				}
			}
		}
		resultRows = append(resultRows, row)
	}

	if err := rows.Err(); err != nil {
		return QueryResponse{}, fmt.Errorf("error iterating rows: %w", err)
	}

	return QueryResponse{
		Columns:     columns,
		ColumnTypes: columnTypes,
		Rows:        resultRows,
		Count:       len(resultRows),
	}, nil
}
