package lake

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/duckdb/duckdb-go/v2"
)

// DB is the surface stores need from a backing DuckDB database, whether a
// plain local file or an attached DuckLake catalog.
type DB interface {
	Catalog() string
	Schema() string
	Conn(ctx context.Context) (Connection, error)
	Close() error
}

// Connection is a single pooled connection pinned to its DB's catalog and
// schema. DuckLake DDL, COPY, and transactions are connection-scoped, so each
// store holds one Connection for the duration of a run.
type Connection interface {
	DB() DB
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

type dbConn struct {
	conn   *sql.Conn
	parent DB
}

func (c *dbConn) DB() DB {
	return c.parent
}

func (c *dbConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.conn.ExecContext(ctx, query, args...)
}

func (c *dbConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

func (c *dbConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

func (c *dbConn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.conn.BeginTx(ctx, opts)
}

func (c *dbConn) Close() error {
	return c.conn.Close()
}

// LocalDB is a single-file DuckDB database with no lakehouse catalog attached.
// Tests and single-node deployments run against it; everything else goes
// through NewLake.
type LocalDB struct {
	log     *slog.Logger
	db      *sql.DB
	catalog string
	schema  string
}

func NewDB(ctx context.Context, path string, log *slog.Logger) (*LocalDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	var catalog, schema string
	if err := db.QueryRowContext(ctx, "SELECT current_database(), current_schema()").Scan(&catalog, &schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to resolve current database and schema: %w", err)
	}
	return &LocalDB{log: log, db: db, catalog: catalog, schema: schema}, nil
}

func (d *LocalDB) Catalog() string {
	return d.catalog
}

func (d *LocalDB) Schema() string {
	return d.schema
}

func (d *LocalDB) Close() error {
	return d.db.Close()
}

func (d *LocalDB) Conn(ctx context.Context) (Connection, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &dbConn{conn: conn, parent: d}, nil
}
