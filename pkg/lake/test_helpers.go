package lake

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"testing"
)

// testConn opens a throwaway single-file database and one connection to it,
// both cleaned up with the test.
func testConn(t *testing.T) (DB, Connection) {
	t.Helper()

	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	db, err := NewDB(ctx, t.TempDir()+"/test.db", log)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	conn, err := db.Conn(ctx)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return db, conn
}

// failingConn fails every operation, for exercising error paths.
type failingConn struct{}

func (f *failingConn) DB() DB {
	return &failingDB{}
}

func (f *failingConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, errors.New("database error")
}

func (f *failingConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, errors.New("database error")
}

func (f *failingConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return nil
}

func (f *failingConn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return nil, errors.New("failed to begin transaction")
}

func (f *failingConn) Close() error {
	return nil
}

type failingDB struct{}

func (f *failingDB) Catalog() string {
	return "test"
}

func (f *failingDB) Schema() string {
	return "main"
}

func (f *failingDB) Close() error {
	return nil
}

func (f *failingDB) Conn(ctx context.Context) (Connection, error) {
	return &failingConn{}, nil
}
