package lake

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// TableConfig describes one fact table whose rows arrive through the staged
// CSV path.
type TableConfig struct {
	// Name is the table name within the catalog schema.
	Name string
	// Columns defines all columns in order as "name:type" pairs,
	// e.g. "ts:TIMESTAMP", "native_sensor_id:VARCHAR", "value:DOUBLE".
	Columns []string
	// PartitionByTime partitions the table by year/month/day of TimeColumn
	// when the backing DB is a DuckLake catalog.
	PartitionByTime bool
	// TimeColumn names the timestamp column. Required when PartitionByTime is
	// set, and for the partition replace operations.
	TimeColumn string
}

func splitColumn(col string) (name, typ string, err error) {
	parts := strings.SplitN(col, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid column definition %q: expected format 'name:type'", col)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}

func columnNames(columns []string) ([]string, error) {
	names := make([]string, 0, len(columns))
	for _, col := range columns {
		name, _, err := splitColumn(col)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func qualifiedTable(db DB, name string) string {
	return fmt.Sprintf("%s.%s.%s", db.Catalog(), db.Schema(), name)
}

// DayBounds returns the half-open UTC range [00:00 D, 00:00 D+1) covering one
// processing date. Replace operations take ranges rather than dates so that
// trailing-window refreshes can replace several days in one transaction.
func DayBounds(day time.Time) (time.Time, time.Time) {
	day = day.UTC()
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return from, from.Add(24 * time.Hour)
}

// CreateTable creates the table if it does not exist and, on DuckLake,
// declares daily partitioning on the time column.
func CreateTable(ctx context.Context, log *slog.Logger, conn Connection, cfg TableConfig) error {
	if len(cfg.Columns) == 0 {
		return fmt.Errorf("columns cannot be empty")
	}
	if cfg.PartitionByTime && cfg.TimeColumn == "" {
		return fmt.Errorf("time_column is required when partition_by_time is true")
	}

	db := conn.DB()
	colDefs := make([]string, 0, len(cfg.Columns))
	for _, col := range cfg.Columns {
		name, typ, err := splitColumn(col)
		if err != nil {
			return err
		}
		colDefs = append(colDefs, fmt.Sprintf("%s %s", name, typ))
	}

	createSQL := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		qualifiedTable(db, cfg.Name), strings.Join(colDefs, ",\n\t"))
	if _, err := conn.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create table %s: %w", cfg.Name, err)
	}

	if cfg.PartitionByTime {
		if _, ok := db.(*Lake); ok {
			partitionSQL := fmt.Sprintf("ALTER TABLE %s SET PARTITIONED BY (year(%s), month(%s), day(%s))",
				qualifiedTable(db, cfg.Name), cfg.TimeColumn, cfg.TimeColumn, cfg.TimeColumn)
			if _, err := conn.ExecContext(ctx, partitionSQL); err != nil {
				// Re-running against an already partitioned table is fine.
				log.Debug("failed to set partitioning (may already be partitioned)", "table", cfg.Name, "error", err)
			}
		}
	}
	return nil
}

// writeTempCSV renders count rows through writeRow into a temp file. The
// caller owns cleanup via the returned func.
func writeTempCSV(ctx context.Context, name string, count int, writeRow func(*csv.Writer, int) error) (string, func(), error) {
	tmpFile, err := os.CreateTemp("", fmt.Sprintf("%s_rows_*.csv", name))
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	cleanup := func() { os.Remove(tmpFile.Name()) }
	fail := func(err error) (string, func(), error) {
		tmpFile.Close()
		cleanup()
		return "", nil, err
	}

	w := csv.NewWriter(tmpFile)
	for i := range count {
		select {
		case <-ctx.Done():
			return fail(fmt.Errorf("context cancelled during CSV writing for %s: %w", name, ctx.Err()))
		default:
		}
		if err := writeRow(w, i); err != nil {
			return fail(fmt.Errorf("failed to write CSV row %d for %s: %w", i, name, err))
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fail(fmt.Errorf("failed to flush CSV for %s: %w", name, err))
	}
	if err := tmpFile.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to close CSV for %s: %w", name, err)
	}
	return tmpFile.Name(), cleanup, nil
}

// stageCSV loads a CSV file into a transaction-scoped staging table. Staging
// columns are all VARCHAR; DuckDB casts on the INSERT ... SELECT into the
// typed table.
func stageCSV(ctx context.Context, tx *sql.Tx, cfg TableConfig, csvPath string) (string, error) {
	names, err := columnNames(cfg.Columns)
	if err != nil {
		return "", err
	}
	defs := make([]string, len(names))
	for i, name := range names {
		defs[i] = name + " VARCHAR"
	}

	stage := cfg.Name + "_stage"
	createSQL := fmt.Sprintf("CREATE OR REPLACE TEMP TABLE %s (\n\t%s\n)", stage, strings.Join(defs, ",\n\t"))
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		return "", fmt.Errorf("failed to create stage table: %w", err)
	}

	copySQL := fmt.Sprintf("COPY %s FROM '%s' (FORMAT CSV, HEADER false)", stage, csvPath)
	if _, err := tx.ExecContext(ctx, copySQL); err != nil {
		return "", fmt.Errorf("failed to COPY FROM CSV: %w", err)
	}
	return stage, nil
}

// AppendViaCSV performs append-only ingestion: create the table if needed,
// stage the rows, insert them. No existing rows are touched. Suits run logs
// and quality reports; partitioned fact tables go through the replace
// operations instead.
func AppendViaCSV(ctx context.Context, log *slog.Logger, conn Connection, cfg TableConfig, count int, writeRow func(*csv.Writer, int) error) error {
	start := time.Now()
	defer func() {
		log.Debug("fact table append completed", "table", cfg.Name, "rows", count, "duration", time.Since(start).String())
	}()

	if err := CreateTable(ctx, log, conn, cfg); err != nil {
		return err
	}
	if count == 0 {
		return nil
	}

	csvPath, cleanup, err := writeTempCSV(ctx, cfg.Name, count, writeRow)
	if err != nil {
		return err
	}
	defer cleanup()

	names, err := columnNames(cfg.Columns)
	if err != nil {
		return err
	}
	colList := strings.Join(names, ", ")
	db := conn.DB()

	return retryTxConflicts(ctx, log, fmt.Sprintf("append %s", cfg.Name), func() error {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled before transaction for %s: %w", cfg.Name, ctx.Err())
		default:
		}

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for %s: %w", cfg.Name, err)
		}
		defer func() {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Error("failed to rollback transaction", "table", cfg.Name, "error", err)
			}
		}()

		stage, err := stageCSV(ctx, tx, cfg, csvPath)
		if err != nil {
			return err
		}

		insertSQL := fmt.Sprintf("INSERT INTO %s (%s)\nSELECT %s FROM %s",
			qualifiedTable(db, cfg.Name), colList, colList, stage)
		if _, err := tx.ExecContext(ctx, insertSQL); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", cfg.Name, err)
		}

		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+stage); err != nil {
			log.Error("failed to drop stage table", "table", cfg.Name, "error", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// ReplaceTimeRange atomically replaces every row of the table whose time
// column falls in [from, to) with the staged row set. Delete and insert run in
// one transaction: a reader never observes a half-deleted range, and a failed
// insert rolls the delete back. count may be zero, which clears the range.
//
// Re-running with identical input is idempotent. Rows outside the range are
// never touched, so disjoint ranges can be replaced concurrently; callers
// replacing the same range must serialize (the pipeline holds a per-partition
// lock around every replace).
func ReplaceTimeRange(ctx context.Context, log *slog.Logger, conn Connection, cfg TableConfig, from, to time.Time, count int, writeRow func(*csv.Writer, int) error) error {
	start := time.Now()
	defer func() {
		log.Debug("partition replace completed",
			"table", cfg.Name,
			"from", from.Format(time.RFC3339),
			"to", to.Format(time.RFC3339),
			"rows", count,
			"duration", time.Since(start).String())
	}()

	if cfg.TimeColumn == "" {
		return fmt.Errorf("time_column is required for partition replace")
	}
	if !to.After(from) {
		return fmt.Errorf("replace range [%s, %s) is empty", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	if err := CreateTable(ctx, log, conn, cfg); err != nil {
		return err
	}

	var csvPath string
	if count > 0 {
		var cleanup func()
		var err error
		csvPath, cleanup, err = writeTempCSV(ctx, cfg.Name, count, writeRow)
		if err != nil {
			return err
		}
		defer cleanup()
	}

	names, err := columnNames(cfg.Columns)
	if err != nil {
		return err
	}
	colList := strings.Join(names, ", ")
	db := conn.DB()
	table := qualifiedTable(db, cfg.Name)

	return retryTxConflicts(ctx, log, fmt.Sprintf("partition replace %s", cfg.Name), func() error {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled before transaction for %s: %w", cfg.Name, ctx.Err())
		default:
		}

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for %s: %w", cfg.Name, err)
		}
		defer func() {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Error("failed to rollback transaction", "table", cfg.Name, "error", err)
			}
		}()

		// The delete and insert halves must land together. Cancellation is
		// honored up to this point; once the transaction has started it runs
		// to commit or rollback.
		txCtx := context.WithoutCancel(ctx)

		var stage string
		if count > 0 {
			stage, err = stageCSV(txCtx, tx, cfg, csvPath)
			if err != nil {
				return err
			}
		}

		deleteSQL := fmt.Sprintf("DELETE FROM %s WHERE %s >= ? AND %s < ?", table, cfg.TimeColumn, cfg.TimeColumn)
		if _, err := tx.ExecContext(txCtx, deleteSQL, from, to); err != nil {
			return fmt.Errorf("failed to delete range from %s: %w", cfg.Name, err)
		}

		if count > 0 {
			insertSQL := fmt.Sprintf("INSERT INTO %s (%s)\nSELECT %s FROM %s", table, colList, colList, stage)
			if _, err := tx.ExecContext(txCtx, insertSQL); err != nil {
				return fmt.Errorf("failed to insert into %s: %w", cfg.Name, err)
			}
			if _, err := tx.ExecContext(txCtx, "DROP TABLE IF EXISTS "+stage); err != nil {
				log.Error("failed to drop stage table", "table", cfg.Name, "error", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// ReplaceTimeRangeFromQuery is ReplaceTimeRange with the replacement rows
// produced by a SELECT instead of a staged CSV. The SELECT must yield the
// table's columns in declaration order. Aggregation uses this so rollups are
// computed and published inside the same transaction that clears the range.
func ReplaceTimeRangeFromQuery(ctx context.Context, log *slog.Logger, conn Connection, cfg TableConfig, from, to time.Time, selectSQL string, args ...any) error {
	start := time.Now()
	defer func() {
		log.Debug("partition replace from query completed",
			"table", cfg.Name,
			"from", from.Format(time.RFC3339),
			"to", to.Format(time.RFC3339),
			"duration", time.Since(start).String())
	}()

	if cfg.TimeColumn == "" {
		return fmt.Errorf("time_column is required for partition replace")
	}
	if !to.After(from) {
		return fmt.Errorf("replace range [%s, %s) is empty", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	if err := CreateTable(ctx, log, conn, cfg); err != nil {
		return err
	}

	names, err := columnNames(cfg.Columns)
	if err != nil {
		return err
	}
	colList := strings.Join(names, ", ")
	db := conn.DB()
	table := qualifiedTable(db, cfg.Name)

	return retryTxConflicts(ctx, log, fmt.Sprintf("partition replace %s", cfg.Name), func() error {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled before transaction for %s: %w", cfg.Name, ctx.Err())
		default:
		}

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for %s: %w", cfg.Name, err)
		}
		defer func() {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Error("failed to rollback transaction", "table", cfg.Name, "error", err)
			}
		}()

		txCtx := context.WithoutCancel(ctx)

		deleteSQL := fmt.Sprintf("DELETE FROM %s WHERE %s >= ? AND %s < ?", table, cfg.TimeColumn, cfg.TimeColumn)
		if _, err := tx.ExecContext(txCtx, deleteSQL, from, to); err != nil {
			return fmt.Errorf("failed to delete range from %s: %w", cfg.Name, err)
		}

		insertSQL := fmt.Sprintf("INSERT INTO %s (%s)\n%s", table, colList, selectSQL)
		if _, err := tx.ExecContext(txCtx, insertSQL, args...); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", cfg.Name, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}
