package lake

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// SCDConfig describes one slowly changing dimension mirrored into the lake
// from full snapshots.
type SCDConfig struct {
	// TableBaseName is the base for the backing tables: <base>_current,
	// <base>_history, and optionally <base>_ingest_runs.
	TableBaseName string
	// SnapshotTS stamps every row of this snapshot run.
	SnapshotTS time.Time
	// KeyColumns form the primary key, as "name[:type]" pairs. Columns
	// without a type default to VARCHAR.
	KeyColumns []string
	// PayloadColumns are the non-key columns, same format. The row hash is
	// computed over these.
	PayloadColumns []string
	// MissingMeansDeleted treats keys present in current but absent from the
	// snapshot as deletes.
	MissingMeansDeleted bool
	// TrackIngestRuns records per-run delta counts in <base>_ingest_runs.
	TrackIngestRuns bool
	// RunID identifies the run in history rows and the ingest run log.
	// Defaults to run_<snapshot unix ts>.
	RunID string
}

func (cfg SCDConfig) runID() string {
	if cfg.RunID != "" {
		return cfg.RunID
	}
	return fmt.Sprintf("run_%d", cfg.SnapshotTS.Unix())
}

func scdColumn(col string) (name, typ string) {
	if n, t, err := splitColumn(col); err == nil {
		return n, t
	}
	return strings.TrimSpace(col), "VARCHAR"
}

func scdNames(columns []string) []string {
	names := make([]string, len(columns))
	for i, col := range columns {
		names[i], _ = scdColumn(col)
	}
	return names
}

func scdDefs(columns []string) []string {
	defs := make([]string, len(columns))
	for i, col := range columns {
		name, typ := scdColumn(col)
		defs[i] = name + " " + typ
	}
	return defs
}

func scdVarcharDefs(columns []string) []string {
	defs := make([]string, len(columns))
	for i, name := range scdNames(columns) {
		defs[i] = name + " VARCHAR"
	}
	return defs
}

func (cfg SCDConfig) allNames() []string {
	names := make([]string, 0, len(cfg.KeyColumns)+len(cfg.PayloadColumns))
	names = append(names, scdNames(cfg.KeyColumns)...)
	names = append(names, scdNames(cfg.PayloadColumns)...)
	return names
}

func qualifyColumns(alias string, names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = alias + "." + n
	}
	return out
}

func joinOnKeys(left, right string, names []string) string {
	conds := make([]string, len(names))
	for i, n := range names {
		conds[i] = fmt.Sprintf("%s.%s = %s.%s", left, n, right, n)
	}
	return "(" + strings.Join(conds, " AND ") + ")"
}

// SyncSnapshotViaCSV ingests a full dimension snapshot with SCD2 semantics:
//
//	<base>_current  one row per key, as of the latest snapshot
//	<base>_history  append-only versions with [valid_from, valid_to) windows
//	<base>_ingest_runs  optional per-run delta counts
//
// The snapshot is staged from CSV, deltas are computed by joining stage to
// current on the key, open versions for changed or deleted keys are closed at
// SnapshotTS, new versions are appended, and current is refreshed. Everything
// runs in one transaction, retried on catalog conflicts.
func SyncSnapshotViaCSV(ctx context.Context, log *slog.Logger, conn Connection, cfg SCDConfig, count int, writeRow func(*csv.Writer, int) error) error {
	start := time.Now()
	defer func() {
		log.Debug("dimension snapshot sync completed",
			"table", cfg.TableBaseName,
			"rows", count,
			"duration", time.Since(start).String())
	}()

	if len(cfg.KeyColumns) == 0 {
		return fmt.Errorf("key columns cannot be empty")
	}
	if len(cfg.PayloadColumns) == 0 {
		return fmt.Errorf("payload columns cannot be empty")
	}

	current := cfg.TableBaseName + "_current"
	history := cfg.TableBaseName + "_history"
	ingestRuns := cfg.TableBaseName + "_ingest_runs"

	if err := CreateSCDTables(ctx, log, conn, cfg); err != nil {
		return err
	}

	if count == 0 {
		if cfg.MissingMeansDeleted {
			return syncEmptySnapshot(ctx, log, conn, cfg, current, history)
		}
		return nil
	}

	csvPath, cleanup, err := writeTempCSV(ctx, cfg.TableBaseName, count, writeRow)
	if err != nil {
		return err
	}
	defer cleanup()

	return retryTxConflicts(ctx, log, fmt.Sprintf("dimension snapshot %s", cfg.TableBaseName), func() error {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled before transaction for %s: %w", cfg.TableBaseName, ctx.Err())
		default:
		}

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for %s: %w", cfg.TableBaseName, err)
		}
		defer func() {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Error("failed to rollback transaction", "table", cfg.TableBaseName, "error", err)
			}
		}()

		suffix := make([]byte, 7)
		if _, err := rand.Read(suffix); err != nil {
			return fmt.Errorf("failed to generate stage suffix: %w", err)
		}
		stage := fmt.Sprintf("%s_stage_%s", cfg.TableBaseName, hex.EncodeToString(suffix))

		txCtx := context.WithoutCancel(ctx)

		if err := loadSCDStage(txCtx, tx, cfg, stage, csvPath); err != nil {
			return fmt.Errorf("failed to load stage table: %w", err)
		}

		inserts, updates, deletes, err := computeSCDDeltas(txCtx, tx, log, cfg, stage, current)
		if err != nil {
			return fmt.Errorf("failed to compute deltas: %w", err)
		}

		if err := updateSCDHistory(txCtx, tx, cfg, stage, current, history, updates, deletes); err != nil {
			return fmt.Errorf("failed to update history: %w", err)
		}

		if err := refreshSCDCurrent(txCtx, tx, cfg, stage, current); err != nil {
			return fmt.Errorf("failed to refresh current: %w", err)
		}

		if cfg.TrackIngestRuns {
			if err := recordIngestRun(txCtx, tx, cfg, ingestRuns, count, inserts, updates, deletes); err != nil {
				return fmt.Errorf("failed to record ingest run: %w", err)
			}
		}

		if _, err := tx.ExecContext(txCtx, "DROP TABLE IF EXISTS "+stage); err != nil {
			log.Error("failed to drop stage table", "table", cfg.TableBaseName, "stage_table", stage, "error", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction for %s: %w", cfg.TableBaseName, err)
		}
		return nil
	})
}

// CreateSCDTables creates the _current, _history, and optionally _ingest_runs
// tables if they do not exist.
func CreateSCDTables(ctx context.Context, log *slog.Logger, conn Connection, cfg SCDConfig) error {
	db := conn.DB()
	colDefs := make([]string, 0, len(cfg.KeyColumns)+len(cfg.PayloadColumns))
	colDefs = append(colDefs, scdDefs(cfg.KeyColumns)...)
	colDefs = append(colDefs, scdDefs(cfg.PayloadColumns)...)
	colBlock := strings.Join(colDefs, ",\n\t")

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s,
	as_of_ts TIMESTAMP NOT NULL,
	row_hash VARCHAR NOT NULL
)`, qualifiedTable(db, cfg.TableBaseName+"_current"), colBlock),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s,
	valid_from TIMESTAMP NOT NULL,
	valid_to TIMESTAMP,
	row_hash VARCHAR NOT NULL,
	op VARCHAR,
	run_id VARCHAR
)`, qualifiedTable(db, cfg.TableBaseName+"_history"), colBlock),
	}
	if cfg.TrackIngestRuns {
		statements = append(statements, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run_id VARCHAR NOT NULL,
	snapshot_ts TIMESTAMP NOT NULL,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	rows_in_snapshot INTEGER,
	inserts INTEGER,
	updates INTEGER,
	deletes INTEGER
)`, qualifiedTable(db, cfg.TableBaseName+"_ingest_runs")))
	}

	for _, stmt := range statements {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create SCD table: %w", err)
		}
	}
	return nil
}

// loadSCDStage stages the CSV and computes the row hash. The raw CSV lands in
// an all-VARCHAR table first; the typed stage adds snapshot_ts and a md5 hash
// over the payload columns with NULLs folded to empty strings.
func loadSCDStage(ctx context.Context, tx *sql.Tx, cfg SCDConfig, stage, csvPath string) error {
	typedDefs := make([]string, 0, len(cfg.KeyColumns)+len(cfg.PayloadColumns))
	typedDefs = append(typedDefs, scdDefs(cfg.KeyColumns)...)
	typedDefs = append(typedDefs, scdDefs(cfg.PayloadColumns)...)

	createStageSQL := fmt.Sprintf(`CREATE TEMP TABLE %s (
	%s,
	snapshot_ts TIMESTAMP NOT NULL,
	row_hash VARCHAR NOT NULL
)`, stage, strings.Join(typedDefs, ",\n\t"))
	if _, err := tx.ExecContext(ctx, createStageSQL); err != nil {
		return fmt.Errorf("failed to create stage table: %w", err)
	}

	rawDefs := make([]string, 0, len(typedDefs))
	rawDefs = append(rawDefs, scdVarcharDefs(cfg.KeyColumns)...)
	rawDefs = append(rawDefs, scdVarcharDefs(cfg.PayloadColumns)...)
	rawStage := stage + "_raw"
	createRawSQL := fmt.Sprintf("CREATE TEMP TABLE %s (\n\t%s\n)", rawStage, strings.Join(rawDefs, ",\n\t"))
	if _, err := tx.ExecContext(ctx, createRawSQL); err != nil {
		return fmt.Errorf("failed to create raw stage table: %w", err)
	}

	copySQL := fmt.Sprintf("COPY %s FROM '%s' (FORMAT CSV, HEADER false)", rawStage, csvPath)
	if _, err := tx.ExecContext(ctx, copySQL); err != nil {
		return fmt.Errorf("failed to COPY FROM CSV: %w", err)
	}

	payloadNames := scdNames(cfg.PayloadColumns)
	hashed := make([]string, len(payloadNames))
	for i, name := range payloadNames {
		hashed[i] = fmt.Sprintf("COALESCE(CAST(%s AS VARCHAR), '')", name)
	}
	hashExpr := fmt.Sprintf("md5(%s)", strings.Join(hashed, " || '|' || "))

	colList := strings.Join(cfg.allNames(), ", ")
	insertSQL := fmt.Sprintf(`INSERT INTO %s
SELECT
	%s,
	? AS snapshot_ts,
	%s AS row_hash
FROM %s`, stage, colList, hashExpr, rawStage)
	if _, err := tx.ExecContext(ctx, insertSQL, cfg.SnapshotTS); err != nil {
		return fmt.Errorf("failed to populate stage table: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+rawStage); err != nil {
		return fmt.Errorf("failed to drop raw stage table: %w", err)
	}
	return nil
}

// computeSCDDeltas counts inserts, updates, and deletes by joining stage to
// current on the key columns.
func computeSCDDeltas(ctx context.Context, tx *sql.Tx, log *slog.Logger, cfg SCDConfig, stage, current string) (inserts, updates, deletes int, err error) {
	keys := scdNames(cfg.KeyColumns)
	on := joinOnKeys("s", "c", keys)

	insertSQL := fmt.Sprintf(`SELECT COUNT(*) FROM %s s
WHERE NOT EXISTS (SELECT 1 FROM %s c WHERE %s)`, stage, current, on)
	if err := tx.QueryRowContext(ctx, insertSQL).Scan(&inserts); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count inserts: %w", err)
	}

	updateSQL := fmt.Sprintf(`SELECT COUNT(*) FROM %s s
INNER JOIN %s c ON %s
WHERE s.row_hash != c.row_hash`, stage, current, on)
	if err := tx.QueryRowContext(ctx, updateSQL).Scan(&updates); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count updates: %w", err)
	}

	if cfg.MissingMeansDeleted {
		deleteSQL := fmt.Sprintf(`SELECT COUNT(*) FROM %s c
WHERE NOT EXISTS (SELECT 1 FROM %s s WHERE %s)`, current, stage, on)
		if err := tx.QueryRowContext(ctx, deleteSQL).Scan(&deletes); err != nil {
			return 0, 0, 0, fmt.Errorf("failed to count deletes: %w", err)
		}
	}

	log.Debug("computed dimension deltas",
		"table", cfg.TableBaseName,
		"inserts", inserts,
		"updates", updates,
		"deletes", deletes)
	return inserts, updates, deletes, nil
}

// updateSCDHistory closes open versions for changed and deleted keys, then
// appends new versions with op I, U, or D.
func updateSCDHistory(ctx context.Context, tx *sql.Tx, cfg SCDConfig, stage, current, history string, updates, deletes int) error {
	keys := scdNames(cfg.KeyColumns)
	keyList := strings.Join(keys, ", ")
	colList := strings.Join(cfg.allNames(), ", ")

	if updates > 0 || deletes > 0 {
		var arms []string
		if updates > 0 {
			arms = append(arms, fmt.Sprintf(`SELECT %s FROM %s s
INNER JOIN %s c ON %s
WHERE s.row_hash != c.row_hash`,
				strings.Join(qualifyColumns("s", keys), ", "), stage, current, joinOnKeys("s", "c", keys)))
		}
		if deletes > 0 {
			arms = append(arms, fmt.Sprintf(`SELECT %s FROM %s c
WHERE NOT EXISTS (SELECT 1 FROM %s s WHERE %s)`,
				strings.Join(qualifyColumns("c", keys), ", "), current, stage, joinOnKeys("s", "c", keys)))
		}

		keysToClose := history + "_keys_to_close"
		createSQL := fmt.Sprintf("CREATE OR REPLACE TEMP TABLE %s AS\nSELECT DISTINCT %s FROM (\n%s\n)",
			keysToClose, keyList, strings.Join(arms, "\nUNION\n"))
		if _, err := tx.ExecContext(ctx, createSQL); err != nil {
			return fmt.Errorf("failed to collect keys to close: %w", err)
		}

		closeSQL := fmt.Sprintf(`UPDATE %s h
SET valid_to = ?
WHERE h.valid_to IS NULL
AND EXISTS (SELECT 1 FROM %s p WHERE %s)`, history, keysToClose, joinOnKeys("h", "p", keys))
		if _, err := tx.ExecContext(ctx, closeSQL, cfg.SnapshotTS); err != nil {
			return fmt.Errorf("failed to close open versions: %w", err)
		}

		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+keysToClose); err != nil {
			return fmt.Errorf("failed to drop keys-to-close table: %w", err)
		}
	}

	insertHistorySQL := fmt.Sprintf(`INSERT INTO %s (
	%s,
	valid_from,
	valid_to,
	row_hash,
	op,
	run_id
)
SELECT
	%s,
	? AS valid_from,
	NULL AS valid_to,
	row_hash,
	CASE
		WHEN EXISTS (SELECT 1 FROM %s c WHERE %s) THEN 'U'
		ELSE 'I'
	END AS op,
	? AS run_id
FROM %s s
WHERE NOT EXISTS (
	SELECT 1 FROM %s c WHERE %s AND c.row_hash = s.row_hash
)`,
		history, colList, colList,
		current, joinOnKeys("s", "c", keys),
		stage,
		current, joinOnKeys("s", "c", keys))
	if _, err := tx.ExecContext(ctx, insertHistorySQL, cfg.SnapshotTS, cfg.runID()); err != nil {
		return fmt.Errorf("failed to append history versions: %w", err)
	}

	if deletes > 0 {
		tombstoneSQL := fmt.Sprintf(`INSERT INTO %s (
	%s,
	valid_from,
	valid_to,
	row_hash,
	op,
	run_id
)
SELECT
	%s,
	? AS valid_from,
	NULL AS valid_to,
	row_hash,
	'D' AS op,
	? AS run_id
FROM %s c
WHERE NOT EXISTS (SELECT 1 FROM %s s WHERE %s)`,
			history, colList, colList,
			current, stage, joinOnKeys("s", "c", keys))
		if _, err := tx.ExecContext(ctx, tombstoneSQL, cfg.SnapshotTS, cfg.runID()); err != nil {
			return fmt.Errorf("failed to append delete tombstones: %w", err)
		}
	}
	return nil
}

// refreshSCDCurrent brings the current table in line with the staged
// snapshot: changed rows are merged, new rows inserted, and (when missing
// means deleted) absent rows removed.
func refreshSCDCurrent(ctx context.Context, tx *sql.Tx, cfg SCDConfig, stage, current string) error {
	keys := scdNames(cfg.KeyColumns)
	on := joinOnKeys("t", "s", keys)
	colList := strings.Join(cfg.allNames(), ", ")

	// A snapshot may legitimately repeat a key; keep the newest row per key.
	deduped := fmt.Sprintf(`(
	SELECT %s, snapshot_ts, row_hash
	FROM (
		SELECT %s, snapshot_ts, row_hash,
			ROW_NUMBER() OVER (PARTITION BY %s ORDER BY snapshot_ts DESC) AS rn
		FROM %s
	) ranked
	WHERE rn = 1
)`, colList, colList, strings.Join(keys, ", "), stage)

	setParts := make([]string, 0, len(cfg.PayloadColumns)+2)
	for _, name := range scdNames(cfg.PayloadColumns) {
		setParts = append(setParts, fmt.Sprintf("%s = s.%s", name, name))
	}
	setParts = append(setParts, "as_of_ts = s.snapshot_ts", "row_hash = s.row_hash")

	mergeSQL := fmt.Sprintf(`MERGE INTO %s t USING %s s ON %s
WHEN MATCHED THEN UPDATE SET %s`, current, deduped, on, strings.Join(setParts, ", "))
	if _, err := tx.ExecContext(ctx, mergeSQL); err != nil {
		return fmt.Errorf("failed to merge current table: %w", err)
	}

	insertSQL := fmt.Sprintf(`INSERT INTO %s (
	%s,
	as_of_ts,
	row_hash
)
SELECT
	%s,
	snapshot_ts,
	row_hash
FROM %s s
WHERE NOT EXISTS (SELECT 1 FROM %s t WHERE %s)`, current, colList, colList, deduped, current, on)
	if _, err := tx.ExecContext(ctx, insertSQL); err != nil {
		return fmt.Errorf("failed to insert into current table: %w", err)
	}

	if cfg.MissingMeansDeleted {
		deleteSQL := fmt.Sprintf(`DELETE FROM %s t
WHERE NOT EXISTS (SELECT 1 FROM %s s WHERE %s)`, current, deduped, on)
		if _, err := tx.ExecContext(ctx, deleteSQL); err != nil {
			return fmt.Errorf("failed to delete from current table: %w", err)
		}
	}
	return nil
}

// recordIngestRun upserts per-run delta counts. MERGE rather than ON
// CONFLICT, which DuckLake tables do not support.
func recordIngestRun(ctx context.Context, tx *sql.Tx, cfg SCDConfig, ingestRuns string, totalRows, inserts, updates, deletes int) error {
	now := time.Now().UTC()
	upsertSQL := fmt.Sprintf(`MERGE INTO %s t USING (
	SELECT ? AS run_id, ? AS snapshot_ts, ? AS started_at, ? AS finished_at,
		? AS rows_in_snapshot, ? AS inserts, ? AS updates, ? AS deletes
) s ON t.run_id = s.run_id
WHEN MATCHED THEN UPDATE SET
	finished_at = s.finished_at,
	rows_in_snapshot = s.rows_in_snapshot,
	inserts = s.inserts,
	updates = s.updates,
	deletes = s.deletes
WHEN NOT MATCHED THEN INSERT (
	run_id, snapshot_ts, started_at, finished_at,
	rows_in_snapshot, inserts, updates, deletes
) VALUES (
	s.run_id, s.snapshot_ts, s.started_at, s.finished_at,
	s.rows_in_snapshot, s.inserts, s.updates, s.deletes
)`, ingestRuns)

	if _, err := tx.ExecContext(ctx, upsertSQL,
		cfg.runID(), cfg.SnapshotTS, now, now,
		totalRows, inserts, updates, deletes,
	); err != nil {
		return fmt.Errorf("failed to upsert ingest run: %w", err)
	}
	return nil
}

// syncEmptySnapshot handles a zero-row snapshot when missing means deleted:
// every current row becomes a tombstone.
func syncEmptySnapshot(ctx context.Context, log *slog.Logger, conn Connection, cfg SCDConfig, current, history string) error {
	colList := strings.Join(cfg.allNames(), ", ")

	return retryTxConflicts(ctx, log, fmt.Sprintf("dimension empty snapshot %s", cfg.TableBaseName), func() error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Error("failed to rollback transaction", "table", cfg.TableBaseName, "error", err)
			}
		}()

		txCtx := context.WithoutCancel(ctx)

		closeAllSQL := fmt.Sprintf("UPDATE %s SET valid_to = ? WHERE valid_to IS NULL", history)
		if _, err := tx.ExecContext(txCtx, closeAllSQL, cfg.SnapshotTS); err != nil {
			return fmt.Errorf("failed to close open versions: %w", err)
		}

		tombstoneSQL := fmt.Sprintf(`INSERT INTO %s (
	%s,
	valid_from,
	valid_to,
	row_hash,
	op,
	run_id
)
SELECT
	%s,
	? AS valid_from,
	NULL AS valid_to,
	row_hash,
	'D' AS op,
	? AS run_id
FROM %s`, history, colList, colList, current)
		if _, err := tx.ExecContext(txCtx, tombstoneSQL, cfg.SnapshotTS, cfg.runID()); err != nil {
			return fmt.Errorf("failed to append delete tombstones: %w", err)
		}

		if _, err := tx.ExecContext(txCtx, "DELETE FROM "+current); err != nil {
			return fmt.Errorf("failed to clear current table: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}
