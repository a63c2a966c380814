package lake

import (
	"context"
	"encoding/csv"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSyncSnapshotViaCSV(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	baseCfg := func(name string, ts time.Time) SCDConfig {
		return SCDConfig{
			TableBaseName: name,
			SnapshotTS:    ts,
			KeyColumns:    []string{"native_sensor_id"},
			PayloadColumns: []string{
				"latitude:DOUBLE",
				"longitude:DOUBLE",
				"status",
			},
			MissingMeansDeleted: true,
			TrackIngestRuns:     true,
		}
	}

	sync := func(t *testing.T, conn Connection, cfg SCDConfig, rows [][]string) {
		t.Helper()
		err := SyncSnapshotViaCSV(ctx, log, conn, cfg, len(rows), func(w *csv.Writer, i int) error {
			return w.Write(rows[i])
		})
		require.NoError(t, err)
	}

	countWhere := func(t *testing.T, conn Connection, query string) int {
		t.Helper()
		var n int
		require.NoError(t, conn.QueryRowContext(ctx, query).Scan(&n))
		return n
	}

	t.Run("tracks_inserts_updates_and_deletes_across_snapshots", func(t *testing.T) {
		t.Parallel()

		_, conn := testConn(t)
		ts1 := time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)

		sync(t, conn, baseCfg("overrides", ts1), [][]string{
			{"wx-001", "40.71280", "-74.00600", "active"},
			{"wx-002", "34.05220", "-118.24370", "active"},
		})

		require.Equal(t, 2, countWhere(t, conn, "SELECT COUNT(*) FROM overrides_current"))
		require.Equal(t, 2, countWhere(t, conn, "SELECT COUNT(*) FROM overrides_history WHERE op = 'I' AND valid_to IS NULL"))

		// Second snapshot: wx-001 moved, wx-003 appeared, wx-002 unchanged.
		ts2 := ts1.Add(24 * time.Hour)
		sync(t, conn, baseCfg("overrides", ts2), [][]string{
			{"wx-001", "40.73000", "-74.00600", "active"},
			{"wx-002", "34.05220", "-118.24370", "active"},
			{"wx-003", "41.87810", "-87.62980", "active"},
		})

		require.Equal(t, 3, countWhere(t, conn, "SELECT COUNT(*) FROM overrides_current"))
		require.Equal(t, 1, countWhere(t, conn, "SELECT COUNT(*) FROM overrides_history WHERE op = 'U'"))
		require.Equal(t, 1, countWhere(t, conn,
			"SELECT COUNT(*) FROM overrides_history WHERE native_sensor_id = 'wx-001' AND valid_to IS NOT NULL"))

		var lat float64
		require.NoError(t, conn.QueryRowContext(ctx,
			"SELECT latitude FROM overrides_current WHERE native_sensor_id = 'wx-001'").Scan(&lat))
		require.InDelta(t, 40.73, lat, 1e-9)

		// Third snapshot: wx-002 and wx-003 are gone.
		ts3 := ts2.Add(24 * time.Hour)
		sync(t, conn, baseCfg("overrides", ts3), [][]string{
			{"wx-001", "40.73000", "-74.00600", "active"},
		})

		require.Equal(t, 1, countWhere(t, conn, "SELECT COUNT(*) FROM overrides_current"))
		require.Equal(t, 2, countWhere(t, conn, "SELECT COUNT(*) FROM overrides_history WHERE op = 'D'"))

		require.Equal(t, 3, countWhere(t, conn, "SELECT COUNT(*) FROM overrides_ingest_runs"))
		var inserts, updates, deletes int
		require.NoError(t, conn.QueryRowContext(ctx,
			"SELECT inserts, updates, deletes FROM overrides_ingest_runs ORDER BY snapshot_ts DESC LIMIT 1").
			Scan(&inserts, &updates, &deletes))
		require.Zero(t, inserts)
		require.Zero(t, updates)
		require.Equal(t, 2, deletes)
	})

	t.Run("unchanged_snapshot_writes_no_new_versions", func(t *testing.T) {
		t.Parallel()

		_, conn := testConn(t)
		ts1 := time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)
		rows := [][]string{{"wx-001", "40.71280", "-74.00600", "active"}}

		sync(t, conn, baseCfg("stable", ts1), rows)
		sync(t, conn, baseCfg("stable", ts1.Add(24*time.Hour)), rows)

		require.Equal(t, 1, countWhere(t, conn, "SELECT COUNT(*) FROM stable_current"))
		require.Equal(t, 1, countWhere(t, conn, "SELECT COUNT(*) FROM stable_history"))
	})

	t.Run("empty_snapshot_tombstones_everything_when_missing_means_deleted", func(t *testing.T) {
		t.Parallel()

		_, conn := testConn(t)
		ts1 := time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)

		sync(t, conn, baseCfg("drained", ts1), [][]string{
			{"wx-001", "40.71280", "-74.00600", "active"},
		})
		sync(t, conn, baseCfg("drained", ts1.Add(24*time.Hour)), nil)

		require.Zero(t, countWhere(t, conn, "SELECT COUNT(*) FROM drained_current"))
		require.Equal(t, 1, countWhere(t, conn, "SELECT COUNT(*) FROM drained_history WHERE op = 'D'"))
		require.Zero(t, countWhere(t, conn, "SELECT COUNT(*) FROM drained_history WHERE valid_to IS NULL AND op != 'D'"))
	})

	t.Run("empty_snapshot_is_a_no_op_without_missing_means_deleted", func(t *testing.T) {
		t.Parallel()

		_, conn := testConn(t)
		cfg := baseCfg("kept", time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC))

		sync(t, conn, cfg, [][]string{{"wx-001", "40.71280", "-74.00600", "active"}})

		cfg2 := cfg
		cfg2.SnapshotTS = cfg.SnapshotTS.Add(24 * time.Hour)
		cfg2.MissingMeansDeleted = false
		sync(t, conn, cfg2, nil)

		require.Equal(t, 1, countWhere(t, conn, "SELECT COUNT(*) FROM kept_current"))
	})

	t.Run("rejects_missing_key_columns", func(t *testing.T) {
		t.Parallel()

		_, conn := testConn(t)
		cfg := SCDConfig{
			TableBaseName:  "invalid",
			SnapshotTS:     time.Now().UTC(),
			PayloadColumns: []string{"status"},
		}

		err := SyncSnapshotViaCSV(ctx, log, conn, cfg, 0, nil)
		require.Error(t, err)
		require.Contains(t, err.Error(), "key columns cannot be empty")
	})
}
