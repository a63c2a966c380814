package lake

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type factRow struct {
	TS     time.Time
	Sensor string
	Metric string
	Value  float64
}

func collectFactRows(t *testing.T, conn Connection, table string) []factRow {
	t.Helper()

	rows, err := conn.QueryContext(context.Background(),
		"SELECT ts, native_sensor_id, metric_name, value FROM "+table+" ORDER BY ts, native_sensor_id, metric_name")
	require.NoError(t, err)
	defer rows.Close()

	var out []factRow
	for rows.Next() {
		var r factRow
		require.NoError(t, rows.Scan(&r.TS, &r.Sensor, &r.Metric, &r.Value))
		out = append(out, r)
	}
	require.NoError(t, rows.Err())
	return out
}

func eventTableConfig(name string) TableConfig {
	return TableConfig{
		Name: name,
		Columns: []string{
			"ts:TIMESTAMP",
			"native_sensor_id:VARCHAR",
			"metric_name:VARCHAR",
			"value:DOUBLE",
		},
		TimeColumn: "ts",
	}
}

func writeRows(rows [][]string) func(*csv.Writer, int) error {
	return func(w *csv.Writer, i int) error { return w.Write(rows[i]) }
}

func TestAppendViaCSV(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	t.Run("creates_table_and_appends_rows", func(t *testing.T) {
		t.Parallel()

		_, conn := testConn(t)
		cfg := eventTableConfig("events_append")

		now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
		err := AppendViaCSV(ctx, log, conn, cfg, 3, func(w *csv.Writer, i int) error {
			return w.Write([]string{
				now.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
				fmt.Sprintf("sensor_%d", i),
				"temperature_c",
				fmt.Sprintf("%d", i*10),
			})
		})
		require.NoError(t, err)

		var count int
		require.NoError(t, conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM events_append").Scan(&count))
		require.Equal(t, 3, count)

		err = AppendViaCSV(ctx, log, conn, cfg, 1, func(w *csv.Writer, i int) error {
			return w.Write([]string{now.Format(time.RFC3339), "sensor_9", "temperature_c", "99"})
		})
		require.NoError(t, err)

		require.NoError(t, conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM events_append").Scan(&count))
		require.Equal(t, 4, count)
	})

	t.Run("empty_append_still_creates_table", func(t *testing.T) {
		t.Parallel()

		_, conn := testConn(t)
		cfg := eventTableConfig("events_empty")

		err := AppendViaCSV(ctx, log, conn, cfg, 0, func(w *csv.Writer, i int) error { return nil })
		require.NoError(t, err)

		var count int
		require.NoError(t, conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM events_empty").Scan(&count))
		require.Zero(t, count)
	})

	t.Run("rejects_invalid_column_definition", func(t *testing.T) {
		t.Parallel()

		_, conn := testConn(t)
		cfg := TableConfig{
			Name:    "events_badcols",
			Columns: []string{"ts:TIMESTAMP", "value"},
		}

		err := AppendViaCSV(ctx, log, conn, cfg, 1, func(w *csv.Writer, i int) error {
			return w.Write([]string{"2024-06-01T00:00:00Z", "1"})
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "invalid column definition")
	})

	t.Run("surfaces_connection_errors", func(t *testing.T) {
		t.Parallel()

		err := AppendViaCSV(ctx, log, &failingConn{}, eventTableConfig("events_failing"), 1, func(w *csv.Writer, i int) error {
			return w.Write([]string{"2024-06-01T00:00:00Z", "s", "m", "1"})
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "database error")
	})
}

func TestReplaceTimeRange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	nextDay := day.Add(24 * time.Hour)

	t.Run("replaces_range_wholesale_and_leaves_other_days_untouched", func(t *testing.T) {
		t.Parallel()

		_, conn := testConn(t)
		cfg := eventTableConfig("events_replace")
		from, to := DayBounds(day)

		first := [][]string{
			{day.Add(10 * time.Hour).Format(time.RFC3339), "wx-001", "temperature_c", "20"},
			{day.Add(11 * time.Hour).Format(time.RFC3339), "wx-001", "temperature_c", "21"},
			{nextDay.Add(9 * time.Hour).Format(time.RFC3339), "wx-001", "temperature_c", "30"},
		}
		require.NoError(t, AppendViaCSV(ctx, log, conn, cfg, len(first), writeRows(first)))

		replacement := [][]string{
			{day.Add(10 * time.Hour).Format(time.RFC3339), "wx-001", "temperature_c", "25"},
		}
		require.NoError(t, ReplaceTimeRange(ctx, log, conn, cfg, from, to, len(replacement), writeRows(replacement)))

		got := collectFactRows(t, conn, "events_replace")
		require.Len(t, got, 2)
		require.InDelta(t, 25, got[0].Value, 1e-9)
		require.InDelta(t, 30, got[1].Value, 1e-9)
		require.Equal(t, nextDay.Add(9*time.Hour), got[1].TS)
	})

	t.Run("replace_with_zero_rows_clears_the_range", func(t *testing.T) {
		t.Parallel()

		_, conn := testConn(t)
		cfg := eventTableConfig("events_clear")
		from, to := DayBounds(day)

		seed := [][]string{
			{day.Add(8 * time.Hour).Format(time.RFC3339), "aq-007", "pm2_5", "12.5"},
			{nextDay.Add(8 * time.Hour).Format(time.RFC3339), "aq-007", "pm2_5", "13.5"},
		}
		require.NoError(t, AppendViaCSV(ctx, log, conn, cfg, len(seed), writeRows(seed)))

		require.NoError(t, ReplaceTimeRange(ctx, log, conn, cfg, from, to, 0, nil))

		got := collectFactRows(t, conn, "events_clear")
		require.Len(t, got, 1)
		require.Equal(t, nextDay.Add(8*time.Hour), got[0].TS)
	})

	t.Run("rerunning_identical_replace_is_idempotent", func(t *testing.T) {
		t.Parallel()

		_, conn := testConn(t)
		cfg := eventTableConfig("events_idempotent")
		from, to := DayBounds(day)

		rows := [][]string{
			{day.Add(1 * time.Hour).Format(time.RFC3339), "wx-001", "temperature_c", "18"},
			{day.Add(2 * time.Hour).Format(time.RFC3339), "wx-001", "humidity_pct", "60"},
			{day.Add(3 * time.Hour).Format(time.RFC3339), "wx-002", "temperature_c", "19"},
		}

		require.NoError(t, ReplaceTimeRange(ctx, log, conn, cfg, from, to, len(rows), writeRows(rows)))
		firstRun := collectFactRows(t, conn, "events_idempotent")

		require.NoError(t, ReplaceTimeRange(ctx, log, conn, cfg, from, to, len(rows), writeRows(rows)))
		secondRun := collectFactRows(t, conn, "events_idempotent")

		require.Len(t, firstRun, len(rows))
		require.Empty(t, cmp.Diff(firstRun, secondRun))
	})

	t.Run("requires_time_column", func(t *testing.T) {
		t.Parallel()

		_, conn := testConn(t)
		cfg := TableConfig{
			Name:    "events_no_time",
			Columns: []string{"ts:TIMESTAMP", "value:DOUBLE"},
		}
		from, to := DayBounds(day)

		err := ReplaceTimeRange(ctx, log, conn, cfg, from, to, 0, nil)
		require.Error(t, err)
		require.Contains(t, err.Error(), "time_column is required")
	})

	t.Run("rejects_empty_range", func(t *testing.T) {
		t.Parallel()

		_, conn := testConn(t)
		cfg := eventTableConfig("events_empty_range")
		from, _ := DayBounds(day)

		err := ReplaceTimeRange(ctx, log, conn, cfg, from, from, 0, nil)
		require.Error(t, err)
		require.Contains(t, err.Error(), "is empty")
	})

	t.Run("honors_cancellation_before_the_transaction", func(t *testing.T) {
		t.Parallel()

		_, conn := testConn(t)
		cfg := eventTableConfig("events_cancel")
		from, to := DayBounds(day)

		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		err := ReplaceTimeRange(cancelled, log, conn, cfg, from, to, 1, func(w *csv.Writer, i int) error {
			return w.Write([]string{day.Format(time.RFC3339), "wx-001", "temperature_c", "20"})
		})
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestReplaceTimeRangeFromQuery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	t.Run("inserts_query_results_into_cleared_range", func(t *testing.T) {
		t.Parallel()

		_, conn := testConn(t)
		day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
		from, to := DayBounds(day)

		source := eventTableConfig("events_source")
		rows := [][]string{
			{day.Add(1 * time.Hour).Format(time.RFC3339), "wx-001", "temperature_c", "10"},
			{day.Add(1 * time.Hour).Add(20 * time.Minute).Format(time.RFC3339), "wx-001", "temperature_c", "20"},
			{day.Add(1 * time.Hour).Add(40 * time.Minute).Format(time.RFC3339), "wx-001", "temperature_c", "30"},
		}
		require.NoError(t, AppendViaCSV(ctx, log, conn, source, len(rows), writeRows(rows)))

		hourly := TableConfig{
			Name: "hourly_target",
			Columns: []string{
				"bucket_ts:TIMESTAMP",
				"native_sensor_id:VARCHAR",
				"metric_name:VARCHAR",
				"avg_value:DOUBLE",
				"sample_count:BIGINT",
			},
			TimeColumn: "bucket_ts",
		}
		selectSQL := `SELECT date_trunc('hour', ts), native_sensor_id, metric_name, AVG(value), COUNT(*)
FROM events_source
WHERE ts >= ? AND ts < ?
GROUP BY 1, 2, 3`

		require.NoError(t, ReplaceTimeRangeFromQuery(ctx, log, conn, hourly, from, to, selectSQL, from, to))

		var avg float64
		var samples int64
		require.NoError(t, conn.QueryRowContext(ctx,
			"SELECT avg_value, sample_count FROM hourly_target WHERE native_sensor_id = 'wx-001'").Scan(&avg, &samples))
		require.InDelta(t, 20.0, avg, 1e-9)
		require.Equal(t, int64(3), samples)

		// Re-running replaces rather than duplicates.
		require.NoError(t, ReplaceTimeRangeFromQuery(ctx, log, conn, hourly, from, to, selectSQL, from, to))
		var count int
		require.NoError(t, conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM hourly_target").Scan(&count))
		require.Equal(t, 1, count)
	})

	t.Run("a_failing_query_rolls_back_the_cleared_range", func(t *testing.T) {
		t.Parallel()

		_, conn := testConn(t)
		day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
		from, to := DayBounds(day)

		target := eventTableConfig("events_rollback")
		rows := [][]string{
			{day.Add(2 * time.Hour).Format(time.RFC3339), "wx-001", "temperature_c", "18.5"},
			{day.Add(3 * time.Hour).Format(time.RFC3339), "wx-002", "humidity_pct", "61"},
		}
		require.NoError(t, AppendViaCSV(ctx, log, conn, target, len(rows), writeRows(rows)))

		err := ReplaceTimeRangeFromQuery(ctx, log, conn, target, from, to,
			"SELECT ts, native_sensor_id, metric_name, value FROM missing_source WHERE ts >= ? AND ts < ?", from, to)
		require.Error(t, err)
		require.ErrorContains(t, err, "failed to insert into events_rollback")

		// The delete and insert share one transaction, so the old rows survive.
		var count int
		require.NoError(t, conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM events_rollback").Scan(&count))
		require.Equal(t, 2, count)
	})
}

func TestDayBounds(t *testing.T) {
	t.Parallel()

	from, to := DayBounds(time.Date(2024, 6, 1, 15, 42, 7, 0, time.UTC))
	require.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), from)
	require.Equal(t, time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), to)
}
