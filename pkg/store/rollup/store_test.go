package rollup

import (
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sensorlake/sensorlake/pkg/lake"
	"github.com/sensorlake/sensorlake/pkg/pivot"
	"github.com/sensorlake/sensorlake/pkg/store/events"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testDB(t *testing.T) lake.DB {
	t.Helper()
	db, err := lake.NewDB(t.Context(), "", testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testStore(t *testing.T, db lake.DB) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{Logger: testLogger(t), DB: db})
	require.NoError(t, err)
	require.NoError(t, store.CreateTablesIfNotExists())
	return store
}

func seedEvents(t *testing.T, db lake.DB, day time.Time, evs []pivot.Event) {
	t.Helper()
	store, err := events.NewStore(events.StoreConfig{Logger: testLogger(t), DB: db})
	require.NoError(t, err)
	require.NoError(t, store.CreateTablesIfNotExists())
	require.NoError(t, store.ReplaceDay(t.Context(), day, evs))
}

func ev(ts time.Time, sensor, metric string, value float64) pivot.Event {
	return pivot.Event{
		Timestamp:      ts,
		Source:         "weather",
		NativeSensorID: sensor,
		MetricName:     metric,
		Value:          value,
	}
}

func evAt(ts time.Time, sensor, metric string, value, lat, lon float64) pivot.Event {
	e := ev(ts, sensor, metric, value)
	e.Latitude = &lat
	e.Longitude = &lon
	return e
}

type aggRow struct {
	Period    time.Time
	Source    string
	Sensor    string
	Metric    string
	Avg       float64
	Min       float64
	Max       float64
	Count     int64
	Latitude  sql.NullFloat64
	Longitude sql.NullFloat64
}

func collectAggregates(t *testing.T, db lake.DB, table string) []aggRow {
	t.Helper()
	conn, err := db.Conn(t.Context())
	require.NoError(t, err)
	defer conn.Close()

	rows, err := conn.QueryContext(t.Context(), `
		SELECT period_start, source, native_sensor_id, metric_name,
			avg_value, min_value, max_value, sample_count, latitude, longitude
		FROM `+table+`
		ORDER BY period_start, native_sensor_id, metric_name
	`)
	require.NoError(t, err)
	defer rows.Close()

	var out []aggRow
	for rows.Next() {
		var r aggRow
		require.NoError(t, rows.Scan(&r.Period, &r.Source, &r.Sensor, &r.Metric,
			&r.Avg, &r.Min, &r.Max, &r.Count, &r.Latitude, &r.Longitude))
		out = append(out, r)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestRollupStore_NewStore(t *testing.T) {
	t.Parallel()

	t.Run("returns error when logger is missing", func(t *testing.T) {
		t.Parallel()
		store, err := NewStore(StoreConfig{DB: testDB(t)})
		require.Error(t, err)
		require.Nil(t, store)
		require.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when db is missing", func(t *testing.T) {
		t.Parallel()
		store, err := NewStore(StoreConfig{Logger: testLogger(t)})
		require.Error(t, err)
		require.Nil(t, store)
		require.Contains(t, err.Error(), "db is required")
	})
}

func TestRollupStore_RefreshHourly(t *testing.T) {
	t.Parallel()

	day := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)

	t.Run("computes avg min max and count per bucket", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		store := testStore(t, db)

		seedEvents(t, db, day, []pivot.Event{
			ev(day.Add(10*time.Hour+5*time.Minute), "wx-001", "temperature_c", 10),
			ev(day.Add(10*time.Hour+10*time.Minute), "wx-001", "temperature_c", 20),
			ev(day.Add(10*time.Hour+20*time.Minute), "wx-001", "temperature_c", 30),
			ev(day.Add(10*time.Hour+15*time.Minute), "wx-001", "humidity_pct", 55),
			ev(day.Add(11*time.Hour+5*time.Minute), "wx-001", "temperature_c", 40),
		})
		require.NoError(t, store.RefreshHourly(t.Context(), day))

		rows := collectAggregates(t, db, HourlyTableName)
		require.Len(t, rows, 3)

		hum := rows[0]
		require.Equal(t, day.Add(10*time.Hour), hum.Period)
		require.Equal(t, "humidity_pct", hum.Metric)
		require.Equal(t, int64(1), hum.Count)

		temp10 := rows[1]
		require.Equal(t, day.Add(10*time.Hour), temp10.Period)
		require.Equal(t, "temperature_c", temp10.Metric)
		require.InDelta(t, 20.0, temp10.Avg, 1e-9)
		require.Equal(t, 10.0, temp10.Min)
		require.Equal(t, 30.0, temp10.Max)
		require.Equal(t, int64(3), temp10.Count)

		temp11 := rows[2]
		require.Equal(t, day.Add(11*time.Hour), temp11.Period)
		require.Equal(t, int64(1), temp11.Count)
	})

	t.Run("takes coordinates from the latest full pair in the bucket", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		store := testStore(t, db)

		seedEvents(t, db, day, []pivot.Event{
			evAt(day.Add(10*time.Hour+5*time.Minute), "wx-001", "temperature_c", 10, 40.70000, -74.00000),
			evAt(day.Add(10*time.Hour+10*time.Minute), "wx-001", "temperature_c", 20, 40.80000, -74.10000),
			ev(day.Add(10*time.Hour+20*time.Minute), "wx-001", "temperature_c", 30),
		})
		require.NoError(t, store.RefreshHourly(t.Context(), day))

		rows := collectAggregates(t, db, HourlyTableName)
		require.Len(t, rows, 1)
		require.True(t, rows[0].Latitude.Valid)
		require.Equal(t, 40.8, rows[0].Latitude.Float64)
		require.Equal(t, -74.1, rows[0].Longitude.Float64)
	})

	t.Run("rerun is idempotent", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		store := testStore(t, db)

		seedEvents(t, db, day, []pivot.Event{
			ev(day.Add(time.Hour), "wx-001", "temperature_c", 12.5),
			ev(day.Add(2*time.Hour), "wx-002", "temperature_c", 13.25),
		})
		require.NoError(t, store.RefreshHourly(t.Context(), day))
		first := collectAggregates(t, db, HourlyTableName)
		require.NoError(t, store.RefreshHourly(t.Context(), day))
		second := collectAggregates(t, db, HourlyTableName)

		require.Empty(t, cmp.Diff(first, second))
	})

	t.Run("leaves other dates untouched", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		store := testStore(t, db)

		previous := day.AddDate(0, 0, -1)
		seedEvents(t, db, previous, []pivot.Event{ev(previous.Add(time.Hour), "wx-001", "temperature_c", 5)})
		require.NoError(t, store.RefreshHourly(t.Context(), previous))

		seedEvents(t, db, day, []pivot.Event{ev(day.Add(time.Hour), "wx-001", "temperature_c", 20)})
		require.NoError(t, store.RefreshHourly(t.Context(), day))

		rows := collectAggregates(t, db, HourlyTableName)
		require.Len(t, rows, 2)
		require.Equal(t, previous.Add(time.Hour), rows[0].Period)
		require.Equal(t, 5.0, rows[0].Avg)
	})

	t.Run("empty day clears the hourly partition", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		store := testStore(t, db)

		seedEvents(t, db, day, []pivot.Event{ev(day.Add(time.Hour), "wx-001", "temperature_c", 20)})
		require.NoError(t, store.RefreshHourly(t.Context(), day))
		require.Len(t, collectAggregates(t, db, HourlyTableName), 1)

		seedEvents(t, db, day, nil)
		require.NoError(t, store.RefreshHourly(t.Context(), day))
		require.Empty(t, collectAggregates(t, db, HourlyTableName))
	})
}

func TestRollupStore_RefreshDaily(t *testing.T) {
	t.Parallel()

	day := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)

	t.Run("recomputes the trailing seven day window", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		store := testStore(t, db)

		windowStart := day.AddDate(0, 0, -(DailyWindowDays - 1))
		beforeWindow := day.AddDate(0, 0, -DailyWindowDays)

		seedEvents(t, db, beforeWindow, []pivot.Event{ev(beforeWindow.Add(time.Hour), "wx-001", "temperature_c", 1)})
		seedEvents(t, db, windowStart, []pivot.Event{
			ev(windowStart.Add(time.Hour), "wx-001", "temperature_c", 10),
			ev(windowStart.Add(2*time.Hour), "wx-001", "temperature_c", 20),
		})
		seedEvents(t, db, day, []pivot.Event{ev(day.Add(time.Hour), "wx-001", "temperature_c", 30)})

		// A daily row for the day before the window must survive the refresh.
		require.NoError(t, store.RefreshDaily(t.Context(), beforeWindow))
		require.NoError(t, store.RefreshDaily(t.Context(), day))

		rows := collectAggregates(t, db, DailyTableName)
		require.Len(t, rows, 3)

		require.Equal(t, beforeWindow, rows[0].Period)
		require.Equal(t, 1.0, rows[0].Avg)

		require.Equal(t, windowStart, rows[1].Period)
		require.InDelta(t, 15.0, rows[1].Avg, 1e-9)
		require.Equal(t, int64(2), rows[1].Count)

		require.Equal(t, day, rows[2].Period)
		require.Equal(t, 30.0, rows[2].Avg)
	})

	t.Run("re-absorbs late events inside the window", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		store := testStore(t, db)

		late := day.AddDate(0, 0, -3)
		seedEvents(t, db, late, []pivot.Event{ev(late.Add(time.Hour), "wx-001", "temperature_c", 10)})
		require.NoError(t, store.RefreshDaily(t.Context(), day))

		seedEvents(t, db, late, []pivot.Event{
			ev(late.Add(time.Hour), "wx-001", "temperature_c", 10),
			ev(late.Add(2*time.Hour), "wx-001", "temperature_c", 30),
		})
		require.NoError(t, store.RefreshDaily(t.Context(), day))

		rows := collectAggregates(t, db, DailyTableName)
		require.Len(t, rows, 1)
		require.InDelta(t, 20.0, rows[0].Avg, 1e-9)
		require.Equal(t, int64(2), rows[0].Count)
	})
}

func TestRollupStore_SampleCountTotals(t *testing.T) {
	t.Parallel()

	t.Run("totals match the contributing event counts", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		store := testStore(t, db)

		day := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
		seedEvents(t, db, day, []pivot.Event{
			ev(day.Add(time.Hour), "wx-001", "temperature_c", 10),
			ev(day.Add(time.Hour+time.Minute), "wx-001", "temperature_c", 20),
			ev(day.Add(2*time.Hour), "wx-002", "humidity_pct", 55),
		})
		require.NoError(t, store.RefreshHourly(t.Context(), day))
		require.NoError(t, store.RefreshDaily(t.Context(), day))

		from, to := lake.DayBounds(day)
		hourly, err := store.HourlySampleCountTotal(t.Context(), from, to)
		require.NoError(t, err)
		require.Equal(t, int64(3), hourly)

		daily, err := store.DailySampleCountTotal(t.Context(), from.AddDate(0, 0, -(DailyWindowDays-1)), to)
		require.NoError(t, err)
		require.Equal(t, int64(3), daily)
	})

	t.Run("per-source totals split by network", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		store := testStore(t, db)

		day := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
		seedEvents(t, db, day, []pivot.Event{
			ev(day.Add(time.Hour), "wx-001", "temperature_c", 10),
			ev(day.Add(2*time.Hour), "wx-001", "temperature_c", 12),
			{Timestamp: day.Add(time.Hour), Source: "airquality", NativeSensorID: "aq-001", MetricName: "pm2_5", Value: 9},
		})
		require.NoError(t, store.RefreshHourly(t.Context(), day))
		require.NoError(t, store.RefreshDaily(t.Context(), day))

		from, to := lake.DayBounds(day)
		weather, err := store.HourlySampleCountTotalForSource(t.Context(), "weather", from, to)
		require.NoError(t, err)
		require.Equal(t, int64(2), weather)

		air, err := store.HourlySampleCountTotalForSource(t.Context(), "airquality", from, to)
		require.NoError(t, err)
		require.Equal(t, int64(1), air)

		daily, err := store.DailySampleCountTotalForSource(t.Context(), "weather", from.AddDate(0, 0, -(DailyWindowDays-1)), to)
		require.NoError(t, err)
		require.Equal(t, int64(2), daily)
	})

	t.Run("empty range totals zero", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		store := testStore(t, db)

		from, to := lake.DayBounds(time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC))
		total, err := store.HourlySampleCountTotal(t.Context(), from, to)
		require.NoError(t, err)
		require.Zero(t, total)
	})
}
