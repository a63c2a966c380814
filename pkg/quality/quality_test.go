package quality

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/sensorlake/sensorlake/pkg/lake"
	"github.com/sensorlake/sensorlake/pkg/manifest"
	"github.com/sensorlake/sensorlake/pkg/normalize"
	"github.com/sensorlake/sensorlake/pkg/pivot"
	"github.com/sensorlake/sensorlake/pkg/store/events"
	"github.com/sensorlake/sensorlake/pkg/store/raw"
	"github.com/sensorlake/sensorlake/pkg/store/rollup"
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

// testManifest declares a small two-metric source with thresholds sized for
// two sensors reporting twice a day.
func testManifest(coverage float64) *manifest.Manifest {
	m := &manifest.Manifest{
		Source: "weather",
		Metrics: []manifest.Metric{
			{Name: "temperature_c", Kind: manifest.KindFloat, Required: true},
			{Name: "humidity_pct", Kind: manifest.KindFloat},
		},
		CriticalMetrics:   []string{"temperature_c"},
		CoverageThreshold: coverage,
		NullRateThreshold: 0.10,
		MinRowsPerDay:     2,
	}
	if err := m.Validate(); err != nil {
		panic(err)
	}
	return m
}

type gateStores struct {
	raw    *raw.Store
	events *events.Store
	rollup *rollup.Store
}

func newGateStores(t *testing.T, db lake.DB, manifests ...*manifest.Manifest) gateStores {
	t.Helper()
	rawStore, err := raw.NewStore(raw.StoreConfig{Logger: testLogger(t), DB: db, Manifests: manifests})
	require.NoError(t, err)
	require.NoError(t, rawStore.CreateTablesIfNotExists())
	eventStore, err := events.NewStore(events.StoreConfig{Logger: testLogger(t), DB: db})
	require.NoError(t, err)
	require.NoError(t, eventStore.CreateTablesIfNotExists())
	rollupStore, err := rollup.NewStore(rollup.StoreConfig{Logger: testLogger(t), DB: db})
	require.NoError(t, err)
	require.NoError(t, rollupStore.CreateTablesIfNotExists())
	return gateStores{raw: rawStore, events: eventStore, rollup: rollupStore}
}

func newGate(t *testing.T, s gateStores, manifests ...*manifest.Manifest) *Gate {
	t.Helper()
	gate, err := NewGate(GateConfig{
		Logger:    testLogger(t),
		Raw:       s.raw,
		Rollup:    s.rollup,
		Events:    s.events,
		Manifests: manifests,
	})
	require.NoError(t, err)
	return gate
}

func reading(m *manifest.Manifest, ts time.Time, sensor string, missing ...string) normalize.Reading {
	isMissing := func(name string) bool {
		for _, miss := range missing {
			if miss == name {
				return true
			}
		}
		return false
	}
	metrics := make([]normalize.MetricValue, 0, len(m.Metrics))
	for i, met := range m.Metrics {
		mv := normalize.MetricValue{Name: met.Name, Value: float64(10 + i)}
		if isMissing(met.Name) {
			mv.Value = met.Kind.Zero()
			mv.Missing = true
		}
		metrics = append(metrics, mv)
	}
	return normalize.Reading{
		Source:         m.Source,
		NativeSensorID: sensor,
		Timestamp:      ts,
		Metrics:        metrics,
	}
}

// seedDay lands one day through the same path the pipeline takes: raw, then
// pivoted events, then the hourly refresh for that day.
func seedDay(t *testing.T, ctx context.Context, s gateStores, m *manifest.Manifest, day time.Time, readings []normalize.Reading) {
	t.Helper()
	require.NoError(t, s.raw.ReplaceDay(ctx, m.Source, day, readings))
	require.NoError(t, s.events.ReplaceDay(ctx, day, pivot.EventsForBatch(m, readings)))
	require.NoError(t, s.rollup.RefreshHourly(ctx, day))
}

// seedWindow fills the full trailing window ending at asOf with two sensors
// reporting once each per day, then refreshes the daily tier.
func seedWindow(t *testing.T, ctx context.Context, s gateStores, m *manifest.Manifest, asOf time.Time) {
	t.Helper()
	for offset := WindowDays - 1; offset >= 0; offset-- {
		day := asOf.AddDate(0, 0, -offset)
		seedDay(t, ctx, s, m, day, []normalize.Reading{
			reading(m, day.Add(10*time.Hour), "wx-001"),
			reading(m, day.Add(11*time.Hour), "wx-002"),
		})
	}
	require.NoError(t, s.rollup.RefreshDaily(ctx, asOf))
}

func findResult(t *testing.T, results []CheckResult, source, check string) CheckResult {
	t.Helper()
	for _, r := range results {
		if r.Source == source && r.CheckName == check {
			return r
		}
	}
	t.Fatalf("no %s result for source %s", check, source)
	return CheckResult{}
}

func TestGate_NewGate(t *testing.T) {
	t.Parallel()

	db := testDB(t)
	m := testManifest(0.90)
	stores := newGateStores(t, db, m)

	t.Run("requires_logger", func(t *testing.T) {
		gate, err := NewGate(GateConfig{Raw: stores.raw, Rollup: stores.rollup, Events: stores.events, Manifests: []*manifest.Manifest{m}})
		require.Error(t, err)
		require.Nil(t, gate)
		require.Contains(t, err.Error(), "logger is required")
	})

	t.Run("requires_every_store", func(t *testing.T) {
		_, err := NewGate(GateConfig{Logger: testLogger(t), Rollup: stores.rollup, Events: stores.events, Manifests: []*manifest.Manifest{m}})
		require.ErrorContains(t, err, "raw store is required")
		_, err = NewGate(GateConfig{Logger: testLogger(t), Raw: stores.raw, Events: stores.events, Manifests: []*manifest.Manifest{m}})
		require.ErrorContains(t, err, "rollup store is required")
		_, err = NewGate(GateConfig{Logger: testLogger(t), Raw: stores.raw, Rollup: stores.rollup, Manifests: []*manifest.Manifest{m}})
		require.ErrorContains(t, err, "events store is required")
	})

	t.Run("requires_manifests", func(t *testing.T) {
		_, err := NewGate(GateConfig{Logger: testLogger(t), Raw: stores.raw, Rollup: stores.rollup, Events: stores.events})
		require.ErrorContains(t, err, "at least one manifest is required")
	})
}

func TestGate_Run(t *testing.T) {
	t.Parallel()

	asOf := time.Date(2025, 7, 10, 0, 0, 0, 0, time.UTC)

	t.Run("all_checks_pass_on_consistent_window", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		m := testManifest(0.90)
		stores := newGateStores(t, db, m)
		seedWindow(t, t.Context(), stores, m, asOf)

		results, err := newGate(t, stores, m).Run(t.Context(), asOf)
		require.NoError(t, err)
		require.Len(t, results, 4)
		for _, r := range results {
			require.True(t, r.Passed, "%s: %s", r.CheckName, r.Message)
		}

		presence := findResult(t, results, "weather", CheckRawPresence)
		require.Equal(t, SeverityError, presence.Severity)
		require.Equal(t, float64(0), presence.Metrics["days_below_min"])

		coverage := findResult(t, results, "weather", CheckCoverage)
		require.Equal(t, SeverityWarning, coverage.Severity)
		require.Equal(t, float64(14), coverage.Metrics["expected_sensor_days"])
		require.InDelta(t, 1.0, coverage.Metrics["coverage_temperature_c"], 1e-9)

		crosstier := findResult(t, results, "weather", CheckCrosstierConsistency)
		require.Equal(t, float64(4), crosstier.Metrics["hourly_sample_total"])
		require.Equal(t, float64(28), crosstier.Metrics["window_event_count"])

		require.False(t, HasBlockingFailure(results))
	})

	t.Run("short_day_fails_raw_presence", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		m := testManifest(0.90)
		stores := newGateStores(t, db, m)
		for offset := WindowDays - 1; offset >= 0; offset-- {
			day := asOf.AddDate(0, 0, -offset)
			readings := []normalize.Reading{
				reading(m, day.Add(10*time.Hour), "wx-001"),
				reading(m, day.Add(11*time.Hour), "wx-002"),
			}
			if offset == 2 {
				readings = readings[:1]
			}
			seedDay(t, t.Context(), stores, m, day, readings)
		}
		require.NoError(t, stores.rollup.RefreshDaily(t.Context(), asOf))

		results, err := newGate(t, stores, m).Run(t.Context(), asOf)
		require.NoError(t, err)

		presence := findResult(t, results, "weather", CheckRawPresence)
		require.False(t, presence.Passed)
		require.Contains(t, presence.Message, "2025-07-08 (1)")
		require.Equal(t, float64(1), presence.Metrics["days_below_min"])
		require.True(t, HasBlockingFailure(results))
	})

	t.Run("missing_day_counts_as_zero_rows", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		m := testManifest(0.90)
		stores := newGateStores(t, db, m)
		for offset := WindowDays - 1; offset >= 0; offset-- {
			if offset == 3 {
				continue
			}
			day := asOf.AddDate(0, 0, -offset)
			seedDay(t, t.Context(), stores, m, day, []normalize.Reading{
				reading(m, day.Add(10*time.Hour), "wx-001"),
				reading(m, day.Add(11*time.Hour), "wx-002"),
			})
		}
		require.NoError(t, stores.rollup.RefreshDaily(t.Context(), asOf))

		results, err := newGate(t, stores, m).Run(t.Context(), asOf)
		require.NoError(t, err)

		presence := findResult(t, results, "weather", CheckRawPresence)
		require.False(t, presence.Passed)
		require.Contains(t, presence.Message, "2025-07-07 (0)")
	})

	t.Run("critical_null_rate_breach_is_critical", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		m := testManifest(0.90)
		stores := newGateStores(t, db, m)
		for offset := WindowDays - 1; offset >= 0; offset-- {
			day := asOf.AddDate(0, 0, -offset)
			seedDay(t, t.Context(), stores, m, day, []normalize.Reading{
				reading(m, day.Add(10*time.Hour), "wx-001"),
				reading(m, day.Add(11*time.Hour), "wx-002", "temperature_c"),
			})
		}
		require.NoError(t, stores.rollup.RefreshDaily(t.Context(), asOf))

		results, err := newGate(t, stores, m).Run(t.Context(), asOf)
		require.NoError(t, err)

		nullRate := findResult(t, results, "weather", CheckCriticalMetricNullRate)
		require.False(t, nullRate.Passed)
		require.Equal(t, SeverityCritical, nullRate.Severity)
		require.InDelta(t, 0.5, nullRate.Metrics["null_rate_temperature_c"], 1e-9)
		require.Contains(t, nullRate.Message, "temperature_c")

		// Half the temperature sensor-days carry no value, so coverage drops
		// below threshold independently of the null-rate breach.
		coverage := findResult(t, results, "weather", CheckCoverage)
		require.False(t, coverage.Passed)
		require.Equal(t, SeverityWarning, coverage.Severity)

		require.True(t, findResult(t, results, "weather", CheckRawPresence).Passed)
		require.True(t, HasBlockingFailure(results))
	})

	t.Run("coverage_fraction_compares_against_threshold", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		m := testManifest(0.92)
		stores := newGateStores(t, db, m)
		// Humidity absent for one sensor on one day: 13 of 14 expected
		// sensor-days covered, a fraction of about 0.9286.
		for offset := WindowDays - 1; offset >= 0; offset-- {
			day := asOf.AddDate(0, 0, -offset)
			second := reading(m, day.Add(11*time.Hour), "wx-002")
			if offset == 0 {
				second = reading(m, day.Add(11*time.Hour), "wx-002", "humidity_pct")
			}
			seedDay(t, t.Context(), stores, m, day, []normalize.Reading{
				reading(m, day.Add(10*time.Hour), "wx-001"),
				second,
			})
		}
		require.NoError(t, stores.rollup.RefreshDaily(t.Context(), asOf))

		results, err := newGate(t, stores, m).Run(t.Context(), asOf)
		require.NoError(t, err)
		coverage := findResult(t, results, "weather", CheckCoverage)
		require.True(t, coverage.Passed)
		require.InDelta(t, 13.0/14.0, coverage.Metrics["coverage_humidity_pct"], 1e-9)

		strict := testManifest(0.95)
		results, err = newGate(t, stores, strict).Run(t.Context(), asOf)
		require.NoError(t, err)
		coverage = findResult(t, results, "weather", CheckCoverage)
		require.False(t, coverage.Passed)
		require.Contains(t, coverage.Message, "humidity_pct")
		require.NotContains(t, coverage.Message, "temperature_c")
		require.False(t, HasBlockingFailure(results), "a coverage warning alone must not block")
	})

	t.Run("rollup_drift_fails_cross_tier", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		m := testManifest(0.90)
		stores := newGateStores(t, db, m)
		seedWindow(t, t.Context(), stores, m, asOf)

		// Rewrite the processing date's events with an extra reading without
		// refreshing either rollup tier.
		drifted := []normalize.Reading{
			reading(m, asOf.Add(10*time.Hour), "wx-001"),
			reading(m, asOf.Add(11*time.Hour), "wx-002"),
			reading(m, asOf.Add(12*time.Hour), "wx-003"),
		}
		require.NoError(t, stores.events.ReplaceDay(t.Context(), asOf, pivot.EventsForBatch(m, drifted)))

		results, err := newGate(t, stores, m).Run(t.Context(), asOf)
		require.NoError(t, err)
		crosstier := findResult(t, results, "weather", CheckCrosstierConsistency)
		require.False(t, crosstier.Passed)
		require.Equal(t, SeverityError, crosstier.Severity)
		require.Equal(t, float64(4), crosstier.Metrics["hourly_sample_total"])
		require.Equal(t, float64(6), crosstier.Metrics["day_event_count"])
		require.Contains(t, crosstier.Message, "hourly samples 4 != day events 6")
		require.Contains(t, crosstier.Message, "daily samples 28 != window events 30")
	})

	t.Run("empty_window_only_fails_presence", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		m := testManifest(0.90)
		stores := newGateStores(t, db, m)

		results, err := newGate(t, stores, m).Run(t.Context(), asOf)
		require.NoError(t, err)
		require.Len(t, results, 4)

		presence := findResult(t, results, "weather", CheckRawPresence)
		require.False(t, presence.Passed)
		require.Equal(t, float64(7), presence.Metrics["days_below_min"])

		nullRate := findResult(t, results, "weather", CheckCriticalMetricNullRate)
		require.True(t, nullRate.Passed)
		require.Contains(t, nullRate.Message, "not evaluated")

		coverage := findResult(t, results, "weather", CheckCoverage)
		require.True(t, coverage.Passed)
		require.Equal(t, float64(0), coverage.Metrics["expected_sensor_days"])

		require.True(t, findResult(t, results, "weather", CheckCrosstierConsistency).Passed)
	})

	t.Run("sources_report_independently", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		weather := testManifest(0.90)
		air := &manifest.Manifest{
			Source: "airquality",
			Metrics: []manifest.Metric{
				{Name: "pm2_5", Kind: manifest.KindFloat, Required: true},
			},
			CriticalMetrics:   []string{"pm2_5"},
			CoverageThreshold: 0.90,
			NullRateThreshold: 0.10,
			MinRowsPerDay:     1,
		}
		require.NoError(t, air.Validate())
		stores := newGateStores(t, db, weather, air)
		seedWindow(t, t.Context(), stores, weather, asOf)

		results, err := newGate(t, stores, weather, air).Run(t.Context(), asOf)
		require.NoError(t, err)
		require.Len(t, results, 8)
		require.Equal(t, "weather", results[0].Source)
		require.Equal(t, "airquality", results[4].Source)

		require.True(t, findResult(t, results, "weather", CheckRawPresence).Passed)
		require.False(t, findResult(t, results, "airquality", CheckRawPresence).Passed)
	})
}

func TestHasBlockingFailure(t *testing.T) {
	t.Parallel()

	require.False(t, HasBlockingFailure(nil))
	require.False(t, HasBlockingFailure([]CheckResult{
		{CheckName: CheckCoverage, Passed: false, Severity: SeverityWarning},
		{CheckName: CheckRawPresence, Passed: true, Severity: SeverityError},
	}))
	require.True(t, HasBlockingFailure([]CheckResult{
		{CheckName: CheckRawPresence, Passed: false, Severity: SeverityError},
	}))
	require.True(t, HasBlockingFailure([]CheckResult{
		{CheckName: CheckCriticalMetricNullRate, Passed: false, Severity: SeverityCritical},
	}))
}
