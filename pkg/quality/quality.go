// Package quality evaluates a finished pipeline run against the thresholds
// declared in the source manifests. The gate reads the materialized tiers,
// never mutates them, and always reports every check: a failed check is a
// result to persist and surface, not an error.
package quality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sensorlake/sensorlake/pkg/lake"
	"github.com/sensorlake/sensorlake/pkg/manifest"
	"github.com/sensorlake/sensorlake/pkg/store/events"
	"github.com/sensorlake/sensorlake/pkg/store/raw"
	"github.com/sensorlake/sensorlake/pkg/store/rollup"
)

// WindowDays is the trailing evaluation window, ending at the processing
// date. It matches the daily rollup window so the cross-tier check compares
// like with like.
const WindowDays = 7

// Check names, stable across runs so reports can be tracked over time.
const (
	CheckRawPresence            = "raw_presence"
	CheckCriticalMetricNullRate = "critical_metric_null_rate"
	CheckCoverage               = "coverage"
	CheckCrosstierConsistency   = "crosstier_consistency"
)

// Severity ranks how a failed check should be treated downstream. Warnings
// are informational, errors and criticals fail the validate command.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// CheckResult is the outcome of one check for one source.
type CheckResult struct {
	CheckName string
	Source    string
	Passed    bool
	Severity  Severity
	Metrics   map[string]float64
	Message   string
}

type GateConfig struct {
	Logger    *slog.Logger
	Raw       *raw.Store
	Rollup    *rollup.Store
	Events    *events.Store
	Manifests []*manifest.Manifest
}

func (c GateConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Raw == nil {
		return errors.New("raw store is required")
	}
	if c.Rollup == nil {
		return errors.New("rollup store is required")
	}
	if c.Events == nil {
		return errors.New("events store is required")
	}
	if len(c.Manifests) == 0 {
		return errors.New("at least one manifest is required")
	}
	return nil
}

// Gate runs the full check suite for every configured source.
type Gate struct {
	log *slog.Logger
	cfg GateConfig
}

func NewGate(cfg GateConfig) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Gate{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Run evaluates every check for every configured source over the window
// ending at day. Results arrive in manifest order, checks in declaration
// order within each source. A returned error means a store read failed,
// never that a check failed.
func (g *Gate) Run(ctx context.Context, day time.Time) ([]CheckResult, error) {
	from, _ := lake.DayBounds(day.AddDate(0, 0, -(WindowDays - 1)))
	_, to := lake.DayBounds(day)

	results := make([]CheckResult, 0, 4*len(g.cfg.Manifests))
	for _, m := range g.cfg.Manifests {
		presence, err := g.checkRawPresence(ctx, m, from, to)
		if err != nil {
			return nil, err
		}
		nullRate, err := g.checkCriticalNullRate(ctx, m, from, to)
		if err != nil {
			return nil, err
		}
		coverage, err := g.checkCoverage(ctx, m, from, to)
		if err != nil {
			return nil, err
		}
		crosstier, err := g.checkCrosstierConsistency(ctx, m, day, from, to)
		if err != nil {
			return nil, err
		}
		results = append(results, presence, nullRate, coverage, crosstier)
	}

	failed := 0
	for _, r := range results {
		if !r.Passed {
			failed++
		}
	}
	g.log.Info("quality gate finished",
		"date", day.UTC().Format("2006-01-02"),
		"sources", len(g.cfg.Manifests),
		"checks", len(results),
		"failed", failed)
	return results, nil
}

// checkRawPresence requires every day of the window to reach the manifest's
// minimum raw row count. A day with no partition at all counts as zero rows.
func (g *Gate) checkRawPresence(ctx context.Context, m *manifest.Manifest, from, to time.Time) (CheckResult, error) {
	counts, err := g.cfg.Raw.DayRowCounts(ctx, m.Source, from, to)
	if err != nil {
		return CheckResult{}, fmt.Errorf("raw presence check for %s: %w", m.Source, err)
	}

	var short []string
	for d := from; d.Before(to); d = d.AddDate(0, 0, 1) {
		key := d.Format("2006-01-02")
		if counts[key] < int64(m.MinRowsPerDay) {
			short = append(short, fmt.Sprintf("%s (%d)", key, counts[key]))
		}
	}

	result := CheckResult{
		CheckName: CheckRawPresence,
		Source:    m.Source,
		Passed:    len(short) == 0,
		Severity:  SeverityError,
		Metrics: map[string]float64{
			"days_in_window":   WindowDays,
			"days_below_min":   float64(len(short)),
			"min_rows_per_day": float64(m.MinRowsPerDay),
		},
	}
	if result.Passed {
		result.Message = fmt.Sprintf("at least %d raw rows on each of %d days", m.MinRowsPerDay, WindowDays)
	} else {
		result.Message = fmt.Sprintf("raw rows below minimum %d on %s", m.MinRowsPerDay, strings.Join(short, ", "))
	}
	return result, nil
}

// checkCriticalNullRate bounds the NULL fraction of every critical metric
// over the window. An empty window passes; absence is the presence check's
// finding, not a null-rate one.
func (g *Gate) checkCriticalNullRate(ctx context.Context, m *manifest.Manifest, from, to time.Time) (CheckResult, error) {
	nc, err := g.cfg.Raw.MetricNullCounts(ctx, m.Source, m.CriticalMetrics, from, to)
	if err != nil {
		return CheckResult{}, fmt.Errorf("null rate check for %s: %w", m.Source, err)
	}

	metrics := map[string]float64{
		"total_rows":          float64(nc.TotalRows),
		"null_rate_threshold": m.NullRateThreshold,
	}
	var breaches []string
	if nc.TotalRows > 0 {
		for _, name := range m.CriticalMetrics {
			rate := float64(nc.Nulls[name]) / float64(nc.TotalRows)
			metrics["null_rate_"+name] = rate
			if rate > m.NullRateThreshold {
				breaches = append(breaches, fmt.Sprintf("%s (%.4f)", name, rate))
			}
		}
	}

	result := CheckResult{
		CheckName: CheckCriticalMetricNullRate,
		Source:    m.Source,
		Passed:    len(breaches) == 0,
		Severity:  SeverityCritical,
		Metrics:   metrics,
	}
	switch {
	case nc.TotalRows == 0:
		result.Message = "no raw rows in window, null rates not evaluated"
	case result.Passed:
		result.Message = fmt.Sprintf("critical metric null rates within %.2f", m.NullRateThreshold)
	default:
		result.Message = fmt.Sprintf("null rate above %.2f for %s", m.NullRateThreshold, strings.Join(breaches, ", "))
	}
	return result, nil
}

// checkCoverage compares, per metric, the sensor-days that carried a value
// against the sensor-days expected if every sensor seen in the window had
// reported every day. Sensors observed in the window but absent on some days
// drag the fraction down.
func (g *Gate) checkCoverage(ctx context.Context, m *manifest.Manifest, from, to time.Time) (CheckResult, error) {
	names := m.MetricNames()
	cov, err := g.cfg.Raw.MetricCoverage(ctx, m.Source, names, from, to)
	if err != nil {
		return CheckResult{}, fmt.Errorf("coverage check for %s: %w", m.Source, err)
	}

	expected := cov.DistinctSensors * WindowDays
	metrics := map[string]float64{
		"coverage_threshold":   m.CoverageThreshold,
		"distinct_sensors":     float64(cov.DistinctSensors),
		"expected_sensor_days": float64(expected),
	}
	var below []string
	if expected > 0 {
		for _, name := range names {
			fraction := float64(cov.CoveredSensorDays[name]) / float64(expected)
			metrics["coverage_"+name] = fraction
			if fraction < m.CoverageThreshold {
				below = append(below, fmt.Sprintf("%s (%.4f)", name, fraction))
			}
		}
	}

	result := CheckResult{
		CheckName: CheckCoverage,
		Source:    m.Source,
		Passed:    len(below) == 0,
		Severity:  SeverityWarning,
		Metrics:   metrics,
	}
	switch {
	case expected == 0:
		result.Message = "no sensors in window, coverage not evaluated"
	case result.Passed:
		result.Message = fmt.Sprintf("all metrics at or above coverage %.2f", m.CoverageThreshold)
	default:
		result.Message = fmt.Sprintf("coverage below %.2f for %s", m.CoverageThreshold, strings.Join(below, ", "))
	}
	return result, nil
}

// checkCrosstierConsistency requires the rollup sample counts to reproduce
// the event counts exactly: hourly over the processing date, daily over the
// full window. Any drift means a partition refresh was skipped or raced.
func (g *Gate) checkCrosstierConsistency(ctx context.Context, m *manifest.Manifest, day time.Time, from, to time.Time) (CheckResult, error) {
	dayFrom, dayTo := lake.DayBounds(day)

	hourlyTotal, err := g.cfg.Rollup.HourlySampleCountTotalForSource(ctx, m.Source, dayFrom, dayTo)
	if err != nil {
		return CheckResult{}, fmt.Errorf("cross-tier check for %s: %w", m.Source, err)
	}
	dayEvents, err := g.cfg.Events.CountForRangeBySource(ctx, m.Source, dayFrom, dayTo)
	if err != nil {
		return CheckResult{}, fmt.Errorf("cross-tier check for %s: %w", m.Source, err)
	}
	dailyTotal, err := g.cfg.Rollup.DailySampleCountTotalForSource(ctx, m.Source, from, to)
	if err != nil {
		return CheckResult{}, fmt.Errorf("cross-tier check for %s: %w", m.Source, err)
	}
	windowEvents, err := g.cfg.Events.CountForRangeBySource(ctx, m.Source, from, to)
	if err != nil {
		return CheckResult{}, fmt.Errorf("cross-tier check for %s: %w", m.Source, err)
	}

	var mismatches []string
	if hourlyTotal != dayEvents {
		mismatches = append(mismatches, fmt.Sprintf("hourly samples %d != day events %d", hourlyTotal, dayEvents))
	}
	if dailyTotal != windowEvents {
		mismatches = append(mismatches, fmt.Sprintf("daily samples %d != window events %d", dailyTotal, windowEvents))
	}

	result := CheckResult{
		CheckName: CheckCrosstierConsistency,
		Source:    m.Source,
		Passed:    len(mismatches) == 0,
		Severity:  SeverityError,
		Metrics: map[string]float64{
			"hourly_sample_total": float64(hourlyTotal),
			"day_event_count":     float64(dayEvents),
			"daily_sample_total":  float64(dailyTotal),
			"window_event_count":  float64(windowEvents),
		},
	}
	if result.Passed {
		result.Message = "rollup sample counts match event counts"
	} else {
		result.Message = strings.Join(mismatches, "; ")
	}
	return result, nil
}

// HasBlockingFailure reports whether any failed check carries error or
// critical severity. The validate command maps this to a non-zero exit.
func HasBlockingFailure(results []CheckResult) bool {
	for _, r := range results {
		if !r.Passed && r.Severity != SeverityWarning {
			return true
		}
	}
	return false
}
