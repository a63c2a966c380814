// Package pipeline orchestrates one processing date end to end: ingest per
// source, materialize the event and rollup tiers, refresh dimensions and
// enriched views, then gate and persist quality results. Partition writes
// hold per-(table, date) advisory locks so a backfill can fan dates out
// without two writers hitting the same partition.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sensorlake/sensorlake/pkg/dimension"
	"github.com/sensorlake/sensorlake/pkg/enrich"
	"github.com/sensorlake/sensorlake/pkg/lake"
	"github.com/sensorlake/sensorlake/pkg/manifest"
	"github.com/sensorlake/sensorlake/pkg/normalize"
	"github.com/sensorlake/sensorlake/pkg/pivot"
	"github.com/sensorlake/sensorlake/pkg/quality"
	"github.com/sensorlake/sensorlake/pkg/source"
	"github.com/sensorlake/sensorlake/pkg/store/events"
	"github.com/sensorlake/sensorlake/pkg/store/identity"
	"github.com/sensorlake/sensorlake/pkg/store/location"
	qualitystore "github.com/sensorlake/sensorlake/pkg/store/quality"
	"github.com/sensorlake/sensorlake/pkg/store/raw"
	"github.com/sensorlake/sensorlake/pkg/store/rollup"
)

// SourceReport summarizes one source's ingest within a run.
type SourceReport struct {
	Source     string
	Fetched    int // raw records read from the batch
	Landed     int // readings written to the landing partition
	Events     int // long-format events pivoted from the landed readings
	Quarantine *normalize.Quarantine
}

// RunReport is the full account of one processing date.
type RunReport struct {
	RunID    string
	Date     time.Time
	Sources  []SourceReport
	Warnings []Warning
	Quality  []quality.CheckResult
	Duration time.Duration
	Err      error
}

// Failed reports whether the run ended with a fatal error.
func (r *RunReport) Failed() bool {
	return r.Err != nil
}

// Config is the configuration for the pipeline.
type Config struct {
	Logger    *slog.Logger
	DB        lake.DB
	Source    source.Source
	Manifests []*manifest.Manifest
	Metrics   *Metrics

	// Snapshots feeds the dimension sync from the curated store. Nil skips
	// the sync; the lake then serves whatever dimensions it already holds.
	Snapshots dimension.SnapshotSource

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.DB == nil {
		return errors.New("db is required")
	}
	if c.Source == nil {
		return errors.New("batch source is required")
	}
	if len(c.Manifests) == 0 {
		return errors.New("at least one manifest is required")
	}
	if c.Metrics == nil {
		return errors.New("metrics are required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Pipeline runs the daily batch for every configured source.
type Pipeline struct {
	log     *slog.Logger
	cfg     Config
	metrics *Metrics

	raw      *raw.Store
	events   *events.Store
	rollup   *rollup.Store
	location *location.Store
	identity *identity.Store
	reports  *qualitystore.Store
	enricher *enrich.Enricher
	gate     *quality.Gate
	dims     *dimension.Syncer
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rawStore, err := raw.NewStore(raw.StoreConfig{
		Logger:    cfg.Logger,
		DB:        cfg.DB,
		Manifests: cfg.Manifests,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create raw store: %w", err)
	}

	eventStore, err := events.NewStore(events.StoreConfig{
		Logger: cfg.Logger,
		DB:     cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create event store: %w", err)
	}

	rollupStore, err := rollup.NewStore(rollup.StoreConfig{
		Logger: cfg.Logger,
		DB:     cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rollup store: %w", err)
	}

	rawTables := make([]string, 0, len(cfg.Manifests))
	for _, m := range cfg.Manifests {
		rawTables = append(rawTables, raw.TableNameFor(m.Source))
	}
	locationStore, err := location.NewStore(location.StoreConfig{
		Logger:    cfg.Logger,
		DB:        cfg.DB,
		RawTables: rawTables,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create location store: %w", err)
	}

	identityStore, err := identity.NewStore(identity.StoreConfig{
		Logger: cfg.Logger,
		DB:     cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create identity store: %w", err)
	}

	reportStore, err := qualitystore.NewStore(qualitystore.StoreConfig{
		Logger: cfg.Logger,
		DB:     cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create quality report store: %w", err)
	}

	enricher, err := enrich.NewEnricher(enrich.Config{
		Logger: cfg.Logger,
		DB:     cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create enricher: %w", err)
	}

	gate, err := quality.NewGate(quality.GateConfig{
		Logger:    cfg.Logger,
		Raw:       rawStore,
		Rollup:    rollupStore,
		Events:    eventStore,
		Manifests: cfg.Manifests,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create quality gate: %w", err)
	}

	var dims *dimension.Syncer
	if cfg.Snapshots != nil {
		dims, err = dimension.NewSyncer(dimension.SyncConfig{
			Logger: cfg.Logger,
			DB:     cfg.DB,
			Source: cfg.Snapshots,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create dimension syncer: %w", err)
		}
	}

	return &Pipeline{
		log:      cfg.Logger,
		cfg:      cfg,
		metrics:  cfg.Metrics,
		raw:      rawStore,
		events:   eventStore,
		rollup:   rollupStore,
		location: locationStore,
		identity: identityStore,
		reports:  reportStore,
		enricher: enricher,
		gate:     gate,
		dims:     dims,
	}, nil
}

// EnsureTables creates every lake table and view a run touches. Dimension
// tables come before the enriched views that reference them.
func (p *Pipeline) EnsureTables(ctx context.Context) error {
	if err := p.raw.CreateTablesIfNotExists(); err != nil {
		return fmt.Errorf("failed to create landing tables: %w", err)
	}
	if err := p.events.CreateTablesIfNotExists(); err != nil {
		return fmt.Errorf("failed to create event table: %w", err)
	}
	if err := p.rollup.CreateTablesIfNotExists(); err != nil {
		return fmt.Errorf("failed to create rollup tables: %w", err)
	}
	if err := p.location.CreateTablesIfNotExists(); err != nil {
		return fmt.Errorf("failed to create canonical location table: %w", err)
	}
	if err := p.reports.CreateTablesIfNotExists(); err != nil {
		return fmt.Errorf("failed to create quality report table: %w", err)
	}

	conn, err := p.cfg.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			p.log.Error("failed to close connection", "error", err)
		}
	}()
	if err := dimension.EnsureLakeTables(ctx, p.log, conn); err != nil {
		return err
	}

	return p.enricher.RefreshViews(ctx)
}

// Run executes the full pipeline for one processing date. The returned
// report is never nil; a fatal error is recorded on it and returned.
func (p *Pipeline) Run(ctx context.Context, date time.Time) (*RunReport, error) {
	day := date.UTC()
	start := p.cfg.Clock.Now()

	report := &RunReport{
		RunID: uuid.NewString(),
		Date:  day,
	}
	log := p.log.With("run_id", report.RunID, "date", day.Format("2006-01-02"))
	log.Info("run starting", "sources", len(p.cfg.Manifests))
	p.metrics.RunsStarted.Inc()

	err := p.run(ctx, log, day, report)
	report.Duration = p.cfg.Clock.Since(start)
	report.Err = err

	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	p.metrics.RunsCompleted.WithLabelValues(outcome).Inc()
	p.metrics.RunDuration.Observe(report.Duration.Seconds())

	if err != nil {
		log.Error("run failed", "duration", report.Duration, "error", err)
		return report, err
	}

	failedChecks := 0
	for _, res := range report.Quality {
		if !res.Passed {
			failedChecks++
		}
	}
	log.Info("run finished",
		"duration", report.Duration,
		"warnings", len(report.Warnings),
		"failed_checks", failedChecks)
	return report, nil
}

func (p *Pipeline) run(ctx context.Context, log *slog.Logger, day time.Time, report *RunReport) error {
	var allEvents []pivot.Event
	for _, m := range p.cfg.Manifests {
		sr, evs, err := p.ingestSource(ctx, log, m, day)
		report.Sources = append(report.Sources, sr)
		if err != nil {
			return err
		}
		if sr.Quarantine != nil && sr.Quarantine.Total > 0 {
			report.Warnings = append(report.Warnings, Warning{
				Kind:   WarnSchemaViolation,
				Source: m.Source,
				Detail: fmt.Sprintf("quarantined %d of %d rows", sr.Quarantine.Total, sr.Fetched),
			})
		}
		allEvents = append(allEvents, evs...)
	}

	if err := p.timeStage("materialize_events", func() error {
		unlock := partitionLocks.lock(events.TableName, day)
		defer unlock()
		return p.events.ReplaceDay(ctx, day, allEvents)
	}); err != nil {
		p.metrics.PartitionReplaceFailures.WithLabelValues(events.TableName).Inc()
		return &PartitionRecomputeError{Table: events.TableName, Date: day, Err: err}
	}
	for _, sr := range report.Sources {
		p.metrics.EventsMaterialized.WithLabelValues(sr.Source).Add(float64(sr.Events))
	}
	log.Info("materialized events", "events", len(allEvents))

	if err := p.timeStage("rollup_hourly", func() error {
		unlock := partitionLocks.lock(rollup.HourlyTableName, day)
		defer unlock()
		return p.rollup.RefreshHourly(ctx, day)
	}); err != nil {
		p.metrics.PartitionReplaceFailures.WithLabelValues(rollup.HourlyTableName).Inc()
		return &PartitionRecomputeError{Table: rollup.HourlyTableName, Date: day, Err: err}
	}

	windowFrom := day.AddDate(0, 0, -(rollup.DailyWindowDays - 1))
	if err := p.timeStage("rollup_daily", func() error {
		unlock := partitionLocks.lockRange(rollup.DailyTableName, windowFrom, day)
		defer unlock()
		return p.rollup.RefreshDaily(ctx, day)
	}); err != nil {
		p.metrics.PartitionReplaceFailures.WithLabelValues(rollup.DailyTableName).Inc()
		return &PartitionRecomputeError{Table: rollup.DailyTableName, Date: day, Err: err}
	}

	if p.dims != nil {
		if err := p.timeStage("dimension_sync", func() error {
			return p.dims.Sync(ctx, p.cfg.Clock.Now().UTC())
		}); err != nil {
			return fmt.Errorf("failed to sync dimensions: %w", err)
		}
		p.identity.InvalidateCache()
	}

	// Overlap detection is advisory; a failure must not undo a completed
	// materialization.
	if err := p.timeStage("identity_overlaps", func() error {
		overlaps, err := p.identity.DetectOverlaps(ctx)
		if err != nil {
			return err
		}
		for _, o := range overlaps {
			report.Warnings = append(report.Warnings, Warning{
				Kind: WarnIdentityMappingAmbiguity,
				Detail: fmt.Sprintf("native %s maps to both %s and %s over [%s, %s]",
					o.NativeSensorID, o.SensorIDA, o.SensorIDB,
					o.OverlapStart.Format("2006-01-02"), o.OverlapEnd.Format("2006-01-02")),
			})
		}
		return nil
	}); err != nil {
		log.Error("failed to detect mapping overlaps", "error", err)
	}

	if err := p.timeStage("location_recompute", func() error {
		unlock := partitionLocks.lock(location.TableName, day)
		defer unlock()
		return p.location.Recompute(ctx, day)
	}); err != nil {
		p.metrics.PartitionReplaceFailures.WithLabelValues(location.TableName).Inc()
		return &PartitionRecomputeError{Table: location.TableName, Date: day, Err: err}
	}

	if err := p.timeStage("refresh_views", func() error {
		return p.enricher.RefreshViews(ctx)
	}); err != nil {
		return fmt.Errorf("failed to refresh enriched views: %w", err)
	}

	var results []quality.CheckResult
	if err := p.timeStage("quality_gate", func() error {
		var err error
		results, err = p.gate.Run(ctx, day)
		return err
	}); err != nil {
		return fmt.Errorf("failed to run quality gate: %w", err)
	}
	report.Quality = results
	for _, res := range results {
		if res.Passed {
			continue
		}
		p.metrics.QualityCheckFailures.WithLabelValues(res.Source, res.CheckName, string(res.Severity)).Inc()
		report.Warnings = append(report.Warnings, Warning{
			Kind:   WarnQualityThresholdBreach,
			Source: res.Source,
			Detail: fmt.Sprintf("%s: %s", res.CheckName, res.Message),
		})
	}

	if err := p.timeStage("persist_reports", func() error {
		return p.reports.AppendReports(ctx, p.reportRows(report.RunID, day, results))
	}); err != nil {
		return fmt.Errorf("failed to persist quality reports: %w", err)
	}

	return nil
}

func (p *Pipeline) ingestSource(ctx context.Context, log *slog.Logger, m *manifest.Manifest, day time.Time) (SourceReport, []pivot.Event, error) {
	sr := SourceReport{Source: m.Source}

	var records []normalize.Record
	if err := p.timeStage("fetch", func() error {
		var err error
		records, err = p.cfg.Source.Fetch(ctx, m.Source, day)
		return err
	}); err != nil {
		return sr, nil, fmt.Errorf("failed to fetch %s batch: %w", m.Source, err)
	}
	sr.Fetched = len(records)
	p.metrics.RowsFetched.WithLabelValues(m.Source).Add(float64(len(records)))

	var readings []normalize.Reading
	if err := p.timeStage("normalize", func() error {
		readings, sr.Quarantine = normalize.Normalize(m, records)
		return nil
	}); err != nil {
		return sr, nil, err
	}
	sr.Landed = len(readings)
	for reason, n := range sr.Quarantine.Reasons {
		p.metrics.RowsQuarantined.WithLabelValues(m.Source, string(reason)).Add(float64(n))
	}

	table := raw.TableNameFor(m.Source)
	if err := p.timeStage("land_raw", func() error {
		unlock := partitionLocks.lock(table, day)
		defer unlock()
		return p.raw.ReplaceDay(ctx, m.Source, day, readings)
	}); err != nil {
		p.metrics.PartitionReplaceFailures.WithLabelValues(table).Inc()
		return sr, nil, &PartitionRecomputeError{Table: table, Date: day, Err: err}
	}
	p.metrics.RowsLanded.WithLabelValues(m.Source).Add(float64(len(readings)))

	evs := pivot.EventsForBatch(m, readings)
	sr.Events = len(evs)

	log.Info("ingested source batch",
		"source", m.Source,
		"fetched", sr.Fetched,
		"quarantined", sr.Quarantine.Total,
		"landed", sr.Landed,
		"events", sr.Events)

	return sr, evs, nil
}

func (p *Pipeline) reportRows(runID string, day time.Time, results []quality.CheckResult) []qualitystore.Report {
	windowFrom, _ := lake.DayBounds(day.AddDate(0, 0, -(quality.WindowDays - 1)))
	_, windowTo := lake.DayBounds(day)
	now := p.cfg.Clock.Now().UTC()

	rows := make([]qualitystore.Report, 0, len(results))
	for _, res := range results {
		rows = append(rows, qualitystore.Report{
			RunID:      runID,
			CheckName:  res.CheckName,
			Source:     res.Source,
			RangeStart: windowFrom,
			RangeEnd:   windowTo,
			Passed:     res.Passed,
			Severity:   string(res.Severity),
			Metrics:    res.Metrics,
			Message:    res.Message,
			CreatedAt:  now,
		})
	}
	return rows
}

func (p *Pipeline) timeStage(stage string, fn func() error) error {
	start := p.cfg.Clock.Now()
	err := fn()
	p.metrics.StageDuration.WithLabelValues(stage).Observe(p.cfg.Clock.Since(start).Seconds())
	return err
}

// Backfill runs every date of [from, to] inclusive over a worker pool. All
// dates are attempted regardless of individual failures; each date's fatal
// error lands in its report and the returned error summarizes the failures.
func (p *Pipeline) Backfill(ctx context.Context, from, to time.Time, concurrency int) ([]*RunReport, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("backfill range is inverted: %s is after %s",
			from.Format("2006-01-02"), to.Format("2006-01-02"))
	}
	if concurrency < 1 {
		concurrency = 1
	}
	p.log.Info("backfill starting",
		"from", from.Format("2006-01-02"),
		"to", to.Format("2006-01-02"),
		"concurrency", concurrency)

	pool := pond.NewResultPool[*RunReport](concurrency)
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		day := d
		group.Submit(func() *RunReport {
			report, err := p.Run(ctx, day)
			if err != nil {
				p.log.Error("backfill date failed", "date", day.Format("2006-01-02"), "error", err)
			}
			return report
		})
	}

	reports, err := group.Wait()
	if err != nil {
		return reports, fmt.Errorf("backfill pool failed: %w", err)
	}

	failed := 0
	for _, r := range reports {
		if r != nil && r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return reports, fmt.Errorf("backfill failed for %d of %d dates", failed, len(reports))
	}
	p.log.Info("backfill finished", "dates", len(reports))
	return reports, nil
}
