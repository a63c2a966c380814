package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/olekukonko/tablewriter"
	flag "github.com/spf13/pflag"

	"github.com/sensorlake/sensorlake/pkg/lake"
	"github.com/sensorlake/sensorlake/pkg/logger"
	"github.com/sensorlake/sensorlake/pkg/manifest"
	"github.com/sensorlake/sensorlake/pkg/quality"
	"github.com/sensorlake/sensorlake/pkg/store/events"
	"github.com/sensorlake/sensorlake/pkg/store/raw"
	"github.com/sensorlake/sensorlake/pkg/store/rollup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	dateFlag := flag.String("date", "", "Date to validate (YYYY-MM-DD, defaults to yesterday UTC)")
	manifestDirFlag := flag.String("manifest-dir", "", "Directory of source manifests; defaults to the built-in weather and air quality manifests (or set MANIFEST_DIR env var)")

	// DuckLake configuration
	duckLakeCatalogNameFlag := flag.String("ducklake-catalog-name", "sensorlake", "Name of the DuckLake catalog (or set DUCKLAKE_CATALOG_NAME env var)")
	duckLakeCatalogURIFlag := flag.String("ducklake-catalog-uri", "file://.tmp/lake/catalog.sqlite", "URI to the DuckLake catalog (or set DUCKLAKE_CATALOG_URI env var)")
	duckLakeStorageURIFlag := flag.String("ducklake-storage-uri", "file://.tmp/lake/data", "URI to the DuckLake storage directory (or set DUCKLAKE_STORAGE_URI env var)")

	flag.Parse()

	// Override flags with environment variables if set
	if envCatalogURI := os.Getenv("DUCKLAKE_CATALOG_URI"); envCatalogURI != "" {
		*duckLakeCatalogURIFlag = envCatalogURI
	}
	if envStorageURI := os.Getenv("DUCKLAKE_STORAGE_URI"); envStorageURI != "" {
		*duckLakeStorageURIFlag = envStorageURI
	}
	if envCatalogName := os.Getenv("DUCKLAKE_CATALOG_NAME"); envCatalogName != "" {
		*duckLakeCatalogNameFlag = envCatalogName
	}
	if envManifestDir := os.Getenv("MANIFEST_DIR"); envManifestDir != "" {
		*manifestDirFlag = envManifestDir
	}

	log := logger.New(*verboseFlag)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	day := time.Now().UTC().AddDate(0, 0, -1)
	if *dateFlag != "" {
		parsed, err := time.Parse("2006-01-02", *dateFlag)
		if err != nil {
			return fmt.Errorf("invalid date %q: expected YYYY-MM-DD", *dateFlag)
		}
		day = parsed.UTC()
	}

	manifests := manifest.Builtin()
	if *manifestDirFlag != "" {
		loaded, err := manifest.LoadDir(*manifestDirFlag)
		if err != nil {
			return fmt.Errorf("failed to load manifests: %w", err)
		}
		manifests = loaded
	}

	s3Config, err := lake.PrepareS3ConfigForStorageURI(ctx, log, *duckLakeStorageURIFlag)
	if err != nil {
		return err
	}
	db, err := lake.NewLake(ctx, log, *duckLakeCatalogNameFlag, *duckLakeCatalogURIFlag, *duckLakeStorageURIFlag, s3Config)
	if err != nil {
		return fmt.Errorf("failed to create DuckLake database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("failed to close DuckLake database", "error", err)
		}
	}()

	rawStore, err := raw.NewStore(raw.StoreConfig{Logger: log, DB: db, Manifests: manifests})
	if err != nil {
		return fmt.Errorf("failed to create raw store: %w", err)
	}
	rollupStore, err := rollup.NewStore(rollup.StoreConfig{Logger: log, DB: db})
	if err != nil {
		return fmt.Errorf("failed to create rollup store: %w", err)
	}
	eventStore, err := events.NewStore(events.StoreConfig{Logger: log, DB: db})
	if err != nil {
		return fmt.Errorf("failed to create event store: %w", err)
	}

	gate, err := quality.NewGate(quality.GateConfig{
		Logger:    log,
		Raw:       rawStore,
		Rollup:    rollupStore,
		Events:    eventStore,
		Manifests: manifests,
	})
	if err != nil {
		return fmt.Errorf("failed to create quality gate: %w", err)
	}

	results, err := gate.Run(ctx, day)
	if err != nil {
		return fmt.Errorf("quality gate run failed: %w", err)
	}

	renderResults(day, results)

	if quality.HasBlockingFailure(results) {
		return fmt.Errorf("quality gate failed for %s: blocking check failures", day.Format("2006-01-02"))
	}
	return nil
}

func renderResults(day time.Time, results []quality.CheckResult) {
	fmt.Printf("Quality gate results for %s\n", day.Format("2006-01-02"))

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(true)
	table.SetHeader([]string{"Check", "Source", "Severity", "Status", "Metrics", "Message"})

	for _, r := range results {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
		}
		table.Append([]string{
			r.CheckName,
			r.Source,
			string(r.Severity),
			status,
			formatMetrics(r.Metrics),
			r.Message,
		})
	}
	table.Render()
}

func formatMetrics(metrics map[string]float64) string {
	if len(metrics) == 0 {
		return ""
	}
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%.4g", k, metrics[k]))
	}
	return strings.Join(parts, " ")
}
