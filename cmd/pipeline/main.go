package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/sensorlake/sensorlake/pkg/dimension"
	"github.com/sensorlake/sensorlake/pkg/lake"
	"github.com/sensorlake/sensorlake/pkg/logger"
	"github.com/sensorlake/sensorlake/pkg/manifest"
	"github.com/sensorlake/sensorlake/pkg/pipeline"
	"github.com/sensorlake/sensorlake/pkg/pipeline/metrics"
	"github.com/sensorlake/sensorlake/pkg/source"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultMetricsAddr         = "0.0.0.0:0"
	defaultBackfillConcurrency = 4
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load .env file if it exists
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics (set to empty string to disable)")

	// Run selection
	dateFlag := flag.String("date", "", "Processing date (YYYY-MM-DD, defaults to yesterday UTC)")
	backfillFromFlag := flag.String("backfill-from", "", "First date of a backfill range (YYYY-MM-DD)")
	backfillToFlag := flag.String("backfill-to", "", "Last date of a backfill range (YYYY-MM-DD, inclusive)")
	backfillConcurrencyFlag := flag.Int("backfill-concurrency", defaultBackfillConcurrency, "Number of dates processed in parallel during a backfill")

	// Batch source configuration
	sourceDirFlag := flag.String("source-dir", "", "Local batch drop directory laid out as <dir>/<source>/<YYYY-MM-DD>.csv")
	sourceBucketFlag := flag.String("source-bucket", "", "S3 bucket holding batch drops laid out as <prefix>/<source>/dt=<YYYY-MM-DD>/")
	sourcePrefixFlag := flag.String("source-prefix", "", "Key prefix above the per-source layout in the batch bucket")
	sourceRegionFlag := flag.String("source-region", "", "Region of the batch bucket")
	sourceEndpointFlag := flag.String("source-endpoint", "", "Endpoint override for the batch bucket (MinIO)")
	sourceAnonymousFlag := flag.Bool("source-anonymous", false, "Use anonymous credentials for a public batch bucket")

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

	// Set up signal handling so a long backfill can be interrupted
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Log which signal was received
	go func() {
		sig := <-sigCh
		log.Info("pipeline: received signal", "signal", sig.String())
		cancel()
	}()

	var metricsServerErrCh = make(chan error, 1)
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				metricsServerErrCh <- err
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				metricsServerErrCh <- err
				return
			}
		}()
	}

	// Load source manifests
	manifests := manifest.Builtin()
	if *manifestDirFlag != "" {
		loaded, err := manifest.LoadDir(*manifestDirFlag)
		if err != nil {
			return fmt.Errorf("failed to load manifests: %w", err)
		}
		manifests = loaded
	}

	// Initialize the batch source
	var batchSource source.Source
	var err error
	switch {
	case *sourceDirFlag != "" && *sourceBucketFlag != "":
		return fmt.Errorf("--source-dir and --source-bucket are mutually exclusive")
	case *sourceDirFlag != "":
		batchSource, err = source.NewDirSource(source.DirSourceConfig{
			Logger: log,
			Root:   *sourceDirFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create directory source: %w", err)
		}
	case *sourceBucketFlag != "":
		batchSource, err = source.NewS3Source(ctx, source.S3SourceConfig{
			Logger:          log,
			Bucket:          *sourceBucketFlag,
			Prefix:          *sourcePrefixFlag,
			Region:          *sourceRegionFlag,
			Endpoint:        *sourceEndpointFlag,
			AccessKeyID:     os.Getenv("SOURCE_S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("SOURCE_S3_SECRET_ACCESS_KEY"),
			Anonymous:       *sourceAnonymousFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create S3 source: %w", err)
		}
	default:
		return fmt.Errorf("either --source-dir or --source-bucket is required")
	}

	// Initialize DuckLake database
	s3Config, err := lake.PrepareS3ConfigForStorageURI(ctx, log, *duckLakeStorageURIFlag)
	if err != nil {
		return err
	}
	log.Info("initializing ducklake database", "catalog", *duckLakeCatalogNameFlag, "catalogURI", lake.RedactedCatalogURI(*duckLakeCatalogURIFlag), "storageURI", lake.RedactedStorageURI(*duckLakeStorageURIFlag))
	db, err := lake.NewLake(ctx, log, *duckLakeCatalogNameFlag, *duckLakeCatalogURIFlag, *duckLakeStorageURIFlag, s3Config)
	if err != nil {
		return fmt.Errorf("failed to create DuckLake database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("failed to close DuckLake database", "error", err)
		}
	}()

	// Initialize the curated dimension store from the environment (optional)
	var snapshots dimension.SnapshotSource
	if postgresDSN := os.Getenv("POSTGRES_DSN"); postgresDSN != "" {
		dimStore, err := dimension.NewPostgresStore(ctx, dimension.PostgresConfig{
			Logger:      log,
			DatabaseURL: postgresDSN,
		})
		if err != nil {
			return fmt.Errorf("failed to create dimension store: %w", err)
		}
		defer dimStore.Close()
		snapshots = dimStore
		log.Info("dimension store (Postgres) client initialized")
	} else {
		log.Info("POSTGRES_DSN not set, dimension snapshot sync will be disabled")
	}

	p, err := pipeline.New(pipeline.Config{
		Logger:    log,
		DB:        db,
		Source:    batchSource,
		Manifests: manifests,
		Metrics:   pipeline.NewMetrics(),
		Snapshots: snapshots,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	if err := p.EnsureTables(ctx); err != nil {
		return fmt.Errorf("failed to ensure lake tables: %w", err)
	}

	switch {
	case (*backfillFromFlag == "") != (*backfillToFlag == ""):
		return fmt.Errorf("--backfill-from and --backfill-to must be set together")

	case *backfillFromFlag != "":
		if *dateFlag != "" {
			return fmt.Errorf("--date cannot be combined with a backfill range")
		}
		from, err := parseDate(*backfillFromFlag)
		if err != nil {
			return err
		}
		to, err := parseDate(*backfillToFlag)
		if err != nil {
			return err
		}
		reports, err := p.Backfill(ctx, from, to, *backfillConcurrencyFlag)
		for _, report := range reports {
			logReport(log, report)
		}
		if err != nil {
			return err
		}

	default:
		runDate := time.Now().UTC().AddDate(0, 0, -1)
		if *dateFlag != "" {
			runDate, err = parseDate(*dateFlag)
			if err != nil {
				return err
			}
		}
		report, err := p.Run(ctx, runDate)
		logReport(log, report)
		if err != nil {
			return err
		}
	}

	return nil
}

func parseDate(s string) (time.Time, error) {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return d.UTC(), nil
}

func logReport(log *slog.Logger, report *pipeline.RunReport) {
	if report == nil {
		return
	}

	qualityFailures := 0
	for _, check := range report.Quality {
		if !check.Passed {
			qualityFailures++
		}
	}

	fields := []any{
		"runID", report.RunID,
		"date", report.Date.Format("2006-01-02"),
		"duration", report.Duration,
		"warnings", len(report.Warnings),
		"qualityChecks", len(report.Quality),
		"qualityFailures", qualityFailures,
	}
	if report.Err != nil {
		log.Error("run failed", append(fields, "error", report.Err)...)
		return
	}
	log.Info("run finished", fields...)

	for _, src := range report.Sources {
		quarantined := 0
		if src.Quarantine != nil {
			quarantined = src.Quarantine.Total
		}
		log.Info("source ingested",
			"runID", report.RunID,
			"source", src.Source,
			"fetched", src.Fetched,
			"landed", src.Landed,
			"events", src.Events,
			"quarantined", quarantined)
	}
}
