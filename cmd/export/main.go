package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	flag "github.com/spf13/pflag"

	"github.com/sensorlake/sensorlake/pkg/clickhouse"
	"github.com/sensorlake/sensorlake/pkg/lake"
	"github.com/sensorlake/sensorlake/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	fromFlag := flag.String("from", "", "First date of the export range (YYYY-MM-DD, defaults to yesterday UTC)")
	toFlag := flag.String("to", "", "Last date of the export range (YYYY-MM-DD, inclusive, defaults to --from)")
	runMigrationsFlag := flag.Bool("run-migrations", true, "Apply ClickHouse migrations before exporting")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseTLSFlag := flag.Bool("clickhouse-tls", false, "Connect to ClickHouse over TLS")

	// DuckLake configuration
	duckLakeCatalogNameFlag := flag.String("ducklake-catalog-name", "sensorlake", "Name of the DuckLake catalog (or set DUCKLAKE_CATALOG_NAME env var)")
	duckLakeCatalogURIFlag := flag.String("ducklake-catalog-uri", "file://.tmp/lake/catalog.sqlite", "URI to the DuckLake catalog (or set DUCKLAKE_CATALOG_URI env var)")
	duckLakeStorageURIFlag := flag.String("ducklake-storage-uri", "file://.tmp/lake/data", "URI to the DuckLake storage directory (or set DUCKLAKE_STORAGE_URI env var)")

	flag.Parse()

	// Override flags with environment variables if set
	if envClickhouseAddr := os.Getenv("CLICKHOUSE_ADDR"); envClickhouseAddr != "" {
		*clickhouseAddrFlag = envClickhouseAddr
	}
	if envClickhouseDatabase := os.Getenv("CLICKHOUSE_DATABASE"); envClickhouseDatabase != "" {
		*clickhouseDatabaseFlag = envClickhouseDatabase
	}
	if envClickhouseUsername := os.Getenv("CLICKHOUSE_USERNAME"); envClickhouseUsername != "" {
		*clickhouseUsernameFlag = envClickhouseUsername
	}
	if envClickhousePassword := os.Getenv("CLICKHOUSE_PASSWORD"); envClickhousePassword != "" {
		*clickhousePasswordFlag = envClickhousePassword
	}
	if envCatalogURI := os.Getenv("DUCKLAKE_CATALOG_URI"); envCatalogURI != "" {
		*duckLakeCatalogURIFlag = envCatalogURI
	}
	if envStorageURI := os.Getenv("DUCKLAKE_STORAGE_URI"); envStorageURI != "" {
		*duckLakeStorageURIFlag = envStorageURI
	}
	if envCatalogName := os.Getenv("DUCKLAKE_CATALOG_NAME"); envCatalogName != "" {
		*duckLakeCatalogNameFlag = envCatalogName
	}

	log := logger.New(*verboseFlag)

	if *clickhouseAddrFlag == "" {
		return fmt.Errorf("--clickhouse-addr is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	from := time.Now().UTC().AddDate(0, 0, -1)
	if *fromFlag != "" {
		parsed, err := time.Parse("2006-01-02", *fromFlag)
		if err != nil {
			return fmt.Errorf("invalid from date %q: expected YYYY-MM-DD", *fromFlag)
		}
		from = parsed.UTC()
	}
	to := from
	if *toFlag != "" {
		parsed, err := time.Parse("2006-01-02", *toFlag)
		if err != nil {
			return fmt.Errorf("invalid to date %q: expected YYYY-MM-DD", *toFlag)
		}
		to = parsed.UTC()
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

	client, err := clickhouse.NewClient(ctx, clickhouse.Config{
		Logger:    log,
		Addr:      *clickhouseAddrFlag,
		Database:  *clickhouseDatabaseFlag,
		Username:  *clickhouseUsernameFlag,
		Password:  *clickhousePasswordFlag,
		EnableTLS: *clickhouseTLSFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse client: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Error("failed to close ClickHouse client", "error", err)
		}
	}()

	conn, err := client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if *runMigrationsFlag {
		if err := clickhouse.RunMigrations(ctx, log, conn); err != nil {
			return fmt.Errorf("failed to run ClickHouse migrations: %w", err)
		}
	}

	exporter, err := clickhouse.NewExporter(clickhouse.ExportConfig{
		Logger: log,
		DB:     db,
		Conn:   conn,
	})
	if err != nil {
		return fmt.Errorf("failed to create exporter: %w", err)
	}

	result, err := exporter.Export(ctx, from, to)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	log.Info("export finished",
		"from", from.Format("2006-01-02"),
		"to", to.Format("2006-01-02"),
		"dailyRows", result.DailyRows,
		"locationRows", result.LocationRows,
		"exportedAt", result.ExportedAt.Format(time.RFC3339))
	return nil
}
