package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sensorlake/sensorlake/pkg/dimension"
	"github.com/sensorlake/sensorlake/pkg/logger"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sensorctl",
		Short: "Admin CLI for the sensorlake curated dimensions and dataset catalog.",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := cmd.Help()
			if err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "set debug logging level")

	var postgresDSN string
	rootCmd.PersistentFlags().StringVar(&postgresDSN, "postgres-dsn", "", "Postgres DSN of the curated dimension store (or set POSTGRES_DSN env var)")

	rootCmd.AddCommand(
		NewMappingsCmd().Command(),
		NewOverridesCmd().Command(),
		NewDatasetsCmd().Command(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore connects to the curated dimension store using the persistent
// flags on the root command. The caller owns the returned store.
func openStore(ctx context.Context, cmd *cobra.Command) (*dimension.PostgresStore, error) {
	verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
	if err != nil {
		return nil, fmt.Errorf("failed to get verbose flag: %w", err)
	}
	dsn, err := cmd.Root().PersistentFlags().GetString("postgres-dsn")
	if err != nil {
		return nil, fmt.Errorf("failed to get postgres-dsn flag: %w", err)
	}
	if dsn == "" {
		dsn = os.Getenv("POSTGRES_DSN")
	}
	if dsn == "" {
		return nil, fmt.Errorf("--postgres-dsn or POSTGRES_DSN is required")
	}

	log := logger.New(verbose)
	store, err := dimension.NewPostgresStore(ctx, dimension.PostgresConfig{
		Logger:      log,
		DatabaseURL: dsn,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to dimension store: %w", err)
	}
	return store, nil
}

// parseDateFlag reads an optional YYYY-MM-DD flag. An unset flag returns nil.
func parseDateFlag(cmd *cobra.Command, name string) (*time.Time, error) {
	value, err := cmd.Flags().GetString(name)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s flag: %w", name, err)
	}
	if value == "" {
		return nil, nil
	}
	parsed, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: expected YYYY-MM-DD", name, value)
	}
	d := parsed.UTC()
	return &d, nil
}

func formatDate(d *time.Time) string {
	if d == nil {
		return ""
	}
	return d.Format("2006-01-02")
}
