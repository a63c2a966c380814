package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/sensorlake/sensorlake/pkg/dimension"
)

type OverridesCmd struct{}

func NewOverridesCmd() *OverridesCmd {
	return &OverridesCmd{}
}

func (c *OverridesCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "overrides",
		Short: "Manage curated location overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(c.setCommand(), c.clearCommand(), c.listCommand())
	return cmd
}

func (c *OverridesCmd) setCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set or update a location override",
		RunE: func(cmd *cobra.Command, args []string) error {
			nativeID, err := cmd.Flags().GetString("native-id")
			if err != nil {
				return fmt.Errorf("failed to get native-id flag: %w", err)
			}
			lat, err := cmd.Flags().GetFloat64("lat")
			if err != nil {
				return fmt.Errorf("failed to get lat flag: %w", err)
			}
			lon, err := cmd.Flags().GetFloat64("lon")
			if err != nil {
				return fmt.Errorf("failed to get lon flag: %w", err)
			}
			status, err := cmd.Flags().GetString("status")
			if err != nil {
				return fmt.Errorf("failed to get status flag: %w", err)
			}
			notes, err := cmd.Flags().GetString("notes")
			if err != nil {
				return fmt.Errorf("failed to get notes flag: %w", err)
			}
			effective, err := parseDateFlag(cmd, "effective")
			if err != nil {
				return err
			}
			if nativeID == "" {
				return fmt.Errorf("--native-id is required")
			}
			if !cmd.Flags().Changed("lat") || !cmd.Flags().Changed("lon") {
				return fmt.Errorf("--lat and --lon are required")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			store, err := openStore(ctx, cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.SetOverride(ctx, dimension.LocationOverride{
				NativeSensorID: nativeID,
				Latitude:       lat,
				Longitude:      lon,
				Status:         status,
				EffectiveDate:  effective,
				Notes:          notes,
			}); err != nil {
				return fmt.Errorf("failed to set override: %w", err)
			}
			fmt.Printf("override set for %s at (%.6f, %.6f)\n", nativeID, lat, lon)
			return nil
		},
	}
	cmd.Flags().String("native-id", "", "Native sensor ID as emitted by the source")
	cmd.Flags().Float64("lat", 0, "Curated latitude")
	cmd.Flags().Float64("lon", 0, "Curated longitude")
	cmd.Flags().String("status", "", "Override status (defaults to active)")
	cmd.Flags().String("effective", "", "Effective date (YYYY-MM-DD, optional)")
	cmd.Flags().String("notes", "", "Provenance notes for the override")
	return cmd
}

func (c *OverridesCmd) clearCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear a location override",
		RunE: func(cmd *cobra.Command, args []string) error {
			nativeID, err := cmd.Flags().GetString("native-id")
			if err != nil {
				return fmt.Errorf("failed to get native-id flag: %w", err)
			}
			if nativeID == "" {
				return fmt.Errorf("--native-id is required")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			store, err := openStore(ctx, cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.ClearOverride(ctx, nativeID); err != nil {
				return fmt.Errorf("failed to clear override: %w", err)
			}
			fmt.Printf("override cleared for %s\n", nativeID)
			return nil
		},
	}
	cmd.Flags().String("native-id", "", "Native sensor ID as emitted by the source")
	return cmd
}

func (c *OverridesCmd) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List location overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			store, err := openStore(ctx, cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			overrides, err := store.ListOverrides(ctx)
			if err != nil {
				return fmt.Errorf("failed to list overrides: %w", err)
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetAutoWrapText(false)
			table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
			table.SetAutoFormatHeaders(false)
			table.SetBorder(true)
			table.SetRowLine(true)
			table.SetHeader([]string{"Native ID", "Latitude", "Longitude", "Status", "Effective", "Notes", "Updated"})
			for _, o := range overrides {
				table.Append([]string{
					o.NativeSensorID,
					fmt.Sprintf("%.6f", o.Latitude),
					fmt.Sprintf("%.6f", o.Longitude),
					o.Status,
					formatDate(o.EffectiveDate),
					o.Notes,
					o.UpdatedAt.UTC().Format(time.RFC3339),
				})
			}
			table.Render()
			return nil
		},
	}
}
