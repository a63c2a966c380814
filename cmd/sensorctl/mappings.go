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

type MappingsCmd struct{}

func NewMappingsCmd() *MappingsCmd {
	return &MappingsCmd{}
}

func (c *MappingsCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mappings",
		Short: "Manage sensor identity mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(c.addCommand(), c.closeCommand(), c.listCommand())
	return cmd
}

func (c *MappingsCmd) addCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update an identity mapping",
		RunE: func(cmd *cobra.Command, args []string) error {
			sensorID, err := cmd.Flags().GetString("sensor-id")
			if err != nil {
				return fmt.Errorf("failed to get sensor-id flag: %w", err)
			}
			nativeID, err := cmd.Flags().GetString("native-id")
			if err != nil {
				return fmt.Errorf("failed to get native-id flag: %w", err)
			}
			note, err := cmd.Flags().GetString("note")
			if err != nil {
				return fmt.Errorf("failed to get note flag: %w", err)
			}
			start, err := parseDateFlag(cmd, "start")
			if err != nil {
				return err
			}
			end, err := parseDateFlag(cmd, "end")
			if err != nil {
				return err
			}
			if sensorID == "" || nativeID == "" {
				return fmt.Errorf("--sensor-id and --native-id are required")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			store, err := openStore(ctx, cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.AddMapping(ctx, dimension.SensorIdentityMapping{
				SensorID:           sensorID,
				NativeSensorID:     nativeID,
				EffectiveStartDate: start,
				EffectiveEndDate:   end,
				SourceNote:         note,
			}); err != nil {
				return fmt.Errorf("failed to add mapping: %w", err)
			}
			fmt.Printf("mapped %s -> %s\n", nativeID, sensorID)
			return nil
		},
	}
	cmd.Flags().String("sensor-id", "", "Stable logical sensor ID")
	cmd.Flags().String("native-id", "", "Native sensor ID as emitted by the source")
	cmd.Flags().String("start", "", "Effective start date (YYYY-MM-DD, open-ended if omitted)")
	cmd.Flags().String("end", "", "Effective end date (YYYY-MM-DD, open-ended if omitted)")
	cmd.Flags().String("note", "", "Provenance note for the mapping")
	return cmd
}

func (c *MappingsCmd) closeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Close an identity mapping's effective range",
		RunE: func(cmd *cobra.Command, args []string) error {
			sensorID, err := cmd.Flags().GetString("sensor-id")
			if err != nil {
				return fmt.Errorf("failed to get sensor-id flag: %w", err)
			}
			nativeID, err := cmd.Flags().GetString("native-id")
			if err != nil {
				return fmt.Errorf("failed to get native-id flag: %w", err)
			}
			end, err := parseDateFlag(cmd, "end")
			if err != nil {
				return err
			}
			if sensorID == "" || nativeID == "" {
				return fmt.Errorf("--sensor-id and --native-id are required")
			}
			endDate := time.Now().UTC()
			if end != nil {
				endDate = *end
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			store, err := openStore(ctx, cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.CloseMapping(ctx, sensorID, nativeID, endDate); err != nil {
				return fmt.Errorf("failed to close mapping: %w", err)
			}
			fmt.Printf("closed %s -> %s at %s\n", nativeID, sensorID, endDate.Format("2006-01-02"))
			return nil
		},
	}
	cmd.Flags().String("sensor-id", "", "Stable logical sensor ID")
	cmd.Flags().String("native-id", "", "Native sensor ID as emitted by the source")
	cmd.Flags().String("end", "", "Effective end date (YYYY-MM-DD, defaults to today UTC)")
	return cmd
}

func (c *MappingsCmd) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List identity mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			store, err := openStore(ctx, cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			mappings, err := store.ListMappings(ctx)
			if err != nil {
				return fmt.Errorf("failed to list mappings: %w", err)
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetAutoWrapText(false)
			table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
			table.SetAutoFormatHeaders(false)
			table.SetBorder(true)
			table.SetRowLine(true)
			table.SetHeader([]string{"Sensor ID", "Native ID", "Start", "End", "Note", "Updated"})
			for _, m := range mappings {
				table.Append([]string{
					m.SensorID,
					m.NativeSensorID,
					formatDate(m.EffectiveStartDate),
					formatDate(m.EffectiveEndDate),
					m.SourceNote,
					m.UpdatedAt.UTC().Format(time.RFC3339),
				})
			}
			table.Render()
			return nil
		},
	}
}
