package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/sensorlake/sensorlake/pkg/manifest"
	"github.com/sensorlake/sensorlake/pkg/querier"
)

type DatasetsCmd struct{}

func NewDatasetsCmd() *DatasetsCmd {
	return &DatasetsCmd{}
}

// Command renders the dataset catalog the query server would expose for a
// given manifest set. Purely offline; no lake connection is made.
func (c *DatasetsCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "datasets",
		Short: "Print the dataset catalog for a manifest set",
		RunE: func(cmd *cobra.Command, args []string) error {
			manifestDir, err := cmd.Flags().GetString("manifest-dir")
			if err != nil {
				return fmt.Errorf("failed to get manifest-dir flag: %w", err)
			}
			if manifestDir == "" {
				manifestDir = os.Getenv("MANIFEST_DIR")
			}

			manifests := manifest.Builtin()
			if manifestDir != "" {
				loaded, err := manifest.LoadDir(manifestDir)
				if err != nil {
					return fmt.Errorf("failed to load manifests: %w", err)
				}
				manifests = loaded
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetAutoWrapText(false)
			table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
			table.SetAutoFormatHeaders(false)
			table.SetBorder(true)
			table.SetRowLine(true)
			table.SetHeader([]string{"Dataset", "Table", "Lake Table", "Columns", "Description"})

			for _, s := range querier.Datasets(manifests) {
				for _, t := range s.Tables {
					table.Append([]string{
						s.Name,
						t.Name,
						t.LakeName(),
						fmt.Sprintf("%d", len(t.Columns)),
						t.Description,
					})
				}
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().String("manifest-dir", "", "Directory of source manifests; defaults to the built-in weather and air quality manifests (or set MANIFEST_DIR env var)")
	return cmd
}
