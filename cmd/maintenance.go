package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/eveobs/killfeed/internal/pipeline"
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Compact logs and rebuild the enriched snapshot",
	Long:  "Drops log rows past their retention window and rewrites the deduplicated enriched table. Run on a slow cadence (daily), never concurrently with tick.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("maintenance"); err != nil {
			return err
		}

		if days, _ := cmd.Flags().GetInt("log-retention-days"); days > 0 {
			cfg.Maintenance.LogRetentionDays = days
		}
		if days, _ := cmd.Flags().GetInt("enriched-retention-days"); days > 0 {
			cfg.Maintenance.EnrichedRetentionDays = days
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		if err := pipeline.NewMaintenance(cfg, st).Run(ctx); err != nil {
			return eris.Wrap(err, "maintenance")
		}
		return nil
	},
}

func init() {
	maintenanceCmd.Flags().Int("log-retention-days", 0, "override the raw/attempt log retention window")
	maintenanceCmd.Flags().Int("enriched-retention-days", 0, "override the enriched snapshot retention window")
	rootCmd.AddCommand(maintenanceCmd)
}
