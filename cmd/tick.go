package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/eveobs/killfeed/internal/model"
	"github.com/eveobs/killfeed/internal/pipeline"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one bounded poll-and-enrich cycle",
	Long:  "Polls the RedisQ queue, appends raw events, and enriches the oldest pending killmails within the wall-clock budget. Designed to be invoked on a fixed schedule (e.g. every minute).",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("tick"); err != nil {
			return err
		}

		if maxEnrich, _ := cmd.Flags().GetInt("max-enrich"); maxEnrich > 0 {
			cfg.Run.MaxEnrich = maxEnrich
		}
		if maxPolls, _ := cmd.Flags().GetInt("max-polls"); maxPolls > 0 {
			cfg.RedisQ.MaxPolls = maxPolls
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		tick := pipeline.NewTick(cfg, st, initQueue(), initESI(), initLedger())
		summary, err := tick.Run(ctx)
		if err != nil {
			return eris.Wrap(err, "tick")
		}

		formatTickSummary(os.Stdout, summary)
		return nil
	},
}

func init() {
	tickCmd.Flags().Int("max-enrich", 0, "override the per-run enrichment cap")
	tickCmd.Flags().Int("max-polls", 0, "override the per-run poll cap")
	rootCmd.AddCommand(tickCmd)
}

func formatTickSummary(out io.Writer, s *model.RunSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", s.RunID)
	_, _ = fmt.Fprintf(w, "Raw events:\t%d\n", s.RawCount)
	_, _ = fmt.Fprintf(w, "Pending picked up:\t%d\n", s.PendingCount)
	_, _ = fmt.Fprintf(w, "Enriched:\t%d\n", s.EnrichedCount)
	_, _ = fmt.Fprintf(w, "Discarded:\t%d\n", s.DiscardedCount)
	_ = w.Flush()
}
