package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/eveobs/killfeed/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show log table sizes and the current pending backlog",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("status"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("pending-limit")

		var (
			counts  map[string]int64
			pending []model.PendingState
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			c, err := st.LogCounts(gctx)
			if err != nil {
				return eris.Wrap(err, "status: log counts")
			}
			counts = c
			return nil
		})
		g.Go(func() error {
			p, err := st.QueryPending(gctx, limit)
			if err != nil {
				return eris.Wrap(err, "status: query pending")
			}
			pending = p
			return nil
		})
		if err := g.Wait(); err != nil {
			return err
		}

		formatStatus(os.Stdout, counts, pending)
		return nil
	},
}

func init() {
	statusCmd.Flags().Int("pending-limit", 20, "max pending items to display")
	rootCmd.AddCommand(statusCmd)
}

func formatStatus(out io.Writer, counts map[string]int64, pending []model.PendingState) {
	p := message.NewPrinter(language.English)

	tables := make([]string, 0, len(counts))
	for t := range counts {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TABLE\tROWS")
	_, _ = fmt.Fprintln(w, "-----\t----")
	for _, t := range tables {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", t, p.Sprintf("%d", counts[t]))
	}
	_ = w.Flush()

	if len(pending) == 0 {
		_, _ = fmt.Fprintln(out, "\nNo pending killmails.")
		return
	}

	_, _ = fmt.Fprintf(out, "\nPending (%d shown):\n", len(pending))
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KILLMAIL\tFIRST_SEEN\tATTEMPTS\tLAST_OUTCOME\tLAST_ERROR")
	_, _ = fmt.Fprintln(w, "--------\t----------\t--------\t------------\t----------")
	for _, item := range pending {
		lastErr := item.LastError
		if len(lastErr) > 40 {
			lastErr = lastErr[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
			item.KillmailID,
			item.FirstSeen.Format("2006-01-02 15:04"),
			item.Attempts,
			item.LastOutcome,
			lastErr,
		)
	}
	_ = w.Flush()
}
