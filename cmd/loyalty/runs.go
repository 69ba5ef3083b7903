package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/generic"
)

var (
	flagRunsKind  string
	flagRunsLimit int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Print the sync run log, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := generic.RunFilter{Limit: flagRunsLimit}
		if flagRunsKind != "" {
			kind, ok := generic.ParseSyncKind(flagRunsKind)
			if !ok {
				return fmt.Errorf("unknown kind %q", flagRunsKind)
			}
			filter.Kind = kind
		}
		runs, err := db.RecentRuns(cmd.Context(), filter)
		if err != nil {
			return err
		}
		return printRuns(cmd.OutOrStdout(), runs)
	},
}

func init() {
	runsCmd.Flags().StringVar(&flagRunsKind, "kind", "", "only runs of this kind")
	runsCmd.Flags().IntVar(&flagRunsLimit, "limit", 20, "maximum rows")
}

// printRuns writes runs as a table, or as JSON with --json.
func printRuns(w io.Writer, runs []generic.SyncRun) error {
	if flagJSON {
		return printJSON(w, api.RunDTOs(runs))
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tKIND\tSTATUS\tPAGES\tPROCESSED\tCREATED\tUPDATED\tFAILED\tLEDGER\tDURATION\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.StartedAt.Format("2006-01-02 15:04:05"), r.Kind, r.Status, r.Pages, r.Processed,
			r.Created, r.Updated, r.Failed, r.LedgerApplied, r.Duration().Round(time.Millisecond), r.ErrorMessage)
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
