package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/generic"
)

var (
	flagClient int64
	flagAmount int64
	flagReason string
	flagActor  string
)

var adjustCmd = &cobra.Command{
	Use:   "adjust",
	Short: "Append a manual ADJUST entry",
	Long: `Adjust corrects a client's balance by appending an ADJUST entry. History
is never edited. Amount is signed, in minor units.

Example:
  loyalty adjust --client 7 --amount -200 --reason "double earn" --actor admin-1`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		entry, err := newLedger().ApplyAdjust(cmd.Context(), flagClient, generic.Money(flagAmount), flagReason, flagActor)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flagJSON {
			return printJSON(out, api.EntryToDTO(*entry))
		}
		fmt.Fprintf(out, "client %d: %d -> %d (entry %s, seq %d)\n",
			entry.ClientID, entry.BalanceBefore, entry.BalanceAfter, entry.ID, entry.Seq)
		return nil
	},
}

func init() {
	adjustCmd.Flags().Int64Var(&flagClient, "client", 0, "client id")
	adjustCmd.Flags().Int64Var(&flagAmount, "amount", 0, "signed amount in minor units")
	adjustCmd.Flags().StringVar(&flagReason, "reason", "", "why the balance changes")
	adjustCmd.Flags().StringVar(&flagActor, "actor", "", "who makes the change")
	for _, name := range []string{"client", "amount", "reason", "actor"} {
		_ = adjustCmd.MarkFlagRequired(name)
	}
}
