package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/bonus"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify every balance against its ledger",
	Long: `Check recomputes each client's balance from the ledger and verifies the
chain of balance_before/balance_after. It exits non-zero on any problem.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := bonus.Check(cmd.Context(), db)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flagJSON {
			if err := printJSON(out, api.NewReconciliationResponse(report)); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(out, "clients checked: %d\n", report.ClientsChecked)
			for _, m := range report.Mismatches {
				fmt.Fprintf(out, "MISMATCH client %d: balance %d, ledger sum %d\n", m.ClientID, m.Balance, m.LedgerSum)
			}
			for _, b := range report.Breaks {
				fmt.Fprintf(out, "BREAK client %d seq %d (%s): %s\n", b.ClientID, b.Seq, b.EntryID, b.Reason)
			}
		}
		if !report.OK() {
			return fmt.Errorf("ledger check failed: %d mismatches, %d chain breaks",
				len(report.Mismatches), len(report.Breaks))
		}
		return nil
	},
}
