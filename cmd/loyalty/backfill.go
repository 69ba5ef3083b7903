package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/loyalty-engine/api"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Fill NULL references and ledger newly linked receipts",
	Long: `Backfill links transactions to spots and clients, and line items to
products, wherever the reference is NULL and the target now exists. Receipts
that gain a client get their EARN/SPEND entries. Running it twice is safe.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := newBackfill(cfg, newLedger()).Backfill(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flagJSON {
			return printJSON(out, api.BackfillResponse{Stats: stats, Total: stats.Total()})
		}
		fmt.Fprintf(out, "spots: %d\nclients: %d\nproducts: %d\nledger applied: %d\nledger errors: %d\n",
			stats.Spots, stats.Clients, stats.Products, stats.LedgerApplied, stats.LedgerErrors)
		return nil
	},
}
