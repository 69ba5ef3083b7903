package bonus

import (
	"context"
	"fmt"

	"github.com/warp/loyalty-engine/generic"
)

// Report is the outcome of a ledger consistency check.
type Report struct {
	ClientsChecked int                       `json:"clients_checked"`
	Mismatches     []generic.BalanceMismatch `json:"mismatches"`
	Breaks         []generic.ChainBreak      `json:"breaks"`
}

// OK reports whether every balance matches its ledger and every chain is intact.
func (r Report) OK() bool {
	return len(r.Mismatches) == 0 && len(r.Breaks) == 0
}

// Check compares each Client.Balance with the sum of its ledger entries and
// walks every client's chain.
func Check(ctx context.Context, store generic.Store) (Report, error) {
	var report Report

	mismatches, err := store.BalanceMismatches(ctx)
	if err != nil {
		return report, fmt.Errorf("balance check: %w", err)
	}
	report.Mismatches = mismatches

	ids, err := store.LedgerClientIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("chain check: %w", err)
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		entries, err := store.Entries(ctx, id)
		if err != nil {
			return report, fmt.Errorf("chain check: %w", err)
		}
		report.Breaks = append(report.Breaks, generic.VerifyChain(entries)...)
		report.ClientsChecked++
	}
	return report, nil
}
