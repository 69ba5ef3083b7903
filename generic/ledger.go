/*
ledger.go - Append-only bonus ledger entries

PURPOSE:
  A LedgerEntry records one change of a client's bonus balance. The ledger
  is the audit trail behind the denormalized Client.Balance: the two must
  always agree.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. CHAIN: BalanceAfter == BalanceBefore + Amount, and for one client
     entry[i].BalanceAfter == entry[i+1].BalanceBefore in Seq order.
  3. SUM: Client.Balance == sum of Amount over the client's entries.
  4. IDEMPOTENT: at most one EARN and one SPEND per transaction.

CORRECTIONS:
  History is never edited. An operator appends an ADJUST entry with an
  actor and a reason instead.

SEE ALSO:
  - bonus/engine.go: Appends entries atomically with the balance update
  - store.go: LedgerTx.AppendEntry
*/
package generic

import (
	"fmt"
	"time"
)

// EntryKind is the ledger operation.
type EntryKind string

const (
	EntryEarn   EntryKind = "EARN"
	EntrySpend  EntryKind = "SPEND"
	EntryAdjust EntryKind = "ADJUST"
	EntryExpire EntryKind = "EXPIRE"
)

func (k EntryKind) Valid() bool {
	switch k {
	case EntryEarn, EntrySpend, EntryAdjust, EntryExpire:
		return true
	}
	return false
}

// LedgerEntry is an immutable ledger row.
type LedgerEntry struct {
	ID            string
	ClientID      int64
	TransactionID *int64
	Seq           int64 // 1-based, per client
	Kind          EntryKind
	Amount        Money // signed
	BalanceBefore Money
	BalanceAfter  Money

	// EARN context.
	GrossAmount  *Money
	BonusPercent *Percent

	Description string
	Actor       string
	ProcessedAt time.Time
}

// Consistent reports whether the entry's own arithmetic holds.
func (e LedgerEntry) Consistent() bool {
	return e.BalanceAfter == e.BalanceBefore+e.Amount
}

// ChainBreak describes an entry that does not continue its predecessor.
type ChainBreak struct {
	ClientID int64
	EntryID  string
	Seq      int64
	Reason   string
}

// VerifyChain checks the per-entry arithmetic and the continuity of a
// client's entries, which must be sorted by Seq.
func VerifyChain(entries []LedgerEntry) []ChainBreak {
	var breaks []ChainBreak
	var prev *LedgerEntry
	for i := range entries {
		e := entries[i]
		if !e.Consistent() {
			breaks = append(breaks, ChainBreak{
				ClientID: e.ClientID, EntryID: e.ID, Seq: e.Seq,
				Reason: fmt.Sprintf("balance_after %d != balance_before %d + amount %d", e.BalanceAfter, e.BalanceBefore, e.Amount),
			})
		}
		switch {
		case prev == nil && e.BalanceBefore != 0:
			breaks = append(breaks, ChainBreak{
				ClientID: e.ClientID, EntryID: e.ID, Seq: e.Seq,
				Reason: fmt.Sprintf("first entry starts at %d", e.BalanceBefore),
			})
		case prev != nil && prev.BalanceAfter != e.BalanceBefore:
			breaks = append(breaks, ChainBreak{
				ClientID: e.ClientID, EntryID: e.ID, Seq: e.Seq,
				Reason: fmt.Sprintf("balance_before %d != previous balance_after %d", e.BalanceBefore, prev.BalanceAfter),
			})
		}
		prev = &entries[i]
	}
	return breaks
}

// SumAmounts returns the sum of entry amounts.
func SumAmounts(entries []LedgerEntry) Money {
	var total Money
	for _, e := range entries {
		total += e.Amount
	}
	return total
}
