package bonus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/loyalty-engine/generic"
)

// PosterClosedStatus is the Poster status code of a closed receipt.
const PosterClosedStatus = 2

// Settings decide which transactions produce ledger effects.
type Settings struct {
	Enabled        bool
	StartDate      time.Time // zero = no lower bound
	DefaultPercent generic.Percent
	ClosedStatus   int // 0 = any status
}

// DefaultSettings enables the ledger for closed receipts at the
// transaction's own percent.
func DefaultSettings() Settings {
	return Settings{Enabled: true, ClosedStatus: PosterClosedStatus}
}

// Skip reasons reported by Qualify.
const (
	SkipDisabled    = "bonus disabled"
	SkipNoClient    = "no linked client"
	SkipNotClosed   = "not closed"
	SkipBeforeStart = "closed before start date"
)

// Qualify returns "" when t produces ledger effects, otherwise the reason.
func (s Settings) Qualify(t generic.Transaction) string {
	switch {
	case !s.Enabled:
		return SkipDisabled
	case t.ClientRef == nil:
		return SkipNoClient
	case s.ClosedStatus != 0 && t.Status != s.ClosedStatus:
		return SkipNotClosed
	case !s.StartDate.IsZero() && (t.ClosedAt == nil || t.ClosedAt.Before(s.StartDate)):
		return SkipBeforeStart
	}
	return ""
}

// Percent is the rate EARN uses for t.
func (s Settings) Percent(t generic.Transaction) generic.Percent {
	if t.BonusPercent.IsZero() {
		return s.DefaultPercent
	}
	return t.BonusPercent
}

// =============================================================================
// DERIVATION - Ledger effects of one stored transaction
// =============================================================================

// Result is what deriving one transaction did.
type Result struct {
	Entries []generic.LedgerEntry // created or already present
	Applied int                   // newly created entries
	Skip    string                // non-empty when the transaction does not qualify
}

// Derive applies the SPEND then the EARN of a stored transaction in one unit
// of work. A rejected SPEND does not prevent the EARN; its error is returned
// alongside the result. Any other failure rolls both back.
func (e *Engine) Derive(ctx context.Context, s Settings, t generic.Transaction) (Result, error) {
	var (
		res       Result
		recordErr error
	)
	err := e.store.WithTx(ctx, func(tx generic.Tx) error {
		var err error
		res, err = e.DeriveTx(ctx, tx, s, t)
		if err != nil && !generic.IsRecordError(err) {
			return err
		}
		recordErr = err
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, recordErr
}

// DeriveTx is Derive inside the caller's unit of work. Rejected effects write
// nothing, so their record errors are joined and returned without aborting
// the tx; any other error is returned alone and the caller must roll back.
func (e *Engine) DeriveTx(ctx context.Context, tx generic.Tx, s Settings, t generic.Transaction) (Result, error) {
	var res Result
	if res.Skip = s.Qualify(t); res.Skip != "" {
		return res, nil
	}
	clientID := *t.ClientRef

	var spendErr error
	if t.PaidBonus > 0 {
		entry, created, err := e.SpendTx(ctx, tx, clientID, t.ExternalID, t.PaidBonus)
		switch {
		case err == nil:
			res.add(entry, created)
		case generic.IsRecordError(err):
			e.logger.Warn("spend rejected", "transaction_id", t.ExternalID, "client_id", clientID, "error", err)
			spendErr = err
		default:
			return res, err
		}
	}

	amount := s.Percent(t).Of(t.Sum)
	if amount > 0 {
		entry, created, err := e.EarnTx(ctx, tx, clientID, t.ExternalID, t.Sum, s.Percent(t))
		switch {
		case err == nil:
			res.add(entry, created)
		case generic.IsRecordError(err):
			return res, errors.Join(spendErr, fmt.Errorf("earn for transaction %d: %w", t.ExternalID, err))
		default:
			return res, fmt.Errorf("earn for transaction %d: %w", t.ExternalID, err)
		}
	}
	return res, spendErr
}

func (r *Result) add(entry *generic.LedgerEntry, created bool) {
	if entry == nil {
		return
	}
	r.Entries = append(r.Entries, *entry)
	if created {
		r.Applied++
	}
}
