package ingest

import (
	"context"

	"github.com/warp/loyalty-engine/generic"
	"github.com/warp/loyalty-engine/poster"
)

// =============================================================================
// TRANSACTIONS
// =============================================================================

// ApplyTransactions upserts a page of getTransactions records with their
// line items.
func (e *Engine) ApplyTransactions(ctx context.Context, records []poster.Record) (Report, error) {
	return page(ctx, e, EntityTransaction, "transaction_id", records, poster.DecodeTransaction,
		func(r poster.TransactionRecord) int64 { return r.Transaction.ExternalID },
		applyTransaction)
}

func applyTransaction(ctx context.Context, u *unit, r poster.TransactionRecord) (generic.Outcome, error) {
	t := r.Transaction

	old, err := u.tx.GetTransaction(ctx, t.ExternalID)
	if err != nil {
		return 0, err
	}
	if old != nil {
		// The selling spot never changes and an attached client is never replaced.
		t.SpotExternalID = old.SpotExternalID
		if old.ClientExternalID != 0 && t.ClientExternalID != old.ClientExternalID {
			if t.ClientExternalID != 0 {
				u.logger.Warn("ignoring client change of transaction",
					"transaction_id", t.ExternalID, "client_id", old.ClientExternalID, "new_client_id", t.ClientExternalID)
			}
			t.ClientExternalID = old.ClientExternalID
			r.Client.ExternalID = old.ClientExternalID
		}
	}

	if old == nil || old.SpotRef == nil {
		t.SpotRef, err = u.resolve(ctx, EntitySpot, t.SpotExternalID, func() error {
			return u.tx.SaveSpot(ctx, generic.Spot{ExternalID: t.SpotExternalID})
		})
		if err != nil {
			return 0, err
		}
	}
	if old == nil || old.ClientRef == nil {
		t.ClientRef, err = u.resolve(ctx, EntityClient, t.ClientExternalID, func() error {
			stub := r.Client
			stub.ExternalID = t.ClientExternalID
			return u.tx.SaveClient(ctx, stub)
		})
		if err != nil {
			return 0, err
		}
	}

	outcome := generic.OutcomeUnchanged
	switch {
	case old == nil:
		outcome = generic.OutcomeCreated
	case !t.SameBusinessFields(*old), fills(old.SpotRef, t.SpotRef), fills(old.ClientRef, t.ClientRef):
		outcome = generic.OutcomeUpdated
	}
	if outcome != generic.OutcomeUnchanged {
		if err := u.tx.SaveTransaction(ctx, t); err != nil {
			return 0, err
		}
	}

	itemsChanged, err := applyLineItems(ctx, u, t.ExternalID, r.Items)
	if err != nil {
		return 0, err
	}
	if itemsChanged && outcome == generic.OutcomeUnchanged {
		outcome = generic.OutcomeUpdated
	}

	stored, err := u.tx.GetTransaction(ctx, t.ExternalID)
	if err != nil {
		return 0, err
	}
	if stored != nil {
		u.report.Transactions = append(u.report.Transactions, *stored)
	}
	return outcome, nil
}

// applyLineItems upserts items by (transaction, position). Items missing
// from the payload are left in place.
func applyLineItems(ctx context.Context, u *unit, transactionID int64, items []generic.LineItem) (bool, error) {
	if len(items) == 0 {
		return false, nil
	}
	existing, err := u.tx.LineItems(ctx, transactionID)
	if err != nil {
		return false, err
	}
	byPos := make(map[int]generic.LineItem, len(existing))
	for _, li := range existing {
		byPos[li.Position] = li
	}

	changed := false
	for _, li := range items {
		old, ok := byPos[li.Position]
		if !ok || old.ProductRef == nil {
			li.ProductRef, err = u.resolve(ctx, EntityProduct, li.ProductExternalID, func() error {
				return u.tx.SaveProduct(ctx, generic.Product{ExternalID: li.ProductExternalID, Active: true})
			})
			if err != nil {
				return false, err
			}
		}
		if ok && li.SameBusinessFields(old) && !fills(old.ProductRef, li.ProductRef) {
			continue
		}
		if err := u.tx.SaveLineItem(ctx, li); err != nil {
			return false, err
		}
		changed = true
	}
	return changed, nil
}

// fills reports whether a nil stored ref would be set by next.
func fills(stored, next *int64) bool {
	return stored == nil && next != nil
}

// =============================================================================
// CLIENTS
// =============================================================================

// ApplyClients upserts a page of getClients records. Balances are never
// written; see WithOpeningBalance.
func (e *Engine) ApplyClients(ctx context.Context, records []poster.Record) (Report, error) {
	return page(ctx, e, EntityClient, "client_id", records, poster.DecodeClient,
		func(r poster.ClientRecord) int64 { return r.Client.ExternalID },
		applyClient)
}

func applyClient(ctx context.Context, u *unit, r poster.ClientRecord) (generic.Outcome, error) {
	old, err := u.tx.GetClient(ctx, r.Client.ExternalID)
	if err != nil {
		return 0, err
	}
	if old != nil && old.SameProfile(r.Client) {
		u.remember(EntityClient, r.Client.ExternalID)
		return generic.OutcomeUnchanged, nil
	}
	if err := u.tx.SaveClient(ctx, r.Client); err != nil {
		return 0, err
	}
	u.remember(EntityClient, r.Client.ExternalID)
	if old != nil {
		return generic.OutcomeUpdated, nil
	}

	if u.ledger != nil && r.PosterBonus > 0 {
		if _, err := u.ledger.AdjustTx(ctx, u.tx, r.Client.ExternalID, r.PosterBonus, OpeningBalanceReason, OpeningBalanceActor); err != nil {
			return 0, err
		}
		u.report.LedgerApplied++
	}
	return generic.OutcomeCreated, nil
}

// =============================================================================
// PRODUCTS AND SPOTS
// =============================================================================

func (e *Engine) ApplyProducts(ctx context.Context, records []poster.Record) (Report, error) {
	return page(ctx, e, EntityProduct, "product_id", records, poster.DecodeProduct,
		func(p generic.Product) int64 { return p.ExternalID },
		func(ctx context.Context, u *unit, p generic.Product) (generic.Outcome, error) {
			old, err := u.tx.GetProduct(ctx, p.ExternalID)
			if err != nil {
				return 0, err
			}
			return upsert(u, EntityProduct, p.ExternalID, old != nil, old != nil && old.SameProfile(p),
				func() error { return u.tx.SaveProduct(ctx, p) })
		})
}

func (e *Engine) ApplySpots(ctx context.Context, records []poster.Record) (Report, error) {
	return page(ctx, e, EntitySpot, "spot_id", records, poster.DecodeSpot,
		func(s generic.Spot) int64 { return s.ExternalID },
		func(ctx context.Context, u *unit, s generic.Spot) (generic.Outcome, error) {
			old, err := u.tx.GetSpot(ctx, s.ExternalID)
			if err != nil {
				return 0, err
			}
			return upsert(u, EntitySpot, s.ExternalID, old != nil, old != nil && old.SameProfile(s),
				func() error { return u.tx.SaveSpot(ctx, s) })
		})
}

func upsert(u *unit, entity string, id int64, found, same bool, save func() error) (generic.Outcome, error) {
	u.remember(entity, id)
	if same {
		return generic.OutcomeUnchanged, nil
	}
	if err := save(); err != nil {
		return 0, err
	}
	if found {
		return generic.OutcomeUpdated, nil
	}
	return generic.OutcomeCreated, nil
}
