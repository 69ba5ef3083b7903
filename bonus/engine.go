/*
Package bonus implements the bonus ledger engine.

PURPOSE:
  Derives EARN and SPEND entries from stored transactions, records operator
  ADJUST entries, and keeps Client.Balance equal to the ledger.

ATOMICITY:
  Every operation runs in one store unit of work scoped to the client row:
    1. lock the client, read the current balance
    2. append the entry (balance_before = current, balance_after = current + amount)
    3. write Client.Balance = balance_after
  Concurrent attempts for the same client serialize on step 1. A concurrent
  EARN/SPEND for the same transaction sees the first writer's entry and
  becomes a no-op.

IDEMPOTENCE:
  EARN and SPEND are keyed by (transaction, kind). Re-applying returns the
  existing entry unchanged. ADJUST is never deduplicated.

OUTPUT:
  Entries are returned as structured values. Rendering them for people
  belongs to the presentation layer.

SEE ALSO:
  - settings.go: Which transactions qualify
  - check.go: Balance and chain verification
  - generic/ledger.go: Entry type and chain invariants
*/
package bonus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/loyalty-engine/generic"
)

// Engine appends ledger entries.
type Engine struct {
	store  generic.Store
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(store generic.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// PUBLIC OPERATIONS - one unit of work each
// =============================================================================

// ApplyEarn credits floor(gross * percent / 100) for a transaction.
func (e *Engine) ApplyEarn(ctx context.Context, clientID, transactionID int64, gross generic.Money, percent generic.Percent) (*generic.LedgerEntry, error) {
	var out *generic.LedgerEntry
	err := e.store.WithTx(ctx, func(tx generic.Tx) error {
		entry, _, err := e.EarnTx(ctx, tx, clientID, transactionID, gross, percent)
		out = entry
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApplySpend debits the bonus paid on a transaction. It fails with
// *generic.InsufficientBalanceError when amount exceeds the balance.
func (e *Engine) ApplySpend(ctx context.Context, clientID, transactionID int64, amount generic.Money) (*generic.LedgerEntry, error) {
	var out *generic.LedgerEntry
	err := e.store.WithTx(ctx, func(tx generic.Tx) error {
		entry, _, err := e.SpendTx(ctx, tx, clientID, transactionID, amount)
		out = entry
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyAdjust records an operator correction. Actor and reason are required
// and stored verbatim.
func (e *Engine) ApplyAdjust(ctx context.Context, clientID int64, amount generic.Money, reason, actor string) (*generic.LedgerEntry, error) {
	var out *generic.LedgerEntry
	err := e.store.WithTx(ctx, func(tx generic.Tx) error {
		entry, err := e.AdjustTx(ctx, tx, clientID, amount, reason, actor)
		out = entry
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// History returns a client's entries in Seq order.
func (e *Engine) History(ctx context.Context, clientID int64) ([]generic.LedgerEntry, error) {
	client, err := e.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("client %d: %w", clientID, generic.ErrClientNotFound)
	}
	return e.store.Entries(ctx, clientID)
}

// =============================================================================
// IN-TRANSACTION OPERATIONS - for callers that already hold a unit of work
// =============================================================================

// EarnTx is ApplyEarn inside tx. created is false when the entry already existed.
func (e *Engine) EarnTx(ctx context.Context, tx generic.Tx, clientID, transactionID int64, gross generic.Money, percent generic.Percent) (entry *generic.LedgerEntry, created bool, err error) {
	if gross < 0 {
		return nil, false, &generic.MalformedRecordError{Entity: "transaction", Key: fmt.Sprint(transactionID), Field: "sum", Reason: "negative gross amount"}
	}
	client, err := e.lock(ctx, tx, clientID)
	if err != nil {
		return nil, false, err
	}
	if existing, err := e.existing(ctx, tx, transactionID, generic.EntryEarn); err != nil || existing != nil {
		return existing, false, err
	}

	pct := percent
	g := gross
	entry, err = e.append(ctx, tx, client, generic.LedgerEntry{
		TransactionID: generic.Ref(transactionID),
		Kind:          generic.EntryEarn,
		Amount:        percent.Of(gross),
		GrossAmount:   &g,
		BonusPercent:  &pct,
		Description:   fmt.Sprintf("transaction %d", transactionID),
	})
	return entry, entry != nil, err
}

// SpendTx is ApplySpend inside tx. The balance may reach exactly zero.
func (e *Engine) SpendTx(ctx context.Context, tx generic.Tx, clientID, transactionID int64, amount generic.Money) (entry *generic.LedgerEntry, created bool, err error) {
	if amount <= 0 {
		return nil, false, &generic.MalformedRecordError{Entity: "transaction", Key: fmt.Sprint(transactionID), Field: "payed_bonus", Reason: "spend amount must be positive"}
	}
	client, err := e.lock(ctx, tx, clientID)
	if err != nil {
		return nil, false, err
	}
	if existing, err := e.existing(ctx, tx, transactionID, generic.EntrySpend); err != nil || existing != nil {
		return existing, false, err
	}
	if client.Balance < amount {
		return nil, false, &generic.InsufficientBalanceError{
			ClientID:      clientID,
			TransactionID: transactionID,
			Available:     client.Balance,
			Requested:     amount,
		}
	}

	entry, err = e.append(ctx, tx, client, generic.LedgerEntry{
		TransactionID: generic.Ref(transactionID),
		Kind:          generic.EntrySpend,
		Amount:        amount.Neg(),
		Description:   fmt.Sprintf("transaction %d", transactionID),
	})
	return entry, entry != nil, err
}

// AdjustTx is ApplyAdjust inside tx.
func (e *Engine) AdjustTx(ctx context.Context, tx generic.Tx, clientID int64, amount generic.Money, reason, actor string) (*generic.LedgerEntry, error) {
	switch {
	case strings.TrimSpace(actor) == "":
		return nil, fmt.Errorf("%w: actor is required", generic.ErrInvalidAdjustment)
	case strings.TrimSpace(reason) == "":
		return nil, fmt.Errorf("%w: reason is required", generic.ErrInvalidAdjustment)
	case amount == 0:
		return nil, fmt.Errorf("%w: amount must be non-zero", generic.ErrInvalidAdjustment)
	}
	client, err := e.lock(ctx, tx, clientID)
	if err != nil {
		return nil, err
	}
	return e.append(ctx, tx, client, generic.LedgerEntry{
		Kind:        generic.EntryAdjust,
		Amount:      amount,
		Description: reason,
		Actor:       actor,
	})
}

// =============================================================================
// INTERNALS
// =============================================================================

func (e *Engine) lock(ctx context.Context, tx generic.Tx, clientID int64) (*generic.Client, error) {
	client, err := tx.LockClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("client %d: %w", clientID, generic.ErrClientNotFound)
	}
	return client, nil
}

func (e *Engine) existing(ctx context.Context, tx generic.Tx, transactionID int64, kind generic.EntryKind) (*generic.LedgerEntry, error) {
	entry, err := tx.EntryFor(ctx, transactionID, kind)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		e.logger.Debug("ledger effect already applied",
			"kind", kind, "transaction_id", transactionID, "entry_id", entry.ID)
	}
	return entry, nil
}

// append completes the entry from the locked client row, persists it and
// moves the balance.
func (e *Engine) append(ctx context.Context, tx generic.Tx, client *generic.Client, entry generic.LedgerEntry) (*generic.LedgerEntry, error) {
	last, err := tx.LastEntry(ctx, client.ExternalID)
	if err != nil {
		return nil, err
	}
	var ledgerBalance generic.Money
	var seq int64 = 1
	if last != nil {
		ledgerBalance = last.BalanceAfter
		seq = last.Seq + 1
	}
	if ledgerBalance != client.Balance {
		return nil, fmt.Errorf("client %d: balance %d, ledger %d: %w",
			client.ExternalID, client.Balance, ledgerBalance, generic.ErrBalanceDrift)
	}

	entry.ID = e.newID()
	entry.ClientID = client.ExternalID
	entry.Seq = seq
	entry.BalanceBefore = client.Balance
	entry.BalanceAfter = client.Balance + entry.Amount
	entry.ProcessedAt = e.now().UTC()

	if err := tx.AppendEntry(ctx, entry); err != nil {
		return nil, err
	}
	if err := tx.SetClientBalance(ctx, client.ExternalID, entry.BalanceAfter); err != nil {
		return nil, err
	}

	e.logger.Info("ledger entry appended",
		"kind", entry.Kind, "client_id", entry.ClientID, "amount", int64(entry.Amount),
		"balance_after", int64(entry.BalanceAfter), "seq", entry.Seq)
	return &entry, nil
}
