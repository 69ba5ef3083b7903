/*
store.go - Persistence contracts for the local store gateway

PURPOSE:
  Defines the interface between the sync/ledger logic and the database.
  Different implementations can use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  Reader: Point lookups by natural key, ledger history
  Tx:     Writes, only available inside WithTx (one atomic unit of work)
  Store:  Reader + WithTx + run log + reconciliation queries

WRITE RULES:
  - Save* upserts by natural key; the natural key is never rewritten
  - SaveClient never touches Client.Balance; only SetClientBalance does,
    and only the bonus ledger calls it, next to AppendEntry
  - Ledger entries have no update or delete method
  - Backfill* only fills NULL refs whose target exists

ABSENT ROWS:
  Get* returns (nil, nil) when the row does not exist.

IMPLEMENTATIONS:
  - store/sqlstore: SQLite / PostgreSQL
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - ingest/engine.go: Page upserts inside WithTx
  - bonus/engine.go: Client-scoped read-append-write inside WithTx
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// READER
// =============================================================================

// Reader is the read side shared by Store and Tx.
type Reader interface {
	GetClient(ctx context.Context, id int64) (*Client, error)
	GetSpot(ctx context.Context, id int64) (*Spot, error)
	GetProduct(ctx context.Context, id int64) (*Product, error)
	GetTransaction(ctx context.Context, id int64) (*Transaction, error)

	// LineItems returns a transaction's items ordered by position.
	LineItems(ctx context.Context, transactionID int64) ([]LineItem, error)

	// Entries returns a client's ledger entries ordered by Seq.
	Entries(ctx context.Context, clientID int64) ([]LedgerEntry, error)

	// LastEntry returns the client's entry with the highest Seq.
	LastEntry(ctx context.Context, clientID int64) (*LedgerEntry, error)

	// EntryFor returns the entry of the given kind for a transaction.
	EntryFor(ctx context.Context, transactionID int64, kind EntryKind) (*LedgerEntry, error)
}

// =============================================================================
// TX - Writes inside one atomic unit of work
// =============================================================================

// Tx is the write handle passed to WithTx callbacks.
type Tx interface {
	Reader

	// LockClient reads a client and holds it for the rest of the unit of
	// work, serializing concurrent ledger operations on that client.
	LockClient(ctx context.Context, id int64) (*Client, error)

	SaveClient(ctx context.Context, c Client) error
	SaveSpot(ctx context.Context, s Spot) error
	SaveProduct(ctx context.Context, p Product) error
	SaveTransaction(ctx context.Context, t Transaction) error
	SaveLineItem(ctx context.Context, li LineItem) error

	// SetClientBalance writes the denormalized balance.
	SetClientBalance(ctx context.Context, id int64, balance Money) error

	// AppendEntry persists a ledger entry. A second entry for the same
	// (transaction, kind) or (client, seq) fails with ErrConcurrentModification.
	AppendEntry(ctx context.Context, e LedgerEntry) error

	// BackfillSpots sets Transaction.SpotRef where NULL and the spot exists.
	BackfillSpots(ctx context.Context) (int64, error)

	// BackfillClients sets Transaction.ClientRef where NULL and the client
	// exists. Returns the ids of the transactions it linked.
	BackfillClients(ctx context.Context) ([]int64, error)

	// BackfillProducts sets LineItem.ProductRef where NULL and the product exists.
	BackfillProducts(ctx context.Context) (int64, error)
}

// =============================================================================
// STORE
// =============================================================================

// Store is the local store gateway.
type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// SaveRun inserts or replaces a run-log row by ID.
	SaveRun(ctx context.Context, run SyncRun) error

	// RecentRuns returns run-log rows, newest first.
	RecentRuns(ctx context.Context, filter RunFilter) ([]SyncRun, error)

	// BalanceMismatches returns clients whose balance differs from the sum
	// of their ledger entries.
	BalanceMismatches(ctx context.Context) ([]BalanceMismatch, error)

	// LedgerClientIDs returns every client with at least one ledger entry.
	LedgerClientIDs(ctx context.Context) ([]int64, error)
}

// BalanceMismatch is one failed per-client reconciliation check.
type BalanceMismatch struct {
	ClientID  int64
	Balance   Money
	LedgerSum Money
}

// RunFilter narrows RecentRuns.
type RunFilter struct {
	Kind  SyncKind // "" = all
	Limit int      // <= 0 = 50
	Since *time.Time
}
