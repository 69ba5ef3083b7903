/*
Package reconcile implements the foreign key reconciliation job.

PURPOSE:
  Heals late-arriving relationships. Transactions and line items are stored
  even when their client, spot or product has not been synced yet; the
  nullable ref stays NULL. Backfill sets each such ref once its target row
  exists.

GUARANTEES:
  - A non-NULL ref is never overwritten
  - A second pass over unchanged data updates nothing
  - A target that still does not exist is skipped silently and retried on
    the next pass

LEDGER:
  A transaction that gains its client here could not be ledgered when it was
  ingested. The job derives its ledger effects in the same unit of work that
  sets the ref, so a failed derivation leaves the ref NULL and the next pass
  links and ledgers it again.

SEE ALSO:
  - generic/store.go: Tx.Backfill*
  - bonus/settings.go: DeriveTx
*/
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/warp/loyalty-engine/bonus"
	"github.com/warp/loyalty-engine/generic"
)

// Stats counts refs filled per relation.
type Stats struct {
	Spots         int64 `json:"spots"`
	Clients       int64 `json:"clients"`
	Products      int64 `json:"products"`
	LedgerApplied int   `json:"ledger_applied"`
	LedgerErrors  int   `json:"ledger_errors"`
}

// Total is the number of refs filled.
func (s Stats) Total() int64 { return s.Spots + s.Clients + s.Products }

// Job runs the backfill.
type Job struct {
	store    generic.Store
	ledger   *bonus.Engine
	settings bonus.Settings
	logger   *slog.Logger
}

type Option func(*Job)

// WithLedger derives ledger effects for transactions that gain a client.
func WithLedger(ledger *bonus.Engine, settings bonus.Settings) Option {
	return func(j *Job) {
		j.ledger = ledger
		j.settings = settings
	}
}

func WithLogger(l *slog.Logger) Option { return func(j *Job) { j.logger = l } }

func NewJob(store generic.Store, opts ...Option) *Job {
	j := &Job{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Backfill fills every resolvable NULL ref and ledgers the transactions that
// were linked to a client, all in one unit of work. Rejected ledger effects
// are counted; any other ledger failure rolls the whole pass back.
func (j *Job) Backfill(ctx context.Context) (Stats, error) {
	var stats Stats

	err := j.store.WithTx(ctx, func(tx generic.Tx) error {
		stats = Stats{}
		var err error
		if stats.Spots, err = tx.BackfillSpots(ctx); err != nil {
			return err
		}
		linked, err := tx.BackfillClients(ctx)
		if err != nil {
			return err
		}
		stats.Clients = int64(len(linked))
		if stats.Products, err = tx.BackfillProducts(ctx); err != nil {
			return err
		}
		if j.ledger == nil {
			return nil
		}
		for _, id := range linked {
			if err := j.ledgerTx(ctx, tx, id, &stats); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("backfill: %w", err)
	}

	j.logger.Info("backfill complete",
		"spots", stats.Spots, "clients", stats.Clients, "products", stats.Products,
		"ledger_applied", stats.LedgerApplied, "ledger_errors", stats.LedgerErrors)
	return stats, nil
}

func (j *Job) ledgerTx(ctx context.Context, tx generic.Tx, id int64, stats *Stats) error {
	t, err := tx.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return nil
	}
	res, err := j.ledger.DeriveTx(ctx, tx, j.settings, *t)
	if err != nil && !generic.IsRecordError(err) {
		return fmt.Errorf("ledger transaction %d: %w", id, err)
	}
	stats.LedgerApplied += res.Applied
	if err != nil {
		stats.LedgerErrors++
		j.logger.Warn("ledger effect rejected", "transaction_id", id, "error", err)
	}
	return nil
}
