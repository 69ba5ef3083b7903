/*
Package ingest implements the idempotent upsert engine.

PURPOSE:
  Applies one page of raw Poster records to the local store. Every entity is
  resolved by its natural key: inserted when absent, its mutable fields
  updated when present, left alone when nothing changed.

PAGE FLOW:
  1. Decode each record through its mapping table. A malformed record is a
     failure of that record only and never reaches the store.
  2. Collapse duplicate keys, last arrival wins.
  3. Apply the survivors inside one Store.WithTx. Record errors are folded
     into Stats; a store error aborts and rolls back the whole page.

FOREIGN KEYS:
  Refs are set when the target row already exists and left nil otherwise,
  for the reconcile job to fill later. With lazy references enabled, missing
  targets are created as stubs from the transaction payload instead.

SEE ALSO:
  - poster/mapping.go: Mapping tables
  - generic/stats.go: Fold and Collapse
  - reconcile/job.go: Deferred FK backfill
*/
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/warp/loyalty-engine/bonus"
	"github.com/warp/loyalty-engine/generic"
	"github.com/warp/loyalty-engine/poster"
)

// Entity names used in failures and cache keys.
const (
	EntityClient      = "client"
	EntitySpot        = "spot"
	EntityProduct     = "product"
	EntityTransaction = "transaction"
)

// Opening balance entries written for imported clients.
const (
	OpeningBalanceActor  = "poster-import"
	OpeningBalanceReason = "opening balance"
)

// Report is the result of applying one page.
type Report struct {
	Stats    generic.Stats
	Failures []generic.Failure

	// Transactions holds the stored state of every transaction the page
	// applied without error, in page order.
	Transactions []generic.Transaction

	// LedgerApplied counts opening-balance entries written by client pages.
	LedgerApplied int
}

// Engine applies pages of records to a store.
type Engine struct {
	store  generic.Store
	cache  *generic.KeyCache
	ledger *bonus.Engine
	loc    *time.Location
	lazy   bool
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache shares a cache of keys known to exist across pages.
func WithCache(c *generic.KeyCache) Option { return func(e *Engine) { e.cache = c } }

// WithLazyReferences creates missing clients, spots and products as stubs
// from transaction payloads.
func WithLazyReferences(on bool) Option { return func(e *Engine) { e.lazy = on } }

// WithOpeningBalance imports the Poster bonus of newly created clients as
// an ADJUST entry.
func WithOpeningBalance(ledger *bonus.Engine) Option { return func(e *Engine) { e.ledger = ledger } }

// WithLocation sets the time zone of Poster timestamps.
func WithLocation(loc *time.Location) Option { return func(e *Engine) { e.loc = loc } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

func NewEngine(store generic.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		loc:    time.UTC,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply dispatches a page to the upsert of its kind.
func (e *Engine) Apply(ctx context.Context, kind generic.SyncKind, records []poster.Record) (Report, error) {
	switch kind {
	case generic.SyncTransactions:
		return e.ApplyTransactions(ctx, records)
	case generic.SyncClients:
		return e.ApplyClients(ctx, records)
	case generic.SyncProducts:
		return e.ApplyProducts(ctx, records)
	case generic.SyncSpots:
		return e.ApplySpots(ctx, records)
	}
	return Report{}, fmt.Errorf("unknown sync kind %q", kind)
}

// =============================================================================
// PAGE MACHINERY
// =============================================================================

// unit is the state of one page's unit of work. Keys it confirms are marked
// in the cache only after commit.
type unit struct {
	*Engine
	tx      generic.Tx
	pending []pendingKey
	report  Report
}

type pendingKey struct {
	entity string
	id     int64
}

func (u *unit) remember(entity string, id int64) {
	u.pending = append(u.pending, pendingKey{entity, id})
}

// page decodes, collapses and applies records of one entity.
func page[T any](
	ctx context.Context,
	e *Engine,
	entity, keyField string,
	records []poster.Record,
	decode func(poster.Record, *time.Location) (T, error),
	key func(T) int64,
	apply func(context.Context, *unit, T) (generic.Outcome, error),
) (Report, error) {
	var pre generic.Stats
	var failures []generic.Failure

	records, dups := collapseRaw(records, keyField)
	pre.Processed += dups
	pre.Duplicates += dups

	items := make([]T, 0, len(records))
	for _, rec := range records {
		v, err := decode(rec, e.loc)
		if err != nil {
			pre.Processed++
			pre.Errors++
			f := generic.NewFailure(entity, rec.Key(keyField), err)
			failures = append(failures, f)
			e.logger.Warn("record rejected", "entity", entity, "key", f.Key, "error", err)
			continue
		}
		items = append(items, v)
	}

	strKey := func(v T) string { return strconv.FormatInt(key(v), 10) }
	items, dups = generic.Collapse(items, strKey)
	pre.Processed += dups
	pre.Duplicates += dups

	var u *unit
	err := e.store.WithTx(ctx, func(tx generic.Tx) error {
		u = &unit{Engine: e, tx: tx}
		stats, folded, err := generic.Fold(entity, items, strKey, func(v T) (generic.Outcome, error) {
			return apply(ctx, u, v)
		})
		u.report.Stats = stats
		u.report.Failures = folded
		return err
	})
	if err != nil {
		e.cache.Forget()
		return Report{}, fmt.Errorf("apply %s page: %w", entity, err)
	}
	for _, k := range u.pending {
		e.cache.Mark(k.entity, k.id)
	}

	report := u.report
	report.Stats = pre.Add(report.Stats)
	report.Failures = append(failures, report.Failures...)
	for _, f := range u.report.Failures {
		e.logger.Warn("record failed", "entity", f.Entity, "key", f.Key, "error", f.Message)
	}
	return report, nil
}

// exists reports whether a reference target is stored, consulting the cache first.
func (u *unit) exists(ctx context.Context, entity string, id int64) (bool, error) {
	if id <= 0 {
		return false, nil
	}
	if u.cache.Has(entity, id) {
		return true, nil
	}
	var found bool
	switch entity {
	case EntityClient:
		c, err := u.tx.GetClient(ctx, id)
		if err != nil {
			return false, err
		}
		found = c != nil
	case EntitySpot:
		s, err := u.tx.GetSpot(ctx, id)
		if err != nil {
			return false, err
		}
		found = s != nil
	case EntityProduct:
		p, err := u.tx.GetProduct(ctx, id)
		if err != nil {
			return false, err
		}
		found = p != nil
	default:
		return false, fmt.Errorf("unknown entity %q", entity)
	}
	if found {
		u.remember(entity, id)
	}
	return found, nil
}

// resolve returns a ref to id when the target exists, creating a stub
// first when lazy references are on.
func (u *unit) resolve(ctx context.Context, entity string, id int64, stub func() error) (*int64, error) {
	ok, err := u.exists(ctx, entity, id)
	if err != nil || id <= 0 {
		return nil, err
	}
	if !ok {
		if !u.lazy {
			return nil, nil
		}
		if err := stub(); err != nil {
			return nil, err
		}
		u.remember(entity, id)
		u.logger.Debug("stub reference created", "entity", entity, "id", id)
	}
	return generic.Ref(id), nil
}

type arrival struct {
	pos int
	rec poster.Record
}

// collapseRaw keeps the last arrival of each natural key before decoding, so a
// malformed last copy still supersedes the earlier ones. Records without a
// key are kept apart and rejected by their decoder.
func collapseRaw(records []poster.Record, keyField string) ([]poster.Record, int) {
	arrivals := make([]arrival, len(records))
	for i, rec := range records {
		arrivals[i] = arrival{pos: i, rec: rec}
	}
	kept, dups := generic.Collapse(arrivals, func(a arrival) string {
		raw := strings.TrimSpace(a.rec.Key(keyField))
		if raw == "" {
			return "\x00" + strconv.Itoa(a.pos)
		}
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return strconv.FormatInt(n, 10)
		}
		return raw
	})
	if dups == 0 {
		return records, 0
	}
	out := make([]poster.Record, len(kept))
	for i, a := range kept {
		out[i] = a.rec
	}
	return out, dups
}
