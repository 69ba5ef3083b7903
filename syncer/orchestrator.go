/*
Package syncer implements the sync orchestrator.

PURPOSE:
  Drives one sync run: fetch a page, apply it, derive the ledger effects of
  its transactions, repeat until the source runs dry. Every run leaves a row
  in the sync run log.

STATE MACHINE:
  Started -> Paging -> (Committing page)* -> Completed | Failed

  Started:    run-log row written with status "running"
  Paging:     one page fetched, transient failures retried with backoff
  Committing: page upserted in one unit of work, then ledgered
  Completed:  empty page, short page or last-page flag; status "success"
              or "partial" when any record failed
  Failed:     fatal source or store error, or cancellation; status "error"

CANCELLATION:
  The context is checked between pages only. A page that started committing
  runs to the end with cancellation detached, so no page is half applied.

SEE ALSO:
  - poster/client.go: Source implementation
  - ingest/engine.go: Page upserts
  - bonus/settings.go: Ledger derivation
*/
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/warp/loyalty-engine/bonus"
	"github.com/warp/loyalty-engine/generic"
	"github.com/warp/loyalty-engine/ingest"
	"github.com/warp/loyalty-engine/poster"
)

// MaxFailures caps the per-record failures kept on a run-log row.
const MaxFailures = 50

// Source fetches pages. Implemented by *poster.Client and *poster.FileSource.
type Source interface {
	Fetch(ctx context.Context, req poster.PageRequest) (poster.Page, error)
}

// State is the orchestrator's position in a run.
type State string

const (
	StateStarted    State = "started"
	StatePaging     State = "paging"
	StateCommitting State = "committing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// =============================================================================
// RETRY POLICY
// =============================================================================

// RetryPolicy bounds the retries of a transient fetch failure.
type RetryPolicy struct {
	Attempts  int // total attempts, >= 1
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy is 4 attempts, 500ms doubling up to 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// Delay is the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator runs syncs of one source into one store.
type Orchestrator struct {
	source   Source
	store    generic.Store
	ingest   *ingest.Engine
	ledger   *bonus.Engine
	settings bonus.Settings
	retry    RetryPolicy
	pageSize int

	sleep   func(context.Context, time.Duration) error
	now     func() time.Time
	onState func(generic.SyncRun, State)
	logger  *slog.Logger
}

type Option func(*Orchestrator)

// WithLedger derives EARN/SPEND entries for applied transactions.
func WithLedger(ledger *bonus.Engine, settings bonus.Settings) Option {
	return func(o *Orchestrator) {
		o.ledger = ledger
		o.settings = settings
	}
}

func WithRetry(p RetryPolicy) Option { return func(o *Orchestrator) { o.retry = p } }

func WithPageSize(n int) Option { return func(o *Orchestrator) { o.pageSize = poster.ClampPageSize(n) } }

// WithSleep replaces the backoff wait, for tests.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithStateHook observes state transitions.
func WithStateHook(fn func(generic.SyncRun, State)) Option {
	return func(o *Orchestrator) { o.onState = fn }
}

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func New(source Source, store generic.Store, in *ingest.Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		source:   source,
		store:    store,
		ingest:   in,
		retry:    DefaultRetryPolicy(),
		pageSize: poster.MaxPageSize,
		sleep:    sleepContext,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.retry.Attempts < 1 {
		o.retry.Attempts = 1
	}
	return o
}

// Run performs one sync of kind over window. The returned run is final; the
// error is non-nil when its status is "error".
func (o *Orchestrator) Run(ctx context.Context, kind generic.SyncKind, window generic.Window) (generic.SyncRun, error) {
	run := generic.SyncRun{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    generic.RunRunning,
		StartedAt: o.now().UTC(),
		Endpoint:  poster.Endpoint(kind),
	}
	if kind == generic.SyncTransactions {
		w := window
		run.Window = &w
	}
	logger := o.logger.With("run_id", run.ID, "kind", kind)

	// Store writes are never cut short by the caller's cancellation.
	storeCtx := context.WithoutCancel(ctx)

	if err := o.store.SaveRun(storeCtx, run); err != nil {
		return run, fmt.Errorf("open run log: %w", err)
	}
	o.enter(run, StateStarted)
	logger.Info("sync started", "window", window.String())

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return o.fail(storeCtx, logger, run, fmt.Errorf("cancelled before page %d: %w", page, err))
		}

		o.enter(run, StatePaging)
		p, err := o.fetch(ctx, logger, poster.PageRequest{Kind: kind, Window: window, Page: page, PerPage: o.pageSize})
		if err != nil {
			return o.fail(storeCtx, logger, run, err)
		}
		if len(p.Records) == 0 {
			break
		}

		o.enter(run, StateCommitting)
		if err := o.commit(storeCtx, logger, &run, kind, p.Records); err != nil {
			return o.fail(storeCtx, logger, run, err)
		}
		if err := o.store.SaveRun(storeCtx, run); err != nil {
			logger.Warn("run log progress not saved", "error", err)
		}

		if p.IsLast || len(p.Records) < o.pageSize {
			break
		}
	}

	run.Status = generic.RunSuccess
	if run.Failed > 0 {
		run.Status = generic.RunPartial
	}
	o.finish(storeCtx, logger, &run)
	o.enter(run, StateCompleted)
	logger.Info("sync completed",
		"status", run.Status, "pages", run.Pages, "processed", run.Processed,
		"created", run.Created, "updated", run.Updated, "failed", run.Failed,
		"ledger_applied", run.LedgerApplied)
	return run, nil
}

// RunAll runs each kind in turn. A failed kind does not stop the others.
func (o *Orchestrator) RunAll(ctx context.Context, kinds []generic.SyncKind, window generic.Window) ([]generic.SyncRun, error) {
	var runs []generic.SyncRun
	var errs []error
	for _, kind := range kinds {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		run, err := o.Run(ctx, kind, window)
		runs = append(runs, run)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
		}
	}
	return runs, errors.Join(errs...)
}

// fetch gets one page, retrying transient failures with bounded backoff.
func (o *Orchestrator) fetch(ctx context.Context, logger *slog.Logger, req poster.PageRequest) (poster.Page, error) {
	var err error
	for attempt := 1; ; attempt++ {
		var p poster.Page
		p, err = o.source.Fetch(ctx, req)
		if err == nil {
			return p, nil
		}
		if !generic.IsRetryable(err) || attempt >= o.retry.Attempts {
			break
		}
		delay := o.retry.Delay(attempt)
		logger.Warn("page fetch failed, retrying",
			"page", req.Page, "attempt", attempt, "delay", delay, "error", err)
		if serr := o.sleep(ctx, delay); serr != nil {
			return poster.Page{}, fmt.Errorf("fetch page %d: %w", req.Page, serr)
		}
	}
	return poster.Page{}, fmt.Errorf("fetch page %d: %w", req.Page, err)
}

// commit applies one page and derives the ledger effects of its transactions.
func (o *Orchestrator) commit(ctx context.Context, logger *slog.Logger, run *generic.SyncRun, kind generic.SyncKind, records []poster.Record) error {
	report, err := o.ingest.Apply(ctx, kind, records)
	if err != nil {
		return err
	}

	run.Pages++
	run.Processed += report.Stats.Processed
	run.Succeeded += report.Stats.Succeeded()
	run.Failed += report.Stats.Errors
	run.Created += report.Stats.Created
	run.Updated += report.Stats.Updated
	run.Unchanged += report.Stats.Unchanged
	run.LedgerApplied += report.LedgerApplied
	addFailures(run, report.Failures...)

	if o.ledger == nil {
		return nil
	}
	for _, t := range report.Transactions {
		res, err := o.ledger.Derive(ctx, o.settings, t)
		run.LedgerApplied += res.Applied
		if err == nil {
			continue
		}
		if !generic.IsRecordError(err) {
			return fmt.Errorf("ledger transaction %d: %w", t.ExternalID, err)
		}
		run.Failed++
		addFailures(run, generic.NewFailure("ledger", fmt.Sprint(t.ExternalID), err))
		logger.Warn("ledger effect rejected", "transaction_id", t.ExternalID, "error", err)
	}
	return nil
}

func addFailures(run *generic.SyncRun, fs ...generic.Failure) {
	for _, f := range fs {
		if len(run.Failures) >= MaxFailures {
			return
		}
		run.Failures = append(run.Failures, f)
	}
}

func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, run generic.SyncRun, err error) (generic.SyncRun, error) {
	run.Status = generic.RunError
	run.ErrorMessage = err.Error()
	o.finish(ctx, logger, &run)
	o.enter(run, StateFailed)
	logger.Error("sync failed", "pages", run.Pages, "processed", run.Processed, "error", err)
	return run, err
}

func (o *Orchestrator) finish(ctx context.Context, logger *slog.Logger, run *generic.SyncRun) {
	finished := o.now().UTC()
	run.FinishedAt = &finished
	if err := o.store.SaveRun(ctx, *run); err != nil {
		logger.Error("run log not finalized", "error", err)
	}
}

func (o *Orchestrator) enter(run generic.SyncRun, s State) {
	if o.onState != nil {
		o.onState(run, s)
	}
}
