/*
scheduler.go - Periodic sync scheduler

PURPOSE:
  Keeps the local store close to Poster without an operator: on every tick
  it syncs the configured kinds over today's window, then backfills the
  references that arrived late.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Runs once immediately on start
  - Goes through Handler.RunSync, so a tick overlapping a manual trigger
    is skipped instead of running twice
  - Stop cancels the running sync; it ends between pages

CONFIGURATION:
  - Interval: How often to sync (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewSyncScheduler(handler, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSync endpoint (manual sync)
  - syncer/orchestrator.go: Run state machine
*/
package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/generic"
)

// SyncScheduler runs the periodic sync.
type SyncScheduler struct {
	Handler  *Handler
	Interval time.Duration
	Enabled  bool

	logger  *slog.Logger
	ticker  *time.Ticker
	stop    chan bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex

	runMu   sync.Mutex // guards lastRun
	lastRun time.Time
}

// NewSyncScheduler creates a new scheduler.
func NewSyncScheduler(handler *Handler, logger *slog.Logger) *SyncScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncScheduler{
		Handler:  handler,
		Interval: 1 * time.Hour,
		Enabled:  true,
		logger:   logger.With("component", "scheduler"),
		stop:     make(chan bool),
	}
}

// Start begins the scheduler.
func (s *SyncScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.Interval <= 0 {
		s.logger.Info("scheduler disabled, not starting")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan bool)
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)

	go s.run(ctx)

	s.logger.Info("scheduler started", "interval", s.Interval, "kinds", s.Handler.Kinds)
}

// Stop stops the scheduler and waits for a running tick to end.
func (s *SyncScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		s.cancel()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.logger.Info("scheduler stopped")
	}
}

func (s *SyncScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.RunNow(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunNow performs one scheduled pass: sync today's window, then backfill.
func (s *SyncScheduler) RunNow(ctx context.Context) {
	h := s.Handler
	today := 0
	window := generic.WindowFromDaysBack(h.now().In(h.Location), &today, generic.Window{})

	s.runMu.Lock()
	s.lastRun = h.now()
	s.runMu.Unlock()

	runs, err := h.RunSync(ctx, h.Kinds, window)
	switch {
	case errors.Is(err, ErrSyncInProgress):
		s.logger.Info("sync already running, tick skipped")
		return
	case err != nil:
		s.logger.Error("scheduled sync failed", "window", window.String(), "error", err)
	}
	for _, run := range runs {
		s.logger.Info("scheduled sync finished",
			"kind", run.Kind, "status", run.Status, "processed", run.Processed, "failed", run.Failed)
	}
	if ctx.Err() != nil {
		return
	}

	stats, err := h.RunBackfill(ctx)
	if err != nil {
		s.logger.Error("scheduled backfill failed", "error", err)
		return
	}
	if stats.Total() > 0 || stats.LedgerApplied > 0 {
		s.logger.Info("scheduled backfill finished",
			"spots", stats.Spots, "clients", stats.Clients, "products", stats.Products,
			"ledger_applied", stats.LedgerApplied)
	}
}

// GetNextRunTime returns when the next tick is due. Zero when not running.
func (s *SyncScheduler) GetNextRunTime() time.Time {
	s.mu.Lock()
	running := s.ticker != nil
	s.mu.Unlock()

	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !running || s.lastRun.IsZero() {
		return time.Time{}
	}
	return s.lastRun.Add(s.Interval)
}
