/*
handlers.go - HTTP API handlers for the loyalty sync engine

PURPOSE:
  Exposes sync triggers, the run log and the bonus ledger via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to the
  orchestrator, the backfill job and the ledger engine.

ENDPOINTS:
  Sync:
    POST   /api/sync/{kind}              Trigger a sync (kind or "all")
    POST   /api/backfill                 Fill NULL references
    GET    /api/runs                     Sync run log (?kind=&limit=&since=)

  Clients:
    GET    /api/clients/{id}             Client with balance
    GET    /api/clients/{id}/ledger      Full ledger history
    POST   /api/clients/{id}/adjustments Manual ADJUST entry

  Reconciliation:
    GET    /api/reconciliation/balances  Balance == sum(ledger) per client

  Health:
    GET    /api/health

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Local store gateway
  - Orchestrator: Runs syncs against the Poster source
  - Backfill: FK reconciliation job
  - Ledger: Bonus ledger engine

CONCURRENCY:
  Only one sync or backfill per kind runs at a time. A trigger for a kind
  that is already running gets 409 instead of queueing.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Client not found
  - 409: Sync already running, ledger drift
  - 502: Sync aborted by the source
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scheduler.go: Periodic sync
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/loyalty-engine/bonus"
	"github.com/warp/loyalty-engine/generic"
	"github.com/warp/loyalty-engine/reconcile"
	"github.com/warp/loyalty-engine/syncer"
)

// ErrSyncInProgress is returned when a trigger overlaps a running sync.
var ErrSyncInProgress = errors.New("sync already in progress")

const backfillLock = "backfill"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        generic.Store
	Orchestrator *syncer.Orchestrator
	Backfill     *reconcile.Job
	Ledger       *bonus.Engine

	// Kinds is what "all" expands to, in order.
	Kinds []generic.SyncKind
	// DefaultWindow is used when a trigger gives no window.
	DefaultWindow func(now time.Time) generic.Window
	// Location interprets date_from/date_to.
	Location *time.Location
	Logger   *slog.Logger

	now func() time.Time

	mu      sync.Mutex
	running map[string]bool
}

// NewHandler creates a handler with the default kinds and window.
func NewHandler(store generic.Store, orch *syncer.Orchestrator, job *reconcile.Job, ledger *bonus.Engine) *Handler {
	return &Handler{
		Store:        store,
		Orchestrator: orch,
		Backfill:     job,
		Ledger:       ledger,
		Kinds:        generic.AllKinds,
		DefaultWindow: func(now time.Time) generic.Window {
			return generic.LastDays(now, 7)
		},
		Location: time.UTC,
		Logger:   slog.Default(),
		now:      time.Now,
		running:  make(map[string]bool),
	}
}

// =============================================================================
// SYNC EXECUTION
// =============================================================================

// acquire marks every name as running, or none of them.
func (h *Handler) acquire(names ...string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, n := range names {
		if h.running[n] {
			return false
		}
	}
	for _, n := range names {
		h.running[n] = true
	}
	return true
}

func (h *Handler) release(names ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, n := range names {
		delete(h.running, n)
	}
}

// RunSync runs the given kinds in order over window. It fails with
// ErrSyncInProgress without starting anything when one of them is running.
func (h *Handler) RunSync(ctx context.Context, kinds []generic.SyncKind, window generic.Window) ([]generic.SyncRun, error) {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	if !h.acquire(names...) {
		return nil, ErrSyncInProgress
	}
	defer h.release(names...)
	return h.Orchestrator.RunAll(ctx, kinds, window)
}

// RunBackfill runs the FK reconciliation job.
func (h *Handler) RunBackfill(ctx context.Context) (reconcile.Stats, error) {
	if !h.acquire(backfillLock) {
		return reconcile.Stats{}, ErrSyncInProgress
	}
	defer h.release(backfillLock)
	return h.Backfill.Backfill(ctx)
}

// resolveWindow applies the precedence explicit dates > days_back > default.
func (h *Handler) resolveWindow(req SyncRequest) (generic.Window, error) {
	now := h.now().In(h.Location)
	if req.DateFrom != "" || req.DateTo != "" {
		if req.DateFrom == "" || req.DateTo == "" {
			return generic.Window{}, fmt.Errorf("%w: date_from and date_to must be given together", generic.ErrInvalidWindow)
		}
		return generic.ParseWindow(req.DateFrom, req.DateTo, h.Location)
	}
	return generic.WindowFromDaysBack(now, req.DaysBack, h.DefaultWindow(now)), nil
}

// =============================================================================
// SYNC HANDLERS
// =============================================================================

// TriggerSync runs a sync of one kind, or of every configured kind for "all".
// The response carries the final run-log rows.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var kinds []generic.SyncKind
	name := chi.URLParam(r, "kind")
	if name == "all" {
		kinds = h.Kinds
	} else {
		kind, ok := generic.ParseSyncKind(name)
		if !ok {
			writeError(w, http.StatusBadRequest, "Unknown sync kind", fmt.Errorf("kind %q", name))
			return
		}
		kinds = []generic.SyncKind{kind}
	}

	var req SyncRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	window, err := h.resolveWindow(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid window", err)
		return
	}

	runs, err := h.RunSync(r.Context(), kinds, window)
	switch {
	case errors.Is(err, ErrSyncInProgress):
		writeError(w, http.StatusConflict, "Sync already running", err)
	case err != nil:
		h.Logger.Warn("triggered sync failed", "kinds", kinds, "error", err)
		writeJSON(w, http.StatusBadGateway, SyncResponse{Runs: RunDTOs(runs), Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, SyncResponse{Runs: RunDTOs(runs)})
	}
}

// TriggerBackfill fills NULL references and ledgers newly linked transactions.
func (h *Handler) TriggerBackfill(w http.ResponseWriter, r *http.Request) {
	stats, err := h.RunBackfill(r.Context())
	switch {
	case errors.Is(err, ErrSyncInProgress):
		writeError(w, http.StatusConflict, "Backfill already running", err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Backfill failed", err)
	default:
		writeJSON(w, http.StatusOK, BackfillResponse{Stats: stats, Total: stats.Total()})
	}
}

// ListRuns returns the run log, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	var filter generic.RunFilter
	q := r.URL.Query()

	if v := q.Get("kind"); v != "" {
		kind, ok := generic.ParseSyncKind(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "Unknown sync kind", fmt.Errorf("kind %q", v))
			return
		}
		filter.Kind = kind
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("since"); v != "" {
		since, err := time.ParseInLocation(generic.DateLayout, v, h.Location)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since date (use YYYY-MM-DD)", err)
			return
		}
		filter.Since = &since
	}

	runs, err := h.Store.RecentRuns(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, RunDTOs(runs))
}

// =============================================================================
// CLIENT HANDLERS
// =============================================================================

// GetClient returns a client with its current balance.
func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	id, ok := clientID(w, r)
	if !ok {
		return
	}
	c, err := h.Store.GetClient(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get client", err)
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "Client not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toClientDTO(*c))
}

// GetLedger returns the client's balance and every ledger entry in order.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := clientID(w, r)
	if !ok {
		return
	}
	c, err := h.Store.GetClient(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get client", err)
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "Client not found", nil)
		return
	}
	entries, err := h.Ledger.History(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), "Failed to get ledger", err)
		return
	}

	resp := LedgerResponse{
		ClientID: id,
		Balance:  int64(c.Balance),
		Entries:  make([]EntryDTO, 0, len(entries)),
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, EntryToDTO(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateAdjustment appends an operator ADJUST entry.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	id, ok := clientID(w, r)
	if !ok {
		return
	}
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entry, err := h.Ledger.ApplyAdjust(r.Context(), id, generic.Money(req.Amount), req.Reason, req.Actor)
	if err != nil {
		writeError(w, statusFor(err), "Adjustment rejected", err)
		return
	}
	h.Logger.Info("balance adjusted",
		"client_id", id, "amount", req.Amount, "actor", req.Actor, "entry_id", entry.ID)
	writeJSON(w, http.StatusCreated, EntryToDTO(*entry))
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// CheckBalances verifies balance == sum(ledger) and chain continuity for
// every client. Problems are reported in the body with status 200.
func (h *Handler) CheckBalances(w http.ResponseWriter, r *http.Request) {
	report, err := bonus.Check(r.Context(), h.Store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Balance check failed", err)
		return
	}
	if !report.OK() {
		h.Logger.Warn("ledger reconciliation found problems",
			"mismatches", len(report.Mismatches), "breaks", len(report.Breaks))
	}
	writeJSON(w, http.StatusOK, NewReconciliationResponse(report))
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func clientID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid client id", err)
		return 0, false
	}
	return id, true
}

// decodeOptional decodes a JSON body; an empty body leaves v untouched.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case generic.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, generic.ErrBalanceDrift), errors.Is(err, generic.ErrConcurrentModification):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
