package syncer_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/bonus"
	"github.com/warp/loyalty-engine/generic"
	"github.com/warp/loyalty-engine/generic/store"
	"github.com/warp/loyalty-engine/ingest"
	"github.com/warp/loyalty-engine/poster"
	"github.com/warp/loyalty-engine/syncer"
)

// =============================================================================
// SCRIPTED SOURCE
// =============================================================================

// scriptedSource answers Fetch from a list of steps, one per call.
type scriptedSource struct {
	mu       sync.Mutex
	steps    []step
	requests []poster.PageRequest
}

type step struct {
	page poster.Page
	err  error
}

func (s *scriptedSource) Fetch(_ context.Context, req poster.PageRequest) (poster.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		return poster.Page{}, nil
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	return st.page, st.err
}

func transient() error {
	return &poster.SourceError{Op: "transactions.getTransactions", StatusCode: 503, Retryable: true, Err: errors.New("unavailable")}
}

// receipts builds n anonymous transactions starting at id from.
func receipts(from, n int) []poster.Record {
	out := make([]poster.Record, n)
	for i := range out {
		out[i] = poster.Record{
			"transaction_id": strconv.Itoa(from + i),
			"sum":            "1000",
			"status":         "2",
		}
	}
	return out
}

var window = generic.Window{
	From: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	To:   time.Date(2025, 3, 31, 23, 59, 59, 0, time.UTC),
}

func noSleep(context.Context, time.Duration) error { return nil }

func newOrchestrator(src syncer.Source, s generic.Store, opts ...syncer.Option) *syncer.Orchestrator {
	opts = append([]syncer.Option{syncer.WithSleep(noSleep)}, opts...)
	return syncer.New(src, s, ingest.NewEngine(s), opts...)
}

// =============================================================================
// PAGING
// =============================================================================

func TestRun_StopsAfterShortPage(t *testing.T) {
	// GIVEN: Pages of 1000, 1000 and 437 records
	s := store.NewMemory()
	src := &scriptedSource{steps: []step{
		{page: poster.Page{Records: receipts(1, 1000), Total: -1}},
		{page: poster.Page{Records: receipts(1001, 1000), Total: -1}},
		{page: poster.Page{Records: receipts(2001, 437), Total: -1}},
		{page: poster.Page{Records: receipts(9001, 5), Total: -1}},
	}}

	// WHEN
	run, err := newOrchestrator(src, s).Run(context.Background(), generic.SyncTransactions, window)

	// THEN: 2437 records over 3 pages, the fourth page is never requested
	require.NoError(t, err)
	assert.Equal(t, generic.RunSuccess, run.Status)
	assert.Equal(t, 3, run.Pages)
	assert.Equal(t, 2437, run.Processed)
	assert.Equal(t, 2437, run.Created)
	require.Len(t, src.requests, 3)
	for i, req := range src.requests {
		assert.Equal(t, i+1, req.Page)
		assert.Equal(t, poster.MaxPageSize, req.PerPage)
		assert.Equal(t, window, req.Window)
	}

	runs, err := s.RecentRuns(context.Background(), generic.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, generic.RunSuccess, runs[0].Status)
	assert.NotNil(t, runs[0].FinishedAt)
	assert.Equal(t, "transactions.getTransactions", runs[0].Endpoint)
}

func TestRun_StopsOnLastPageFlagAndEmptyPage(t *testing.T) {
	s := store.NewMemory()
	src := &scriptedSource{steps: []step{
		{page: poster.Page{Records: receipts(1, 2), IsLast: true}},
	}}
	run, err := newOrchestrator(src, s, syncer.WithPageSize(2)).Run(context.Background(), generic.SyncTransactions, window)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Pages)
	assert.Len(t, src.requests, 1)

	empty := &scriptedSource{}
	run, err = newOrchestrator(empty, s).Run(context.Background(), generic.SyncTransactions, window)
	require.NoError(t, err)
	assert.Equal(t, 0, run.Pages)
	assert.Equal(t, generic.RunSuccess, run.Status)
}

func TestRun_StatesInOrder(t *testing.T) {
	s := store.NewMemory()
	src := &scriptedSource{steps: []step{{page: poster.Page{Records: receipts(1, 3)}}}}
	var states []syncer.State

	_, err := newOrchestrator(src, s, syncer.WithStateHook(func(_ generic.SyncRun, st syncer.State) {
		states = append(states, st)
	})).Run(context.Background(), generic.SyncTransactions, window)

	require.NoError(t, err)
	assert.Equal(t, []syncer.State{
		syncer.StateStarted, syncer.StatePaging, syncer.StateCommitting, syncer.StateCompleted,
	}, states)
}

// =============================================================================
// RETRY
// =============================================================================

func TestRun_RetriesTransientFailure(t *testing.T) {
	// GIVEN: Two transient failures before the page arrives
	s := store.NewMemory()
	src := &scriptedSource{steps: []step{
		{err: transient()},
		{err: transient()},
		{page: poster.Page{Records: receipts(1, 3)}},
	}}
	var delays []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	policy := syncer.RetryPolicy{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	// WHEN
	run, err := syncer.New(src, s, ingest.NewEngine(s), syncer.WithRetry(policy), syncer.WithSleep(sleep)).
		Run(context.Background(), generic.SyncTransactions, window)

	// THEN: The run succeeds after backing off 100ms then 200ms
	require.NoError(t, err)
	assert.Equal(t, generic.RunSuccess, run.Status)
	assert.Equal(t, 3, run.Processed)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
}

func TestRun_RetriesExhaustedMarksError(t *testing.T) {
	// GIVEN: A source that keeps failing
	s := store.NewMemory()
	src := &scriptedSource{steps: []step{{err: transient()}, {err: transient()}, {err: transient()}}}

	// WHEN
	run, err := newOrchestrator(src, s, syncer.WithRetry(syncer.RetryPolicy{Attempts: 3})).
		Run(context.Background(), generic.SyncTransactions, window)

	// THEN: The run log says error with a message
	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrTransientSource)
	assert.Equal(t, generic.RunError, run.Status)
	assert.NotEmpty(t, run.ErrorMessage)
	assert.Len(t, src.requests, 3)

	runs, err := s.RecentRuns(context.Background(), generic.RunFilter{Kind: generic.SyncTransactions})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, generic.RunError, runs[0].Status)
}

func TestRun_ParseErrorIsNotRetried(t *testing.T) {
	s := store.NewMemory()
	src := &scriptedSource{steps: []step{
		{err: &poster.SourceError{Op: "transactions.getTransactions", Err: generic.ErrParse}},
	}}

	run, err := newOrchestrator(src, s).Run(context.Background(), generic.SyncTransactions, window)

	require.Error(t, err)
	assert.Equal(t, generic.RunError, run.Status)
	assert.Len(t, src.requests, 1)
}

func TestRetryPolicy_DelayIsCapped(t *testing.T) {
	p := syncer.RetryPolicy{Attempts: 10, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(9))
}

// =============================================================================
// OUTCOMES
// =============================================================================

func TestRun_RecordErrorsMakeRunPartial(t *testing.T) {
	s := store.NewMemory()
	bad := poster.Record{"sum": "100"}
	src := &scriptedSource{steps: []step{{page: poster.Page{Records: append(receipts(1, 2), bad)}}}}

	run, err := newOrchestrator(src, s).Run(context.Background(), generic.SyncTransactions, window)

	require.NoError(t, err)
	assert.Equal(t, generic.RunPartial, run.Status)
	assert.Equal(t, 3, run.Processed)
	assert.Equal(t, 2, run.Succeeded)
	assert.Equal(t, 1, run.Failed)
	require.Len(t, run.Failures, 1)
	assert.Equal(t, "transaction", run.Failures[0].Entity)
}

func TestRun_CancelledBetweenPages(t *testing.T) {
	// GIVEN: A run cancelled while its first page commits
	s := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &scriptedSource{steps: []step{
		{page: poster.Page{Records: receipts(1, 2)}},
		{page: poster.Page{Records: receipts(3, 2)}},
	}}
	hook := syncer.WithStateHook(func(_ generic.SyncRun, st syncer.State) {
		if st == syncer.StateCommitting {
			cancel()
		}
	})

	// WHEN
	run, err := newOrchestrator(src, s, syncer.WithPageSize(2), hook).Run(ctx, generic.SyncTransactions, window)

	// THEN: The first page is fully applied, the second never fetched
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, generic.RunError, run.Status)
	assert.Equal(t, 1, run.Pages)
	assert.Len(t, src.requests, 1)
	for _, id := range []int64{1, 2} {
		tr, err := s.GetTransaction(context.Background(), id)
		require.NoError(t, err)
		assert.NotNil(t, tr)
	}
}

func TestRun_DerivesLedgerAndRerunIsIdempotent(t *testing.T) {
	// GIVEN: A client and a receipt of 10000 at 5%
	s := store.NewMemory()
	ctx := context.Background()
	_, err := ingest.NewEngine(s).ApplyClients(ctx, []poster.Record{{"client_id": "7", "firstname": "Olena"}})
	require.NoError(t, err)
	page := []poster.Record{{
		"transaction_id": "42", "client_id": "7", "sum": "10000", "bonus": "5", "status": "2",
		"date_close": "2025-03-10 12:00:00",
	}}
	ledger := syncer.WithLedger(bonus.NewEngine(s), bonus.DefaultSettings())

	// WHEN: The same window syncs twice
	first, err := newOrchestrator(&scriptedSource{steps: []step{{page: poster.Page{Records: page}}}}, s, ledger).
		Run(ctx, generic.SyncTransactions, window)
	require.NoError(t, err)
	second, err := newOrchestrator(&scriptedSource{steps: []step{{page: poster.Page{Records: page}}}}, s, ledger).
		Run(ctx, generic.SyncTransactions, window)
	require.NoError(t, err)

	// THEN: One transaction, one EARN, balance 500
	assert.Equal(t, 1, first.Created)
	assert.Equal(t, 1, first.LedgerApplied)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 0, second.Updated)
	assert.Equal(t, 1, second.Unchanged)
	assert.Equal(t, 0, second.LedgerApplied)

	entries, err := s.Entries(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	client, err := s.GetClient(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, generic.Money(500), client.Balance)
}

func TestRun_RejectedSpendCountsAsFailure(t *testing.T) {
	// GIVEN: Client with balance 500 and a receipt paying 800 with bonus
	s := store.NewMemory()
	ctx := context.Background()
	_, err := ingest.NewEngine(s).ApplyClients(ctx, []poster.Record{{"client_id": "7", "firstname": "Olena"}})
	require.NoError(t, err)
	_, err = bonus.NewEngine(s).ApplyAdjust(ctx, 7, 500, "goodwill", "admin-1")
	require.NoError(t, err)
	page := []poster.Record{{
		"transaction_id": "43", "client_id": "7", "sum": "2000", "payed_bonus": "800", "status": "2",
	}}
	src := &scriptedSource{steps: []step{{page: poster.Page{Records: page}}}}

	// WHEN
	run, err := newOrchestrator(src, s, syncer.WithLedger(bonus.NewEngine(s), bonus.DefaultSettings())).
		Run(ctx, generic.SyncTransactions, window)

	// THEN: The transaction is stored, the SPEND is rejected and counted
	require.NoError(t, err)
	assert.Equal(t, generic.RunPartial, run.Status)
	assert.Equal(t, 1, run.Created)
	assert.Equal(t, 1, run.Failed)
	tr, err := s.GetTransaction(ctx, 43)
	require.NoError(t, err)
	assert.Equal(t, generic.Money(800), tr.PaidBonus)
	client, err := s.GetClient(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, generic.Money(500), client.Balance)
}

func TestRunAll_ContinuesAfterFailedKind(t *testing.T) {
	s := store.NewMemory()
	src := &scriptedSource{steps: []step{
		{err: &poster.SourceError{Op: "spots.getSpots", StatusCode: 403, Err: errors.New("forbidden")}},
		{page: poster.Page{Records: receipts(1, 1), IsLast: true}},
	}}

	runs, err := newOrchestrator(src, s).RunAll(context.Background(),
		[]generic.SyncKind{generic.SyncSpots, generic.SyncTransactions}, window)

	require.Error(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, generic.RunError, runs[0].Status)
	assert.Equal(t, generic.RunSuccess, runs[1].Status)
	assert.Nil(t, runs[0].Window)
}
