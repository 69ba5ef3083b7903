package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/generic"
)

func TestMemory_FailedUnitOfWorkLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("boom")

	// GIVEN: a unit of work that writes and then fails
	err := m.WithTx(ctx, func(tx generic.Tx) error {
		if err := tx.SaveClient(ctx, generic.Client{ExternalID: 7}); err != nil {
			return err
		}
		return boom
	})

	// THEN: nothing was committed
	assert.ErrorIs(t, err, boom)
	c, err := m.GetClient(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestMemory_FailHook(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("disk full")
	m.Fail = func(op string) error {
		if op == "save_spot" {
			return boom
		}
		return nil
	}

	err := m.WithTx(ctx, func(tx generic.Tx) error {
		return tx.SaveSpot(ctx, generic.Spot{ExternalID: 1})
	})
	assert.ErrorIs(t, err, boom)
}

func TestMemory_SaveClientKeepsBalance(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.WithTx(ctx, func(tx generic.Tx) error {
		if err := tx.SaveClient(ctx, generic.Client{ExternalID: 7, Balance: 100}); err != nil {
			return err
		}
		c, _ := tx.GetClient(ctx, 7)
		assert.Equal(t, generic.Money(0), c.Balance)
		if err := tx.SetClientBalance(ctx, 7, 500); err != nil {
			return err
		}
		return tx.SaveClient(ctx, generic.Client{ExternalID: 7, FirstName: "Olena", Balance: 1})
	}))

	c, err := m.GetClient(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Olena", c.FirstName)
	assert.Equal(t, generic.Money(500), c.Balance)
}

func TestMemory_ForeignKeys(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	tests := []struct {
		name string
		fn   func(tx generic.Tx) error
	}{
		{"spot ref to missing spot", func(tx generic.Tx) error {
			return tx.SaveTransaction(ctx, generic.Transaction{ExternalID: 1, SpotRef: generic.Ref(9)})
		}},
		{"client ref to missing client", func(tx generic.Tx) error {
			return tx.SaveTransaction(ctx, generic.Transaction{ExternalID: 1, ClientRef: generic.Ref(9)})
		}},
		{"line item without transaction", func(tx generic.Tx) error {
			return tx.SaveLineItem(ctx, generic.LineItem{TransactionID: 404})
		}},
		{"entry for missing client", func(tx generic.Tx) error {
			return tx.AppendEntry(ctx, generic.LedgerEntry{ClientID: 9, Seq: 1, Kind: generic.EntryAdjust})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, m.WithTx(ctx, tt.fn))
		})
	}
}

func TestMemory_AppendEntry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.WithTx(ctx, func(tx generic.Tx) error {
		if err := tx.SaveClient(ctx, generic.Client{ExternalID: 7}); err != nil {
			return err
		}
		if err := tx.SaveTransaction(ctx, generic.Transaction{ExternalID: 1001, ClientExternalID: 7}); err != nil {
			return err
		}
		return tx.AppendEntry(ctx, generic.LedgerEntry{
			ID: "e1", ClientID: 7, TransactionID: generic.Ref(1001), Seq: 1, Kind: generic.EntryEarn,
			Amount: 500, BalanceAfter: 500, ProcessedAt: now,
		})
	}))

	tests := []struct {
		name  string
		entry generic.LedgerEntry
		want  error
	}{
		{
			name: "second earn for the transaction",
			entry: generic.LedgerEntry{ID: "e2", ClientID: 7, TransactionID: generic.Ref(1001), Seq: 2,
				Kind: generic.EntryEarn, Amount: 500, BalanceBefore: 500, BalanceAfter: 1000},
			want: generic.ErrConcurrentModification,
		},
		{
			name: "stale seq",
			entry: generic.LedgerEntry{ID: "e3", ClientID: 7, Seq: 1,
				Kind: generic.EntryAdjust, Amount: 10, BalanceAfter: 10},
			want: generic.ErrConcurrentModification,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.WithTx(ctx, func(tx generic.Tx) error { return tx.AppendEntry(ctx, tt.entry) })
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("inconsistent arithmetic", func(t *testing.T) {
		err := m.WithTx(ctx, func(tx generic.Tx) error {
			return tx.AppendEntry(ctx, generic.LedgerEntry{ID: "e4", ClientID: 7, Seq: 2,
				Kind: generic.EntryAdjust, Amount: 10, BalanceBefore: 500, BalanceAfter: 999})
		})
		assert.Error(t, err)
	})

	earn, err := m.EntryFor(ctx, 1001, generic.EntryEarn)
	require.NoError(t, err)
	require.NotNil(t, earn)
	assert.Equal(t, "e1", earn.ID)

	last, err := m.LastEntry(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), last.Seq)
}

func TestMemory_Backfill(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	// GIVEN: rows whose references arrive later
	require.NoError(t, m.WithTx(ctx, func(tx generic.Tx) error {
		for _, tr := range []generic.Transaction{
			{ExternalID: 1002, SpotExternalID: 1, ClientExternalID: 7},
			{ExternalID: 1001, SpotExternalID: 1, ClientExternalID: 7},
			{ExternalID: 1003, SpotExternalID: 2},
		} {
			if err := tx.SaveTransaction(ctx, tr); err != nil {
				return err
			}
		}
		if err := tx.SaveLineItem(ctx, generic.LineItem{TransactionID: 1001, ProductExternalID: 301, Quantity: decimal.NewFromInt(1)}); err != nil {
			return err
		}
		if err := tx.SaveSpot(ctx, generic.Spot{ExternalID: 1}); err != nil {
			return err
		}
		if err := tx.SaveClient(ctx, generic.Client{ExternalID: 7}); err != nil {
			return err
		}
		return tx.SaveProduct(ctx, generic.Product{ExternalID: 301})
	}))

	// WHEN
	var spots, products int64
	var linked []int64
	require.NoError(t, m.WithTx(ctx, func(tx generic.Tx) error {
		var err error
		if spots, err = tx.BackfillSpots(ctx); err != nil {
			return err
		}
		if linked, err = tx.BackfillClients(ctx); err != nil {
			return err
		}
		products, err = tx.BackfillProducts(ctx)
		return err
	}))

	// THEN: linked ids come back sorted
	assert.Equal(t, int64(2), spots)
	assert.Equal(t, []int64{1001, 1002}, linked)
	assert.Equal(t, int64(1), products)

	tr, err := m.GetTransaction(ctx, 1003)
	require.NoError(t, err)
	assert.Nil(t, tr.SpotRef)
}

func TestMemory_RunsAndReconciliation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

	for i, kind := range []generic.SyncKind{generic.SyncSpots, generic.SyncClients, generic.SyncSpots} {
		require.NoError(t, m.SaveRun(ctx, generic.SyncRun{
			ID: string(rune('a' + i)), Kind: kind, Status: generic.RunSuccess, StartedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	runs, err := m.RecentRuns(ctx, generic.RunFilter{Kind: generic.SyncSpots})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)

	require.NoError(t, m.WithTx(ctx, func(tx generic.Tx) error {
		if err := tx.SaveClient(ctx, generic.Client{ExternalID: 7}); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, generic.LedgerEntry{ID: "e1", ClientID: 7, Seq: 1,
			Kind: generic.EntryAdjust, Amount: 300, BalanceAfter: 300}); err != nil {
			return err
		}
		return tx.SetClientBalance(ctx, 7, 250)
	}))

	mismatches, err := m.BalanceMismatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, []generic.BalanceMismatch{{ClientID: 7, Balance: 250, LedgerSum: 300}}, mismatches)

	ids, err := m.LedgerClientIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, ids)
}
