/*
engine_test.go - Tests for the upsert engine

Tests for:
- Create / update / unchanged outcomes by natural key
- Duplicate collapse and malformed record isolation
- Null refs for late-arriving targets, lazy stubs
- Page atomicity on store failure
- Opening balance import
*/
package ingest_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/bonus"
	"github.com/warp/loyalty-engine/generic"
	"github.com/warp/loyalty-engine/generic/store"
	"github.com/warp/loyalty-engine/ingest"
	"github.com/warp/loyalty-engine/poster"
	"github.com/warp/loyalty-engine/store/sqlstore"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func txRecord(id, clientID, spotID string, sum string) poster.Record {
	return poster.Record{
		"transaction_id": id,
		"client_id":      clientID,
		"spot_id":        spotID,
		"date_close":     "2025-03-10 12:00:00",
		"sum":            sum,
		"payed_bonus":    "0",
		"bonus":          "5",
		"status":         "2",
		"products": []any{
			map[string]any{"product_id": "301", "num": "2", "product_sum": sum},
		},
	}
}

func clientRecord(id, name string) poster.Record {
	return poster.Record{"client_id": id, "firstname": name, "lastname": "Ivanova", "phone": "+380501112233"}
}

func newTestSQLStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.New(sqlstore.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestApplyTransactions_CreatesThenReportsUnchanged(t *testing.T) {
	// GIVEN: An empty store
	s := newTestSQLStore(t)
	engine := ingest.NewEngine(s)
	ctx := context.Background()
	page := []poster.Record{txRecord("42", "0", "0", "10000")}

	// WHEN: The same page is applied twice
	first, err := engine.ApplyTransactions(ctx, page)
	require.NoError(t, err)
	second, err := engine.ApplyTransactions(ctx, page)
	require.NoError(t, err)

	// THEN: Created once, then processed without create or update
	assert.Equal(t, generic.Stats{Processed: 1, Created: 1}, first.Stats)
	assert.Equal(t, generic.Stats{Processed: 1, Unchanged: 1}, second.Stats)
	require.Len(t, second.Transactions, 1)
	assert.Equal(t, generic.Money(10000), second.Transactions[0].Sum)

	items, err := s.LineItems(ctx, 42)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Position)
	assert.Equal(t, generic.Money(5000), items[0].Price)
}

func TestApplyTransactions_UpdatesMutableFields(t *testing.T) {
	s := store.NewMemory()
	engine := ingest.NewEngine(s)
	ctx := context.Background()
	_, err := engine.ApplyTransactions(ctx, []poster.Record{txRecord("42", "0", "0", "10000")})
	require.NoError(t, err)

	report, err := engine.ApplyTransactions(ctx, []poster.Record{txRecord("42", "0", "0", "12000")})

	require.NoError(t, err)
	assert.Equal(t, 1, report.Stats.Updated)
	stored, err := s.GetTransaction(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, generic.Money(12000), stored.Sum)
}

func TestApplyTransactions_DuplicateKeysCollapseLastWins(t *testing.T) {
	// GIVEN: Three arrivals of transaction 42 in one page
	s := store.NewMemory()
	engine := ingest.NewEngine(s)

	// WHEN
	report, err := engine.ApplyTransactions(context.Background(), []poster.Record{
		txRecord("42", "0", "0", "100"),
		txRecord("42", "0", "0", "200"),
		txRecord("42", "0", "0", "300"),
	})

	// THEN: All count as processed, one row holds the last values
	require.NoError(t, err)
	assert.Equal(t, 3, report.Stats.Processed)
	assert.Equal(t, 2, report.Stats.Duplicates)
	assert.Equal(t, 1, report.Stats.Created)
	stored, err := s.GetTransaction(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, generic.Money(300), stored.Sum)
}

func TestApplyTransactions_MalformedLastArrivalSupersedesEarlier(t *testing.T) {
	// GIVEN: Transaction 42 arrives twice, the last copy with an unreadable sum
	s := store.NewMemory()
	engine := ingest.NewEngine(s)
	bad := txRecord("42", "0", "0", "100")
	bad["sum"] = "not-a-number"

	// WHEN
	report, err := engine.ApplyTransactions(context.Background(), []poster.Record{
		txRecord("42", "0", "0", "100"),
		bad,
	})

	// THEN: The earlier copy is dropped as a duplicate, the last one is rejected
	require.NoError(t, err)
	assert.Equal(t, 2, report.Stats.Processed)
	assert.Equal(t, 1, report.Stats.Duplicates)
	assert.Equal(t, 1, report.Stats.Errors)
	assert.Zero(t, report.Stats.Created)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "42", report.Failures[0].Key)
	stored, err := s.GetTransaction(context.Background(), 42)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestApplyTransactions_MalformedRecordSkippedAlone(t *testing.T) {
	// GIVEN: A page with one record lacking its natural key and one without a sum
	s := store.NewMemory()
	engine := ingest.NewEngine(s)
	noKey := txRecord("", "0", "0", "100")
	delete(noKey, "transaction_id")
	noSum := txRecord("43", "0", "0", "100")
	delete(noSum, "sum")

	// WHEN
	report, err := engine.ApplyTransactions(context.Background(), []poster.Record{
		noKey, txRecord("42", "0", "0", "100"), noSum,
	})

	// THEN: The valid record lands, each bad one is a failure
	require.NoError(t, err)
	assert.Equal(t, 3, report.Stats.Processed)
	assert.Equal(t, 1, report.Stats.Created)
	assert.Equal(t, 2, report.Stats.Errors)
	require.Len(t, report.Failures, 2)
	assert.Equal(t, "transaction", report.Failures[0].Entity)
	assert.Equal(t, "", report.Failures[0].Key)
	assert.Equal(t, "43", report.Failures[1].Key)

	missing, err := s.GetTransaction(context.Background(), 43)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestApplyTransactions_LateReferencesStayNull(t *testing.T) {
	// GIVEN: No client, spot or product rows yet
	s := newTestSQLStore(t)
	engine := ingest.NewEngine(s)
	ctx := context.Background()

	// WHEN
	_, err := engine.ApplyTransactions(ctx, []poster.Record{txRecord("42", "7", "3", "100")})
	require.NoError(t, err)

	// THEN: Natural keys are stored, refs are not
	stored, err := s.GetTransaction(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(7), stored.ClientExternalID)
	assert.Equal(t, int64(3), stored.SpotExternalID)
	assert.Nil(t, stored.ClientRef)
	assert.Nil(t, stored.SpotRef)
	items, err := s.LineItems(ctx, 42)
	require.NoError(t, err)
	assert.Nil(t, items[0].ProductRef)
}

func TestApplyTransactions_ExistingReferencesLinkedAtUpsert(t *testing.T) {
	// GIVEN: Client 7 already synced
	s := newTestSQLStore(t)
	engine := ingest.NewEngine(s, ingest.WithCache(generic.NewKeyCache(16)))
	ctx := context.Background()
	_, err := engine.ApplyClients(ctx, []poster.Record{clientRecord("7", "Olena")})
	require.NoError(t, err)

	// WHEN
	report, err := engine.ApplyTransactions(ctx, []poster.Record{txRecord("42", "7", "3", "100")})

	// THEN
	require.NoError(t, err)
	require.Len(t, report.Transactions, 1)
	require.NotNil(t, report.Transactions[0].ClientRef)
	assert.Equal(t, int64(7), *report.Transactions[0].ClientRef)
	assert.Nil(t, report.Transactions[0].SpotRef)
}

func TestApplyTransactions_LazyReferencesCreateStubs(t *testing.T) {
	s := store.NewMemory()
	engine := ingest.NewEngine(s, ingest.WithLazyReferences(true))
	ctx := context.Background()
	rec := txRecord("42", "7", "3", "100")
	rec["client_firstname"] = "Olena"

	_, err := engine.ApplyTransactions(ctx, []poster.Record{rec})
	require.NoError(t, err)

	client, err := s.GetClient(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, "Olena", client.FirstName)
	spot, err := s.GetSpot(ctx, 3)
	require.NoError(t, err)
	assert.NotNil(t, spot)
	product, err := s.GetProduct(ctx, 301)
	require.NoError(t, err)
	assert.NotNil(t, product)

	stored, err := s.GetTransaction(ctx, 42)
	require.NoError(t, err)
	assert.NotNil(t, stored.ClientRef)
	assert.NotNil(t, stored.SpotRef)
}

func TestApplyTransactions_ClientAttachedLaterButNeverReplaced(t *testing.T) {
	// GIVEN: An anonymous receipt
	s := store.NewMemory()
	engine := ingest.NewEngine(s)
	ctx := context.Background()
	_, err := engine.ApplyTransactions(ctx, []poster.Record{txRecord("42", "0", "3", "100")})
	require.NoError(t, err)

	// WHEN: Poster later reports client 7, then client 8
	attached, err := engine.ApplyTransactions(ctx, []poster.Record{txRecord("42", "7", "3", "100")})
	require.NoError(t, err)
	_, err = engine.ApplyTransactions(ctx, []poster.Record{txRecord("42", "8", "3", "100")})
	require.NoError(t, err)

	// THEN: The first attachment sticks
	assert.Equal(t, 1, attached.Stats.Updated)
	stored, err := s.GetTransaction(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(7), stored.ClientExternalID)
}

func TestApplyTransactions_StoreFailureAbortsPage(t *testing.T) {
	// GIVEN: A store that fails on the second transaction write
	s := store.NewMemory()
	writes := 0
	s.Fail = func(op string) error {
		if op == "save_transaction" {
			writes++
			if writes == 2 {
				return errors.New("connection reset")
			}
		}
		return nil
	}
	cache := generic.NewKeyCache(16)
	engine := ingest.NewEngine(s, ingest.WithCache(cache))

	// WHEN
	_, err := engine.ApplyTransactions(context.Background(), []poster.Record{
		txRecord("41", "0", "0", "100"),
		txRecord("42", "0", "0", "100"),
	})

	// THEN: Nothing of the page is kept
	require.Error(t, err)
	first, err := s.GetTransaction(context.Background(), 41)
	require.NoError(t, err)
	assert.Nil(t, first)
	assert.Equal(t, 0, cache.Len())
}

// =============================================================================
// CLIENTS, PRODUCTS, SPOTS
// =============================================================================

func TestApplyClients_NeverWritesBalance(t *testing.T) {
	// GIVEN: A client whose ledger balance is 500
	s := store.NewMemory()
	engine := ingest.NewEngine(s)
	ctx := context.Background()
	_, err := engine.ApplyClients(ctx, []poster.Record{clientRecord("7", "Olena")})
	require.NoError(t, err)
	_, err = bonus.NewEngine(s).ApplyAdjust(ctx, 7, 500, "goodwill", "admin-1")
	require.NoError(t, err)

	// WHEN: Poster reports a different bonus and a new name
	rec := clientRecord("7", "Olha")
	rec["bonus"] = "99999"
	report, err := engine.ApplyClients(ctx, []poster.Record{rec})

	// THEN
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stats.Updated)
	client, err := s.GetClient(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Olha", client.FirstName)
	assert.Equal(t, generic.Money(500), client.Balance)
}

func TestApplyClients_ImportsOpeningBalanceOnce(t *testing.T) {
	// GIVEN: Opening balance import enabled
	s := newTestSQLStore(t)
	engine := ingest.NewEngine(s, ingest.WithOpeningBalance(bonus.NewEngine(s)))
	ctx := context.Background()
	rec := clientRecord("7", "Olena")
	rec["bonus"] = "1500"

	// WHEN: The client is synced twice
	first, err := engine.ApplyClients(ctx, []poster.Record{rec})
	require.NoError(t, err)
	_, err = engine.ApplyClients(ctx, []poster.Record{rec})
	require.NoError(t, err)

	// THEN: One ADJUST by the importer
	assert.Equal(t, 1, first.LedgerApplied)
	entries, err := s.Entries(ctx, 7)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, generic.EntryAdjust, entries[0].Kind)
	assert.Equal(t, ingest.OpeningBalanceActor, entries[0].Actor)
	assert.Equal(t, ingest.OpeningBalanceReason, entries[0].Description)
	client, err := s.GetClient(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, generic.Money(1500), client.Balance)
}

func TestApplyProductsAndSpots(t *testing.T) {
	s := newTestSQLStore(t)
	engine := ingest.NewEngine(s)
	ctx := context.Background()

	products, err := engine.Apply(ctx, generic.SyncProducts, []poster.Record{
		{"product_id": "301", "product_name": "Latte", "category_name": "Coffee", "hidden": "0"},
		{"product_id": "302", "product_name": "Old tea", "hidden": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, products.Stats.Created)

	spots, err := engine.Apply(ctx, generic.SyncSpots, []poster.Record{
		{"spot_id": "3", "spot_name": "Podil", "spot_adress": "Sahaidachnoho 1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, spots.Stats.Created)

	hidden, err := s.GetProduct(ctx, 302)
	require.NoError(t, err)
	assert.False(t, hidden.Active)
	spot, err := s.GetSpot(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "Sahaidachnoho 1", spot.Address)

	again, err := engine.Apply(ctx, generic.SyncSpots, []poster.Record{
		{"spot_id": "3", "spot_name": "Podil", "spot_adress": "Sahaidachnoho 1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, again.Stats.Unchanged)
}

func TestApply_UnknownKind(t *testing.T) {
	_, err := ingest.NewEngine(store.NewMemory()).Apply(context.Background(), "orders", nil)
	assert.Error(t, err)
}
