package poster_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/generic"
	"github.com/warp/loyalty-engine/poster"
)

func TestDecodeTransaction_MapsFieldsAndLineItems(t *testing.T) {
	// GIVEN: A record the way Poster sends it, numbers as strings
	rec := poster.Record{
		"transaction_id":   "1001",
		"spot_id":          "1",
		"client_id":        "7",
		"date_close":       "2025-03-10 12:00:00",
		"sum":              "10000",
		"payed_sum":        "9800",
		"payed_bonus":      "200",
		"bonus":            "2.5",
		"status":           "2",
		"pay_type":         "1",
		"client_firstname": "Olena",
		"products": []any{
			map[string]any{"product_id": "301", "num": "2", "product_sum": "6000"},
			map[string]any{"product_id": "302", "num": "1", "price": "4000", "product_sum": "4000"},
		},
	}

	// WHEN
	r, err := poster.DecodeTransaction(rec, time.UTC)

	// THEN
	require.NoError(t, err)
	tx := r.Transaction
	assert.Equal(t, int64(1001), tx.ExternalID)
	assert.Equal(t, int64(1), tx.SpotExternalID)
	assert.Equal(t, int64(7), tx.ClientExternalID)
	assert.Equal(t, generic.Money(10000), tx.Sum)
	assert.Equal(t, generic.Money(9800), tx.PaidSum)
	assert.Equal(t, generic.Money(200), tx.PaidBonus)
	assert.Equal(t, "2.5", tx.BonusPercent.String())
	assert.Equal(t, 2, tx.Status)
	require.NotNil(t, tx.ClosedAt)
	assert.Equal(t, time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC), *tx.ClosedAt)
	assert.Nil(t, tx.SpotRef, "refs are resolved by ingestion")
	assert.Equal(t, "Olena", r.Client.FirstName)
	assert.Equal(t, int64(7), r.Client.ExternalID)

	require.Len(t, r.Items, 2)
	assert.Equal(t, 1, r.Items[0].Position)
	assert.Equal(t, int64(1001), r.Items[0].TransactionID)
	assert.Equal(t, generic.Money(3000), r.Items[0].Price, "price derived from sum / quantity")
	assert.Equal(t, 2, r.Items[1].Position)
	assert.Equal(t, generic.Money(4000), r.Items[1].Price)
}

func TestDecodeTransaction_DateFormats(t *testing.T) {
	want := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	for _, raw := range []any{"2025-03-10 12:00:00", "10.03.2025 12:00:00", "1741608000000"} {
		r, err := poster.DecodeTransaction(poster.Record{"transaction_id": "1", "sum": "1", "date_close": raw}, time.UTC)
		require.NoError(t, err, raw)
		require.NotNil(t, r.Transaction.ClosedAt, raw)
		assert.True(t, want.Equal(*r.Transaction.ClosedAt), "%v -> %v", raw, r.Transaction.ClosedAt)
	}

	r, err := poster.DecodeTransaction(poster.Record{"transaction_id": "1", "sum": "1", "date_close": "0000-00-00 00:00:00"}, time.UTC)
	require.NoError(t, err)
	assert.Nil(t, r.Transaction.ClosedAt, "zero date means open")
}

func TestDecodeTransaction_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		rec   poster.Record
		field string
	}{
		{"missing id", poster.Record{"sum": "100"}, "transaction_id"},
		{"missing sum", poster.Record{"transaction_id": "5"}, "sum"},
		{"non-numeric sum", poster.Record{"transaction_id": "5", "sum": "ten"}, "sum"},
		{"negative id", poster.Record{"transaction_id": "-5", "sum": "100"}, "transaction_id"},
		{"negative paid bonus", poster.Record{"transaction_id": "5", "sum": "100", "payed_bonus": "-1"}, "payed_bonus"},
		{"bad date", poster.Record{"transaction_id": "5", "sum": "100", "date_close": "yesterday"}, "date_close"},
		{"products not a list", poster.Record{"transaction_id": "5", "sum": "100", "products": "301"}, "products"},
		{"product without id", poster.Record{"transaction_id": "5", "sum": "100", "products": []any{map[string]any{"num": "1"}}}, "products[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := poster.DecodeTransaction(tt.rec, time.UTC)

			require.Error(t, err)
			assert.ErrorIs(t, err, generic.ErrMalformedRecord)
			var mre *generic.MalformedRecordError
			require.True(t, errors.As(err, &mre))
			assert.Equal(t, "transaction", mre.Entity)
			assert.Equal(t, tt.field, mre.Field)
		})
	}
}

func TestDecodeClient(t *testing.T) {
	r, err := poster.DecodeClient(poster.Record{
		"client_id":          "7",
		"firstname":          "Olena",
		"lastname":           "Koval",
		"phone":              "+380501112233",
		"birthday":           "1990-05-17",
		"client_groups_name": "Gold",
		"bonus":              "1250",
	}, time.UTC)

	require.NoError(t, err)
	assert.Equal(t, int64(7), r.Client.ExternalID)
	assert.Equal(t, "Koval", r.Client.LastName)
	assert.Equal(t, "Gold", r.Client.GroupName)
	require.NotNil(t, r.Client.Birthday)
	assert.Equal(t, time.May, r.Client.Birthday.Month())
	assert.Equal(t, generic.Money(1250), r.PosterBonus)
	assert.Zero(t, r.Client.Balance, "balance is owned by the ledger")

	_, err = poster.DecodeClient(poster.Record{"firstname": "Nobody"}, time.UTC)
	assert.ErrorIs(t, err, generic.ErrMalformedRecord)
}

func TestDecodeProduct_HiddenFlag(t *testing.T) {
	p, err := poster.DecodeProduct(poster.Record{"product_id": "301", "product_name": "Latte", "category_name": "Coffee"}, time.UTC)
	require.NoError(t, err)
	assert.True(t, p.Active)
	assert.Equal(t, "Coffee", p.Category)

	p, err = poster.DecodeProduct(poster.Record{"product_id": "302", "hidden": "1"}, time.UTC)
	require.NoError(t, err)
	assert.False(t, p.Active)

	_, err = poster.DecodeProduct(poster.Record{"product_id": "0"}, time.UTC)
	assert.ErrorIs(t, err, generic.ErrMalformedRecord)
}

func TestDecodeSpot_AlternateFieldNames(t *testing.T) {
	s, err := poster.DecodeSpot(poster.Record{"spot_id": "1", "spot_name": "Center", "spot_adress": "Main St 1"}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "Center", s.Name)
	assert.Equal(t, "Main St 1", s.Address)
}
