package generic_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/generic"
)

func TestPercentOf_FloorsToMinorUnits(t *testing.T) {
	tests := []struct {
		pct  string
		sum  generic.Money
		want generic.Money
	}{
		{"5", 10000, 500},
		{"2.5", 999, 24},
		{"3", 33, 0},
		{"0", 10000, 0},
		{"10", 1, 0},
		{"100", 1234, 1234},
		{"7.25", 20000, 1450},
	}
	for _, tt := range tests {
		p, err := generic.ParsePercent(tt.pct)
		require.NoError(t, err)
		assert.Equal(t, tt.want, p.Of(tt.sum), "%s%% of %d", tt.pct, tt.sum)
	}
}

func TestParsePercent(t *testing.T) {
	p, err := generic.ParsePercent("")
	require.NoError(t, err)
	assert.True(t, p.IsZero())

	_, err = generic.ParsePercent("-1")
	assert.Error(t, err)

	_, err = generic.ParsePercent("five")
	assert.Error(t, err)

	assert.Equal(t, "5", generic.NewPercent(5).String())
}

func TestParseMoney(t *testing.T) {
	m, err := generic.ParseMoney("12000.00")
	require.NoError(t, err)
	assert.Equal(t, generic.Money(12000), m)

	_, err = generic.ParseMoney("12000.5")
	assert.Error(t, err, "fractional minor units")

	_, err = generic.ParseMoney("abc")
	assert.Error(t, err)

	assert.Equal(t, generic.Money(-7), generic.Money(7).Neg())
}

func TestTransaction_SameBusinessFields(t *testing.T) {
	closed := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	base := generic.Transaction{
		ExternalID: 1, Sum: 100, Status: 2, ClosedAt: &closed,
		BonusPercent: generic.NewPercent(5),
	}

	same := base
	same.SpotRef = generic.Ref(3)
	same.BonusPercent = generic.Percent{Decimal: decimal.RequireFromString("5.00")}
	closedCopy := closed
	same.ClosedAt = &closedCopy
	assert.True(t, base.SameBusinessFields(same), "refs and equal decimals do not count")

	changed := base
	changed.Sum = 200
	assert.False(t, base.SameBusinessFields(changed))

	reopened := base
	reopened.ClosedAt = nil
	assert.False(t, base.SameBusinessFields(reopened))
}

func TestClient_SameProfileIgnoresBalance(t *testing.T) {
	a := generic.Client{ExternalID: 7, FirstName: "Olena", Balance: 100}
	b := a
	b.Balance = 900
	assert.True(t, a.SameProfile(b))

	b.Phone = "+380501112233"
	assert.False(t, a.SameProfile(b))
}
