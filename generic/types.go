/*
Package generic provides the core model of the loyalty sync engine.

PURPOSE:
  This package contains the entities, store contracts and small algorithms
  shared by every component: ingestion, FK reconciliation, the bonus ledger
  and the sync orchestrator. Nothing here talks to the network or to a
  concrete database.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: integer amount in minor currency units (kopecks, cents)
  - Percent: exact decimal bonus percent, never a float
  - Client, Spot, Product: reference entities keyed by their Poster id
  - Transaction, LineItem: sales activity, created once and updated in place

DESIGN PRINCIPLES:
  1. Precision: money is int64 minor units; percent math uses decimal.Decimal
  2. Natural keys: every entity is identified by the external system's id
  3. Nullable refs: denormalized foreign keys are *int64 until backfilled

SEE ALSO:
  - ledger.go: Bonus ledger entries
  - store.go: Persistence contracts
  - errors.go: Sentinel and structured errors
*/
package generic

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Integer minor units
// =============================================================================

// Money is an amount in minor currency units.
type Money int64

// ParseMoney parses a decimal string in minor units ("12000", "12000.00").
// Fractional minor units are rejected.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse money %q: %w", s, err)
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("parse money %q: fractional minor units", s)
	}
	return Money(d.IntPart()), nil
}

func (m Money) Neg() Money { return -m }

func (m Money) String() string { return fmt.Sprintf("%d", int64(m)) }

// =============================================================================
// PERCENT - Bonus rate
// =============================================================================

// Percent is a bonus rate, e.g. 5 or 2.5.
type Percent struct {
	decimal.Decimal
}

func NewPercent(v int64) Percent { return Percent{decimal.NewFromInt(v)} }

// ParsePercent parses a decimal percent. Negative rates are rejected.
func ParsePercent(s string) (Percent, error) {
	if s == "" {
		return Percent{decimal.Zero}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Percent{}, fmt.Errorf("parse percent %q: %w", s, err)
	}
	if d.IsNegative() {
		return Percent{}, fmt.Errorf("parse percent %q: negative", s)
	}
	return Percent{d}, nil
}

// Of returns floor(m * p / 100) in minor units.
func (p Percent) Of(m Money) Money {
	v := decimal.NewFromInt(int64(m)).Mul(p.Decimal).Div(decimal.NewFromInt(100))
	return Money(v.Floor().IntPart())
}

// =============================================================================
// REFERENCE ENTITIES
// =============================================================================

// Client is a loyalty customer. Balance is owned by the bonus ledger and is
// never written by ingestion.
type Client struct {
	ExternalID int64
	FirstName  string
	LastName   string
	Patronymic string
	Phone      string
	Email      string
	CardNumber string
	Birthday   *time.Time
	GroupName  string
	Balance    Money
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SameProfile reports whether the mutable contact fields are equal.
func (c Client) SameProfile(o Client) bool {
	return c.FirstName == o.FirstName &&
		c.LastName == o.LastName &&
		c.Patronymic == o.Patronymic &&
		c.Phone == o.Phone &&
		c.Email == o.Email &&
		c.CardNumber == o.CardNumber &&
		c.GroupName == o.GroupName &&
		sameTime(c.Birthday, o.Birthday)
}

// Spot is a point of sale.
type Spot struct {
	ExternalID int64
	Name       string
	Address    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (s Spot) SameProfile(o Spot) bool {
	return s.Name == o.Name && s.Address == o.Address
}

type Product struct {
	ExternalID int64
	Name       string
	Category   string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (p Product) SameProfile(o Product) bool {
	return p.Name == o.Name && p.Category == o.Category && p.Active == o.Active
}

// =============================================================================
// SALES ACTIVITY
// =============================================================================

// Transaction is a closed or open receipt. SpotRef and ClientRef are the
// denormalized foreign keys: nil until the referenced row exists.
type Transaction struct {
	ExternalID       int64
	SpotExternalID   int64
	ClientExternalID int64 // 0 = anonymous sale
	SpotRef          *int64
	ClientRef        *int64
	Sum              Money
	PaidSum          Money
	PaidBonus        Money
	BonusPercent     Percent
	Status           int
	PayType          int
	ClosedAt         *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SameBusinessFields compares the fields an update may change.
func (t Transaction) SameBusinessFields(o Transaction) bool {
	return t.Sum == o.Sum &&
		t.PaidSum == o.PaidSum &&
		t.PaidBonus == o.PaidBonus &&
		t.BonusPercent.Equal(o.BonusPercent.Decimal) &&
		t.Status == o.Status &&
		t.PayType == o.PayType &&
		t.ClientExternalID == o.ClientExternalID &&
		sameTime(t.ClosedAt, o.ClosedAt)
}

// LineItem is one product row of a transaction, keyed by (transaction, position).
type LineItem struct {
	TransactionID     int64
	Position          int
	ProductExternalID int64
	ProductRef        *int64
	Quantity          decimal.Decimal
	Price             Money
	Sum               Money
}

func (li LineItem) SameBusinessFields(o LineItem) bool {
	return li.ProductExternalID == o.ProductExternalID &&
		li.Quantity.Equal(o.Quantity) &&
		li.Price == o.Price &&
		li.Sum == o.Sum
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Ref returns a pointer to id, for setting nullable foreign keys.
func Ref(id int64) *int64 { return &id }
