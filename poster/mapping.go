package poster

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/generic"
)

// =============================================================================
// MAPPING TABLES
// =============================================================================

// field maps one source field onto a target struct. Tables are plain
// slices checked by the compiler; there is no reflection.
type field[T any] struct {
	Source   string
	Target   string
	Required bool
	Apply    func(dst *T, v value, loc *time.Location) error
}

func intField[T any](set func(*T, int64)) func(*T, value, *time.Location) error {
	return func(dst *T, v value, _ *time.Location) error {
		n, err := v.int()
		if err != nil {
			return err
		}
		set(dst, n)
		return nil
	}
}

func stringField[T any](set func(*T, string)) func(*T, value, *time.Location) error {
	return func(dst *T, v value, _ *time.Location) error {
		s, err := v.str()
		if err != nil {
			return err
		}
		set(dst, s)
		return nil
	}
}

func moneyField[T any](set func(*T, generic.Money)) func(*T, value, *time.Location) error {
	return func(dst *T, v value, _ *time.Location) error {
		m, err := v.money()
		if err != nil {
			return err
		}
		set(dst, m)
		return nil
	}
}

func decimalField[T any](set func(*T, decimal.Decimal)) func(*T, value, *time.Location) error {
	return func(dst *T, v value, _ *time.Location) error {
		d, err := v.decimal()
		if err != nil {
			return err
		}
		set(dst, d)
		return nil
	}
}

func percentField[T any](set func(*T, generic.Percent)) func(*T, value, *time.Location) error {
	return func(dst *T, v value, _ *time.Location) error {
		p, err := v.percent()
		if err != nil {
			return err
		}
		set(dst, p)
		return nil
	}
}

func boolField[T any](set func(*T, bool)) func(*T, value, *time.Location) error {
	return func(dst *T, v value, _ *time.Location) error {
		b, err := v.bool()
		if err != nil {
			return err
		}
		set(dst, b)
		return nil
	}
}

func timeField[T any](set func(*T, *time.Time)) func(*T, value, *time.Location) error {
	return func(dst *T, v value, loc *time.Location) error {
		t, err := v.time(loc)
		if err != nil {
			return err
		}
		set(dst, t)
		return nil
	}
}

// decode applies a table to a record. Fields absent or null in the record are
// skipped unless required; later table rows win over earlier ones.
func decode[T any](entity, keyField string, table []field[T], rec Record, loc *time.Location) (T, error) {
	var dst T
	key := rec.Key(keyField)
	for _, f := range table {
		raw, ok := rec[f.Source]
		if !ok || raw == nil || raw == "" {
			if f.Required {
				return dst, &generic.MalformedRecordError{Entity: entity, Key: key, Field: f.Source, Reason: "required field missing"}
			}
			continue
		}
		if err := f.Apply(&dst, value{raw}, loc); err != nil {
			return dst, &generic.MalformedRecordError{Entity: entity, Key: key, Field: f.Source, Reason: err.Error()}
		}
	}
	return dst, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// TransactionRecord is a decoded transaction with its line items and the
// client details the payload carries.
type TransactionRecord struct {
	Transaction generic.Transaction
	Items       []generic.LineItem
	Client      generic.Client // ExternalID 0 when anonymous
}

var transactionFields = []field[TransactionRecord]{
	{Source: "transaction_id", Target: "external_id", Required: true,
		Apply: intField(func(r *TransactionRecord, v int64) { r.Transaction.ExternalID = v })},
	{Source: "spot_id", Target: "spot_external_id",
		Apply: intField(func(r *TransactionRecord, v int64) { r.Transaction.SpotExternalID = v })},
	{Source: "client_id", Target: "client_external_id",
		Apply: intField(func(r *TransactionRecord, v int64) { r.Transaction.ClientExternalID = v; r.Client.ExternalID = v })},
	{Source: "date_close", Target: "closed_at",
		Apply: timeField(func(r *TransactionRecord, v *time.Time) { r.Transaction.ClosedAt = v })},
	{Source: "date_close_date", Target: "closed_at",
		Apply: timeField(func(r *TransactionRecord, v *time.Time) {
			if r.Transaction.ClosedAt == nil {
				r.Transaction.ClosedAt = v
			}
		})},
	{Source: "sum", Target: "sum", Required: true,
		Apply: moneyField(func(r *TransactionRecord, v generic.Money) { r.Transaction.Sum = v })},
	{Source: "payed_sum", Target: "paid_sum",
		Apply: moneyField(func(r *TransactionRecord, v generic.Money) { r.Transaction.PaidSum = v })},
	{Source: "payed_bonus", Target: "paid_bonus",
		Apply: moneyField(func(r *TransactionRecord, v generic.Money) { r.Transaction.PaidBonus = v })},
	{Source: "bonus", Target: "bonus_percent",
		Apply: percentField(func(r *TransactionRecord, v generic.Percent) { r.Transaction.BonusPercent = v })},
	{Source: "status", Target: "status",
		Apply: intField(func(r *TransactionRecord, v int64) { r.Transaction.Status = int(v) })},
	{Source: "pay_type", Target: "pay_type",
		Apply: intField(func(r *TransactionRecord, v int64) { r.Transaction.PayType = int(v) })},
	{Source: "client_firstname", Target: "client.first_name",
		Apply: stringField(func(r *TransactionRecord, v string) { r.Client.FirstName = v })},
	{Source: "client_lastname", Target: "client.last_name",
		Apply: stringField(func(r *TransactionRecord, v string) { r.Client.LastName = v })},
	{Source: "client_phone", Target: "client.phone",
		Apply: stringField(func(r *TransactionRecord, v string) { r.Client.Phone = v })},
}

var lineItemFields = []field[generic.LineItem]{
	{Source: "product_id", Target: "product_external_id", Required: true,
		Apply: intField(func(li *generic.LineItem, v int64) { li.ProductExternalID = v })},
	{Source: "num", Target: "quantity",
		Apply: decimalField(func(li *generic.LineItem, v decimal.Decimal) { li.Quantity = v })},
	{Source: "count", Target: "quantity",
		Apply: decimalField(func(li *generic.LineItem, v decimal.Decimal) { li.Quantity = v })},
	{Source: "price", Target: "price",
		Apply: moneyField(func(li *generic.LineItem, v generic.Money) { li.Price = v })},
	{Source: "product_sum", Target: "sum",
		Apply: moneyField(func(li *generic.LineItem, v generic.Money) { li.Sum = v })},
	{Source: "sum", Target: "sum",
		Apply: moneyField(func(li *generic.LineItem, v generic.Money) { li.Sum = v })},
}

// DecodeTransaction maps a getTransactions record. Line items take their
// position from their index in the products array, starting at 1.
func DecodeTransaction(rec Record, loc *time.Location) (TransactionRecord, error) {
	r, err := decode("transaction", "transaction_id", transactionFields, rec, loc)
	if err != nil {
		return r, err
	}
	key := rec.Key("transaction_id")
	if r.Transaction.ExternalID <= 0 {
		return r, &generic.MalformedRecordError{Entity: "transaction", Key: key, Field: "transaction_id", Reason: "must be positive"}
	}
	if r.Transaction.PaidBonus < 0 {
		return r, &generic.MalformedRecordError{Entity: "transaction", Key: key, Field: "payed_bonus", Reason: "negative"}
	}

	raw, ok := rec["products"]
	if !ok || raw == nil {
		return r, nil
	}
	products, ok := raw.([]any)
	if !ok {
		return r, &generic.MalformedRecordError{Entity: "transaction", Key: key, Field: "products", Reason: fmt.Sprintf("expected list, got %T", raw)}
	}
	for i, p := range products {
		item, ok := asRecord(p)
		if !ok {
			return r, &generic.MalformedRecordError{Entity: "transaction", Key: key, Field: fmt.Sprintf("products[%d]", i), Reason: "expected object"}
		}
		li, err := decode("transaction", "product_id", lineItemFields, item, loc)
		if err != nil {
			return r, &generic.MalformedRecordError{Entity: "transaction", Key: key, Field: fmt.Sprintf("products[%d]", i), Reason: err.Error()}
		}
		li.TransactionID = r.Transaction.ExternalID
		li.Position = i + 1
		if li.Price == 0 && !li.Quantity.IsZero() {
			li.Price = generic.Money(decimal.NewFromInt(int64(li.Sum)).Div(li.Quantity).Round(0).IntPart())
		}
		r.Items = append(r.Items, li)
	}
	return r, nil
}

// =============================================================================
// CLIENTS, PRODUCTS, SPOTS
// =============================================================================

// ClientRecord is a decoded client plus the bonus balance Poster reports,
// which is only used as an opening balance.
type ClientRecord struct {
	Client      generic.Client
	PosterBonus generic.Money
}

var clientFields = []field[ClientRecord]{
	{Source: "client_id", Target: "external_id", Required: true,
		Apply: intField(func(r *ClientRecord, v int64) { r.Client.ExternalID = v })},
	{Source: "firstname", Target: "first_name",
		Apply: stringField(func(r *ClientRecord, v string) { r.Client.FirstName = v })},
	{Source: "lastname", Target: "last_name",
		Apply: stringField(func(r *ClientRecord, v string) { r.Client.LastName = v })},
	{Source: "patronymic", Target: "patronymic",
		Apply: stringField(func(r *ClientRecord, v string) { r.Client.Patronymic = v })},
	{Source: "phone", Target: "phone",
		Apply: stringField(func(r *ClientRecord, v string) { r.Client.Phone = v })},
	{Source: "email", Target: "email",
		Apply: stringField(func(r *ClientRecord, v string) { r.Client.Email = v })},
	{Source: "card_number", Target: "card_number",
		Apply: stringField(func(r *ClientRecord, v string) { r.Client.CardNumber = v })},
	{Source: "birthday", Target: "birthday",
		Apply: timeField(func(r *ClientRecord, v *time.Time) { r.Client.Birthday = v })},
	{Source: "client_groups_name", Target: "group_name",
		Apply: stringField(func(r *ClientRecord, v string) { r.Client.GroupName = v })},
	{Source: "bonus", Target: "poster_bonus",
		Apply: moneyField(func(r *ClientRecord, v generic.Money) { r.PosterBonus = v })},
}

func DecodeClient(rec Record, loc *time.Location) (ClientRecord, error) {
	r, err := decode("client", "client_id", clientFields, rec, loc)
	if err != nil {
		return r, err
	}
	if r.Client.ExternalID <= 0 {
		return r, &generic.MalformedRecordError{Entity: "client", Key: rec.Key("client_id"), Field: "client_id", Reason: "must be positive"}
	}
	return r, nil
}

var productFields = []field[generic.Product]{
	{Source: "product_id", Target: "external_id", Required: true,
		Apply: intField(func(p *generic.Product, v int64) { p.ExternalID = v })},
	{Source: "product_name", Target: "name",
		Apply: stringField(func(p *generic.Product, v string) { p.Name = v })},
	{Source: "category_name", Target: "category",
		Apply: stringField(func(p *generic.Product, v string) { p.Category = v })},
	{Source: "hidden", Target: "active",
		Apply: boolField(func(p *generic.Product, hidden bool) { p.Active = !hidden })},
}

func DecodeProduct(rec Record, loc *time.Location) (generic.Product, error) {
	p := generic.Product{Active: true}
	decoded, err := decode("product", "product_id", productFields, rec, loc)
	if err != nil {
		return p, err
	}
	if _, ok := rec["hidden"]; !ok {
		decoded.Active = true
	}
	if decoded.ExternalID <= 0 {
		return p, &generic.MalformedRecordError{Entity: "product", Key: rec.Key("product_id"), Field: "product_id", Reason: "must be positive"}
	}
	return decoded, nil
}

var spotFields = []field[generic.Spot]{
	{Source: "spot_id", Target: "external_id", Required: true,
		Apply: intField(func(s *generic.Spot, v int64) { s.ExternalID = v })},
	{Source: "name", Target: "name",
		Apply: stringField(func(s *generic.Spot, v string) { s.Name = v })},
	{Source: "spot_name", Target: "name",
		Apply: stringField(func(s *generic.Spot, v string) { s.Name = v })},
	{Source: "address", Target: "address",
		Apply: stringField(func(s *generic.Spot, v string) { s.Address = v })},
	{Source: "spot_adress", Target: "address",
		Apply: stringField(func(s *generic.Spot, v string) { s.Address = v })},
}

func DecodeSpot(rec Record, loc *time.Location) (generic.Spot, error) {
	s, err := decode("spot", "spot_id", spotFields, rec, loc)
	if err != nil {
		return s, err
	}
	if s.ExternalID <= 0 {
		return s, &generic.MalformedRecordError{Entity: "spot", Key: rec.Key("spot_id"), Field: "spot_id", Reason: "must be positive"}
	}
	return s, nil
}

func asRecord(v any) (Record, bool) {
	switch m := v.(type) {
	case map[string]any:
		return Record(m), true
	case Record:
		return m, true
	}
	return nil, false
}
