package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/generic"
)

// =============================================================================
// CLIENTS
// =============================================================================

const clientColumns = `external_id, first_name, last_name, patronymic, phone, email,
	card_number, birthday, group_name, bonus_balance, created_at, updated_at`

func scanClient(row interface{ Scan(...any) error }) (*generic.Client, error) {
	var c generic.Client
	var birthday sql.NullString
	var balance int64
	var createdAt, updatedAt string
	err := row.Scan(&c.ExternalID, &c.FirstName, &c.LastName, &c.Patronymic, &c.Phone, &c.Email,
		&c.CardNumber, &birthday, &c.GroupName, &balance, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.Balance = generic.Money(balance)
	if c.Birthday, err = parseTimePtr(birthday); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c conn) GetClient(ctx context.Context, id int64) (*generic.Client, error) {
	client, err := scanClient(c.queryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE external_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get client %d: %w", id, err)
	}
	return client, nil
}

// LockClient reads the client row and, on PostgreSQL, locks it until the
// transaction ends. SQLite transactions are already serialized.
func (t *txStore) LockClient(ctx context.Context, id int64) (*generic.Client, error) {
	q := `SELECT ` + clientColumns + ` FROM clients WHERE external_id = ?`
	if t.dialect == dialectPostgres {
		q += ` FOR UPDATE`
	}
	client, err := scanClient(t.queryRow(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock client %d: %w", id, err)
	}
	return client, nil
}

// SaveClient upserts the profile. bonus_balance is set to 0 on insert and
// never touched on update.
func (t *txStore) SaveClient(ctx context.Context, c generic.Client) error {
	now := formatTime(time.Now())
	_, err := t.exec(ctx, `
		INSERT INTO clients (`+clientColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			patronymic = excluded.patronymic,
			phone = excluded.phone,
			email = excluded.email,
			card_number = excluded.card_number,
			birthday = excluded.birthday,
			group_name = excluded.group_name,
			updated_at = excluded.updated_at`,
		c.ExternalID, c.FirstName, c.LastName, c.Patronymic, c.Phone, c.Email,
		c.CardNumber, formatTimePtr(c.Birthday), c.GroupName, now, now)
	if err != nil {
		return fmt.Errorf("save client %d: %w", c.ExternalID, err)
	}
	return nil
}

func (t *txStore) SetClientBalance(ctx context.Context, id int64, balance generic.Money) error {
	res, err := t.exec(ctx, `UPDATE clients SET bonus_balance = ?, updated_at = ? WHERE external_id = ?`,
		int64(balance), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set balance of client %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set balance of client %d: %w", id, generic.ErrClientNotFound)
	}
	return nil
}

// =============================================================================
// SPOTS AND PRODUCTS
// =============================================================================

func (c conn) GetSpot(ctx context.Context, id int64) (*generic.Spot, error) {
	var s generic.Spot
	var createdAt, updatedAt string
	err := c.queryRow(ctx, `SELECT external_id, name, address, created_at, updated_at FROM spots WHERE external_id = ?`, id).
		Scan(&s.ExternalID, &s.Name, &s.Address, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get spot %d: %w", id, err)
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *txStore) SaveSpot(ctx context.Context, s generic.Spot) error {
	now := formatTime(time.Now())
	_, err := t.exec(ctx, `
		INSERT INTO spots (external_id, name, address, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			updated_at = excluded.updated_at`,
		s.ExternalID, s.Name, s.Address, now, now)
	if err != nil {
		return fmt.Errorf("save spot %d: %w", s.ExternalID, err)
	}
	return nil
}

func (c conn) GetProduct(ctx context.Context, id int64) (*generic.Product, error) {
	var p generic.Product
	var createdAt, updatedAt string
	err := c.queryRow(ctx, `SELECT external_id, name, category, active, created_at, updated_at FROM products WHERE external_id = ?`, id).
		Scan(&p.ExternalID, &p.Name, &p.Category, &p.Active, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get product %d: %w", id, err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *txStore) SaveProduct(ctx context.Context, p generic.Product) error {
	now := formatTime(time.Now())
	_, err := t.exec(ctx, `
		INSERT INTO products (external_id, name, category, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		p.ExternalID, p.Name, p.Category, p.Active, now, now)
	if err != nil {
		return fmt.Errorf("save product %d: %w", p.ExternalID, err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONS AND LINE ITEMS
// =============================================================================

func (c conn) GetTransaction(ctx context.Context, id int64) (*generic.Transaction, error) {
	var t generic.Transaction
	var spotRef, clientRef sql.NullInt64
	var total, paidSum, paidBonus int64
	var percent string
	var closedAt sql.NullString
	var createdAt, updatedAt string
	err := c.queryRow(ctx, `
		SELECT external_id, spot_id, client_id, spot_ref, client_ref, total, paid_sum, paid_bonus,
			bonus_percent, status, pay_type, closed_at, created_at, updated_at
		FROM transactions WHERE external_id = ?`, id).
		Scan(&t.ExternalID, &t.SpotExternalID, &t.ClientExternalID, &spotRef, &clientRef,
			&total, &paidSum, &paidBonus, &percent, &t.Status, &t.PayType, &closedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %d: %w", id, err)
	}
	t.SpotRef = refFrom(spotRef)
	t.ClientRef = refFrom(clientRef)
	t.Sum = generic.Money(total)
	t.PaidSum = generic.Money(paidSum)
	t.PaidBonus = generic.Money(paidBonus)
	if t.BonusPercent, err = generic.ParsePercent(percent); err != nil {
		return nil, err
	}
	if t.ClosedAt, err = parseTimePtr(closedAt); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// SaveTransaction upserts by external id. The caller decides the refs; a
// non-NULL stored ref is kept when the new value is NULL.
func (t *txStore) SaveTransaction(ctx context.Context, tr generic.Transaction) error {
	now := formatTime(time.Now())
	_, err := t.exec(ctx, `
		INSERT INTO transactions (external_id, spot_id, client_id, spot_ref, client_ref, total, paid_sum,
			paid_bonus, bonus_percent, status, pay_type, closed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			client_id = excluded.client_id,
			spot_ref = COALESCE(transactions.spot_ref, excluded.spot_ref),
			client_ref = COALESCE(transactions.client_ref, excluded.client_ref),
			total = excluded.total,
			paid_sum = excluded.paid_sum,
			paid_bonus = excluded.paid_bonus,
			bonus_percent = excluded.bonus_percent,
			status = excluded.status,
			pay_type = excluded.pay_type,
			closed_at = excluded.closed_at,
			updated_at = excluded.updated_at`,
		tr.ExternalID, tr.SpotExternalID, tr.ClientExternalID, nullRef(tr.SpotRef), nullRef(tr.ClientRef),
		int64(tr.Sum), int64(tr.PaidSum), int64(tr.PaidBonus), tr.BonusPercent.String(),
		tr.Status, tr.PayType, formatTimePtr(tr.ClosedAt), now, now)
	if err != nil {
		return fmt.Errorf("save transaction %d: %w", tr.ExternalID, err)
	}
	return nil
}

func (c conn) LineItems(ctx context.Context, transactionID int64) ([]generic.LineItem, error) {
	rows, err := c.query(ctx, `
		SELECT transaction_id, line_no, product_id, product_ref, quantity, price, total
		FROM transaction_line_items WHERE transaction_id = ? ORDER BY line_no`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("line items of %d: %w", transactionID, err)
	}
	defer rows.Close()

	var items []generic.LineItem
	for rows.Next() {
		var li generic.LineItem
		var productRef sql.NullInt64
		var quantity string
		var price, total int64
		if err := rows.Scan(&li.TransactionID, &li.Position, &li.ProductExternalID, &productRef, &quantity, &price, &total); err != nil {
			return nil, err
		}
		li.ProductRef = refFrom(productRef)
		if li.Quantity, err = decimal.NewFromString(quantity); err != nil {
			return nil, fmt.Errorf("line item %d/%d quantity %q: %w", li.TransactionID, li.Position, quantity, err)
		}
		li.Price = generic.Money(price)
		li.Sum = generic.Money(total)
		items = append(items, li)
	}
	return items, rows.Err()
}

func (t *txStore) SaveLineItem(ctx context.Context, li generic.LineItem) error {
	_, err := t.exec(ctx, `
		INSERT INTO transaction_line_items (transaction_id, line_no, product_id, product_ref, quantity, price, total)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id, line_no) DO UPDATE SET
			product_id = excluded.product_id,
			product_ref = COALESCE(transaction_line_items.product_ref, excluded.product_ref),
			quantity = excluded.quantity,
			price = excluded.price,
			total = excluded.total`,
		li.TransactionID, li.Position, li.ProductExternalID, nullRef(li.ProductRef),
		li.Quantity.String(), int64(li.Price), int64(li.Sum))
	if err != nil {
		return fmt.Errorf("save line item %d/%d: %w", li.TransactionID, li.Position, err)
	}
	return nil
}
