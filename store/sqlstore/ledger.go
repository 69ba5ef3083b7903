package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/loyalty-engine/generic"
)

// =============================================================================
// BONUS LEDGER (append-only)
// =============================================================================

const entryColumns = `id, client_id, transaction_id, seq, kind, amount, balance_before, balance_after,
	gross_amount, bonus_percent, description, actor, processed_at`

func scanEntry(row interface{ Scan(...any) error }) (*generic.LedgerEntry, error) {
	var e generic.LedgerEntry
	var txID, gross sql.NullInt64
	var percent sql.NullString
	var kind, processedAt string
	var amount, before, after int64
	err := row.Scan(&e.ID, &e.ClientID, &txID, &e.Seq, &kind, &amount, &before, &after,
		&gross, &percent, &e.Description, &e.Actor, &processedAt)
	if err != nil {
		return nil, err
	}
	e.TransactionID = refFrom(txID)
	e.Kind = generic.EntryKind(kind)
	e.Amount = generic.Money(amount)
	e.BalanceBefore = generic.Money(before)
	e.BalanceAfter = generic.Money(after)
	if gross.Valid {
		g := generic.Money(gross.Int64)
		e.GrossAmount = &g
	}
	if percent.Valid {
		p, err := generic.ParsePercent(percent.String)
		if err != nil {
			return nil, err
		}
		e.BonusPercent = &p
	}
	if e.ProcessedAt, err = parseTime(processedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c conn) Entries(ctx context.Context, clientID int64) ([]generic.LedgerEntry, error) {
	rows, err := c.query(ctx, `SELECT `+entryColumns+` FROM bonus_ledger WHERE client_id = ? ORDER BY seq`, clientID)
	if err != nil {
		return nil, fmt.Errorf("ledger of client %d: %w", clientID, err)
	}
	defer rows.Close()

	var entries []generic.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (c conn) LastEntry(ctx context.Context, clientID int64) (*generic.LedgerEntry, error) {
	e, err := scanEntry(c.queryRow(ctx,
		`SELECT `+entryColumns+` FROM bonus_ledger WHERE client_id = ? ORDER BY seq DESC LIMIT 1`, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last entry of client %d: %w", clientID, err)
	}
	return e, nil
}

func (c conn) EntryFor(ctx context.Context, transactionID int64, kind generic.EntryKind) (*generic.LedgerEntry, error) {
	e, err := scanEntry(c.queryRow(ctx,
		`SELECT `+entryColumns+` FROM bonus_ledger WHERE transaction_id = ? AND kind = ?`, transactionID, string(kind)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s entry of transaction %d: %w", kind, transactionID, err)
	}
	return e, nil
}

// AppendEntry inserts an entry. Unique violations mean another writer got
// there first and are reported as ErrConcurrentModification.
func (t *txStore) AppendEntry(ctx context.Context, e generic.LedgerEntry) error {
	var gross sql.NullInt64
	if e.GrossAmount != nil {
		gross = sql.NullInt64{Int64: int64(*e.GrossAmount), Valid: true}
	}
	var percent sql.NullString
	if e.BonusPercent != nil {
		percent = sql.NullString{String: e.BonusPercent.String(), Valid: true}
	}
	_, err := t.exec(ctx, `INSERT INTO bonus_ledger (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ClientID, nullRef(e.TransactionID), e.Seq, string(e.Kind), int64(e.Amount),
		int64(e.BalanceBefore), int64(e.BalanceAfter), gross, percent, e.Description, e.Actor,
		formatTime(e.ProcessedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("append %s entry for client %d: %w", e.Kind, e.ClientID, generic.ErrConcurrentModification)
		}
		return fmt.Errorf("append %s entry for client %d: %w", e.Kind, e.ClientID, err)
	}
	return nil
}

// =============================================================================
// RECONCILIATION QUERIES
// =============================================================================

func (s *Store) BalanceMismatches(ctx context.Context) ([]generic.BalanceMismatch, error) {
	rows, err := s.query(ctx, `
		SELECT c.external_id, c.bonus_balance, COALESCE(SUM(l.amount), 0)
		FROM clients c
		LEFT JOIN bonus_ledger l ON l.client_id = c.external_id
		GROUP BY c.external_id, c.bonus_balance
		HAVING c.bonus_balance <> COALESCE(SUM(l.amount), 0)
		ORDER BY c.external_id`)
	if err != nil {
		return nil, fmt.Errorf("balance mismatches: %w", err)
	}
	defer rows.Close()

	var out []generic.BalanceMismatch
	for rows.Next() {
		var m generic.BalanceMismatch
		var balance, sum int64
		if err := rows.Scan(&m.ClientID, &balance, &sum); err != nil {
			return nil, err
		}
		m.Balance = generic.Money(balance)
		m.LedgerSum = generic.Money(sum)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) LedgerClientIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.query(ctx, `SELECT DISTINCT client_id FROM bonus_ledger ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("ledger clients: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// FOREIGN KEY BACKFILL
// =============================================================================

// Each statement only touches NULL refs whose target row exists, so running
// it twice is a no-op and a non-NULL ref is never overwritten.

func (t *txStore) BackfillSpots(ctx context.Context) (int64, error) {
	res, err := t.exec(ctx, `
		UPDATE transactions SET spot_ref = spot_id
		WHERE spot_ref IS NULL AND spot_id > 0
			AND EXISTS (SELECT 1 FROM spots s WHERE s.external_id = transactions.spot_id)`)
	if err != nil {
		return 0, fmt.Errorf("backfill transaction spots: %w", err)
	}
	return res.RowsAffected()
}

func (t *txStore) BackfillClients(ctx context.Context) ([]int64, error) {
	const pending = `client_ref IS NULL AND client_id > 0
		AND EXISTS (SELECT 1 FROM clients c WHERE c.external_id = transactions.client_id)`

	rows, err := t.query(ctx, `SELECT external_id FROM transactions WHERE `+pending+` ORDER BY external_id`)
	if err != nil {
		return nil, fmt.Errorf("backfill transaction clients: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := t.exec(ctx, `UPDATE transactions SET client_ref = client_id WHERE `+pending); err != nil {
		return nil, fmt.Errorf("backfill transaction clients: %w", err)
	}
	return ids, nil
}

func (t *txStore) BackfillProducts(ctx context.Context) (int64, error) {
	res, err := t.exec(ctx, `
		UPDATE transaction_line_items SET product_ref = product_id
		WHERE product_ref IS NULL AND product_id > 0
			AND EXISTS (SELECT 1 FROM products p WHERE p.external_id = transaction_line_items.product_id)`)
	if err != nil {
		return 0, fmt.Errorf("backfill line item products: %w", err)
	}
	return res.RowsAffected()
}
