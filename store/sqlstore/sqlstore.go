/*
Package sqlstore provides a SQL-backed implementation of generic.Store.

PURPOSE:
  Implements the local store gateway on database/sql. SQLite
  (mattn/go-sqlite3) is the default; PostgreSQL (lib/pq) uses the same
  statements with $n placeholders and row locks.

KEY TABLES:
  clients, spots, products:  Reference entities keyed by Poster id
  transactions:              Receipts with nullable spot_ref / client_ref
  transaction_line_items:    (transaction_id, line_no) with nullable product_ref
  bonus_ledger:              Append-only ledger entries
  sync_runs:                 Run log

CONSTRAINTS DOING REAL WORK:
  - *_ref columns are FOREIGN KEYs: a ref is NULL or points at a row
  - bonus_ledger(transaction_id, kind) partial UNIQUE index: one EARN and one
    SPEND per transaction even under concurrent writers
  - bonus_ledger(client_id, seq) UNIQUE: no two entries continue the same
    predecessor
  - CHECK (balance_after = balance_before + amount)

CONCURRENCY:
  SQLite runs on a single connection, so units of work are serialized.
  PostgreSQL locks the client row with SELECT ... FOR UPDATE.

USAGE:
  store, err := sqlstore.New("sqlite3", "./data/loyalty.db")
  if err != nil {
      return err
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). Statements are idempotent.

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/loyalty-engine/generic"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// rebind rewrites ? placeholders to $1..$n for PostgreSQL.
func (d dialect) rebind(q string) string {
	if d != dialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs dialect-aware statements on a db or a tx. The read side of
// generic.Reader is implemented once on conn.
type conn struct {
	q       querier
	dialect dialect
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.dialect.rebind(query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.dialect.rebind(query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.dialect.rebind(query), args...)
}

// =============================================================================
// STORE
// =============================================================================

// Store implements generic.Store.
type Store struct {
	conn
	db *sql.DB
}

var _ generic.Store = (*Store)(nil)

// New opens a store. For SQLite, dsn is a file path or ":memory:".
func New(driver, dsn string) (*Store, error) {
	var d dialect
	switch driver {
	case DriverSQLite:
		d = dialectSQLite
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	case DriverPostgres:
		d = dialectPostgres
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d == dialectSQLite {
		// One connection: serializes writers and keeps a :memory: database alive.
		db.SetMaxOpenConns(1)
	}

	store := &Store{conn: conn{q: db, dialect: d}, db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.exec(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(generic.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{conn: conn{q: sqlTx, dialect: s.dialect}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore implements generic.Tx on a *sql.Tx.
type txStore struct {
	conn
}

var _ generic.Tx = (*txStore)(nil)

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("stored time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullRef(ref *int64) sql.NullInt64 {
	if ref == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ref, Valid: true}
}

func refFrom(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	return generic.Ref(n.Int64)
}

// isUniqueViolation recognizes unique-constraint failures of both drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
