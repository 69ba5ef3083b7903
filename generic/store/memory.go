// Package store provides an in-memory generic.Store for tests.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for tests)
// =============================================================================

// Memory keeps every table in maps. WithTx works on a copy that replaces the
// live data only when fn succeeds, so a failed unit of work leaves no trace.
// The copy makes every unit of work O(store size); use sqlstore with SQLite
// for anything larger than a test fixture.
type Memory struct {
	mu   sync.RWMutex
	data *memData
	runs map[string]generic.SyncRun

	// Fail, when set, is consulted before every write; a non-nil result is
	// returned as the write's error. Tests use it to simulate store failures.
	Fail func(op string) error
}

type itemKey struct {
	tx  int64
	pos int
}

type entryKey struct {
	tx   int64
	kind generic.EntryKind
}

type memData struct {
	clients      map[int64]generic.Client
	spots        map[int64]generic.Spot
	products     map[int64]generic.Product
	transactions map[int64]generic.Transaction
	items        map[itemKey]generic.LineItem
	entries      map[int64][]generic.LedgerEntry // by client, Seq order
	byTxKind     map[entryKey]generic.LedgerEntry
}

var _ generic.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		data: &memData{
			clients:      make(map[int64]generic.Client),
			spots:        make(map[int64]generic.Spot),
			products:     make(map[int64]generic.Product),
			transactions: make(map[int64]generic.Transaction),
			items:        make(map[itemKey]generic.LineItem),
			entries:      make(map[int64][]generic.LedgerEntry),
			byTxKind:     make(map[entryKey]generic.LedgerEntry),
		},
		runs: make(map[string]generic.SyncRun),
	}
}

func (d *memData) clone() *memData {
	c := &memData{
		clients:      make(map[int64]generic.Client, len(d.clients)),
		spots:        make(map[int64]generic.Spot, len(d.spots)),
		products:     make(map[int64]generic.Product, len(d.products)),
		transactions: make(map[int64]generic.Transaction, len(d.transactions)),
		items:        make(map[itemKey]generic.LineItem, len(d.items)),
		entries:      make(map[int64][]generic.LedgerEntry, len(d.entries)),
		byTxKind:     make(map[entryKey]generic.LedgerEntry, len(d.byTxKind)),
	}
	for k, v := range d.clients {
		c.clients[k] = v
	}
	for k, v := range d.spots {
		c.spots[k] = v
	}
	for k, v := range d.products {
		c.products[k] = v
	}
	for k, v := range d.transactions {
		c.transactions[k] = v
	}
	for k, v := range d.items {
		c.items[k] = v
	}
	for k, v := range d.entries {
		c.entries[k] = append([]generic.LedgerEntry(nil), v...)
	}
	for k, v := range d.byTxKind {
		c.byTxKind[k] = v
	}
	return c
}

// =============================================================================
// READS
// =============================================================================

func (d *memData) getClient(id int64) *generic.Client {
	if c, ok := d.clients[id]; ok {
		return &c
	}
	return nil
}

func (d *memData) getSpot(id int64) *generic.Spot {
	if s, ok := d.spots[id]; ok {
		return &s
	}
	return nil
}

func (d *memData) getProduct(id int64) *generic.Product {
	if p, ok := d.products[id]; ok {
		return &p
	}
	return nil
}

func (d *memData) getTransaction(id int64) *generic.Transaction {
	if t, ok := d.transactions[id]; ok {
		return &t
	}
	return nil
}

func (d *memData) lineItems(txID int64) []generic.LineItem {
	var out []generic.LineItem
	for k, li := range d.items {
		if k.tx == txID {
			out = append(out, li)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func (d *memData) lastEntry(clientID int64) *generic.LedgerEntry {
	es := d.entries[clientID]
	if len(es) == 0 {
		return nil
	}
	e := es[len(es)-1]
	return &e
}

func (d *memData) entryFor(txID int64, kind generic.EntryKind) *generic.LedgerEntry {
	if e, ok := d.byTxKind[entryKey{txID, kind}]; ok {
		return &e
	}
	return nil
}

func (m *Memory) GetClient(_ context.Context, id int64) (*generic.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.getClient(id), nil
}

func (m *Memory) GetSpot(_ context.Context, id int64) (*generic.Spot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.getSpot(id), nil
}

func (m *Memory) GetProduct(_ context.Context, id int64) (*generic.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.getProduct(id), nil
}

func (m *Memory) GetTransaction(_ context.Context, id int64) (*generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.getTransaction(id), nil
}

func (m *Memory) LineItems(_ context.Context, txID int64) ([]generic.LineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.lineItems(txID), nil
}

func (m *Memory) Entries(_ context.Context, clientID int64) ([]generic.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]generic.LedgerEntry(nil), m.data.entries[clientID]...), nil
}

func (m *Memory) LastEntry(_ context.Context, clientID int64) (*generic.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.lastEntry(clientID), nil
}

func (m *Memory) EntryFor(_ context.Context, txID int64, kind generic.EntryKind) (*generic.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.entryFor(txID, kind), nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn against a private copy. Units of work are serialized.
func (m *Memory) WithTx(ctx context.Context, fn func(generic.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{data: m.data.clone(), fail: m.Fail}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.data = tx.data
	return nil
}

type memTx struct {
	data *memData
	fail func(op string) error
}

func (t *memTx) check(op string) error {
	if t.fail != nil {
		return t.fail(op)
	}
	return nil
}

func (t *memTx) GetClient(_ context.Context, id int64) (*generic.Client, error) {
	return t.data.getClient(id), nil
}

func (t *memTx) GetSpot(_ context.Context, id int64) (*generic.Spot, error) {
	return t.data.getSpot(id), nil
}

func (t *memTx) GetProduct(_ context.Context, id int64) (*generic.Product, error) {
	return t.data.getProduct(id), nil
}

func (t *memTx) GetTransaction(_ context.Context, id int64) (*generic.Transaction, error) {
	return t.data.getTransaction(id), nil
}

func (t *memTx) LineItems(_ context.Context, txID int64) ([]generic.LineItem, error) {
	return t.data.lineItems(txID), nil
}

func (t *memTx) Entries(_ context.Context, clientID int64) ([]generic.LedgerEntry, error) {
	return append([]generic.LedgerEntry(nil), t.data.entries[clientID]...), nil
}

func (t *memTx) LastEntry(_ context.Context, clientID int64) (*generic.LedgerEntry, error) {
	return t.data.lastEntry(clientID), nil
}

func (t *memTx) EntryFor(_ context.Context, txID int64, kind generic.EntryKind) (*generic.LedgerEntry, error) {
	return t.data.entryFor(txID, kind), nil
}

// LockClient needs no extra work: the whole unit of work holds the store lock.
func (t *memTx) LockClient(_ context.Context, id int64) (*generic.Client, error) {
	return t.data.getClient(id), nil
}

func (t *memTx) SaveClient(_ context.Context, c generic.Client) error {
	if err := t.check("save_client"); err != nil {
		return err
	}
	now := time.Now().UTC()
	if old, ok := t.data.clients[c.ExternalID]; ok {
		c.Balance = old.Balance
		c.CreatedAt = old.CreatedAt
	} else {
		c.Balance = 0
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	t.data.clients[c.ExternalID] = c
	return nil
}

func (t *memTx) SaveSpot(_ context.Context, s generic.Spot) error {
	if err := t.check("save_spot"); err != nil {
		return err
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	if old, ok := t.data.spots[s.ExternalID]; ok {
		s.CreatedAt = old.CreatedAt
	}
	s.UpdatedAt = now
	t.data.spots[s.ExternalID] = s
	return nil
}

func (t *memTx) SaveProduct(_ context.Context, p generic.Product) error {
	if err := t.check("save_product"); err != nil {
		return err
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	if old, ok := t.data.products[p.ExternalID]; ok {
		p.CreatedAt = old.CreatedAt
	}
	p.UpdatedAt = now
	t.data.products[p.ExternalID] = p
	return nil
}

func (t *memTx) SaveTransaction(_ context.Context, tr generic.Transaction) error {
	if err := t.check("save_transaction"); err != nil {
		return err
	}
	if tr.SpotRef != nil {
		if _, ok := t.data.spots[*tr.SpotRef]; !ok {
			return fmt.Errorf("transaction %d: spot ref %d: foreign key violation", tr.ExternalID, *tr.SpotRef)
		}
	}
	if tr.ClientRef != nil {
		if _, ok := t.data.clients[*tr.ClientRef]; !ok {
			return fmt.Errorf("transaction %d: client ref %d: foreign key violation", tr.ExternalID, *tr.ClientRef)
		}
	}
	now := time.Now().UTC()
	tr.CreatedAt = now
	if old, ok := t.data.transactions[tr.ExternalID]; ok {
		tr.CreatedAt = old.CreatedAt
		if tr.SpotRef == nil {
			tr.SpotRef = old.SpotRef
		}
		if tr.ClientRef == nil {
			tr.ClientRef = old.ClientRef
		}
		tr.SpotExternalID = old.SpotExternalID
	}
	tr.UpdatedAt = now
	t.data.transactions[tr.ExternalID] = tr
	return nil
}

func (t *memTx) SaveLineItem(_ context.Context, li generic.LineItem) error {
	if err := t.check("save_line_item"); err != nil {
		return err
	}
	if _, ok := t.data.transactions[li.TransactionID]; !ok {
		return fmt.Errorf("line item %d/%d: transaction: foreign key violation", li.TransactionID, li.Position)
	}
	if li.ProductRef != nil {
		if _, ok := t.data.products[*li.ProductRef]; !ok {
			return fmt.Errorf("line item %d/%d: product ref %d: foreign key violation", li.TransactionID, li.Position, *li.ProductRef)
		}
	}
	k := itemKey{li.TransactionID, li.Position}
	if old, ok := t.data.items[k]; ok && li.ProductRef == nil {
		li.ProductRef = old.ProductRef
	}
	t.data.items[k] = li
	return nil
}

func (t *memTx) SetClientBalance(_ context.Context, id int64, balance generic.Money) error {
	if err := t.check("set_balance"); err != nil {
		return err
	}
	c, ok := t.data.clients[id]
	if !ok {
		return fmt.Errorf("client %d: %w", id, generic.ErrClientNotFound)
	}
	c.Balance = balance
	c.UpdatedAt = time.Now().UTC()
	t.data.clients[id] = c
	return nil
}

func (t *memTx) AppendEntry(_ context.Context, e generic.LedgerEntry) error {
	if err := t.check("append_entry"); err != nil {
		return err
	}
	if _, ok := t.data.clients[e.ClientID]; !ok {
		return fmt.Errorf("entry for client %d: %w", e.ClientID, generic.ErrClientNotFound)
	}
	if !e.Consistent() {
		return fmt.Errorf("entry %s: balance_after != balance_before + amount", e.ID)
	}
	prev := t.data.entries[e.ClientID]
	if int64(len(prev))+1 != e.Seq {
		return fmt.Errorf("entry seq %d for client %d: %w", e.Seq, e.ClientID, generic.ErrConcurrentModification)
	}
	if e.TransactionID != nil {
		k := entryKey{*e.TransactionID, e.Kind}
		if _, dup := t.data.byTxKind[k]; dup {
			return fmt.Errorf("%s for transaction %d: %w", e.Kind, *e.TransactionID, generic.ErrConcurrentModification)
		}
		t.data.byTxKind[k] = e
	}
	t.data.entries[e.ClientID] = append(prev, e)
	return nil
}

// =============================================================================
// BACKFILL
// =============================================================================

func (t *memTx) BackfillSpots(_ context.Context) (int64, error) {
	if err := t.check("backfill_spots"); err != nil {
		return 0, err
	}
	var n int64
	for id, tr := range t.data.transactions {
		if tr.SpotRef != nil || tr.SpotExternalID <= 0 {
			continue
		}
		if _, ok := t.data.spots[tr.SpotExternalID]; ok {
			tr.SpotRef = generic.Ref(tr.SpotExternalID)
			t.data.transactions[id] = tr
			n++
		}
	}
	return n, nil
}

func (t *memTx) BackfillClients(_ context.Context) ([]int64, error) {
	if err := t.check("backfill_clients"); err != nil {
		return nil, err
	}
	var linked []int64
	for id, tr := range t.data.transactions {
		if tr.ClientRef != nil || tr.ClientExternalID <= 0 {
			continue
		}
		if _, ok := t.data.clients[tr.ClientExternalID]; ok {
			tr.ClientRef = generic.Ref(tr.ClientExternalID)
			t.data.transactions[id] = tr
			linked = append(linked, id)
		}
	}
	sort.Slice(linked, func(i, j int) bool { return linked[i] < linked[j] })
	return linked, nil
}

func (t *memTx) BackfillProducts(_ context.Context) (int64, error) {
	if err := t.check("backfill_products"); err != nil {
		return 0, err
	}
	var n int64
	for k, li := range t.data.items {
		if li.ProductRef != nil || li.ProductExternalID <= 0 {
			continue
		}
		if _, ok := t.data.products[li.ProductExternalID]; ok {
			li.ProductRef = generic.Ref(li.ProductExternalID)
			t.data.items[k] = li
			n++
		}
	}
	return n, nil
}

// =============================================================================
// RUN LOG AND CHECKS
// =============================================================================

func (m *Memory) SaveRun(_ context.Context, run generic.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		if err := m.Fail("save_run"); err != nil {
			return err
		}
	}
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) RecentRuns(_ context.Context, f generic.RunFilter) ([]generic.SyncRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []generic.SyncRun
	for _, r := range m.runs {
		if f.Kind != "" && r.Kind != f.Kind {
			continue
		}
		if f.Since != nil && r.StartedAt.Before(*f.Since) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) BalanceMismatches(_ context.Context) ([]generic.BalanceMismatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []generic.BalanceMismatch
	for id, c := range m.data.clients {
		sum := generic.SumAmounts(m.data.entries[id])
		if sum != c.Balance {
			out = append(out, generic.BalanceMismatch{ClientID: id, Balance: c.Balance, LedgerSum: sum})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

func (m *Memory) LedgerClientIDs(_ context.Context) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []int64
	for id, es := range m.data.entries {
		if len(es) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
