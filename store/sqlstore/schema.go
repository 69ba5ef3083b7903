package sqlstore

// schema is applied in order on every New. Types and syntax are the common
// subset of SQLite and PostgreSQL.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		external_id BIGINT PRIMARY KEY,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		patronymic TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		card_number TEXT NOT NULL DEFAULT '',
		birthday TEXT,
		group_name TEXT NOT NULL DEFAULT '',
		bonus_balance BIGINT NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_clients_phone ON clients(phone)`,

	`CREATE TABLE IF NOT EXISTS spots (
		external_id BIGINT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS products (
		external_id BIGINT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS transactions (
		external_id BIGINT PRIMARY KEY,
		spot_id BIGINT NOT NULL DEFAULT 0,
		client_id BIGINT NOT NULL DEFAULT 0,
		spot_ref BIGINT REFERENCES spots(external_id),
		client_ref BIGINT REFERENCES clients(external_id),
		total BIGINT NOT NULL DEFAULT 0,
		paid_sum BIGINT NOT NULL DEFAULT 0,
		paid_bonus BIGINT NOT NULL DEFAULT 0,
		bonus_percent TEXT NOT NULL DEFAULT '0',
		status INTEGER NOT NULL DEFAULT 0,
		pay_type INTEGER NOT NULL DEFAULT 0,
		closed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	// Backfill candidates only.
	`CREATE INDEX IF NOT EXISTS idx_transactions_spot_pending
		ON transactions(spot_id) WHERE spot_ref IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_client_pending
		ON transactions(client_id) WHERE client_ref IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_closed_at ON transactions(closed_at)`,

	`CREATE TABLE IF NOT EXISTS transaction_line_items (
		transaction_id BIGINT NOT NULL REFERENCES transactions(external_id),
		line_no INTEGER NOT NULL,
		product_id BIGINT NOT NULL DEFAULT 0,
		product_ref BIGINT REFERENCES products(external_id),
		quantity TEXT NOT NULL DEFAULT '0',
		price BIGINT NOT NULL DEFAULT 0,
		total BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (transaction_id, line_no)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_line_items_product_pending
		ON transaction_line_items(product_id) WHERE product_ref IS NULL`,

	`CREATE TABLE IF NOT EXISTS bonus_ledger (
		id TEXT PRIMARY KEY,
		client_id BIGINT NOT NULL REFERENCES clients(external_id),
		transaction_id BIGINT REFERENCES transactions(external_id),
		seq BIGINT NOT NULL,
		kind TEXT NOT NULL,
		amount BIGINT NOT NULL,
		balance_before BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		gross_amount BIGINT,
		bonus_percent TEXT,
		description TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		processed_at TEXT NOT NULL,
		UNIQUE (client_id, seq),
		CHECK (balance_after = balance_before + amount),
		CHECK (kind IN ('EARN', 'SPEND', 'ADJUST', 'EXPIRE'))
	)`,
	// One EARN and one SPEND per transaction.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_bonus_ledger_tx_kind
		ON bonus_ledger(transaction_id, kind) WHERE transaction_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		window_from TEXT,
		window_to TEXT,
		endpoint TEXT NOT NULL DEFAULT '',
		pages INTEGER NOT NULL DEFAULT 0,
		processed INTEGER NOT NULL DEFAULT 0,
		succeeded INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		created INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		unchanged INTEGER NOT NULL DEFAULT 0,
		ledger_applied INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		error_details TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_runs_kind_started ON sync_runs(kind, started_at)`,
}
