package sqlstore

const sqliteSchema = `
	-- Accounts (registry; cached_balance is a derived value)
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		initial_balance TEXT NOT NULL,
		cached_balance TEXT NOT NULL,
		parent_id TEXT REFERENCES accounts(id),
		active BOOLEAN NOT NULL DEFAULT TRUE,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		refreshed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_parent
		ON accounts(parent_id) WHERE parent_id IS NOT NULL;

	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		direction TEXT NOT NULL CHECK (direction IN ('credit', 'debit')),
		amount TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		category_id TEXT NOT NULL DEFAULT '',
		origin_kind TEXT NOT NULL,
		origin_id TEXT NOT NULL,
		leg TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT ''
	);

	-- CRITICAL: one entry per origin per account (per leg for transfers)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_origin
		ON ledger_entries(account_id, origin_kind, origin_id, leg);

	-- Keyset paging (hot path for balance computation)
	CREATE INDEX IF NOT EXISTS idx_entries_account_order
		ON ledger_entries(account_id, occurred_at, seq);

	-- Invoices
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL DEFAULT '',
		total TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		voided_at TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 0
	);

	-- Payments
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		invoice_id TEXT REFERENCES invoices(id),
		amount TEXT NOT NULL,
		discount TEXT NOT NULL,
		method TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'pending',
		occurred_at TEXT NOT NULL,
		confirmed_at TEXT NOT NULL DEFAULT '',
		voided_at TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_payments_invoice
		ON payments(invoice_id) WHERE invoice_id IS NOT NULL;

	-- Audit runs
	CREATE TABLE IF NOT EXISTS audit_runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		accounts INTEGER NOT NULL DEFAULT 0,
		drifted INTEGER NOT NULL DEFAULT 0,
		total_abs_drift TEXT NOT NULL DEFAULT '0',
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_audit_runs_started
		ON audit_runs(started_at);
`

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		initial_balance TEXT NOT NULL,
		cached_balance TEXT NOT NULL,
		parent_id TEXT REFERENCES accounts(id),
		active BOOLEAN NOT NULL DEFAULT TRUE,
		version BIGINT NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		refreshed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_parent
		ON accounts(parent_id) WHERE parent_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		direction TEXT NOT NULL CHECK (direction IN ('credit', 'debit')),
		amount TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		category_id TEXT NOT NULL DEFAULT '',
		origin_kind TEXT NOT NULL,
		origin_id TEXT NOT NULL,
		leg TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT ''
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_origin
		ON ledger_entries(account_id, origin_kind, origin_id, leg);

	CREATE INDEX IF NOT EXISTS idx_entries_account_order
		ON ledger_entries(account_id, occurred_at, seq);

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL DEFAULT '',
		total TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		voided_at TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		invoice_id TEXT REFERENCES invoices(id),
		amount TEXT NOT NULL,
		discount TEXT NOT NULL,
		method TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'pending',
		occurred_at TEXT NOT NULL,
		confirmed_at TEXT NOT NULL DEFAULT '',
		voided_at TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_payments_invoice
		ON payments(invoice_id) WHERE invoice_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS audit_runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		accounts INTEGER NOT NULL DEFAULT 0,
		drifted INTEGER NOT NULL DEFAULT 0,
		total_abs_drift TEXT NOT NULL DEFAULT '0',
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_audit_runs_started
		ON audit_runs(started_at);
`
