/*
Package sqlstore provides SQL-backed implementations of the ledger, audit-run
and invoicing stores.

PURPOSE:
  One Store type serves two dialects:
    sqlite3  mattn/go-sqlite3, for single-node deployments, dev and tests
    pgx      jackc/pgx/v5 via database/sql, for PostgreSQL

  Queries are written once with "?" placeholders and rebound to $n for
  PostgreSQL. Only the schema differs.

INTERFACES IMPLEMENTED:
  ledger.Store:         accounts + append-only entries
  ledger.AuditRunStore: audit sweep history
  invoicing.Store:      invoice and payment records

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on ledger_entries
  - No DELETE statements on ledger_entries
  - Corrections are compensating entries only

KEY TABLES:
  accounts:        registry rows; version guards cached_balance writes
  ledger_entries:  immutable entries, seq is the insertion order
  invoices:        collaborator data for the demo server
  payments:        collaborator data for the demo server
  audit_runs:      one row per audit sweep

INDEXES:
  - idx_entries_origin (UNIQUE): one entry per (account, origin kind,
    origin id, leg). This is the dedup rule; nothing checks it in Go.
  - idx_entries_account_order: keyset paging by (occurred_at, seq)

ENCODING:
  Amounts are stored as decimal text and never touched by SQL arithmetic.
  Timestamps are fixed-width UTC text, so text order is time order in both
  dialects.

SQLITE:
  Opened with WAL and a busy timeout, and limited to one connection so a
  write transaction never waits on a second connection of the same process.

USAGE:
  store, err := sqlstore.Open("sqlite3", "./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  journal := ledger.NewJournal(store)

SEE ALSO:
  - ledger/store.go: interface definitions
  - ledger/store/memory.go: in-memory implementation
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/logging"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Store implements the persistence interfaces over database/sql.
type Store struct {
	db     *sql.DB
	driver string
	log    zerolog.Logger
}

var (
	_ ledger.Store         = (*Store)(nil)
	_ ledger.AuditRunStore = (*Store)(nil)
)

// New opens a SQLite store. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	return Open(DriverSQLite, dbPath)
}

// Open connects to the database and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, driver: driver, log: logging.WithComponent("sqlstore")}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	s.log.Debug().Str("driver", driver).Msg("database ready")
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity, for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.driver == DriverPostgres {
		schema = postgresSchema
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// ACCOUNT STORE
// =============================================================================

const accountColumns = `id, kind, name, initial_balance, cached_balance, parent_id, active, version, created_at, refreshed_at`

func (s *Store) InsertAccount(ctx context.Context, a ledger.Account) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		string(a.ID),
		string(a.Kind),
		a.Name,
		a.InitialBalance.String(),
		a.CachedBalance.String(),
		nullString(string(a.ParentID)),
		a.Active,
		a.Version,
		formatTime(a.CreatedAt),
		formatTime(a.RefreshedAt),
	)
	if err != nil {
		if s.isUniqueViolation(err) {
			return &ledger.ValidationError{Field: "id", Message: "account " + string(a.ID) + " already exists"}
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), string(id))
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

func (s *Store) ListAccounts(ctx context.Context, f ledger.AccountFilter) ([]ledger.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE 1 = 1`
	var args []any
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if f.ParentID != "" {
		query += ` AND parent_id = ?`
		args = append(args, string(f.ParentID))
	}
	if f.ActiveOnly {
		query += ` AND active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateCachedBalance is a single compare-and-set on the version column.
func (s *Store) UpdateCachedBalance(ctx context.Context, id ledger.AccountID, balance decimal.Decimal, expectedVersion int64, at time.Time) (ledger.Account, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE accounts
		SET cached_balance = ?, version = version + 1, refreshed_at = ?
		WHERE id = ? AND version = ?
	`), balance.String(), formatTime(at), string(id), expectedVersion)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to update cached balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Account{}, err
	}
	if n == 0 {
		if _, err := s.GetAccount(ctx, id); err != nil {
			return ledger.Account{}, err
		}
		return ledger.Account{}, ledger.ErrConcurrentModification
	}
	return s.GetAccount(ctx, id)
}

func (s *Store) SetActive(ctx context.Context, id ledger.AccountID, active bool) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE accounts SET active = ? WHERE id = ?`), active, string(id))
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (ledger.Account, error) {
	var (
		a                  ledger.Account
		id, kind           string
		initial, cached    string
		parent             sql.NullString
		created, refreshed string
	)
	if err := row.Scan(&id, &kind, &a.Name, &initial, &cached, &parent, &a.Active, &a.Version, &created, &refreshed); err != nil {
		return ledger.Account{}, err
	}
	a.ID = ledger.AccountID(id)
	a.Kind = ledger.AccountKind(kind)
	a.ParentID = ledger.AccountID(parent.String)
	var err error
	if a.InitialBalance, err = decimal.NewFromString(initial); err != nil {
		return ledger.Account{}, fmt.Errorf("account %s initial_balance: %w", id, err)
	}
	if a.CachedBalance, err = decimal.NewFromString(cached); err != nil {
		return ledger.Account{}, fmt.Errorf("account %s cached_balance: %w", id, err)
	}
	a.CreatedAt = parseTime(created)
	a.RefreshedAt = parseTime(refreshed)
	return a, nil
}

// =============================================================================
// ENTRY STORE (append-only)
// =============================================================================

const entryColumns = `seq, id, account_id, direction, amount, occurred_at, recorded_at, category_id, origin_kind, origin_id, leg, description`

// InsertEntries writes the batch in one transaction. The unique origin index
// rejects a replayed event and rolls the whole batch back.
func (s *Store) InsertEntries(ctx context.Context, entries []ledger.Entry) ([]ledger.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := s.rebind(`
		INSERT INTO ledger_entries
		(id, account_id, direction, amount, occurred_at, recorded_at, category_id, origin_kind, origin_id, leg, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq
	`)

	out := make([]ledger.Entry, len(entries))
	for i, e := range entries {
		err := tx.QueryRowContext(ctx, insert,
			string(e.ID),
			string(e.AccountID),
			string(e.Direction),
			e.Amount.String(),
			formatTime(e.OccurredAt),
			formatTime(e.RecordedAt),
			e.CategoryID,
			string(e.Origin.Kind),
			e.Origin.ID,
			string(e.Origin.Leg),
			e.Description,
		).Scan(&e.Seq)
		if err != nil {
			if s.isUniqueViolation(err) {
				return nil, &ledger.DuplicateOriginError{AccountID: e.AccountID, Origin: e.Origin}
			}
			return nil, fmt.Errorf("failed to append entry: %w", err)
		}
		out[i] = e
	}

	if err := tx.Commit(); err != nil {
		if s.isUniqueViolation(err) {
			return nil, &ledger.DuplicateOriginError{AccountID: entries[0].AccountID, Origin: entries[0].Origin}
		}
		return nil, fmt.Errorf("failed to commit entries: %w", err)
	}
	return out, nil
}

func (s *Store) GetEntry(ctx context.Context, id ledger.EntryID) (ledger.Entry, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`), string(id))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return e, err
}

func (s *Store) FindByOrigin(ctx context.Context, accountID ledger.AccountID, o ledger.Origin) (ledger.Entry, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = ? AND origin_kind = ? AND origin_id = ? AND leg = ?
	`), string(accountID), string(o.Kind), o.ID, string(o.Leg))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return e, err
}

// EntriesAfter reads one keyset page. The rows are fully drained before
// returning, so no connection is held between pages.
func (s *Store) EntriesAfter(ctx context.Context, accountID ledger.AccountID, r ledger.Range, after ledger.Cursor, limit int) ([]ledger.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE account_id = ?`
	args := []any{string(accountID)}
	if !after.IsZero() {
		at := formatTime(after.OccurredAt)
		query += ` AND (occurred_at > ? OR (occurred_at = ? AND seq > ?))`
		args = append(args, at, at, after.Seq)
	}
	if !r.From.IsZero() {
		query += ` AND occurred_at >= ?`
		args = append(args, formatTime(r.From))
	}
	if !r.To.IsZero() {
		query += ` AND occurred_at <= ?`
		args = append(args, formatTime(r.To))
	}
	query += ` ORDER BY occurred_at ASC, seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(row rowScanner) (ledger.Entry, error) {
	var (
		e                         ledger.Entry
		id, account, dir, amount  string
		occurred, recorded        string
		originKind, originID, leg string
	)
	err := row.Scan(&e.Seq, &id, &account, &dir, &amount, &occurred, &recorded,
		&e.CategoryID, &originKind, &originID, &leg, &e.Description)
	if err != nil {
		return ledger.Entry{}, err
	}
	e.ID = ledger.EntryID(id)
	e.AccountID = ledger.AccountID(account)
	e.Direction = ledger.Direction(dir)
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return ledger.Entry{}, fmt.Errorf("entry %s amount: %w", id, err)
	}
	e.OccurredAt = parseTime(occurred)
	e.RecordedAt = parseTime(recorded)
	e.Origin = ledger.Origin{Kind: ledger.OriginKind(originKind), ID: originID, Leg: ledger.Leg(leg)}
	return e, nil
}

// =============================================================================
// AUDIT RUNS
// =============================================================================

func (s *Store) SaveAuditRun(ctx context.Context, run ledger.AuditRun) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO audit_runs (id, started_at, completed_at, status, accounts, drifted, total_abs_drift, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			completed_at = excluded.completed_at,
			status = excluded.status,
			accounts = excluded.accounts,
			drifted = excluded.drifted,
			total_abs_drift = excluded.total_abs_drift,
			error = excluded.error
	`),
		run.ID,
		formatTime(run.StartedAt),
		formatTime(run.CompletedAt),
		string(run.Status),
		run.Accounts,
		run.Drifted,
		run.TotalAbsDrift.String(),
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to save audit run: %w", err)
	}
	return nil
}

func (s *Store) ListAuditRuns(ctx context.Context, limit int) ([]ledger.AuditRun, error) {
	query := `
		SELECT id, started_at, completed_at, status, accounts, drifted, total_abs_drift, error
		FROM audit_runs ORDER BY started_at DESC, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit runs: %w", err)
	}
	defer rows.Close()

	var out []ledger.AuditRun
	for rows.Next() {
		var (
			r                  ledger.AuditRun
			started, completed string
			status, total      string
		)
		if err := rows.Scan(&r.ID, &started, &completed, &status, &r.Accounts, &r.Drifted, &total, &r.Error); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(started)
		r.CompletedAt = parseTime(completed)
		r.Status = ledger.AuditRunStatus(status)
		if r.TotalAbsDrift, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("audit run %s total_abs_drift: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed width so lexical order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// rebind turns "?" placeholders into "$1", "$2", ... for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
