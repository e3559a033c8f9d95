/*
store.go - Persistence interfaces for accounts, entries and audit runs

PURPOSE:
  Defines the boundary between the engine and the database. The engine never
  checks uniqueness itself: the store is the single place where
  "(account, origin kind, origin id, leg) appears at most once" is enforced,
  so two concurrent writers cannot both win.

KEY INTERFACES:
  AccountStore:  account rows and the version-checked cached-balance write
  EntryStore:    append-only entry log with keyset paging
  AuditRunStore: history of audit sweeps

APPEND-ONLY CONTRACT:
  EntryStore has InsertEntries and read methods. No Update, no Delete.
  Corrections are compensating entries (see Journal.RetractEntry).

IMPLEMENTATIONS:
  - ledger/store/memory.go:      in-memory, for tests and dev
  - store/sqlstore/sqlstore.go:  SQLite and PostgreSQL
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCOUNT STORE
// =============================================================================

type AccountStore interface {
	// InsertAccount persists a new account. Returns a ValidationError if the
	// id is already taken.
	InsertAccount(ctx context.Context, a Account) error

	// GetAccount returns ErrAccountNotFound for unknown ids.
	GetAccount(ctx context.Context, id AccountID) (Account, error)

	// ListAccounts returns accounts matching the filter, ordered by id.
	ListAccounts(ctx context.Context, filter AccountFilter) ([]Account, error)

	// UpdateCachedBalance writes the cached balance iff the stored version
	// equals expectedVersion, bumping the version. Returns
	// ErrConcurrentModification otherwise. This is a single-row atomic write.
	UpdateCachedBalance(ctx context.Context, id AccountID, balance decimal.Decimal, expectedVersion int64, at time.Time) (Account, error)

	// SetActive flips the active flag. Balances are untouched.
	SetActive(ctx context.Context, id AccountID, active bool) error
}

// =============================================================================
// ENTRY STORE (append-only)
// =============================================================================

type EntryStore interface {
	// InsertEntries persists entries atomically (all or none) and returns them
	// with Seq assigned. A uniqueness violation on
	// (account, origin kind, origin id, leg) yields *DuplicateOriginError.
	InsertEntries(ctx context.Context, entries []Entry) ([]Entry, error)

	// GetEntry returns ErrEntryNotFound for unknown ids.
	GetEntry(ctx context.Context, id EntryID) (Entry, error)

	// FindByOrigin returns the entry recording origin on account, or
	// ErrEntryNotFound.
	FindByOrigin(ctx context.Context, accountID AccountID, origin Origin) (Entry, error)

	// EntriesAfter returns up to limit entries of the account inside r that
	// sort strictly after the cursor, ordered by (OccurredAt, Seq).
	EntriesAfter(ctx context.Context, accountID AccountID, r Range, after Cursor, limit int) ([]Entry, error)
}

// Store is the full persistence surface the engine needs.
type Store interface {
	AccountStore
	EntryStore
}

// =============================================================================
// AUDIT RUN STORE
// =============================================================================

type AuditRunStore interface {
	// SaveAuditRun inserts or replaces the run with the same ID.
	SaveAuditRun(ctx context.Context, run AuditRun) error
	// ListAuditRuns returns runs newest first.
	ListAuditRuns(ctx context.Context, limit int) ([]AuditRun, error)
}
