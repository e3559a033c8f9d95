// Package store provides in-process implementations of the ledger stores.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	seq      int64
	accounts map[ledger.AccountID]ledger.Account
	entries  map[ledger.AccountID][]ledger.Entry // sorted by (OccurredAt, Seq)
	byID     map[ledger.EntryID]ledger.Entry
	origins  map[originKey]ledger.EntryID
	runs     map[string]ledger.AuditRun
}

type originKey struct {
	AccountID ledger.AccountID
	Kind      ledger.OriginKind
	ID        string
	Leg       ledger.Leg
}

func keyOf(accountID ledger.AccountID, o ledger.Origin) originKey {
	return originKey{AccountID: accountID, Kind: o.Kind, ID: o.ID, Leg: o.Leg}
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[ledger.AccountID]ledger.Account),
		entries:  make(map[ledger.AccountID][]ledger.Entry),
		byID:     make(map[ledger.EntryID]ledger.Entry),
		origins:  make(map[originKey]ledger.EntryID),
		runs:     make(map[string]ledger.AuditRun),
	}
}

var (
	_ ledger.Store         = (*Memory)(nil)
	_ ledger.AuditRunStore = (*Memory)(nil)
)

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) InsertAccount(_ context.Context, a ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[a.ID]; exists {
		return &ledger.ValidationError{Field: "id", Message: "account " + string(a.ID) + " already exists"}
	}
	m.accounts[a.ID] = a
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return a, nil
}

func (m *Memory) ListAccounts(_ context.Context, f ledger.AccountFilter) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Account
	for _, a := range m.accounts {
		if f.Kind != "" && a.Kind != f.Kind {
			continue
		}
		if f.ParentID != "" && a.ParentID != f.ParentID {
			continue
		}
		if f.ActiveOnly && !a.Active {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateCachedBalance(_ context.Context, id ledger.AccountID, balance decimal.Decimal, expectedVersion int64, at time.Time) (ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if a.Version != expectedVersion {
		return ledger.Account{}, ledger.ErrConcurrentModification
	}
	a.CachedBalance = balance
	a.Version++
	a.RefreshedAt = at
	m.accounts[id] = a
	return a, nil
}

func (m *Memory) SetActive(_ context.Context, id ledger.AccountID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	a.Active = active
	m.accounts[id] = a
	return nil
}

// =============================================================================
// ENTRIES (append-only)
// =============================================================================

// InsertEntries adds entries atomically: every origin is checked before any
// entry is written.
func (m *Memory) InsertEntries(_ context.Context, entries []ledger.Entry) ([]ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := make(map[originKey]bool, len(entries))
	for _, e := range entries {
		k := keyOf(e.AccountID, e.Origin)
		if existing, dup := m.origins[k]; dup {
			return nil, &ledger.DuplicateOriginError{AccountID: e.AccountID, Origin: e.Origin, ExistingID: existing}
		}
		if batch[k] {
			return nil, &ledger.DuplicateOriginError{AccountID: e.AccountID, Origin: e.Origin}
		}
		batch[k] = true
	}

	out := make([]ledger.Entry, len(entries))
	for i, e := range entries {
		m.seq++
		e.Seq = m.seq
		m.insertLocked(e)
		out[i] = e
	}
	return out, nil
}

func (m *Memory) insertLocked(e ledger.Entry) {
	list := m.entries[e.AccountID]

	// Seq only grows, so ties on OccurredAt land after existing entries.
	i := sort.Search(len(list), func(i int) bool {
		return list[i].OccurredAt.After(e.OccurredAt)
	})
	list = append(list, ledger.Entry{})
	copy(list[i+1:], list[i:])
	list[i] = e
	m.entries[e.AccountID] = list

	m.byID[e.ID] = e
	m.origins[keyOf(e.AccountID, e.Origin)] = e.ID
}

func (m *Memory) GetEntry(_ context.Context, id ledger.EntryID) (ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byID[id]
	if !ok {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return e, nil
}

func (m *Memory) FindByOrigin(_ context.Context, accountID ledger.AccountID, o ledger.Origin) (ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.origins[keyOf(accountID, o)]
	if !ok {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return m.byID[id], nil
}

func (m *Memory) EntriesAfter(_ context.Context, accountID ledger.AccountID, r ledger.Range, after ledger.Cursor, limit int) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Entry
	for _, e := range m.entries[accountID] {
		if !after.Precedes(e) || !r.Contains(e.OccurredAt) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// AUDIT RUNS
// =============================================================================

func (m *Memory) SaveAuditRun(_ context.Context, run ledger.AuditRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) ListAuditRuns(_ context.Context, limit int) ([]ledger.AuditRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ledger.AuditRun, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
