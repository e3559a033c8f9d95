/*
Package ledger provides the balance reconciliation engine.

PURPOSE:
  This package owns the account registry, the append-only entry log, the
  balance calculator and the drift auditor. Every monetary movement of a cash
  register, bank account or chart-of-accounts node ends up here as an
  immutable Entry, and every balance is derived from those entries.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: a balance-bearing entity with an immutable initial balance and a
    cached (derived) current balance
  - Entry: an immutable, dated, directional monetary fact
  - Origin: which business event produced an entry (payment, sale, ...)
  - Posting: normalized input handed to the Journal by origin adapters

DESIGN PRINCIPLES:
  1. The entry log is the only source of truth; CachedBalance is a
     materialized view refreshed through a single funnel
  2. Precision: decimal.Decimal everywhere, never float64
  3. One entry per (account, origin kind, origin id, leg), enforced by the store
  4. Corrections are new entries, never edits

USAGE:
  acct, _ := registry.CreateAccount(ctx, ledger.NewAccount{
      Kind:           ledger.KindCashRegister,
      InitialBalance: ledger.MustAmount("1000.00"),
  })
  entry, err := journal.AppendEntry(ctx, ledger.Posting{
      AccountID: acct.ID,
      Direction: ledger.Credit,
      Amount:    ledger.MustAmount("250.00"),
      Origin:    ledger.Origin{Kind: ledger.OriginPayment, ID: "p1"},
  })

SEE ALSO:
  - registry.go: account lifecycle and the cached-balance funnel
  - journal.go: append, list and retract entries
  - balance.go: balance derivation
  - audit.go: drift detection and repair
*/
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNTS
// =============================================================================

// MustAmount parses a decimal literal. Intended for constants and tests.
func MustAmount(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("ledger: invalid amount %q: %v", s, err))
	}
	return d
}

// ParseAmount parses a decimal literal supplied by a caller.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, &ValidationError{Field: "amount", Message: fmt.Sprintf("not a decimal: %q", s)}
	}
	return d, nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type EntryID string

// =============================================================================
// ACCOUNT
// =============================================================================

type AccountKind string

const (
	KindCashRegister AccountKind = "cash_register"
	KindBankAccount  AccountKind = "bank_account"
	KindChartNode    AccountKind = "chart_node"
)

func (k AccountKind) Valid() bool {
	switch k {
	case KindCashRegister, KindBankAccount, KindChartNode:
		return true
	}
	return false
}

// Account is a balance-bearing entity.
//
// InitialBalance is fixed at creation. CachedBalance is derived and may only
// be written through Registry.SetCachedBalance.
type Account struct {
	ID             AccountID
	Kind           AccountKind
	Name           string
	InitialBalance decimal.Decimal
	CachedBalance  decimal.Decimal
	ParentID       AccountID // optional chart node
	Active         bool

	// Version is bumped on every cached-balance write and used as the
	// compare-and-set token for concurrent writers.
	Version int64

	CreatedAt   time.Time
	RefreshedAt time.Time
}

// HasParent reports whether the account rolls up into a chart node.
func (a Account) HasParent() bool { return a.ParentID != "" }

// NewAccount is the input to Registry.CreateAccount.
type NewAccount struct {
	ID             AccountID // optional, generated when empty
	Kind           AccountKind
	Name           string
	InitialBalance decimal.Decimal
	ParentID       AccountID
}

// AccountFilter narrows ListAccounts.
type AccountFilter struct {
	Kind       AccountKind // empty = all kinds
	ParentID   AccountID   // empty = any parent
	ActiveOnly bool
}

// =============================================================================
// ENTRY
// =============================================================================

type Direction string

const (
	Credit Direction = "credit" // increases balance
	Debit  Direction = "debit"  // decreases balance
)

func (d Direction) Valid() bool { return d == Credit || d == Debit }

// Invert returns the opposite direction.
func (d Direction) Invert() Direction {
	if d == Credit {
		return Debit
	}
	return Credit
}

// OriginKind identifies which business event produced an entry.
type OriginKind string

const (
	OriginPayment     OriginKind = "payment"
	OriginSale        OriginKind = "sale"
	OriginJournalLine OriginKind = "journal_line"
	OriginManual      OriginKind = "manual"
	OriginCorrection  OriginKind = "correction"
)

func (k OriginKind) Valid() bool {
	switch k {
	case OriginPayment, OriginSale, OriginJournalLine, OriginManual, OriginCorrection:
		return true
	}
	return false
}

// Leg discriminates the entries of a single origin that touches more than
// one account (source and destination of a transfer).
type Leg string

const (
	LegNone        Leg = ""
	LegSource      Leg = "source"
	LegDestination Leg = "destination"
)

// Origin is the provenance reference of an entry.
type Origin struct {
	Kind OriginKind
	ID   string
	Leg  Leg
}

// String renders "kind:id" or "kind:id#leg".
func (o Origin) String() string {
	s := string(o.Kind) + ":" + o.ID
	if o.Leg != LegNone {
		s += "#" + string(o.Leg)
	}
	return s
}

// ParseOrigin is the inverse of Origin.String.
func ParseOrigin(s string) (Origin, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return Origin{}, &ValidationError{Field: "origin", Message: fmt.Sprintf("malformed origin %q", s)}
	}
	id, leg, _ := strings.Cut(rest, "#")
	o := Origin{Kind: OriginKind(kind), ID: id, Leg: Leg(leg)}
	if !o.Kind.Valid() {
		return Origin{}, &ValidationError{Field: "origin", Message: fmt.Sprintf("unknown origin kind %q", kind)}
	}
	return o, nil
}

// CorrectionOf returns the origin of the compensating entry for id.
func CorrectionOf(id EntryID) Origin {
	return Origin{Kind: OriginCorrection, ID: string(id)}
}

// Entry is an immutable ledger fact.
type Entry struct {
	ID          EntryID
	Seq         int64 // insertion order, assigned by the store
	AccountID   AccountID
	Direction   Direction
	Amount      decimal.Decimal
	OccurredAt  time.Time
	RecordedAt  time.Time
	CategoryID  string
	Origin      Origin
	Description string
}

// Signed returns the balance effect of the entry: +Amount for credits,
// -Amount for debits.
func (e Entry) Signed() decimal.Decimal {
	if e.Direction == Debit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// Posting is the normalized input to Journal.AppendEntry. Origin adapters
// produce postings; they never write entries themselves.
type Posting struct {
	AccountID   AccountID
	Direction   Direction
	Amount      decimal.Decimal
	Origin      Origin
	OccurredAt  time.Time
	CategoryID  string
	Description string
}

// Range bounds ListEntries by OccurredAt, both ends inclusive. Zero values
// leave the side open.
type Range struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (r Range) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// Cursor is a keyset position in an account's ordered entry log.
type Cursor struct {
	OccurredAt time.Time
	Seq        int64
}

// IsZero reports whether the cursor is positioned before the first entry.
func (c Cursor) IsZero() bool { return c.OccurredAt.IsZero() && c.Seq == 0 }

// Precedes reports whether e sorts strictly after the cursor.
func (c Cursor) Precedes(e Entry) bool {
	if c.IsZero() {
		return true
	}
	if e.OccurredAt.Equal(c.OccurredAt) {
		return e.Seq > c.Seq
	}
	return e.OccurredAt.After(c.OccurredAt)
}

// CursorOf returns the cursor positioned at e.
func CursorOf(e Entry) Cursor { return Cursor{OccurredAt: e.OccurredAt, Seq: e.Seq} }
