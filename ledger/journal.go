/*
journal.go - Append-only entry log

PURPOSE:
  The Journal is the immutable source of truth for every balance. Payments,
  sales, journal lines and manual adjustments all arrive here as Postings
  (through the origin adapters) and become Entries.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, entries cannot be modified.
  3. ONE FACT PER ORIGIN: (account, origin kind, origin id, leg) is unique.
     The store enforces it; the Journal only translates the violation into
     a DuplicateOriginError.

CORRECTIONS:
  RetractEntry never deletes. It appends a compensating entry with the
  inverted direction and the same amount, origin "correction:<entry-id>".
  Both stay in the log and their net effect is zero. AppendEntry and
  AppendBatch refuse correction origins, so every correction mirrors the
  entry it names.

  Cash register: [+250 payment:p1, +75.50 sale:s1, -250 correction:<p1 entry>]

ORDERING:
  ListEntries yields an account's entries by OccurredAt ascending, ties
  broken by insertion order (Seq). The sequence is lazy: it pages through the
  store with a keyset cursor, and ranging over it again restarts from the
  beginning.

SEE ALSO:
  - store.go: EntryStore contract
  - origin/: adapters that produce Postings
*/
package ledger

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/ledger-engine/logging"
)

const DefaultPageSize = 500

// =============================================================================
// JOURNAL
// =============================================================================

type Journal struct {
	Accounts AccountStore
	Entries  EntryStore
	PageSize int
	Now      func() time.Time
	Log      zerolog.Logger
}

func NewJournal(store Store) *Journal {
	return &Journal{
		Accounts: store,
		Entries:  store,
		PageSize: DefaultPageSize,
		Now:      func() time.Time { return time.Now().UTC() },
		Log:      logging.WithComponent("journal"),
	}
}

// AppendEntry validates and records a single posting.
func (j *Journal) AppendEntry(ctx context.Context, p Posting) (Entry, error) {
	entries, err := j.AppendBatch(ctx, []Posting{p})
	if err != nil {
		return Entry{}, err
	}
	return entries[0], nil
}

// AppendBatch records postings atomically. Used for origins that touch more
// than one account, so a transfer never ends up with a single leg.
// Correction origins are refused here; only RetractEntry writes them.
func (j *Journal) AppendBatch(ctx context.Context, postings []Posting) ([]Entry, error) {
	for _, p := range postings {
		if p.Origin.Kind == OriginCorrection {
			return nil, invalid("origin", "%s entries are written by retraction only", OriginCorrection)
		}
	}
	return j.append(ctx, postings)
}

func (j *Journal) append(ctx context.Context, postings []Posting) ([]Entry, error) {
	if len(postings) == 0 {
		return nil, invalid("postings", "nothing to append")
	}

	now := j.now()
	seen := make(map[AccountID]Account, len(postings))
	entries := make([]Entry, 0, len(postings))
	for _, p := range postings {
		if err := j.validate(ctx, p, seen); err != nil {
			return nil, err
		}
		occurredAt := p.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = now
		}
		entries = append(entries, Entry{
			ID:          EntryID(uuid.NewString()),
			AccountID:   p.AccountID,
			Direction:   p.Direction,
			Amount:      p.Amount,
			OccurredAt:  occurredAt.UTC(),
			RecordedAt:  now,
			CategoryID:  p.CategoryID,
			Origin:      p.Origin,
			Description: p.Description,
		})
	}

	stored, err := j.Entries.InsertEntries(ctx, entries)
	if err != nil {
		var dup *DuplicateOriginError
		if errors.As(err, &dup) && dup.ExistingID == "" {
			if existing, ferr := j.Entries.FindByOrigin(ctx, dup.AccountID, dup.Origin); ferr == nil {
				dup.ExistingID = existing.ID
			}
		}
		return nil, err
	}

	for _, e := range stored {
		j.Log.Debug().
			Str("entry_id", string(e.ID)).
			Str("account_id", string(e.AccountID)).
			Str("direction", string(e.Direction)).
			Str("amount", e.Amount.String()).
			Str("origin", e.Origin.String()).
			Msg("entry appended")
	}
	return stored, nil
}

func (j *Journal) validate(ctx context.Context, p Posting, seen map[AccountID]Account) error {
	if !p.Direction.Valid() {
		return invalid("direction", "must be credit or debit, got %q", p.Direction)
	}
	if p.Amount.IsNegative() {
		return invalid("amount", "must be non-negative, got %s", p.Amount)
	}
	if !p.Origin.Kind.Valid() {
		return invalid("origin_kind", "unknown origin kind %q", p.Origin.Kind)
	}
	if p.Origin.ID == "" {
		return invalid("origin_id", "required")
	}
	switch p.Origin.Leg {
	case LegNone, LegSource, LegDestination:
	default:
		return invalid("leg", "unknown leg %q", p.Origin.Leg)
	}

	acct, ok := seen[p.AccountID]
	if !ok {
		var err error
		acct, err = j.Accounts.GetAccount(ctx, p.AccountID)
		if errors.Is(err, ErrAccountNotFound) {
			return invalid("account_id", "unknown account %q", p.AccountID)
		}
		if err != nil {
			return err
		}
		seen[p.AccountID] = acct
	}
	if !acct.Active && p.Origin.Kind != OriginCorrection {
		return invalid("account_id", "account %s is inactive", acct.ID)
	}
	return nil
}

// ListEntries returns the account's entries inside r in ledger order.
func (j *Journal) ListEntries(ctx context.Context, accountID AccountID, r Range) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		size := j.pageSize()
		cursor := Cursor{}
		for {
			page, err := j.Entries.EntriesAfter(ctx, accountID, r, cursor, size)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < size {
				return
			}
			cursor = CursorOf(page[len(page)-1])
		}
	}
}

// RetractEntry appends the compensating entry for id. Retracting the same
// entry twice returns DuplicateOriginError.
func (j *Journal) RetractEntry(ctx context.Context, id EntryID, reason string) (Entry, error) {
	if reason == "" {
		return Entry{}, invalid("reason", "required")
	}
	orig, err := j.Entries.GetEntry(ctx, id)
	if err != nil {
		return Entry{}, err
	}

	entries, err := j.append(ctx, []Posting{{
		AccountID:   orig.AccountID,
		Direction:   orig.Direction.Invert(),
		Amount:      orig.Amount,
		Origin:      CorrectionOf(orig.ID),
		CategoryID:  orig.CategoryID,
		Description: reason,
	}})
	if err != nil {
		return Entry{}, err
	}
	entry := entries[0]

	j.Log.Info().
		Str("entry_id", string(orig.ID)).
		Str("correction_id", string(entry.ID)).
		Str("account_id", string(orig.AccountID)).
		Str("reason", reason).
		Msg("entry retracted")
	return entry, nil
}

func (j *Journal) GetEntry(ctx context.Context, id EntryID) (Entry, error) {
	return j.Entries.GetEntry(ctx, id)
}

func (j *Journal) FindByOrigin(ctx context.Context, accountID AccountID, origin Origin) (Entry, error) {
	return j.Entries.FindByOrigin(ctx, accountID, origin)
}

func (j *Journal) pageSize() int {
	if j.PageSize <= 0 {
		return DefaultPageSize
	}
	return j.PageSize
}

func (j *Journal) now() time.Time {
	if j.Now == nil {
		return time.Now().UTC()
	}
	return j.Now()
}

// Collect drains an entry sequence into a slice.
func Collect(seq iter.Seq2[Entry, error]) ([]Entry, error) {
	var out []Entry
	for e, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
