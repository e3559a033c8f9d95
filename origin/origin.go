/*
Package origin maps business events onto ledger postings.

PURPOSE:
  Payments, sales, posted journal lines and operator adjustments each come
  from a different collaborator. Every adapter in this package is a pure
  mapping event -> []ledger.Posting; none of them write. Ingester hands the
  postings to the Journal in one atomic batch.

IDEMPOTENCY:
  Feeding the same event twice is harmless. The second append hits the
  store's unique (account, origin kind, origin id, leg) constraint and
  Ingester reports the entries already on file instead of an error.

  Event          Origin              Entries
  payment p1     payment:p1          credit on target account
  sale s1        sale:s1             credit on register
  line jl-7      journal_line:jl-7   debit or credit on its account
  adjustment m1  manual:m1           one entry, or two legs for a transfer

SEE ALSO:
  - ledger/journal.go: AppendBatch, FindByOrigin
  - invoicing/service.go: drives the payment adapter on confirmation
*/
package origin

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/logging"
)

// ErrUnauthorized is returned when the actor may not post manual adjustments.
var ErrUnauthorized = errors.New("not authorized")

func invalid(field, format string, args ...any) error {
	return &ledger.ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Result is the outcome of ingesting one event.
type Result struct {
	Entries   []ledger.Entry
	Duplicate bool // the event had already been recorded
}

// Ingester appends adapter output to the journal.
type Ingester struct {
	Journal *ledger.Journal
	Log     zerolog.Logger
}

func NewIngester(journal *ledger.Journal) *Ingester {
	return &Ingester{Journal: journal, Log: logging.WithComponent("origin")}
}

// Ingest appends postings atomically. A duplicate origin is success: the
// already-recorded entries are returned with Duplicate set. No postings is
// a no-op.
func (in *Ingester) Ingest(ctx context.Context, postings []ledger.Posting) (Result, error) {
	if len(postings) == 0 {
		return Result{}, nil
	}

	entries, err := in.Journal.AppendBatch(ctx, postings)
	if err == nil {
		return Result{Entries: entries}, nil
	}
	if !ledger.IsDuplicate(err) {
		return Result{}, err
	}

	existing := make([]ledger.Entry, 0, len(postings))
	for _, p := range postings {
		e, ferr := in.Journal.FindByOrigin(ctx, p.AccountID, p.Origin)
		if ferr != nil {
			// Only part of the event is on file; that is not a replay.
			return Result{}, err
		}
		existing = append(existing, e)
	}

	in.Log.Debug().
		Str("origin", postings[0].Origin.String()).
		Int("entries", len(existing)).
		Msg("event already recorded")
	return Result{Entries: existing, Duplicate: true}, nil
}
