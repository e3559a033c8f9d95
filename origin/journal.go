package origin

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

// JournalLine is one line of a posted accounting journal.
type JournalLine struct {
	ID        string
	JournalID string
	AccountID ledger.AccountID
	Debit     decimal.Decimal
	Credit    decimal.Decimal
	PostedAt  time.Time
	Posted    bool
}

// JournalLineAdapter posts a journal line to its account. The debit column
// becomes a debit and the credit column a credit; a line uses exactly one.
type JournalLineAdapter struct{}

func (JournalLineAdapter) Postings(l JournalLine) ([]ledger.Posting, error) {
	if l.ID == "" {
		return nil, invalid("line_id", "required")
	}
	if !l.Posted {
		return nil, invalid("posted", "journal line %s is not posted", l.ID)
	}
	if l.Debit.IsNegative() || l.Credit.IsNegative() {
		return nil, invalid("amount", "journal line %s has a negative column", l.ID)
	}
	if !l.Debit.IsZero() && !l.Credit.IsZero() {
		return nil, invalid("amount", "journal line %s sets both debit and credit", l.ID)
	}

	dir, amount := ledger.Credit, l.Credit
	if !l.Debit.IsZero() {
		dir, amount = ledger.Debit, l.Debit
	}
	if amount.IsZero() {
		return nil, nil
	}

	desc := "journal line " + l.ID
	if l.JournalID != "" {
		desc = "journal " + l.JournalID + " line " + l.ID
	}
	return []ledger.Posting{{
		AccountID:   l.AccountID,
		Direction:   dir,
		Amount:      amount,
		Origin:      ledger.Origin{Kind: ledger.OriginJournalLine, ID: l.ID},
		OccurredAt:  l.PostedAt,
		CategoryID:  CategoryJournal,
		Description: desc,
	}}, nil
}
