package origin

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

// Actor is whoever asks for a manual adjustment.
type Actor struct {
	ID   string
	Role string
}

// Authorizer decides whether an actor may post manual adjustments. The
// permission system behind it lives outside this module.
type Authorizer interface {
	CanAdjust(actor Actor) bool
}

// RoleAuthorizer allows a fixed set of roles.
type RoleAuthorizer map[string]bool

func NewRoleAuthorizer(roles ...string) RoleAuthorizer {
	ra := make(RoleAuthorizer, len(roles))
	for _, r := range roles {
		ra[r] = true
	}
	return ra
}

func (ra RoleAuthorizer) CanAdjust(actor Actor) bool { return ra[actor.Role] }

// Adjustment is an operator-entered movement. Without a counter account it
// is a single entry in Direction. With one it is a transfer: AccountID is
// debited and CounterAccountID credited, and Direction is ignored.
type Adjustment struct {
	ID               string
	AccountID        ledger.AccountID
	CounterAccountID ledger.AccountID
	Direction        ledger.Direction
	Amount           decimal.Decimal
	CategoryID       string
	OccurredAt       time.Time
	Description      string
}

func (a Adjustment) IsTransfer() bool { return a.CounterAccountID != "" }

type ManualAdapter struct {
	Catalog    *Catalog
	Authorizer Authorizer
}

func (m ManualAdapter) Postings(actor Actor, a Adjustment) ([]ledger.Posting, error) {
	if m.Authorizer == nil || !m.Authorizer.CanAdjust(actor) {
		return nil, fmt.Errorf("actor %s (%s) posting adjustment %s: %w", actor.ID, actor.Role, a.ID, ErrUnauthorized)
	}
	if a.ID == "" {
		return nil, invalid("adjustment_id", "required")
	}
	if !a.Amount.IsPositive() {
		return nil, invalid("amount", "must be positive, got %s", a.Amount)
	}
	cat, ok := m.Catalog.Get(a.CategoryID)
	if !ok {
		return nil, invalid("category_id", "unknown category %q", a.CategoryID)
	}
	if cat.System {
		return nil, invalid("category_id", "category %q is reserved", cat.ID)
	}

	base := ledger.Posting{
		AccountID:   a.AccountID,
		Direction:   a.Direction,
		Amount:      a.Amount,
		Origin:      ledger.Origin{Kind: ledger.OriginManual, ID: a.ID},
		OccurredAt:  a.OccurredAt,
		CategoryID:  cat.ID,
		Description: a.Description,
	}
	if !a.IsTransfer() {
		if !a.Direction.Valid() {
			return nil, invalid("direction", "must be credit or debit, got %q", a.Direction)
		}
		return []ledger.Posting{base}, nil
	}

	if a.CounterAccountID == a.AccountID {
		return nil, invalid("counter_account_id", "transfer to the same account")
	}
	source, dest := base, base
	source.Direction = ledger.Debit
	source.Origin.Leg = ledger.LegSource
	dest.AccountID = a.CounterAccountID
	dest.Direction = ledger.Credit
	dest.Origin.Leg = ledger.LegDestination
	return []ledger.Posting{source, dest}, nil
}
