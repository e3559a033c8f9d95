/*
balance.go - Balance calculator

PURPOSE:
  Derives balances from the entry log. The cached balance on an account is a
  materialized view of what this file computes:

    balance = InitialBalance + Σ credits - Σ debits

  ComputeBalance is a pure read. RefreshCachedBalance is the only path that
  turns a computed value into a stored one, and it does so inside the
  registry's per-account critical section.

AGGREGATES:
  A chart node's aggregate is the sum of its children's computed balances.
  Each child is counted once even if the store returned it twice. The
  node's own entries are not part of the aggregate.

  Example:
    CN-1
    ├── register-a  500
    └── register-b  300
    aggregate(CN-1) = 800

SEE ALSO:
  - registry.go: setCachedBalance
  - audit.go: compares ComputeBalance against the cached value
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Calculator computes balances from entries and refreshes cached values.
type Calculator struct {
	Registry *Registry
	Journal  *Journal
}

func NewCalculator(registry *Registry, journal *Journal) *Calculator {
	return &Calculator{Registry: registry, Journal: journal}
}

// Aggregate is the rolled-up balance of a chart node.
type Aggregate struct {
	ChartNodeID AccountID
	Total       decimal.Decimal
	Members     []Member
}

// Member is one account contributing to an Aggregate.
type Member struct {
	AccountID AccountID
	Kind      AccountKind
	Balance   decimal.Decimal
}

// ComputeBalance returns InitialBalance plus credits minus debits over every
// entry of the account.
func (c *Calculator) ComputeBalance(ctx context.Context, accountID AccountID) (decimal.Decimal, error) {
	acct, err := c.Registry.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return c.computeFrom(ctx, acct)
}

func (c *Calculator) computeFrom(ctx context.Context, acct Account) (decimal.Decimal, error) {
	balance := acct.InitialBalance
	for e, err := range c.Journal.ListEntries(ctx, acct.ID, Range{}) {
		if err != nil {
			return decimal.Zero, fmt.Errorf("computing balance of %s: %w", acct.ID, err)
		}
		balance = balance.Add(e.Signed())
	}
	return balance, nil
}

// ComputeAggregateBalance sums the computed balances of every account whose
// parent is chartNodeID.
func (c *Calculator) ComputeAggregateBalance(ctx context.Context, chartNodeID AccountID) (Aggregate, error) {
	node, err := c.Registry.GetAccount(ctx, chartNodeID)
	if err != nil {
		return Aggregate{}, err
	}
	if node.Kind != KindChartNode {
		return Aggregate{}, invalid("chart_node_id", "%s is a %s, not a chart node", node.ID, node.Kind)
	}

	children, err := c.Registry.ListChildren(ctx, chartNodeID)
	if err != nil {
		return Aggregate{}, err
	}

	agg := Aggregate{ChartNodeID: chartNodeID, Total: decimal.Zero}
	counted := make(map[AccountID]bool, len(children))
	for _, child := range children {
		if counted[child.ID] {
			continue
		}
		counted[child.ID] = true

		balance, err := c.computeFrom(ctx, child)
		if err != nil {
			return Aggregate{}, err
		}
		agg.Total = agg.Total.Add(balance)
		agg.Members = append(agg.Members, Member{AccountID: child.ID, Kind: child.Kind, Balance: balance})
	}
	return agg, nil
}

// RefreshCachedBalance recomputes the balance and stores it. Calling it
// again without new entries leaves the same value.
func (c *Calculator) RefreshCachedBalance(ctx context.Context, accountID AccountID) (Account, error) {
	return c.Registry.setCachedBalance(ctx, accountID, c.computeFrom)
}
