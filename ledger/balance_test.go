package ledger_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ledger"
)

func TestCalculator_CashRegisterScenario(t *testing.T) {
	// GIVEN: A register opened at 1000.00
	// WHEN: A 250 payment and a 75.50 sale are credited, then the payment is retracted
	// THEN: Balances go 1250.00, 1325.50, 1075.50

	ctx := context.Background()
	e := newEngine(t)
	e.account(t, "reg-1", ledger.KindCashRegister, "1000.00")

	p1 := e.post(t, "reg-1", ledger.Credit, "250.00", ledger.OriginPayment, "p1", day(1))
	acct, err := e.calc.RefreshCachedBalance(ctx, "reg-1")
	require.NoError(t, err)
	assertAmount(t, "1250.00", acct.CachedBalance)

	e.post(t, "reg-1", ledger.Credit, "75.50", ledger.OriginSale, "s1", day(2))
	acct, err = e.calc.RefreshCachedBalance(ctx, "reg-1")
	require.NoError(t, err)
	assertAmount(t, "1325.50", acct.CachedBalance)

	_, err = e.journal.RetractEntry(ctx, p1.ID, "payment voided")
	require.NoError(t, err)
	acct, err = e.calc.RefreshCachedBalance(ctx, "reg-1")
	require.NoError(t, err)
	assertAmount(t, "1075.50", acct.CachedBalance)
}

func TestCalculator_DebitsReduceBalance(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.account(t, "bank-1", ledger.KindBankAccount, "100")
	e.post(t, "bank-1", ledger.Debit, "30.25", ledger.OriginJournalLine, "jl-1", day(1))
	e.post(t, "bank-1", ledger.Credit, "0.25", ledger.OriginJournalLine, "jl-2", day(2))

	balance, err := e.calc.ComputeBalance(ctx, "bank-1")
	require.NoError(t, err)
	assertAmount(t, "70.00", balance)
}

func TestCalculator_RefreshMatchesComputeAndIsIdempotent(t *testing.T) {
	// GIVEN: An account with entries and a stale cache
	// WHEN: Refreshing twice
	// THEN: Stored equals computed, and the second refresh changes nothing

	ctx := context.Background()
	e := newEngine(t)
	e.account(t, "reg-1", ledger.KindCashRegister, "10")
	e.post(t, "reg-1", ledger.Credit, "5", ledger.OriginSale, "s1", day(1))

	first, err := e.calc.RefreshCachedBalance(ctx, "reg-1")
	require.NoError(t, err)
	computed, err := e.calc.ComputeBalance(ctx, "reg-1")
	require.NoError(t, err)
	assert.True(t, computed.Equal(first.CachedBalance))

	second, err := e.calc.RefreshCachedBalance(ctx, "reg-1")
	require.NoError(t, err)
	assert.True(t, first.CachedBalance.Equal(second.CachedBalance))
}

func TestCalculator_ComputeBalance_UnknownAccount(t *testing.T) {
	e := newEngine(t)
	_, err := e.calc.ComputeBalance(context.Background(), "ghost")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestCalculator_AggregateBalance(t *testing.T) {
	// GIVEN: Chart node CN-1 with two registers at 500 and 300
	// WHEN: Aggregating CN-1
	// THEN: Total is 800 and both registers are members

	ctx := context.Background()
	e := newEngine(t)
	e.account(t, "CN-1", ledger.KindChartNode, "0")
	for _, r := range []struct{ id, initial string }{{"reg-a", "500"}, {"reg-b", "300"}} {
		_, err := e.registry.CreateAccount(ctx, ledger.NewAccount{
			ID:             ledger.AccountID(r.id),
			Kind:           ledger.KindCashRegister,
			InitialBalance: amt(r.initial),
			ParentID:       "CN-1",
		})
		require.NoError(t, err)
	}
	e.account(t, "reg-other", ledger.KindCashRegister, "1000")

	agg, err := e.calc.ComputeAggregateBalance(ctx, "CN-1")
	require.NoError(t, err)
	assertAmount(t, "800", agg.Total)
	require.Len(t, agg.Members, 2)
	assert.Equal(t, ledger.AccountID("reg-a"), agg.Members[0].AccountID)
	assert.Equal(t, ledger.AccountID("reg-b"), agg.Members[1].AccountID)
}

func TestCalculator_AggregateBalance_RequiresChartNode(t *testing.T) {
	e := newEngine(t)
	e.account(t, "reg-1", ledger.KindCashRegister, "0")
	_, err := e.calc.ComputeAggregateBalance(context.Background(), "reg-1")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestCalculator_ConcurrentAppendAndRefresh_NoLostUpdate(t *testing.T) {
	// GIVEN: Many writers each appending a sale and refreshing the cache
	// WHEN: They all run at once
	// THEN: The final cached balance equals the computed balance

	ctx := context.Background()
	e := newEngine(t)
	e.account(t, "reg-1", ledger.KindCashRegister, "0")

	const writers = 50
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.journal.AppendEntry(ctx, ledger.Posting{
				AccountID: "reg-1",
				Direction: ledger.Credit,
				Amount:    amt("1.10"),
				Origin:    ledger.Origin{Kind: ledger.OriginSale, ID: string(rune('A' + i))},
			})
			if err == nil {
				_, err = e.calc.RefreshCachedBalance(ctx, "reg-1")
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	acct, err := e.registry.GetAccount(ctx, "reg-1")
	require.NoError(t, err)
	assertAmount(t, "55.00", acct.CachedBalance)
}
