package sqlstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/invoicing"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/origin"
	"github.com/warp/ledger-engine/store/sqlstore"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	store, err := sqlstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func amt(s string) decimal.Decimal { return ledger.MustAmount(s) }

type engine struct {
	store    *sqlstore.Store
	registry *ledger.Registry
	journal  *ledger.Journal
	calc     *ledger.Calculator
	auditor  *ledger.Auditor
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	s := newTestStore(t)
	registry := ledger.NewRegistry(s)
	journal := ledger.NewJournal(s)
	calc := ledger.NewCalculator(registry, journal)
	return &engine{store: s, registry: registry, journal: journal, calc: calc, auditor: ledger.NewAuditor(registry, calc, s)}
}

func (e *engine) account(t *testing.T, in ledger.NewAccount) {
	t.Helper()
	_, err := e.registry.CreateAccount(context.Background(), in)
	require.NoError(t, err)
}

func (e *engine) post(t *testing.T, account string, dir ledger.Direction, amount string, kind ledger.OriginKind, id string, at time.Time) ledger.Entry {
	t.Helper()
	entry, err := e.journal.AppendEntry(context.Background(), ledger.Posting{
		AccountID:  ledger.AccountID(account),
		Direction:  dir,
		Amount:     amt(amount),
		Origin:     ledger.Origin{Kind: kind, ID: id},
		OccurredAt: at,
	})
	require.NoError(t, err)
	return entry
}

var base = time.Date(2025, time.May, 1, 9, 30, 0, 0, time.UTC)

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestStore_AccountRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.account(t, ledger.NewAccount{ID: "CN-1", Kind: ledger.KindChartNode, Name: "Cash", InitialBalance: amt("-12.34")})
	e.account(t, ledger.NewAccount{ID: "reg-1", Kind: ledger.KindCashRegister, InitialBalance: amt("1000.00"), ParentID: "CN-1"})

	acct, err := e.store.GetAccount(ctx, "reg-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.KindCashRegister, acct.Kind)
	assert.Equal(t, ledger.AccountID("CN-1"), acct.ParentID)
	assert.True(t, amt("1000.00").Equal(acct.InitialBalance))
	assert.True(t, acct.Active)
	assert.False(t, acct.CreatedAt.IsZero())

	node, err := e.store.GetAccount(ctx, "CN-1")
	require.NoError(t, err)
	assert.True(t, amt("-12.34").Equal(node.CachedBalance))
	assert.Empty(t, node.ParentID)

	children, err := e.registry.ListChildren(ctx, "CN-1")
	require.NoError(t, err)
	require.Len(t, children, 1)

	_, err = e.store.GetAccount(ctx, "ghost")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	err = e.store.InsertAccount(ctx, acct)
	assert.ErrorIs(t, err, ledger.ErrValidation, "duplicate id")
}

func TestStore_UpdateCachedBalance_VersionCheck(t *testing.T) {
	// GIVEN: An account at version 0
	// WHEN: Two writers both try to write with expected version 0
	// THEN: The first wins, the second gets ErrConcurrentModification

	ctx := context.Background()
	e := newEngine(t)
	e.account(t, ledger.NewAccount{ID: "reg-1", Kind: ledger.KindCashRegister})

	updated, err := e.store.UpdateCachedBalance(ctx, "reg-1", amt("5"), 0, base)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Version)
	assert.True(t, amt("5").Equal(updated.CachedBalance))
	assert.True(t, base.Equal(updated.RefreshedAt))

	_, err = e.store.UpdateCachedBalance(ctx, "reg-1", amt("7"), 0, base)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	_, err = e.store.UpdateCachedBalance(ctx, "ghost", amt("7"), 0, base)
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestStore_ListActiveAccounts(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.account(t, ledger.NewAccount{ID: "b", Kind: ledger.KindBankAccount})
	e.account(t, ledger.NewAccount{ID: "a", Kind: ledger.KindCashRegister})
	e.account(t, ledger.NewAccount{ID: "c", Kind: ledger.KindCashRegister})
	require.NoError(t, e.registry.Deactivate(ctx, "c"))

	active, err := e.registry.ListActiveAccounts(ctx, "")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, ledger.AccountID("a"), active[0].ID)
	assert.Equal(t, ledger.AccountID("b"), active[1].ID)
}

// =============================================================================
// ENTRIES
// =============================================================================

func TestStore_DuplicateOrigin_UniqueIndex(t *testing.T) {
	// GIVEN: payment:p1 recorded on reg-1
	// WHEN: Recording it again
	// THEN: DuplicateOriginError carrying the existing entry id

	ctx := context.Background()
	e := newEngine(t)
	e.account(t, ledger.NewAccount{ID: "reg-1", Kind: ledger.KindCashRegister})
	first := e.post(t, "reg-1", ledger.Credit, "250", ledger.OriginPayment, "p1", base)

	_, err := e.journal.AppendEntry(ctx, ledger.Posting{
		AccountID: "reg-1",
		Direction: ledger.Credit,
		Amount:    amt("250"),
		Origin:    ledger.Origin{Kind: ledger.OriginPayment, ID: "p1"},
	})
	var dup *ledger.DuplicateOriginError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ExistingID)
}

func TestStore_ConcurrentDuplicateAppends_OneWins(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.account(t, ledger.NewAccount{ID: "reg-1", Kind: ledger.KindCashRegister})

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.journal.AppendEntry(ctx, ledger.Posting{
				AccountID: "reg-1",
				Direction: ledger.Credit,
				Amount:    amt("10"),
				Origin:    ledger.Origin{Kind: ledger.OriginSale, ID: "s1"},
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ledger.ErrDuplicateOrigin)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestStore_AppendBatch_RollsBack(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.account(t, ledger.NewAccount{ID: "reg-1", Kind: ledger.KindCashRegister})
	e.post(t, "reg-1", ledger.Credit, "1", ledger.OriginSale, "s1", base)

	_, err := e.journal.AppendBatch(ctx, []ledger.Posting{
		{AccountID: "reg-1", Direction: ledger.Credit, Amount: amt("2"), Origin: ledger.Origin{Kind: ledger.OriginSale, ID: "s2"}},
		{AccountID: "reg-1", Direction: ledger.Credit, Amount: amt("1"), Origin: ledger.Origin{Kind: ledger.OriginSale, ID: "s1"}},
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateOrigin)

	_, err = e.store.FindByOrigin(ctx, "reg-1", ledger.Origin{Kind: ledger.OriginSale, ID: "s2"})
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}

func TestStore_KeysetPaging_Order(t *testing.T) {
	// GIVEN: Entries inserted out of order with a timestamp tie
	// WHEN: Listing with a page size of 2
	// THEN: Order is (occurred_at, seq) across page boundaries

	ctx := context.Background()
	e := newEngine(t)
	e.journal.PageSize = 2
	e.account(t, ledger.NewAccount{ID: "reg-1", Kind: ledger.KindCashRegister})

	e.post(t, "reg-1", ledger.Credit, "1", ledger.OriginSale, "late", base.Add(3*time.Hour))
	e.post(t, "reg-1", ledger.Credit, "1", ledger.OriginSale, "tie-1", base.Add(time.Hour))
	e.post(t, "reg-1", ledger.Credit, "1", ledger.OriginSale, "tie-2", base.Add(time.Hour))
	e.post(t, "reg-1", ledger.Credit, "1", ledger.OriginSale, "early", base)
	e.post(t, "reg-1", ledger.Debit, "1", ledger.OriginSale, "nano", base.Add(time.Hour+time.Nanosecond))

	entries, err := ledger.Collect(e.journal.ListEntries(ctx, "reg-1", ledger.Range{}))
	require.NoError(t, err)

	var order []string
	for _, entry := range entries {
		order = append(order, entry.Origin.ID)
	}
	assert.Equal(t, []string{"early", "tie-1", "tie-2", "nano", "late"}, order)

	ranged, err := ledger.Collect(e.journal.ListEntries(ctx, "reg-1", ledger.Range{From: base.Add(time.Hour), To: base.Add(2 * time.Hour)}))
	require.NoError(t, err)
	assert.Len(t, ranged, 3)
}

func TestStore_EntryRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.account(t, ledger.NewAccount{ID: "reg-1", Kind: ledger.KindCashRegister})
	e.account(t, ledger.NewAccount{ID: "bank-1", Kind: ledger.KindBankAccount})

	entries, err := e.journal.AppendBatch(ctx, []ledger.Posting{
		{AccountID: "reg-1", Direction: ledger.Debit, Amount: amt("40.05"), Origin: ledger.Origin{Kind: ledger.OriginManual, ID: "t1", Leg: ledger.LegSource}, CategoryID: "adjustments", Description: "deposit", OccurredAt: base},
		{AccountID: "bank-1", Direction: ledger.Credit, Amount: amt("40.05"), Origin: ledger.Origin{Kind: ledger.OriginManual, ID: "t1", Leg: ledger.LegDestination}, CategoryID: "adjustments", Description: "deposit", OccurredAt: base},
	})
	require.NoError(t, err)

	got, err := e.store.GetEntry(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, entries[0].Seq, got.Seq)
	assert.Equal(t, ledger.Debit, got.Direction)
	assert.True(t, amt("40.05").Equal(got.Amount))
	assert.Equal(t, ledger.LegSource, got.Origin.Leg)
	assert.Equal(t, "adjustments", got.CategoryID)
	assert.Equal(t, "deposit", got.Description)
	assert.True(t, base.Equal(got.OccurredAt))

	dest, err := e.store.FindByOrigin(ctx, "bank-1", ledger.Origin{Kind: ledger.OriginManual, ID: "t1", Leg: ledger.LegDestination})
	require.NoError(t, err)
	assert.Equal(t, entries[1].ID, dest.ID)

	_, err = e.store.GetEntry(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}

// =============================================================================
// END-TO-END OVER SQLITE
// =============================================================================

func TestStore_CashRegisterScenario(t *testing.T) {
	// GIVEN: Register at 1000.00
	// WHEN: +250 payment, +75.50 sale, payment retracted
	// THEN: 1250.00, 1325.50, 1075.50, and no drift at the end

	ctx := context.Background()
	e := newEngine(t)
	e.account(t, ledger.NewAccount{ID: "reg-1", Kind: ledger.KindCashRegister, InitialBalance: amt("1000.00")})

	p1 := e.post(t, "reg-1", ledger.Credit, "250.00", ledger.OriginPayment, "p1", base)
	acct, err := e.calc.RefreshCachedBalance(ctx, "reg-1")
	require.NoError(t, err)
	assert.True(t, amt("1250.00").Equal(acct.CachedBalance))

	e.post(t, "reg-1", ledger.Credit, "75.50", ledger.OriginSale, "s1", base.Add(time.Minute))
	acct, err = e.calc.RefreshCachedBalance(ctx, "reg-1")
	require.NoError(t, err)
	assert.True(t, amt("1325.50").Equal(acct.CachedBalance))

	_, err = e.journal.RetractEntry(ctx, p1.ID, "payment voided")
	require.NoError(t, err)
	acct, err = e.calc.RefreshCachedBalance(ctx, "reg-1")
	require.NoError(t, err)
	assert.True(t, amt("1075.50").Equal(acct.CachedBalance))

	res, err := e.auditor.AuditAccount(ctx, "reg-1")
	require.NoError(t, err)
	assert.False(t, res.Drifted())
}

func TestStore_ConcurrentRefresh_NoLostUpdate(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.account(t, ledger.NewAccount{ID: "reg-1", Kind: ledger.KindCashRegister})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.journal.AppendEntry(ctx, ledger.Posting{
				AccountID: "reg-1",
				Direction: ledger.Credit,
				Amount:    amt("0.10"),
				Origin:    ledger.Origin{Kind: ledger.OriginSale, ID: string(rune('a' + i))},
			})
			assert.NoError(t, err)
			_, err = e.calc.RefreshCachedBalance(ctx, "reg-1")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	acct, err := e.registry.GetAccount(ctx, "reg-1")
	require.NoError(t, err)
	assert.True(t, amt("2.00").Equal(acct.CachedBalance), "got %s", acct.CachedBalance)
}

// =============================================================================
// AUDIT RUNS
// =============================================================================

func TestStore_AuditRuns_Upsert(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.account(t, ledger.NewAccount{ID: "reg-1", Kind: ledger.KindCashRegister, InitialBalance: amt("10")})
	_, err := e.registry.SetCachedBalance(ctx, "reg-1", amt("12"))
	require.NoError(t, err)

	run, _, err := e.auditor.Sweep(ctx)
	require.NoError(t, err)

	runs, err := e.store.ListAuditRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1, "running row is replaced by the final one")
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, ledger.RunCompleted, runs[0].Status)
	assert.Equal(t, 1, runs[0].Drifted)
	assert.True(t, amt("2").Equal(runs[0].TotalAbsDrift))
	assert.False(t, runs[0].CompletedAt.IsZero())
}

// =============================================================================
// INVOICING
// =============================================================================

func TestStore_InvoicingFlow(t *testing.T) {
	// GIVEN: Invoice inv-1 for 1450.00 persisted in SQLite
	// WHEN: A matching cash payment is confirmed twice
	// THEN: Invoice paid, one ledger entry, state survives reload

	ctx := context.Background()
	e := newEngine(t)
	e.account(t, ledger.NewAccount{ID: "reg-1", Kind: ledger.KindCashRegister})
	svc := invoicing.NewService(e.store, e.registry, e.journal, e.calc)

	_, err := svc.CreateInvoice(ctx, invoicing.NewInvoice{ID: "inv-1", ClientID: "c1", Total: amt("1450.00")})
	require.NoError(t, err)
	_, err = svc.RecordPayment(ctx, invoicing.Payment{
		ID: "p1", InvoiceID: "inv-1", Amount: amt("1450.00"), Method: origin.MethodCash, AccountID: "reg-1",
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = svc.ConfirmPayment(ctx, "p1")
		require.NoError(t, err)
	}

	inv, err := e.store.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, invoicing.InvoicePaid, inv.State)

	p, err := e.store.GetPayment(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, invoicing.PaymentConfirmed, p.State)
	assert.False(t, p.ConfirmedAt.IsZero())
	assert.True(t, p.VoidedAt.IsZero())

	entries, err := ledger.Collect(e.journal.ListEntries(ctx, "reg-1", ledger.Range{}))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = e.store.GetInvoice(ctx, "nope")
	assert.ErrorIs(t, err, invoicing.ErrInvoiceNotFound)
	_, err = e.store.GetPayment(ctx, "nope")
	assert.ErrorIs(t, err, invoicing.ErrPaymentNotFound)
}

func TestStore_UpdateInvoice_VersionCheck(t *testing.T) {
	// GIVEN: Two readers holding the same invoice version
	// WHEN: Both write
	// THEN: The second is stale and retryable, nothing it carried is stored

	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, s.InsertInvoice(ctx, invoicing.Invoice{
		ID: "inv-1", Total: amt("100"), State: invoicing.InvoicePending, CreatedAt: now, UpdatedAt: now,
	}))

	a, err := s.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	b := a

	a.State = invoicing.InvoicePartial
	updated, err := s.UpdateInvoice(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Version)

	b.State = invoicing.InvoicePaid
	_, err = s.UpdateInvoice(ctx, b)
	assert.ErrorIs(t, err, invoicing.ErrStaleInvoice)
	assert.True(t, ledger.IsRetryable(err))

	stored, err := s.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, invoicing.InvoicePartial, stored.State)
	assert.Equal(t, int64(1), stored.Version)

	_, err = s.UpdateInvoice(ctx, invoicing.Invoice{ID: "nope"})
	assert.ErrorIs(t, err, invoicing.ErrInvoiceNotFound)
}
