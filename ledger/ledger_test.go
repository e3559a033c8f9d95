package ledger_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type engine struct {
	store    *store.Memory
	registry *ledger.Registry
	journal  *ledger.Journal
	calc     *ledger.Calculator
	auditor  *ledger.Auditor
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	mem := store.NewMemory()
	registry := ledger.NewRegistry(mem)
	journal := ledger.NewJournal(mem)
	calc := ledger.NewCalculator(registry, journal)
	return &engine{
		store:    mem,
		registry: registry,
		journal:  journal,
		calc:     calc,
		auditor:  ledger.NewAuditor(registry, calc, mem),
	}
}

func amt(s string) decimal.Decimal { return ledger.MustAmount(s) }

func day(d int) time.Time { return time.Date(2025, time.March, d, 12, 0, 0, 0, time.UTC) }

func (e *engine) account(t *testing.T, id string, kind ledger.AccountKind, initial string) ledger.Account {
	t.Helper()
	acct, err := e.registry.CreateAccount(context.Background(), ledger.NewAccount{
		ID:             ledger.AccountID(id),
		Kind:           kind,
		InitialBalance: amt(initial),
	})
	require.NoError(t, err)
	return acct
}

func (e *engine) post(t *testing.T, account string, dir ledger.Direction, amount string, kind ledger.OriginKind, originID string, at time.Time) ledger.Entry {
	t.Helper()
	entry, err := e.journal.AppendEntry(context.Background(), ledger.Posting{
		AccountID:  ledger.AccountID(account),
		Direction:  dir,
		Amount:     amt(amount),
		Origin:     ledger.Origin{Kind: kind, ID: originID},
		OccurredAt: at,
	})
	require.NoError(t, err)
	return entry
}

func assertAmount(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, amt(want).Equal(got), append([]any{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

// =============================================================================
// REGISTRY TESTS
// =============================================================================

func TestRegistry_CreateAccount_CachedStartsAtInitial(t *testing.T) {
	// GIVEN: A new cash register with 1000.00
	// WHEN: It is created
	// THEN: Cached balance equals the initial balance and the account is active

	e := newEngine(t)
	acct := e.account(t, "reg-1", ledger.KindCashRegister, "1000.00")

	assertAmount(t, "1000.00", acct.CachedBalance)
	assert.True(t, acct.Active)
	assert.Equal(t, int64(0), acct.Version)
}

func TestRegistry_CreateAccount_Validation(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.account(t, "bank-1", ledger.KindBankAccount, "0")

	tests := []struct {
		name string
		in   ledger.NewAccount
	}{
		{"unknown kind", ledger.NewAccount{Kind: "wallet"}},
		{"negative register", ledger.NewAccount{Kind: ledger.KindCashRegister, InitialBalance: amt("-1")}},
		{"negative bank", ledger.NewAccount{Kind: ledger.KindBankAccount, InitialBalance: amt("-0.01")}},
		{"missing parent", ledger.NewAccount{Kind: ledger.KindCashRegister, ParentID: "nope"}},
		{"parent not chart node", ledger.NewAccount{Kind: ledger.KindCashRegister, ParentID: "bank-1"}},
		{"duplicate id", ledger.NewAccount{ID: "bank-1", Kind: ledger.KindBankAccount}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.registry.CreateAccount(ctx, tt.in)
			var verr *ledger.ValidationError
			assert.ErrorAs(t, err, &verr)
			assert.True(t, ledger.IsClientError(err))
		})
	}
}

func TestRegistry_ChartNodeMayStartNegative(t *testing.T) {
	e := newEngine(t)
	acct := e.account(t, "cn-liab", ledger.KindChartNode, "-500")
	assertAmount(t, "-500", acct.CachedBalance)
}

func TestRegistry_ListActiveAccounts_ExcludesDeactivated(t *testing.T) {
	// GIVEN: Two registers, one deactivated
	// WHEN: Listing active registers
	// THEN: Only the active one is returned, history intact on the other

	ctx := context.Background()
	e := newEngine(t)
	e.account(t, "reg-a", ledger.KindCashRegister, "10")
	e.account(t, "reg-b", ledger.KindCashRegister, "20")
	e.account(t, "bank-1", ledger.KindBankAccount, "0")
	require.NoError(t, e.registry.Deactivate(ctx, "reg-b"))

	active, err := e.registry.ListActiveAccounts(ctx, ledger.KindCashRegister)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, ledger.AccountID("reg-a"), active[0].ID)

	b, err := e.registry.GetAccount(ctx, "reg-b")
	require.NoError(t, err)
	assertAmount(t, "20", b.CachedBalance)
}

func TestRegistry_GetAccount_NotFound(t *testing.T) {
	e := newEngine(t)
	_, err := e.registry.GetAccount(context.Background(), "ghost")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	assert.True(t, ledger.IsNotFound(err))
}

// conflictingStore loses the version race a fixed number of times.
type conflictingStore struct {
	*store.Memory
	conflicts atomic.Int32
	calls     atomic.Int32
}

func (s *conflictingStore) UpdateCachedBalance(ctx context.Context, id ledger.AccountID, balance decimal.Decimal, expected int64, at time.Time) (ledger.Account, error) {
	s.calls.Add(1)
	if s.conflicts.Add(-1) >= 0 {
		return ledger.Account{}, ledger.ErrConcurrentModification
	}
	return s.Memory.UpdateCachedBalance(ctx, id, balance, expected, at)
}

func TestRegistry_SetCachedBalance_RetriesVersionConflict(t *testing.T) {
	// GIVEN: A store that reports two version conflicts
	// WHEN: Setting the cached balance
	// THEN: The write is retried transparently and succeeds on attempt three

	ctx := context.Background()
	cs := &conflictingStore{Memory: store.NewMemory()}
	cs.conflicts.Store(2)
	registry := ledger.NewRegistry(cs)
	_, err := registry.CreateAccount(ctx, ledger.NewAccount{ID: "reg-1", Kind: ledger.KindCashRegister})
	require.NoError(t, err)

	acct, err := registry.SetCachedBalance(ctx, "reg-1", amt("42"))
	require.NoError(t, err)
	assertAmount(t, "42", acct.CachedBalance)
	assert.Equal(t, int32(3), cs.calls.Load())
	assert.Equal(t, int64(1), acct.Version)
}

func TestRegistry_SetCachedBalance_GivesUpAfterMaxRetries(t *testing.T) {
	// GIVEN: A store that always reports a version conflict
	// WHEN: Setting the cached balance
	// THEN: ConcurrentUpdateError after the initial attempt plus MaxRetries

	ctx := context.Background()
	cs := &conflictingStore{Memory: store.NewMemory()}
	cs.conflicts.Store(1000)
	registry := ledger.NewRegistry(cs)
	_, err := registry.CreateAccount(ctx, ledger.NewAccount{ID: "reg-1", Kind: ledger.KindCashRegister})
	require.NoError(t, err)

	_, err = registry.SetCachedBalance(ctx, "reg-1", amt("42"))

	var cerr *ledger.ConcurrentUpdateError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ledger.DefaultMaxRetries+1, cerr.Attempts)
	assert.True(t, ledger.IsRetryable(err))

	acct, err := registry.GetAccount(ctx, "reg-1")
	require.NoError(t, err)
	assert.True(t, acct.CachedBalance.IsZero(), "nothing written")
}

// =============================================================================
// JOURNAL TESTS
// =============================================================================

func TestJournal_AppendEntry_Validation(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.account(t, "reg-1", ledger.KindCashRegister, "0")

	valid := ledger.Posting{
		AccountID: "reg-1",
		Direction: ledger.Credit,
		Amount:    amt("10"),
		Origin:    ledger.Origin{Kind: ledger.OriginSale, ID: "s1"},
	}

	tests := []struct {
		name   string
		mutate func(p *ledger.Posting)
		field  string
	}{
		{"negative amount", func(p *ledger.Posting) { p.Amount = amt("-5") }, "amount"},
		{"bad direction", func(p *ledger.Posting) { p.Direction = "sideways" }, "direction"},
		{"unknown account", func(p *ledger.Posting) { p.AccountID = "ghost" }, "account_id"},
		{"missing origin id", func(p *ledger.Posting) { p.Origin.ID = "" }, "origin_id"},
		{"unknown origin kind", func(p *ledger.Posting) { p.Origin.Kind = "refund" }, "origin_kind"},
		{"unknown leg", func(p *ledger.Posting) { p.Origin.Leg = "middle" }, "leg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			_, err := e.journal.AppendEntry(ctx, p)
			var verr *ledger.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	entries, err := ledger.Collect(e.journal.ListEntries(ctx, "reg-1", ledger.Range{}))
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected postings write nothing")
}

func TestJournal_DuplicateOrigin_Rejected(t *testing.T) {
	// GIVEN: Sale s1 already recorded on reg-1
	// WHEN: Recording sale s1 again
	// THEN: DuplicateOriginError naming the existing entry, one entry total

	ctx := context.Background()
	e := newEngine(t)
	e.account(t, "reg-1", ledger.KindCashRegister, "0")
	first := e.post(t, "reg-1", ledger.Credit, "75.50", ledger.OriginSale, "s1", day(1))

	_, err := e.journal.AppendEntry(ctx, ledger.Posting{
		AccountID: "reg-1",
		Direction: ledger.Credit,
		Amount:    amt("75.50"),
		Origin:    ledger.Origin{Kind: ledger.OriginSale, ID: "s1"},
	})

	var dup *ledger.DuplicateOriginError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ExistingID)
	assert.True(t, ledger.IsDuplicate(err))

	entries, err := ledger.Collect(e.journal.ListEntries(ctx, "reg-1", ledger.Range{}))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestJournal_SameOriginDifferentLegs_Allowed(t *testing.T) {
	// GIVEN: A transfer between two accounts
	// WHEN: Both legs are appended as a batch
	// THEN: Two entries share the origin id, distinguished by leg

	ctx := context.Background()
	e := newEngine(t)
	e.account(t, "reg-1", ledger.KindCashRegister, "100")
	e.account(t, "bank-1", ledger.KindBankAccount, "0")

	entries, err := e.journal.AppendBatch(ctx, []ledger.Posting{
		{AccountID: "reg-1", Direction: ledger.Debit, Amount: amt("40"), Origin: ledger.Origin{Kind: ledger.OriginManual, ID: "t1", Leg: ledger.LegSource}},
		{AccountID: "bank-1", Direction: ledger.Credit, Amount: amt("40"), Origin: ledger.Origin{Kind: ledger.OriginManual, ID: "t1", Leg: ledger.LegDestination}},
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Less(t, entries[0].Seq, entries[1].Seq)
}

func TestJournal_AppendBatch_AllOrNothing(t *testing.T) {
	// GIVEN: Sale s1 already on reg-1
	// WHEN: A batch contains a new sale and a repeat of s1
	// THEN: The batch fails and the new sale is not written either

	ctx := context.Background()
	e := newEngine(t)
	e.account(t, "reg-1", ledger.KindCashRegister, "0")
	e.post(t, "reg-1", ledger.Credit, "10", ledger.OriginSale, "s1", day(1))

	_, err := e.journal.AppendBatch(ctx, []ledger.Posting{
		{AccountID: "reg-1", Direction: ledger.Credit, Amount: amt("5"), Origin: ledger.Origin{Kind: ledger.OriginSale, ID: "s2"}},
		{AccountID: "reg-1", Direction: ledger.Credit, Amount: amt("10"), Origin: ledger.Origin{Kind: ledger.OriginSale, ID: "s1"}},
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateOrigin)

	_, err = e.journal.FindByOrigin(ctx, "reg-1", ledger.Origin{Kind: ledger.OriginSale, ID: "s2"})
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}

func TestJournal_InactiveAccount_RejectsNewPostings(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.account(t, "reg-1", ledger.KindCashRegister, "0")
	sale := e.post(t, "reg-1", ledger.Credit, "10", ledger.OriginSale, "s1", day(1))
	require.NoError(t, e.registry.Deactivate(ctx, "reg-1"))

	_, err := e.journal.AppendEntry(ctx, ledger.Posting{
		AccountID: "reg-1",
		Direction: ledger.Credit,
		Amount:    amt("1"),
		Origin:    ledger.Origin{Kind: ledger.OriginSale, ID: "s2"},
	})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	// Corrections still land on inactive accounts.
	_, err = e.journal.RetractEntry(ctx, sale.ID, "entered on closed register")
	assert.NoError(t, err)
}

func TestJournal_ListEntries_OrderedByOccurredAtThenInsertion(t *testing.T) {
	// GIVEN: Entries appended out of time order, two sharing a timestamp
	// WHEN: Listing with a page size smaller than the log
	// THEN: Entries come back by OccurredAt, ties by insertion order

	ctx := context.Background()
	e := newEngine(t)
	e.journal.PageSize = 2
	e.account(t, "reg-1", ledger.KindCashRegister, "0")

	e.post(t, "reg-1", ledger.Credit, "3", ledger.OriginSale, "c", day(3))
	e.post(t, "reg-1", ledger.Credit, "1", ledger.OriginSale, "a", day(1))
	e.post(t, "reg-1", ledger.Credit, "2", ledger.OriginSale, "b1", day(2))
	e.post(t, "reg-1", ledger.Credit, "2", ledger.OriginSale, "b2", day(2))
	e.post(t, "reg-1", ledger.Credit, "4", ledger.OriginSale, "d", day(4))

	entries, err := ledger.Collect(e.journal.ListEntries(ctx, "reg-1", ledger.Range{}))
	require.NoError(t, err)

	var order []string
	for _, entry := range entries {
		order = append(order, entry.Origin.ID)
	}
	assert.Equal(t, []string{"a", "b1", "b2", "c", "d"}, order)
}

func TestJournal_ListEntries_RangeAndRestart(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.journal.PageSize = 1
	e.account(t, "reg-1", ledger.KindCashRegister, "0")
	for i := 1; i <= 5; i++ {
		e.post(t, "reg-1", ledger.Credit, "1", ledger.OriginSale, string(rune('a'+i)), day(i))
	}

	seq := e.journal.ListEntries(ctx, "reg-1", ledger.Range{From: day(2), To: day(4)})
	first, err := ledger.Collect(seq)
	require.NoError(t, err)
	assert.Len(t, first, 3, "range is inclusive on both ends")

	second, err := ledger.Collect(seq)
	require.NoError(t, err)
	assert.Equal(t, first, second, "ranging again restarts from the beginning")

	// Stopping early is allowed.
	n := 0
	for _, err := range seq {
		require.NoError(t, err)
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestJournal_RetractEntry_RestoresBalance(t *testing.T) {
	// GIVEN: A register at 1000 with a 250 payment credited
	// WHEN: The payment entry is retracted
	// THEN: Exactly one compensating debit exists and the balance is back to 1000

	ctx := context.Background()
	e := newEngine(t)
	e.account(t, "reg-1", ledger.KindCashRegister, "1000")
	payment := e.post(t, "reg-1", ledger.Credit, "250", ledger.OriginPayment, "p1", day(1))

	correction, err := e.journal.RetractEntry(ctx, payment.ID, "payment voided")
	require.NoError(t, err)
	assert.Equal(t, ledger.Debit, correction.Direction)
	assertAmount(t, "250", correction.Amount)
	assert.Equal(t, ledger.CorrectionOf(payment.ID), correction.Origin)

	entries, err := ledger.Collect(e.journal.ListEntries(ctx, "reg-1", ledger.Range{}))
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	balance, err := e.calc.ComputeBalance(ctx, "reg-1")
	require.NoError(t, err)
	assertAmount(t, "1000", balance)
}

func TestJournal_RetractEntry_Twice_IsDuplicate(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.account(t, "reg-1", ledger.KindCashRegister, "0")
	entry := e.post(t, "reg-1", ledger.Credit, "5", ledger.OriginSale, "s1", day(1))

	_, err := e.journal.RetractEntry(ctx, entry.ID, "wrong register")
	require.NoError(t, err)
	_, err = e.journal.RetractEntry(ctx, entry.ID, "wrong register")
	assert.ErrorIs(t, err, ledger.ErrDuplicateOrigin)

	_, err = e.journal.RetractEntry(ctx, "missing", "x")
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)

	_, err = e.journal.RetractEntry(ctx, entry.ID, "")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestJournal_CorrectionOrigin_OnlyThroughRetract(t *testing.T) {
	// GIVEN: A register with a 250 payment credited
	// WHEN: A caller appends a correction for it directly
	// THEN: Validation error, nothing written, and the real retraction still mirrors the entry

	ctx := context.Background()
	e := newEngine(t)
	e.account(t, "reg-1", ledger.KindCashRegister, "1000")
	payment := e.post(t, "reg-1", ledger.Credit, "250", ledger.OriginPayment, "p1", day(1))

	_, err := e.journal.AppendEntry(ctx, ledger.Posting{
		AccountID: "reg-1",
		Direction: ledger.Credit,
		Amount:    amt("5"),
		Origin:    ledger.CorrectionOf(payment.ID),
	})
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "origin", verr.Field)

	_, err = e.journal.AppendBatch(ctx, []ledger.Posting{
		{AccountID: "reg-1", Direction: ledger.Credit, Amount: amt("1"), Origin: ledger.Origin{Kind: ledger.OriginManual, ID: "m1"}},
		{AccountID: "reg-1", Direction: ledger.Debit, Amount: amt("1"), Origin: ledger.CorrectionOf(payment.ID)},
	})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	entries, err := ledger.Collect(e.journal.ListEntries(ctx, "reg-1", ledger.Range{}))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	correction, err := e.journal.RetractEntry(ctx, payment.ID, "payment voided")
	require.NoError(t, err)
	assert.Equal(t, ledger.Debit, correction.Direction)
	assertAmount(t, "250", correction.Amount)
}
