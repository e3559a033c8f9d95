package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/store/sqlstore"
)

// seed creates a register with one sale and a corrupted cached balance.
func seed(t *testing.T, dsn string) {
	t.Helper()
	ctx := context.Background()

	store, err := sqlstore.New(dsn)
	require.NoError(t, err)
	defer store.Close()

	registry := ledger.NewRegistry(store)
	journal := ledger.NewJournal(store)

	_, err = registry.CreateAccount(ctx, ledger.NewAccount{ID: "reg-1", Kind: ledger.KindCashRegister, Name: "Register", InitialBalance: ledger.MustAmount("1000")})
	require.NoError(t, err)
	_, err = registry.CreateAccount(ctx, ledger.NewAccount{ID: "bank-1", Kind: ledger.KindBankAccount, Name: "Bank", InitialBalance: ledger.MustAmount("20")})
	require.NoError(t, err)
	_, err = journal.AppendEntry(ctx, ledger.Posting{
		AccountID:  "reg-1",
		Direction:  ledger.Credit,
		Amount:     ledger.MustAmount("75.50"),
		Origin:     ledger.Origin{Kind: ledger.OriginSale, ID: "s1"},
		OccurredAt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	// The cached balance never saw the sale.
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLedgerctl_AuditRepairFlow(t *testing.T) {
	// GIVEN: A database where reg-1 misses a 75.50 sale in its cached balance
	dsn := filepath.Join(t.TempDir(), "ledger.db")
	seed(t, dsn)

	// WHEN: Auditing
	out, err := run(t, "--dsn", dsn, "audit")

	// THEN: reg-1 is reported first with its drift
	require.NoError(t, err, out)
	assert.Contains(t, out, "reg-1")
	assert.Contains(t, out, "-75.50")
	assert.Contains(t, out, "2 accounts, 1 drifted")

	// WHEN: Repairing it by name
	out, err = run(t, "--dsn", dsn, "repair", "reg-1")
	require.NoError(t, err, out)
	assert.Contains(t, out, "1000.00")
	assert.Contains(t, out, "1075.50")
	assert.Contains(t, out, "1 repaired, 1 changed")

	// THEN: The balance agrees
	out, err = run(t, "--dsn", dsn, "balance", "reg-1")
	require.NoError(t, err, out)
	assert.Contains(t, out, "stored:   1075.50")
	assert.Contains(t, out, "drift:    0.00")

	// AND: The entry is listed and a recorded sweep shows up in runs
	out, err = run(t, "--dsn", dsn, "entries", "reg-1", "--from", "2026-03-01", "--to", "2026-03-01")
	require.NoError(t, err, out)
	assert.Contains(t, out, "sale:s1")

	out, err = run(t, "--dsn", dsn, "audit", "--record")
	require.NoError(t, err, out)
	assert.Contains(t, out, "completed")

	out, err = run(t, "--dsn", dsn, "runs")
	require.NoError(t, err, out)
	assert.Contains(t, out, "completed")
}

func TestLedgerctl_RepairArgs(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "ledger.db")
	seed(t, dsn)

	_, err := run(t, "--dsn", dsn, "repair")
	assert.Error(t, err, "needs accounts or --all")

	_, err = run(t, "--dsn", dsn, "refresh", "missing")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}
