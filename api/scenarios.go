/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	data for demos. Each scenario drives the real flows (registry, origin
	adapters, invoicing) so the resulting balances are the ones an operator
	would see in production.

AVAILABLE SCENARIOS:

	cash-1:  register 1000, payment +250, sale +75.50, payment voided
	         balances 1250 -> 1325.50 -> 1075.50
	inv-1:   invoice 1450 paid by one bank payment, confirmed twice,
	         exactly one ledger entry
	CN-1:    chart node over two accounts (500 + 300), aggregate 800

HOW SCENARIOS WORK:
 1. Pick a fresh id suffix so scenarios can be loaded repeatedly
 2. Create accounts through the registry
 3. Feed events through the adapters and the invoice service
 4. Return the resulting accounts, invoices and aggregate

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "cash-1"}

NOTE:

	Scenarios only add data. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: shared helpers
  - origin/: adapters the scenarios go through
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/invoicing"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/origin"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "cash-1",
		Name:        "Cash Register Day",
		Description: "Payment, sale and a voided payment on one register (1000 -> 1250 -> 1325.50 -> 1075.50)",
	},
	{
		ID:          "inv-1",
		Name:        "Invoice Paid in Full",
		Description: "1450 invoice settled by one bank payment confirmed twice; one ledger entry",
	},
	{
		ID:          "CN-1",
		Name:        "Chart Node Rollup",
		Description: "Two accounts registered under one chart node (500 + 300 = 800)",
	},
}

// ScenarioResultDTO is what a loaded scenario produced.
type ScenarioResultDTO struct {
	ScenarioID string        `json:"scenario_id"`
	Accounts   []AccountDTO  `json:"accounts"`
	Invoices   []InvoiceDTO  `json:"invoices,omitempty"`
	Aggregate  *AggregateDTO `json:"aggregate,omitempty"`
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.loadScenario(r.Context(), req.ScenarioID)
	if err != nil {
		h.writeDomainError(w, r, "failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) loadScenario(ctx context.Context, id string) (ScenarioResultDTO, error) {
	suffix := uuid.NewString()[:8]

	var (
		res ScenarioResultDTO
		err error
	)
	switch id {
	case "cash-1":
		res, err = h.loadCashScenario(ctx, suffix)
	case "inv-1":
		res, err = h.loadInvoiceScenario(ctx, suffix)
	case "CN-1":
		res, err = h.loadChartScenario(ctx, suffix)
	default:
		return ScenarioResultDTO{}, &ledger.ValidationError{Field: "scenario_id", Message: fmt.Sprintf("unknown scenario %q", id)}
	}
	if err != nil {
		return ScenarioResultDTO{}, fmt.Errorf("scenario %s: %w", id, err)
	}
	res.ScenarioID = id
	h.Log.Info().Str("scenario", id).Str("suffix", suffix).Msg("scenario loaded")
	return res, nil
}

// =============================================================================
// SCENARIO: cash-1
// =============================================================================

func (h *Handler) loadCashScenario(ctx context.Context, suffix string) (ScenarioResultDTO, error) {
	day := time.Now().UTC().Truncate(24 * time.Hour)

	register, err := h.Registry.CreateAccount(ctx, ledger.NewAccount{
		ID:             ledger.AccountID("register-" + suffix),
		Kind:           ledger.KindCashRegister,
		Name:           "Front desk register",
		InitialBalance: ledger.MustAmount("1000.00"),
	})
	if err != nil {
		return ScenarioResultDTO{}, err
	}

	// Payment p1: 250 cash against an invoice, confirmed on entry.
	inv, err := h.Invoicing.CreateInvoice(ctx, invoicing.NewInvoice{
		ID:       "inv-" + suffix,
		ClientID: "client-" + suffix,
		Total:    ledger.MustAmount("250.00"),
	})
	if err != nil {
		return ScenarioResultDTO{}, err
	}
	p1, err := h.Invoicing.RecordPayment(ctx, invoicing.Payment{
		ID:         "p1-" + suffix,
		InvoiceID:  inv.ID,
		Amount:     ledger.MustAmount("250.00"),
		Method:     origin.MethodCash,
		AccountID:  register.ID,
		State:      invoicing.PaymentConfirmed,
		OccurredAt: day.Add(9 * time.Hour),
	})
	if err != nil {
		return ScenarioResultDTO{}, err
	}

	// Sale s1: 75.50 completed at the register.
	postings, err := origin.SaleAdapter{}.Postings(origin.Sale{
		ID:          "s1-" + suffix,
		AccountID:   register.ID,
		Total:       ledger.MustAmount("75.50"),
		CompletedAt: day.Add(11 * time.Hour),
		Status:      origin.SaleCompleted,
	})
	if err != nil {
		return ScenarioResultDTO{}, err
	}
	if _, err := h.Ingester.Ingest(ctx, postings); err != nil {
		return ScenarioResultDTO{}, err
	}
	if _, err := h.Calculator.RefreshCachedBalance(ctx, register.ID); err != nil {
		return ScenarioResultDTO{}, err
	}

	// p1 turns out to be bogus.
	if _, err := h.Invoicing.VoidPayment(ctx, p1.ID); err != nil {
		return ScenarioResultDTO{}, err
	}

	return h.scenarioResult(ctx, []ledger.AccountID{register.ID}, []string{inv.ID})
}

// =============================================================================
// SCENARIO: inv-1
// =============================================================================

func (h *Handler) loadInvoiceScenario(ctx context.Context, suffix string) (ScenarioResultDTO, error) {
	bank, err := h.Registry.CreateAccount(ctx, ledger.NewAccount{
		ID:             ledger.AccountID("bank-" + suffix),
		Kind:           ledger.KindBankAccount,
		Name:           "Operating account",
		InitialBalance: decimal.Zero,
	})
	if err != nil {
		return ScenarioResultDTO{}, err
	}

	inv, err := h.Invoicing.CreateInvoice(ctx, invoicing.NewInvoice{
		ID:       "inv-1-" + suffix,
		ClientID: "client-" + suffix,
		Total:    ledger.MustAmount("1450.00"),
	})
	if err != nil {
		return ScenarioResultDTO{}, err
	}

	p, err := h.Invoicing.RecordPayment(ctx, invoicing.Payment{
		ID:        "pay-1-" + suffix,
		InvoiceID: inv.ID,
		Amount:    ledger.MustAmount("1450.00"),
		Method:    origin.MethodBank,
		AccountID: bank.ID,
	})
	if err != nil {
		return ScenarioResultDTO{}, err
	}

	// Confirmation delivered twice by the payment collaborator.
	for range 2 {
		if _, err := h.Invoicing.ConfirmPayment(ctx, p.ID); err != nil {
			return ScenarioResultDTO{}, err
		}
	}

	return h.scenarioResult(ctx, []ledger.AccountID{bank.ID}, []string{inv.ID})
}

// =============================================================================
// SCENARIO: CN-1
// =============================================================================

func (h *Handler) loadChartScenario(ctx context.Context, suffix string) (ScenarioResultDTO, error) {
	node, err := h.Registry.CreateAccount(ctx, ledger.NewAccount{
		ID:   ledger.AccountID("CN-1-" + suffix),
		Kind: ledger.KindChartNode,
		Name: "Current assets",
	})
	if err != nil {
		return ScenarioResultDTO{}, err
	}

	children := []ledger.NewAccount{
		{ID: ledger.AccountID("bank-" + suffix), Kind: ledger.KindBankAccount, Name: "Operating account", InitialBalance: ledger.MustAmount("500.00"), ParentID: node.ID},
		{ID: ledger.AccountID("register-" + suffix), Kind: ledger.KindCashRegister, Name: "Front desk register", InitialBalance: ledger.MustAmount("300.00"), ParentID: node.ID},
	}
	ids := []ledger.AccountID{node.ID}
	for _, in := range children {
		acct, err := h.Registry.CreateAccount(ctx, in)
		if err != nil {
			return ScenarioResultDTO{}, err
		}
		ids = append(ids, acct.ID)
	}

	res, err := h.scenarioResult(ctx, ids, nil)
	if err != nil {
		return ScenarioResultDTO{}, err
	}
	agg, err := h.Calculator.ComputeAggregateBalance(ctx, node.ID)
	if err != nil {
		return ScenarioResultDTO{}, err
	}
	dto := toAggregateDTO(agg)
	res.Aggregate = &dto
	return res, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) scenarioResult(ctx context.Context, accountIDs []ledger.AccountID, invoiceIDs []string) (ScenarioResultDTO, error) {
	res := ScenarioResultDTO{Accounts: []AccountDTO{}}
	for _, id := range accountIDs {
		acct, err := h.Registry.GetAccount(ctx, id)
		if err != nil {
			return ScenarioResultDTO{}, err
		}
		res.Accounts = append(res.Accounts, toAccountDTO(acct))
	}
	for _, id := range invoiceIDs {
		sum, err := h.Invoicing.GetInvoice(ctx, id)
		if err != nil {
			return ScenarioResultDTO{}, err
		}
		res.Invoices = append(res.Invoices, toInvoiceDTO(sum))
	}
	return res, nil
}
