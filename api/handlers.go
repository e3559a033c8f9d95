/*
handlers.go - HTTP API handlers for the reconciliation engine

PURPOSE:
  Exposes the ledger, origin adapters and invoice flow via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to the
  domain packages.

ENDPOINTS:
  Accounts:
    GET    /api/ledger/accounts?kind=           List active accounts
    POST   /api/ledger/accounts                 Create account
    GET    /api/ledger/accounts/{id}            Account details
    GET    /api/ledger/accounts/{id}/balance    Stored vs computed
    GET    /api/ledger/accounts/{id}/entries    Entries (?from=&to=)
    POST   /api/ledger/accounts/{id}/refresh    Recompute cached balance
    POST   /api/ledger/accounts/{id}/repair     Repair, returns before/after
    POST   /api/ledger/accounts/{id}/deactivate Hide from listings

  Entries:
    POST   /api/ledger/entries                  Append one entry
    GET    /api/ledger/entries/{id}             Entry details
    POST   /api/ledger/entries/{id}/retract     Compensating entry

  Chart / audit:
    GET    /api/ledger/chart/{id}/balance       Aggregate of a chart node
    GET    /api/ledger/audit                    Drift report
    GET    /api/ledger/audit/runs               Persisted sweeps
    POST   /api/ledger/audit/runs               Run a sweep now

  Origins:
    POST   /api/ledger/origins/sales            Completed sale
    POST   /api/ledger/origins/journal-lines    Posted journal line
    POST   /api/ledger/origins/manual           Operator adjustment
    GET    /api/ledger/origins/categories       Category catalog

  Invoices / payments: see server.go.

REQUEST FLOW:
  1. Parse HTTP request
  2. Build the domain input
  3. Call the domain (journal, calculator, auditor, invoicing)
  4. Refresh cached balances touched by a write
  5. Serialize response

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 403: Actor may not post manual adjustments
  - 404: Resource not found
  - 409: Duplicate origin, or cached-balance update lost its race
  - 500: Internal errors

  Ingesting an already-recorded event through an origin endpoint is not
  a conflict: it answers 200 with duplicate=true and the entries on file.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/ledger-engine/invoicing"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/logging"
	"github.com/warp/ledger-engine/origin"
)

// Actor headers identify who posts a manual adjustment.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

// DefaultAdjustmentRoles may post manual adjustments unless configured
// otherwise.
var DefaultAdjustmentRoles = []string{"admin", "accountant"}

const defaultRunsLimit = 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is the persistence the HTTP server runs against.
type Backend interface {
	ledger.Store
	ledger.AuditRunStore
	invoicing.Store
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      Backend
	Registry   *ledger.Registry
	Journal    *ledger.Journal
	Calculator *ledger.Calculator
	Auditor    *ledger.Auditor
	Ingester   *origin.Ingester
	Catalog    *origin.Catalog
	Manual     origin.ManualAdapter
	Invoicing  *invoicing.Service
	Log        zerolog.Logger
}

// NewHandler wires the engine over store.
func NewHandler(store Backend) *Handler {
	registry := ledger.NewRegistry(store)
	journal := ledger.NewJournal(store)
	calc := ledger.NewCalculator(registry, journal)
	catalog := origin.NewCatalog()

	return &Handler{
		Store:      store,
		Registry:   registry,
		Journal:    journal,
		Calculator: calc,
		Auditor:    ledger.NewAuditor(registry, calc, store),
		Ingester:   origin.NewIngester(journal),
		Catalog:    catalog,
		Manual: origin.ManualAdapter{
			Catalog:    catalog,
			Authorizer: origin.NewRoleAuthorizer(DefaultAdjustmentRoles...),
		},
		Invoicing: invoicing.NewService(store, registry, journal, calc),
		Log:       logging.WithComponent("api"),
	}
}

// Health reports liveness and whether the store answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	kind := ledger.AccountKind(r.URL.Query().Get("kind"))
	accounts, err := h.Registry.ListActiveAccounts(r.Context(), kind)
	if err != nil {
		h.writeDomainError(w, r, "failed to list accounts", err)
		return
	}

	dtos := make([]AccountDTO, 0, len(accounts))
	for _, a := range accounts {
		dtos = append(dtos, toAccountDTO(a))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !decode(w, r, &req) {
		return
	}

	acct, err := h.Registry.CreateAccount(r.Context(), ledger.NewAccount{
		ID:             ledger.AccountID(req.ID),
		Kind:           ledger.AccountKind(req.Kind),
		Name:           req.Name,
		InitialBalance: req.InitialBalance,
		ParentID:       ledger.AccountID(req.ParentID),
	})
	if err != nil {
		h.writeDomainError(w, r, "failed to create account", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(acct))
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Registry.GetAccount(r.Context(), accountParam(r))
	if err != nil {
		h.writeDomainError(w, r, "failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// GetBalance returns the stored balance next to a fresh computation. It is
// a read: nothing is written, whatever the drift.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	res, err := h.Auditor.AuditAccount(r.Context(), accountParam(r))
	if err != nil {
		h.writeDomainError(w, r, "failed to compute balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		AccountID: string(res.AccountID),
		Stored:    res.Stored,
		Computed:  res.Computed,
		Drift:     res.Drift,
	})
}

func (h *Handler) ListAccountEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := accountParam(r)

	rng, err := rangeParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid range", err)
		return
	}
	if _, err := h.Registry.GetAccount(ctx, id); err != nil {
		h.writeDomainError(w, r, "failed to list entries", err)
		return
	}

	entries, err := ledger.Collect(h.Journal.ListEntries(ctx, id, rng))
	if err != nil {
		h.writeDomainError(w, r, "failed to list entries", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

func (h *Handler) RefreshBalance(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Calculator.RefreshCachedBalance(r.Context(), accountParam(r))
	if err != nil {
		h.writeDomainError(w, r, "failed to refresh balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

func (h *Handler) RepairAccount(w http.ResponseWriter, r *http.Request) {
	res, err := h.Auditor.Repair(r.Context(), accountParam(r))
	if err != nil {
		h.writeDomainError(w, r, "failed to repair account", err)
		return
	}
	writeJSON(w, http.StatusOK, toRepairDTO(res))
}

func (h *Handler) DeactivateAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := accountParam(r)
	if err := h.Registry.Deactivate(ctx, id); err != nil {
		h.writeDomainError(w, r, "failed to deactivate account", err)
		return
	}
	acct, err := h.Registry.GetAccount(ctx, id)
	if err != nil {
		h.writeDomainError(w, r, "failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

func (h *Handler) GetAggregateBalance(w http.ResponseWriter, r *http.Request) {
	agg, err := h.Calculator.ComputeAggregateBalance(r.Context(), accountParam(r))
	if err != nil {
		h.writeDomainError(w, r, "failed to compute aggregate balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toAggregateDTO(agg))
}

// =============================================================================
// ENTRY ENDPOINTS
// =============================================================================

func (h *Handler) AppendEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AppendEntryRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := ledger.ParseOrigin(req.Origin)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid origin", err)
		return
	}
	occurredAt, err := parseTime(req.OccurredAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid occurred_at", err)
		return
	}

	entry, err := h.Journal.AppendEntry(ctx, ledger.Posting{
		AccountID:   ledger.AccountID(req.AccountID),
		Direction:   ledger.Direction(req.Direction),
		Amount:      req.Amount,
		Origin:      o,
		OccurredAt:  occurredAt,
		CategoryID:  req.CategoryID,
		Description: req.Description,
	})
	if err != nil {
		h.writeDomainError(w, r, "failed to append entry", err)
		return
	}

	h.refresh(ctx, entry.AccountID)
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Journal.GetEntry(r.Context(), ledger.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, "failed to get entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(entry))
}

func (h *Handler) RetractEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RetractRequest
	if !decode(w, r, &req) {
		return
	}

	correction, err := h.Journal.RetractEntry(ctx, ledger.EntryID(chi.URLParam(r, "id")), req.Reason)
	if err != nil {
		h.writeDomainError(w, r, "failed to retract entry", err)
		return
	}

	h.refresh(ctx, correction.AccountID)
	writeJSON(w, http.StatusCreated, toEntryDTO(correction))
}

// =============================================================================
// AUDIT ENDPOINTS
// =============================================================================

// Audit returns the drift report, largest drift first. ?only_drifted=true
// drops the accounts that agree.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	results, err := h.Auditor.AuditAll(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "audit failed", err)
		return
	}

	onlyDrifted := r.URL.Query().Get("only_drifted") == "true"
	report := AuditReportDTO{Accounts: len(results), Results: []AuditResultDTO{}}
	for _, res := range results {
		if res.Drifted() {
			report.Drifted++
		} else if onlyDrifted {
			continue
		}
		report.Results = append(report.Results, toAuditResultDTO(res))
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) ListAuditRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Auditor.ListRuns(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, r, "failed to list audit runs", err)
		return
	}
	dtos := make([]AuditRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toAuditRunDTO(run))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TriggerAuditRun runs a sweep synchronously and returns the recorded run.
func (h *Handler) TriggerAuditRun(w http.ResponseWriter, r *http.Request) {
	run, _, err := h.Auditor.Sweep(r.Context())
	if err != nil && run.Status == ledger.RunRunning {
		h.writeDomainError(w, r, "failed to start audit run", err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditRunDTO(run))
}

// =============================================================================
// ORIGIN ENDPOINTS
// =============================================================================

func (h *Handler) IngestSale(w http.ResponseWriter, r *http.Request) {
	var req SaleRequest
	if !decode(w, r, &req) {
		return
	}
	completedAt, err := parseTime(req.CompletedAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid completed_at", err)
		return
	}

	postings, err := origin.SaleAdapter{}.Postings(origin.Sale{
		ID:          req.ID,
		AccountID:   ledger.AccountID(req.AccountID),
		Total:       req.Total,
		CompletedAt: completedAt,
		Status:      req.Status,
	})
	h.ingest(w, r, postings, err)
}

func (h *Handler) IngestJournalLine(w http.ResponseWriter, r *http.Request) {
	var req JournalLineRequest
	if !decode(w, r, &req) {
		return
	}
	postedAt, err := parseTime(req.PostedAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid posted_at", err)
		return
	}

	postings, err := origin.JournalLineAdapter{}.Postings(origin.JournalLine{
		ID:        req.ID,
		JournalID: req.JournalID,
		AccountID: ledger.AccountID(req.AccountID),
		Debit:     req.Debit,
		Credit:    req.Credit,
		PostedAt:  postedAt,
		Posted:    req.Posted,
	})
	h.ingest(w, r, postings, err)
}

func (h *Handler) IngestManual(w http.ResponseWriter, r *http.Request) {
	var req ManualAdjustmentRequest
	if !decode(w, r, &req) {
		return
	}
	occurredAt, err := parseTime(req.OccurredAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid occurred_at", err)
		return
	}

	actor := origin.Actor{
		ID:   r.Header.Get(HeaderActorID),
		Role: r.Header.Get(HeaderActorRole),
	}
	postings, err := h.Manual.Postings(actor, origin.Adjustment{
		ID:               req.ID,
		AccountID:        ledger.AccountID(req.AccountID),
		CounterAccountID: ledger.AccountID(req.CounterAccountID),
		Direction:        ledger.Direction(req.Direction),
		Amount:           req.Amount,
		CategoryID:       req.CategoryID,
		OccurredAt:       occurredAt,
		Description:      req.Description,
	})
	h.ingest(w, r, postings, err)
}

func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	cats := h.Catalog.List()
	dtos := make([]CategoryDTO, 0, len(cats))
	for _, c := range cats {
		dtos = append(dtos, toCategoryDTO(c))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ingest appends adapter output. New entries answer 201, a replayed event
// 200 with the entries already on file.
func (h *Handler) ingest(w http.ResponseWriter, r *http.Request, postings []ledger.Posting, adaptErr error) {
	if adaptErr != nil {
		h.writeDomainError(w, r, "event rejected", adaptErr)
		return
	}
	ctx := r.Context()

	res, err := h.Ingester.Ingest(ctx, postings)
	if err != nil {
		h.writeDomainError(w, r, "failed to ingest event", err)
		return
	}

	status := http.StatusOK
	if !res.Duplicate && len(res.Entries) > 0 {
		status = http.StatusCreated
		for _, e := range res.Entries {
			h.refresh(ctx, e.AccountID)
		}
	}
	writeJSON(w, status, IngestDTO{Entries: toEntryDTOs(res.Entries), Duplicate: res.Duplicate})
}

// =============================================================================
// INVOICE & PAYMENT ENDPOINTS
// =============================================================================

func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateInvoiceRequest
	if !decode(w, r, &req) {
		return
	}
	inv, err := h.Invoicing.CreateInvoice(ctx, invoicing.NewInvoice{ID: req.ID, ClientID: req.ClientID, Total: req.Total})
	if err != nil {
		h.writeDomainError(w, r, "failed to create invoice", err)
		return
	}
	h.writeInvoice(w, r, http.StatusCreated, inv.ID)
}

func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	h.writeInvoice(w, r, http.StatusOK, chi.URLParam(r, "id"))
}

func (h *Handler) VoidInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Invoicing.VoidInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, "failed to void invoice", err)
		return
	}
	h.writeInvoice(w, r, http.StatusOK, inv.ID)
}

func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if !decode(w, r, &req) {
		return
	}
	occurredAt, err := parseTime(req.OccurredAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid occurred_at", err)
		return
	}

	p, err := h.Invoicing.RecordPayment(r.Context(), invoicing.Payment{
		ID:         req.ID,
		InvoiceID:  req.InvoiceID,
		Amount:     req.Amount,
		Discount:   req.Discount,
		Method:     origin.PaymentMethod(req.Method),
		AccountID:  ledger.AccountID(req.AccountID),
		State:      invoicing.PaymentState(req.State),
		OccurredAt: occurredAt,
	})
	if err != nil {
		h.writeDomainError(w, r, "failed to record payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(p))
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Invoicing.GetPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, "failed to get payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(p))
}

func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Invoicing.ConfirmPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, "failed to confirm payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(p))
}

func (h *Handler) VoidPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Invoicing.VoidPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, "failed to void payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(p))
}

func (h *Handler) writeInvoice(w http.ResponseWriter, r *http.Request, status int, id string) {
	sum, err := h.Invoicing.GetInvoice(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "failed to get invoice", err)
		return
	}
	writeJSON(w, status, toInvoiceDTO(sum))
}

// =============================================================================
// HELPERS
// =============================================================================

// refresh brings an account's cached balance up to date after a write. A
// failure here leaves drift for the auditor; the write itself stands.
func (h *Handler) refresh(ctx context.Context, id ledger.AccountID) {
	if _, err := h.Calculator.RefreshCachedBalance(ctx, id); err != nil {
		h.Log.Warn().Err(err).Str("account_id", string(id)).Msg("cached balance refresh failed")
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case ledger.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, origin.ErrUnauthorized):
		return http.StatusForbidden
	case ledger.IsNotFound(err),
		errors.Is(err, invoicing.ErrInvoiceNotFound),
		errors.Is(err, invoicing.ErrPaymentNotFound):
		return http.StatusNotFound
	case ledger.IsDuplicate(err), ledger.IsRetryable(err):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg(message)
	}
	writeError(w, status, message, err)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

func accountParam(r *http.Request) ledger.AccountID {
	return ledger.AccountID(chi.URLParam(r, "id"))
}

// parseTime accepts RFC 3339 or a bare date. Empty yields the zero time.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}

// rangeParams reads ?from= and ?to=. A bare date in "to" covers the whole day.
func rangeParams(r *http.Request) (ledger.Range, error) {
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"))
	if err != nil {
		return ledger.Range{}, err
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		return ledger.Range{}, err
	}
	if s := strings.TrimSpace(q.Get("to")); len(s) == len("2006-01-02") {
		to = to.Add(24*time.Hour - time.Nanosecond)
	}
	return ledger.Range{From: from, To: to}, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
