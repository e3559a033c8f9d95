/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  decimal.Decimal marshals as a JSON string ("1250.00") and accepts either a
  string or a number on input. Floats never touch an amount.

TIMES:
  RFC 3339 strings. Request times are optional; empty means "now".

VALIDATION:
  Validation is done in handlers and the domain, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/invoicing"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/origin"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountDTO struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Name           string          `json:"name"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	CachedBalance  decimal.Decimal `json:"cached_balance"`
	ParentID       string          `json:"parent_id,omitempty"`
	Active         bool            `json:"active"`
	Version        int64           `json:"version"`
	CreatedAt      string          `json:"created_at"`
	RefreshedAt    string          `json:"refreshed_at,omitempty"`
}

type CreateAccountRequest struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Name           string          `json:"name"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	ParentID       string          `json:"parent_id"`
}

type BalanceDTO struct {
	AccountID string          `json:"account_id"`
	Stored    decimal.Decimal `json:"stored"`
	Computed  decimal.Decimal `json:"computed"`
	Drift     decimal.Decimal `json:"drift"`
}

type AggregateDTO struct {
	ChartNodeID string          `json:"chart_node_id"`
	Total       decimal.Decimal `json:"total"`
	Members     []MemberDTO     `json:"members"`
}

type MemberDTO struct {
	AccountID string          `json:"account_id"`
	Kind      string          `json:"kind"`
	Balance   decimal.Decimal `json:"balance"`
}

// =============================================================================
// ENTRIES
// =============================================================================

type EntryDTO struct {
	ID          string          `json:"id"`
	Seq         int64           `json:"seq"`
	AccountID   string          `json:"account_id"`
	Direction   string          `json:"direction"`
	Amount      decimal.Decimal `json:"amount"`
	OccurredAt  string          `json:"occurred_at"`
	RecordedAt  string          `json:"recorded_at"`
	CategoryID  string          `json:"category_id,omitempty"`
	Origin      string          `json:"origin"`
	Description string          `json:"description,omitempty"`
}

type AppendEntryRequest struct {
	AccountID   string          `json:"account_id"`
	Direction   string          `json:"direction"`
	Amount      decimal.Decimal `json:"amount"`
	Origin      string          `json:"origin"` // "kind:id" or "kind:id#leg"
	OccurredAt  string          `json:"occurred_at"`
	CategoryID  string          `json:"category_id"`
	Description string          `json:"description"`
}

type RetractRequest struct {
	Reason string `json:"reason"`
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditResultDTO struct {
	AccountID string          `json:"account_id"`
	Kind      string          `json:"kind"`
	Stored    decimal.Decimal `json:"stored"`
	Computed  decimal.Decimal `json:"computed"`
	Drift     decimal.Decimal `json:"drift"`
}

type AuditReportDTO struct {
	Accounts int              `json:"accounts"`
	Drifted  int              `json:"drifted"`
	Results  []AuditResultDTO `json:"results"`
}

type RepairDTO struct {
	AccountID string          `json:"account_id"`
	Before    decimal.Decimal `json:"before"`
	After     decimal.Decimal `json:"after"`
	Changed   bool            `json:"changed"`
}

type AuditRunDTO struct {
	ID            string          `json:"id"`
	StartedAt     string          `json:"started_at"`
	CompletedAt   string          `json:"completed_at,omitempty"`
	Status        string          `json:"status"`
	Accounts      int             `json:"accounts"`
	Drifted       int             `json:"drifted"`
	TotalAbsDrift decimal.Decimal `json:"total_abs_drift"`
	Error         string          `json:"error,omitempty"`
}

// =============================================================================
// ORIGINS
// =============================================================================

type SaleRequest struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	Total       decimal.Decimal `json:"total"`
	CompletedAt string          `json:"completed_at"`
	Status      string          `json:"status"`
}

type JournalLineRequest struct {
	ID        string          `json:"id"`
	JournalID string          `json:"journal_id"`
	AccountID string          `json:"account_id"`
	Debit     decimal.Decimal `json:"debit"`
	Credit    decimal.Decimal `json:"credit"`
	PostedAt  string          `json:"posted_at"`
	Posted    bool            `json:"posted"`
}

type ManualAdjustmentRequest struct {
	ID               string          `json:"id"`
	AccountID        string          `json:"account_id"`
	CounterAccountID string          `json:"counter_account_id"`
	Direction        string          `json:"direction"`
	Amount           decimal.Decimal `json:"amount"`
	CategoryID       string          `json:"category_id"`
	OccurredAt       string          `json:"occurred_at"`
	Description      string          `json:"description"`
}

// IngestDTO is the outcome of feeding one event to an adapter.
type IngestDTO struct {
	Entries   []EntryDTO `json:"entries"`
	Duplicate bool       `json:"duplicate"`
}

type CategoryDTO struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	System bool   `json:"system"`
}

// =============================================================================
// INVOICES & PAYMENTS
// =============================================================================

type InvoiceDTO struct {
	ID        string          `json:"id"`
	ClientID  string          `json:"client_id,omitempty"`
	Total     decimal.Decimal `json:"total"`
	State     string          `json:"state"`
	Settled   decimal.Decimal `json:"settled"`
	Payments  []PaymentDTO    `json:"payments"`
	CreatedAt string          `json:"created_at"`
	VoidedAt  string          `json:"voided_at,omitempty"`
}

type CreateInvoiceRequest struct {
	ID       string          `json:"id"`
	ClientID string          `json:"client_id"`
	Total    decimal.Decimal `json:"total"`
}

type PaymentDTO struct {
	ID          string          `json:"id"`
	InvoiceID   string          `json:"invoice_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Discount    decimal.Decimal `json:"discount"`
	Method      string          `json:"method"`
	AccountID   string          `json:"account_id,omitempty"`
	State       string          `json:"state"`
	OccurredAt  string          `json:"occurred_at"`
	ConfirmedAt string          `json:"confirmed_at,omitempty"`
	VoidedAt    string          `json:"voided_at,omitempty"`
}

type RecordPaymentRequest struct {
	ID         string          `json:"id"`
	InvoiceID  string          `json:"invoice_id"`
	Amount     decimal.Decimal `json:"amount"`
	Discount   decimal.Decimal `json:"discount"`
	Method     string          `json:"method"`
	AccountID  string          `json:"account_id"`
	State      string          `json:"state"` // pending (default) or confirmed
	OccurredAt string          `json:"occurred_at"`
}

// =============================================================================
// SCENARIOS & MISC
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		ID:             string(a.ID),
		Kind:           string(a.Kind),
		Name:           a.Name,
		InitialBalance: a.InitialBalance,
		CachedBalance:  a.CachedBalance,
		ParentID:       string(a.ParentID),
		Active:         a.Active,
		Version:        a.Version,
		CreatedAt:      formatTime(a.CreatedAt),
		RefreshedAt:    formatTime(a.RefreshedAt),
	}
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:          string(e.ID),
		Seq:         e.Seq,
		AccountID:   string(e.AccountID),
		Direction:   string(e.Direction),
		Amount:      e.Amount,
		OccurredAt:  formatTime(e.OccurredAt),
		RecordedAt:  formatTime(e.RecordedAt),
		CategoryID:  e.CategoryID,
		Origin:      e.Origin.String(),
		Description: e.Description,
	}
}

func toEntryDTOs(entries []ledger.Entry) []EntryDTO {
	out := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryDTO(e))
	}
	return out
}

func toAggregateDTO(agg ledger.Aggregate) AggregateDTO {
	members := make([]MemberDTO, 0, len(agg.Members))
	for _, m := range agg.Members {
		members = append(members, MemberDTO{AccountID: string(m.AccountID), Kind: string(m.Kind), Balance: m.Balance})
	}
	return AggregateDTO{ChartNodeID: string(agg.ChartNodeID), Total: agg.Total, Members: members}
}

func toAuditResultDTO(r ledger.AuditResult) AuditResultDTO {
	return AuditResultDTO{
		AccountID: string(r.AccountID),
		Kind:      string(r.Kind),
		Stored:    r.Stored,
		Computed:  r.Computed,
		Drift:     r.Drift,
	}
}

func toRepairDTO(r ledger.RepairResult) RepairDTO {
	return RepairDTO{
		AccountID: string(r.AccountID),
		Before:    r.Before,
		After:     r.After,
		Changed:   r.Changed(),
	}
}

func toAuditRunDTO(r ledger.AuditRun) AuditRunDTO {
	return AuditRunDTO{
		ID:            r.ID,
		StartedAt:     formatTime(r.StartedAt),
		CompletedAt:   formatTime(r.CompletedAt),
		Status:        string(r.Status),
		Accounts:      r.Accounts,
		Drifted:       r.Drifted,
		TotalAbsDrift: r.TotalAbsDrift,
		Error:         r.Error,
	}
}

func toPaymentDTO(p invoicing.Payment) PaymentDTO {
	return PaymentDTO{
		ID:          p.ID,
		InvoiceID:   p.InvoiceID,
		Amount:      p.Amount,
		Discount:    p.Discount,
		Method:      string(p.Method),
		AccountID:   string(p.AccountID),
		State:       string(p.State),
		OccurredAt:  formatTime(p.OccurredAt),
		ConfirmedAt: formatTime(p.ConfirmedAt),
		VoidedAt:    formatTime(p.VoidedAt),
	}
}

func toInvoiceDTO(s invoicing.Summary) InvoiceDTO {
	payments := make([]PaymentDTO, 0, len(s.Payments))
	for _, p := range s.Payments {
		payments = append(payments, toPaymentDTO(p))
	}
	return InvoiceDTO{
		ID:        s.Invoice.ID,
		ClientID:  s.Invoice.ClientID,
		Total:     s.Invoice.Total,
		State:     string(s.Invoice.State),
		Settled:   s.Settled,
		Payments:  payments,
		CreatedAt: formatTime(s.Invoice.CreatedAt),
		VoidedAt:  formatTime(s.Invoice.VoidedAt),
	}
}

func toCategoryDTO(c origin.Category) CategoryDTO {
	return CategoryDTO{ID: c.ID, Name: c.Name, System: c.System}
}
