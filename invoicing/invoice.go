/*
Package invoicing keeps invoice and payment state in step with the ledger.

PURPOSE:
  An invoice's state is never stored as a decision; it is derived from the
  confirmed payments that point at it. The only state set directly is
  voided, and it is terminal.

STATE DERIVATION:
  settled = Σ (Amount + Discount) over confirmed payments

  voided                     -> voided (terminal)
  settled >= total           -> paid
  0 < settled < total        -> partial
  settled == 0               -> pending

  A discount settles the invoice but moves no money, so the ledger only ever
  sees Amount.

PAYMENT LIFECYCLE:
  pending --Confirm--> confirmed --Void--> voided
  pending --Void--> voided

  Confirm: ingest the ledger entry, mark confirmed, re-derive the invoice,
  refresh the target account's cached balance. Confirming twice writes no
  second entry.

  Void: retract the entry first, then mark voided, re-derive the invoice,
  refresh the cached balance. The entry is looked up by origin whatever the
  payment's stored state, so a confirm that posted but failed to save its
  state is still undone.

CONCURRENCY:
  Invoice writes are version-checked (Invoice.Version). The in-process
  mutex only orders writers within one server; across processes a stale
  write gets ErrStaleInvoice and is re-derived from fresh data.

SEE ALSO:
  - origin/payment.go: payment -> posting mapping
  - service.go: the confirmation and void flows
*/
package invoicing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/origin"
)

var (
	ErrInvoiceNotFound = errors.New("invoice not found")
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrStaleInvoice is returned by Store.UpdateInvoice when the stored
	// version no longer matches. It is retryable.
	ErrStaleInvoice = fmt.Errorf("invoice changed concurrently: %w", ledger.ErrConcurrentModification)
)

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceState string

const (
	InvoicePending InvoiceState = "pending"
	InvoicePartial InvoiceState = "partial"
	InvoicePaid    InvoiceState = "paid"
	InvoiceVoided  InvoiceState = "voided"
)

type Invoice struct {
	ID        string
	ClientID  string
	Total     decimal.Decimal
	State     InvoiceState
	CreatedAt time.Time
	UpdatedAt time.Time
	VoidedAt  time.Time
	// Version is bumped on every write and checked by UpdateInvoice.
	Version int64
}

type NewInvoice struct {
	ID       string
	ClientID string
	Total    decimal.Decimal
}

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentState string

const (
	PaymentPending   PaymentState = "pending"
	PaymentConfirmed PaymentState = "confirmed"
	PaymentVoided    PaymentState = "voided"
)

type Payment struct {
	ID          string
	InvoiceID   string // empty for payments on account
	Amount      decimal.Decimal
	Discount    decimal.Decimal
	Method      origin.PaymentMethod
	AccountID   ledger.AccountID
	State       PaymentState
	OccurredAt  time.Time
	ConfirmedAt time.Time
	VoidedAt    time.Time
}

// Settles is how much of an invoice this payment covers once confirmed.
func (p Payment) Settles() decimal.Decimal { return p.Amount.Add(p.Discount) }

func (p Payment) view() origin.Payment {
	return origin.Payment{
		ID:         p.ID,
		AccountID:  p.AccountID,
		Amount:     p.Amount,
		Discount:   p.Discount,
		Method:     p.Method,
		OccurredAt: p.OccurredAt,
	}
}

// =============================================================================
// DERIVATION
// =============================================================================

// Settled sums Amount + Discount of the confirmed payments of invoiceID.
func Settled(invoiceID string, payments []Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		if p.InvoiceID == invoiceID && p.State == PaymentConfirmed {
			total = total.Add(p.Settles())
		}
	}
	return total
}

// DeriveState computes the invoice state from its payments.
func DeriveState(inv Invoice, payments []Payment) InvoiceState {
	if inv.State == InvoiceVoided {
		return InvoiceVoided
	}
	settled := Settled(inv.ID, payments)
	switch {
	case settled.GreaterThanOrEqual(inv.Total) && settled.IsPositive():
		return InvoicePaid
	case settled.IsPositive():
		return InvoicePartial
	default:
		return InvoicePending
	}
}
