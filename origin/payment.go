package origin

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

type PaymentMethod string

const (
	MethodCash        PaymentMethod = "cash"
	MethodBank        PaymentMethod = "bank"
	MethodStoreCredit PaymentMethod = "store_credit"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodBank, MethodStoreCredit:
		return true
	}
	return false
}

// MovesCash reports whether payments of this method reach a ledger account.
func (m PaymentMethod) MovesCash() bool { return m == MethodCash || m == MethodBank }

// TargetKind is the account kind a payment of this method must land on.
func (m PaymentMethod) TargetKind() ledger.AccountKind {
	switch m {
	case MethodCash:
		return ledger.KindCashRegister
	case MethodBank:
		return ledger.KindBankAccount
	}
	return ""
}

// Payment is the ledger's view of a confirmed client payment.
type Payment struct {
	ID         string
	AccountID  ledger.AccountID
	Amount     decimal.Decimal
	Discount   decimal.Decimal
	Method     PaymentMethod
	OccurredAt time.Time
}

// PaymentAdapter credits the cash part of a payment to its target account.
// The discount settles the invoice but moves no money, so it is never posted.
type PaymentAdapter struct{}

func (PaymentAdapter) Postings(p Payment) ([]ledger.Posting, error) {
	if p.ID == "" {
		return nil, invalid("payment_id", "required")
	}
	if !p.Method.Valid() {
		return nil, invalid("method", "unknown payment method %q", p.Method)
	}
	if p.Amount.IsNegative() {
		return nil, invalid("amount", "must be non-negative, got %s", p.Amount)
	}
	if p.Discount.IsNegative() {
		return nil, invalid("discount", "must be non-negative, got %s", p.Discount)
	}
	if !p.Method.MovesCash() || p.Amount.IsZero() {
		return nil, nil
	}
	if p.AccountID == "" {
		return nil, invalid("account_id", "%s payment needs a target account", p.Method)
	}

	return []ledger.Posting{{
		AccountID:   p.AccountID,
		Direction:   ledger.Credit,
		Amount:      p.Amount,
		Origin:      ledger.Origin{Kind: ledger.OriginPayment, ID: p.ID},
		OccurredAt:  p.OccurredAt,
		CategoryID:  CategoryPayments,
		Description: "payment " + p.ID,
	}}, nil
}
