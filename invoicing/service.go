package invoicing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/logging"
	"github.com/warp/ledger-engine/origin"
)

func invalid(field, format string, args ...any) error {
	return &ledger.ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Service runs the invoice and payment flows against the ledger.
type Service struct {
	Store      Store
	Registry   *ledger.Registry
	Journal    *ledger.Journal
	Calculator *ledger.Calculator
	Ingester   *origin.Ingester
	Adapter    origin.PaymentAdapter
	// MaxRetries bounds re-derivation after a stale invoice write.
	MaxRetries int
	Now        func() time.Time
	Log        zerolog.Logger

	locks sync.Map // "invoice:<id>" / "payment:<id>" -> *sync.Mutex
}

func NewService(store Store, registry *ledger.Registry, journal *ledger.Journal, calc *ledger.Calculator) *Service {
	return &Service{
		Store:      store,
		Registry:   registry,
		Journal:    journal,
		Calculator: calc,
		Ingester:   origin.NewIngester(journal),
		MaxRetries: ledger.DefaultMaxRetries,
		Now:        func() time.Time { return time.Now().UTC() },
		Log:        logging.WithComponent("invoicing"),
	}
}

// Summary is an invoice together with its payments and settled amount.
type Summary struct {
	Invoice  Invoice
	Payments []Payment
	Settled  decimal.Decimal
}

// =============================================================================
// INVOICES
// =============================================================================

func (s *Service) CreateInvoice(ctx context.Context, in NewInvoice) (Invoice, error) {
	if !in.Total.IsPositive() {
		return Invoice{}, invalid("total", "must be positive, got %s", in.Total)
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()
	inv := Invoice{
		ID:        id,
		ClientID:  in.ClientID,
		Total:     in.Total,
		State:     InvoicePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Store.InsertInvoice(ctx, inv); err != nil {
		return Invoice{}, err
	}
	s.Log.Info().Str("invoice_id", inv.ID).Str("total", inv.Total.String()).Msg("invoice created")
	return inv, nil
}

func (s *Service) GetInvoice(ctx context.Context, id string) (Summary, error) {
	inv, err := s.Store.GetInvoice(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	payments, err := s.Store.PaymentsForInvoice(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Invoice: inv, Payments: payments, Settled: Settled(id, payments)}, nil
}

// VoidInvoice marks the invoice voided. Payments already confirmed against
// it keep their ledger entries; voiding them is a separate decision.
func (s *Service) VoidInvoice(ctx context.Context, id string) (Invoice, error) {
	inv, err := s.updateInvoice(ctx, id, func(inv Invoice, _ []Payment) (Invoice, bool) {
		if inv.State == InvoiceVoided {
			return inv, false
		}
		inv.State = InvoiceVoided
		inv.VoidedAt = s.now()
		return inv, true
	})
	if err != nil {
		return Invoice{}, err
	}
	s.Log.Info().Str("invoice_id", id).Msg("invoice voided")
	return inv, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

// RecordPayment stores a new payment. A payment submitted as confirmed goes
// straight through ConfirmPayment.
func (s *Service) RecordPayment(ctx context.Context, p Payment) (Payment, error) {
	confirm := false
	switch p.State {
	case "", PaymentPending:
	case PaymentConfirmed:
		confirm = true
	default:
		return Payment{}, invalid("state", "new payments are pending or confirmed, got %q", p.State)
	}
	if err := s.validatePayment(ctx, p); err != nil {
		return Payment{}, err
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.OccurredAt.IsZero() {
		p.OccurredAt = s.now()
	}
	p.State = PaymentPending
	p.ConfirmedAt = time.Time{}
	p.VoidedAt = time.Time{}
	if err := s.Store.InsertPayment(ctx, p); err != nil {
		return Payment{}, err
	}
	s.Log.Info().
		Str("payment_id", p.ID).
		Str("invoice_id", p.InvoiceID).
		Str("amount", p.Amount.String()).
		Str("method", string(p.Method)).
		Msg("payment recorded")

	if confirm {
		return s.ConfirmPayment(ctx, p.ID)
	}
	return p, nil
}

func (s *Service) validatePayment(ctx context.Context, p Payment) error {
	if !p.Method.Valid() {
		return invalid("method", "unknown payment method %q", p.Method)
	}
	if p.Amount.IsNegative() {
		return invalid("amount", "must be non-negative, got %s", p.Amount)
	}
	if p.Discount.IsNegative() {
		return invalid("discount", "must be non-negative, got %s", p.Discount)
	}
	if !p.Settles().IsPositive() {
		return invalid("amount", "payment settles nothing")
	}

	if p.Method.MovesCash() {
		if p.AccountID == "" {
			return invalid("account_id", "%s payment needs a target account", p.Method)
		}
		acct, err := s.Registry.GetAccount(ctx, p.AccountID)
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return invalid("account_id", "unknown account %q", p.AccountID)
		}
		if err != nil {
			return err
		}
		if want := p.Method.TargetKind(); acct.Kind != want {
			return invalid("account_id", "%s payment must target a %s, %s is a %s", p.Method, want, acct.ID, acct.Kind)
		}
	}

	if p.InvoiceID != "" {
		inv, err := s.Store.GetInvoice(ctx, p.InvoiceID)
		if err != nil {
			return err
		}
		if inv.State == InvoiceVoided {
			return invalid("invoice_id", "invoice %s is voided", inv.ID)
		}
	}
	return nil
}

func (s *Service) GetPayment(ctx context.Context, id string) (Payment, error) {
	return s.Store.GetPayment(ctx, id)
}

// ConfirmPayment records the payment in the ledger and confirms it.
func (s *Service) ConfirmPayment(ctx context.Context, id string) (Payment, error) {
	mu := s.lockFor("payment:" + id)
	mu.Lock()
	defer mu.Unlock()

	p, err := s.Store.GetPayment(ctx, id)
	if err != nil {
		return Payment{}, err
	}
	if p.State == PaymentVoided {
		return Payment{}, invalid("state", "payment %s is voided", id)
	}
	if p.InvoiceID != "" {
		inv, err := s.Store.GetInvoice(ctx, p.InvoiceID)
		if err != nil {
			return Payment{}, err
		}
		if inv.State == InvoiceVoided {
			return Payment{}, invalid("invoice_id", "invoice %s is voided", inv.ID)
		}
	}

	// 1. Ledger entry. A duplicate means an earlier attempt already got here.
	postings, err := s.Adapter.Postings(p.view())
	if err != nil {
		return Payment{}, err
	}
	res, err := s.Ingester.Ingest(ctx, postings)
	if err != nil {
		return Payment{}, fmt.Errorf("posting payment %s: %w", id, err)
	}

	// 2. Payment state.
	if p.State != PaymentConfirmed {
		p.State = PaymentConfirmed
		p.ConfirmedAt = s.now()
		if err := s.Store.UpdatePayment(ctx, p); err != nil {
			return Payment{}, err
		}
		s.Log.Info().
			Str("payment_id", id).
			Bool("replayed_entry", res.Duplicate).
			Msg("payment confirmed")
	}

	// 3. Invoice state.
	if err := s.rederive(ctx, p.InvoiceID); err != nil {
		return Payment{}, err
	}

	// 4. Cached balance.
	if len(postings) > 0 {
		if _, err := s.Calculator.RefreshCachedBalance(ctx, p.AccountID); err != nil {
			return Payment{}, err
		}
	}
	return p, nil
}

// VoidPayment voids a payment, retracting its ledger entry if it has one.
func (s *Service) VoidPayment(ctx context.Context, id string) (Payment, error) {
	mu := s.lockFor("payment:" + id)
	mu.Lock()
	defer mu.Unlock()

	p, err := s.Store.GetPayment(ctx, id)
	if err != nil {
		return Payment{}, err
	}
	if p.State == PaymentVoided {
		return p, nil
	}

	// 1. Compensating entry. Looked up by origin rather than trusting
	// p.State: a confirm can post its entry and then fail to save the state.
	retracted := false
	if p.Method.MovesCash() {
		entry, err := s.Journal.FindByOrigin(ctx, p.AccountID, ledger.Origin{Kind: ledger.OriginPayment, ID: p.ID})
		switch {
		case errors.Is(err, ledger.ErrEntryNotFound):
		case err != nil:
			return Payment{}, err
		default:
			_, err := s.Journal.RetractEntry(ctx, entry.ID, "payment "+p.ID+" voided")
			if err != nil && !ledger.IsDuplicate(err) {
				return Payment{}, fmt.Errorf("retracting payment %s: %w", id, err)
			}
			retracted = true
		}
	}

	// 2. Payment state.
	p.State = PaymentVoided
	p.VoidedAt = s.now()
	if err := s.Store.UpdatePayment(ctx, p); err != nil {
		return Payment{}, err
	}
	s.Log.Info().Str("payment_id", id).Bool("retracted", retracted).Msg("payment voided")

	// 3. Invoice state.
	if err := s.rederive(ctx, p.InvoiceID); err != nil {
		return Payment{}, err
	}

	// 4. Cached balance.
	if retracted {
		if _, err := s.Calculator.RefreshCachedBalance(ctx, p.AccountID); err != nil {
			return Payment{}, err
		}
	}
	return p, nil
}

// rederive recomputes and stores the invoice state from its payments.
func (s *Service) rederive(ctx context.Context, invoiceID string) error {
	if invoiceID == "" {
		return nil
	}
	_, err := s.updateInvoice(ctx, invoiceID, func(inv Invoice, payments []Payment) (Invoice, bool) {
		state := DeriveState(inv, payments)
		if state == inv.State {
			return inv, false
		}
		s.Log.Info().
			Str("invoice_id", invoiceID).
			Str("from", string(inv.State)).
			Str("to", string(state)).
			Msg("invoice state changed")
		inv.State = state
		return inv, true
	})
	return err
}

// updateInvoice reads the invoice and its payments, applies change and
// writes the result if change asks for it. A stale write is retried from a
// fresh read up to MaxRetries times.
func (s *Service) updateInvoice(ctx context.Context, id string, change func(Invoice, []Payment) (Invoice, bool)) (Invoice, error) {
	mu := s.lockFor("invoice:" + id)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 0; ; attempt++ {
		inv, err := s.Store.GetInvoice(ctx, id)
		if err != nil {
			return Invoice{}, err
		}
		payments, err := s.Store.PaymentsForInvoice(ctx, id)
		if err != nil {
			return Invoice{}, err
		}
		next, write := change(inv, payments)
		if !write {
			return inv, nil
		}
		next.UpdatedAt = s.now()
		stored, err := s.Store.UpdateInvoice(ctx, next)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, ErrStaleInvoice) || attempt >= s.MaxRetries {
			return Invoice{}, err
		}
		s.Log.Debug().Str("invoice_id", id).Int("attempt", attempt+1).Msg("stale invoice write, retrying")
	}
}

func (s *Service) lockFor(key string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}
