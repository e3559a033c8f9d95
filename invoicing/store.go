package invoicing

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/ledger-engine/ledger"
)

// Store persists invoices and payments. These are collaborator records; the
// ledger does not depend on them.
type Store interface {
	InsertInvoice(ctx context.Context, inv Invoice) error
	GetInvoice(ctx context.Context, id string) (Invoice, error)
	// UpdateInvoice writes inv only if the stored version still equals
	// inv.Version, and returns the invoice with its version bumped.
	// Otherwise it returns ErrStaleInvoice.
	UpdateInvoice(ctx context.Context, inv Invoice) (Invoice, error)

	InsertPayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, id string) (Payment, error)
	UpdatePayment(ctx context.Context, p Payment) error
	// PaymentsForInvoice returns payments ordered by occurrence.
	PaymentsForInvoice(ctx context.Context, invoiceID string) ([]Payment, error)
}

// =============================================================================
// MEMORY STORE
// =============================================================================

type MemoryStore struct {
	mu       sync.RWMutex
	invoices map[string]Invoice
	payments map[string]Payment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices: make(map[string]Invoice),
		payments: make(map[string]Payment),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) InsertInvoice(_ context.Context, inv Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[inv.ID]; ok {
		return &ledger.ValidationError{Field: "id", Message: "invoice " + inv.ID + " already exists"}
	}
	m.invoices[inv.ID] = inv
	return nil
}

func (m *MemoryStore) GetInvoice(_ context.Context, id string) (Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, nil
}

func (m *MemoryStore) UpdateInvoice(_ context.Context, inv Invoice) (Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.invoices[inv.ID]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	if cur.Version != inv.Version {
		return Invoice{}, ErrStaleInvoice
	}
	inv.Version++
	m.invoices[inv.ID] = inv
	return inv, nil
}

func (m *MemoryStore) InsertPayment(_ context.Context, p Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; ok {
		return &ledger.ValidationError{Field: "id", Message: "payment " + p.ID + " already exists"}
	}
	m.payments[p.ID] = p
	return nil
}

func (m *MemoryStore) GetPayment(_ context.Context, id string) (Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return p, nil
}

func (m *MemoryStore) UpdatePayment(_ context.Context, p Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; !ok {
		return ErrPaymentNotFound
	}
	m.payments[p.ID] = p
	return nil
}

func (m *MemoryStore) PaymentsForInvoice(_ context.Context, invoiceID string) ([]Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Payment
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
