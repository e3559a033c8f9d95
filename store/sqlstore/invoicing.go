package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/invoicing"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/origin"
)

var _ invoicing.Store = (*Store)(nil)

// =============================================================================
// INVOICES
// =============================================================================

const invoiceColumns = `id, client_id, total, state, created_at, updated_at, voided_at, version`

func (s *Store) InsertInvoice(ctx context.Context, inv invoicing.Invoice) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO invoices (`+invoiceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`),
		inv.ID,
		inv.ClientID,
		inv.Total.String(),
		string(inv.State),
		formatTime(inv.CreatedAt),
		formatTime(inv.UpdatedAt),
		formatTime(inv.VoidedAt),
		inv.Version,
	)
	if err != nil {
		if s.isUniqueViolation(err) {
			return &ledger.ValidationError{Field: "id", Message: "invoice " + inv.ID + " already exists"}
		}
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	return nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (invoicing.Invoice, error) {
	var (
		inv                      invoicing.Invoice
		total, state             string
		created, updated, voided string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`), id).
		Scan(&inv.ID, &inv.ClientID, &total, &state, &created, &updated, &voided, &inv.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return invoicing.Invoice{}, invoicing.ErrInvoiceNotFound
	}
	if err != nil {
		return invoicing.Invoice{}, fmt.Errorf("failed to get invoice: %w", err)
	}
	if inv.Total, err = decimal.NewFromString(total); err != nil {
		return invoicing.Invoice{}, fmt.Errorf("invoice %s total: %w", id, err)
	}
	inv.State = invoicing.InvoiceState(state)
	inv.CreatedAt = parseTime(created)
	inv.UpdatedAt = parseTime(updated)
	inv.VoidedAt = parseTime(voided)
	return inv, nil
}

func (s *Store) UpdateInvoice(ctx context.Context, inv invoicing.Invoice) (invoicing.Invoice, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE invoices SET state = ?, updated_at = ?, voided_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`), string(inv.State), formatTime(inv.UpdatedAt), formatTime(inv.VoidedAt), inv.ID, inv.Version)
	if err != nil {
		return invoicing.Invoice{}, fmt.Errorf("failed to update invoice: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetInvoice(ctx, inv.ID); err != nil {
			return invoicing.Invoice{}, err
		}
		return invoicing.Invoice{}, invoicing.ErrStaleInvoice
	}
	inv.Version++
	return inv, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, invoice_id, amount, discount, method, account_id, state, occurred_at, confirmed_at, voided_at`

func (s *Store) InsertPayment(ctx context.Context, p invoicing.Payment) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO payments (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		p.ID,
		nullString(p.InvoiceID),
		p.Amount.String(),
		p.Discount.String(),
		string(p.Method),
		string(p.AccountID),
		string(p.State),
		formatTime(p.OccurredAt),
		formatTime(p.ConfirmedAt),
		formatTime(p.VoidedAt),
	)
	if err != nil {
		if s.isUniqueViolation(err) {
			return &ledger.ValidationError{Field: "id", Message: "payment " + p.ID + " already exists"}
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (s *Store) GetPayment(ctx context.Context, id string) (invoicing.Payment, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+paymentColumns+` FROM payments WHERE id = ?`), id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return invoicing.Payment{}, invoicing.ErrPaymentNotFound
	}
	if err != nil {
		return invoicing.Payment{}, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

func (s *Store) UpdatePayment(ctx context.Context, p invoicing.Payment) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE payments SET state = ?, confirmed_at = ?, voided_at = ? WHERE id = ?
	`), string(p.State), formatTime(p.ConfirmedAt), formatTime(p.VoidedAt), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return invoicing.ErrPaymentNotFound
	}
	return nil
}

func (s *Store) PaymentsForInvoice(ctx context.Context, invoiceID string) ([]invoicing.Payment, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+paymentColumns+` FROM payments WHERE invoice_id = ? ORDER BY occurred_at, id
	`), invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var out []invoicing.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPayment(row rowScanner) (invoicing.Payment, error) {
	var (
		p                           invoicing.Payment
		invoiceID                   sql.NullString
		amount, discount            string
		method, account, state      string
		occurred, confirmed, voided string
	)
	err := row.Scan(&p.ID, &invoiceID, &amount, &discount, &method, &account, &state, &occurred, &confirmed, &voided)
	if err != nil {
		return invoicing.Payment{}, err
	}
	p.InvoiceID = invoiceID.String
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return invoicing.Payment{}, fmt.Errorf("payment %s amount: %w", p.ID, err)
	}
	if p.Discount, err = decimal.NewFromString(discount); err != nil {
		return invoicing.Payment{}, fmt.Errorf("payment %s discount: %w", p.ID, err)
	}
	p.Method = origin.PaymentMethod(method)
	p.AccountID = ledger.AccountID(account)
	p.State = invoicing.PaymentState(state)
	p.OccurredAt = parseTime(occurred)
	p.ConfirmedAt = parseTime(confirmed)
	p.VoidedAt = parseTime(voided)
	return p, nil
}
