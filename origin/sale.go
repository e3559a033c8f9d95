package origin

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

const SaleCompleted = "completed"

// Sale is a point-of-sale ticket as reported by the register.
type Sale struct {
	ID          string
	AccountID   ledger.AccountID
	Total       decimal.Decimal
	CompletedAt time.Time
	Status      string
}

// SaleAdapter credits a completed sale to its register.
type SaleAdapter struct{}

func (SaleAdapter) Postings(s Sale) ([]ledger.Posting, error) {
	if s.ID == "" {
		return nil, invalid("sale_id", "required")
	}
	if s.Status != SaleCompleted {
		return nil, invalid("status", "sale %s is %q, only completed sales are posted", s.ID, s.Status)
	}
	if s.Total.IsNegative() {
		return nil, invalid("total", "must be non-negative, got %s", s.Total)
	}
	if s.Total.IsZero() {
		return nil, nil
	}

	return []ledger.Posting{{
		AccountID:   s.AccountID,
		Direction:   ledger.Credit,
		Amount:      s.Total,
		Origin:      ledger.Origin{Kind: ledger.OriginSale, ID: s.ID},
		OccurredAt:  s.CompletedAt,
		CategoryID:  CategorySales,
		Description: "sale " + s.ID,
	}}, nil
}
