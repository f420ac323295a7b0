// Package stock reserves product stock for orders: every line item is
// validated before any is decremented, all inside one ledger transaction.
package stock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/minimall/ledger/internal/ledger"
)

// Demand is one line item's claim on stock.
type Demand struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

// ItemResult reports the stock left for a product after a reservation.
type ItemResult struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
	Remaining int    `json:"remaining"`
}

// Shortage names a product whose stock could not cover the demand.
type Shortage struct {
	ProductID string `json:"product_id"`
	Required  int    `json:"required"`
	Available int    `json:"available"`
}

// InsufficientStockError carries every failing item so the caller can build
// an actionable message; Error() leads with the first one.
type InsufficientStockError struct {
	Details []Shortage
}

func (e *InsufficientStockError) Error() string {
	first := e.Details[0]
	msg := fmt.Sprintf("insufficient stock for %s: need %d, have %d", first.ProductID, first.Required, first.Available)
	if len(e.Details) > 1 {
		var rest []string
		for _, d := range e.Details[1:] {
			rest = append(rest, d.ProductID)
		}
		msg += fmt.Sprintf(" (also short: %s)", strings.Join(rest, ", "))
	}
	return msg
}

var ErrNoItems = errors.New("stock: no items to reserve")

// Reserver decrements product stock atomically across all demands of one
// order. Conflicting ledger transactions are retried a bounded number of
// times before ledger.ErrConflict is surfaced.
type Reserver struct {
	Ledger  ledger.Store
	Retries int           // attempts after the first; defaults to ledger.DefaultRetries
	Backoff time.Duration // base sleep between attempts; grows linearly
}

// Reserve verifies stock for every demand and decrements all of them in one
// transaction. No partial deduction is ever committed: an unknown product or
// a shortage on any item aborts the whole reservation.
func (r *Reserver) Reserve(ctx context.Context, orderID string, demands []Demand) ([]ItemResult, error) {
	if len(demands) == 0 {
		return nil, ErrNoItems
	}
	for _, d := range demands {
		if d.Qty <= 0 {
			return nil, fmt.Errorf("stock: invalid qty %d for product %s", d.Qty, d.ProductID)
		}
	}

	var results []ItemResult
	err := ledger.Retry(ctx, r.Ledger, r.Retries, r.Backoff, func(ctx context.Context, tx ledger.Tx) error {
		results = results[:0]

		// Validate everything before touching anything.
		var shortages []Shortage
		for _, d := range demands {
			p, err := tx.ProductForUpdate(ctx, d.ProductID)
			if err != nil {
				return err
			}
			if p.Stock < d.Qty {
				shortages = append(shortages, Shortage{ProductID: d.ProductID, Required: d.Qty, Available: p.Stock})
				continue
			}
			results = append(results, ItemResult{ProductID: d.ProductID, Qty: d.Qty, Remaining: p.Stock - d.Qty})
		}
		if len(shortages) > 0 {
			return &InsufficientStockError{Details: shortages}
		}

		now := time.Now().UTC()
		for _, d := range demands {
			if err := tx.AdjustStock(ctx, d.ProductID, -d.Qty); err != nil {
				return err
			}
			if err := tx.AppendAudit(ctx, ledger.AuditEntry{
				ID:      uuid.NewString(),
				OrderID: orderID,
				Ref:     ledger.AuditStock,
				RefID:   d.ProductID,
				Delta:   int64(-d.Qty),
				At:      now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Release re-increments stock reserved for orderID. Compensating action for
// a submission that failed after its reservation committed.
func (r *Reserver) Release(ctx context.Context, orderID string, demands []Demand) error {
	if len(demands) == 0 {
		return nil
	}
	return ledger.Retry(ctx, r.Ledger, r.Retries, r.Backoff, func(ctx context.Context, tx ledger.Tx) error {
		now := time.Now().UTC()
		for _, d := range demands {
			if _, err := tx.ProductForUpdate(ctx, d.ProductID); err != nil {
				return err
			}
			if err := tx.AdjustStock(ctx, d.ProductID, d.Qty); err != nil {
				return err
			}
			if err := tx.AppendAudit(ctx, ledger.AuditEntry{
				ID:      uuid.NewString(),
				OrderID: orderID,
				Ref:     ledger.AuditStock,
				RefID:   d.ProductID,
				Delta:   int64(d.Qty),
				At:      now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}
