// Package prepaid consumes a customer's prepaid credit lots oldest-first
// to cover an order. An allocation is all-or-nothing across lots: if the
// customer cannot cover the full requirement, no lot is touched.
package prepaid

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/minimall/ledger/internal/ledger"
)

// Entry is one lot's contribution to an allocation.
type Entry struct {
	LotID     string `json:"lot_id"`
	Amount    int64  `json:"amount"`
	Remaining int64  `json:"remaining"`
}

// Allocation is the breakdown of how an order's requirement was covered.
type Allocation struct {
	CustomerID string            `json:"customer_id"`
	Kind       ledger.CreditKind `json:"kind"`
	ProductID  string            `json:"product_id,omitempty"` // set for product-kind allocations
	Total      int64             `json:"total"`
	Entries    []Entry           `json:"entries"`
}

// NoEligibleLotsError: the customer has no active lot of the requested kind.
// Raised before any transaction is opened.
type NoEligibleLotsError struct {
	CustomerID string
	Kind       ledger.CreditKind
}

func (e *NoEligibleLotsError) Error() string {
	return fmt.Sprintf("no eligible %s credit lots for customer %s", e.Kind, e.CustomerID)
}

// InsufficientCreditError: the eligible lots together cannot cover the
// requirement. Shortfall = Required - Available.
type InsufficientCreditError struct {
	CustomerID string
	Kind       ledger.CreditKind
	Required   int64
	Available  int64
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient %s credit for customer %s: need %d, have %d (short %d)",
		e.Kind, e.CustomerID, e.Required, e.Available, e.Required-e.Available)
}

func (e *InsufficientCreditError) Shortfall() int64 { return e.Required - e.Available }

// Allocator walks a customer's lots in FIFO order and debits them inside a
// single ledger transaction.
type Allocator struct {
	Ledger  ledger.Store
	Retries int
	Backoff time.Duration
}

// Allocate covers required from the customer's lots, oldest deposit first.
// productID is only consulted for KindProduct requests. The breakdown is
// deterministic for a fixed lot set: lots are ordered by CreatedAt with the
// lot ID as tiebreak, and each lot yields min(remaining, balance).
func (a *Allocator) Allocate(ctx context.Context, orderID, customerID string, kind ledger.CreditKind, productID string, required int64) (Allocation, error) {
	if required <= 0 {
		return Allocation{}, fmt.Errorf("prepaid: required must be positive, got %d", required)
	}
	if kind == ledger.KindProduct && productID == "" {
		return Allocation{}, fmt.Errorf("prepaid: product-kind allocation needs a product id")
	}

	// Fail fast before opening a transaction.
	lots, err := a.Ledger.LotsByCustomer(ctx, customerID, kind, productID)
	if err != nil {
		return Allocation{}, err
	}
	if len(lots) == 0 {
		return Allocation{}, &NoEligibleLotsError{CustomerID: customerID, Kind: kind}
	}

	alloc := Allocation{CustomerID: customerID, Kind: kind, ProductID: productID}
	err = ledger.Retry(ctx, a.Ledger, a.Retries, a.Backoff, func(ctx context.Context, tx ledger.Tx) error {
		alloc.Total, alloc.Entries = 0, nil

		lots, err := tx.LotsForUpdate(ctx, customerID, kind, productID)
		if err != nil {
			return err
		}
		if len(lots) == 0 {
			return &NoEligibleLotsError{CustomerID: customerID, Kind: kind}
		}

		now := time.Now().UTC()
		remaining := required
		for _, lot := range lots {
			if remaining == 0 {
				break
			}
			take := min64(remaining, lot.Balance)
			left, err := tx.DebitLot(ctx, lot.ID, take)
			if err != nil {
				return err
			}
			if err := tx.AppendAudit(ctx, ledger.AuditEntry{
				ID:      uuid.NewString(),
				OrderID: orderID,
				Ref:     ledger.AuditLot,
				RefID:   lot.ID,
				Delta:   -take,
				At:      now,
			}); err != nil {
				return err
			}
			alloc.Entries = append(alloc.Entries, Entry{LotID: lot.ID, Amount: take, Remaining: left})
			alloc.Total += take
			remaining -= take
		}
		if remaining > 0 {
			// Rolling back the transaction undoes every debit above.
			return &InsufficientCreditError{
				CustomerID: customerID,
				Kind:       kind,
				Required:   required,
				Available:  required - remaining,
			}
		}
		return nil
	})
	if err != nil {
		return Allocation{}, err
	}
	return alloc, nil
}

// Refund restores a previously committed allocation (compensation path).
// Drained lots become active again; the audit trail records the restores.
func (a *Allocator) Refund(ctx context.Context, orderID string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return ledger.Retry(ctx, a.Ledger, a.Retries, a.Backoff, func(ctx context.Context, tx ledger.Tx) error {
		now := time.Now().UTC()
		for _, e := range entries {
			if err := tx.CreditLot(ctx, e.LotID, e.Amount); err != nil {
				return err
			}
			if err := tx.AppendAudit(ctx, ledger.AuditEntry{
				ID:      uuid.NewString(),
				OrderID: orderID,
				Ref:     ledger.AuditLot,
				RefID:   e.LotID,
				Delta:   e.Amount,
				At:      now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
