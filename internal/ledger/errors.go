package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned when a transaction lost a write-write race
	// (serialization failure or deadlock victim). Callers retry a bounded
	// number of times before surfacing it.
	ErrConflict = errors.New("ledger: transaction conflict")

	ErrOrderNotFound = errors.New("ledger: order not found")
	ErrLotNotFound   = errors.New("ledger: credit lot not found")

	// ErrDuplicateOrder is returned by InsertOrder when an order with the
	// same external ID already exists. The coordinator resolves it to the
	// existing order instead of failing the caller.
	ErrDuplicateOrder = errors.New("ledger: order with this external id already exists")
)

type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product not found: %s", e.ProductID)
}

// LotOverdrawError guards the lot invariant 0 <= balance <= original.
// Seeing one means a component bug, not user input.
type LotOverdrawError struct {
	LotID   string
	Balance int64
	Delta   int64
}

func (e *LotOverdrawError) Error() string {
	return fmt.Sprintf("lot %s: delta %d violates balance bounds (balance=%d)", e.LotID, e.Delta, e.Balance)
}
