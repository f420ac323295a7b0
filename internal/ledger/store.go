package ledger

import "context"

// Tx stages reads and writes against ledger records. All mutations staged
// through one Tx commit together or not at all; a returned error from the
// WithinTx callback discards everything.
type Tx interface {
	// ProductForUpdate reads a product and locks it against concurrent
	// writers for the remainder of the transaction.
	ProductForUpdate(ctx context.Context, productID string) (Product, error)

	// AdjustStock moves a product's stock by delta (negative to reserve,
	// positive to release). The product must have been locked first; the
	// committed stock never goes below zero.
	AdjustStock(ctx context.Context, productID string, delta int) error

	// LotsForUpdate returns the customer's eligible lots oldest-first
	// (CreatedAt ascending, lot ID as tiebreak) and locks them.
	// productID is only consulted for KindProduct.
	LotsForUpdate(ctx context.Context, customerID string, kind CreditKind, productID string) ([]CreditLot, error)

	// DebitLot consumes amount from a lot and returns the remaining
	// balance. A lot drained to zero is marked EXHAUSTED in the same
	// transaction.
	DebitLot(ctx context.Context, lotID string, amount int64) (remaining int64, err error)

	// CreditLot restores amount to a lot (compensation path). The balance
	// may not exceed the lot's original value; a restored lot becomes
	// ACTIVE again.
	CreditLot(ctx context.Context, lotID string, amount int64) error

	// InsertOrder persists an order with its items and allocation
	// breakdown. Fails with ErrDuplicateOrder on an external ID collision.
	InsertOrder(ctx context.Context, o Order) error

	// OrderForUpdate reads an order's header row (items and allocations
	// are not loaded) and locks it against concurrent writers. Status
	// transitions read through this so the check and the write see the
	// same committed state.
	OrderForUpdate(ctx context.Context, orderID string) (Order, error)

	UpdateOrderStatus(ctx context.Context, orderID string, status Status) error

	// AppendAudit records one ledger mutation. The audit trail is
	// append-only; nothing updates or deletes entries.
	AppendAudit(ctx context.Context, e AuditEntry) error
}

// Store is the transactional ledger the whole service runs against.
// Implementations: pg (pgx, production) and memory (tests, local runs).
type Store interface {
	// WithinTx runs fn inside one transaction. If fn returns an error the
	// transaction is rolled back and the error returned as-is. A commit
	// that loses a write-write race returns ErrConflict.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Product(ctx context.Context, productID string) (Product, error)
	Products(ctx context.Context) ([]Product, error)

	Order(ctx context.Context, orderID string) (Order, error)
	OrderByExternalID(ctx context.Context, externalID string) (Order, error)

	Lot(ctx context.Context, lotID string) (CreditLot, error)
	// LotsByCustomer returns eligible lots only, in allocation (FIFO) order.
	LotsByCustomer(ctx context.Context, customerID string, kind CreditKind, productID string) ([]CreditLot, error)

	AuditByOrder(ctx context.Context, orderID string) ([]AuditEntry, error)
}
