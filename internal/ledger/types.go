// Package ledger defines the durable records the service mutates (product
// stock, prepaid credit lots, orders, audit trail) and the transactional
// store they live in. Every multi-record mutation in the system goes through
// Store.WithinTx; nothing mutates these records outside a transaction.
package ledger

import "time"

type Product struct {
	ID         string    `json:"id"`
	SKU        string    `json:"sku"`
	Name       string    `json:"name"`
	Stock      int       `json:"stock"`
	PriceCents int64     `json:"price_cents"`
	LowStockAt int       `json:"low_stock_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CreditKind distinguishes money deposits from product-unit deposits.
// The two are never mixed in one allocation.
type CreditKind string

const (
	KindAmount  CreditKind = "amount"  // balance in cents
	KindProduct CreditKind = "product" // balance in units of ProductID
)

type LotStatus string

const (
	LotActive    LotStatus = "ACTIVE"
	LotExhausted LotStatus = "EXHAUSTED"
)

// CreditLot is one discrete prepaid deposit for a customer. Lots are consumed
// oldest-first and never deleted; a drained lot is marked EXHAUSTED and kept
// for audit.
type CreditLot struct {
	ID         string     `json:"id"`
	CustomerID string     `json:"customer_id"`
	Kind       CreditKind `json:"kind"`
	ProductID  string     `json:"product_id,omitempty"` // set iff Kind == KindProduct
	Original   int64      `json:"original"`
	Balance    int64      `json:"balance"` // 0 <= Balance <= Original
	Status     LotStatus  `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Eligible reports whether the lot can take part in an allocation of the
// given kind. Product-kind requests must also match the lot's product.
func (l CreditLot) Eligible(kind CreditKind, productID string) bool {
	if l.Status != LotActive || l.Balance <= 0 || l.Kind != kind {
		return false
	}
	if kind == KindProduct && l.ProductID != productID {
		return false
	}
	return true
}

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusCancelled Status = "CANCELLED"
)

type OrderItem struct {
	ProductID  string `json:"product_id"`
	Qty        int    `json:"qty"`
	PriceCents int64  `json:"price_cents"`
}

// AllocationEntry records how much one lot contributed to an order and what
// was left in the lot afterwards.
type AllocationEntry struct {
	LotID     string `json:"lot_id"`
	Amount    int64  `json:"amount"`
	Remaining int64  `json:"remaining"`
}

type Order struct {
	ID            string            `json:"id"`
	ExternalID    string            `json:"external_id"` // caller-supplied idempotency key
	CustomerID    string            `json:"customer_id"`
	Items         []OrderItem       `json:"items"`
	TotalCents    int64             `json:"total_cents"`
	DueCents      int64             `json:"due_cents"` // TotalCents minus the prepaid share
	PaymentMethod string            `json:"payment_method"`
	Prepaid       []AllocationEntry `json:"prepaid,omitempty"`
	Status        Status            `json:"status"`
	Receiver      string            `json:"receiver,omitempty"`
	Phone         string            `json:"phone,omitempty"`
	Address       string            `json:"address,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// AuditRef names which kind of record an audit entry points at.
type AuditRef string

const (
	AuditStock AuditRef = "stock"
	AuditLot   AuditRef = "lot"
)

// AuditEntry is one row of the append-only mutation history. Delta is
// negative for consumption and positive for a compensating restore.
type AuditEntry struct {
	ID      string    `json:"id"`
	OrderID string    `json:"order_id"`
	Ref     AuditRef  `json:"ref"`
	RefID   string    `json:"ref_id"` // product ID or lot ID
	Delta   int64     `json:"delta"`
	At      time.Time `json:"at"`
}
