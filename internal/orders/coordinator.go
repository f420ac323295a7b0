// Package orders ties stock reservation and prepaid allocation into one
// order submission: a linear pass of validate, reserve, allocate, persist,
// where any failure leaves zero ledger effects behind.
package orders

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/minimall/ledger/internal/ledger"
	"github.com/minimall/ledger/internal/prepaid"
	"github.com/minimall/ledger/internal/stock"
)

const (
	PaymentOnline     = "online"
	PaymentOnDelivery = "cod"
	PaymentPrepaid    = "prepaid"
)

type ItemInput struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

// PrepaidRequest asks the coordinator to cover (part of) the order from the
// customer's prepaid credit. ProductID is required for KindProduct.
type PrepaidRequest struct {
	Kind      ledger.CreditKind `json:"kind"`
	ProductID string            `json:"product_id,omitempty"`
}

type SubmitRequest struct {
	ExternalID    string          `json:"external_id"` // caller-supplied idempotency key
	CustomerID    string          `json:"customer_id"`
	Items         []ItemInput     `json:"items"`
	PaymentMethod string          `json:"payment_method"`
	Prepaid       *PrepaidRequest `json:"prepaid,omitempty"`
	Delivery      bool            `json:"delivery"`
	Receiver      string          `json:"receiver,omitempty"`
	Phone         string          `json:"phone,omitempty"`
	Address       string          `json:"address,omitempty"`
	TraceID       string          `json:"-"`
}

type SubmitResult struct {
	OrderID    string `json:"order_id"`
	TotalCents int64  `json:"total_cents"`
	DueCents   int64  `json:"due_cents"`
	Existed    bool   `json:"existed"`
}

// Publisher is the slice of the kafka producer the coordinator needs.
type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// Coordinator orchestrates order submission. Stock and credit commit in
// separate ledger transactions, so a failure between them is undone by an
// explicit compensating action rather than a wider transaction.
type Coordinator struct {
	Ledger  ledger.Store
	Stock   *stock.Reserver
	Prepaid *prepaid.Allocator
	Events  Publisher // order.submitted; nil disables publishing
	Rejects Publisher // order.rejected; nil disables publishing
	Service string
	Log     *zap.Logger
}

func (c *Coordinator) logger() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zap.NewNop()
}

// Submit runs the full submission. Resubmitting an external ID that already
// has an order returns that order with Existed=true and no ledger effect.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if err := validate(req); err != nil {
		return SubmitResult{}, err
	}

	if existing, err := c.Ledger.OrderByExternalID(ctx, req.ExternalID); err == nil {
		return SubmitResult{OrderID: existing.ID, TotalCents: existing.TotalCents, DueCents: existing.DueCents, Existed: true}, nil
	} else if !errors.Is(err, ledger.ErrOrderNotFound) {
		return SubmitResult{}, err
	}

	// Price from the catalog, never from the client.
	items := make([]ledger.OrderItem, 0, len(req.Items))
	demands := make([]stock.Demand, 0, len(req.Items))
	prices := make(map[string]int64, len(req.Items))
	var total int64
	for _, it := range req.Items {
		p, err := c.Ledger.Product(ctx, it.ProductID)
		if err != nil {
			return SubmitResult{}, err
		}
		items = append(items, ledger.OrderItem{ProductID: it.ProductID, Qty: it.Qty, PriceCents: p.PriceCents})
		demands = append(demands, stock.Demand{ProductID: it.ProductID, Qty: it.Qty})
		prices[it.ProductID] = p.PriceCents
		total += p.PriceCents * int64(it.Qty)
	}

	orderID := uuid.NewString()

	if _, err := c.Stock.Reserve(ctx, orderID, demands); err != nil {
		var short *stock.InsufficientStockError
		if errors.As(err, &short) {
			c.publishRejected(req, "OUT_OF_STOCK", short.Details)
		}
		return SubmitResult{}, err
	}

	var alloc prepaid.Allocation
	if req.Prepaid != nil {
		required := total
		if req.Prepaid.Kind == ledger.KindProduct {
			required = productUnits(req.Items, req.Prepaid.ProductID)
		}
		var err error
		alloc, err = c.Prepaid.Allocate(ctx, orderID, req.CustomerID, req.Prepaid.Kind, req.Prepaid.ProductID, required)
		if err != nil {
			var shortCredit *prepaid.InsufficientCreditError
			if errors.As(err, &shortCredit) {
				c.publishRejected(req, "INSUFFICIENT_CREDIT", nil)
			}
			if relErr := c.Stock.Release(ctx, orderID, demands); relErr != nil {
				comp := &CompensationError{Op: "release-stock", OrderID: orderID, Err: relErr}
				c.logger().Error("stock release after failed allocation did not commit; manual reconciliation required",
					zap.String("order_id", orderID), zap.Error(relErr))
				return SubmitResult{}, comp
			}
			return SubmitResult{}, err
		}
	}

	due := total - allocatedCents(alloc, prices)

	order := ledger.Order{
		ID:            orderID,
		ExternalID:    req.ExternalID,
		CustomerID:    req.CustomerID,
		Items:         items,
		TotalCents:    total,
		DueCents:      due,
		PaymentMethod: req.PaymentMethod,
		Prepaid:       toAllocationEntries(alloc.Entries),
		Status:        ledger.StatusPending,
		Receiver:      req.Receiver,
		Phone:         req.Phone,
		Address:       req.Address,
		CreatedAt:     time.Now().UTC(),
	}
	err := ledger.Retry(ctx, c.Ledger, 0, 0, func(ctx context.Context, tx ledger.Tx) error {
		return tx.InsertOrder(ctx, order)
	})
	if err != nil {
		if compErr := c.compensate(ctx, orderID, demands, alloc.Entries); compErr != nil {
			return SubmitResult{}, compErr
		}
		if errors.Is(err, ledger.ErrDuplicateOrder) {
			// Lost a race against a concurrent submit with the same
			// external ID; that submission's ledger effects stand.
			existing, gerr := c.Ledger.OrderByExternalID(ctx, req.ExternalID)
			if gerr != nil {
				return SubmitResult{}, gerr
			}
			return SubmitResult{OrderID: existing.ID, TotalCents: existing.TotalCents, DueCents: existing.DueCents, Existed: true}, nil
		}
		return SubmitResult{}, err
	}

	c.publishSubmitted(order)
	c.logger().Info("order committed",
		zap.String("order_id", orderID),
		zap.String("external_id", req.ExternalID),
		zap.Int64("total_cents", total),
		zap.Int64("due_cents", due),
		zap.Int("prepaid_lots", len(order.Prepaid)))

	return SubmitResult{OrderID: orderID, TotalCents: total, DueCents: due}, nil
}

// UpdateStatus moves an order along the pending -> paid/cancelled machine.
// The current status is read under the row lock, so two concurrent
// transitions serialize and the loser fails the check.
func (c *Coordinator) UpdateStatus(ctx context.Context, orderID string, to ledger.Status) error {
	return ledger.Retry(ctx, c.Ledger, 0, 0, func(ctx context.Context, tx ledger.Tx) error {
		order, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !CanTransition(order.Status, to) {
			return &BadTransitionError{From: string(order.Status), To: string(to)}
		}
		return tx.UpdateOrderStatus(ctx, orderID, to)
	})
}

// compensate undoes both committed legs, newest first. Any failure here is
// fatal: the ledger holds reservations no order accounts for.
func (c *Coordinator) compensate(ctx context.Context, orderID string, demands []stock.Demand, entries []prepaid.Entry) error {
	if err := c.Prepaid.Refund(ctx, orderID, entries); err != nil {
		comp := &CompensationError{Op: "refund-credit", OrderID: orderID, Err: err}
		c.logger().Error("credit refund did not commit; manual reconciliation required",
			zap.String("order_id", orderID), zap.Error(err))
		return comp
	}
	if err := c.Stock.Release(ctx, orderID, demands); err != nil {
		comp := &CompensationError{Op: "release-stock", OrderID: orderID, Err: err}
		c.logger().Error("stock release did not commit; manual reconciliation required",
			zap.String("order_id", orderID), zap.Error(err))
		return comp
	}
	return nil
}

func (c *Coordinator) publishSubmitted(o ledger.Order) {
	if c.Events == nil {
		return
	}
	env := NewEnvelope(EventOrderSubmitted, c.Service, o.ID, "", OrderSubmittedPayload{
		OrderID:    o.ID,
		ExternalID: o.ExternalID,
		CustomerID: o.CustomerID,
		Items:      o.Items,
		TotalCents: o.TotalCents,
		DueCents:   o.DueCents,
		Prepaid:    o.Prepaid,
	})
	c.Events.Publish(PartitionKey(o.ID), mustJSON(env),
		kafkago.Header{Key: "x-event-type", Value: []byte(EventOrderSubmitted)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func (c *Coordinator) publishRejected(req SubmitRequest, reason string, details []stock.Shortage) {
	if c.Rejects == nil {
		return
	}
	env := NewEnvelope(EventOrderRejected, c.Service, req.ExternalID, req.TraceID, OrderRejectedPayload{
		ExternalID: req.ExternalID,
		CustomerID: req.CustomerID,
		Reason:     reason,
		Details:    details,
	})
	c.Rejects.Publish(PartitionKey(req.ExternalID), mustJSON(env),
		kafkago.Header{Key: "x-event-type", Value: []byte(EventOrderRejected)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func validate(req SubmitRequest) error {
	if req.ExternalID == "" {
		return &ValidationError{Field: "external_id", Reason: "required"}
	}
	if req.CustomerID == "" {
		return &ValidationError{Field: "customer_id", Reason: "required"}
	}
	if len(req.Items) == 0 {
		return &ValidationError{Field: "items", Reason: "at least one item required"}
	}
	seen := make(map[string]bool, len(req.Items))
	for _, it := range req.Items {
		if it.ProductID == "" {
			return &ValidationError{Field: "items", Reason: "missing product id"}
		}
		if it.Qty <= 0 {
			return &ValidationError{Field: "items", Reason: "qty must be positive for " + it.ProductID}
		}
		if seen[it.ProductID] {
			return &ValidationError{Field: "items", Reason: "duplicate product " + it.ProductID}
		}
		seen[it.ProductID] = true
	}
	switch req.PaymentMethod {
	case PaymentOnline, PaymentOnDelivery, PaymentPrepaid:
	default:
		return &ValidationError{Field: "payment_method", Reason: "unknown method"}
	}
	if req.Delivery && (req.Receiver == "" || req.Phone == "" || req.Address == "") {
		return &ValidationError{Field: "delivery", Reason: "receiver, phone and address required"}
	}
	if req.Prepaid != nil {
		switch req.Prepaid.Kind {
		case ledger.KindAmount:
		case ledger.KindProduct:
			if !seen[req.Prepaid.ProductID] {
				return &ValidationError{Field: "prepaid", Reason: "product not in order items"}
			}
		default:
			return &ValidationError{Field: "prepaid", Reason: "unknown credit kind"}
		}
	}
	return nil
}

func productUnits(items []ItemInput, productID string) int64 {
	var n int64
	for _, it := range items {
		if it.ProductID == productID {
			n += int64(it.Qty)
		}
	}
	return n
}

// allocatedCents converts an allocation into its money value: amount-kind
// credit is already cents, product-kind credit is units priced at the
// product's catalog price.
func allocatedCents(alloc prepaid.Allocation, prices map[string]int64) int64 {
	if alloc.Total == 0 {
		return 0
	}
	if alloc.Kind == ledger.KindAmount {
		return alloc.Total
	}
	return alloc.Total * prices[alloc.ProductID]
}

func toAllocationEntries(entries []prepaid.Entry) []ledger.AllocationEntry {
	if len(entries) == 0 {
		return nil
	}
	out := make([]ledger.AllocationEntry, len(entries))
	for i, e := range entries {
		out[i] = ledger.AllocationEntry{LotID: e.LotID, Amount: e.Amount, Remaining: e.Remaining}
	}
	return out
}
