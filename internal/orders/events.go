package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/minimall/ledger/internal/ledger"
	"github.com/minimall/ledger/internal/stock"
)

const (
	EventOrderSubmitted = "OrderSubmitted"
	EventOrderRejected  = "OrderRejected"
	EventStockLow       = "StockLow"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// NewEnvelope wraps a payload in the v1 event envelope. Panics on a payload
// that cannot marshal, which would be a programming error.
func NewEnvelope(eventType, producer, correlationID, traceID string, payload any) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		TraceID:       traceID,
		CorrelationID: correlationID,
		Payload:       mustJSON(payload),
	}
}

type OrderSubmittedPayload struct {
	OrderID    string                   `json:"order_id"`
	ExternalID string                   `json:"external_id"`
	CustomerID string                   `json:"customer_id"`
	Items      []ledger.OrderItem       `json:"items"`
	TotalCents int64                    `json:"total_cents"`
	DueCents   int64                    `json:"due_cents"`
	Prepaid    []ledger.AllocationEntry `json:"prepaid,omitempty"`
}

type OrderRejectedPayload struct {
	ExternalID string           `json:"external_id"`
	CustomerID string           `json:"customer_id"`
	Reason     string           `json:"reason"` // OUT_OF_STOCK | INSUFFICIENT_CREDIT
	Details    []stock.Shortage `json:"details,omitempty"`
}

type StockLowPayload struct {
	ProductID string `json:"product_id"`
	SKU       string `json:"sku"`
	Stock     int    `json:"stock"`
	Threshold int    `json:"threshold"`
}
