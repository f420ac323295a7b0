// Package worker consumes order.submitted events: it refreshes the Redis
// status cache and raises stock.low events for products that an order pushed
// to or under their threshold.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/minimall/ledger/internal/kafka"
	"github.com/minimall/ledger/internal/ledger"
	"github.com/minimall/ledger/internal/orders"
	"github.com/minimall/ledger/internal/redisx"
)

type Service struct {
	Store       ledger.Store
	Redis       *redis.Client
	ProducerLow orders.Publisher // stock.low; nil disables
	ServiceName string
	Log         *zap.Logger
}

func (s *Service) logger() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}

// HandleOrderSubmitted is wired as the consumer handler.
func (s *Service) HandleOrderSubmitted(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}
	if env.EventType != orders.EventOrderSubmitted {
		return nil // ignore
	}

	// Dedup by event id; redelivery after a rebalance is expected.
	dkey := fmt.Sprintf(redisx.KeyDedup, "worker", env.EventID)
	if exists, _ := redisx.Exists(ctx, s.Redis, dkey); exists {
		return nil
	}
	if s.Redis != nil {
		_ = s.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()
	}

	p, err := kafkax.UnwrapPayload[orders.OrderSubmittedPayload](env.Payload)
	if err != nil {
		return err
	}

	o, err := s.Store.Order(ctx, p.OrderID)
	if err != nil {
		return err
	}
	if s.Redis != nil {
		statusKey := fmt.Sprintf(redisx.KeyOrderStatus, o.ID)
		b, _ := json.Marshal(map[string]any{"status": o.Status})
		_ = s.Redis.Set(ctx, statusKey, b, redisx.TTLStatusCache).Err()
	}

	for _, it := range p.Items {
		if err := s.checkLowStock(ctx, it.ProductID, env.TraceID); err != nil {
			s.logger().Warn("low stock check failed",
				zap.String("product_id", it.ProductID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) checkLowStock(ctx context.Context, productID, trace string) error {
	prod, err := s.Store.Product(ctx, productID)
	if err != nil {
		return err
	}
	if prod.LowStockAt <= 0 || prod.Stock > prod.LowStockAt {
		return nil
	}
	s.logger().Info("product at low stock",
		zap.String("product_id", prod.ID),
		zap.String("sku", prod.SKU),
		zap.Int("stock", prod.Stock),
		zap.Int("threshold", prod.LowStockAt))

	if s.ProducerLow == nil {
		return nil
	}
	env := orders.NewEnvelope(orders.EventStockLow, s.ServiceName, prod.ID, trace, orders.StockLowPayload{
		ProductID: prod.ID,
		SKU:       prod.SKU,
		Stock:     prod.Stock,
		Threshold: prod.LowStockAt,
	})
	s.ProducerLow.Publish(orders.PartitionKey(prod.ID), kafkax.MustMarshal(env),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventStockLow)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
	return nil
}
