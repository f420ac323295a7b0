package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/minimall/ledger/internal/config"
	"github.com/minimall/ledger/internal/httpx"
	kafkax "github.com/minimall/ledger/internal/kafka"
	"github.com/minimall/ledger/internal/ledger/pg"
	"github.com/minimall/ledger/internal/orders"
	"github.com/minimall/ledger/internal/postgres"
	"github.com/minimall/ledger/internal/prepaid"
	"github.com/minimall/ledger/internal/redisx"
	"github.com/minimall/ledger/internal/stock"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger, err := config.NewLogger(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	pool, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer pool.Close()
	store := pg.New(pool)

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producers
	pSubmitted := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderSubmitted, 1024, logger)
	pSubmitted.Start(ctx)
	pRejected := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderRejected, 1024, logger)
	pRejected.Start(ctx)

	coord := &orders.Coordinator{
		Ledger:  store,
		Stock:   &stock.Reserver{Ledger: store},
		Prepaid: &prepaid.Allocator{Ledger: store},
		Events:  pSubmitted,
		Rejects: pRejected,
		Service: cfg.ServiceName,
		Log:     logger,
	}

	router := httpx.NewRouter(logger)
	oh := &httpx.OrdersHandler{
		Coord: coord,
		Store: store,
		Cache: redisx.KV{RDB: rdb},
		Log:   logger,
	}
	oh.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	cancel()
	pSubmitted.WaitClosed()
	pRejected.WaitClosed()
}
