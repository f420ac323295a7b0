package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/minimall/ledger/internal/config"
	kafkax "github.com/minimall/ledger/internal/kafka"
	"github.com/minimall/ledger/internal/ledger/pg"
	"github.com/minimall/ledger/internal/orders"
	"github.com/minimall/ledger/internal/postgres"
	"github.com/minimall/ledger/internal/redisx"
	"github.com/minimall/ledger/internal/worker"
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

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

	pool, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer pool.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	pLow := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicStockLow, 1024, logger)
	pLow.Start(ctx)

	svc := &worker.Service{
		Store:       pg.New(pool),
		Redis:       rdb,
		ProducerLow: pLow,
		ServiceName: cfg.ServiceName + "-worker",
		Log:         logger,
	}

	group := getenv("WORKER_GROUP", "ledger-worker")
	workers, err := strconv.Atoi(getenv("WORKER_CONCURRENCY", "8"))
	if err != nil {
		workers = 8
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, orders.TopicOrderSubmitted, workers, logger)

	go func() {
		logger.Info("consumer started",
			zap.String("group", group),
			zap.String("topic", orders.TopicOrderSubmitted),
			zap.Int("workers", workers))
		if err := cons.Start(ctx, svc.HandleOrderSubmitted); err != nil {
			logger.Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down consumer")
	cancel()
	time.Sleep(500 * time.Millisecond)
	pLow.WaitClosed()
}
