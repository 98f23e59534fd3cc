package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/service-bookings-escrow/internal/adapters/crdb"
	"github.com/robertarktes/service-bookings-escrow/internal/adapters/rabbit"
	"github.com/robertarktes/service-bookings-escrow/internal/config"
	"github.com/robertarktes/service-bookings-escrow/internal/deposits"
	"github.com/robertarktes/service-bookings-escrow/internal/ledger"
	"github.com/robertarktes/service-bookings-escrow/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "bookings-deposit-consumer")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger("bookings-deposit-consumer", cfg.LogLevel)

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	rabbitCons, err := rabbit.NewConsumer(conn, cfg.ExchangeName, cfg.DepositQueue, deposits.RoutingKey)
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}
	defer rabbitCons.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := rabbitCons.Consume(ctx)
	if err != nil {
		log.Fatalf("failed to consume: %v", err)
	}

	consumer := deposits.NewConsumer(ledger.New(repo, cfg.Currency, logger), logger)
	done := make(chan struct{})
	go func() {
		consumer.Run(ctx, deliveries)
		close(done)
	}()

	logger.WithField("queue", cfg.DepositQueue).Info("Deposit consumer started")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-done:
		logger.Warn("delivery channel closed")
	}
	logger.Info("Shutdown deposit consumer")
}
