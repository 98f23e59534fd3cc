package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/service-bookings-escrow/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/service-bookings-escrow/internal/adapters/mongo"
	"github.com/robertarktes/service-bookings-escrow/internal/booking"
	"github.com/robertarktes/service-bookings-escrow/internal/config"
	"github.com/robertarktes/service-bookings-escrow/internal/escrow"
	"github.com/robertarktes/service-bookings-escrow/internal/ledger"
	"github.com/robertarktes/service-bookings-escrow/internal/observability"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const sweepBatch = 100

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "bookings-expiry-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger("bookings-expiry-worker", cfg.LogLevel)

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	mongoDB := mongoClient.Database(cfg.MongoDB)

	l := ledger.New(repo, cfg.Currency, logger)
	store := escrow.NewStore(repo, l, cfg.PlatformAccountID)
	machine := booking.New(repo, l, store, mongoadapter.NewCatalogRepository(mongoDB, logger),
		booking.PolicyFrom(cfg), booking.ConfigFrom(cfg), logger,
		booking.WithAuditor(mongoadapter.NewAuditLogger(mongoDB, logger)),
	)

	worker := NewExpiryWorker(machine, cfg.ExpiryAutoReject, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Run(ctx, cfg.ExpirySweepInterval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown expiry worker")
}

type ExpiryWorker struct {
	machine    *booking.Machine
	autoReject bool
	logger     observability.Logger
}

func NewExpiryWorker(machine *booking.Machine, autoReject bool, logger observability.Logger) *ExpiryWorker {
	return &ExpiryWorker{machine: machine, autoReject: autoReject, logger: logger}
}

func (w *ExpiryWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := w.sweepWithRetry(ctx)
			if err != nil {
				w.logger.WithError(err).Error("expiry sweep failed after retries")
				continue
			}
			if res.Found > 0 {
				w.logger.WithField("found", res.Found).
					WithField("rejected", res.Rejected).
					WithField("reported", res.Reported).
					WithField("failed", res.Failed).
					Info("expiry sweep")
			}
		}
	}
}

func (w *ExpiryWorker) sweepWithRetry(ctx context.Context) (booking.SweepResult, error) {
	const maxRetries = 3
	var err error
	for i := 0; i < maxRetries; i++ {
		var res booking.SweepResult
		res, err = w.machine.SweepExpired(ctx, w.autoReject, sweepBatch)
		if err == nil {
			return res, nil
		}
		backoff := time.Duration(1<<i) * time.Second
		select {
		case <-ctx.Done():
			return booking.SweepResult{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return booking.SweepResult{}, errors.Wrapf(err, "failed after %d retries", maxRetries)
}
