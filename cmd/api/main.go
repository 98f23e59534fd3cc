package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/service-bookings-escrow/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/service-bookings-escrow/internal/adapters/mongo"
	redisadapter "github.com/robertarktes/service-bookings-escrow/internal/adapters/redis"
	"github.com/robertarktes/service-bookings-escrow/internal/booking"
	"github.com/robertarktes/service-bookings-escrow/internal/config"
	"github.com/robertarktes/service-bookings-escrow/internal/escrow"
	httphandler "github.com/robertarktes/service-bookings-escrow/internal/http"
	"github.com/robertarktes/service-bookings-escrow/internal/idempotency"
	"github.com/robertarktes/service-bookings-escrow/internal/ledger"
	"github.com/robertarktes/service-bookings-escrow/internal/observability"
	"github.com/robertarktes/service-bookings-escrow/internal/rateLimit"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdown, err := observability.SetupOTel(context.Background(), cfg, "bookings-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLogger("bookings-api", cfg.LogLevel)

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)
	if err := repo.Migrate(context.Background()); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	mongoDB := mongoClient.Database(cfg.MongoDB)
	catalog := mongoadapter.NewCatalogRepository(mongoDB, logger)
	auditLog := mongoadapter.NewAuditLogger(mongoDB, logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	redisCache := redisadapter.NewCache(redisClient)
	idemp := idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), cfg.IdempotencyTTL)
	rl := rateLimit.NewRateLimiter(redisCache)

	l := ledger.New(repo, cfg.Currency, logger)
	store := escrow.NewStore(repo, l, cfg.PlatformAccountID)
	machine := booking.New(repo, l, store, catalog, booking.PolicyFrom(cfg), booking.ConfigFrom(cfg), logger,
		booking.WithLocker(redisCache),
		booking.WithAuditor(auditLog),
	)

	handlers := httphandler.NewHandlers(cfg, machine, store, l, auditLog, logger, map[string]httphandler.Pinger{
		"crdb":  repo,
		"redis": redisCache,
		"mongo": catalog,
	})

	r := httphandler.SetupRouter(handlers, logger, rl, idemp)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown Server ...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server Shutdown:", err)
	}
	logger.Info("Server exiting")
}
