package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	HTTPAddr     string
	CRDBDSN      string
	MongoURI     string
	MongoDB      string
	RedisAddr    string
	RabbitURL    string
	OTLPEndpoint string
	LogLevel     string

	Currency           string
	PlatformFeePercent decimal.Decimal
	PlatformAccountID  uuid.UUID

	MinAdvanceNotice time.Duration
	MinDuration      time.Duration
	MaxDuration      time.Duration

	CancellationWindow   time.Duration
	MaxPenaltyPercent    decimal.Decimal
	PlatformPenaltyShare decimal.Decimal

	ExpirySweepInterval time.Duration
	ExpiryAutoReject    bool
	OutboxPollInterval  time.Duration

	IdempotencyTTL   time.Duration
	BookingLockTTL   time.Duration
	RateLimitPerUser int
	RateLimitPerIP   int

	ExchangeName string
	DepositQueue string

	AdminActors          []uuid.UUID
	PaymentCallbackToken string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:     envOr("HTTP_ADDR", ":8080"),
		CRDBDSN:      os.Getenv("CRDB_DSN"),
		MongoURI:     os.Getenv("MONGO_URI"),
		MongoDB:      envOr("MONGO_DB", "bookings"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		RabbitURL:    os.Getenv("RABBIT_URL"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:     envOr("LOG_LEVEL", "info"),
		Currency:     envOr("CURRENCY", "VND"),
		ExchangeName: envOr("RABBIT_EXCHANGE", "bookings.events"),
		DepositQueue: envOr("DEPOSIT_QUEUE", "bookings.deposits"),

		PaymentCallbackToken: os.Getenv("PAYMENT_CALLBACK_TOKEN"),
	}

	var err error
	if cfg.PlatformFeePercent, err = decimalEnv("PLATFORM_FEE_PERCENT", "2"); err != nil {
		return nil, err
	}
	if cfg.MaxPenaltyPercent, err = decimalEnv("CANCEL_MAX_PENALTY_PERCENT", "50"); err != nil {
		return nil, err
	}
	if cfg.PlatformPenaltyShare, err = decimalEnv("CANCEL_PLATFORM_SHARE_PERCENT", "0"); err != nil {
		return nil, err
	}

	v := os.Getenv("PLATFORM_ACCOUNT_ID")
	if v == "" {
		return nil, errors.New("PLATFORM_ACCOUNT_ID is required")
	}
	if cfg.PlatformAccountID, err = uuid.Parse(v); err != nil {
		return nil, errors.Wrap(err, "PLATFORM_ACCOUNT_ID")
	}
	if cfg.PlatformAccountID == uuid.Nil {
		return nil, errors.New("PLATFORM_ACCOUNT_ID must not be the nil uuid")
	}

	for _, v := range strings.Split(os.Getenv("ADMIN_ACTOR_IDS"), ",") {
		if v = strings.TrimSpace(v); v == "" {
			continue
		}
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, errors.Wrapf(err, "ADMIN_ACTOR_IDS entry %q", v)
		}
		cfg.AdminActors = append(cfg.AdminActors, id)
	}

	cfg.MinAdvanceNotice = durationEnv("BOOKING_MIN_ADVANCE", time.Hour)
	cfg.MinDuration = durationEnv("BOOKING_MIN_DURATION", time.Hour)
	cfg.MaxDuration = durationEnv("BOOKING_MAX_DURATION", 31*24*time.Hour)
	cfg.CancellationWindow = durationEnv("CANCEL_WINDOW", 24*time.Hour)
	cfg.ExpirySweepInterval = durationEnv("EXPIRY_SWEEP_INTERVAL", time.Minute)
	cfg.OutboxPollInterval = durationEnv("OUTBOX_POLL_INTERVAL", 5*time.Second)
	cfg.IdempotencyTTL = durationEnv("IDEMPOTENCY_TTL", 24*time.Hour)
	cfg.BookingLockTTL = durationEnv("BOOKING_LOCK_TTL", 10*time.Second)

	cfg.ExpiryAutoReject, _ = strconv.ParseBool(os.Getenv("EXPIRY_AUTO_REJECT"))
	cfg.RateLimitPerUser = intEnv("RATE_LIMIT_PER_USER", 30)
	cfg.RateLimitPerIP = intEnv("RATE_LIMIT_PER_IP", 300)

	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) time.Duration {
	d, _ := time.ParseDuration(os.Getenv(key))
	if d == 0 {
		return def
	}
	return d
}

func intEnv(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func decimalEnv(key, def string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(envOr(key, def))
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "%s", key)
	}
	return d, nil
}
