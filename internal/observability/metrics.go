package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookings_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bookings_db_tx_seconds",
			Help:    "Duration of DB transactions, retries included",
			Buckets: prometheus.DefBuckets,
		},
	)

	TxRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bookings_db_tx_retries_total",
			Help: "Transactions re-run after a serialization failure",
		},
	)

	BookingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookings_transitions_total",
			Help: "Booking state transitions by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	MoneyMoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookings_money_moved_total",
			Help: "Amount written to wallets by transaction type and currency, rolled-back attempts included",
		},
		[]string{"type", "currency"},
	)

	ExpiredBookings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookings_expired_total",
			Help: "Past-due bookings found by the expiry sweep",
		},
		[]string{"status", "handled"},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bookings_outbox_lag_seconds",
			Help: "Age of the oldest record in the last published outbox batch",
		},
	)

	RabbitPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bookings_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	DepositsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookings_deposits_consumed_total",
			Help: "Deposit messages handled by outcome",
		},
		[]string{"outcome"},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bookings_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)

func NewTxTimer() *prometheus.Timer {
	return prometheus.NewTimer(DBTxDuration)
}
