package deposits

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/service-bookings-escrow/internal/domain"
	"github.com/robertarktes/service-bookings-escrow/internal/ledger"
	"github.com/robertarktes/service-bookings-escrow/internal/observability"
	"github.com/shopspring/decimal"
)

// RoutingKey is the event the payment gateway publishes per successful
// top-up.
const RoutingKey = "payment.deposit.succeeded"

// Notice is the deposit-succeeded payload, shared by the broker consumer and
// the HTTP callback.
type Notice struct {
	UserID    uuid.UUID       `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Gateway   string          `json:"gateway"`
	Reference string          `json:"reference"`
}

func (n Notice) Validate() error {
	switch {
	case n.UserID == uuid.Nil:
		return errors.Wrap(domain.ErrInvalidInput, "user_id is required")
	case strings.TrimSpace(n.Gateway) == "":
		return errors.Wrap(domain.ErrInvalidInput, "gateway is required")
	case strings.TrimSpace(n.Reference) == "":
		return errors.Wrap(domain.ErrInvalidInput, "reference is required")
	}
	return nil
}

type Decision int

const (
	Ack Decision = iota
	// Reject drops a message that can never succeed.
	Reject
	// Requeue hands the message back for another attempt.
	Requeue
)

type Consumer struct {
	ledger *ledger.Ledger
	logger observability.Logger
}

func NewConsumer(l *ledger.Ledger, logger observability.Logger) *Consumer {
	return &Consumer{ledger: l, logger: logger}
}

// Handle credits one notice. A redelivered reference is acknowledged without
// a second credit.
func (c *Consumer) Handle(ctx context.Context, body []byte) Decision {
	var n Notice
	if err := json.Unmarshal(body, &n); err != nil {
		c.logger.WithError(err).Warn("malformed deposit message")
		observability.DepositsConsumed.WithLabelValues("malformed").Inc()
		return Reject
	}
	if err := n.Validate(); err != nil {
		c.logger.WithError(err).Warn("invalid deposit message")
		observability.DepositsConsumed.WithLabelValues("malformed").Inc()
		return Reject
	}

	log := c.logger.WithField("user_id", n.UserID).WithField("reference", n.Reference)
	wt, err := c.ledger.Deposit(ctx, n.UserID, n.Amount, n.Gateway, n.Reference)
	switch {
	case err == nil:
		log.WithField("transaction_id", wt.ID).Info("deposit credited")
		observability.DepositsConsumed.WithLabelValues("credited").Inc()
		return Ack
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrInvalidInput):
		log.WithError(err).Warn("deposit rejected")
		observability.DepositsConsumed.WithLabelValues("malformed").Inc()
		return Reject
	case errors.Is(err, domain.ErrConflict):
		// same reference, different payload
		log.WithError(err).Error("deposit reference reused")
		observability.DepositsConsumed.WithLabelValues("conflict").Inc()
		return Reject
	default:
		log.WithError(err).Warn("deposit failed, requeueing")
		observability.DepositsConsumed.WithLabelValues("requeued").Inc()
		return Requeue
	}
}

// Run handles deliveries until ctx ends or the channel closes.
func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			var err error
			switch c.Handle(ctx, d.Body) {
			case Ack:
				err = d.Ack(false)
			case Reject:
				err = d.Nack(false, false)
			case Requeue:
				err = d.Nack(false, true)
			}
			if err != nil {
				c.logger.WithError(err).Error("failed to settle delivery")
			}
		}
	}
}
