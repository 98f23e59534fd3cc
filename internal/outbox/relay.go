package outbox

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/service-bookings-escrow/internal/adapters/crdb"
	"github.com/robertarktes/service-bookings-escrow/internal/observability"
)

// Sender is the broker side of the relay. *rabbit.Publisher implements it.
type Sender interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	RetryBackoff time.Duration
}

// Relay moves committed outbox records to the broker. Delivery is at least
// once; consumers deduplicate on MessageId, which carries the dedupe key.
type Relay struct {
	repo   *crdb.Repository
	sender Sender
	cfg    Config
	logger observability.Logger
}

func NewRelay(repo *crdb.Repository, sender Sender, cfg Config, logger observability.Logger) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	return &Relay{repo: repo, sender: sender, cfg: cfg, logger: logger}
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := r.RelayOnce(ctx)
				if err != nil {
					r.logger.WithError(err).Error("outbox relay failed")
					break
				}
				if n < r.cfg.BatchSize {
					break
				}
			}
		}
	}
}

// RelayOnce publishes one batch and returns how many records were marked
// published. A record that cannot be sent stops the batch; it stays NEW
// along with everything after it, so per-aggregate order is kept.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	published := 0
	err := r.repo.WithTx(ctx, func(tx pgx.Tx) error {
		published = 0
		records, err := r.repo.ClaimOutbox(ctx, tx, r.cfg.BatchSize)
		if err != nil {
			return errors.Wrap(err, "claim outbox")
		}
		if len(records) > 0 {
			observability.OutboxLag.Set(time.Since(records[0].CreatedAt).Seconds())
		} else {
			observability.OutboxLag.Set(0)
		}
		for _, rec := range records {
			if err := r.send(ctx, rec); err != nil {
				r.logger.WithField("dedupe_key", rec.DedupeKey).WithError(err).Warn("outbox publish gave up")
				return nil
			}
			if err := r.repo.MarkPublished(ctx, tx, rec.ID, time.Now().UTC()); err != nil {
				return errors.Wrap(err, "mark published")
			}
			published++
		}
		return nil
	})
	return published, err
}

func (r *Relay) send(ctx context.Context, rec crdb.OutboxRecord) error {
	msg := amqp.Publishing{
		MessageId:   rec.DedupeKey,
		ContentType: "application/json",
		Timestamp:   rec.CreatedAt,
		Type:        rec.EventType,
		Body:        rec.Payload,
		Headers: amqp.Table{
			"aggregate_type": rec.AggregateType,
			"aggregate_id":   rec.AggregateID.String(),
		},
	}
	backoff := r.cfg.RetryBackoff
	var err error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err = r.sender.Publish(ctx, rec.EventType, msg); err == nil {
			return nil
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}
		observability.RabbitPublishRetries.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
