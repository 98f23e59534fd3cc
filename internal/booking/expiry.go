package booking

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/service-bookings-escrow/internal/domain"
	"github.com/robertarktes/service-bookings-escrow/internal/observability"
	"golang.org/x/sync/errgroup"
)

const sweepParallelism = 4

type SweepResult struct {
	Found    int
	Rejected int
	Reported int
	Failed   int
}

// SweepExpired handles bookings still waiting on the worker after their
// start time. With autoReject, pending ones are rejected by the system actor
// and refunded in full. Everything else is only announced once through a
// booking.expired event; confirmed bookings keep their escrow untouched.
func (m *Machine) SweepExpired(ctx context.Context, autoReject bool, batch int) (SweepResult, error) {
	now := m.now()
	due, err := m.repo.ListPastDueBookings(ctx, now, []domain.BookingStatus{domain.BookingPending, domain.BookingConfirmed}, batch)
	if err != nil {
		return SweepResult{}, errors.Wrap(err, "list past-due bookings")
	}

	var rejected, reported, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for _, b := range due {
		b := b
		g.Go(func() error {
			log := m.logger.WithField("booking_id", b.ID).WithField("status", b.Status)
			if autoReject && b.Status == domain.BookingPending {
				_, err := m.Reject(gctx, b.ID, domain.SystemActor, "expired without worker response")
				switch {
				case err == nil:
					rejected.Add(1)
					observability.ExpiredBookings.WithLabelValues(string(b.Status), "rejected").Inc()
					return nil
				case errors.Is(err, domain.ErrInvalidBookingState):
					// the worker acted since the listing
					return nil
				default:
					failed.Add(1)
					log.WithError(err).Error("auto-reject failed")
					return nil
				}
			}

			err := m.repo.WithTx(gctx, func(tx pgx.Tx) error {
				return m.emitExpired(gctx, tx, b)
			})
			if err != nil {
				failed.Add(1)
				log.WithError(err).Error("expiry report failed")
				return nil
			}
			reported.Add(1)
			observability.ExpiredBookings.WithLabelValues(string(b.Status), "reported").Inc()
			log.Info("booking past start without worker action")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SweepResult{}, err
	}

	return SweepResult{
		Found:    len(due),
		Rejected: int(rejected.Load()),
		Reported: int(reported.Load()),
		Failed:   int(failed.Load()),
	}, nil
}

// emitExpired queues booking.expired keyed on the booking version, so a
// booking is announced once per state it expired in.
func (m *Machine) emitExpired(ctx context.Context, tx pgx.Tx, b domain.Booking) error {
	return m.emit(ctx, tx, EventBookingExpired, b, domain.SystemActor)
}
