package booking

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/service-bookings-escrow/internal/adapters/crdb"
	"github.com/robertarktes/service-bookings-escrow/internal/domain"
	"golang.org/x/sync/errgroup"
)

func (m *Machine) Get(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	return m.repo.GetBooking(ctx, id)
}

// View assembles the booking with its worker service and escrow. A catalog
// outage degrades the view to a nil service rather than failing it.
func (m *Machine) View(ctx context.Context, id uuid.UUID) (*domain.BookingView, error) {
	b, err := m.repo.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &domain.BookingView{Booking: *b, Expired: b.Expired(m.now())}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svc, err := m.catalog.GetService(gctx, b.WorkerServiceID)
		if err != nil {
			m.logger.WithError(err).WithField("booking_id", b.ID).Warn("worker service lookup failed")
			return nil
		}
		view.Service = svc
		return nil
	})
	g.Go(func() error {
		e, err := m.repo.GetEscrowByBooking(gctx, b.ID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "load escrow")
		}
		view.Escrow = e
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return view, nil
}

// ViewFor is View restricted to the booking's own client and worker.
func (m *Machine) ViewFor(ctx context.Context, id, actor uuid.UUID) (*domain.BookingView, error) {
	view, err := m.View(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := view.PartyOf(actor); !ok {
		return nil, errors.Wrapf(domain.ErrForbiddenActor, "%s is not a party to booking %s", actor, id)
	}
	return view, nil
}

func (m *Machine) List(ctx context.Context, userID uuid.UUID, filter crdb.BookingFilter) ([]domain.Booking, error) {
	return m.repo.ListBookings(ctx, userID, filter)
}
