package booking

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/service-bookings-escrow/internal/domain"
	"github.com/robertarktes/service-bookings-escrow/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// step is one lifecycle transition. prepare edits the loaded booking before
// the conditional write; settle moves money after it, in the same
// transaction.
type step struct {
	action  domain.Action
	actor   uuid.UUID
	prepare func(b *domain.Booking) error
	settle  func(ctx context.Context, tx pgx.Tx, b *domain.Booking) error
}

func (m *Machine) Confirm(ctx context.Context, id, actor uuid.UUID) (*domain.Booking, error) {
	return m.apply(ctx, id, step{action: domain.ActionConfirm, actor: actor})
}

// Reject declines a pending booking and returns the full amount to the
// client.
func (m *Machine) Reject(ctx context.Context, id, actor uuid.UUID, response string) (*domain.Booking, error) {
	return m.apply(ctx, id, step{
		action: domain.ActionReject,
		actor:  actor,
		prepare: func(b *domain.Booking) error {
			b.WorkerResponse = strings.TrimSpace(response)
			b.PaymentStatus = domain.PaymentRefunded
			return nil
		},
		settle: func(ctx context.Context, tx pgx.Tx, b *domain.Booking) error {
			return m.refund(ctx, tx, b, domain.FullRefund(b.Pricing.TotalAmount))
		},
	})
}

func (m *Machine) Start(ctx context.Context, id, actor uuid.UUID) (*domain.Booking, error) {
	return m.apply(ctx, id, step{
		action: domain.ActionStart,
		actor:  actor,
		prepare: func(b *domain.Booking) error {
			if b.PaymentStatus != domain.PaymentPaid {
				return errors.Wrapf(domain.ErrInvalidBookingState, "payment is %s", b.PaymentStatus)
			}
			return nil
		},
	})
}

// Complete finishes the job and releases the escrow to the worker and the
// platform.
func (m *Machine) Complete(ctx context.Context, id, actor uuid.UUID) (*domain.Booking, error) {
	return m.apply(ctx, id, step{
		action: domain.ActionComplete,
		actor:  actor,
		settle: func(ctx context.Context, tx pgx.Tx, b *domain.Booking) error {
			e, err := m.lockHolding(ctx, tx, b.ID)
			if err != nil {
				return err
			}
			released, err := m.escrow.Release(ctx, tx, e.ID)
			if err != nil {
				return err
			}
			return m.emitEscrow(ctx, tx, EventEscrowReleased, *released)
		},
	})
}

type CancelRequest struct {
	Reason domain.CancellationReason
	Notes  string
}

// Cancel ends a confirmed or running booking on behalf of either party. The
// refund policy decides how much of the escrow goes back to the client.
func (m *Machine) Cancel(ctx context.Context, id, actor uuid.UUID, req CancelRequest) (*domain.Booking, error) {
	if !req.Reason.Valid() {
		return nil, errors.Wrapf(domain.ErrInvalidInput, "unknown cancellation reason %q", req.Reason)
	}
	var split domain.RefundSplit
	return m.apply(ctx, id, step{
		action: domain.ActionCancel,
		actor:  actor,
		prepare: func(b *domain.Booking) error {
			party, _ := b.PartyOf(actor)
			now := m.now()
			split = m.policy.ComputeRefund(*b, party, req.Reason, now)
			if !split.Reconciles(b.Pricing.TotalAmount) {
				return errors.Wrapf(domain.ErrRefundAmountMismatch, "policy split %s/%s for %s", split.Refund, split.Penalty, b.Pricing.TotalAmount)
			}
			b.Cancellation = &domain.Cancellation{
				CancelledBy:   party,
				Reason:        req.Reason,
				Notes:         strings.TrimSpace(req.Notes),
				CancelledAt:   now.UTC(),
				RefundAmount:  split.Refund,
				PenaltyAmount: split.Penalty,
			}
			b.PaymentStatus = domain.PaymentPartiallyRefunded
			if split.Refund.Equal(b.Pricing.TotalAmount) {
				b.PaymentStatus = domain.PaymentRefunded
			}
			return nil
		},
		settle: func(ctx context.Context, tx pgx.Tx, b *domain.Booking) error {
			return m.refund(ctx, tx, b, split)
		},
	})
}

// Dispute reopens a completed booking with the client's complaint. An escrow
// that still holds funds is frozen; settled funds stay where they are until
// an administrator acts.
func (m *Machine) Dispute(ctx context.Context, id, actor uuid.UUID, complaint string) (*domain.Booking, error) {
	complaint = strings.TrimSpace(complaint)
	if complaint == "" {
		return nil, errors.Wrap(domain.ErrInvalidInput, "complaint is required")
	}
	return m.apply(ctx, id, step{
		action: domain.ActionDispute,
		actor:  actor,
		prepare: func(b *domain.Booking) error {
			b.Complaint = complaint
			return nil
		},
		settle: func(ctx context.Context, tx pgx.Tx, b *domain.Booking) error {
			e, err := m.repo.LockEscrowByBooking(ctx, tx, b.ID)
			if err != nil {
				return errors.Wrap(err, "load escrow")
			}
			if e.Status != domain.EscrowHolding && e.Status != domain.EscrowPartiallyReleased {
				return nil
			}
			disputed, err := m.escrow.MarkDisputed(ctx, tx, e.ID)
			if err != nil {
				return err
			}
			return m.emitEscrow(ctx, tx, EventEscrowDisputed, *disputed)
		},
	})
}

// Act dispatches a worker action by name.
func (m *Machine) Act(ctx context.Context, id, actor uuid.UUID, action domain.Action, response string) (*domain.Booking, error) {
	switch action {
	case domain.ActionConfirm:
		return m.Confirm(ctx, id, actor)
	case domain.ActionReject:
		return m.Reject(ctx, id, actor, response)
	case domain.ActionStart:
		return m.Start(ctx, id, actor)
	case domain.ActionComplete:
		return m.Complete(ctx, id, actor)
	}
	return nil, errors.Wrapf(domain.ErrInvalidInput, "%q is not a worker action", action)
}

// apply runs load, guard, conditional write, settlement and event in one
// transaction. A booking that moved on since it was loaded fails with
// ErrInvalidBookingState and is never retried here.
func (m *Machine) apply(ctx context.Context, id uuid.UUID, s step) (*domain.Booking, error) {
	ctx, span := observability.Tracer("booking").Start(ctx, "booking."+string(s.action))
	defer span.End()
	span.SetAttributes(attribute.String("booking.id", id.String()), attribute.String("actor", s.actor.String()))

	var out *domain.Booking
	err := m.repo.WithTx(ctx, func(tx pgx.Tx) error {
		b, err := m.repo.LockBooking(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := authorize(*b, s.actor, s.action); err != nil {
			return err
		}
		next, err := domain.NextStatus(b.Status, s.action)
		if err != nil {
			return err
		}
		if (s.action == domain.ActionConfirm || s.action == domain.ActionStart) && b.Expired(m.now()) {
			return errors.Wrapf(domain.ErrBookingExpired, "booking %s started at %s", b.ID, b.Schedule.StartTime)
		}

		expected := b.Status
		b.Status = next
		if s.prepare != nil {
			if err := s.prepare(b); err != nil {
				return err
			}
		}
		if err := m.repo.UpdateBooking(ctx, tx, expected, b); err != nil {
			return err
		}
		if s.settle != nil {
			if err := s.settle(ctx, tx, b); err != nil {
				return err
			}
		}
		if err := m.emit(ctx, tx, actionEvents[s.action], *b, s.actor); err != nil {
			return err
		}
		out = b
		return nil
	})
	observability.BookingTransitions.WithLabelValues(string(s.action), outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	m.audit(ctx, *out, s.action, s.actor)
	m.logger.WithField("booking_id", out.ID).WithField("status", out.Status).Info("booking " + string(s.action))
	return out, nil
}

func (m *Machine) refund(ctx context.Context, tx pgx.Tx, b *domain.Booking, split domain.RefundSplit) error {
	e, err := m.lockHolding(ctx, tx, b.ID)
	if err != nil {
		return err
	}
	refunded, err := m.escrow.Refund(ctx, tx, e.ID, split)
	if err != nil {
		return err
	}
	return m.emitEscrow(ctx, tx, EventEscrowRefunded, *refunded)
}

// lockHolding locks the escrow of a booking the machine is about to settle.
// Only a HOLDING escrow is settled here; a disputed one waits for an
// administrator.
func (m *Machine) lockHolding(ctx context.Context, tx pgx.Tx, bookingID uuid.UUID) (*domain.Escrow, error) {
	e, err := m.repo.LockEscrowByBooking(ctx, tx, bookingID)
	if err != nil {
		return nil, errors.Wrap(err, "load escrow")
	}
	if e.Status != domain.EscrowHolding {
		return nil, errors.Wrapf(domain.ErrInvalidEscrowState, "escrow of booking %s is %s", bookingID, e.Status)
	}
	return e, nil
}

// authorize checks that actor may perform action on b. The system actor may
// only reject.
func authorize(b domain.Booking, actor uuid.UUID, action domain.Action) error {
	if actor == domain.SystemActor {
		if action == domain.ActionReject {
			return nil
		}
		return errors.Wrapf(domain.ErrForbiddenActor, "system cannot %s", action)
	}
	party, ok := b.PartyOf(actor)
	switch {
	case !ok:
		return errors.Wrapf(domain.ErrForbiddenActor, "%s is not a party to booking %s", actor, b.ID)
	case action.WorkerAction() && party != domain.PartyWorker:
		return errors.Wrapf(domain.ErrForbiddenActor, "only the worker may %s", action)
	case action == domain.ActionDispute && party != domain.PartyClient:
		return errors.Wrap(domain.ErrForbiddenActor, "only the client may dispute")
	}
	return nil
}
