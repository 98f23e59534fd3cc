package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/service-bookings-escrow/internal/adapters/crdb"
	"github.com/robertarktes/service-bookings-escrow/internal/domain"
)

const (
	EventBookingCreated   = "booking.created"
	EventBookingConfirmed = "booking.confirmed"
	EventBookingRejected  = "booking.rejected"
	EventBookingStarted   = "booking.started"
	EventBookingCompleted = "booking.completed"
	EventBookingCancelled = "booking.cancelled"
	EventBookingDisputed  = "booking.disputed"
	EventBookingExpired   = "booking.expired"

	EventEscrowCaptured = "escrow.captured"
	EventEscrowReleased = "escrow.released"
	EventEscrowRefunded = "escrow.refunded"
	EventEscrowDisputed = "escrow.disputed"
)

var actionEvents = map[domain.Action]string{
	domain.ActionConfirm:  EventBookingConfirmed,
	domain.ActionReject:   EventBookingRejected,
	domain.ActionStart:    EventBookingStarted,
	domain.ActionComplete: EventBookingCompleted,
	domain.ActionCancel:   EventBookingCancelled,
	domain.ActionDispute:  EventBookingDisputed,
}

// BookingEvent is the payload of every booking.* message.
type BookingEvent struct {
	BookingID     uuid.UUID            `json:"booking_id"`
	ClientID      uuid.UUID            `json:"client_id"`
	WorkerID      uuid.UUID            `json:"worker_id"`
	Actor         uuid.UUID            `json:"actor"`
	Status        domain.BookingStatus `json:"status"`
	PaymentStatus domain.PaymentStatus `json:"payment_status"`
	TotalAmount   string               `json:"total_amount"`
	Currency      string               `json:"currency"`
	StartTime     time.Time            `json:"start_time"`
	Cancellation  *domain.Cancellation `json:"cancellation,omitempty"`
	Version       int64                `json:"version"`
	OccurredAt    time.Time            `json:"occurred_at"`
}

// EscrowEvent is the payload of every escrow.* message.
type EscrowEvent struct {
	EscrowID       uuid.UUID           `json:"escrow_id"`
	BookingID      uuid.UUID           `json:"booking_id"`
	Status         domain.EscrowStatus `json:"status"`
	Amount         string              `json:"amount"`
	RefundedAmount string              `json:"refunded_amount"`
	PenaltyAmount  string              `json:"penalty_amount"`
	PlatformPayout string              `json:"platform_payout"`
	Currency       string              `json:"currency"`
	OccurredAt     time.Time           `json:"occurred_at"`
}

func (m *Machine) emit(ctx context.Context, tx pgx.Tx, eventType string, b domain.Booking, actor uuid.UUID) error {
	payload, err := json.Marshal(BookingEvent{
		BookingID:     b.ID,
		ClientID:      b.ClientID,
		WorkerID:      b.WorkerID,
		Actor:         actor,
		Status:        b.Status,
		PaymentStatus: b.PaymentStatus,
		TotalAmount:   b.Pricing.TotalAmount.StringFixed(2),
		Currency:      b.Pricing.Currency,
		StartTime:     b.Schedule.StartTime,
		Cancellation:  b.Cancellation,
		Version:       b.Version,
		OccurredAt:    m.now().UTC(),
	})
	if err != nil {
		return err
	}
	return m.repo.InsertOutbox(ctx, tx, crdb.OutboxRecord{
		ID:            uuid.New(),
		AggregateType: "booking",
		AggregateID:   b.ID,
		EventType:     eventType,
		Payload:       payload,
		DedupeKey:     fmt.Sprintf("booking:%s:%s:%d", b.ID, eventType, b.Version),
	})
}

func (m *Machine) emitEscrow(ctx context.Context, tx pgx.Tx, eventType string, e domain.Escrow) error {
	payload, err := json.Marshal(EscrowEvent{
		EscrowID:       e.ID,
		BookingID:      e.BookingID,
		Status:         e.Status,
		Amount:         e.Amount.StringFixed(2),
		RefundedAmount: e.RefundedAmount.StringFixed(2),
		PenaltyAmount:  e.PenaltyAmount.StringFixed(2),
		PlatformPayout: e.PlatformPayout.StringFixed(2),
		Currency:       e.Currency,
		OccurredAt:     m.now().UTC(),
	})
	if err != nil {
		return err
	}
	return m.repo.InsertOutbox(ctx, tx, crdb.OutboxRecord{
		ID:            uuid.New(),
		AggregateType: "booking",
		AggregateID:   e.BookingID,
		EventType:     eventType,
		Payload:       payload,
		DedupeKey:     fmt.Sprintf("escrow:%s:%s", e.ID, eventType),
	})
}
