package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type BookingStatus string

const (
	BookingPending    BookingStatus = "PENDING"
	BookingConfirmed  BookingStatus = "CONFIRMED"
	BookingInProgress BookingStatus = "IN_PROGRESS"
	BookingCompleted  BookingStatus = "COMPLETED"
	BookingCancelled  BookingStatus = "CANCELLED"
	BookingRejected   BookingStatus = "REJECTED"
	BookingDisputed   BookingStatus = "DISPUTED"
)

// Terminal reports whether no further lifecycle transition leaves the status.
// DISPUTED is resolved outside the state machine and is not terminal.
func (s BookingStatus) Terminal() bool {
	return s == BookingCompleted || s == BookingCancelled || s == BookingRejected
}

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "PENDING"
	PaymentPaid              PaymentStatus = "PAID"
	PaymentPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
	PaymentRefunded          PaymentStatus = "REFUNDED"
)

type PricingUnit string

const (
	UnitHourly  PricingUnit = "hourly"
	UnitDaily   PricingUnit = "daily"
	UnitMonthly PricingUnit = "monthly"
)

func (u PricingUnit) Valid() bool {
	return u == UnitHourly || u == UnitDaily || u == UnitMonthly
}

type Party string

const (
	PartyClient Party = "client"
	PartyWorker Party = "worker"
)

type CancellationReason string

const (
	ReasonScheduleConflict  CancellationReason = "schedule_conflict"
	ReasonChangedMind       CancellationReason = "changed_mind"
	ReasonWorkerUnavailable CancellationReason = "worker_unavailable"
	ReasonWorkerNoShow      CancellationReason = "worker_no_show"
	ReasonEmergency         CancellationReason = "emergency"
	ReasonOther             CancellationReason = "other"
)

func (r CancellationReason) Valid() bool {
	switch r {
	case ReasonScheduleConflict, ReasonChangedMind, ReasonWorkerUnavailable,
		ReasonWorkerNoShow, ReasonEmergency, ReasonOther:
		return true
	}
	return false
}

type Schedule struct {
	StartTime     time.Time       `json:"start_time"`
	EndTime       time.Time       `json:"end_time"`
	DurationHours decimal.Decimal `json:"duration_hours"`
}

type Pricing struct {
	Unit         PricingUnit     `json:"unit"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Quantity     int             `json:"quantity"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	PlatformFee  decimal.Decimal `json:"platform_fee"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	WorkerPayout decimal.Decimal `json:"worker_payout"`
	Currency     string          `json:"currency"`
}

type Cancellation struct {
	CancelledBy   Party              `json:"cancelled_by"`
	Reason        CancellationReason `json:"reason"`
	Notes         string             `json:"notes,omitempty"`
	CancelledAt   time.Time          `json:"cancelled_at"`
	RefundAmount  decimal.Decimal    `json:"refund_amount"`
	PenaltyAmount decimal.Decimal    `json:"penalty_amount"`
}

// Booking references its client, worker and worker service by id only.
// Populated documents live in BookingView.
type Booking struct {
	ID              uuid.UUID     `json:"id"`
	ClientID        uuid.UUID     `json:"client_id"`
	WorkerID        uuid.UUID     `json:"worker_id"`
	WorkerServiceID uuid.UUID     `json:"worker_service_id"`
	ServiceCode     string        `json:"service_code"`
	Schedule        Schedule      `json:"schedule"`
	Pricing         Pricing       `json:"pricing"`
	Status          BookingStatus `json:"status"`
	PaymentStatus   PaymentStatus `json:"payment_status"`
	Cancellation    *Cancellation `json:"cancellation,omitempty"`
	Notes           string        `json:"notes,omitempty"`
	WorkerResponse  string        `json:"worker_response,omitempty"`
	Complaint       string        `json:"complaint,omitempty"`
	Version         int64         `json:"version"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

type EscrowStatus string

const (
	EscrowHolding           EscrowStatus = "HOLDING"
	EscrowReleased          EscrowStatus = "RELEASED"
	EscrowRefunded          EscrowStatus = "REFUNDED"
	EscrowPartiallyReleased EscrowStatus = "PARTIALLY_RELEASED"
	EscrowDisputed          EscrowStatus = "DISPUTED"
)

type Escrow struct {
	ID             uuid.UUID       `json:"id"`
	BookingID      uuid.UUID       `json:"booking_id"`
	ClientID       uuid.UUID       `json:"client_id"`
	WorkerID       uuid.UUID       `json:"worker_id"`
	Amount         decimal.Decimal `json:"amount"`
	WorkerPayout   decimal.Decimal `json:"worker_payout"`
	PlatformFee    decimal.Decimal `json:"platform_fee"`
	Currency       string          `json:"currency"`
	Status         EscrowStatus    `json:"status"`
	RefundedAmount decimal.Decimal `json:"refunded_amount"`
	PenaltyAmount  decimal.Decimal `json:"penalty_amount"`
	PlatformPayout decimal.Decimal `json:"platform_payout"`
	DisputedFrom   EscrowStatus    `json:"disputed_from,omitempty"`
	HeldAt         time.Time       `json:"held_at"`
	ReleasedAt     *time.Time      `json:"released_at,omitempty"`
}

// Held reports whether e still holds all of its funds. A dispute keeps the
// funds of a HOLDING escrow but moves nothing back into a settled one.
func (e Escrow) Held() bool {
	switch e.Status {
	case EscrowHolding:
		return true
	case EscrowDisputed:
		return e.DisputedFrom == EscrowHolding
	}
	return false
}

type Wallet struct {
	UserID    uuid.UUID       `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type TransactionType string

const (
	TxDeposit  TransactionType = "deposit"
	TxWithdraw TransactionType = "withdraw"
	TxPayment  TransactionType = "payment"
	TxRefund   TransactionType = "refund"
	TxPayout   TransactionType = "payout"
)

type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusSuccess   TransactionStatus = "success"
	TxStatusFailed    TransactionStatus = "failed"
	TxStatusCancelled TransactionStatus = "cancelled"
)

type WalletTransaction struct {
	ID           uuid.UUID         `json:"id"`
	UserID       uuid.UUID         `json:"user_id"`
	Type         TransactionType   `json:"type"`
	Amount       decimal.Decimal   `json:"amount"`
	Status       TransactionStatus `json:"status"`
	Gateway      *string           `json:"gateway,omitempty"`
	Reference    *string           `json:"reference,omitempty"`
	BookingID    *uuid.UUID        `json:"booking_id,omitempty"`
	Description  string            `json:"description"`
	BalanceAfter decimal.Decimal   `json:"balance_after"`
	CreatedAt    time.Time         `json:"created_at"`
}
