package escrow

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/service-bookings-escrow/internal/adapters/crdb"
	"github.com/robertarktes/service-bookings-escrow/internal/domain"
	"github.com/robertarktes/service-bookings-escrow/internal/ledger"
	"github.com/shopspring/decimal"
)

type CaptureRequest struct {
	BookingID    uuid.UUID
	ClientID     uuid.UUID
	WorkerID     uuid.UUID
	Amount       decimal.Decimal
	WorkerPayout decimal.Decimal
	PlatformFee  decimal.Decimal
	Currency     string
}

// Store holds booking funds between capture and settlement. Every method
// that takes a tx runs inside the caller's transaction; the escrow status
// change and its wallet credits commit or roll back together.
type Store struct {
	repo            *crdb.Repository
	ledger          *ledger.Ledger
	platformAccount uuid.UUID
}

func NewStore(repo *crdb.Repository, l *ledger.Ledger, platformAccount uuid.UUID) *Store {
	return &Store{repo: repo, ledger: l, platformAccount: platformAccount}
}

// Capture records funds already debited from the client as HOLDING. A second
// capture for the same booking returns the existing escrow when the amounts
// agree and fails with ErrEscrowConflict when they do not.
func (s *Store) Capture(ctx context.Context, tx pgx.Tx, req CaptureRequest) (*domain.Escrow, error) {
	if req.Amount.IsNegative() || req.WorkerPayout.IsNegative() || req.WorkerPayout.GreaterThan(req.Amount) {
		return nil, errors.Wrapf(domain.ErrInvalidAmount, "capture %s with payout %s", req.Amount, req.WorkerPayout)
	}

	e := domain.Escrow{
		ID:             uuid.New(),
		BookingID:      req.BookingID,
		ClientID:       req.ClientID,
		WorkerID:       req.WorkerID,
		Amount:         req.Amount,
		WorkerPayout:   req.WorkerPayout,
		PlatformFee:    req.PlatformFee,
		Currency:       req.Currency,
		Status:         domain.EscrowHolding,
		RefundedAmount: decimal.Zero,
		PenaltyAmount:  decimal.Zero,
		PlatformPayout: decimal.Zero,
		HeldAt:         time.Now().UTC(),
	}
	inserted, err := s.repo.InsertEscrow(ctx, tx, e)
	if err != nil {
		return nil, errors.Wrapf(err, "capture escrow for booking %s", req.BookingID)
	}
	if inserted {
		return &e, nil
	}

	existing, err := s.repo.LockEscrowByBooking(ctx, tx, req.BookingID)
	if err != nil {
		return nil, err
	}
	if !sameCapture(existing, req) {
		return nil, errors.Wrapf(domain.ErrEscrowConflict, "booking %s already holds %s %s", req.BookingID, existing.Amount, existing.Currency)
	}
	return existing, nil
}

// Release pays out an escrow that still holds its funds: HOLDING, or
// DISPUTED from HOLDING. The worker receives the worker payout and the
// platform account the remainder, which is recorded as the platform payout.
// Releasing an escrow that is already RELEASED returns it unchanged.
func (s *Store) Release(ctx context.Context, tx pgx.Tx, escrowID uuid.UUID) (*domain.Escrow, error) {
	e, err := s.repo.LockEscrow(ctx, tx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status == domain.EscrowReleased {
		return e, nil
	}
	if !e.Held() {
		return nil, errors.Wrapf(domain.ErrInvalidEscrowState, "cannot release a %s escrow", describe(e))
	}

	from := e.Status
	platformShare := e.Amount.Sub(e.WorkerPayout)
	if err := s.credit(ctx, tx, e, e.WorkerID, e.WorkerPayout, domain.TxPayout, "release", "worker", "booking payout"); err != nil {
		return nil, err
	}
	if err := s.credit(ctx, tx, e, s.platformAccount, platformShare, domain.TxPayout, "release", "platform", "platform fee"); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	e.Status = domain.EscrowReleased
	e.PlatformPayout = platformShare
	e.DisputedFrom = ""
	e.ReleasedAt = &now
	if err := s.repo.SettleEscrow(ctx, tx, from, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Refund settles an escrow that still holds its funds by split. The client
// gets the refund and the penalty is paid to the worker and platform. A
// replay with the split already applied returns the escrow unchanged.
//
// An escrow disputed after a partial release holds nothing. Refunding it
// with the split it was settled with closes the dispute and restores
// PARTIALLY_RELEASED without moving money; any other split is refused.
func (s *Store) Refund(ctx context.Context, tx pgx.Tx, escrowID uuid.UUID, split domain.RefundSplit) (*domain.Escrow, error) {
	e, err := s.repo.LockEscrow(ctx, tx, escrowID)
	if err != nil {
		return nil, err
	}
	if !split.Reconciles(e.Amount) {
		return nil, errors.Wrapf(domain.ErrRefundAmountMismatch,
			"refund %s + penalty %s does not settle %s", split.Refund, split.Penalty, e.Amount)
	}
	settledWith := e.RefundedAmount.Equal(split.Refund) && e.PenaltyAmount.Equal(split.Penalty)
	switch {
	case e.Status == domain.EscrowRefunded, e.Status == domain.EscrowPartiallyReleased:
		if settledWith {
			return e, nil
		}
		return nil, errors.Wrapf(domain.ErrInvalidEscrowState, "escrow already settled with refund %s", e.RefundedAmount)
	case e.Status == domain.EscrowDisputed && e.DisputedFrom == domain.EscrowPartiallyReleased:
		if !settledWith {
			return nil, errors.Wrapf(domain.ErrInvalidEscrowState, "escrow already settled with refund %s", e.RefundedAmount)
		}
		e.Status = domain.EscrowPartiallyReleased
		e.DisputedFrom = ""
		if err := s.repo.SettleEscrow(ctx, tx, domain.EscrowDisputed, e); err != nil {
			return nil, err
		}
		return e, nil
	case !e.Held():
		return nil, errors.Wrapf(domain.ErrInvalidEscrowState, "cannot refund a %s escrow", describe(e))
	}

	from := e.Status
	if err := s.credit(ctx, tx, e, e.ClientID, split.Refund, domain.TxRefund, "refund", "client", "booking refund"); err != nil {
		return nil, err
	}
	if err := s.credit(ctx, tx, e, e.WorkerID, split.PenaltyWorker, domain.TxPayout, "refund", "worker", "cancellation penalty"); err != nil {
		return nil, err
	}
	if err := s.credit(ctx, tx, e, s.platformAccount, split.PenaltyPlatform, domain.TxPayout, "refund", "platform", "cancellation penalty share"); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	e.Status = domain.EscrowPartiallyReleased
	if split.Refund.Equal(e.Amount) {
		e.Status = domain.EscrowRefunded
	}
	e.RefundedAmount = split.Refund
	e.PenaltyAmount = split.Penalty
	e.PlatformPayout = split.PenaltyPlatform
	e.DisputedFrom = ""
	e.ReleasedAt = &now
	if err := s.repo.SettleEscrow(ctx, tx, from, e); err != nil {
		return nil, err
	}
	return e, nil
}

// MarkDisputed freezes an escrow until an administrator releases or refunds
// it. No money moves; the status it was disputed from is kept so resolution
// only touches funds the escrow still holds.
func (s *Store) MarkDisputed(ctx context.Context, tx pgx.Tx, escrowID uuid.UUID) (*domain.Escrow, error) {
	e, err := s.repo.LockEscrow(ctx, tx, escrowID)
	if err != nil {
		return nil, err
	}
	switch e.Status {
	case domain.EscrowDisputed:
		return e, nil
	case domain.EscrowHolding, domain.EscrowPartiallyReleased:
	default:
		return nil, errors.Wrapf(domain.ErrInvalidEscrowState, "cannot dispute a %s escrow", e.Status)
	}
	from := e.Status
	e.Status = domain.EscrowDisputed
	e.DisputedFrom = from
	if err := s.repo.SettleEscrow(ctx, tx, from, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Store) List(ctx context.Context, userID uuid.UUID, filter crdb.EscrowFilter) ([]domain.Escrow, error) {
	return s.repo.ListEscrows(ctx, userID, filter)
}

func (s *Store) GetByBooking(ctx context.Context, bookingID uuid.UUID) (*domain.Escrow, error) {
	return s.repo.GetEscrowByBooking(ctx, bookingID)
}

// ReleaseTx is Release in its own transaction.
func (s *Store) ReleaseTx(ctx context.Context, escrowID uuid.UUID) (*domain.Escrow, error) {
	return s.inTx(ctx, func(tx pgx.Tx) (*domain.Escrow, error) {
		return s.Release(ctx, tx, escrowID)
	})
}

// RefundTx is Refund in its own transaction.
func (s *Store) RefundTx(ctx context.Context, escrowID uuid.UUID, split domain.RefundSplit) (*domain.Escrow, error) {
	return s.inTx(ctx, func(tx pgx.Tx) (*domain.Escrow, error) {
		return s.Refund(ctx, tx, escrowID, split)
	})
}

// MarkDisputedTx is MarkDisputed in its own transaction.
func (s *Store) MarkDisputedTx(ctx context.Context, escrowID uuid.UUID) (*domain.Escrow, error) {
	return s.inTx(ctx, func(tx pgx.Tx) (*domain.Escrow, error) {
		return s.MarkDisputed(ctx, tx, escrowID)
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) (*domain.Escrow, error)) (*domain.Escrow, error) {
	var out *domain.Escrow
	err := s.repo.WithTx(ctx, func(tx pgx.Tx) error {
		e, err := fn(tx)
		out = e
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// credit pays party its share of e. The reference ties the credit to the
// escrow, the settlement kind and the party, so a retried settlement cannot
// pay anyone twice.
func (s *Store) credit(ctx context.Context, tx pgx.Tx, e *domain.Escrow, user uuid.UUID, amount decimal.Decimal, typ domain.TransactionType, kind, party, desc string) error {
	if !amount.IsPositive() {
		return nil
	}
	bookingID := e.BookingID
	_, err := s.ledger.Credit(ctx, tx, user, amount, ledger.TxContext{
		Type:        typ,
		Reference:   Reference(e.ID, kind, party),
		BookingID:   &bookingID,
		Description: desc,
	})
	return err
}

// Reference is the wallet transaction reference of one settlement credit.
func Reference(escrowID uuid.UUID, kind, party string) string {
	return "escrow:" + escrowID.String() + ":" + kind + ":" + party
}

func describe(e *domain.Escrow) string {
	if e.Status == domain.EscrowDisputed && e.DisputedFrom != "" {
		return string(e.Status) + " (from " + string(e.DisputedFrom) + ")"
	}
	return string(e.Status)
}

func sameCapture(e *domain.Escrow, req CaptureRequest) bool {
	return e.ClientID == req.ClientID &&
		e.WorkerID == req.WorkerID &&
		e.Amount.Equal(req.Amount) &&
		e.WorkerPayout.Equal(req.WorkerPayout) &&
		e.PlatformFee.Equal(req.PlatformFee) &&
		e.Currency == req.Currency
}
