package domain

import "github.com/cockroachdb/errors"

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidInput         = errors.New("invalid input")

	ErrInvalidPricingInput  = errors.New("invalid pricing input")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInvalidBookingState  = errors.New("invalid booking state")
	ErrInvalidEscrowState   = errors.New("invalid escrow state")
	ErrEscrowConflict       = errors.New("escrow conflict")
	ErrRefundAmountMismatch = errors.New("refund amount mismatch")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidSchedule      = errors.New("invalid schedule")
	ErrServiceUnavailable   = errors.New("worker service unavailable")
	ErrForbiddenActor       = errors.New("actor not allowed")
	ErrBookingExpired       = errors.New("booking expired")
)

// Kind returns the sentinel err matches, or nil for unclassified errors.
func Kind(err error) error {
	for _, k := range []error{
		ErrInvalidPricingInput, ErrInsufficientBalance, ErrInvalidBookingState,
		ErrInvalidEscrowState, ErrEscrowConflict, ErrRefundAmountMismatch,
		ErrInvalidAmount, ErrInvalidSchedule, ErrServiceUnavailable,
		ErrForbiddenActor, ErrBookingExpired, ErrSerializationFailure,
		ErrNotFound, ErrConflict, ErrInvalidInput,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
