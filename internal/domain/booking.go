package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SystemActor is used by the expiry worker when it rejects past-due bookings.
var SystemActor = uuid.Nil

type Action string

const (
	ActionConfirm  Action = "confirm"
	ActionReject   Action = "reject"
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
	ActionDispute  Action = "dispute"
)

// WorkerAction reports whether a is one of the worker-driven transitions.
func (a Action) WorkerAction() bool {
	return a == ActionConfirm || a == ActionReject || a == ActionStart || a == ActionComplete
}

type transition struct {
	from []BookingStatus
	to   BookingStatus
}

var transitions = map[Action]transition{
	ActionConfirm:  {from: []BookingStatus{BookingPending}, to: BookingConfirmed},
	ActionReject:   {from: []BookingStatus{BookingPending}, to: BookingRejected},
	ActionStart:    {from: []BookingStatus{BookingConfirmed}, to: BookingInProgress},
	ActionComplete: {from: []BookingStatus{BookingInProgress}, to: BookingCompleted},
	ActionCancel:   {from: []BookingStatus{BookingConfirmed, BookingInProgress}, to: BookingCancelled},
	ActionDispute:  {from: []BookingStatus{BookingCompleted}, to: BookingDisputed},
}

// NextStatus returns the status a takes the booking to from current.
func NextStatus(current BookingStatus, a Action) (BookingStatus, error) {
	t, ok := transitions[a]
	if !ok {
		return "", errors.Wrapf(ErrInvalidInput, "unknown action %q", a)
	}
	for _, s := range t.from {
		if s == current {
			return t.to, nil
		}
	}
	return "", errors.Wrapf(ErrInvalidBookingState, "cannot %s a %s booking", a, current)
}

type ScheduleBounds struct {
	MinAdvanceNotice time.Duration
	MinDuration      time.Duration
	MaxDuration      time.Duration
}

// NewSchedule validates the window against bounds and derives the duration
// in hours rounded to one decimal.
func NewSchedule(start, end, now time.Time, bounds ScheduleBounds) (Schedule, error) {
	if !end.After(start) {
		return Schedule{}, errors.Wrap(ErrInvalidSchedule, "end must be after start")
	}
	if start.Before(now.Add(bounds.MinAdvanceNotice)) {
		return Schedule{}, errors.Wrapf(ErrInvalidSchedule, "start must be at least %v ahead", bounds.MinAdvanceNotice)
	}
	d := end.Sub(start)
	if bounds.MinDuration > 0 && d < bounds.MinDuration {
		return Schedule{}, errors.Wrapf(ErrInvalidSchedule, "duration %v below minimum %v", d, bounds.MinDuration)
	}
	if bounds.MaxDuration > 0 && d > bounds.MaxDuration {
		return Schedule{}, errors.Wrapf(ErrInvalidSchedule, "duration %v above maximum %v", d, bounds.MaxDuration)
	}
	return Schedule{
		StartTime:     start.UTC(),
		EndTime:       end.UTC(),
		DurationHours: decimal.NewFromFloat(d.Hours()).Round(1),
	}, nil
}

// Expired reports whether the booking is past its start while still waiting
// on the worker. Expiry does not move funds.
func (b Booking) Expired(now time.Time) bool {
	if b.Status != BookingPending && b.Status != BookingConfirmed {
		return false
	}
	return !now.Before(b.Schedule.StartTime)
}

// PartyOf maps an actor id to its side of the booking.
func (b Booking) PartyOf(actor uuid.UUID) (Party, bool) {
	switch actor {
	case b.ClientID:
		return PartyClient, true
	case b.WorkerID:
		return PartyWorker, true
	}
	return "", false
}
