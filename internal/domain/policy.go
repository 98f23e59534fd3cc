package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RefundSplit divides a cancelled booking's escrow. Refund goes back to the
// client; the penalty is paid out to the worker and platform.
type RefundSplit struct {
	Refund          decimal.Decimal `json:"refund_amount"`
	Penalty         decimal.Decimal `json:"penalty_amount"`
	PenaltyWorker   decimal.Decimal `json:"penalty_worker"`
	PenaltyPlatform decimal.Decimal `json:"penalty_platform"`
}

// FullRefund returns the whole amount to the client.
func FullRefund(amount decimal.Decimal) RefundSplit {
	return RefundSplit{
		Refund:          amount,
		Penalty:         decimal.Zero,
		PenaltyWorker:   decimal.Zero,
		PenaltyPlatform: decimal.Zero,
	}
}

// Reconciles reports whether the split accounts for exactly amount.
func (s RefundSplit) Reconciles(amount decimal.Decimal) bool {
	if s.Refund.IsNegative() || s.Penalty.IsNegative() || s.PenaltyWorker.IsNegative() || s.PenaltyPlatform.IsNegative() {
		return false
	}
	return s.Refund.Add(s.Penalty).Equal(amount) && s.PenaltyWorker.Add(s.PenaltyPlatform).Equal(s.Penalty)
}

type RefundPolicy interface {
	ComputeRefund(b Booking, cancelledBy Party, reason CancellationReason, now time.Time) RefundSplit
}

// WindowPolicy refunds in full when the cancellation lands at least Window
// before the start. Inside the window the withheld share grows linearly with
// lateness up to MaxPenaltyPercent of the total. Worker cancellations and
// worker no-shows always refund in full.
type WindowPolicy struct {
	Window               time.Duration
	MaxPenaltyPercent    decimal.Decimal
	PlatformSharePercent decimal.Decimal
}

func (p WindowPolicy) ComputeRefund(b Booking, cancelledBy Party, reason CancellationReason, now time.Time) RefundSplit {
	total := b.Pricing.TotalAmount
	if cancelledBy == PartyWorker || reason == ReasonWorkerNoShow || p.Window <= 0 {
		return FullRefund(total)
	}

	before := b.Schedule.StartTime.Sub(now)
	if before >= p.Window {
		return FullRefund(total)
	}

	lateness := decimal.NewFromInt(1)
	if before > 0 {
		lateness = lateness.Sub(decimal.NewFromInt(int64(before)).Div(decimal.NewFromInt(int64(p.Window))))
	}

	penalty := RoundMoney(total.Mul(p.MaxPenaltyPercent).Div(hundred).Mul(lateness))
	if penalty.GreaterThan(total) {
		penalty = total
	}
	if penalty.IsNegative() {
		penalty = decimal.Zero
	}
	platform := RoundMoney(penalty.Mul(p.PlatformSharePercent).Div(hundred))

	return RefundSplit{
		Refund:          total.Sub(penalty),
		Penalty:         penalty,
		PenaltyWorker:   penalty.Sub(platform),
		PenaltyPlatform: platform,
	}
}
