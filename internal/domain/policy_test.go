package domain_test

import (
	"testing"
	"time"

	"github.com/robertarktes/service-bookings-escrow/internal/domain"
	"github.com/shopspring/decimal"
)

func bookingStartingAt(start time.Time, total string) domain.Booking {
	return domain.Booking{
		Schedule: domain.Schedule{StartTime: start, EndTime: start.Add(2 * time.Hour)},
		Pricing:  domain.Pricing{TotalAmount: decimal.RequireFromString(total), Currency: "USD"},
		Status:   domain.BookingConfirmed,
	}
}

func TestWindowPolicy_SplitsAlwaysReconcile(t *testing.T) {
	policy := domain.WindowPolicy{
		Window:               24 * time.Hour,
		MaxPenaltyPercent:    decimal.NewFromInt(50),
		PlatformSharePercent: decimal.NewFromInt(10),
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	totals := []string{"204000", "0.01", "99.99", "1234.57", "0"}
	offsets := []time.Duration{72 * time.Hour, 24 * time.Hour, 23 * time.Hour, 7*time.Hour + 13*time.Minute, time.Minute, 0, -3 * time.Hour}
	for _, total := range totals {
		for _, off := range offsets {
			for _, by := range []domain.Party{domain.PartyClient, domain.PartyWorker} {
				b := bookingStartingAt(now.Add(off), total)
				split := policy.ComputeRefund(b, by, domain.ReasonChangedMind, now)
				if !split.Reconciles(b.Pricing.TotalAmount) {
					t.Errorf("total=%s off=%v by=%s: split %+v does not reconcile", total, off, by, split)
				}
			}
		}
	}
}

func TestWindowPolicy_FullRefundOutsideWindow(t *testing.T) {
	policy := domain.WindowPolicy{Window: 24 * time.Hour, MaxPenaltyPercent: decimal.NewFromInt(50)}
	now := time.Now()
	b := bookingStartingAt(now.Add(48*time.Hour), "204000")

	split := policy.ComputeRefund(b, domain.PartyClient, domain.ReasonScheduleConflict, now)
	if !split.Refund.Equal(b.Pricing.TotalAmount) || !split.Penalty.IsZero() {
		t.Errorf("expected full refund, got %+v", split)
	}
}

func TestWindowPolicy_PenaltyGrowsWithLateness(t *testing.T) {
	policy := domain.WindowPolicy{Window: 24 * time.Hour, MaxPenaltyPercent: decimal.NewFromInt(50)}
	now := time.Now()

	early := policy.ComputeRefund(bookingStartingAt(now.Add(18*time.Hour), "1000"), domain.PartyClient, domain.ReasonChangedMind, now)
	late := policy.ComputeRefund(bookingStartingAt(now.Add(6*time.Hour), "1000"), domain.PartyClient, domain.ReasonChangedMind, now)
	started := policy.ComputeRefund(bookingStartingAt(now.Add(-time.Hour), "1000"), domain.PartyClient, domain.ReasonChangedMind, now)

	if !early.Penalty.Equal(decimal.NewFromInt(125)) {
		t.Errorf("expected penalty 125 at 18h, got %s", early.Penalty)
	}
	if !late.Penalty.Equal(decimal.NewFromInt(375)) {
		t.Errorf("expected penalty 375 at 6h, got %s", late.Penalty)
	}
	if !started.Penalty.Equal(decimal.NewFromInt(500)) {
		t.Errorf("expected capped penalty 500 after start, got %s", started.Penalty)
	}
	if !late.PenaltyWorker.Equal(late.Penalty) || !late.PenaltyPlatform.IsZero() {
		t.Errorf("expected the whole penalty to go to the worker, got %+v", late)
	}
}

func TestWindowPolicy_WorkerCancellationRefundsInFull(t *testing.T) {
	policy := domain.WindowPolicy{Window: 24 * time.Hour, MaxPenaltyPercent: decimal.NewFromInt(50)}
	now := time.Now()
	b := bookingStartingAt(now.Add(time.Hour), "500")

	for _, tc := range []struct {
		by     domain.Party
		reason domain.CancellationReason
	}{
		{domain.PartyWorker, domain.ReasonWorkerUnavailable},
		{domain.PartyWorker, domain.ReasonEmergency},
		{domain.PartyClient, domain.ReasonWorkerNoShow},
	} {
		split := policy.ComputeRefund(b, tc.by, tc.reason, now)
		if !split.Refund.Equal(b.Pricing.TotalAmount) || !split.Penalty.IsZero() {
			t.Errorf("by=%s reason=%s: expected full refund, got %+v", tc.by, tc.reason, split)
		}
	}
}

func TestRefundSplit_Reconciles(t *testing.T) {
	amount := decimal.NewFromInt(100)
	ok := domain.RefundSplit{
		Refund:          decimal.NewFromInt(70),
		Penalty:         decimal.NewFromInt(30),
		PenaltyWorker:   decimal.NewFromInt(27),
		PenaltyPlatform: decimal.NewFromInt(3),
	}
	if !ok.Reconciles(amount) {
		t.Error("expected split to reconcile")
	}
	short := ok
	short.Refund = decimal.NewFromInt(60)
	if short.Reconciles(amount) {
		t.Error("expected short split to be rejected")
	}
	skewed := ok
	skewed.PenaltyWorker = decimal.NewFromInt(30)
	if skewed.Reconciles(amount) {
		t.Error("expected mismatched penalty shares to be rejected")
	}
}
