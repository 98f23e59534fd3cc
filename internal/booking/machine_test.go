package booking_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/service-bookings-escrow/internal/adapters/crdb"
	"github.com/robertarktes/service-bookings-escrow/internal/adapters/crdb/crdbtest"
	"github.com/robertarktes/service-bookings-escrow/internal/booking"
	"github.com/robertarktes/service-bookings-escrow/internal/domain"
	"github.com/robertarktes/service-bookings-escrow/internal/escrow"
	"github.com/robertarktes/service-bookings-escrow/internal/ledger"
	"github.com/robertarktes/service-bookings-escrow/internal/observability"
	"github.com/shopspring/decimal"
)

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type catalog struct {
	mu       sync.Mutex
	services map[uuid.UUID]*domain.WorkerService
}

func (c *catalog) GetService(_ context.Context, id uuid.UUID) (*domain.WorkerService, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	svc, ok := c.services[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return svc, nil
}

func (c *catalog) add(svc *domain.WorkerService) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[svc.ID] = svc
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type env struct {
	repo     *crdb.Repository
	ledger   *ledger.Ledger
	catalog  *catalog
	platform uuid.UUID
	logger   observability.Logger
}

func newEnv(t *testing.T) *env {
	repo := crdbtest.Start(t)
	logger := observability.NewLogger("booking-test", "error")
	return &env{
		repo:     repo,
		ledger:   ledger.New(repo, "VND", logger),
		catalog:  &catalog{services: map[uuid.UUID]*domain.WorkerService{}},
		platform: uuid.New(),
		logger:   logger,
	}
}

// machine returns a state machine with its own clock so subtests can move
// time independently.
func (e *env) machine() (*booking.Machine, *clock) {
	c := &clock{t: time.Now().UTC().Truncate(time.Microsecond)}
	store := escrow.NewStore(e.repo, e.ledger, e.platform)
	policy := domain.WindowPolicy{
		Window:               24 * time.Hour,
		MaxPenaltyPercent:    money("50"),
		PlatformSharePercent: decimal.Zero,
	}
	cfg := booking.Config{
		FeePercent: money("2"),
		Currency:   "VND",
		Bounds: domain.ScheduleBounds{
			MinAdvanceNotice: time.Hour,
			MinDuration:      time.Hour,
			MaxDuration:      24 * time.Hour,
		},
	}
	return booking.New(e.repo, e.ledger, store, e.catalog, policy, cfg, e.logger, booking.WithClock(c.Now)), c
}

// service registers an hourly service priced at 100000.
func (e *env) service() *domain.WorkerService {
	svc := &domain.WorkerService{
		ID:          uuid.New(),
		WorkerID:    uuid.New(),
		ServiceCode: "cleaning",
		Title:       "Home cleaning",
		Active:      true,
		Rates:       map[domain.PricingUnit]decimal.Decimal{domain.UnitHourly: money("100000")},
		Currency:    "VND",
	}
	e.catalog.add(svc)
	return svc
}

func (e *env) client(t *testing.T, funds string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if funds != "" {
		if _, err := e.ledger.Deposit(context.Background(), id, money(funds), "test", uuid.NewString()); err != nil {
			t.Fatal(err)
		}
	}
	return id
}

func (e *env) balance(t *testing.T, user uuid.UUID) decimal.Decimal {
	t.Helper()
	b, err := e.ledger.GetBalance(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func twoHours(c *clock, client uuid.UUID, svc *domain.WorkerService, lead time.Duration) booking.CreateRequest {
	start := c.Now().Add(lead)
	return booking.CreateRequest{
		ClientID:        client,
		WorkerServiceID: svc.ID,
		Unit:            domain.UnitHourly,
		Quantity:        2,
		StartTime:       start,
		EndTime:         start.Add(2 * time.Hour),
	}
}

func TestMachine(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	t.Run("create holds the total in escrow", func(t *testing.T) {
		m, c := e.machine()
		svc := e.service()
		client := e.client(t, "500000")

		b, err := m.Create(ctx, twoHours(c, client, svc, 48*time.Hour))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if b.Status != domain.BookingPending || b.PaymentStatus != domain.PaymentPaid {
			t.Errorf("expected PENDING/PAID, got %s/%s", b.Status, b.PaymentStatus)
		}
		p := b.Pricing
		if !p.Subtotal.Equal(money("200000")) || !p.PlatformFee.Equal(money("4000")) ||
			!p.TotalAmount.Equal(money("204000")) || !p.WorkerPayout.Equal(money("196000")) {
			t.Errorf("unexpected pricing %+v", p)
		}
		if got := e.balance(t, client); !got.Equal(money("296000")) {
			t.Errorf("expected client balance 296000, got %s", got)
		}

		view, err := m.View(ctx, b.ID)
		if err != nil {
			t.Fatal(err)
		}
		if view.Escrow == nil || view.Escrow.Status != domain.EscrowHolding || !view.Escrow.Amount.Equal(money("204000")) {
			t.Errorf("expected HOLDING escrow of 204000, got %+v", view.Escrow)
		}
		if view.Service == nil || view.Service.ID != svc.ID {
			t.Errorf("expected populated service, got %+v", view.Service)
		}
		if view.Expired {
			t.Error("a future booking must not be expired")
		}

		events, err := e.repo.ListOutboxByAggregate(ctx, b.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 2 {
			t.Fatalf("expected booking.created and escrow.captured, got %d events", len(events))
		}
	})

	t.Run("insufficient balance persists nothing", func(t *testing.T) {
		m, c := e.machine()
		svc := e.service()
		client := e.client(t, "100000")

		_, err := m.Create(ctx, twoHours(c, client, svc, 48*time.Hour))
		if !errors.Is(err, domain.ErrInsufficientBalance) {
			t.Fatalf("expected ErrInsufficientBalance, got %v", err)
		}
		if got := e.balance(t, client); !got.Equal(money("100000")) {
			t.Errorf("expected balance 100000, got %s", got)
		}
		bookings, err := m.List(ctx, client, crdb.BookingFilter{})
		if err != nil {
			t.Fatal(err)
		}
		if len(bookings) != 0 {
			t.Errorf("expected no booking rows, got %d", len(bookings))
		}
	})

	t.Run("create validates service and schedule", func(t *testing.T) {
		m, c := e.machine()
		svc := e.service()
		client := e.client(t, "500000")

		req := twoHours(c, client, svc, 10*time.Minute)
		if _, err := m.Create(ctx, req); !errors.Is(err, domain.ErrInvalidSchedule) {
			t.Errorf("expected ErrInvalidSchedule, got %v", err)
		}

		req = twoHours(c, client, svc, 48*time.Hour)
		req.Unit = domain.UnitMonthly
		if _, err := m.Create(ctx, req); !errors.Is(err, domain.ErrInvalidPricingInput) {
			t.Errorf("expected ErrInvalidPricingInput, got %v", err)
		}

		inactive := e.service()
		inactive.Active = false
		if _, err := m.Create(ctx, twoHours(c, client, inactive, 48*time.Hour)); !errors.Is(err, domain.ErrServiceUnavailable) {
			t.Errorf("expected ErrServiceUnavailable, got %v", err)
		}
	})

	t.Run("reject refunds in full", func(t *testing.T) {
		m, c := e.machine()
		svc := e.service()
		client := e.client(t, "500000")
		b, err := m.Create(ctx, twoHours(c, client, svc, 48*time.Hour))
		if err != nil {
			t.Fatal(err)
		}

		rejected, err := m.Reject(ctx, b.ID, svc.WorkerID, "fully booked")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if rejected.Status != domain.BookingRejected || rejected.PaymentStatus != domain.PaymentRefunded {
			t.Errorf("expected REJECTED/REFUNDED, got %s/%s", rejected.Status, rejected.PaymentStatus)
		}
		if rejected.WorkerResponse != "fully booked" {
			t.Errorf("expected worker response to be kept, got %q", rejected.WorkerResponse)
		}
		if got := e.balance(t, client); !got.Equal(money("500000")) {
			t.Errorf("expected client balance restored to 500000, got %s", got)
		}
		view, err := m.View(ctx, b.ID)
		if err != nil {
			t.Fatal(err)
		}
		if view.Escrow.Status != domain.EscrowRefunded {
			t.Errorf("expected REFUNDED escrow, got %s", view.Escrow.Status)
		}
	})

	t.Run("happy path releases to worker and platform", func(t *testing.T) {
		m, c := e.machine()
		svc := e.service()
		client := e.client(t, "204000")
		platformBefore := e.balance(t, e.platform)
		b, err := m.Create(ctx, twoHours(c, client, svc, 2*time.Hour))
		if err != nil {
			t.Fatal(err)
		}

		for _, action := range []domain.Action{domain.ActionConfirm, domain.ActionStart, domain.ActionComplete} {
			if _, err := m.Act(ctx, b.ID, svc.WorkerID, action, ""); err != nil {
				t.Fatalf("%s: %v", action, err)
			}
		}

		done, err := m.Get(ctx, b.ID)
		if err != nil {
			t.Fatal(err)
		}
		if done.Status != domain.BookingCompleted || done.Version != 4 {
			t.Errorf("expected COMPLETED at version 4, got %s at %d", done.Status, done.Version)
		}
		if got := e.balance(t, svc.WorkerID); !got.Equal(money("196000")) {
			t.Errorf("expected worker balance 196000, got %s", got)
		}
		if got := e.balance(t, e.platform).Sub(platformBefore); !got.Equal(money("8000")) {
			t.Errorf("expected platform to gain 8000, got %s", got)
		}
		if got := e.balance(t, client); !got.IsZero() {
			t.Errorf("expected client balance 0, got %s", got)
		}
		events, err := e.repo.ListOutboxByAggregate(ctx, b.ID)
		if err != nil {
			t.Fatal(err)
		}
		var released *booking.EscrowEvent
		for _, ev := range events {
			if ev.EventType == booking.EventEscrowReleased {
				released = &booking.EscrowEvent{}
				if err := json.Unmarshal(ev.Payload, released); err != nil {
					t.Fatal(err)
				}
			}
		}
		if released == nil || released.PlatformPayout != "8000.00" {
			t.Errorf("expected escrow.released with platform payout 8000.00, got %+v", released)
		}

		for _, action := range []domain.Action{domain.ActionConfirm, domain.ActionReject, domain.ActionStart, domain.ActionComplete} {
			if _, err := m.Act(ctx, b.ID, svc.WorkerID, action, ""); !errors.Is(err, domain.ErrInvalidBookingState) {
				t.Errorf("%s on a completed booking: expected ErrInvalidBookingState, got %v", action, err)
			}
		}
		if _, err := m.Cancel(ctx, b.ID, client, booking.CancelRequest{Reason: domain.ReasonChangedMind}); !errors.Is(err, domain.ErrInvalidBookingState) {
			t.Errorf("cancel on a completed booking: expected ErrInvalidBookingState, got %v", err)
		}

		if _, err := m.Dispute(ctx, b.ID, svc.WorkerID, "not me"); !errors.Is(err, domain.ErrForbiddenActor) {
			t.Errorf("expected worker dispute to be forbidden, got %v", err)
		}
		disputed, err := m.Dispute(ctx, b.ID, client, "left before finishing")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if disputed.Status != domain.BookingDisputed || disputed.Complaint != "left before finishing" {
			t.Errorf("unexpected disputed booking %+v", disputed)
		}
	})

	t.Run("only the worker confirms", func(t *testing.T) {
		m, c := e.machine()
		svc := e.service()
		client := e.client(t, "500000")
		b, err := m.Create(ctx, twoHours(c, client, svc, 48*time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		for _, actor := range []uuid.UUID{client, uuid.New(), domain.SystemActor} {
			if _, err := m.Confirm(ctx, b.ID, actor); !errors.Is(err, domain.ErrForbiddenActor) {
				t.Errorf("actor %s: expected ErrForbiddenActor, got %v", actor, err)
			}
		}
	})

	t.Run("concurrent confirms commit once", func(t *testing.T) {
		m, c := e.machine()
		svc := e.service()
		client := e.client(t, "500000")
		b, err := m.Create(ctx, twoHours(c, client, svc, 48*time.Hour))
		if err != nil {
			t.Fatal(err)
		}

		const attempts = 5
		errs := make([]error, attempts)
		var wg sync.WaitGroup
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = m.Confirm(ctx, b.ID, svc.WorkerID)
			}(i)
		}
		wg.Wait()

		ok := 0
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrInvalidBookingState), errors.Is(err, domain.ErrSerializationFailure):
			default:
				t.Errorf("unexpected error %v", err)
			}
		}
		if ok != 1 {
			t.Errorf("expected exactly one confirm to commit, got %d", ok)
		}
		got, err := m.Get(ctx, b.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != domain.BookingConfirmed || got.Version != 2 {
			t.Errorf("expected CONFIRMED at version 2, got %s at %d", got.Status, got.Version)
		}
	})

	t.Run("early client cancel refunds in full", func(t *testing.T) {
		m, c := e.machine()
		svc := e.service()
		client := e.client(t, "204000")
		b, err := m.Create(ctx, twoHours(c, client, svc, 48*time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := m.Confirm(ctx, b.ID, svc.WorkerID); err != nil {
			t.Fatal(err)
		}

		if _, err := m.Cancel(ctx, b.ID, client, booking.CancelRequest{Reason: "bored"}); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for unknown reason, got %v", err)
		}
		cancelled, err := m.Cancel(ctx, b.ID, client, booking.CancelRequest{Reason: domain.ReasonScheduleConflict, Notes: "moved"})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		cn := cancelled.Cancellation
		if cn == nil || cn.CancelledBy != domain.PartyClient || !cn.RefundAmount.Equal(money("204000")) || !cn.PenaltyAmount.IsZero() {
			t.Errorf("unexpected cancellation %+v", cn)
		}
		if cancelled.PaymentStatus != domain.PaymentRefunded {
			t.Errorf("expected REFUNDED, got %s", cancelled.PaymentStatus)
		}
		if got := e.balance(t, client); !got.Equal(money("204000")) {
			t.Errorf("expected client balance 204000, got %s", got)
		}
	})

	t.Run("late client cancel pays the worker a penalty", func(t *testing.T) {
		m, c := e.machine()
		svc := e.service()
		client := e.client(t, "204000")
		b, err := m.Create(ctx, twoHours(c, client, svc, 48*time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := m.Confirm(ctx, b.ID, svc.WorkerID); err != nil {
			t.Fatal(err)
		}

		c.Advance(42 * time.Hour) // 6h before start
		cancelled, err := m.Cancel(ctx, b.ID, client, booking.CancelRequest{Reason: domain.ReasonChangedMind})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		cn := cancelled.Cancellation
		if !cn.PenaltyAmount.Equal(money("76500")) || !cn.RefundAmount.Equal(money("127500")) {
			t.Errorf("expected refund 127500 and penalty 76500, got %s and %s", cn.RefundAmount, cn.PenaltyAmount)
		}
		if cancelled.PaymentStatus != domain.PaymentPartiallyRefunded {
			t.Errorf("expected PARTIALLY_REFUNDED, got %s", cancelled.PaymentStatus)
		}
		if got := e.balance(t, client); !got.Equal(money("127500")) {
			t.Errorf("expected client balance 127500, got %s", got)
		}
		if got := e.balance(t, svc.WorkerID); !got.Equal(money("76500")) {
			t.Errorf("expected worker balance 76500, got %s", got)
		}
		view, err := m.View(ctx, b.ID)
		if err != nil {
			t.Fatal(err)
		}
		if view.Escrow.Status != domain.EscrowPartiallyReleased {
			t.Errorf("expected PARTIALLY_RELEASED escrow, got %s", view.Escrow.Status)
		}
	})

	t.Run("worker cancel refunds in full", func(t *testing.T) {
		m, c := e.machine()
		svc := e.service()
		client := e.client(t, "204000")
		b, err := m.Create(ctx, twoHours(c, client, svc, 2*time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := m.Confirm(ctx, b.ID, svc.WorkerID); err != nil {
			t.Fatal(err)
		}
		cancelled, err := m.Cancel(ctx, b.ID, svc.WorkerID, booking.CancelRequest{Reason: domain.ReasonWorkerUnavailable})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cancelled.Cancellation.CancelledBy != domain.PartyWorker || !cancelled.Cancellation.PenaltyAmount.IsZero() {
			t.Errorf("unexpected cancellation %+v", cancelled.Cancellation)
		}
		if got := e.balance(t, client); !got.Equal(money("204000")) {
			t.Errorf("expected client balance 204000, got %s", got)
		}
	})

	t.Run("past-due bookings are expired for the worker", func(t *testing.T) {
		m, c := e.machine()
		svc := e.service()
		client := e.client(t, "204000")
		b, err := m.Create(ctx, twoHours(c, client, svc, 2*time.Hour))
		if err != nil {
			t.Fatal(err)
		}

		c.Advance(3 * time.Hour)
		if _, err := m.Confirm(ctx, b.ID, svc.WorkerID); !errors.Is(err, domain.ErrBookingExpired) {
			t.Errorf("expected ErrBookingExpired, got %v", err)
		}
		view, err := m.View(ctx, b.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !view.Expired || view.Status != domain.BookingPending {
			t.Errorf("expected an expired PENDING view, got %s expired=%v", view.Status, view.Expired)
		}
		if got := e.balance(t, client); !got.IsZero() {
			t.Errorf("expiry alone must not move funds, client has %s", got)
		}
	})
}

func TestSweepExpired(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m, c := e.machine()
	svc := e.service()

	pendingClient := e.client(t, "204000")
	pending, err := m.Create(ctx, twoHours(c, pendingClient, svc, 2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	confirmedClient := e.client(t, "204000")
	confirmed, err := m.Create(ctx, twoHours(c, confirmedClient, svc, 90*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Confirm(ctx, confirmed.ID, svc.WorkerID); err != nil {
		t.Fatal(err)
	}

	c.Advance(3 * time.Hour)

	report, err := m.SweepExpired(ctx, false, 50)
	if err != nil {
		t.Fatal(err)
	}
	if report.Found != 2 || report.Reported != 2 || report.Rejected != 0 {
		t.Errorf("expected 2 reported, got %+v", report)
	}
	again, err := m.SweepExpired(ctx, false, 50)
	if err != nil {
		t.Fatal(err)
	}
	if again.Found != 0 {
		t.Errorf("expected announced bookings to be skipped, got %+v", again)
	}

	if _, err := m.Confirm(ctx, pending.ID, svc.WorkerID); !errors.Is(err, domain.ErrBookingExpired) {
		t.Fatalf("expected ErrBookingExpired, got %v", err)
	}

	// Announced bookings are skipped, so auto-reject only sees new ones.
	fresh := e.client(t, "204000")
	late, err := m.Create(ctx, twoHours(c, fresh, svc, 2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	c.Advance(3 * time.Hour)

	result, err := m.SweepExpired(ctx, true, 50)
	if err != nil {
		t.Fatal(err)
	}
	if result.Rejected != 1 || result.Failed != 0 {
		t.Errorf("expected one auto-rejection, got %+v", result)
	}
	got, err := m.Get(ctx, late.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.BookingRejected || got.PaymentStatus != domain.PaymentRefunded {
		t.Errorf("expected REJECTED/REFUNDED, got %s/%s", got.Status, got.PaymentStatus)
	}
	if b := e.balance(t, fresh); !b.Equal(money("204000")) {
		t.Errorf("expected full refund, got %s", b)
	}
	if b := e.balance(t, confirmedClient); !b.IsZero() {
		t.Errorf("confirmed booking funds must stay in escrow, client has %s", b)
	}
}

// race runs fns at once and returns their errors in order.
func race(fns ...func() error) []error {
	errs := make([]error, len(fns))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, fn := range fns {
		wg.Add(1)
		go func(i int, fn func() error) {
			defer wg.Done()
			<-start
			errs[i] = fn()
		}(i, fn)
	}
	close(start)
	wg.Wait()
	return errs
}

// lost reports whether err is how a transition that lost a race fails.
func lost(err error) bool {
	return errors.Is(err, domain.ErrInvalidBookingState) || errors.Is(err, domain.ErrSerializationFailure)
}

func TestTerminalRaces(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	store := escrow.NewStore(e.repo, e.ledger, e.platform)

	t.Run("worker reject against the expiry sweep", func(t *testing.T) {
		m, c := e.machine()
		svc := e.service()
		for round := 0; round < 3; round++ {
			client := e.client(t, "204000")
			b, err := m.Create(ctx, twoHours(c, client, svc, 2*time.Hour))
			if err != nil {
				t.Fatal(err)
			}
			c.Advance(3 * time.Hour)

			var sweep booking.SweepResult
			errs := race(
				func() error {
					_, err := m.Reject(ctx, b.ID, svc.WorkerID, "too late")
					return err
				},
				func() error {
					var err error
					sweep, err = m.SweepExpired(ctx, true, 50)
					return err
				},
			)
			if errs[1] != nil {
				t.Fatalf("sweep: %v", errs[1])
			}
			if errs[0] != nil && !lost(errs[0]) {
				t.Fatalf("reject: unexpected error %v", errs[0])
			}
			winners := sweep.Rejected
			if errs[0] == nil {
				winners++
			}
			if winners != 1 || sweep.Failed != 0 {
				t.Errorf("round %d: expected one rejection, worker err=%v sweep=%+v", round, errs[0], sweep)
			}

			view, err := m.View(ctx, b.ID)
			if err != nil {
				t.Fatal(err)
			}
			if view.Status != domain.BookingRejected || view.Escrow.Status != domain.EscrowRefunded {
				t.Errorf("round %d: expected REJECTED with a REFUNDED escrow, got %s/%s", round, view.Status, view.Escrow.Status)
			}
			if got := e.balance(t, client); !got.Equal(money("204000")) {
				t.Errorf("round %d: expected one full refund of 204000, got %s", round, got)
			}
		}
	})

	t.Run("complete against cancel", func(t *testing.T) {
		m, c := e.machine()
		for round := 0; round < 3; round++ {
			svc := e.service()
			client := e.client(t, "204000")
			platformBefore := e.balance(t, e.platform)
			b, err := m.Create(ctx, twoHours(c, client, svc, 2*time.Hour))
			if err != nil {
				t.Fatal(err)
			}
			for _, action := range []domain.Action{domain.ActionConfirm, domain.ActionStart} {
				if _, err := m.Act(ctx, b.ID, svc.WorkerID, action, ""); err != nil {
					t.Fatalf("%s: %v", action, err)
				}
			}

			errs := race(
				func() error {
					_, err := m.Complete(ctx, b.ID, svc.WorkerID)
					return err
				},
				func() error {
					_, err := m.Cancel(ctx, b.ID, client, booking.CancelRequest{Reason: domain.ReasonChangedMind})
					return err
				},
			)
			ok := 0
			for _, err := range errs {
				switch {
				case err == nil:
					ok++
				case lost(err):
				default:
					t.Fatalf("unexpected error %v", err)
				}
			}
			if ok != 1 {
				t.Fatalf("round %d: expected exactly one terminal write, got %d (%v)", round, ok, errs)
			}

			view, err := m.View(ctx, b.ID)
			if err != nil {
				t.Fatal(err)
			}
			switch view.Status {
			case domain.BookingCompleted:
				if view.Escrow.Status != domain.EscrowReleased {
					t.Errorf("round %d: completed booking with a %s escrow", round, view.Escrow.Status)
				}
			case domain.BookingCancelled:
				if view.Escrow.Status != domain.EscrowRefunded && view.Escrow.Status != domain.EscrowPartiallyReleased {
					t.Errorf("round %d: cancelled booking with a %s escrow", round, view.Escrow.Status)
				}
			default:
				t.Fatalf("round %d: expected a terminal status, got %s", round, view.Status)
			}

			paid := e.balance(t, client).
				Add(e.balance(t, svc.WorkerID)).
				Add(e.balance(t, e.platform).Sub(platformBefore))
			if !paid.Equal(money("204000")) {
				t.Errorf("round %d: escrow paid out %s, expected exactly 204000", round, paid)
			}
		}
	})

	t.Run("disputed escrow blocks the machine", func(t *testing.T) {
		m, c := e.machine()
		svc := e.service()
		client := e.client(t, "204000")
		b, err := m.Create(ctx, twoHours(c, client, svc, 2*time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		for _, action := range []domain.Action{domain.ActionConfirm, domain.ActionStart} {
			if _, err := m.Act(ctx, b.ID, svc.WorkerID, action, ""); err != nil {
				t.Fatalf("%s: %v", action, err)
			}
		}
		view, err := m.View(ctx, b.ID)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := store.MarkDisputedTx(ctx, view.Escrow.ID); err != nil {
			t.Fatal(err)
		}

		if _, err := m.Complete(ctx, b.ID, svc.WorkerID); !errors.Is(err, domain.ErrInvalidEscrowState) {
			t.Errorf("expected ErrInvalidEscrowState completing over a disputed escrow, got %v", err)
		}
		if _, err := m.Cancel(ctx, b.ID, client, booking.CancelRequest{Reason: domain.ReasonChangedMind}); !errors.Is(err, domain.ErrInvalidEscrowState) {
			t.Errorf("expected ErrInvalidEscrowState cancelling over a disputed escrow, got %v", err)
		}
		got, err := m.Get(ctx, b.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != domain.BookingInProgress {
			t.Errorf("expected the booking to stay IN_PROGRESS, got %s", got.Status)
		}
		if b := e.balance(t, svc.WorkerID); !b.IsZero() {
			t.Errorf("expected no payout while disputed, worker has %s", b)
		}
		if b := e.balance(t, client); !b.IsZero() {
			t.Errorf("expected no refund while disputed, client has %s", b)
		}
	})
}
