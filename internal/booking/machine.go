package booking

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/service-bookings-escrow/internal/adapters/crdb"
	"github.com/robertarktes/service-bookings-escrow/internal/config"
	"github.com/robertarktes/service-bookings-escrow/internal/domain"
	"github.com/robertarktes/service-bookings-escrow/internal/escrow"
	"github.com/robertarktes/service-bookings-escrow/internal/ledger"
	"github.com/robertarktes/service-bookings-escrow/internal/observability"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Catalog resolves the worker service a booking is made against.
type Catalog interface {
	GetService(ctx context.Context, id uuid.UUID) (*domain.WorkerService, error)
}

// Locker guards against the same booking being submitted twice in parallel.
type Locker interface {
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) error
}

// Auditor keeps a trail of committed transitions. Failures are logged only.
type Auditor interface {
	LogTransition(ctx context.Context, b domain.Booking, action domain.Action, actor uuid.UUID) error
}

type Config struct {
	FeePercent decimal.Decimal
	Currency   string
	Bounds     domain.ScheduleBounds
	LockTTL    time.Duration
}

// ConfigFrom reads the booking settings out of the service configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		FeePercent: cfg.PlatformFeePercent,
		Currency:   cfg.Currency,
		Bounds: domain.ScheduleBounds{
			MinAdvanceNotice: cfg.MinAdvanceNotice,
			MinDuration:      cfg.MinDuration,
			MaxDuration:      cfg.MaxDuration,
		},
		LockTTL: cfg.BookingLockTTL,
	}
}

// PolicyFrom builds the cancellation policy from the service configuration.
func PolicyFrom(cfg *config.Config) domain.WindowPolicy {
	return domain.WindowPolicy{
		Window:               cfg.CancellationWindow,
		MaxPenaltyPercent:    cfg.MaxPenaltyPercent,
		PlatformSharePercent: cfg.PlatformPenaltyShare,
	}
}

type Machine struct {
	repo    *crdb.Repository
	ledger  *ledger.Ledger
	escrow  *escrow.Store
	catalog Catalog
	policy  domain.RefundPolicy
	cfg     Config
	logger  observability.Logger

	locker  Locker
	auditor Auditor
	now     func() time.Time
}

type Option func(*Machine)

func WithLocker(l Locker) Option {
	return func(m *Machine) { m.locker = l }
}

func WithAuditor(a Auditor) Option {
	return func(m *Machine) { m.auditor = a }
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func New(repo *crdb.Repository, l *ledger.Ledger, store *escrow.Store, catalog Catalog, policy domain.RefundPolicy, cfg Config, logger observability.Logger, opts ...Option) *Machine {
	m := &Machine{
		repo:    repo,
		ledger:  l,
		escrow:  store,
		catalog: catalog,
		policy:  policy,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type CreateRequest struct {
	ClientID        uuid.UUID
	WorkerServiceID uuid.UUID
	Unit            domain.PricingUnit
	Quantity        int
	StartTime       time.Time
	EndTime         time.Time
	Notes           string
}

// Create prices the booking, takes the total from the client's wallet and
// holds it in escrow. The booking row, the debit, the escrow and the
// booking.created event commit together; with an insufficient balance none
// of them exist afterwards.
func (m *Machine) Create(ctx context.Context, req CreateRequest) (*domain.Booking, error) {
	ctx, span := observability.Tracer("booking").Start(ctx, "booking.create")
	defer span.End()

	b, err := m.prepare(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.BookingTransitions.WithLabelValues("create", outcome(err)).Inc()
		return nil, err
	}
	span.SetAttributes(attribute.String("booking.id", b.ID.String()))

	if m.locker != nil {
		key := "booking:submit:" + req.ClientID.String() + ":" + req.WorkerServiceID.String() + ":" + b.Schedule.StartTime.Format(time.RFC3339)
		owner := b.ID.String()
		ok, err := m.locker.AcquireLock(ctx, key, owner, m.cfg.LockTTL)
		if err != nil {
			return nil, errors.Wrap(err, "acquire submit lock")
		}
		if !ok {
			observability.BookingTransitions.WithLabelValues("create", "conflict").Inc()
			return nil, errors.Wrap(domain.ErrConflict, "the same booking is already being submitted")
		}
		defer func() {
			if err := m.locker.ReleaseLock(context.WithoutCancel(ctx), key, owner); err != nil {
				m.logger.WithError(err).Warn("release submit lock")
			}
		}()
	}

	err = m.repo.WithTx(ctx, func(tx pgx.Tx) error {
		if err := m.repo.InsertBooking(ctx, tx, *b); err != nil {
			return errors.Wrap(err, "insert booking")
		}
		if b.Pricing.TotalAmount.IsPositive() {
			bookingID := b.ID
			_, err := m.ledger.Debit(ctx, tx, b.ClientID, b.Pricing.TotalAmount, ledger.TxContext{
				Type:        domain.TxPayment,
				Reference:   "booking:" + b.ID.String() + ":payment",
				BookingID:   &bookingID,
				Description: "payment for " + b.ServiceCode,
			})
			if err != nil {
				return err
			}
		}
		e, err := m.escrow.Capture(ctx, tx, escrow.CaptureRequest{
			BookingID:    b.ID,
			ClientID:     b.ClientID,
			WorkerID:     b.WorkerID,
			Amount:       b.Pricing.TotalAmount,
			WorkerPayout: b.Pricing.WorkerPayout,
			PlatformFee:  b.Pricing.PlatformFee,
			Currency:     b.Pricing.Currency,
		})
		if err != nil {
			return err
		}
		if err := m.emit(ctx, tx, EventBookingCreated, *b, b.ClientID); err != nil {
			return err
		}
		return m.emitEscrow(ctx, tx, EventEscrowCaptured, *e)
	})
	observability.BookingTransitions.WithLabelValues("create", outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	m.audit(ctx, *b, "create", b.ClientID)
	m.logger.WithField("booking_id", b.ID).WithField("total", b.Pricing.TotalAmount.String()).Info("booking created")
	return b, nil
}

func (m *Machine) prepare(ctx context.Context, req CreateRequest) (*domain.Booking, error) {
	svc, err := m.catalog.GetService(ctx, req.WorkerServiceID)
	if err != nil {
		return nil, errors.Wrapf(err, "worker service %s", req.WorkerServiceID)
	}
	if !svc.Active {
		return nil, errors.Wrapf(domain.ErrServiceUnavailable, "worker service %s is not active", svc.ID)
	}
	if svc.WorkerID == req.ClientID {
		return nil, errors.Wrap(domain.ErrInvalidInput, "a worker cannot book their own service")
	}

	now := m.now()
	schedule, err := domain.NewSchedule(req.StartTime, req.EndTime, now, m.cfg.Bounds)
	if err != nil {
		return nil, err
	}

	rate, ok := svc.Rate(req.Unit)
	if !ok {
		return nil, errors.Wrapf(domain.ErrInvalidPricingInput, "service %s has no %s rate", svc.ServiceCode, req.Unit)
	}
	currency := svc.Currency
	if currency == "" {
		currency = m.cfg.Currency
	}
	pricing, err := domain.ComputePricing(rate, req.Unit, req.Quantity, m.cfg.FeePercent, currency)
	if err != nil {
		return nil, err
	}

	now = now.UTC()
	return &domain.Booking{
		ID:              uuid.New(),
		ClientID:        req.ClientID,
		WorkerID:        svc.WorkerID,
		WorkerServiceID: svc.ID,
		ServiceCode:     svc.ServiceCode,
		Schedule:        schedule,
		Pricing:         pricing,
		Status:          domain.BookingPending,
		PaymentStatus:   domain.PaymentPaid,
		Notes:           req.Notes,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (m *Machine) audit(ctx context.Context, b domain.Booking, action domain.Action, actor uuid.UUID) {
	if m.auditor == nil {
		return
	}
	if err := m.auditor.LogTransition(context.WithoutCancel(ctx), b, action, actor); err != nil {
		m.logger.WithError(err).WithField("booking_id", b.ID).Warn("audit log write failed")
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if k := domain.Kind(err); k != nil {
		return k.Error()
	}
	return "error"
}
