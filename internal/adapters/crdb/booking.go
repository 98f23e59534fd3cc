package crdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/service-bookings-escrow/internal/domain"
	"github.com/shopspring/decimal"
)

const bookingColumns = `id, client_id, worker_id, worker_service_id, service_code,
	start_time, end_time, duration_hours,
	unit, unit_price, quantity, subtotal, platform_fee, total_amount, worker_payout, currency,
	status, payment_status,
	cancelled_by, cancel_reason, cancel_notes, cancelled_at, refund_amount, penalty_amount,
	notes, worker_response, complaint, version, created_at, updated_at`

type BookingFilter struct {
	Role   domain.Party
	Status domain.BookingStatus
	Limit  int
	Offset int
}

func (r *Repository) InsertBooking(ctx context.Context, tx pgx.Tx, b domain.Booking) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO bookings (
			id, client_id, worker_id, worker_service_id, service_code,
			start_time, end_time, duration_hours,
			unit, unit_price, quantity, subtotal, platform_fee, total_amount, worker_payout, currency,
			status, payment_status, notes, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`,
		b.ID, b.ClientID, b.WorkerID, b.WorkerServiceID, b.ServiceCode,
		b.Schedule.StartTime, b.Schedule.EndTime, b.Schedule.DurationHours,
		string(b.Pricing.Unit), b.Pricing.UnitPrice, b.Pricing.Quantity, b.Pricing.Subtotal,
		b.Pricing.PlatformFee, b.Pricing.TotalAmount, b.Pricing.WorkerPayout, b.Pricing.Currency,
		string(b.Status), string(b.PaymentStatus), b.Notes, b.Version, b.CreatedAt, b.UpdatedAt,
	)
	return err
}

func (r *Repository) GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	return getBooking(ctx, r.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
}

// LockBooking reads the booking inside tx and holds its row until commit.
func (r *Repository) LockBooking(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Booking, error) {
	return getBooking(ctx, tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id))
}

func getBooking(_ context.Context, row pgx.Row) (*domain.Booking, error) {
	b, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return b, err
}

// UpdateBooking writes b if the stored row still has the expected status and
// version. A stale precondition yields domain.ErrInvalidBookingState and
// nothing is written.
func (r *Repository) UpdateBooking(ctx context.Context, tx pgx.Tx, expected domain.BookingStatus, b *domain.Booking) error {
	var (
		cancelledBy, reason, notes *string
		cancelledAt                *time.Time
		refund, penalty            decimal.NullDecimal
	)
	if c := b.Cancellation; c != nil {
		by, rs := string(c.CancelledBy), string(c.Reason)
		cancelledBy, reason, notes = &by, &rs, &c.Notes
		cancelledAt = &c.CancelledAt
		refund = decimal.NewNullDecimal(c.RefundAmount)
		penalty = decimal.NewNullDecimal(c.PenaltyAmount)
	}

	now := time.Now().UTC()
	result, err := tx.Exec(ctx, `
		UPDATE bookings SET
			status = $4, payment_status = $5,
			cancelled_by = $6, cancel_reason = $7, cancel_notes = $8, cancelled_at = $9,
			refund_amount = $10, penalty_amount = $11,
			worker_response = $12, complaint = $13,
			version = version + 1, updated_at = $14
		WHERE id = $1 AND status = $2 AND version = $3
	`, b.ID, string(expected), b.Version,
		string(b.Status), string(b.PaymentStatus),
		cancelledBy, reason, notes, cancelledAt, refund, penalty,
		b.WorkerResponse, b.Complaint, now)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrInvalidBookingState, "booking %s is no longer %s", b.ID, expected)
	}
	b.Version++
	b.UpdatedAt = now
	return nil
}

// ListBookings returns bookings where userID is the client, the worker or,
// when filter.Role is empty, either.
func (r *Repository) ListBookings(ctx context.Context, userID uuid.UUID, filter BookingFilter) ([]domain.Booking, error) {
	var (
		where = []string{}
		args  = []any{userID}
	)
	switch filter.Role {
	case domain.PartyClient:
		where = append(where, "client_id = $1")
	case domain.PartyWorker:
		where = append(where, "worker_id = $1")
	default:
		where = append(where, "(client_id = $1 OR worker_id = $1)")
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	args = append(args, limitOrDefault(filter.Limit), filter.Offset)

	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// ListPastDueBookings returns bookings in one of statuses whose start time
// is not after now. Bookings already announced as expired in their current
// version are skipped.
func (r *Repository) ListPastDueBookings(ctx context.Context, now time.Time, statuses []domain.BookingStatus, limit int) ([]domain.Booking, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+` FROM bookings b
		WHERE status = ANY($1) AND start_time <= $2
		AND NOT EXISTS (
			SELECT 1 FROM outbox o
			WHERE o.dedupe_key = 'booking:' || b.id::STRING || ':booking.expired:' || b.version::STRING
		)
		ORDER BY start_time LIMIT $3
	`, names, now, limitOrDefault(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var (
		b                           domain.Booking
		unit, status, paymentStatus string
		cancelledBy, reason, notes  *string
		cancelledAt                 *time.Time
		refund, penalty             decimal.NullDecimal
	)
	err := row.Scan(
		&b.ID, &b.ClientID, &b.WorkerID, &b.WorkerServiceID, &b.ServiceCode,
		&b.Schedule.StartTime, &b.Schedule.EndTime, &b.Schedule.DurationHours,
		&unit, &b.Pricing.UnitPrice, &b.Pricing.Quantity, &b.Pricing.Subtotal,
		&b.Pricing.PlatformFee, &b.Pricing.TotalAmount, &b.Pricing.WorkerPayout, &b.Pricing.Currency,
		&status, &paymentStatus,
		&cancelledBy, &reason, &notes, &cancelledAt, &refund, &penalty,
		&b.Notes, &b.WorkerResponse, &b.Complaint, &b.Version, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Pricing.Unit = domain.PricingUnit(unit)
	b.Status = domain.BookingStatus(status)
	b.PaymentStatus = domain.PaymentStatus(paymentStatus)
	if cancelledBy != nil {
		c := &domain.Cancellation{
			CancelledBy:   domain.Party(*cancelledBy),
			RefundAmount:  refund.Decimal,
			PenaltyAmount: penalty.Decimal,
		}
		if reason != nil {
			c.Reason = domain.CancellationReason(*reason)
		}
		if notes != nil {
			c.Notes = *notes
		}
		if cancelledAt != nil {
			c.CancelledAt = *cancelledAt
		}
		b.Cancellation = c
	}
	return &b, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}
