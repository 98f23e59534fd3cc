package crdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/service-bookings-escrow/internal/domain"
)

const escrowColumns = `id, booking_id, client_id, worker_id, amount, worker_payout, platform_fee, currency,
	status, refunded_amount, penalty_amount, platform_payout, disputed_from, held_at, released_at`

type EscrowFilter struct {
	Role   domain.Party
	Status domain.EscrowStatus
	Limit  int
	Offset int
}

// InsertEscrow stores e unless the booking already has an escrow, in which
// case inserted is false and nothing is written.
func (r *Repository) InsertEscrow(ctx context.Context, tx pgx.Tx, e domain.Escrow) (inserted bool, err error) {
	result, err := tx.Exec(ctx, `
		INSERT INTO escrows (id, booking_id, client_id, worker_id, amount, worker_payout, platform_fee, currency,
			status, refunded_amount, penalty_amount, held_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, 0, $10)
		ON CONFLICT (booking_id) DO NOTHING
	`, e.ID, e.BookingID, e.ClientID, e.WorkerID, e.Amount, e.WorkerPayout, e.PlatformFee, e.Currency,
		string(e.Status), e.HeldAt)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (r *Repository) LockEscrow(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Escrow, error) {
	return getEscrow(tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, id))
}

func (r *Repository) LockEscrowByBooking(ctx context.Context, tx pgx.Tx, bookingID uuid.UUID) (*domain.Escrow, error) {
	return getEscrow(tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE booking_id = $1 FOR UPDATE`, bookingID))
}

func (r *Repository) GetEscrowByBooking(ctx context.Context, bookingID uuid.UUID) (*domain.Escrow, error) {
	return getEscrow(r.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE booking_id = $1`, bookingID))
}

func getEscrow(row pgx.Row) (*domain.Escrow, error) {
	e, err := scanEscrow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return e, err
}

// SettleEscrow writes the settlement fields of e if the stored escrow is still
// in expected. Otherwise domain.ErrInvalidEscrowState is returned.
func (r *Repository) SettleEscrow(ctx context.Context, tx pgx.Tx, expected domain.EscrowStatus, e *domain.Escrow) error {
	result, err := tx.Exec(ctx, `
		UPDATE escrows SET status = $3, refunded_amount = $4, penalty_amount = $5, platform_payout = $6,
			disputed_from = $7, released_at = $8
		WHERE id = $1 AND status = $2
	`, e.ID, string(expected), string(e.Status), e.RefundedAmount, e.PenaltyAmount, e.PlatformPayout,
		nullStatus(e.DisputedFrom), e.ReleasedAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrInvalidEscrowState, "escrow %s is no longer %s", e.ID, expected)
	}
	return nil
}

// ListEscrows returns escrows where userID is the client, the worker or,
// when filter.Role is empty, either.
func (r *Repository) ListEscrows(ctx context.Context, userID uuid.UUID, filter EscrowFilter) ([]domain.Escrow, error) {
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

	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY held_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanEscrow(row pgx.Row) (*domain.Escrow, error) {
	var (
		e            domain.Escrow
		status       string
		disputedFrom *string
	)
	err := row.Scan(&e.ID, &e.BookingID, &e.ClientID, &e.WorkerID, &e.Amount, &e.WorkerPayout, &e.PlatformFee,
		&e.Currency, &status, &e.RefundedAmount, &e.PenaltyAmount, &e.PlatformPayout, &disputedFrom,
		&e.HeldAt, &e.ReleasedAt)
	if err != nil {
		return nil, err
	}
	e.Status = domain.EscrowStatus(status)
	if disputedFrom != nil {
		e.DisputedFrom = domain.EscrowStatus(*disputedFrom)
	}
	return &e, nil
}

func nullStatus(s domain.EscrowStatus) *string {
	if s == "" {
		return nil
	}
	v := string(s)
	return &v
}
