package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/service-bookings-escrow/internal/domain"
	"github.com/shopspring/decimal"
)

const walletTxColumns = `id, user_id, type, amount, status, gateway, reference, booking_id, description, balance_after, created_at`

// CreditWallet adds amount to the user's balance, creating the wallet on
// first use, and returns the new balance.
func (r *Repository) CreditWallet(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRow(ctx, `
		INSERT INTO wallets (user_id, balance, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE
		SET balance = wallets.balance + excluded.balance, updated_at = now()
		RETURNING balance
	`, userID, amount).Scan(&balance)
	return balance, err
}

// DebitWallet subtracts amount only when the balance covers it. The check and
// the update are one statement; ok is false when nothing was debited.
func (r *Repository) DebitWallet(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal) (balance decimal.Decimal, ok bool, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE wallets SET balance = balance - $2, updated_at = now()
		WHERE user_id = $1 AND balance >= $2
		RETURNING balance
	`, userID, amount).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return balance, true, nil
}

func (r *Repository) InsertWalletTransaction(ctx context.Context, tx pgx.Tx, wt domain.WalletTransaction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallet_transactions (id, user_id, type, amount, status, gateway, reference, booking_id, description, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, wt.ID, wt.UserID, string(wt.Type), wt.Amount, string(wt.Status), wt.Gateway, wt.Reference, wt.BookingID, wt.Description, wt.BalanceAfter, wt.CreatedAt)
	return err
}

// FindWalletTransactionByReference returns domain.ErrNotFound when no
// transaction carries the reference.
func (r *Repository) FindWalletTransactionByReference(ctx context.Context, tx pgx.Tx, reference string) (*domain.WalletTransaction, error) {
	row := tx.QueryRow(ctx, `SELECT `+walletTxColumns+` FROM wallet_transactions WHERE reference = $1`, reference)
	wt, err := scanWalletTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return wt, err
}

func (r *Repository) GetWallet(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	w := domain.Wallet{UserID: userID}
	err := r.pool.QueryRow(ctx, `
		SELECT balance, updated_at FROM wallets WHERE user_id = $1
	`, userID).Scan(&w.Balance, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *Repository) ListWalletTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.WalletTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+walletTxColumns+` FROM wallet_transactions
		WHERE user_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WalletTransaction
	for rows.Next() {
		wt, err := scanWalletTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *wt)
	}
	return out, rows.Err()
}

func scanWalletTransaction(row pgx.Row) (*domain.WalletTransaction, error) {
	var (
		wt          domain.WalletTransaction
		typ, status string
		createdAt   time.Time
	)
	err := row.Scan(&wt.ID, &wt.UserID, &typ, &wt.Amount, &status, &wt.Gateway, &wt.Reference, &wt.BookingID, &wt.Description, &wt.BalanceAfter, &createdAt)
	if err != nil {
		return nil, err
	}
	wt.Type = domain.TransactionType(typ)
	wt.Status = domain.TransactionStatus(status)
	wt.CreatedAt = createdAt
	return &wt, nil
}
