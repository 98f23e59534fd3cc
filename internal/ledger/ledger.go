package ledger

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/service-bookings-escrow/internal/adapters/crdb"
	"github.com/robertarktes/service-bookings-escrow/internal/domain"
	"github.com/robertarktes/service-bookings-escrow/internal/observability"
	"github.com/shopspring/decimal"
)

// TxContext describes why money moves. A non-empty Reference makes the
// movement idempotent: a second credit or debit with the same reference
// returns the first transaction and leaves the balance alone.
type TxContext struct {
	Type        domain.TransactionType
	Gateway     string
	Reference   string
	BookingID   *uuid.UUID
	Description string
}

type Ledger struct {
	repo     *crdb.Repository
	currency string
	logger   observability.Logger
}

func New(repo *crdb.Repository, currency string, logger observability.Logger) *Ledger {
	return &Ledger{repo: repo, currency: currency, logger: logger}
}

// Credit adds amount to the user's wallet inside tx and appends the matching
// wallet transaction.
func (l *Ledger) Credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, tc TxContext) (*domain.WalletTransaction, error) {
	amount, err := checkAmount(amount)
	if err != nil {
		return nil, err
	}
	if prev, err := l.replay(ctx, tx, userID, amount, tc); prev != nil || err != nil {
		return prev, err
	}

	balance, err := l.repo.CreditWallet(ctx, tx, userID, amount)
	if err != nil {
		return nil, errors.Wrapf(err, "credit wallet %s", userID)
	}
	return l.record(ctx, tx, userID, amount, balance, tc)
}

// Debit takes amount from the user's wallet inside tx. The balance check and
// the decrement are a single statement, so concurrent debits can never drive
// a balance negative.
func (l *Ledger) Debit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, tc TxContext) (*domain.WalletTransaction, error) {
	amount, err := checkAmount(amount)
	if err != nil {
		return nil, err
	}
	if prev, err := l.replay(ctx, tx, userID, amount, tc); prev != nil || err != nil {
		return prev, err
	}

	balance, ok, err := l.repo.DebitWallet(ctx, tx, userID, amount)
	if err != nil {
		return nil, errors.Wrapf(err, "debit wallet %s", userID)
	}
	if !ok {
		return nil, errors.Wrapf(domain.ErrInsufficientBalance, "wallet %s cannot cover %s", userID, amount)
	}
	return l.record(ctx, tx, userID, amount, balance, tc)
}

// GetBalance returns zero for users that never had a wallet.
func (l *Ledger) GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	w, err := l.repo.GetWallet(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return w.Balance, nil
}

// Deposit credits funds confirmed by a payment gateway. The gateway reference
// is the idempotency key, so redelivered confirmations credit once.
func (l *Ledger) Deposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, gateway, reference string) (*domain.WalletTransaction, error) {
	if reference == "" {
		return nil, errors.Wrap(domain.ErrInvalidInput, "deposit reference is required")
	}
	tc := TxContext{
		Type:        domain.TxDeposit,
		Gateway:     gateway,
		Reference:   "deposit:" + gateway + ":" + reference,
		Description: "wallet top-up via " + gateway,
	}
	return l.ownTx(ctx, func(tx pgx.Tx) (*domain.WalletTransaction, error) {
		return l.Credit(ctx, tx, userID, amount, tc)
	})
}

// Withdraw debits a payout request. The reference is supplied by the caller.
func (l *Ledger) Withdraw(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reference string) (*domain.WalletTransaction, error) {
	if reference == "" {
		return nil, errors.Wrap(domain.ErrInvalidInput, "withdrawal reference is required")
	}
	tc := TxContext{
		Type:        domain.TxWithdraw,
		Reference:   "withdraw:" + userID.String() + ":" + reference,
		Description: "withdrawal",
	}
	return l.ownTx(ctx, func(tx pgx.Tx) (*domain.WalletTransaction, error) {
		return l.Debit(ctx, tx, userID, amount, tc)
	})
}

func (l *Ledger) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.WalletTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return l.repo.ListWalletTransactions(ctx, userID, limit, offset)
}

// ownTx runs fn in a fresh transaction. Two first deliveries of one reference
// can race past the replay lookup; the loser trips the unique reference and is
// re-run once, which then finds the winner's row.
func (l *Ledger) ownTx(ctx context.Context, fn func(tx pgx.Tx) (*domain.WalletTransaction, error)) (*domain.WalletTransaction, error) {
	var out *domain.WalletTransaction
	run := func(tx pgx.Tx) error {
		wt, err := fn(tx)
		out = wt
		return err
	}
	err := l.repo.WithTx(ctx, run)
	if errors.Is(err, domain.ErrConflict) {
		err = l.repo.WithTx(ctx, run)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Ledger) replay(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, tc TxContext) (*domain.WalletTransaction, error) {
	if tc.Reference == "" {
		return nil, nil
	}
	prev, err := l.repo.FindWalletTransactionByReference(ctx, tx, tc.Reference)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if prev.UserID != userID || prev.Type != tc.Type || !prev.Amount.Equal(amount) {
		return nil, errors.Wrapf(domain.ErrConflict, "reference %q already used for a different movement", tc.Reference)
	}
	l.logger.WithField("reference", tc.Reference).Debug("wallet movement replayed")
	return prev, nil
}

func (l *Ledger) record(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount, balance decimal.Decimal, tc TxContext) (*domain.WalletTransaction, error) {
	wt := domain.WalletTransaction{
		ID:           uuid.New(),
		UserID:       userID,
		Type:         tc.Type,
		Amount:       amount,
		Status:       domain.TxStatusSuccess,
		BookingID:    tc.BookingID,
		Description:  tc.Description,
		BalanceAfter: balance,
		CreatedAt:    time.Now().UTC(),
	}
	if tc.Gateway != "" {
		wt.Gateway = &tc.Gateway
	}
	if tc.Reference != "" {
		wt.Reference = &tc.Reference
	}
	if err := l.repo.InsertWalletTransaction(ctx, tx, wt); err != nil {
		return nil, errors.Wrapf(err, "record %s for %s", tc.Type, userID)
	}
	observability.MoneyMoved.WithLabelValues(string(tc.Type), l.currency).Add(amount.InexactFloat64())
	return &wt, nil
}

func checkAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, errors.Wrapf(domain.ErrInvalidAmount, "amount %s must be positive", amount)
	}
	if !amount.Equal(domain.RoundMoney(amount)) {
		return decimal.Zero, errors.Wrapf(domain.ErrInvalidAmount, "amount %s has more than two decimal places", amount)
	}
	return amount, nil
}
