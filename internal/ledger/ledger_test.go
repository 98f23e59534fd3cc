package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/service-bookings-escrow/internal/adapters/crdb/crdbtest"
	"github.com/robertarktes/service-bookings-escrow/internal/domain"
	"github.com/robertarktes/service-bookings-escrow/internal/ledger"
	"github.com/robertarktes/service-bookings-escrow/internal/observability"
	"github.com/shopspring/decimal"
)

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func deposit(t *testing.T, l *ledger.Ledger, user uuid.UUID, amount string) {
	t.Helper()
	if _, err := l.Deposit(context.Background(), user, money(amount), "test", uuid.NewString()); err != nil {
		t.Fatal(err)
	}
}

func balance(t *testing.T, l *ledger.Ledger, user uuid.UUID) decimal.Decimal {
	t.Helper()
	b, err := l.GetBalance(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestLedger(t *testing.T) {
	repo := crdbtest.Start(t)
	l := ledger.New(repo, "VND", observability.NewLogger("ledger-test", "error"))
	ctx := context.Background()

	t.Run("unknown user has zero balance", func(t *testing.T) {
		if b := balance(t, l, uuid.New()); !b.IsZero() {
			t.Errorf("expected 0, got %s", b)
		}
	})

	t.Run("credit creates wallet lazily", func(t *testing.T) {
		user := uuid.New()
		var wt *domain.WalletTransaction
		err := repo.WithTx(ctx, func(tx pgx.Tx) error {
			var err error
			wt, err = l.Credit(ctx, tx, user, money("150.25"), ledger.TxContext{Type: domain.TxRefund})
			return err
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !wt.BalanceAfter.Equal(money("150.25")) || wt.Status != domain.TxStatusSuccess {
			t.Errorf("unexpected transaction %+v", wt)
		}
		if b := balance(t, l, user); !b.Equal(money("150.25")) {
			t.Errorf("expected 150.25, got %s", b)
		}
	})

	t.Run("invalid amounts are rejected", func(t *testing.T) {
		user := uuid.New()
		for _, amount := range []string{"0", "-5", "1.005"} {
			err := repo.WithTx(ctx, func(tx pgx.Tx) error {
				_, err := l.Credit(ctx, tx, user, money(amount), ledger.TxContext{Type: domain.TxDeposit})
				return err
			})
			if !errors.Is(err, domain.ErrInvalidAmount) {
				t.Errorf("amount %s: expected ErrInvalidAmount, got %v", amount, err)
			}
		}
	})

	t.Run("debit beyond balance changes nothing", func(t *testing.T) {
		user := uuid.New()
		deposit(t, l, user, "100000")

		err := repo.WithTx(ctx, func(tx pgx.Tx) error {
			_, err := l.Debit(ctx, tx, user, money("204000"), ledger.TxContext{Type: domain.TxPayment})
			return err
		})
		if !errors.Is(err, domain.ErrInsufficientBalance) {
			t.Fatalf("expected ErrInsufficientBalance, got %v", err)
		}
		if b := balance(t, l, user); !b.Equal(money("100000")) {
			t.Errorf("expected balance 100000, got %s", b)
		}
		history, err := l.History(ctx, user, 10, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(history) != 1 || history[0].Type != domain.TxDeposit {
			t.Errorf("expected only the deposit in history, got %+v", history)
		}
	})

	t.Run("same reference moves money once", func(t *testing.T) {
		user := uuid.New()
		tc := ledger.TxContext{Type: domain.TxPayout, Reference: "escrow:" + uuid.NewString() + ":release:worker"}
		var first, second *domain.WalletTransaction
		for _, out := range []**domain.WalletTransaction{&first, &second} {
			err := repo.WithTx(ctx, func(tx pgx.Tx) error {
				wt, err := l.Credit(ctx, tx, user, money("40"), tc)
				*out = wt
				return err
			})
			if err != nil {
				t.Fatal(err)
			}
		}
		if first.ID != second.ID {
			t.Errorf("expected replay to return transaction %s, got %s", first.ID, second.ID)
		}
		if b := balance(t, l, user); !b.Equal(money("40")) {
			t.Errorf("expected 40, got %s", b)
		}

		err := repo.WithTx(ctx, func(tx pgx.Tx) error {
			_, err := l.Credit(ctx, tx, user, money("41"), tc)
			return err
		})
		if !errors.Is(err, domain.ErrConflict) {
			t.Errorf("expected ErrConflict for reused reference, got %v", err)
		}
	})

	t.Run("deposit redelivery credits once", func(t *testing.T) {
		user := uuid.New()
		for i := 0; i < 3; i++ {
			if _, err := l.Deposit(ctx, user, money("500"), "vnpay", "gw-123"); err != nil {
				t.Fatal(err)
			}
		}
		if b := balance(t, l, user); !b.Equal(money("500")) {
			t.Errorf("expected 500, got %s", b)
		}
	})

	t.Run("withdraw", func(t *testing.T) {
		user := uuid.New()
		deposit(t, l, user, "300")

		wt, err := l.Withdraw(ctx, user, money("120.50"), "payout-1")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if wt.Type != domain.TxWithdraw || !wt.BalanceAfter.Equal(money("179.50")) {
			t.Errorf("unexpected transaction %+v", wt)
		}
		if _, err := l.Withdraw(ctx, user, money("1000"), "payout-2"); !errors.Is(err, domain.ErrInsufficientBalance) {
			t.Errorf("expected ErrInsufficientBalance, got %v", err)
		}
	})

	t.Run("concurrent debits never overdraw", func(t *testing.T) {
		user := uuid.New()
		deposit(t, l, user, "100")

		const workers = 10
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := repo.WithTx(ctx, func(tx pgx.Tx) error {
					_, err := l.Debit(ctx, tx, user, money("30"), ledger.TxContext{Type: domain.TxPayment})
					return err
				})
				switch {
				case err == nil:
					mu.Lock()
					succeeded++
					mu.Unlock()
				case errors.Is(err, domain.ErrInsufficientBalance), errors.Is(err, domain.ErrSerializationFailure):
				default:
					t.Errorf("unexpected error %v", err)
				}
			}()
		}
		wg.Wait()

		if succeeded > 3 {
			t.Fatalf("expected at most 3 debits to succeed, got %d", succeeded)
		}
		want := money("100").Sub(money("30").Mul(decimal.NewFromInt(int64(succeeded))))
		got := balance(t, l, user)
		if !got.Equal(want) || got.IsNegative() {
			t.Errorf("expected balance %s, got %s", want, got)
		}
	})
}

func TestWalletBalanceCheckConstraint(t *testing.T) {
	repo := crdbtest.Start(t)
	ctx := context.Background()
	user := uuid.New()

	err := repo.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := repo.CreditWallet(ctx, tx, user, money("-1"))
		return err
	})
	if err == nil {
		t.Fatal("expected the balance check to refuse a negative wallet")
	}
}
