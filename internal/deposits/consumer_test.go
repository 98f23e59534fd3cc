package deposits_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/robertarktes/service-bookings-escrow/internal/adapters/crdb/crdbtest"
	"github.com/robertarktes/service-bookings-escrow/internal/deposits"
	"github.com/robertarktes/service-bookings-escrow/internal/ledger"
	"github.com/robertarktes/service-bookings-escrow/internal/observability"
	"github.com/shopspring/decimal"
)

func TestConsumer(t *testing.T) {
	ctx := context.Background()
	repo := crdbtest.Start(t)
	logger := observability.NewLogger("deposits-test", "error")
	l := ledger.New(repo, "VND", logger)
	c := deposits.NewConsumer(l, logger)

	user := uuid.New()
	msg := []byte(`{"user_id":"` + user.String() + `","amount":"250000","gateway":"momo","reference":"gw-1"}`)

	t.Run("credits once across redelivery", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			if got := c.Handle(ctx, msg); got != deposits.Ack {
				t.Fatalf("delivery %d: decision %d", i, got)
			}
		}
		balance, err := l.GetBalance(ctx, user)
		if err != nil {
			t.Fatal(err)
		}
		if !balance.Equal(decimal.NewFromInt(250000)) {
			t.Fatalf("balance %s, want 250000", balance)
		}
	})

	t.Run("reused reference is rejected", func(t *testing.T) {
		other := []byte(`{"user_id":"` + user.String() + `","amount":"1","gateway":"momo","reference":"gw-1"}`)
		if got := c.Handle(ctx, other); got != deposits.Reject {
			t.Fatalf("decision %d", got)
		}
	})

	t.Run("malformed messages are dropped", func(t *testing.T) {
		for _, body := range []string{
			`not json`,
			`{"amount":"10","gateway":"momo","reference":"gw-2"}`,
			`{"user_id":"` + user.String() + `","amount":"-10","gateway":"momo","reference":"gw-3"}`,
		} {
			if got := c.Handle(ctx, []byte(body)); got != deposits.Reject {
				t.Fatalf("%s: decision %d", body, got)
			}
		}
	})
}

func TestNoticeValidate(t *testing.T) {
	valid := deposits.Notice{UserID: uuid.New(), Gateway: "momo", Reference: "tx-1"}
	if err := valid.Validate(); err != nil {
		t.Fatal(err)
	}
	for _, n := range []deposits.Notice{
		{Gateway: "momo", Reference: "tx-1"},
		{UserID: uuid.New(), Reference: "tx-1"},
		{UserID: uuid.New(), Gateway: "momo"},
	} {
		if err := n.Validate(); err == nil {
			t.Fatalf("%+v accepted", n)
		}
	}
}
