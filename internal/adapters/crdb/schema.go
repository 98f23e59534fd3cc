package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Schema is applied by Migrate. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS wallets (
	user_id UUID PRIMARY KEY,
	balance DECIMAL(20,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS wallet_transactions (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL,
	type TEXT NOT NULL CHECK (type IN ('deposit', 'withdraw', 'payment', 'refund', 'payout')),
	amount DECIMAL(20,2) NOT NULL CHECK (amount > 0),
	status TEXT NOT NULL CHECK (status IN ('pending', 'success', 'failed', 'cancelled')),
	gateway TEXT,
	reference TEXT UNIQUE,
	booking_id UUID,
	description TEXT NOT NULL DEFAULT '',
	balance_after DECIMAL(20,2) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	INDEX wallet_transactions_user_idx (user_id, created_at DESC)
);

CREATE TABLE IF NOT EXISTS bookings (
	id UUID PRIMARY KEY,
	client_id UUID NOT NULL,
	worker_id UUID NOT NULL,
	worker_service_id UUID NOT NULL,
	service_code TEXT NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ NOT NULL,
	duration_hours DECIMAL(8,1) NOT NULL,
	unit TEXT NOT NULL CHECK (unit IN ('hourly', 'daily', 'monthly')),
	unit_price DECIMAL(20,2) NOT NULL,
	quantity INT NOT NULL CHECK (quantity >= 1),
	subtotal DECIMAL(20,2) NOT NULL,
	platform_fee DECIMAL(20,2) NOT NULL,
	total_amount DECIMAL(20,2) NOT NULL,
	worker_payout DECIMAL(20,2) NOT NULL,
	currency TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('PENDING', 'CONFIRMED', 'IN_PROGRESS', 'COMPLETED', 'CANCELLED', 'REJECTED', 'DISPUTED')),
	payment_status TEXT NOT NULL CHECK (payment_status IN ('PENDING', 'PAID', 'PARTIALLY_REFUNDED', 'REFUNDED')),
	cancelled_by TEXT,
	cancel_reason TEXT,
	cancel_notes TEXT,
	cancelled_at TIMESTAMPTZ,
	refund_amount DECIMAL(20,2),
	penalty_amount DECIMAL(20,2),
	notes TEXT NOT NULL DEFAULT '',
	worker_response TEXT NOT NULL DEFAULT '',
	complaint TEXT NOT NULL DEFAULT '',
	version INT8 NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (end_time > start_time),
	CHECK (refund_amount IS NULL OR refund_amount + penalty_amount <= total_amount),
	INDEX bookings_client_idx (client_id, created_at DESC),
	INDEX bookings_worker_idx (worker_id, created_at DESC),
	INDEX bookings_status_start_idx (status, start_time)
);

CREATE TABLE IF NOT EXISTS escrows (
	id UUID PRIMARY KEY,
	booking_id UUID NOT NULL UNIQUE,
	client_id UUID NOT NULL,
	worker_id UUID NOT NULL,
	amount DECIMAL(20,2) NOT NULL CHECK (amount >= 0),
	worker_payout DECIMAL(20,2) NOT NULL,
	platform_fee DECIMAL(20,2) NOT NULL,
	currency TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('HOLDING', 'RELEASED', 'REFUNDED', 'PARTIALLY_RELEASED', 'DISPUTED')),
	refunded_amount DECIMAL(20,2) NOT NULL DEFAULT 0,
	penalty_amount DECIMAL(20,2) NOT NULL DEFAULT 0,
	platform_payout DECIMAL(20,2) NOT NULL DEFAULT 0,
	disputed_from TEXT CHECK (disputed_from IN ('HOLDING', 'PARTIALLY_RELEASED')),
	held_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	released_at TIMESTAMPTZ,
	INDEX escrows_client_idx (client_id, held_at DESC),
	INDEX escrows_worker_idx (worker_id, held_at DESC)
);

CREATE TABLE IF NOT EXISTS outbox (
	id UUID PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id UUID NOT NULL,
	event_type TEXT NOT NULL,
	payload_json JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at TIMESTAMPTZ,
	status TEXT NOT NULL CHECK (status IN ('NEW', 'PUBLISHED', 'FAILED')),
	dedupe_key TEXT NOT NULL UNIQUE,
	INDEX outbox_status_idx (status, created_at)
);
`

func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}
