package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/service-bookings-escrow/internal/domain"
	"github.com/robertarktes/service-bookings-escrow/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID        uuid.UUID `bson:"_id"`
	Action    string    `bson:"action"`
	UserID    uuid.UUID `bson:"user_id"`
	Timestamp time.Time `bson:"timestamp"`
	Data      bson.M    `bson:"data"`
}

func (a *AuditLogger) LogEvent(ctx context.Context, action string, userID uuid.UUID, data map[string]interface{}) error {
	log := AuditLog{
		ID:        uuid.New(),
		Action:    action,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Data:      bson.M(data),
	}
	_, err := a.coll.InsertOne(ctx, log)
	if err != nil {
		a.logger.Error("failed to insert audit log", err)
		return err
	}
	return nil
}

// LogTransition records a committed booking transition and the resulting
// money state.
func (a *AuditLogger) LogTransition(ctx context.Context, b domain.Booking, action domain.Action, actor uuid.UUID) error {
	data := map[string]interface{}{
		"booking_id":     b.ID.String(),
		"status":         string(b.Status),
		"payment_status": string(b.PaymentStatus),
		"version":        b.Version,
		"total_amount":   b.Pricing.TotalAmount.StringFixed(2),
		"currency":       b.Pricing.Currency,
	}
	if c := b.Cancellation; c != nil {
		data["cancelled_by"] = string(c.CancelledBy)
		data["reason"] = string(c.Reason)
		data["refund_amount"] = c.RefundAmount.StringFixed(2)
		data["penalty_amount"] = c.PenaltyAmount.StringFixed(2)
	}
	return a.LogEvent(ctx, "booking."+string(action), actor, data)
}

// LogAdmin records a manual escrow resolution.
func (a *AuditLogger) LogAdmin(ctx context.Context, action string, actor uuid.UUID, e domain.Escrow) error {
	return a.LogEvent(ctx, "admin."+action, actor, map[string]interface{}{
		"escrow_id":       e.ID.String(),
		"booking_id":      e.BookingID.String(),
		"status":          string(e.Status),
		"refunded_amount": e.RefundedAmount.StringFixed(2),
		"penalty_amount":  e.PenaltyAmount.StringFixed(2),
	})
}
