package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/service-bookings-escrow/internal/domain"
	"github.com/robertarktes/service-bookings-escrow/internal/observability"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type CatalogRepository struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewCatalogRepository(db *mongo.Database, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		coll:   db.Collection("worker_services"),
		logger: logger,
	}
}

// Ping checks the primary of the catalog's deployment.
func (r *CatalogRepository) Ping(ctx context.Context) error {
	return r.coll.Database().Client().Ping(ctx, readpref.Primary())
}

// WorkerServiceDoc is a worker's published offering. Rates are keyed by
// pricing unit.
type WorkerServiceDoc struct {
	ID          uuid.UUID                       `bson:"_id"`
	WorkerID    uuid.UUID                       `bson:"worker_id"`
	ServiceCode string                          `bson:"service_code"`
	Title       string                          `bson:"title"`
	Description string                          `bson:"description"`
	Active      bool                            `bson:"active"`
	Rates       map[string]primitive.Decimal128 `bson:"rates"`
	Currency    string                          `bson:"currency"`
	CreatedAt   time.Time                       `bson:"created_at"`
	UpdatedAt   time.Time                       `bson:"updated_at"`
}

func (c *CatalogRepository) GetService(ctx context.Context, id uuid.UUID) (*domain.WorkerService, error) {
	var doc WorkerServiceDoc
	err := c.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Wrapf(domain.ErrNotFound, "worker service %s", id)
	}
	if err != nil {
		c.logger.Error("failed to get worker service", err)
		return nil, err
	}
	return doc.toDomain()
}

// UpsertService publishes or replaces a worker service.
func (c *CatalogRepository) UpsertService(ctx context.Context, svc domain.WorkerService, description string) error {
	rates := make(map[string]primitive.Decimal128, len(svc.Rates))
	for unit, rate := range svc.Rates {
		d, err := primitive.ParseDecimal128(rate.String())
		if err != nil {
			return errors.Wrapf(err, "rate %s", unit)
		}
		rates[string(unit)] = d
	}
	now := time.Now().UTC()
	_, err := c.coll.UpdateOne(ctx,
		bson.M{"_id": svc.ID},
		bson.M{
			"$set": bson.M{
				"worker_id":    svc.WorkerID,
				"service_code": svc.ServiceCode,
				"title":        svc.Title,
				"description":  description,
				"active":       svc.Active,
				"rates":        rates,
				"currency":     svc.Currency,
				"updated_at":   now,
			},
			"$setOnInsert": bson.M{"created_at": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		c.logger.Error("failed to upsert worker service", err)
		return err
	}
	return nil
}

func (d WorkerServiceDoc) toDomain() (*domain.WorkerService, error) {
	svc := &domain.WorkerService{
		ID:          d.ID,
		WorkerID:    d.WorkerID,
		ServiceCode: d.ServiceCode,
		Title:       d.Title,
		Active:      d.Active,
		Currency:    d.Currency,
		Rates:       make(map[domain.PricingUnit]decimal.Decimal, len(d.Rates)),
	}
	for unit, rate := range d.Rates {
		r, err := decimal.NewFromString(rate.String())
		if err != nil {
			return nil, errors.Wrapf(err, "worker service %s rate %s", d.ID, unit)
		}
		svc.Rates[domain.PricingUnit(unit)] = r
	}
	return svc, nil
}
