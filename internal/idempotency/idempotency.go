package idempotency

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	redisadapter "github.com/robertarktes/service-bookings-escrow/internal/adapters/redis"
)

// ErrInFlight is returned by Begin while the first request with the same key
// has not finished.
var ErrInFlight = errors.New("request with this idempotency key is in progress")

// ErrKeyReused is returned by Begin when the key was first used with a
// different request.
var ErrKeyReused = errors.New("idempotency key reused with a different request")

// Store is the persistence Idempotency needs. The redis adapter implements it.
type Store interface {
	Get(ctx context.Context, key string) (*redisadapter.IdempResponse, error)
	Reserve(ctx context.Context, key, requestHash string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, resp redisadapter.IdempResponse, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type Idempotency struct {
	store Store
	ttl   time.Duration
}

func NewIdempotency(store Store, ttl time.Duration) *Idempotency {
	return &Idempotency{store: store, ttl: ttl}
}

type Response struct {
	Status      int
	ContentType string
	Result      []byte
	RequestHash string
}

// Begin claims key for the request identified by requestHash. It returns the
// stored response when the key was already answered, ErrInFlight while it is
// being answered, ErrKeyReused when it belongs to another request, and
// nil, nil when the caller now owns the key and must call Finish or Abort.
func (i *Idempotency) Begin(ctx context.Context, key, requestHash string) (*Response, error) {
	ok, err := i.store.Reserve(ctx, key, requestHash, i.ttl)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, nil
	}
	prev, err := i.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		// expired between the two calls; claim again
		return i.Begin(ctx, key, requestHash)
	}
	if prev.RequestHash != requestHash {
		return nil, ErrKeyReused
	}
	if prev.Pending {
		return nil, ErrInFlight
	}
	return &Response{Status: prev.Status, ContentType: prev.ContentType, Result: prev.Result, RequestHash: prev.RequestHash}, nil
}

// Finish stores the response replayed for later requests with key.
func (i *Idempotency) Finish(ctx context.Context, key string, resp Response) error {
	return i.store.Set(ctx, key, redisadapter.IdempResponse{
		Status:      resp.Status,
		ContentType: resp.ContentType,
		Result:      resp.Result,
		RequestHash: resp.RequestHash,
	}, i.ttl)
}

// Abort releases key so the request can be retried.
func (i *Idempotency) Abort(ctx context.Context, key string) error {
	return i.store.Delete(ctx, key)
}
