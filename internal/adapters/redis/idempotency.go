package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

type Idempotency struct {
	client *redis.Client
}

func NewIdempotency(client *redis.Client) *Idempotency {
	return &Idempotency{client: client}
}

// IdempResponse is a stored reply. Pending marks a key whose first request
// is still being served; RequestHash identifies that request's body.
type IdempResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Result      []byte `json:"result,omitempty"`
	RequestHash string `json:"request_hash,omitempty"`
	Pending     bool   `json:"pending,omitempty"`
}

func (i *Idempotency) Get(ctx context.Context, key string) (*IdempResponse, error) {
	val, err := i.client.Get(ctx, "idemp:"+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var resp IdempResponse
	err = json.Unmarshal(val, &resp)
	return &resp, err
}

// Reserve claims key for a request in flight. It reports false when the key
// is already claimed or answered.
func (i *Idempotency) Reserve(ctx context.Context, key, requestHash string, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(IdempResponse{RequestHash: requestHash, Pending: true})
	if err != nil {
		return false, err
	}
	return i.client.SetNX(ctx, "idemp:"+key, data, ttl).Result()
}

func (i *Idempotency) Set(ctx context.Context, key string, resp IdempResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return i.client.Set(ctx, "idemp:"+key, data, ttl).Err()
}

func (i *Idempotency) Delete(ctx context.Context, key string) error {
	return i.client.Del(ctx, "idemp:"+key).Err()
}
