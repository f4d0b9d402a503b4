package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/bid"
)

// Setter is the subset of the go-redis client used by RedisStore
type Setter interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisStore keeps VAST documents in Redis under their cache key
type RedisStore struct {
	client Setter
	prefix string
}

// NewRedisStore creates a store. Keys are written as prefix + cache key.
func NewRedisStore(client Setter, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Store writes each bid with SETNX so an existing key is never overwritten.
// Bidder supplied keys are reused, other bids get a fresh uuid.
func (s *RedisStore) Store(ctx context.Context, bids []*bid.Bid) ([]Result, error) {
	results := make([]Result, len(bids))
	for i, b := range bids {
		key := b.CacheKey
		if key == "" {
			key = uuid.NewString()
		}
		ttl := time.Duration(b.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = bid.DefaultTTLSeconds * time.Second
		}

		ok, err := s.client.SetNX(ctx, s.prefix+key, VastValue(b), ttl).Result()
		switch {
		case err != nil:
			results[i] = Result{Err: err}
		case !ok:
			results[i] = Result{Err: ErrKeyRejected}
		default:
			results[i] = Result{Key: key}
		}
	}
	return results, nil
}
