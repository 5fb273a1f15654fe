package authkit

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	redisstore "github.com/ulule/limiter/v3/drivers/store/redis"
)

const authRateLimitPrefix = "auth_rate"

// NewMemoryRateLimitStore keeps auth attempt counters in process.
func NewMemoryRateLimitStore() limiter.Store {
	return memory.NewStoreWithOptions(limiter.StoreOptions{
		Prefix:          authRateLimitPrefix,
		CleanUpInterval: limiter.DefaultCleanUpInterval,
	})
}

// NewRedisRateLimitStore shares auth attempt counters between instances through client.
func NewRedisRateLimitStore(client *redis.Client) (limiter.Store, error) {
	store, err := redisstore.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix:   authRateLimitPrefix,
		MaxRetry: limiter.DefaultMaxRetry,
	})
	if err != nil {
		return nil, fmt.Errorf("rate_limit.redis: %w", err)
	}
	return store, nil
}

func newAuthRateLimiter(store limiter.Store, limit int, window time.Duration) *limiter.Limiter {
	if store == nil {
		store = NewMemoryRateLimitStore()
	}
	return limiter.New(store, limiter.Rate{Period: window, Limit: int64(limit)})
}
