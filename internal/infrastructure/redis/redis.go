package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache backs the shared view-marker set and the request rate limiter. View
// markers use SET NX PX so acquisition is a single atomic round trip shared
// by every instance of the service.
type Cache struct {
	Client *redis.Client
}

func New(addr, pass string, db int) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr, Password: pass, DB: db,
	})
	return &Cache{Client: rdb}
}

const markerPrefix = "engagement:view:"

// Acquire implements domain.ViewMarkerStore.
func (c *Cache) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.Client.SetNX(ctx, markerPrefix+key, 1, ttl).Result()
}

// Release drops a marker early so a failed recording can be retried.
func (c *Cache) Release(ctx context.Context, key string) error {
	return c.Client.Del(ctx, markerPrefix+key).Err()
}

// AllowRequest: simple fixed window rate limit.
func (c *Cache) AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error) {
	key := "ratelimit:" + ip
	count, err := c.Client.Incr(ctx, key).Result()
	if err != nil {
		return true, nil // fail open
	}
	if count == 1 {
		_ = c.Client.Expire(ctx, key, window).Err()
	}
	return count <= int64(limit), nil
}
