package cache

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const throttlePrefix = "throttle:"

// Throttle lets one caller per key through every interval. It fails open:
// when Redis is unreachable every call is allowed.
type Throttle struct {
	client *redis.Client
}

func NewThrottle(client *redis.Client) *Throttle {
	return &Throttle{client: client}
}

// Allow reports whether key may run now and, if so, blocks it for every.
func (t *Throttle) Allow(ctx context.Context, key string, every time.Duration) bool {
	if t == nil || t.client == nil {
		return true
	}
	ok, err := t.client.SetNX(ctx, throttlePrefix+key, time.Now().Unix(), every).Result()
	if err != nil {
		log.Printf("[Throttle] Redis unavailable for %s, allowing: %v", key, err)
		return true
	}
	return ok
}
