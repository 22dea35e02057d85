package counter

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	c := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPaymentCounters(t *testing.T) {
	c := testRedis(t)
	ctx := context.Background()
	for _, o := range Outcomes {
		require.NoError(t, c.Del(ctx, keyPrefix+o).Err())
	}

	p := NewPaymentCounters(c)
	p.Record(ctx, "created", "alipay")
	p.Record(ctx, "created", "wechat")
	p.Record(ctx, "paid", "alipay")

	snap, err := p.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap["created"]["total"])
	assert.Equal(t, int64(1), snap["created"]["wechat"])
	assert.Equal(t, int64(1), snap["paid"]["alipay"])
	assert.Empty(t, snap["expired"])
}

func TestPaymentCounters_NilIsNoop(t *testing.T) {
	var p *PaymentCounters
	assert.NotPanics(t, func() { p.Record(context.Background(), "paid", "alipay") })
	assert.NotPanics(t, func() { NewPaymentCounters(nil).Record(context.Background(), "paid", "alipay") })
}
