package counter

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "payment:counters:"

// Outcomes reported by Snapshot, in display order.
var Outcomes = []string{"created", "paid", "failed", "expired"}

// PaymentCounters keeps per-method order outcome counts in Redis hashes,
// one hash per outcome. Counting never fails the caller.
type PaymentCounters struct {
	client *redis.Client
}

func NewPaymentCounters(client *redis.Client) *PaymentCounters {
	return &PaymentCounters{client: client}
}

// Record increments the counter for outcome and method.
func (p *PaymentCounters) Record(ctx context.Context, outcome, method string) {
	if p == nil || p.client == nil {
		return
	}
	// The request context may already be close to its deadline.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	pipe := p.client.TxPipeline()
	pipe.HIncrBy(cctx, keyPrefix+outcome, method, 1)
	pipe.HIncrBy(cctx, keyPrefix+outcome, "total", 1)
	if _, err := pipe.Exec(cctx); err != nil {
		log.Warnf("[Counter] Failed to count %s/%s: %v", outcome, method, err)
	}
}

// Snapshot returns outcome -> method -> count. The "total" entry sums all
// methods.
func (p *PaymentCounters) Snapshot(ctx context.Context) (map[string]map[string]int64, error) {
	out := make(map[string]map[string]int64, len(Outcomes))
	for _, outcome := range Outcomes {
		raw, err := p.client.HGetAll(ctx, keyPrefix+outcome).Result()
		if err != nil {
			return nil, err
		}
		counts := make(map[string]int64, len(raw))
		for method, v := range raw {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				continue
			}
			counts[method] = n
		}
		out[outcome] = counts
	}
	return out, nil
}
