package quote

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/metrics"
)

// CachedProvider keeps recent prices in Redis so repeated P&L queries do
// not hit the upstream market-data API.
type CachedProvider struct {
	next Provider
	rdb  *redis.Client
	ttl  time.Duration
}

// NewCachedProvider wraps next with a Redis cache of the given TTL.
func NewCachedProvider(next Provider, rdb *redis.Client, ttl time.Duration) *CachedProvider {
	return &CachedProvider{next: next, rdb: rdb, ttl: ttl}
}

func (c *CachedProvider) CurrentPrice(ctx context.Context, ticker string) (decimal.Decimal, error) {
	if s, err := c.rdb.Get(ctx, quoteKey(ticker)).Result(); err == nil {
		if p, err := decimal.NewFromString(s); err == nil {
			metrics.QuoteRequests.WithLabelValues("redis", "hit").Inc()
			return p, nil
		}
	}
	metrics.QuoteRequests.WithLabelValues("redis", "miss").Inc()

	p, err := c.next.CurrentPrice(ctx, ticker)
	if err != nil {
		return decimal.Zero, err
	}
	c.rdb.Set(ctx, quoteKey(ticker), p.String(), c.ttl)
	return p, nil
}

// Invalidate drops the cached price of ticker.
func (c *CachedProvider) Invalidate(ctx context.Context, ticker string) {
	c.rdb.Del(ctx, quoteKey(ticker))
}

func quoteKey(ticker string) string { return fmt.Sprintf("quote:%s", ticker) }
