package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/positionguard/positionguard/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each asset's
// latest oracle quote is stored at key "quote:{asset}" with fields "price"
// and "observed_at" (Unix nanosecond timestamp). Entries expire after the
// configured TTL so the cache never serves quotes the oracle has abandoned.
type PriceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache backed by the given Client. A zero ttl
// disables expiry.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), ttl: ttl}
}

func quoteKey(asset string) string {
	return "quote:" + asset
}

// SetQuote stores the latest quote for an asset.
func (pc *PriceCache) SetQuote(ctx context.Context, q domain.PriceQuote) error {
	key := quoteKey(q.Asset)
	fields := map[string]interface{}{
		"price":       strconv.FormatFloat(q.Price, 'f', -1, 64),
		"observed_at": strconv.FormatInt(q.ObservedAt.UnixNano(), 10),
	}

	pipe := pc.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.Asset, err)
	}
	return nil
}

// GetQuote retrieves the cached quote for an asset. It returns
// domain.ErrNotFound when no quote is cached.
func (pc *PriceCache) GetQuote(ctx context.Context, asset string) (domain.PriceQuote, error) {
	vals, err := pc.rdb.HGetAll(ctx, quoteKey(asset)).Result()
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: get quote %s: %w", asset, err)
	}
	if len(vals) == 0 {
		return domain.PriceQuote{}, domain.ErrNotFound
	}

	q, err := parseQuoteFields(asset, vals)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: get quote %s: %w", asset, err)
	}
	return q, nil
}

// GetQuotes retrieves cached quotes for multiple assets using a pipeline.
// Assets with no cached quote are silently omitted from the result map.
func (pc *PriceCache) GetQuotes(ctx context.Context, assets []string) (map[string]domain.PriceQuote, error) {
	if len(assets) == 0 {
		return map[string]domain.PriceQuote{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(assets))
	for _, asset := range assets {
		cmds[asset] = pipe.HGetAll(ctx, quoteKey(asset))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get quotes pipeline: %w", err)
	}

	result := make(map[string]domain.PriceQuote, len(assets))
	for asset, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		q, err := parseQuoteFields(asset, vals)
		if err != nil {
			continue
		}
		result[asset] = q
	}

	return result, nil
}

func parseQuoteFields(asset string, vals map[string]string) (domain.PriceQuote, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return domain.PriceQuote{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("parse price: %w", err)
	}

	tsStr, ok := vals["observed_at"]
	if !ok {
		return domain.PriceQuote{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("parse observed_at: %w", err)
	}

	return domain.PriceQuote{
		Asset:      asset,
		Price:      price,
		ObservedAt: time.Unix(0, tsNano),
	}, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
