package chainlink

import (
	"context"
	"log/slog"
	"time"

	"github.com/positionguard/positionguard/internal/domain"
)

// CachedProvider layers a shared quote cache over a PriceProvider. Reads are
// served from the cache while every requested asset has a fresh entry; any
// miss or stale entry falls through to the underlying provider, and the fresh
// quotes are written back so concurrent processes can reuse them.
//
// Cache failures are logged and ignored: an unreachable cache degrades to
// direct oracle reads, never to a pricing failure.
type CachedProvider struct {
	inner  domain.PriceProvider
	cache  domain.PriceCache
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time
}

var _ domain.PriceProvider = (*CachedProvider)(nil)

// NewCachedProvider wraps inner with the given quote cache. maxAge bounds how
// old a cached quote may be before the provider is consulted again; zero
// defers entirely to the cache's own expiry.
func NewCachedProvider(inner domain.PriceProvider, cache domain.PriceCache, maxAge time.Duration, logger *slog.Logger) *CachedProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedProvider{
		inner:  inner,
		cache:  cache,
		maxAge: maxAge,
		logger: logger,
		now:    time.Now,
	}
}

// Fetch implements domain.PriceProvider.
func (p *CachedProvider) Fetch(ctx context.Context, assets []string) (map[string]domain.PriceQuote, error) {
	cached, err := p.cache.GetQuotes(ctx, assets)
	if err != nil {
		p.logger.WarnContext(ctx, "chainlink: quote cache read failed",
			slog.String("error", err.Error()),
		)
		cached = nil
	}
	if p.covers(cached, assets) {
		return cached, nil
	}

	quotes, err := p.inner.Fetch(ctx, assets)
	if err != nil {
		return nil, err
	}

	for _, q := range quotes {
		if err := p.cache.SetQuote(ctx, q); err != nil {
			p.logger.WarnContext(ctx, "chainlink: quote cache write failed",
				slog.String("asset", q.Asset),
				slog.String("error", err.Error()),
			)
		}
	}
	return quotes, nil
}

// covers reports whether cached holds an acceptably fresh quote for every
// requested asset.
func (p *CachedProvider) covers(cached map[string]domain.PriceQuote, assets []string) bool {
	if len(cached) == 0 {
		return false
	}
	now := p.now()
	for _, asset := range assets {
		q, ok := cached[asset]
		if !ok {
			return false
		}
		if p.maxAge > 0 && now.Sub(q.ObservedAt) > p.maxAge {
			return false
		}
	}
	return true
}
