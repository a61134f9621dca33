package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest oracle quotes.
type PriceCache interface {
	SetQuote(ctx context.Context, q PriceQuote) error
	// GetQuote returns the cached quote for an asset, or ErrNotFound.
	GetQuote(ctx context.Context, asset string) (PriceQuote, error)
	GetQuotes(ctx context.Context, assets []string) (map[string]PriceQuote, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub fan-out and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
