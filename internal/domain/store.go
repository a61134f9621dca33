package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// EpisodeStore persists mitigation episodes. At most one open episode may
// exist per wallet; Create must refuse a second one with ErrEpisodeOpen.
type EpisodeStore interface {
	Create(ctx context.Context, ep ActionEpisode) error
	Update(ctx context.Context, ep ActionEpisode) error
	// Close marks an episode resolved with a human-readable reason
	// ("confirmed", "retries exhausted", "discarded: risk resolved").
	Close(ctx context.Context, id string, reason string, at time.Time) error
	// GetOpen returns the single open episode for a wallet, or ErrNotFound.
	GetOpen(ctx context.Context, wallet string) (ActionEpisode, error)
	GetByID(ctx context.Context, id string) (ActionEpisode, error)
	ListRecent(ctx context.Context, wallet string, opts ListOpts) ([]ActionEpisode, error)
	// ListClosedBefore returns closed episodes older than the cutoff, oldest
	// first, for archival. A positive limit bounds the batch.
	ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]ActionEpisode, error)
	// DeleteClosedBefore removes closed episodes older than the cutoff and
	// returns the number deleted. Called only after a verified archive.
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
}

// CycleStore persists per-cycle monitoring records.
type CycleStore interface {
	Insert(ctx context.Context, rec CycleRecord) error
	ListRecent(ctx context.Context, wallet string, opts ListOpts) ([]CycleRecord, error)
	// ListBefore returns records older than the cutoff, oldest first, for
	// archival. A positive limit bounds the batch.
	ListBefore(ctx context.Context, before time.Time, limit int) ([]CycleRecord, error)
	// DeleteBefore removes records older than the cutoff and returns the
	// number deleted. Called only after a verified archive.
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
