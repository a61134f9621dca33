// Package memory provides in-process implementations of the persistence
// contracts. They back the guard when it runs without Postgres and keep the
// episode invariants testable without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/positionguard/positionguard/internal/domain"
)

// EpisodeStore keeps action episodes in memory, enforcing the same
// one-open-episode-per-wallet rule as the Postgres store.
type EpisodeStore struct {
	mu       sync.RWMutex
	episodes map[string]domain.ActionEpisode
}

var _ domain.EpisodeStore = (*EpisodeStore)(nil)

// NewEpisodeStore creates an empty episode store.
func NewEpisodeStore() *EpisodeStore {
	return &EpisodeStore{episodes: make(map[string]domain.ActionEpisode)}
}

// Create stores a new episode. It refuses a second open episode for the same
// wallet with domain.ErrEpisodeOpen.
func (s *EpisodeStore) Create(_ context.Context, ep domain.ActionEpisode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.episodes {
		if existing.Wallet == ep.Wallet && existing.Open() {
			return fmt.Errorf("memory: wallet %s: %w", ep.Wallet, domain.ErrEpisodeOpen)
		}
	}
	s.episodes[ep.ID] = ep
	return nil
}

// Update replaces the stored episode.
func (s *EpisodeStore) Update(_ context.Context, ep domain.ActionEpisode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.episodes[ep.ID]; !ok {
		return fmt.Errorf("memory: episode %s: %w", ep.ID, domain.ErrNotFound)
	}
	s.episodes[ep.ID] = ep
	return nil
}

// Close marks the episode resolved with the given reason.
func (s *EpisodeStore) Close(_ context.Context, id, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ep, ok := s.episodes[id]
	if !ok {
		return fmt.Errorf("memory: episode %s: %w", id, domain.ErrNotFound)
	}
	ep.ClosedAt = &at
	ep.CloseReason = reason
	ep.UpdatedAt = at
	s.episodes[id] = ep
	return nil
}

// GetOpen returns the wallet's open episode or domain.ErrNotFound.
func (s *EpisodeStore) GetOpen(_ context.Context, wallet string) (domain.ActionEpisode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ep := range s.episodes {
		if ep.Wallet == wallet && ep.Open() {
			return ep, nil
		}
	}
	return domain.ActionEpisode{}, fmt.Errorf("memory: open episode for %s: %w", wallet, domain.ErrNotFound)
}

// GetByID returns the episode with the given id.
func (s *EpisodeStore) GetByID(_ context.Context, id string) (domain.ActionEpisode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ep, ok := s.episodes[id]
	if !ok {
		return domain.ActionEpisode{}, fmt.Errorf("memory: episode %s: %w", id, domain.ErrNotFound)
	}
	return ep, nil
}

// ListRecent returns episodes for the wallet, newest first.
func (s *EpisodeStore) ListRecent(_ context.Context, wallet string, opts domain.ListOpts) ([]domain.ActionEpisode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ActionEpisode
	for _, ep := range s.episodes {
		if ep.Wallet == wallet {
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return clip(out, opts), nil
}

// ListClosedBefore returns closed episodes older than the cutoff, for
// archival.
func (s *EpisodeStore) ListClosedBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.ActionEpisode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ActionEpisode
	for _, ep := range s.episodes {
		if ep.ClosedAt != nil && ep.ClosedAt.Before(cutoff) {
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteClosedBefore removes closed episodes older than the cutoff and
// reports how many were dropped.
func (s *EpisodeStore) DeleteClosedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped int64
	for id, ep := range s.episodes {
		if ep.ClosedAt != nil && ep.ClosedAt.Before(cutoff) {
			delete(s.episodes, id)
			dropped++
		}
	}
	return dropped, nil
}

// CycleStore keeps per-cycle records in memory with a bounded history.
type CycleStore struct {
	mu      sync.RWMutex
	records []domain.CycleRecord
	cap     int
}

var _ domain.CycleStore = (*CycleStore)(nil)

// NewCycleStore creates a cycle store that retains at most maxRecords
// entries, oldest evicted first. Zero means unbounded.
func NewCycleStore(maxRecords int) *CycleStore {
	return &CycleStore{cap: maxRecords}
}

// Insert appends a record, evicting the oldest when over capacity.
func (s *CycleStore) Insert(_ context.Context, rec domain.CycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)
	if s.cap > 0 && len(s.records) > s.cap {
		s.records = s.records[len(s.records)-s.cap:]
	}
	return nil
}

// ListRecent returns records for the wallet, newest first.
func (s *CycleStore) ListRecent(_ context.Context, wallet string, opts domain.ListOpts) ([]domain.CycleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.CycleRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Wallet == wallet {
			out = append(out, s.records[i])
		}
	}
	return clip(out, opts), nil
}

// ListBefore returns records older than the cutoff, oldest first.
func (s *CycleStore) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.CycleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.CycleRecord
	for _, rec := range s.records {
		if rec.Timestamp.Before(cutoff) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteBefore removes records older than the cutoff and reports how many
// were dropped.
func (s *CycleStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	var dropped int64
	for _, rec := range s.records {
		if rec.Timestamp.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return dropped, nil
}

func clip[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}
