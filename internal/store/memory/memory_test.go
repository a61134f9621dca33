package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/positionguard/positionguard/internal/domain"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func episode(id, wallet string, status domain.EpisodeStatus, at time.Time) domain.ActionEpisode {
	return domain.ActionEpisode{
		ID:               id,
		Wallet:           wallet,
		TriggerRiskLevel: domain.RiskCritical,
		Action:           domain.RecommendedAction{Kind: domain.ActionRepayDebt, Amount: 100, Asset: "USDC"},
		Status:           status,
		CreatedAt:        at,
		UpdatedAt:        at,
	}
}

func TestEpisodeStoreSingleOpenPerWallet(t *testing.T) {
	ctx := context.Background()
	s := NewEpisodeStore()

	require.NoError(t, s.Create(ctx, episode("ep-1", "0xaaa", domain.EpisodePending, baseTime)))

	err := s.Create(ctx, episode("ep-2", "0xaaa", domain.EpisodePending, baseTime))
	assert.ErrorIs(t, err, domain.ErrEpisodeOpen)

	// A different wallet is unaffected.
	assert.NoError(t, s.Create(ctx, episode("ep-3", "0xbbb", domain.EpisodePending, baseTime)))

	// Closing frees the slot.
	require.NoError(t, s.Close(ctx, "ep-1", "confirmed", baseTime.Add(time.Minute)))
	assert.NoError(t, s.Create(ctx, episode("ep-4", "0xaaa", domain.EpisodePending, baseTime.Add(2*time.Minute))))
}

func TestEpisodeStoreTerminalEpisodeFreesSlot(t *testing.T) {
	ctx := context.Background()
	s := NewEpisodeStore()

	ep := episode("ep-1", "0xaaa", domain.EpisodePending, baseTime)
	require.NoError(t, s.Create(ctx, ep))

	// FAILED is terminal, so the episode no longer counts as open even
	// before Close records the reason.
	ep.Status = domain.EpisodeFailed
	require.NoError(t, s.Update(ctx, ep))

	assert.NoError(t, s.Create(ctx, episode("ep-2", "0xaaa", domain.EpisodePending, baseTime.Add(time.Minute))))
}

func TestEpisodeStoreGetOpen(t *testing.T) {
	ctx := context.Background()
	s := NewEpisodeStore()

	_, err := s.GetOpen(ctx, "0xaaa")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.Create(ctx, episode("ep-1", "0xaaa", domain.EpisodeSubmitted, baseTime)))

	got, err := s.GetOpen(ctx, "0xaaa")
	require.NoError(t, err)
	assert.Equal(t, "ep-1", got.ID)
	assert.True(t, got.Open())

	require.NoError(t, s.Close(ctx, "ep-1", "confirmed", baseTime.Add(time.Minute)))
	_, err = s.GetOpen(ctx, "0xaaa")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEpisodeStoreCloseRecordsReason(t *testing.T) {
	ctx := context.Background()
	s := NewEpisodeStore()

	require.NoError(t, s.Create(ctx, episode("ep-1", "0xaaa", domain.EpisodePending, baseTime)))
	closedAt := baseTime.Add(time.Minute)
	require.NoError(t, s.Close(ctx, "ep-1", "discarded: risk resolved", closedAt))

	got, err := s.GetByID(ctx, "ep-1")
	require.NoError(t, err)
	require.NotNil(t, got.ClosedAt)
	assert.Equal(t, closedAt, *got.ClosedAt)
	assert.Equal(t, "discarded: risk resolved", got.CloseReason)
	assert.False(t, got.Open())

	assert.ErrorIs(t, s.Close(ctx, "ep-missing", "x", closedAt), domain.ErrNotFound)
}

func TestEpisodeStoreListRecentOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewEpisodeStore()

	for i := 0; i < 3; i++ {
		at := baseTime.Add(time.Duration(i) * time.Hour)
		ep := episode(string(rune('a'+i)), "0xaaa", domain.EpisodePending, at)
		require.NoError(t, s.Create(ctx, ep))
		require.NoError(t, s.Close(ctx, ep.ID, "confirmed", at.Add(time.Minute)))
	}

	got, err := s.ListRecent(ctx, "0xaaa", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "a", got[2].ID)

	limited, err := s.ListRecent(ctx, "0xaaa", domain.ListOpts{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestEpisodeStoreListClosedBefore(t *testing.T) {
	ctx := context.Background()
	s := NewEpisodeStore()

	old := episode("ep-old", "0xaaa", domain.EpisodePending, baseTime.Add(-48*time.Hour))
	require.NoError(t, s.Create(ctx, old))
	require.NoError(t, s.Close(ctx, "ep-old", "confirmed", baseTime.Add(-47*time.Hour)))

	require.NoError(t, s.Create(ctx, episode("ep-open", "0xbbb", domain.EpisodePending, baseTime)))

	got, err := s.ListClosedBefore(ctx, baseTime.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ep-old", got[0].ID)
}

func TestEpisodeStoreDeleteClosedBefore(t *testing.T) {
	ctx := context.Background()
	s := NewEpisodeStore()

	old := episode("ep-old", "0xaaa", domain.EpisodePending, baseTime.Add(-48*time.Hour))
	require.NoError(t, s.Create(ctx, old))
	require.NoError(t, s.Close(ctx, "ep-old", "confirmed", baseTime.Add(-47*time.Hour)))

	require.NoError(t, s.Create(ctx, episode("ep-open", "0xaaa", domain.EpisodePending, baseTime)))

	dropped, err := s.DeleteClosedBefore(ctx, baseTime.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), dropped)

	_, err = s.GetByID(ctx, "ep-old")
	assert.ErrorIs(t, err, domain.ErrNotFound, "archived episodes are gone")
	_, err = s.GetByID(ctx, "ep-open")
	assert.NoError(t, err, "open episodes are never pruned")
}

func cycleRecord(wallet string, at time.Time) domain.CycleRecord {
	return domain.CycleRecord{
		Timestamp:    at,
		Wallet:       wallet,
		HealthFactor: "1.2345",
		RiskLevel:    domain.RiskSafe,
		Action:       "NONE",
		Skipped:      true,
		SkipReason:   "position_safe",
	}
}

func TestCycleStoreEvictsOldestOverCapacity(t *testing.T) {
	ctx := context.Background()
	s := NewCycleStore(2)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Insert(ctx, cycleRecord("0xaaa", baseTime.Add(time.Duration(i)*time.Minute))))
	}

	got, err := s.ListRecent(ctx, "0xaaa", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, baseTime.Add(2*time.Minute), got[0].Timestamp)
	assert.Equal(t, baseTime.Add(time.Minute), got[1].Timestamp)
}

func TestCycleStoreDeleteBefore(t *testing.T) {
	ctx := context.Background()
	s := NewCycleStore(0)

	require.NoError(t, s.Insert(ctx, cycleRecord("0xaaa", baseTime.Add(-72*time.Hour))))
	require.NoError(t, s.Insert(ctx, cycleRecord("0xaaa", baseTime)))

	dropped, err := s.DeleteBefore(ctx, baseTime.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), dropped)

	got, err := s.ListRecent(ctx, "0xaaa", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, baseTime, got[0].Timestamp)
}
