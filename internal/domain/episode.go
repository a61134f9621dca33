package domain

import (
	"fmt"
	"time"
)

// EpisodeStatus tracks one mitigation attempt through submission. The absence
// of an open episode is the implicit NONE state.
type EpisodeStatus string

const (
	EpisodePending   EpisodeStatus = "PENDING"
	EpisodeSubmitted EpisodeStatus = "SUBMITTED"
	EpisodeConfirmed EpisodeStatus = "CONFIRMED"
	EpisodeFailed    EpisodeStatus = "FAILED"
)

// validEpisodeTransitions lists the allowed status moves. Terminal statuses
// have no entries. The PENDING -> NONE stale discard is not a status move; it
// closes the episode while leaving its last status in place.
var validEpisodeTransitions = map[EpisodeStatus][]EpisodeStatus{
	EpisodePending:   {EpisodeSubmitted, EpisodeFailed},
	EpisodeSubmitted: {EpisodeConfirmed, EpisodeFailed},
}

// CanTransition reports whether an episode may move between two statuses.
func CanTransition(from, to EpisodeStatus) bool {
	for _, s := range validEpisodeTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status ends the episode.
func (s EpisodeStatus) Terminal() bool {
	return s == EpisodeConfirmed || s == EpisodeFailed
}

// ActionEpisode is one mitigation attempt, from policy approval to
// resolution. Exactly one episode may be open at a time for a position; that
// is the loop's core invariant.
type ActionEpisode struct {
	ID               string            `json:"id"`
	Wallet           string            `json:"wallet"`
	TriggerRiskLevel RiskLevel         `json:"trigger_risk_level"`
	Action           RecommendedAction `json:"action"`
	Status           EpisodeStatus     `json:"status"`
	AttemptCount     int               `json:"attempt_count"`
	TxHash           string            `json:"tx_hash,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	ClosedAt         *time.Time        `json:"closed_at,omitempty"`
	CloseReason      string            `json:"close_reason,omitempty"`
}

// Open reports whether the episode still blocks new recommendations.
func (e *ActionEpisode) Open() bool {
	return e.ClosedAt == nil && !e.Status.Terminal()
}

// Transition moves the episode to a new status, rejecting illegal moves.
func (e *ActionEpisode) Transition(to EpisodeStatus, at time.Time) error {
	if !CanTransition(e.Status, to) {
		return fmt.Errorf("domain: episode %s: %s -> %s: %w", e.ID, e.Status, to, ErrInvalidTransition)
	}
	e.Status = to
	e.UpdatedAt = at
	return nil
}
