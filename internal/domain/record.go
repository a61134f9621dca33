package domain

import "time"

// CycleRecord is the structured trace emitted once per monitoring cycle. It
// is logged every cycle, and additionally persisted, published on the signal
// bus, and archived when those backends are configured.
type CycleRecord struct {
	Timestamp     time.Time     `json:"timestamp"`
	Wallet        string        `json:"wallet"`
	HealthFactor  string        `json:"health_factor"` // FormatHealthFactor form; "inf" when no debt
	RiskLevel     RiskLevel     `json:"risk_level"`
	Action        string        `json:"action"` // RecommendedAction.String form
	Executed      bool          `json:"executed"`
	Skipped       bool          `json:"skipped"`
	SkipReason    string        `json:"skip_reason,omitempty"`
	EpisodeID     string        `json:"episode_id,omitempty"`
	EpisodeStatus EpisodeStatus `json:"episode_status,omitempty"`
	DurationMs    int64         `json:"duration_ms"`
}
