// Package advisor turns position and market state into a mitigation
// recommendation by consulting a chat model. Its output is advisory only:
// every proposed action still passes the safety policy before anything
// executes, and any failure here degrades to NONE.
package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/positionguard/positionguard/internal/domain"
)

// CompletionClient is the slice of the chat API the advisor needs.
type CompletionClient interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Model() string
}

// Config holds the advisor's gating parameters and the threshold context
// included in the prompt.
type Config struct {
	// MinConfidence discards recommendations the model reports below this
	// confidence, normalized to [0,1].
	MinConfidence float64
	// HealthFactorMin and WarningBuffer are quoted to the model so its
	// reasoning matches the classifier's boundaries.
	HealthFactorMin float64
	WarningBuffer   float64
	// HistoryDepth is the per-asset price points retained for trend and
	// volatility context. Zero selects 1000.
	HistoryDepth int
}

// Advisor requests and screens model recommendations.
type Advisor struct {
	client  CompletionClient
	cfg     Config
	history *priceHistory
	logger  *slog.Logger
}

var _ domain.Advisor = (*Advisor)(nil)

// New creates an Advisor backed by the given completion client.
func New(client CompletionClient, cfg Config, logger *slog.Logger) *Advisor {
	return &Advisor{
		client:  client,
		cfg:     cfg,
		history: newPriceHistory(cfg.HistoryDepth),
		logger:  logger.With(slog.String("component", "advisor")),
	}
}

// Recommend asks the model for a mitigation given the current assessment.
// Unusable model output is not an error: it degrades to a NONE
// recommendation with the reason recorded. Only transport and API failures
// return an error.
func (a *Advisor) Recommend(ctx context.Context, assess domain.HealthAssessment, snap domain.PositionSnapshot, quotes map[string]domain.PriceQuote) (domain.Recommendation, error) {
	a.history.observe(quotes)

	prompt := a.buildPrompt(assess, snap, quotes)

	content, err := a.client.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		// Stamp the decision sentinel while keeping the transport cause
		// inspectable.
		return domain.Recommendation{}, fmt.Errorf("advisor: completion: %w: %w", domain.ErrDecision, err)
	}

	rec, err := parseRecommendation(content)
	if err != nil {
		a.logger.WarnContext(ctx, "advisor: unparseable response, treating as NONE",
			slog.String("error", err.Error()),
			slog.String("raw", truncate(content, 300)),
		)
		return domain.Recommendation{
			Action: domain.NoAction(),
			Reason: "unparseable model response",
			Model:  a.client.Model(),
		}, nil
	}
	rec.Model = a.client.Model()

	if !rec.Action.IsNone() && rec.Confidence < a.cfg.MinConfidence {
		a.logger.InfoContext(ctx, "advisor: recommendation below confidence floor",
			slog.String("action", rec.Action.String()),
			slog.Float64("confidence", rec.Confidence),
			slog.Float64("floor", a.cfg.MinConfidence),
		)
		return domain.Recommendation{
			Action:     domain.NoAction(),
			Confidence: rec.Confidence,
			Reason:     fmt.Sprintf("confidence %.2f below floor %.2f", rec.Confidence, a.cfg.MinConfidence),
			Model:      rec.Model,
		}, nil
	}

	return rec, nil
}

// wireRecommendation is the JSON shape requested from the model.
type wireRecommendation struct {
	Action     string  `json:"action"`
	Asset      string  `json:"asset"`
	Amount     float64 `json:"amount"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// parseRecommendation extracts the JSON object from the model's reply and
// maps it to a domain recommendation. Models wrap JSON in prose and code
// fences often enough that the extraction scans from the first '{' to the
// last '}'.
func parseRecommendation(content string) (domain.Recommendation, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return domain.Recommendation{}, fmt.Errorf("advisor: no JSON object in response")
	}

	var wire wireRecommendation
	if err := json.Unmarshal([]byte(content[start:end+1]), &wire); err != nil {
		return domain.Recommendation{}, fmt.Errorf("advisor: decode recommendation: %w", err)
	}
	if wire.Action == "" {
		return domain.Recommendation{}, fmt.Errorf("advisor: response missing action")
	}

	kind := mapAction(wire.Action)

	rec := domain.Recommendation{
		Action:     domain.NoAction(),
		Confidence: normalizeConfidence(wire.Confidence),
		Reason:     wire.Reason,
	}
	if kind == domain.ActionNone {
		return rec, nil
	}

	if wire.Asset == "" || wire.Amount <= 0 {
		return domain.Recommendation{}, fmt.Errorf("advisor: action %s missing asset or amount", wire.Action)
	}
	rec.Action = domain.RecommendedAction{
		Kind:   kind,
		Amount: wire.Amount,
		Asset:  wire.Asset,
	}
	return rec, nil
}

// mapAction translates the model's action token. "borrow_more" is a token
// the model may still emit but increasing debt is never an acceptable
// mitigation, so it collapses to NONE, as does anything unrecognized.
func mapAction(token string) domain.ActionKind {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "add_collateral":
		return domain.ActionAddCollateral
	case "repay_debt":
		return domain.ActionRepayDebt
	case "withdraw_collateral", "withdraw":
		return domain.ActionWithdraw
	default:
		return domain.ActionNone
	}
}

// normalizeConfidence accepts both the requested 0-100 scale and an
// already-normalized 0-1 value, clamping the result to [0,1].
func normalizeConfidence(c float64) float64 {
	if c > 1 {
		c /= 100
	}
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
