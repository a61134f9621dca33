package risk

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/positionguard/positionguard/internal/domain"
)

// Thresholds fixes the classification boundaries for an Evaluator.
type Thresholds struct {
	// HealthFactorMin is the protocol-relative floor. At or below it the
	// position is CRITICAL.
	HealthFactorMin float64
	// WarningBuffer is the width of the WARNING band above the floor.
	WarningBuffer float64
	// StaleQuoteAfter is the maximum acceptable quote age. Older quotes
	// invalidate the cycle.
	StaleQuoteAfter time.Duration
}

// Evaluator derives a HealthAssessment from a position snapshot and a set of
// oracle quotes. It is pure: no I/O, no clock access, no state beyond the
// thresholds fixed at construction. The reference time is always passed in.
type Evaluator struct {
	t Thresholds
}

// NewEvaluator creates an Evaluator with fixed thresholds.
func NewEvaluator(t Thresholds) *Evaluator {
	return &Evaluator{t: t}
}

// Evaluate combines a snapshot and quotes into a HealthAssessment at the
// given reference time.
//
// Every asset in the snapshot's breakdown needs a quote no older than the
// staleness bound: a missing quote fails with domain.ErrMissingQuote, a stale
// one with domain.ErrStaleQuote. Both must abort the cycle upstream — a wrong
// health factor is never produced silently.
//
//	healthFactor = collateralValue × liquidationThreshold / debtValue
//
// A position with no debt cannot be liquidated; its health factor is the
// infinite sentinel and the risk level is SAFE.
func (e *Evaluator) Evaluate(snap domain.PositionSnapshot, quotes map[string]domain.PriceQuote, at time.Time) (domain.HealthAssessment, error) {
	if err := e.checkQuotes(snap, quotes, at); err != nil {
		return domain.HealthAssessment{}, err
	}

	hf := math.Inf(1)
	if snap.HasDebt() {
		hf = snap.CollateralValue * snap.LiquidationThreshold / snap.DebtValue
	}

	return domain.HealthAssessment{
		HealthFactor:    hf,
		RiskLevel:       e.classify(hf),
		CollateralValue: snap.CollateralValue,
		DebtValue:       snap.DebtValue,
		EvaluatedAt:     at,
	}, nil
}

// checkQuotes verifies quote coverage and freshness for every asset held.
// Assets are visited in sorted order so failures are deterministic.
func (e *Evaluator) checkQuotes(snap domain.PositionSnapshot, quotes map[string]domain.PriceQuote, at time.Time) error {
	assets := make([]string, 0, len(snap.AssetBreakdown))
	for asset := range snap.AssetBreakdown {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	for _, asset := range assets {
		q, ok := quotes[asset]
		if !ok {
			return fmt.Errorf("risk: asset %s: %w", asset, domain.ErrMissingQuote)
		}
		if q.StaleAt(at, e.t.StaleQuoteAfter) {
			return fmt.Errorf("risk: asset %s: quote age %s exceeds %s: %w",
				asset, q.Age(at).Truncate(time.Second), e.t.StaleQuoteAfter, domain.ErrStaleQuote)
		}
	}
	return nil
}

// classify maps a health factor to a risk level. The liquidation boundary is
// inclusive: exactly HealthFactorMin is CRITICAL. The warning boundary is
// inclusive toward the safer side: exactly HealthFactorMin+WarningBuffer is
// SAFE.
func (e *Evaluator) classify(hf float64) domain.RiskLevel {
	switch {
	case hf <= e.t.HealthFactorMin:
		return domain.RiskCritical
	case hf < e.t.HealthFactorMin+e.t.WarningBuffer:
		return domain.RiskWarning
	default:
		return domain.RiskSafe
	}
}
