package advisor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/positionguard/positionguard/internal/domain"
)

const systemPrompt = "You are an AI financial advisor specialized in DeFi position management. " +
	"Analyze the provided market and position data and recommend actions to prevent liquidation."

// buildPrompt renders the position, market context, and response contract
// into the user message. The model is asked for a single JSON object so the
// reply survives the tolerant extraction in parseRecommendation.
func (a *Advisor) buildPrompt(assess domain.HealthAssessment, snap domain.PositionSnapshot, quotes map[string]domain.PriceQuote) string {
	var b strings.Builder

	b.WriteString("Analyze the following lending position and market conditions.\n\n")

	b.WriteString("Position:\n")
	fmt.Fprintf(&b, "- Collateral value (ETH): %.6f\n", snap.CollateralValue)
	fmt.Fprintf(&b, "- Debt value (ETH): %.6f\n", snap.DebtValue)
	fmt.Fprintf(&b, "- Available to borrow (ETH): %.6f\n", snap.AvailableBorrow)
	fmt.Fprintf(&b, "- Liquidation threshold: %.4f\n", snap.LiquidationThreshold)
	fmt.Fprintf(&b, "- LTV: %.4f\n", snap.LTV)
	fmt.Fprintf(&b, "- Health factor: %s\n", domain.FormatHealthFactor(assess.HealthFactor))
	fmt.Fprintf(&b, "- Risk level: %s\n", assess.RiskLevel)

	b.WriteString("\nMarket data:\n")
	assets := make([]string, 0, len(quotes))
	for asset := range quotes {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	for _, asset := range assets {
		fmt.Fprintf(&b, "- %s: %.6f", asset, quotes[asset].Price)
		if change, ok := a.history.changePct(asset); ok {
			fmt.Fprintf(&b, " (change: %+.2f%%)", change)
		}
		if vol, ok := a.history.volatilityPct(asset); ok {
			fmt.Fprintf(&b, " (volatility: %.2f%%)", vol)
		}
		b.WriteString("\n")
	}

	b.WriteString("\nParameters:\n")
	fmt.Fprintf(&b, "- Minimum health factor: %.2f\n", a.cfg.HealthFactorMin)
	fmt.Fprintf(&b, "- Warning buffer: %.2f\n", a.cfg.WarningBuffer)

	b.WriteString(`
Recommend exactly one of the following:
1. Add more collateral (specify amount and asset)
2. Repay some debt (specify amount and asset)
3. Withdraw collateral (specify amount and asset)
4. No action needed

Respond with a single JSON object and nothing else:
{
  "action": "add_collateral|repay_debt|withdraw_collateral|none",
  "asset": "WETH",
  "amount": 0.0,
  "reason": "your reasoning",
  "confidence": 85
}
`)

	return b.String()
}
