package domain

import "time"

// PositionSnapshot is one cycle's view of the monitored lending position.
// A fresh snapshot is fetched every cycle, is immutable once fetched, and is
// owned exclusively by the cycle that fetched it.
type PositionSnapshot struct {
	Wallet               string
	CollateralValue      float64            // total collateral in quote currency
	DebtValue            float64            // total debt in quote currency
	LiquidationThreshold float64            // protocol liquidation threshold, ratio in (0,1]
	AssetBreakdown       map[string]float64 // asset symbol -> quantity held

	// Pool-reported figures, logged for cross-checking the locally derived
	// health factor. Never inputs to the health formula.
	LTV                  float64
	AvailableBorrow      float64
	ReportedHealthFactor float64

	FetchedAt time.Time
}

// HasDebt reports whether the position carries any outstanding debt.
func (s PositionSnapshot) HasDebt() bool {
	return s.DebtValue > 0
}
