package domain

import (
	"math"
	"strconv"
	"time"
)

// RiskLevel classifies how close a position is to liquidation.
type RiskLevel string

const (
	RiskSafe     RiskLevel = "SAFE"
	RiskWarning  RiskLevel = "WARNING"
	RiskCritical RiskLevel = "CRITICAL"
)

// HealthAssessment is the evaluator's verdict for one cycle. It is derived
// state: recomputed from scratch every cycle and never cached across cycles.
type HealthAssessment struct {
	HealthFactor    float64 // math.Inf(+1) when the position has no debt
	RiskLevel       RiskLevel
	CollateralValue float64
	DebtValue       float64
	EvaluatedAt     time.Time
}

// Infinite reports whether the health factor is the no-debt sentinel.
func (a HealthAssessment) Infinite() bool {
	return math.IsInf(a.HealthFactor, 1)
}

// FormatHealthFactor renders a health factor for records and logs. The
// no-debt sentinel renders as "inf" so JSON encoders never see a non-finite
// float.
func FormatHealthFactor(hf float64) string {
	if math.IsInf(hf, 1) {
		return "inf"
	}
	return strconv.FormatFloat(hf, 'f', 4, 64)
}
