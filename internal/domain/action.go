package domain

import "fmt"

// ActionKind enumerates the mitigations the guard can take on a position.
type ActionKind string

const (
	ActionNone          ActionKind = "NONE"
	ActionAddCollateral ActionKind = "ADD_COLLATERAL"
	ActionRepayDebt     ActionKind = "REPAY_DEBT"
	ActionWithdraw      ActionKind = "WITHDRAW"
)

// RecommendedAction is a proposed mitigation. Produced fresh each cycle and
// never trusted until it clears the safety policy.
type RecommendedAction struct {
	Kind   ActionKind `json:"kind"`
	Amount float64    `json:"amount"` // quote currency
	Asset  string     `json:"asset,omitempty"`
}

// NoAction is the canonical empty recommendation.
func NoAction() RecommendedAction {
	return RecommendedAction{Kind: ActionNone}
}

// IsNone reports whether the action proposes doing nothing.
func (a RecommendedAction) IsNone() bool {
	return a.Kind == ActionNone || a.Kind == ""
}

// String renders the action for logs, e.g. "REPAY_DEBT(100.00 USDC)".
func (a RecommendedAction) String() string {
	if a.IsNone() {
		return string(ActionNone)
	}
	return fmt.Sprintf("%s(%.2f %s)", a.Kind, a.Amount, a.Asset)
}

// Recommendation is the advisor's full response: the proposed action plus
// model-reported metadata. The metadata is untrusted context for logs and the
// status API; only Action ever reaches the safety policy.
type Recommendation struct {
	Action     RecommendedAction `json:"action"`
	Confidence float64           `json:"confidence"` // model-reported, in [0,1]
	Reason     string            `json:"reason,omitempty"`
	Model      string            `json:"model,omitempty"`
}
