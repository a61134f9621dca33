// Package policy is the last line of defense before funds move. It sits
// between the non-deterministic recommendation source and the executor: no
// proposed action reaches a transaction without clearing Validate.
package policy

import "github.com/positionguard/positionguard/internal/domain"

// RejectReason identifies which safety rule declined an action.
type RejectReason string

const (
	ReasonNoAction           RejectReason = "no_action"
	ReasonInvalidAmount      RejectReason = "invalid_amount"
	ReasonAmountExceedsCap   RejectReason = "amount_exceeds_cap"
	ReasonWithdrawAtRisk     RejectReason = "withdraw_at_risk"
	ReasonNoMitigationNeeded RejectReason = "no_mitigation_needed"
)

// Limits holds the tunable bounds the policy enforces.
type Limits struct {
	// MaxActionAmount caps the per-cycle exposure of a single action, in
	// quote currency.
	MaxActionAmount float64
	// ClampOnExceed clamps an oversized amount to the cap instead of
	// rejecting the action.
	ClampOnExceed bool
}

// Verdict is the policy's decision on one proposed action. A rejection is an
// expected outcome, not an error.
type Verdict struct {
	Approved bool
	// Action is the action to execute when approved; it differs from the
	// proposal only when clamping applied.
	Action  domain.RecommendedAction
	Clamped bool
	Reason  RejectReason // set when rejected
}

// Policy validates proposed actions against fixed limits. It is pure: no
// I/O, no clock, no state beyond the limits set at construction, so the same
// inputs always produce the same verdict.
type Policy struct {
	limits Limits
}

// New creates a Policy with fixed limits.
func New(limits Limits) *Policy {
	return &Policy{limits: limits}
}

// Validate applies the safety rules in order and returns the verdict of the
// first rule that fires.
//
// Rules:
//  1. NONE carries nothing to validate.
//  2. The amount must be positive and within the per-cycle cap; an
//     oversized amount is clamped to the cap when ClampOnExceed is set,
//     rejected otherwise.
//  3. WITHDRAW is never permitted while the position is at risk, regardless
//     of what the recommendation source suggests.
//  4. No action is permitted while the position is SAFE; skipping avoids
//     unnecessary transactions and fees.
//  5. Otherwise approved.
func (p *Policy) Validate(action domain.RecommendedAction, assess domain.HealthAssessment) Verdict {
	// Rule 1: nothing to validate.
	if action.IsNone() {
		return rejected(ReasonNoAction)
	}

	// Rule 2: amount bounds.
	if action.Amount <= 0 {
		return rejected(ReasonInvalidAmount)
	}
	clamped := false
	if action.Amount > p.limits.MaxActionAmount {
		if !p.limits.ClampOnExceed {
			return rejected(ReasonAmountExceedsCap)
		}
		action.Amount = p.limits.MaxActionAmount
		clamped = true
	}

	// Rule 3: withdrawing collateral at WARNING or CRITICAL is forbidden.
	if action.Kind == domain.ActionWithdraw && assess.RiskLevel != domain.RiskSafe {
		return rejected(ReasonWithdrawAtRisk)
	}

	// Rule 4: a safe position needs no mitigation.
	if assess.RiskLevel == domain.RiskSafe {
		return rejected(ReasonNoMitigationNeeded)
	}

	// Rule 5: approved.
	return Verdict{Approved: true, Action: action, Clamped: clamped}
}

func rejected(reason RejectReason) Verdict {
	return Verdict{Reason: reason}
}
