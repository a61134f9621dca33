package policy

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/positionguard/positionguard/internal/domain"
)

func assessAt(level domain.RiskLevel) domain.HealthAssessment {
	return domain.HealthAssessment{HealthFactor: 1.0, RiskLevel: level}
}

func defaultLimits() Limits {
	return Limits{MaxActionAmount: 500}
}

func TestValidateActionRiskLevelMatrix(t *testing.T) {
	// Exhaustive over every action kind and risk level with an in-bounds
	// amount. WITHDRAW must never be approved at WARNING or CRITICAL.
	p := New(defaultLimits())

	kinds := []domain.ActionKind{
		domain.ActionNone,
		domain.ActionAddCollateral,
		domain.ActionRepayDebt,
		domain.ActionWithdraw,
	}
	levels := []domain.RiskLevel{
		domain.RiskSafe,
		domain.RiskWarning,
		domain.RiskCritical,
	}

	atRiskMitigations := map[domain.ActionKind]bool{
		domain.ActionAddCollateral: true,
		domain.ActionRepayDebt:     true,
	}

	for _, kind := range kinds {
		for _, level := range levels {
			t.Run(fmt.Sprintf("%s_at_%s", kind, level), func(t *testing.T) {
				action := domain.RecommendedAction{Kind: kind, Amount: 100, Asset: "USDC"}
				v := p.Validate(action, assessAt(level))

				wantApproved := level != domain.RiskSafe && atRiskMitigations[kind]
				assert.Equal(t, wantApproved, v.Approved)

				if kind == domain.ActionWithdraw && level != domain.RiskSafe {
					require.False(t, v.Approved)
					assert.Equal(t, ReasonWithdrawAtRisk, v.Reason)
				}
			})
		}
	}
}

func TestValidateRejectsNone(t *testing.T) {
	p := New(defaultLimits())

	v := p.Validate(domain.NoAction(), assessAt(domain.RiskCritical))
	require.False(t, v.Approved)
	assert.Equal(t, ReasonNoAction, v.Reason)

	// A zero-valued kind counts as NONE as well.
	v = p.Validate(domain.RecommendedAction{Amount: 100}, assessAt(domain.RiskCritical))
	require.False(t, v.Approved)
	assert.Equal(t, ReasonNoAction, v.Reason)
}

func TestValidateAmountBounds(t *testing.T) {
	tests := []struct {
		name         string
		amount       float64
		clamp        bool
		wantApproved bool
		wantAmount   float64
		wantClamped  bool
		wantReason   RejectReason
	}{
		{"within cap", 499, false, true, 499, false, ""},
		{"exactly at cap", 500, false, true, 500, false, ""},
		{"over cap rejected by default", 501, false, false, 0, false, ReasonAmountExceedsCap},
		{"over cap clamped when enabled", 800, true, true, 500, true, ""},
		{"zero amount", 0, false, false, 0, false, ReasonInvalidAmount},
		{"negative amount", -10, true, false, 0, false, ReasonInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(Limits{MaxActionAmount: 500, ClampOnExceed: tt.clamp})
			action := domain.RecommendedAction{Kind: domain.ActionRepayDebt, Amount: tt.amount, Asset: "USDC"}

			v := p.Validate(action, assessAt(domain.RiskCritical))

			assert.Equal(t, tt.wantApproved, v.Approved)
			if tt.wantApproved {
				assert.Equal(t, tt.wantAmount, v.Action.Amount)
				assert.Equal(t, tt.wantClamped, v.Clamped)
			} else {
				assert.Equal(t, tt.wantReason, v.Reason)
			}
		})
	}
}

func TestValidateRuleOrder(t *testing.T) {
	p := New(defaultLimits())

	// Rule 1 fires before the amount check: NONE with an oversized amount
	// still reports no_action.
	v := p.Validate(domain.RecommendedAction{Kind: domain.ActionNone, Amount: 10_000}, assessAt(domain.RiskCritical))
	assert.Equal(t, ReasonNoAction, v.Reason)

	// Rule 2 fires before the withdraw check: an oversized WITHDRAW at risk
	// reports the amount violation.
	v = p.Validate(domain.RecommendedAction{Kind: domain.ActionWithdraw, Amount: 10_000, Asset: "WETH"}, assessAt(domain.RiskCritical))
	assert.Equal(t, ReasonAmountExceedsCap, v.Reason)

	// With clamping on, the oversized WITHDRAW passes rule 2 and rule 3
	// rejects it.
	clamping := New(Limits{MaxActionAmount: 500, ClampOnExceed: true})
	v = clamping.Validate(domain.RecommendedAction{Kind: domain.ActionWithdraw, Amount: 10_000, Asset: "WETH"}, assessAt(domain.RiskWarning))
	assert.Equal(t, ReasonWithdrawAtRisk, v.Reason)
}

func TestValidateWithdrawAllowedOnlyWhenSafeRejectedAnyway(t *testing.T) {
	// A WITHDRAW at SAFE clears rule 3 but falls to rule 4: safe positions
	// get no actions at all.
	p := New(defaultLimits())

	v := p.Validate(domain.RecommendedAction{Kind: domain.ActionWithdraw, Amount: 100, Asset: "WETH"}, assessAt(domain.RiskSafe))
	require.False(t, v.Approved)
	assert.Equal(t, ReasonNoMitigationNeeded, v.Reason)
}

func TestValidateIsPureAndIdempotent(t *testing.T) {
	p := New(Limits{MaxActionAmount: 500, ClampOnExceed: true})
	action := domain.RecommendedAction{Kind: domain.ActionRepayDebt, Amount: 900, Asset: "USDC"}
	assess := assessAt(domain.RiskCritical)

	first := p.Validate(action, assess)
	second := p.Validate(action, assess)

	assert.Equal(t, first, second)
	assert.True(t, first.Approved)
	assert.True(t, first.Clamped)
	assert.Equal(t, 500.0, first.Action.Amount)
}
