// Package policy fuses the heuristic score, the classifier result and the
// security posture into a final status.
package policy

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Policy holds the decision thresholds.
type Policy struct {
	// Upper bounds applied to the heuristic score by fraud signal
	FraudCeiling  int
	HighCeiling   int
	MediumCeiling int

	// Approval requires all of these
	ApproveMaxFraudScore float64
	ApproveMinRiskScore  int
	ApproveMinControls   int

	// Scores at or above this go to review instead of being flagged
	ReviewMinRiskScore int
}

// New creates a policy with the default thresholds.
func New() *Policy {
	return &Policy{
		FraudCeiling:         30,
		HighCeiling:          50,
		MediumCeiling:        70,
		ApproveMaxFraudScore: 0.1,
		ApproveMinRiskScore:  85,
		ApproveMinControls:   4,
		ReviewMinRiskScore:   70,
	}
}

// Decide produces the final outcome. It is total and deterministic.
func (p *Policy) Decide(sub domain.Submission, fraud domain.FraudResult, heuristic int) domain.DecisionOutcome {
	risk := p.ClampRisk(fraud, heuristic)
	controls := sub.DecisionControlCount()

	return domain.DecisionOutcome{
		Status:      p.status(fraud, risk, controls),
		RiskScore:   risk,
		FraudScore:  fraud.FraudScore,
		FraudDetail: fraud,
	}
}

// ClampRisk bounds the heuristic score to [0,100] and then lowers it
// according to the fraud signal.
func (p *Policy) ClampRisk(fraud domain.FraudResult, heuristic int) int {
	risk := min(max(heuristic, 0), 100)

	switch {
	case fraud.IsFraud:
		return min(risk, p.FraudCeiling)
	case fraud.RiskLevel == domain.RiskHigh:
		return min(risk, p.HighCeiling)
	case fraud.RiskLevel == domain.RiskMedium:
		return min(risk, p.MediumCeiling)
	}
	return risk
}

// status evaluates the cascade top-down; the first match wins.
func (p *Policy) status(fraud domain.FraudResult, risk, controls int) domain.Status {
	switch {
	case fraud.IsFraud || fraud.RiskLevel == domain.RiskHigh:
		return domain.StatusFlagged
	case fraud.FraudScore < p.ApproveMaxFraudScore &&
		fraud.RiskLevel == domain.RiskLow &&
		risk >= p.ApproveMinRiskScore &&
		controls >= p.ApproveMinControls:
		return domain.StatusApproved
	case risk >= p.ReviewMinRiskScore:
		return domain.StatusPendingReview
	}
	return domain.StatusFlagged
}

// ShouldAlert returns true if the outcome should raise a flagged alert.
func ShouldAlert(outcome domain.DecisionOutcome) bool {
	return outcome.Status == domain.StatusFlagged
}
