package domain

import (
	"time"
)

// Status is the final lifecycle status of a submission.
type Status string

const (
	StatusApproved      Status = "approved"
	StatusPendingReview Status = "pending_review"
	StatusFlagged       Status = "flagged"
)

// Valid reports whether s is one of the three known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusApproved, StatusPendingReview, StatusFlagged:
		return true
	}
	return false
}

// DecisionOutcome is the terminal output of one engine invocation.
type DecisionOutcome struct {
	Status      Status      `json:"status"`
	RiskScore   int         `json:"riskScore"`
	FraudScore  float64     `json:"fraudScore"`
	FraudDetail FraudResult `json:"fraudDetail"`
}

// Evaluation is the complete record of one evaluated submission.
type Evaluation struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Timestamp   time.Time `json:"timestamp"`

	Outcome DecisionOutcome `json:"outcome"`

	// Masked PII, for the caller to persist with the application
	PII []PIIFinding `json:"pii"`

	Heuristic HeuristicBreakdown `json:"heuristic"`
	Posture   []CategoryPosture  `json:"posture,omitempty"`

	Metadata EvaluationMetadata `json:"metadata"`
}

// HeuristicBreakdown explains the heuristic risk score.
type HeuristicBreakdown struct {
	BaseScore int           `json:"baseScore"`
	Score     int           `json:"score"`
	Penalties []RulePenalty `json:"penalties,omitempty"`
}

// RulePenalty is one risk rule's contribution to the heuristic score.
type RulePenalty struct {
	RuleID  string `json:"ruleId"`
	Name    string `json:"name"`
	Penalty int    `json:"penalty"`
	Error   string `json:"error,omitempty"`
}

// EvaluationMetadata contains processing information.
type EvaluationMetadata struct {
	TraceID       string `json:"traceId"`
	DurationMs    int64  `json:"durationMs"`
	RulesApplied  int    `json:"rulesApplied"`
	EngineVersion string `json:"engineVersion"`
	ModelSource   string `json:"modelSource"`
	Cached        bool   `json:"cached"`

	// Submissions sharing an identity with this one inside the velocity window
	Resubmissions int64 `json:"resubmissions,omitempty"`
}

// EvaluationResponse is the API view of an evaluation.
type EvaluationResponse struct {
	EvaluationID string             `json:"evaluationId"`
	Status       Status             `json:"status"`
	RiskScore    int                `json:"riskScore"`
	FraudScore   float64            `json:"fraudScore"`
	RiskLevel    RiskLevel          `json:"riskLevel"`
	ModelType    string             `json:"modelType"`
	Reasons      []string           `json:"reasons,omitempty"`
	PII          []PIIFinding       `json:"pii"`
	Metadata     EvaluationMetadata `json:"metadata"`
}

// ToResponse converts an Evaluation to an API response.
func (e *Evaluation) ToResponse() *EvaluationResponse {
	var reasons []string
	for _, p := range e.Heuristic.Penalties {
		if p.Penalty > 0 {
			reasons = append(reasons, p.Name)
		}
	}
	if e.Outcome.FraudDetail.IsFraud {
		reasons = append(reasons, "classifier flagged submission as fraudulent")
	}

	pii := e.PII
	if pii == nil {
		pii = []PIIFinding{}
	}

	return &EvaluationResponse{
		EvaluationID: e.ID,
		Status:       e.Outcome.Status,
		RiskScore:    e.Outcome.RiskScore,
		FraudScore:   e.Outcome.FraudScore,
		RiskLevel:    e.Outcome.FraudDetail.RiskLevel,
		ModelType:    e.Outcome.FraudDetail.ModelType,
		Reasons:      reasons,
		PII:          pii,
		Metadata:     e.Metadata,
	}
}
