package domain

// RiskLevel is a coarse bucket over the continuous fraud score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskLevelFor buckets a fraud score: below 0.3 is low, below 0.7 medium, otherwise high.
func RiskLevelFor(score float64) RiskLevel {
	switch {
	case score < 0.3:
		return RiskLow
	case score < 0.7:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// ModelTypeFallback marks a result that no model produced.
const ModelTypeFallback = "fallback"

// FraudResult is the canonical classifier output, whichever model family produced it.
type FraudResult struct {
	IsFraud    bool           `json:"isFraud"`
	FraudScore float64        `json:"fraudScore"`
	RiskLevel  RiskLevel      `json:"riskLevel"`
	ModelType  string         `json:"modelType"`
	RawDetail  map[string]any `json:"rawDetail,omitempty"`
}

// ConservativeFraudResult is returned when every model family fails.
func ConservativeFraudResult() FraudResult {
	return FraudResult{
		IsFraud:    false,
		FraudScore: 0.5,
		RiskLevel:  RiskMedium,
		ModelType:  ModelTypeFallback,
	}
}
