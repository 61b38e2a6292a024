package domain

// PIICategory classifies a personally-identifiable field.
type PIICategory string

const (
	PIISSN     PIICategory = "SSN"
	PIIPhone   PIICategory = "Phone"
	PIIEmail   PIICategory = "Email"
	PIIAddress PIICategory = "Address"
)

// PIIFinding records one field recognised as PII, with its display-safe value.
type PIIFinding struct {
	Field       string      `json:"field"`
	Category    PIICategory `json:"category"`
	MaskedValue string      `json:"maskedValue"`
}
