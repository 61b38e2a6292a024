// Package features turns submissions into numeric vectors for the classifier.
package features

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LegacyField names one slot of the legacy vector and its default.
type LegacyField struct {
	Name    string
	Default float64
}

// LegacyFields is the fixed layout of the legacy 8-feature vector.
var LegacyFields = [LegacyDim]LegacyField{
	{Name: "age", Default: 30},
	{Name: "account_age_years", Default: 0},
	{Name: "annual_income", Default: 50000},
	{Name: "credit_score", Default: 650},
	{Name: "num_devices", Default: 1},
	{Name: "hours_since_registration", Default: 0},
	{Name: "failed_login_attempts", Default: 0},
	{Name: "transaction_amount", Default: 0},
}

// LegacyDim is the length of the legacy vector.
const LegacyDim = 8

// Legacy extracts the legacy 8-feature vector. Missing or unreadable
// fields take their defaults.
func Legacy(sub domain.Submission) []float64 {
	out := make([]float64, LegacyDim)
	for i, f := range LegacyFields {
		out[i] = sub.Float(f.Name, f.Default)
	}
	return out
}

var (
	consumerMailMarkers = []string{"gmail", "yahoo", "hotmail"}
	legalSuffixes       = []string{"LLC", "INC", "CORP", "LTD"}
	submissionTypes     = []string{"vendor", "supplier", "contractor"}
)

// NamedOrder is the order in which Named computes its features. Trained
// schemas may use any subset or order; Reindex aligns to them.
func NamedOrder() []string {
	names := []string{
		"email_length",
		"has_corporate_email",
		"email_digits",
		"phone_provided",
		"phone_valid_format",
		"address_complete",
		"tax_id_provided",
		"company_name_length",
		"company_name_has_llc",
		"high_risk_industry",
		"security_controls_count",
	}
	for _, c := range domain.SecurityControls {
		names = append(names, "security_"+c.Key)
	}
	for _, t := range submissionTypes {
		names = append(names, "is_"+t)
	}
	return append(names, "description_length", "description_provided")
}

// Named derives the engineered features of a submission.
func Named(sub domain.Submission) map[string]float64 {
	f := make(map[string]float64, 32)

	email := sub.String("email")
	f["email_length"] = float64(utf8.RuneCountInString(email))
	f["has_corporate_email"] = flag(!containsAny(strings.ToLower(email), consumerMailMarkers))
	f["email_digits"] = float64(countDigits(email))

	phone := sub.String("phone")
	f["phone_provided"] = flag(phone != "")
	f["phone_valid_format"] = flag(countDigits(phone) > 0)

	f["address_complete"] = flag(sub.Truthy("address") && sub.Truthy("city") && sub.Truthy("state") && sub.Truthy("zip"))
	f["tax_id_provided"] = flag(sub.Truthy("tax_id"))

	company := sub.String("company_name")
	f["company_name_length"] = float64(utf8.RuneCountInString(company))
	f["company_name_has_llc"] = flag(containsAny(strings.ToUpper(company), legalSuffixes))

	f["high_risk_industry"] = flag(domain.IsHighRiskIndustry(sub.String("industry")))

	f["security_controls_count"] = float64(sub.SecurityCount())
	for _, c := range domain.SecurityControls {
		f["security_"+c.Key] = flag(sub.Truthy(c.Key))
	}

	kind := strings.ToLower(sub.String("type"))
	for _, t := range submissionTypes {
		f["is_"+t] = flag(kind == t)
	}

	description := sub.String("description")
	f["description_length"] = float64(utf8.RuneCountInString(description))
	f["description_provided"] = flag(description != "")

	return f
}

// Reindex lays out named features in schema order. Names the schema
// lists but the map lacks are filled with 0; extra names are dropped.
func Reindex(named map[string]float64, schema []string) []float64 {
	out := make([]float64, len(schema))
	for i, name := range schema {
		out[i] = named[name]
	}
	return out
}

// ToMap is the inverse of Reindex for a vector already in schema order.
func ToMap(vec []float64, schema []string) map[string]float64 {
	out := make(map[string]float64, len(schema))
	for i, name := range schema {
		if i < len(vec) {
			out[name] = vec[i]
		}
	}
	return out
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}
