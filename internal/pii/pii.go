// Package pii detects personally-identifiable fields on a submission and
// renders masked display values for them.
package pii

import (
	"regexp"
	"sort"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Value patterns are anchored at the start of the value only, so
// "123-45-6789 ext" still counts as an SSN.
var (
	ssnPattern   = regexp.MustCompile(`^\d{3}-\d{2}-\d{4}`)
	phonePattern = regexp.MustCompile(`^\d{3}-\d{3}-\d{4}`)
)

// Classify returns the PII category of one field, checking SSN, Phone,
// Email and Address in that order. The second return is false when the
// field is not PII.
func Classify(field, value string) (domain.PIICategory, bool) {
	name := strings.ToLower(field)

	switch {
	case strings.Contains(name, "ssn") || ssnPattern.MatchString(value):
		return domain.PIISSN, true
	case strings.Contains(name, "phone") || phonePattern.MatchString(value):
		return domain.PIIPhone, true
	case strings.Contains(name, "email") || strings.Contains(value, "@"):
		return domain.PIIEmail, true
	case strings.Contains(name, "address"):
		return domain.PIIAddress, true
	}
	return "", false
}

// Detect returns one finding per string-valued PII field, sorted by field name.
// Non-string values are never classified.
func Detect(sub domain.Submission) []domain.PIIFinding {
	fields := make([]string, 0, len(sub))
	for k := range sub {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	var findings []domain.PIIFinding
	for _, field := range fields {
		value, ok := sub[field].(string)
		if !ok {
			continue
		}
		category, ok := Classify(field, value)
		if !ok {
			continue
		}
		findings = append(findings, domain.PIIFinding{
			Field:       field,
			Category:    category,
			MaskedValue: Mask(value, category),
		})
	}
	return findings
}

// Mask renders a display-safe form of value. It never panics; values
// too short for their format keep whatever characters they have.
func Mask(value string, category domain.PIICategory) string {
	if value == "" {
		return ""
	}

	switch category {
	case domain.PIISSN:
		return "***-**-" + lastN(value, 4)
	case domain.PIIPhone:
		return "***-***-" + lastN(value, 4)
	case domain.PIIEmail:
		at := strings.IndexByte(value, '@')
		if at < 0 {
			return value
		}
		return firstN(value[:at], 2) + "***@" + value[at+1:]
	case domain.PIIAddress:
		words := strings.Split(value, " ")
		for i := 2; i < len(words); i++ {
			words[i] = "***"
		}
		return strings.Join(words, " ")
	}
	return value
}

func lastN(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

func firstN(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
