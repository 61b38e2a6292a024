package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

// Submission is one onboarding application as a flat field-value mapping.
// Values are strings, numbers or booleans. Components read it and never write to it.
type Submission map[string]any

// String returns the textual form of a field, or "" when it is absent.
func (s Submission) String(key string) string {
	switch v := s[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// Float returns a numeric field, falling back to def when the field is
// absent or cannot be read as a number.
func (s Submission) Float(key string, def float64) float64 {
	switch v := s[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case bool:
		if v {
			return 1
		}
		return 0
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

// Truthy reports whether a field is present with a non-empty, non-zero value.
func (s Submission) Truthy(key string) bool {
	switch v := s[key].(type) {
	case nil:
		return false
	case string:
		return v != ""
	case bool:
		return v
	case float64:
		return v != 0
	case float32:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	case json.Number:
		f, err := v.Float64()
		return err != nil || f != 0
	default:
		return true
	}
}

// Fingerprint returns a stable digest of the submission contents.
// Map keys are marshalled in sorted order, so equal submissions share a fingerprint.
func (s Submission) Fingerprint() string {
	b, err := json.Marshal(map[string]any(s))
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SecurityCount counts the security controls that are enabled.
func (s Submission) SecurityCount() int {
	n := 0
	for _, c := range SecurityControls {
		if s.Truthy(c.Key) {
			n++
		}
	}
	return n
}

// DecisionControlCount counts the enabled controls among DecisionControls.
func (s Submission) DecisionControlCount() int {
	n := 0
	for _, key := range DecisionControls {
		if s.Truthy(key) {
			n++
		}
	}
	return n
}

// Clone returns a shallow copy.
func (s Submission) Clone() Submission {
	out := make(Submission, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
