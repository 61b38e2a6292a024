package domain

import "strings"

// ControlCategory groups related security controls.
type ControlCategory string

const (
	CategoryIdentity   ControlCategory = "Identity & Access Management"
	CategoryEncryption ControlCategory = "Data Encryption"
	CategoryNetwork    ControlCategory = "Network Security"
	CategoryMonitoring ControlCategory = "Logging & Monitoring"
	CategoryCompliance ControlCategory = "Compliance"
)

// Control is one security posture boolean on a submission.
type Control struct {
	Key      string          `json:"key"`
	Label    string          `json:"label"`
	Category ControlCategory `json:"category"`
}

// SecurityControls lists the fifteen controls in their canonical order.
// Feature layouts depend on this order.
var SecurityControls = []Control{
	{Key: "mfaEnabled", Label: "Multi-Factor Authentication", Category: CategoryIdentity},
	{Key: "ssoSupport", Label: "Single Sign-On", Category: CategoryIdentity},
	{Key: "rbacImplemented", Label: "Role-Based Access Control", Category: CategoryIdentity},
	{Key: "encryptionAtRest", Label: "Encryption at Rest", Category: CategoryEncryption},
	{Key: "encryptionInTransit", Label: "Encryption in Transit", Category: CategoryEncryption},
	{Key: "keyManagement", Label: "Key Management", Category: CategoryEncryption},
	{Key: "firewallEnabled", Label: "Firewall", Category: CategoryNetwork},
	{Key: "vpnRequired", Label: "VPN Required", Category: CategoryNetwork},
	{Key: "ipWhitelisting", Label: "IP Whitelisting", Category: CategoryNetwork},
	{Key: "auditLogging", Label: "Audit Logging", Category: CategoryMonitoring},
	{Key: "siemIntegration", Label: "SIEM Integration", Category: CategoryMonitoring},
	{Key: "alertingEnabled", Label: "Alerting", Category: CategoryMonitoring},
	{Key: "gdprCompliant", Label: "GDPR Compliant", Category: CategoryCompliance},
	{Key: "soc2Certified", Label: "SOC 2 Certified", Category: CategoryCompliance},
	{Key: "isoCompliant", Label: "ISO 27001 Compliant", Category: CategoryCompliance},
}

// DecisionControls are the six controls the decision policy tallies.
var DecisionControls = []string{
	"mfaEnabled",
	"ssoSupport",
	"encryptionAtRest",
	"encryptionInTransit",
	"firewallEnabled",
	"gdprCompliant",
}

// HighRiskIndustries are declared industries that carry a risk penalty.
var HighRiskIndustries = []string{"Cryptocurrency", "Gambling", "Cannabis"}

// FreeEmailDomains are consumer mail providers penalised by the heuristic score.
var FreeEmailDomains = []string{"@gmail.com", "@yahoo.com"}

// IsHighRiskIndustry reports whether industry is in HighRiskIndustries.
// The comparison is exact.
func IsHighRiskIndustry(industry string) bool {
	for _, h := range HighRiskIndustries {
		if industry == h {
			return true
		}
	}
	return false
}

// HasFreeEmailDomain reports whether email belongs to a free consumer provider.
func HasFreeEmailDomain(email string) bool {
	lower := strings.ToLower(email)
	for _, d := range FreeEmailDomains {
		if strings.Contains(lower, d) {
			return true
		}
	}
	return false
}

// CategoryPosture summarises the enabled controls within one category.
type CategoryPosture struct {
	Category ControlCategory `json:"category"`
	Enabled  []string        `json:"enabled"`
	Missing  []string        `json:"missing"`
	Coverage float64         `json:"coverage"`
}

// Posture reports per-category control coverage for a submission.
func Posture(s Submission) []CategoryPosture {
	var out []CategoryPosture
	index := make(map[ControlCategory]int)

	for _, c := range SecurityControls {
		i, ok := index[c.Category]
		if !ok {
			i = len(out)
			index[c.Category] = i
			out = append(out, CategoryPosture{Category: c.Category, Enabled: []string{}, Missing: []string{}})
		}
		if s.Truthy(c.Key) {
			out[i].Enabled = append(out[i].Enabled, c.Key)
		} else {
			out[i].Missing = append(out[i].Missing, c.Key)
		}
	}

	for i := range out {
		total := len(out[i].Enabled) + len(out[i].Missing)
		out[i].Coverage = float64(len(out[i].Enabled)) / float64(total)
	}
	return out
}
