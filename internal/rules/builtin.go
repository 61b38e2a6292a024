package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// BuiltinRules returns the onboarding heuristic penalties. Config rules
// replace this set entirely when present.
func BuiltinRules() []domain.RiskRule {
	return []domain.RiskRule{
		{
			ID:          "free-email",
			Name:        "free consumer email domain",
			Description: "Email address belongs to a free consumer provider",
			Expression:  `free_email_domains.exists(d, email.contains(d))`,
			Penalty:     10,
			Enabled:     true,
		},
		{
			ID:          "missing-tax-id",
			Name:        "missing tax identifier",
			Description: "No tax identifier was supplied",
			Expression:  `!has_tax_id`,
			Penalty:     20,
			Enabled:     true,
		},
		{
			ID:          "incomplete-address",
			Name:        "incomplete address",
			Description: "Address, city or state is missing",
			Expression:  `!has_address || !has_city || !has_state`,
			Penalty:     10,
			Enabled:     true,
		},
		{
			ID:          "high-risk-industry",
			Name:        "high-risk industry",
			Description: "Declared industry is on the high-risk list",
			Expression:  `industry in high_risk_industries`,
			Penalty:     15,
			Enabled:     true,
		},
		{
			// (15 - count) * 2 below five enabled controls
			ID:          "weak-security-posture",
			Name:        "weak security posture",
			Description: "Fewer than five security controls enabled",
			Expression:  `security_count < 5 ? (security_total - security_count) * 2 : 0`,
			Enabled:     true,
		},
	}
}
