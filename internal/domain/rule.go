package domain

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// RiskRule is a declarative heuristic penalty.
type RiskRule struct {
	ID          string `json:"id" yaml:"id" validate:"required"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`

	// CEL expression to evaluate. A bool result applies Penalty when true;
	// an int result is used as the penalty itself.
	Expression string `json:"expression" yaml:"expression" validate:"required"`

	Penalty int `json:"penalty" yaml:"penalty" validate:"gte=0"`

	// Enabled defaults to true when a rule is decoded without it.
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type plainRiskRule RiskRule

// UnmarshalYAML decodes a rule, enabling it unless it sets enabled: false.
func (r *RiskRule) UnmarshalYAML(node *yaml.Node) error {
	p := plainRiskRule{Enabled: true}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = RiskRule(p)
	return nil
}

// UnmarshalJSON decodes a rule, enabling it unless it sets "enabled": false.
func (r *RiskRule) UnmarshalJSON(data []byte) error {
	p := plainRiskRule{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = RiskRule(p)
	return nil
}

// ActiveRules returns the enabled rules in order.
func ActiveRules(rules []RiskRule) []RiskRule {
	var out []RiskRule
	for _, r := range rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}
