// Package rules provides the CEL-Go based heuristic risk scorer.
package rules

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine scores submissions by subtracting rule penalties from a base score.
type Engine struct {
	mu        sync.RWMutex
	env       *cel.Env
	rules     []*CompiledRule
	baseScore int
	logger    *slog.Logger
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  domain.RiskRule
	Program cel.Program
}

// NewEngine creates a scorer with no rules loaded. A baseScore of zero
// or less means 100.
func NewEngine(baseScore int, logger *slog.Logger) (*Engine, error) {
	if baseScore <= 0 {
		baseScore = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("submission", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("email", cel.StringType),
		cel.Variable("industry", cel.StringType),
		cel.Variable("submission_type", cel.StringType),
		cel.Variable("has_tax_id", cel.BoolType),
		cel.Variable("has_address", cel.BoolType),
		cel.Variable("has_city", cel.BoolType),
		cel.Variable("has_state", cel.BoolType),
		cel.Variable("has_zip", cel.BoolType),
		cel.Variable("security_count", cel.IntType),
		cel.Variable("security_total", cel.IntType),
		cel.Variable("high_risk_industries", cel.ListType(cel.StringType)),
		cel.Variable("free_email_domains", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:       env,
		baseScore: baseScore,
		logger:    logger,
	}, nil
}

// NewDefaultEngine creates a scorer loaded with BuiltinRules.
func NewDefaultEngine(logger *slog.Logger) (*Engine, error) {
	e, err := NewEngine(100, logger)
	if err != nil {
		return nil, err
	}
	if err := e.LoadRules(BuiltinRules()); err != nil {
		return nil, err
	}
	return e, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg domain.RiskRule) error {
	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles a rule and appends it, replacing any rule with the same ID.
func (e *Engine) LoadRule(cfg domain.RiskRule) error {
	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i, r := range e.rules {
		if r.Config.ID == cfg.ID {
			e.rules[i] = compiled
			return nil
		}
	}
	e.rules = append(e.rules, compiled)
	return nil
}

// LoadRules compiles and loads the enabled rules in order.
func (e *Engine) LoadRules(configs []domain.RiskRule) error {
	for _, cfg := range domain.ActiveRules(configs) {
		if err := e.LoadRule(cfg); err != nil {
			return err
		}
	}
	return nil
}

// ReloadRules clears all existing rules and loads new ones.
// Nothing changes if any rule fails to compile.
func (e *Engine) ReloadRules(configs []domain.RiskRule) error {
	var next []*CompiledRule
	for _, cfg := range domain.ActiveRules(configs) {
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		next = append(next, compiled)
	}

	e.mu.Lock()
	e.rules = next
	e.mu.Unlock()
	return nil
}

// GetLoadedRules returns the currently loaded rule configurations.
func (e *Engine) GetLoadedRules() []domain.RiskRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.RiskRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.Config)
	}
	return out
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Score returns the heuristic risk score in [0,100].
func (e *Engine) Score(sub domain.Submission) int {
	return e.Breakdown(sub).Score
}

// Breakdown scores a submission and reports each rule's penalty.
// Rules that fail to evaluate contribute nothing, so scoring is total.
func (e *Engine) Breakdown(sub domain.Submission) domain.HeuristicBreakdown {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	activation := buildActivation(sub)

	result := domain.HeuristicBreakdown{BaseScore: e.baseScore}
	score := e.baseScore

	for _, r := range rules {
		p := domain.RulePenalty{RuleID: r.Config.ID, Name: r.Config.Name}

		out, _, err := r.Program.Eval(activation)
		if err != nil {
			e.logger.Warn("risk rule evaluation failed", "rule_id", r.Config.ID, "error", err)
			p.Error = err.Error()
			result.Penalties = append(result.Penalties, p)
			continue
		}

		p.Penalty = toPenalty(out, r.Config.Penalty)
		score -= p.Penalty
		result.Penalties = append(result.Penalties, p)
	}

	result.Score = clamp(score, 0, 100)
	return result
}

// toPenalty converts a CEL value to a non-negative penalty.
func toPenalty(val ref.Val, penalty int) int {
	var n int
	switch v := val.(type) {
	case types.Bool:
		if v {
			n = penalty
		}
	case types.Int:
		n = int(v)
	case types.Double:
		n = int(v)
	}
	if n < 0 {
		return 0
	}
	return n
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// buildActivation normalises a submission into the scorer's variables.
// Absent fields read as empty or false.
func buildActivation(sub domain.Submission) map[string]any {
	normalized := make(map[string]any, len(sub))
	for k, v := range sub {
		normalized[k] = normalizeValue(v)
	}

	return map[string]any{
		"submission":           normalized,
		"email":                strings.ToLower(sub.String("email")),
		"industry":             sub.String("industry"),
		"submission_type":      strings.ToLower(sub.String("type")),
		"has_tax_id":           sub.Truthy("tax_id"),
		"has_address":          sub.Truthy("address"),
		"has_city":             sub.Truthy("city"),
		"has_state":            sub.Truthy("state"),
		"has_zip":              sub.Truthy("zip"),
		"security_count":       int64(sub.SecurityCount()),
		"security_total":       int64(len(domain.SecurityControls)),
		"high_risk_industries": domain.HighRiskIndustries,
		"free_email_domains":   domain.FreeEmailDomains,
	}
}

// normalizeValue reduces a submission value to string, float64 or bool.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return ""
	case string, bool, float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func (e *Engine) compileRule(cfg domain.RiskRule) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
