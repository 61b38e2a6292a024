package rules

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func allControls() domain.Submission {
	sub := domain.Submission{}
	for _, c := range domain.SecurityControls {
		sub[c.Key] = true
	}
	return sub
}

func cleanSubmission() domain.Submission {
	sub := allControls()
	sub["company_name"] = "Acme Systems LLC"
	sub["email"] = "ops@acme-systems.com"
	sub["tax_id"] = "12-3456789"
	sub["address"] = "100 Market Street"
	sub["city"] = "Springfield"
	sub["state"] = "IL"
	sub["zip"] = "62701"
	sub["industry"] = "Technology"
	return sub
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewDefaultEngine(nil)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return engine
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(0, nil)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
	if got := engine.Score(domain.Submission{}); got != 100 {
		t.Errorf("expected base score 100 with no rules, got %d", got)
	}
}

func TestLoadInvalidRule(t *testing.T) {
	engine, _ := NewEngine(100, nil)

	t.Run("SyntaxError", func(t *testing.T) {
		err := engine.LoadRule(domain.RiskRule{ID: "bad", Expression: "this is not valid CEL !!!", Enabled: true})
		if err == nil {
			t.Error("expected compile error")
		}
	})

	t.Run("WrongOutputType", func(t *testing.T) {
		err := engine.ValidateRule(domain.RiskRule{ID: "str", Expression: `email + "x"`})
		if err == nil {
			t.Error("expected output type error for string expression")
		}
	})

	t.Run("MissingID", func(t *testing.T) {
		if err := engine.ValidateRule(domain.RiskRule{Expression: "has_tax_id"}); err == nil {
			t.Error("expected error for missing rule id")
		}
	})

	if engine.RulesCount() != 0 {
		t.Errorf("invalid rules must not be loaded, got %d", engine.RulesCount())
	}
}

func TestDefaultScoring(t *testing.T) {
	engine := newTestEngine(t)

	tests := []struct {
		name   string
		mutate func(domain.Submission)
		want   int
	}{
		{"Clean", func(s domain.Submission) {}, 100},
		{"GmailEmail", func(s domain.Submission) { s["email"] = "founder@gmail.com" }, 90},
		{"YahooEmailUppercase", func(s domain.Submission) { s["email"] = "Founder@YAHOO.com" }, 90},
		{"HotmailNotPenalised", func(s domain.Submission) { s["email"] = "founder@hotmail.com" }, 100},
		{"MissingTaxID", func(s domain.Submission) { delete(s, "tax_id") }, 80},
		{"EmptyTaxID", func(s domain.Submission) { s["tax_id"] = "" }, 80},
		{"MissingCity", func(s domain.Submission) { delete(s, "city") }, 90},
		{"MissingAddressAndState", func(s domain.Submission) { delete(s, "address"); delete(s, "state") }, 90},
		{"MissingZipOnly", func(s domain.Submission) { delete(s, "zip") }, 100},
		{"HighRiskIndustry", func(s domain.Submission) { s["industry"] = "Gambling" }, 85},
		{"IndustryCaseSensitive", func(s domain.Submission) { s["industry"] = "gambling" }, 100},
		{"FiveControls", func(s domain.Submission) {
			for i, c := range domain.SecurityControls {
				s[c.Key] = i < 5
			}
		}, 100},
		{"FourControls", func(s domain.Submission) {
			for i, c := range domain.SecurityControls {
				s[c.Key] = i < 4
			}
		}, 78},
		{"NoControls", func(s domain.Submission) {
			for _, c := range domain.SecurityControls {
				delete(s, c.Key)
			}
		}, 70},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := cleanSubmission()
			tt.mutate(sub)
			if got := engine.Score(sub); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestScoreEmptySubmission(t *testing.T) {
	engine := newTestEngine(t)

	// 100 - 20 (tax id) - 10 (address) - 30 (no controls)
	if got := engine.Score(domain.Submission{}); got != 40 {
		t.Errorf("expected 40, got %d", got)
	}
}

func TestScoreClampedAtZero(t *testing.T) {
	engine, _ := NewEngine(100, nil)
	if err := engine.LoadRule(domain.RiskRule{ID: "huge", Expression: "true", Penalty: 500, Enabled: true}); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	if got := engine.Score(domain.Submission{}); got != 0 {
		t.Errorf("expected score clamped to 0, got %d", got)
	}
}

func TestScoreMonotonic(t *testing.T) {
	engine := newTestEngine(t)

	base := domain.Submission{
		"email":    "someone@gmail.com",
		"industry": "Cannabis",
	}

	t.Run("AddingTaxID", func(t *testing.T) {
		with := base.Clone()
		with["tax_id"] = "99-1234567"
		if engine.Score(with) < engine.Score(base) {
			t.Error("adding tax id decreased score")
		}
	})

	t.Run("AddingAddress", func(t *testing.T) {
		with := base.Clone()
		with["address"] = "1 Main St"
		with["city"] = "Austin"
		with["state"] = "TX"
		if engine.Score(with) < engine.Score(base) {
			t.Error("adding address decreased score")
		}
	})

	t.Run("EnablingEachControl", func(t *testing.T) {
		sub := base.Clone()
		prev := engine.Score(sub)
		for _, c := range domain.SecurityControls {
			sub[c.Key] = true
			got := engine.Score(sub)
			if got < prev {
				t.Errorf("enabling %s decreased score from %d to %d", c.Key, prev, got)
			}
			prev = got
		}
	})
}

func TestBreakdown(t *testing.T) {
	engine := newTestEngine(t)

	sub := cleanSubmission()
	sub["email"] = "x@gmail.com"
	delete(sub, "tax_id")

	b := engine.Breakdown(sub)

	if b.BaseScore != 100 {
		t.Errorf("expected base score 100, got %d", b.BaseScore)
	}
	if b.Score != 70 {
		t.Errorf("expected score 70, got %d", b.Score)
	}
	if len(b.Penalties) != len(BuiltinRules()) {
		t.Fatalf("expected %d penalties, got %d", len(BuiltinRules()), len(b.Penalties))
	}

	penalties := make(map[string]int)
	for _, p := range b.Penalties {
		penalties[p.RuleID] = p.Penalty
	}
	if penalties["free-email"] != 10 {
		t.Errorf("expected free-email penalty 10, got %d", penalties["free-email"])
	}
	if penalties["missing-tax-id"] != 20 {
		t.Errorf("expected missing-tax-id penalty 20, got %d", penalties["missing-tax-id"])
	}
	if penalties["weak-security-posture"] != 0 {
		t.Errorf("expected no posture penalty, got %d", penalties["weak-security-posture"])
	}
}

func TestRuleEvaluationErrorContributesNothing(t *testing.T) {
	engine, _ := NewEngine(100, nil)

	// Missing map keys fail at evaluation time, not compile time.
	err := engine.LoadRule(domain.RiskRule{
		ID:         "needs-field",
		Name:       "needs field",
		Expression: `submission["annual_revenue"] < 1000.0`,
		Penalty:    25,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	b := engine.Breakdown(domain.Submission{})
	if b.Score != 100 {
		t.Errorf("expected failing rule to contribute 0, got score %d", b.Score)
	}
	if len(b.Penalties) != 1 || b.Penalties[0].Error == "" {
		t.Errorf("expected recorded evaluation error, got %+v", b.Penalties)
	}

	b = engine.Breakdown(domain.Submission{"annual_revenue": 500})
	if b.Score != 75 {
		t.Errorf("expected 75 once field present, got %d", b.Score)
	}
}

func TestReloadRules(t *testing.T) {
	engine := newTestEngine(t)

	err := engine.ReloadRules([]domain.RiskRule{
		{ID: "contractor", Expression: `submission_type == "contractor"`, Penalty: 5, Enabled: true},
		{ID: "disabled", Expression: "true", Penalty: 50, Enabled: false},
	})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	if engine.RulesCount() != 1 {
		t.Fatalf("expected 1 rule after reload, got %d", engine.RulesCount())
	}
	if got := engine.Score(domain.Submission{"type": "Contractor"}); got != 95 {
		t.Errorf("expected 95, got %d", got)
	}

	t.Run("FailedReloadKeepsRules", func(t *testing.T) {
		err := engine.ReloadRules([]domain.RiskRule{{ID: "bad", Expression: "(((", Enabled: true}})
		if err == nil {
			t.Fatal("expected reload error")
		}
		if engine.RulesCount() != 1 {
			t.Errorf("expected previous rules kept, got %d", engine.RulesCount())
		}
	})
}

func TestLoadRulesDecodedWithoutEnabled(t *testing.T) {
	var configs []domain.RiskRule
	data := `[
		{"id": "missing-tax-id", "expression": "!has_tax_id", "penalty": 40},
		{"id": "contractor", "expression": "submission_type == \"contractor\"", "penalty": 5, "enabled": false}
	]`
	if err := json.Unmarshal([]byte(data), &configs); err != nil {
		t.Fatalf("failed to decode rules: %v", err)
	}

	engine, err := NewEngine(100, nil)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if err := engine.LoadRules(configs); err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}

	if engine.RulesCount() != 1 {
		t.Fatalf("expected 1 active rule, got %d", engine.RulesCount())
	}
	if got := engine.Score(domain.Submission{"type": "contractor"}); got != 60 {
		t.Errorf("expected 60, got %d", got)
	}
}

func TestLoadRuleReplacesByID(t *testing.T) {
	engine := newTestEngine(t)
	count := engine.RulesCount()

	err := engine.LoadRule(domain.RiskRule{ID: "missing-tax-id", Name: "missing tax identifier", Expression: "!has_tax_id", Penalty: 40, Enabled: true})
	if err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}
	if engine.RulesCount() != count {
		t.Errorf("expected %d rules, got %d", count, engine.RulesCount())
	}

	sub := cleanSubmission()
	delete(sub, "tax_id")
	if got := engine.Score(sub); got != 60 {
		t.Errorf("expected 60 with replaced penalty, got %d", got)
	}
}

func TestConcurrentScoring(t *testing.T) {
	engine := newTestEngine(t)
	sub := cleanSubmission()

	var wg sync.WaitGroup
	errs := make(chan int, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := engine.Score(sub); got != 100 {
				errs <- got
			}
		}()
	}
	wg.Wait()
	close(errs)

	for got := range errs {
		t.Errorf("concurrent score mismatch: %d", got)
	}
}
