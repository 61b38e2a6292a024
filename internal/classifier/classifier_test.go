package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/model"
)

type fixedModel struct {
	p   float64
	err error
}

func (m fixedModel) PredictProba(x []float64) (float64, error) {
	return m.p, m.err
}

type panicModel struct{}

func (panicModel) PredictProba(x []float64) (float64, error) {
	panic("corrupted weights")
}

type brokenAnomaly struct{}

func (brokenAnomaly) ScoreSample(x []float64) (float64, error) {
	return 0, errors.New("tree walk failed")
}

func (brokenAnomaly) IsOutlier(score float64) bool { return false }

var schema = []string{"tax_id_provided", "security_controls_count", "address_complete"}

func identityScaler(n int) *model.Scaler {
	s := &model.Scaler{Mean: make([]float64, n), Scale: make([]float64, n)}
	for i := range s.Scale {
		s.Scale[i] = 1
	}
	return s
}

func submission() domain.Submission {
	return domain.Submission{
		"company_name": "Acme LLC",
		"email":        "ops@acme.io",
		"tax_id":       "12-3456789",
		"mfaEnabled":   true,
	}
}

func syntheticAnomaly(t *testing.T) model.Anomaly {
	t.Helper()
	forest, scaler, err := model.SyntheticBaseline(42)
	if err != nil {
		t.Fatalf("baseline failed: %v", err)
	}
	return model.Anomaly{Model: forest, Scaler: scaler}
}

func TestClassifySupervised(t *testing.T) {
	tests := []struct {
		name    string
		p       float64
		level   domain.RiskLevel
		isFraud bool
	}{
		{"Low", 0.02, domain.RiskLow, false},
		{"MediumBoundary", 0.3, domain.RiskMedium, false},
		{"HalfIsNotFraud", 0.5, domain.RiskMedium, false},
		{"HighBoundary", 0.7, domain.RiskHigh, true},
		{"Certain", 1, domain.RiskHigh, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := model.NewHandle("test", schema, identityScaler(len(schema)),
				model.Supervised{Kind: model.FamilyRandomForest, Model: fixedModel{p: tt.p}},
			)
			r := New(h).Classify(context.Background(), submission())

			if r.FraudScore != tt.p {
				t.Errorf("expected score %f, got %f", tt.p, r.FraudScore)
			}
			if r.RiskLevel != tt.level {
				t.Errorf("expected level %s, got %s", tt.level, r.RiskLevel)
			}
			if r.IsFraud != tt.isFraud {
				t.Errorf("expected isFraud %v, got %v", tt.isFraud, r.IsFraud)
			}
			if r.ModelType != "random_forest" {
				t.Errorf("expected random_forest, got %s", r.ModelType)
			}
			if r.RawDetail["legitimate_probability"] != 1-tt.p {
				t.Errorf("expected legitimate probability %f, got %v", 1-tt.p, r.RawDetail["legitimate_probability"])
			}
		})
	}
}

func TestFallbackLadder(t *testing.T) {
	ctx := context.Background()

	t.Run("BestFailsFallsToNextFamily", func(t *testing.T) {
		h := model.NewHandle("test", schema, identityScaler(len(schema)),
			model.Supervised{Kind: model.FamilyBest, Label: "random_forest", Model: fixedModel{err: errors.New("boom")}},
			model.Supervised{Kind: model.FamilyXGBoost, Model: fixedModel{p: 0.2}},
			model.Supervised{Kind: model.FamilyRandomForest, Model: fixedModel{p: 0.9}},
		)
		r := New(h).Classify(ctx, submission())

		if r.ModelType != "xgboost" {
			t.Errorf("expected xgboost after best failed, got %s", r.ModelType)
		}
		if r.FraudScore < 0 || r.FraudScore > 1 {
			t.Errorf("score out of range: %f", r.FraudScore)
		}
	})

	t.Run("PanicIsRecovered", func(t *testing.T) {
		h := model.NewHandle("test", schema, identityScaler(len(schema)),
			model.Supervised{Kind: model.FamilyBest, Model: panicModel{}},
			model.Supervised{Kind: model.FamilyLightGBM, Model: fixedModel{p: 0.4}},
		)
		r := New(h).Classify(ctx, submission())

		if r.ModelType != "lightgbm" {
			t.Errorf("expected lightgbm after panic, got %s", r.ModelType)
		}
	})

	t.Run("ScalerMismatchFallsToAnomaly", func(t *testing.T) {
		h := model.NewHandle("test", schema, identityScaler(2),
			model.Supervised{Kind: model.FamilyRandomForest, Model: fixedModel{p: 0.1}},
			syntheticAnomaly(t),
		)
		r := New(h).Classify(ctx, submission())

		if r.ModelType != "isolation_forest" {
			t.Errorf("expected isolation_forest, got %s", r.ModelType)
		}
		if _, ok := r.RawDetail["anomaly_score"]; !ok {
			t.Error("expected anomaly_score in raw detail")
		}
		if r.FraudScore < 0 || r.FraudScore > 1 {
			t.Errorf("score out of range: %f", r.FraudScore)
		}
	})

	t.Run("MissingSchemaFallsThrough", func(t *testing.T) {
		h := model.NewHandle("test", nil, nil,
			model.Supervised{Kind: model.FamilyRandomForest, Model: fixedModel{p: 0.1}},
			syntheticAnomaly(t),
		)
		if r := New(h).Classify(ctx, submission()); r.ModelType != "isolation_forest" {
			t.Errorf("expected isolation_forest, got %s", r.ModelType)
		}
	})

	t.Run("OutOfRangeProbabilityFallsThrough", func(t *testing.T) {
		h := model.NewHandle("test", schema, nil,
			model.Supervised{Kind: model.FamilyXGBoost, Model: fixedModel{p: 1.7}},
			model.Supervised{Kind: model.FamilyLightGBM, Model: fixedModel{p: 0.6}},
		)
		if r := New(h).Classify(ctx, submission()); r.ModelType != "lightgbm" {
			t.Errorf("expected lightgbm, got %s", r.ModelType)
		}
	})
}

func TestConservativeDefault(t *testing.T) {
	ctx := context.Background()
	want := domain.ConservativeFraudResult()

	t.Run("AllFamiliesFail", func(t *testing.T) {
		h := model.NewHandle("test", schema, identityScaler(len(schema)),
			model.Supervised{Kind: model.FamilyBest, Model: fixedModel{err: errors.New("a")}},
			model.Supervised{Kind: model.FamilyXGBoost, Model: panicModel{}},
			model.Supervised{Kind: model.FamilyLightGBM, Model: nil},
			model.Supervised{Kind: model.FamilyRandomForest, Model: fixedModel{err: errors.New("d")}},
			model.Anomaly{Model: brokenAnomaly{}},
		)
		r := New(h).Classify(ctx, submission())

		if r.ModelType != domain.ModelTypeFallback || r.FraudScore != 0.5 || r.IsFraud || r.RiskLevel != domain.RiskMedium {
			t.Errorf("expected %+v, got %+v", want, r)
		}
	})

	t.Run("NilHandle", func(t *testing.T) {
		if r := New(nil).Classify(ctx, submission()); r.ModelType != domain.ModelTypeFallback {
			t.Errorf("expected fallback, got %s", r.ModelType)
		}
	})

	t.Run("EmptyHandle", func(t *testing.T) {
		if r := New(model.NewHandle("empty", nil, nil)).Classify(ctx, submission()); r.ModelType != domain.ModelTypeFallback {
			t.Errorf("expected fallback, got %s", r.ModelType)
		}
	})
}

func TestObserver(t *testing.T) {
	var attempts []model.Family
	var failed int

	h := model.NewHandle("test", schema, identityScaler(len(schema)),
		model.Supervised{Kind: model.FamilyBest, Model: fixedModel{err: errors.New("x")}},
		model.Supervised{Kind: model.FamilyRandomForest, Model: fixedModel{p: 0.1}},
	)
	New(h, WithObserver(func(f model.Family, err error) {
		attempts = append(attempts, f)
		if err != nil {
			failed++
		}
	})).Classify(context.Background(), submission())

	if len(attempts) != 2 || attempts[0] != model.FamilyBest || attempts[1] != model.FamilyRandomForest {
		t.Errorf("unexpected attempts %v", attempts)
	}
	if failed != 1 {
		t.Errorf("expected 1 failed attempt, got %d", failed)
	}
}

func TestAnomalyFraudScore(t *testing.T) {
	tests := []struct {
		s    float64
		want float64
	}{
		{-0.5, 0.5},
		{-1, 0.75},
		{0.5, 0},
		{-3, 1},
	}
	for _, tt := range tests {
		if got := AnomalyFraudScore(tt.s); got != tt.want {
			t.Errorf("AnomalyFraudScore(%v) = %v, want %v", tt.s, got, tt.want)
		}
	}
}
