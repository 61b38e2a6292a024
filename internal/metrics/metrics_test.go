package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/model"
)

// sample returns the value of the metric with the given name and labels.
func sample(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func TestObserveEvaluation(t *testing.T) {
	before := sample(t, "kestrel_evaluations_total", map[string]string{"status": "flagged"})
	defaults := sample(t, "kestrel_classifier_default_total", nil)

	ObserveEvaluation(domain.DecisionOutcome{
		Status:      domain.StatusFlagged,
		FraudDetail: domain.ConservativeFraudResult(),
	}, 3*time.Millisecond)

	if got := sample(t, "kestrel_evaluations_total", map[string]string{"status": "flagged"}); got != before+1 {
		t.Errorf("expected %v, got %v", before+1, got)
	}
	if got := sample(t, "kestrel_classifier_default_total", nil); got != defaults+1 {
		t.Errorf("expected default counter %v, got %v", defaults+1, got)
	}
}

func TestObserveAttempt(t *testing.T) {
	fallbacks := sample(t, "kestrel_classifier_fallback_total", nil)

	ObserveAttempt(model.FamilyXGBoost, errors.New("boom"))
	ObserveAttempt(model.FamilyLightGBM, nil)

	if got := sample(t, "kestrel_classifier_fallback_total", nil); got != fallbacks+1 {
		t.Errorf("expected %v fallbacks, got %v", fallbacks+1, got)
	}
	if got := sample(t, "kestrel_classifier_attempts_total", map[string]string{"family": "lightgbm", "result": "success"}); got < 1 {
		t.Errorf("expected a lightgbm success, got %v", got)
	}
}

func TestSetModel(t *testing.T) {
	SetModel(model.FamilyRandomForest, "models/a.json")
	SetModel(model.FamilyIsolationForest, "synthetic")

	if got := sample(t, "kestrel_model_info", map[string]string{"family": "isolation_forest", "source": "synthetic"}); got != 1 {
		t.Errorf("expected active model gauge 1, got %v", got)
	}
	if got := sample(t, "kestrel_model_info", map[string]string{"family": "random_forest"}); got != 0 {
		t.Errorf("expected previous model to be cleared, got %v", got)
	}
}

func TestObserveRequest(t *testing.T) {
	ObserveRequest("POST", "", 404, time.Millisecond)

	if got := sample(t, "kestrel_http_requests_total", map[string]string{"route": "not_found", "status": "404"}); got < 1 {
		t.Errorf("expected not_found request to be counted, got %v", got)
	}
}
