// Package metrics defines the Prometheus collectors Kestrel exports.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/model"
)

var (
	evaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_evaluations_total",
		Help: "Total number of evaluated submissions by final status",
	}, []string{"status"})

	evaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kestrel_evaluation_duration_seconds",
		Help:    "Time spent evaluating one submission",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	classifierAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_classifier_attempts_total",
		Help: "Model family attempts by outcome",
	}, []string{"family", "result"})

	classifierFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_classifier_fallback_total",
		Help: "Times the classifier fell back to the next model family",
	})

	classifierDefaults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_classifier_default_total",
		Help: "Evaluations that used the conservative default because every family failed",
	})

	modelInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kestrel_model_info",
		Help: "Active model family and the artifact source it was loaded from",
	}, []string{"family", "source"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_decision_cache_lookups_total",
		Help: "Decision cache lookups by result (hit, miss, error)",
	}, []string{"result"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kestrel_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// ObserveEvaluation records a finished evaluation.
func ObserveEvaluation(outcome domain.DecisionOutcome, d time.Duration) {
	evaluationsTotal.WithLabelValues(string(outcome.Status)).Inc()
	evaluationDuration.Observe(d.Seconds())
	if outcome.FraudDetail.ModelType == domain.ModelTypeFallback {
		classifierDefaults.Inc()
	}
}

// ObserveAttempt records one model family attempt. It matches the
// classifier's attempt observer signature.
func ObserveAttempt(family model.Family, err error) {
	if err != nil {
		classifierAttempts.WithLabelValues(string(family), "failure").Inc()
		classifierFallbacks.Inc()
		return
	}
	classifierAttempts.WithLabelValues(string(family), "success").Inc()
}

// SetModel publishes the active model family and source.
func SetModel(family model.Family, source string) {
	modelInfo.Reset()
	modelInfo.WithLabelValues(string(family), source).Set(1)
}

// ObserveCache records a decision cache lookup result.
func ObserveCache(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}

// ObserveRequest records one HTTP request.
func ObserveRequest(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "not_found"
	}
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
