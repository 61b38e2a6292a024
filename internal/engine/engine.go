// Package engine runs the full evaluation of a submission: PII detection,
// heuristic scoring, fraud classification and the decision policy.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pii"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

var tracer = otel.Tracer("kestrel-engine")

// Scorer computes the heuristic risk score.
type Scorer interface {
	Breakdown(sub domain.Submission) domain.HeuristicBreakdown
	RulesCount() int
}

// Classifier produces the fraud result. It must never fail.
type Classifier interface {
	Classify(ctx context.Context, sub domain.Submission) domain.FraudResult
}

// Decider fuses the analyses into the final outcome.
type Decider interface {
	Decide(sub domain.Submission, fraud domain.FraudResult, heuristic int) domain.DecisionOutcome
}

// Engine evaluates submissions. It is safe for concurrent use.
type Engine struct {
	scorer     Scorer
	classifier Classifier
	policy     Decider

	cache       domain.Cache
	decisionTTL time.Duration
	velocity    *velocity.Service

	logger      *slog.Logger
	version     string
	modelSource string
	maxWorkers  int
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache memoizes evaluations by submission fingerprint for ttl.
func WithCache(cache domain.Cache, ttl time.Duration) Option {
	return func(e *Engine) {
		e.cache = cache
		e.decisionTTL = ttl
	}
}

// WithVelocity counts resubmissions of the same identity.
func WithVelocity(v *velocity.Service) Option {
	return func(e *Engine) { e.velocity = v }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithVersion sets the engine version reported in evaluation metadata.
func WithVersion(version string) Option {
	return func(e *Engine) { e.version = version }
}

// WithModelSource sets the artifact source reported in evaluation metadata.
func WithModelSource(source string) Option {
	return func(e *Engine) { e.modelSource = source }
}

// WithMaxWorkers bounds the parallelism of EvaluateBatch.
func WithMaxWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxWorkers = n
		}
	}
}

// New creates an engine from its three analyses.
func New(scorer Scorer, classifier Classifier, policy Decider, opts ...Option) *Engine {
	e := &Engine{
		scorer:      scorer,
		classifier:  classifier,
		policy:      policy,
		decisionTTL: 5 * time.Minute,
		logger:      slog.Default(),
		version:     "dev",
		maxWorkers:  8,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Version returns the engine version.
func (e *Engine) Version() string {
	return e.version
}

// Evaluate runs the full pipeline on one submission. It always returns an
// evaluation with a valid status.
func (e *Engine) Evaluate(ctx context.Context, sub domain.Submission) *domain.Evaluation {
	start := time.Now()
	if sub == nil {
		sub = domain.Submission{}
	}

	ctx, span := tracer.Start(ctx, "engine.Evaluate", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	id := uuid.New().String()
	traceID := id
	if sc := span.SpanContext(); sc.TraceID().IsValid() {
		traceID = sc.TraceID().String()
	}

	fingerprint := sub.Fingerprint()

	eval, cached := e.lookup(ctx, fingerprint)
	if !cached {
		eval = e.evaluate(ctx, sub)
		eval.Fingerprint = fingerprint
		e.store(ctx, eval)
	}

	eval.ID = id
	eval.Timestamp = start.UTC()
	eval.Metadata.TraceID = traceID
	eval.Metadata.Cached = cached
	eval.Metadata.EngineVersion = e.version
	eval.Metadata.ModelSource = e.modelSource

	if e.velocity != nil {
		n, err := e.velocity.Record(ctx, sub)
		if err != nil {
			e.logger.WarnContext(ctx, "resubmission count unavailable", "error", err)
		}
		eval.Metadata.Resubmissions = n
	}

	elapsed := time.Since(start)
	eval.Metadata.DurationMs = elapsed.Milliseconds()

	span.SetAttributes(
		attribute.String("evaluation.id", id),
		attribute.String("evaluation.status", string(eval.Outcome.Status)),
		attribute.Int("evaluation.risk_score", eval.Outcome.RiskScore),
		attribute.Float64("evaluation.fraud_score", eval.Outcome.FraudScore),
		attribute.String("evaluation.model_type", eval.Outcome.FraudDetail.ModelType),
		attribute.Bool("evaluation.cached", cached),
	)
	metrics.ObserveEvaluation(eval.Outcome, elapsed)

	e.logger.DebugContext(ctx, "submission evaluated",
		"evaluation_id", id,
		"status", eval.Outcome.Status,
		"risk_score", eval.Outcome.RiskScore,
		"fraud_score", eval.Outcome.FraudScore,
		"model_type", eval.Outcome.FraudDetail.ModelType,
		"cached", cached,
	)

	return eval
}

// evaluate runs the three analyses and the policy.
func (e *Engine) evaluate(ctx context.Context, sub domain.Submission) *domain.Evaluation {
	findings := pii.Detect(sub)
	breakdown := e.scorer.Breakdown(sub)
	fraud := e.classifier.Classify(ctx, sub)
	outcome := e.policy.Decide(sub, fraud, breakdown.Score)

	return &domain.Evaluation{
		Outcome:   outcome,
		PII:       findings,
		Heuristic: breakdown,
		Posture:   domain.Posture(sub),
		Metadata: domain.EvaluationMetadata{
			RulesApplied: e.scorer.RulesCount(),
		},
	}
}

// EvaluateBatch evaluates submissions in parallel with bounded concurrency.
// Results are returned in input order.
func (e *Engine) EvaluateBatch(ctx context.Context, subs []domain.Submission) []*domain.Evaluation {
	results := make([]*domain.Evaluation, len(subs))
	var wg sync.WaitGroup

	sem := make(chan struct{}, e.maxWorkers)

	for i, sub := range subs {
		wg.Add(1)
		go func(idx int, s domain.Submission) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = e.Evaluate(ctx, s)
		}(i, sub)
	}

	wg.Wait()
	return results
}

func cacheKey(fingerprint string) string {
	return "decision:" + fingerprint
}

// lookup returns a cached evaluation for the fingerprint, if any.
// Cache failures are logged and treated as a miss.
func (e *Engine) lookup(ctx context.Context, fingerprint string) (*domain.Evaluation, bool) {
	if e.cache == nil || fingerprint == "" {
		return nil, false
	}

	data, err := e.cache.Get(ctx, cacheKey(fingerprint))
	if err != nil {
		metrics.ObserveCache("error")
		e.logger.WarnContext(ctx, "decision cache read failed", "error", err)
		return nil, false
	}
	if data == nil {
		metrics.ObserveCache("miss")
		return nil, false
	}

	var eval domain.Evaluation
	if err := json.Unmarshal(data, &eval); err != nil || !eval.Outcome.Status.Valid() {
		metrics.ObserveCache("error")
		e.logger.WarnContext(ctx, "discarding unreadable cached decision", "error", err)
		return nil, false
	}

	metrics.ObserveCache("hit")
	return &eval, true
}

func (e *Engine) store(ctx context.Context, eval *domain.Evaluation) {
	if e.cache == nil || eval.Fingerprint == "" || e.decisionTTL <= 0 {
		return
	}

	data, err := json.Marshal(eval)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to encode decision for cache", "error", err)
		return
	}
	if err := e.cache.Set(ctx, cacheKey(eval.Fingerprint), data, e.decisionTTL); err != nil {
		e.logger.WarnContext(ctx, "decision cache write failed", "error", err)
	}
}
