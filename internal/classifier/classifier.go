// Package classifier runs a submission through the loaded model families,
// falling back down the ladder until one produces a result.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/model"
)

// AttemptObserver is notified of every family attempt.
type AttemptObserver func(family model.Family, err error)

// Classifier produces a FraudResult for each submission. It never fails.
type Classifier struct {
	handle   *model.Handle
	logger   *slog.Logger
	observer AttemptObserver
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Classifier) { c.logger = logger }
}

// WithObserver registers a callback for each attempt, used for metrics.
func WithObserver(fn AttemptObserver) Option {
	return func(c *Classifier) { c.observer = fn }
}

// New creates a classifier over a loaded handle. A nil handle yields the
// conservative default for every submission.
func New(handle *model.Handle, opts ...Option) *Classifier {
	c := &Classifier{handle: handle, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle returns the handle the classifier was built with.
func (c *Classifier) Handle() *model.Handle {
	return c.handle
}

// attempt is the outcome of one family: a result, or the reason it failed.
type attempt struct {
	family model.Family
	result domain.FraudResult
	err    error
}

// Classify walks the handle's chain and returns the first successful
// result, or the conservative default when every family fails.
func (c *Classifier) Classify(ctx context.Context, sub domain.Submission) domain.FraudResult {
	if c.handle == nil {
		c.logger.WarnContext(ctx, "no classifier handle loaded, using conservative default")
		return domain.ConservativeFraudResult()
	}

	var failures []any
	for _, v := range c.handle.Chain() {
		a := c.try(v, sub)
		if c.observer != nil {
			c.observer(a.family, a.err)
		}
		if a.err == nil {
			return a.result
		}

		c.logger.DebugContext(ctx, "model family failed, falling back", "family", a.family, "error", a.err)
		failures = append(failures, string(a.family), a.err.Error())
	}

	c.logger.WarnContext(ctx, "all model families failed, using conservative default", failures...)
	return domain.ConservativeFraudResult()
}

// try runs a single family. Panics inside a model are reported as failures.
func (c *Classifier) try(v model.Variant, sub domain.Submission) (a attempt) {
	a.family = v.Family()
	defer func() {
		if r := recover(); r != nil {
			a.err = fmt.Errorf("panic: %v", r)
		}
	}()

	switch m := v.(type) {
	case model.Supervised:
		a.result, a.err = c.supervised(m, sub)
	case model.Anomaly:
		a.result, a.err = c.anomaly(m, sub)
	default:
		a.err = fmt.Errorf("unsupported model variant %T", v)
	}
	return a
}

func (c *Classifier) supervised(v model.Supervised, sub domain.Submission) (domain.FraudResult, error) {
	schema := c.handle.Schema()
	if len(schema) == 0 {
		return domain.FraudResult{}, fmt.Errorf("no feature schema")
	}

	x := features.Reindex(features.Named(sub), schema)
	scaled, err := c.handle.Scaler().Transform(x)
	if err != nil {
		return domain.FraudResult{}, fmt.Errorf("scale: %w", err)
	}

	p, err := v.Model.PredictProba(scaled)
	if err != nil {
		return domain.FraudResult{}, fmt.Errorf("predict: %w", err)
	}
	if math.IsNaN(p) || p < 0 || p > 1 {
		return domain.FraudResult{}, fmt.Errorf("probability %v out of range", p)
	}

	return domain.FraudResult{
		IsFraud:    p > 0.5,
		FraudScore: p,
		RiskLevel:  domain.RiskLevelFor(p),
		ModelType:  v.ModelType(),
		RawDetail: map[string]any{
			"fraud_probability":      p,
			"legitimate_probability": 1 - p,
		},
	}, nil
}

func (c *Classifier) anomaly(v model.Anomaly, sub domain.Submission) (domain.FraudResult, error) {
	scaled, err := v.Scaler.Transform(features.Legacy(sub))
	if err != nil {
		return domain.FraudResult{}, fmt.Errorf("scale: %w", err)
	}

	s, err := v.Model.ScoreSample(scaled)
	if err != nil {
		return domain.FraudResult{}, fmt.Errorf("score: %w", err)
	}
	if math.IsNaN(s) {
		return domain.FraudResult{}, fmt.Errorf("anomaly score is NaN")
	}

	score := AnomalyFraudScore(s)
	return domain.FraudResult{
		IsFraud:    v.Model.IsOutlier(s),
		FraudScore: score,
		RiskLevel:  domain.RiskLevelFor(score),
		ModelType:  v.ModelType(),
		RawDetail: map[string]any{
			"anomaly_score": s,
		},
	}, nil
}

// AnomalyFraudScore maps a raw anomaly score onto [0,1].
func AnomalyFraudScore(s float64) float64 {
	return math.Max(0, math.Min(1, (1-(s+0.5))/2))
}
