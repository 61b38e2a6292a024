// Package worker evaluates submissions received on the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/policy"
)

// Evaluator runs the decision engine on one submission.
type Evaluator interface {
	Evaluate(ctx context.Context, sub domain.Submission) *domain.Evaluation
}

// ErrStopped is returned for messages delivered after Stop.
var ErrStopped = errors.New("worker stopped")

// SubmissionMessage is the payload published on TopicSubmissionReceived.
type SubmissionMessage struct {
	SubmissionID string            `json:"submissionId"`
	TraceID      string            `json:"traceId,omitempty"`
	Submission   domain.Submission `json:"submission"`
}

// DecisionMessage is the payload published on TopicDecision and
// TopicDecisionFlagged.
type DecisionMessage struct {
	SubmissionID string                     `json:"submissionId"`
	Evaluation   *domain.EvaluationResponse `json:"evaluation"`
}

// Worker consumes submissions from the EventBus, evaluates them, saves the
// result and publishes the decision.
type Worker struct {
	bus       domain.EventBus
	repo      domain.Repository
	evaluator Evaluator
	logger    *slog.Logger

	sem           chan struct{}
	subscriptions []domain.Subscription
	mu            sync.Mutex
	stopped       bool
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates an async worker. repo may be nil, in which case
// decisions are published but not saved.
func NewWorker(eventBus domain.EventBus, repo domain.Repository, evaluator Evaluator, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       eventBus,
		repo:      repo,
		evaluator: evaluator,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to TopicSubmissionReceived. At most concurrency
// submissions are evaluated at once.
func (w *Worker) Start(concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.sem = make(chan struct{}, concurrency)

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicSubmissionReceived, w.dispatch)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicSubmissionReceived, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	w.logger.Info("worker started",
		"topic", domain.TopicSubmissionReceived,
		"concurrency", concurrency,
	)
	return nil
}

// dispatch hands a message to a goroutine once a slot is free.
func (w *Worker) dispatch(ctx context.Context, msg *domain.Message) error {
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	// wg.Add must not race with wg.Wait in Stop.
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.sem
		return ErrStopped
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()

		// In-flight work outlives the subscription until Stop returns.
		if err := w.Process(bus.WithTraceID(w.ctx, bus.TraceID(ctx)), msg); err != nil {
			w.logger.Error("failed to process submission",
				"message_id", msg.ID,
				"error", err,
			)
		}
	}()
	return nil
}

// Process evaluates one submission message. Persistence and publish
// failures are logged; only an unreadable payload is returned as an error.
func (w *Worker) Process(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var in SubmissionMessage
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		return fmt.Errorf("failed to parse submission message: %w", err)
	}

	submissionID := in.SubmissionID
	if submissionID == "" {
		submissionID = msg.ID
	}

	traceID := in.TraceID
	if traceID == "" {
		traceID = bus.TraceID(ctx)
	}
	ctx = bus.WithTraceID(ctx, traceID)

	eval := w.evaluator.Evaluate(ctx, in.Submission)
	if traceID != "" {
		eval.Metadata.TraceID = traceID
	}

	if w.repo != nil {
		if err := w.repo.SaveEvaluation(ctx, eval); err != nil {
			w.logger.Error("failed to save evaluation",
				"submission_id", submissionID,
				"evaluation_id", eval.ID,
				"error", err,
			)
		}
	}

	payload, err := json.Marshal(DecisionMessage{
		SubmissionID: submissionID,
		Evaluation:   eval.ToResponse(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}

	if err := w.bus.Publish(ctx, domain.TopicDecision, payload); err != nil {
		w.logger.Error("failed to publish decision",
			"submission_id", submissionID,
			"error", err,
		)
	}

	if policy.ShouldAlert(eval.Outcome) {
		if err := w.bus.Publish(ctx, domain.TopicDecisionFlagged, payload); err != nil {
			w.logger.Error("failed to publish flagged decision",
				"submission_id", submissionID,
				"error", err,
			)
		}
	}

	w.logger.Info("submission processed",
		"submission_id", submissionID,
		"evaluation_id", eval.ID,
		"status", eval.Outcome.Status,
		"risk_score", eval.Outcome.RiskScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop unsubscribes and waits for in-flight submissions to finish.
// Messages delivered afterwards are rejected with ErrStopped.
func (w *Worker) Stop() error {
	w.mu.Lock()
	w.stopped = true
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.wg.Wait()
	w.cancel()

	w.logger.Info("worker stopped")
	return nil
}

// Stats describes the worker's subscriptions.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	InFlight          int      `json:"inFlight"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		InFlight:          len(w.sem),
	}
}
