package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// requiredFields must be present and non-empty on every submission
// accepted over HTTP.
var requiredFields = []string{"company_name", "email"}

// Evaluator is the decision engine as seen by the HTTP layer.
type Evaluator interface {
	Evaluate(ctx context.Context, sub domain.Submission) *domain.Evaluation
	EvaluateBatch(ctx context.Context, subs []domain.Submission) []*domain.Evaluation
	Version() string
}

// RuleSet exposes the loaded heuristic rules.
type RuleSet interface {
	GetLoadedRules() []domain.RiskRule
	ValidateRule(cfg domain.RiskRule) error
}

// Dependencies wires the handler. Only Engine is required.
type Dependencies struct {
	Engine Evaluator
	Rules  RuleSet
	Model  *model.Handle
	Repo   domain.Repository
	Cache  domain.Cache
	Bus    domain.EventBus

	// MaxBatchSize bounds POST /evaluate/batch; zero means 500.
	MaxBatchSize int
}

// Handler holds dependencies for API handlers.
type Handler struct {
	engine       Evaluator
	rules        RuleSet
	model        *model.Handle
	repo         domain.Repository
	cache        domain.Cache
	bus          domain.EventBus
	maxBatchSize int
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies) *Handler {
	maxBatch := deps.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = 500
	}
	return &Handler{
		engine:       deps.Engine,
		rules:        deps.Rules,
		model:        deps.Model,
		repo:         deps.Repo,
		cache:        deps.Cache,
		bus:          deps.Bus,
		maxBatchSize: maxBatch,
	}
}

// BatchRequest is the request body for POST /evaluate/batch.
type BatchRequest struct {
	Submissions []json.RawMessage `json:"submissions"`
}

// BatchResponse is the response for POST /evaluate/batch.
type BatchResponse struct {
	Evaluations []*domain.Evaluation `json:"evaluations"`
	Count       int                  `json:"count"`
}

// SubmitResponse is the response for POST /submissions.
type SubmitResponse struct {
	SubmissionID string `json:"submissionId"`
	Status       string `json:"status"`
	TraceID      string `json:"traceId"`
}

// decodeSubmission parses one submission object and checks required fields.
func decodeSubmission(raw []byte) (domain.Submission, error) {
	var sub domain.Submission
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, errors.New("submission must be a JSON object")
	}
	if sub == nil {
		return nil, errors.New("submission must be a JSON object")
	}

	var missing []string
	for _, field := range requiredFields {
		if strings.TrimSpace(sub.String(field)) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return sub, nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return nil, false
	}
	return raw, true
}

// Evaluate handles POST /evaluate requests.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	sub, err := decodeSubmission(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	eval := h.engine.Evaluate(ctx, sub)
	h.save(r, eval)

	writeJSON(w, http.StatusOK, eval)
}

// EvaluateBatch handles POST /evaluate/batch requests.
func (h *Handler) EvaluateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if len(req.Submissions) == 0 {
		writeError(w, http.StatusBadRequest, "submissions must not be empty")
		return
	}
	if len(req.Submissions) > h.maxBatchSize {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("batch of %d exceeds the limit of %d", len(req.Submissions), h.maxBatchSize))
		return
	}

	subs := make([]domain.Submission, len(req.Submissions))
	for i, raw := range req.Submissions {
		sub, err := decodeSubmission(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("submissions[%d]: %s", i, err))
			return
		}
		subs[i] = sub
	}

	evals := h.engine.EvaluateBatch(ctx, subs)
	for _, eval := range evals {
		h.save(r, eval)
	}

	writeJSON(w, http.StatusOK, BatchResponse{
		Evaluations: evals,
		Count:       len(evals),
	})
}

// Submit handles POST /submissions. The submission is queued on the event
// bus and evaluated by the async worker.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	sub, err := decodeSubmission(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg := worker.SubmissionMessage{
		SubmissionID: uuid.New().String(),
		TraceID:      GetTraceID(ctx),
		Submission:   sub,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode submission")
		return
	}

	if err := h.bus.Publish(bus.WithTraceID(ctx, msg.TraceID), domain.TopicSubmissionReceived, payload); err != nil {
		slog.Error("failed to queue submission", "submission_id", msg.SubmissionID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to queue submission")
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		SubmissionID: msg.SubmissionID,
		Status:       "accepted",
		TraceID:      msg.TraceID,
	})
}

// save persists an evaluation when a repository is configured. Failures are
// logged; the caller still gets its decision.
func (h *Handler) save(r *http.Request, eval *domain.Evaluation) {
	if h.repo == nil {
		return
	}
	if err := h.repo.SaveEvaluation(r.Context(), eval); err != nil {
		slog.Error("failed to save evaluation",
			"evaluation_id", eval.ID,
			"request_id", GetRequestID(r.Context()),
			"error", err,
		)
	}
}

// GetEvaluation retrieves an evaluation by ID.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	evalID := chi.URLParam(r, "id")
	if evalID == "" {
		writeError(w, http.StatusBadRequest, "evaluation id is required")
		return
	}

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	eval, err := h.repo.GetEvaluation(r.Context(), evalID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "evaluation not found")
		return
	}
	if err != nil {
		slog.Error("failed to get evaluation", "id", evalID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get evaluation")
		return
	}

	writeJSON(w, http.StatusOK, eval)
}

// ListEvaluations handles GET /evaluations?status=&since=&limit=.
func (h *Handler) ListEvaluations(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	q := r.URL.Query()
	var filter domain.EvaluationFilter

	if s := q.Get("status"); s != "" {
		filter.Status = domain.Status(s)
		if !filter.Status.Valid() {
			writeError(w, http.StatusBadRequest, "status must be approved, pending_review or flagged")
			return
		}
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = since
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	evals, err := h.repo.ListEvaluations(r.Context(), filter)
	if err != nil {
		slog.Error("failed to list evaluations", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list evaluations")
		return
	}
	if evals == nil {
		evals = []*domain.Evaluation{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"evaluations": evals,
		"count":       len(evals),
	})
}

// Summary handles GET /evaluations/summary with counts per status.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	counts, err := h.repo.CountByStatus(r.Context())
	if err != nil {
		slog.Error("failed to count evaluations", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count evaluations")
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"counts": counts,
		"total":  total,
	})
}

// Model handles GET /model.
func (h *Handler) Model(w http.ResponseWriter, r *http.Request) {
	if h.model == nil {
		writeError(w, http.StatusServiceUnavailable, "model not loaded")
		return
	}
	writeJSON(w, http.StatusOK, h.model.Describe())
}

// ListRules returns the heuristic rules loaded in the scorer.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.rules == nil {
		writeError(w, http.StatusServiceUnavailable, "rule engine not available")
		return
	}

	loaded := h.rules.GetLoadedRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule retrieves a loaded rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if h.rules == nil {
		writeError(w, http.StatusServiceUnavailable, "rule engine not available")
		return
	}

	for _, rule := range h.rules.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeError(w, http.StatusNotFound, "rule not found")
}

// ValidateRule compiles a candidate rule without loading it.
func (h *Handler) ValidateRule(w http.ResponseWriter, r *http.Request) {
	if h.rules == nil {
		writeError(w, http.StatusServiceUnavailable, "rule engine not available")
		return
	}

	var rule domain.RiskRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if rule.ID == "" || rule.Expression == "" {
		writeError(w, http.StatusBadRequest, "id and expression are required")
		return
	}

	if err := h.rules.ValidateRule(rule); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.engine.Version(),
	})
}

// Ready reports whether a model handle is loaded and the server can take
// evaluations.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.model == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
		"model": string(h.model.Active()),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
