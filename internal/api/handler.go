package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/ceap/internal/audit"
	"github.com/opensource-finance/ceap/internal/category"
	"github.com/opensource-finance/ceap/internal/domain"
	"github.com/opensource-finance/ceap/internal/outlier"
	"github.com/opensource-finance/ceap/internal/repository"
	"github.com/opensource-finance/ceap/internal/trainer"
	"github.com/opensource-finance/ceap/internal/worker"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	classifierCfg domain.ClassifierConfig
	categorizer   *category.Categorizer
	repo          domain.Repository
	cache         domain.Cache
	bus           domain.EventBus
	trainer       *trainer.Service
	processor     *audit.Processor
	version       string
}

// NewHandler creates a new API handler.
func NewHandler(classifierCfg domain.ClassifierConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, trainer *trainer.Service, processor *audit.Processor, version string) *Handler {
	cat, err := category.NewCategorizer(classifierCfg.CategoryRules, classifierCfg.MealSubquota)
	if err != nil {
		slog.Error("failed to build categorizer, category endpoints disabled", "error", err)
	}

	return &Handler{
		classifierCfg: classifierCfg,
		categorizer:   cat,
		repo:          repo,
		cache:         cache,
		bus:           bus,
		trainer:       trainer,
		processor:     processor,
		version:       version,
	}
}

// ReimbursementsRequest is the request body of the scoring endpoints.
type ReimbursementsRequest struct {
	Reimbursements []*domain.Reimbursement `json:"reimbursements"`
}

// IngestRequest is the request body for POST /reimbursements.
type IngestRequest struct {
	Reimbursements []*domain.Reimbursement `json:"reimbursements"`

	// Publish also queues the batch for asynchronous scoring
	Publish bool `json:"publish,omitempty"`
}

// IngestResponse is the response for POST /reimbursements.
type IngestResponse struct {
	Stored  int      `json:"stored"`
	IDs     []string `json:"ids"`
	BatchID string   `json:"batchId,omitempty"`
}

// IngestReimbursements handles POST /reimbursements requests.
func (h *Handler) IngestReimbursements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req IngestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if len(req.Reimbursements) == 0 {
		writeError(w, http.StatusBadRequest, "reimbursements are required")
		return
	}
	for i, rec := range req.Reimbursements {
		if err := domain.ValidateReimbursement(i, rec); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	if err := h.repo.SaveReimbursements(ctx, tenantID, req.Reimbursements); err != nil {
		slog.Error("failed to save reimbursements", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save reimbursements")
		return
	}

	resp := IngestResponse{
		Stored: len(req.Reimbursements),
		IDs:    make([]string, len(req.Reimbursements)),
	}
	for i, rec := range req.Reimbursements {
		resp.IDs[i] = rec.ID
	}

	if !req.Publish {
		writeJSON(w, http.StatusCreated, resp)
		return
	}

	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	resp.BatchID = uuid.New().String()
	payload, err := json.Marshal(worker.BatchMessage{
		BatchID:        resp.BatchID,
		TenantID:       tenantID,
		TraceID:        GetTraceID(ctx),
		Reimbursements: req.Reimbursements,
	})
	if err != nil {
		slog.Error("failed to marshal batch", "batch_id", resp.BatchID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to queue batch")
		return
	}
	if err := h.bus.Publish(ctx, tenantID, domain.TopicReimbursementIngested, payload); err != nil {
		slog.Error("failed to publish batch", "batch_id", resp.BatchID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to queue batch")
		return
	}

	writeJSON(w, http.StatusAccepted, resp)
}

// GetReimbursement retrieves a stored reimbursement by ID.
func (h *Handler) GetReimbursement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	rec, err := h.repo.GetReimbursement(ctx, GetTenantID(ctx), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "reimbursement not found")
		return
	}
	if err != nil {
		slog.Error("failed to get reimbursement", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get reimbursement")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// FitRequest is the request body for POST /fit. Without reimbursements the
// classifier is fitted on the stored ones issued at or after Since.
type FitRequest struct {
	Reimbursements []*domain.Reimbursement `json:"reimbursements,omitempty"`
	Since          time.Time               `json:"since,omitempty"`
}

// FitResponse summarizes a new fit.
type FitResponse struct {
	ModelID    string    `json:"modelId"`
	FittedAt   time.Time `json:"fittedAt"`
	Records    int       `json:"records"`
	Groups     int       `json:"groups"`
	RareGroups int       `json:"rareGroups"`
	DurationMs int64     `json:"durationMs"`
}

// Fit handles POST /fit requests.
func (h *Handler) Fit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req FitRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	var (
		model *domain.Model
		err   error
	)
	if len(req.Reimbursements) > 0 {
		model, err = h.trainer.Fit(ctx, tenantID, req.Reimbursements)
	} else {
		model, err = h.trainer.Train(ctx, tenantID, req.Since)
	}

	if errors.Is(err, domain.ErrConfiguration) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		slog.Error("fit failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "fit failed")
		return
	}

	setModelID(ctx, w, model.ID)
	writeJSON(w, http.StatusOK, FitResponse{
		ModelID:    model.ID,
		FittedAt:   model.FittedAt,
		Records:    model.Records,
		Groups:     model.Groups,
		RareGroups: model.RareGroups,
		DurationMs: time.Since(start).Milliseconds(),
	})
}

// PredictResponse is the response for POST /predict.
type PredictResponse struct {
	ModelID string         `json:"modelId"`
	Labels  []domain.Label `json:"labels"`
}

// Predict handles POST /predict requests: one label per record, in order.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ReimbursementsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	classifier, info, ok := h.classifier(w, r)
	if !ok {
		return
	}

	labels, err := classifier.Predict(ctx, req.Reimbursements)
	if err != nil {
		slog.Error("predict failed", "error", err)
		writeError(w, http.StatusInternalServerError, "predict failed")
		return
	}

	writeJSON(w, http.StatusOK, PredictResponse{ModelID: info.ModelID, Labels: labels})
}

// AssessResponse is the response for POST /assess.
type AssessResponse struct {
	domain.EvaluationResponse
	Assessments []domain.Assessment `json:"assessments"`
	Reasons     []string            `json:"reasons,omitempty"`
}

// Assess handles POST /assess requests: labels plus the baseline behind
// each one. The evaluation is stored for later retrieval.
func (h *Handler) Assess(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req ReimbursementsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	classifier, info, ok := h.classifier(w, r)
	if !ok {
		return
	}

	assessStart := time.Now()
	assessments, err := classifier.Assess(ctx, req.Reimbursements)
	if err != nil {
		slog.Error("assess failed", "error", err)
		writeError(w, http.StatusInternalServerError, "assess failed")
		return
	}

	evaluation := h.processor.Process(ctx, &audit.Input{
		TenantID:    tenantID,
		ModelID:     info.ModelID,
		TraceID:     GetTraceID(ctx),
		Assessments: assessments,
		StartTime:   start,
		AssessTime:  time.Since(assessStart),
	})

	if h.repo != nil {
		if err := h.repo.SaveEvaluation(ctx, tenantID, evaluation); err != nil {
			slog.Error("failed to save evaluation", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, AssessResponse{
		EvaluationResponse: *evaluation.ToResponse(),
		Assessments:        evaluation.Assessments,
		Reasons:            audit.Reasons(evaluation),
	})
}

// GetModel returns the summary of the tenant's active fit.
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	_, info, ok := h.classifier(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GetGroups returns the fitted groups of one payee with the thresholds
// Predict applies to them.
func (h *Handler) GetGroups(w http.ResponseWriter, r *http.Request) {
	classifier, _, ok := h.classifier(w, r)
	if !ok {
		return
	}

	identity := chi.URLParam(r, "identity")
	groups, err := classifier.GroupsFor(identity)
	if errors.Is(err, outlier.ErrUnknownIdentity) {
		writeError(w, http.StatusNotFound, "no fitted groups for identity")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"identity": domain.NormalizeIdentity(identity),
		"groups":   groups,
	})
}

// classifier resolves the tenant's classifier, writing the error response
// when there is none.
func (h *Handler) classifier(w http.ResponseWriter, r *http.Request) (*outlier.Classifier, *outlier.Info, bool) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	classifier, err := h.trainer.Classifier(ctx, tenantID)
	if errors.Is(err, domain.ErrNotFitted) {
		writeError(w, http.StatusConflict, "classifier is not fitted")
		return nil, nil, false
	}
	if err != nil {
		slog.Error("failed to load classifier", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load classifier")
		return nil, nil, false
	}

	info, err := classifier.Info()
	if err != nil {
		writeError(w, http.StatusConflict, "classifier is not fitted")
		return nil, nil, false
	}
	setModelID(ctx, w, info.ModelID)
	return classifier, info, true
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
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic. With an
// X-Tenant-ID header it is ready only once that tenant has a fit.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false", "reason": "repository unavailable"})
			return
		}
	}

	if tenantID := r.Header.Get(TenantIDHeader); tenantID != "" {
		if _, err := h.trainer.Classifier(r.Context(), tenantID); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false", "reason": "classifier is not fitted"})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetEvaluation retrieves an evaluation by ID.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	evalID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	eval, err := h.repo.GetEvaluation(ctx, tenantID, evalID)
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

// ListCategoryRules returns the categorization rules in evaluation order.
func (h *Handler) ListCategoryRules(w http.ResponseWriter, r *http.Request) {
	if h.categorizer == nil {
		writeError(w, http.StatusServiceUnavailable, "categorizer not available")
		return
	}

	rules := h.categorizer.Rules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":        rules,
		"count":        len(rules),
		"fallback":     domain.CategoryMeal,
		"mealSubquota": h.classifierCfg.MealSubquota,
		"exempt":       h.classifierCfg.ExemptCategories,
	})
}

// ValidateCategoryRule compiles a rule without installing it.
func (h *Handler) ValidateCategoryRule(w http.ResponseWriter, r *http.Request) {
	if h.categorizer == nil {
		writeError(w, http.StatusServiceUnavailable, "categorizer not available")
		return
	}

	var rule domain.CategoryRule
	if err := decodeBody(r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if rule.Category == "" || rule.Expression == "" {
		writeError(w, http.StatusBadRequest, "category and expression are required")
		return
	}

	if err := h.categorizer.ValidateRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
