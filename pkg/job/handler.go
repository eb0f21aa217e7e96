package job

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/gpuorch/internal/auth"
	"github.com/wisbric/gpuorch/internal/httpserver"
	"github.com/wisbric/gpuorch/pkg/provider"
)

// SubmitJSONRequest is the JSON body for POST /jobs/submit.
type SubmitJSONRequest struct {
	JobType           string          `json:"job_type" validate:"omitempty,oneof=LLAVA_INFERENCE LLAMA_INFERENCE TRAINING BATCH CUSTOM"`
	ModelName         string          `json:"model_name"`
	Input             json.RawMessage `json:"input"`
	Priority          int             `json:"priority" validate:"omitempty,min=1,max=10"`
	MaxRuntimeMinutes int             `json:"max_runtime_minutes" validate:"omitempty,min=1"`
	GPUTypeRequired   string          `json:"gpu_type_required"`
	GPUCountRequired  int             `json:"gpu_count_required" validate:"omitempty,min=1"`
	MemoryGBRequired  int             `json:"memory_gb_required" validate:"omitempty,min=0"`
	TemplateName      *string         `json:"template_name"`
	ConfigOverrides   map[string]any  `json:"config_overrides"`
}

// PriorityRequest is the JSON body for PUT /jobs/{id}/priority.
type PriorityRequest struct {
	Priority int `json:"priority" validate:"required,min=1,max=10"`
}

// Response is the JSON response for a single job.
type Response struct {
	ID                    string  `json:"id"`
	UserID                string  `json:"user_id"`
	JobType               string  `json:"job_type"`
	ModelName             string  `json:"model_name"`
	Priority              int     `json:"priority"`
	EffectivePriority     int     `json:"effective_priority"`
	GPUTypeRequired       string  `json:"gpu_type_required"`
	GPUCountRequired      int     `json:"gpu_count_required"`
	MaxRuntimeMinutes     int     `json:"max_runtime_minutes"`
	Status                string  `json:"status"`
	ProgressPercent       int     `json:"progress_percent"`
	ErrorMessage          *string `json:"error_message,omitempty"`
	CreatedAt             string  `json:"created_at"`
	AssignedAt            *string `json:"assigned_at,omitempty"`
	StartedAt             *string `json:"started_at,omitempty"`
	CompletedAt           *string `json:"completed_at,omitempty"`
	EstimatedCompletionAt *string `json:"estimated_completion_at,omitempty"`
	EstimatedCostUSD      string  `json:"estimated_cost_usd"`
	ActualCostUSD         string  `json:"actual_cost_usd"`
	RetryCount            int     `json:"retry_count"`
	InstanceID            *string `json:"instance_id,omitempty"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func toResponse(j Job) Response {
	var instanceID *string
	if j.InstanceID != nil {
		s := j.InstanceID.String()
		instanceID = &s
	}
	return Response{
		ID:                    j.ID.String(),
		UserID:                j.UserID.String(),
		JobType:               string(j.JobType),
		ModelName:             j.ModelName,
		Priority:              j.Priority,
		EffectivePriority:     j.EffectivePriority,
		GPUTypeRequired:       j.GPUTypeRequired,
		GPUCountRequired:      j.GPUCountRequired,
		MaxRuntimeMinutes:     j.MaxRuntimeMinutes,
		Status:                string(j.Status),
		ProgressPercent:       j.ProgressPercent,
		ErrorMessage:          j.ErrorMessage,
		CreatedAt:             j.CreatedAt.Format(time.RFC3339),
		AssignedAt:            formatTime(j.AssignedAt),
		StartedAt:             formatTime(j.StartedAt),
		CompletedAt:           formatTime(j.CompletedAt),
		EstimatedCompletionAt: formatTime(j.EstimatedCompletionAt),
		EstimatedCostUSD:      j.EstimatedCostUSD.String(),
		ActualCostUSD:         j.ActualCostUSD.String(),
		RetryCount:            j.RetryCount,
		InstanceID:            instanceID,
	}
}

// QueueStatusResponse is the JSON response for GET /queue/status.
type QueueStatusResponse struct {
	Queued       int `json:"queued"`
	ActiveGlobal int `json:"active_global"`
	SoftCap      int `json:"soft_cap"`
}

// Handler serves the job submission, read, cancel, and priority endpoints.
type Handler struct {
	service *Service
	store   *Store
	softCap int
	logger  *slog.Logger
}

// NewHandler creates a job Handler.
func NewHandler(service *Service, store *Store, softCap int, logger *slog.Logger) *Handler {
	return &Handler{service: service, store: store, softCap: softCap, logger: logger}
}

// Routes returns a chi.Router with the job routes, mounted at /jobs;
// GET /queue/status is served separately by QueueRoutes. This router only
// answers to paths relative to wherever it is mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/submit", h.handleSubmit)
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.Post("/{id}/cancel", h.handleCancel)
	r.Put("/{id}/priority", h.handlePriority)
	return r
}

// QueueRoutes returns a chi.Router serving GET /status, meant to be
// mounted at /queue.
func (h *Handler) QueueRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.handleQueueStatus)
	return r
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var req SubmitJSONRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	j, err := h.service.Submit(r.Context(), id.UserID, SubmitRequest{
		JobType:           Type(req.JobType),
		ModelName:         req.ModelName,
		Input:             req.Input,
		Priority:          req.Priority,
		MaxRuntimeMinutes: req.MaxRuntimeMinutes,
		GPUTypeRequired:   req.GPUTypeRequired,
		GPUCountRequired:  req.GPUCountRequired,
		MemoryGBRequired:  req.MemoryGBRequired,
		TemplateName:      req.TemplateName,
		ConfigOverrides:   req.ConfigOverrides,
	})
	if err != nil {
		h.respondServiceError(w, err, "submitting job")
		return
	}

	httpserver.Respond(w, http.StatusCreated, toResponse(j))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	filters := ListFilters{}
	if id.Role != auth.RoleAdmin {
		filters.UserID = &id.UserID
	}
	if v := r.URL.Query().Get("status"); v != "" {
		s := Status(v)
		filters.Status = &s
	}

	items, total, err := h.service.List(r.Context(), filters, params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing jobs", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list jobs")
		return
	}

	out := make([]Response, 0, len(items))
	for _, j := range items {
		out = append(out, toResponse(j))
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(out, params, total))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid job ID")
		return
	}

	j, err := h.service.Get(r.Context(), jobID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}

	httpserver.Respond(w, http.StatusOK, toResponse(j))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid job ID")
		return
	}

	j, err := h.service.Cancel(r.Context(), jobID)
	if err != nil {
		h.respondServiceError(w, err, "cancelling job")
		return
	}

	httpserver.Respond(w, http.StatusOK, toResponse(j))
}

func (h *Handler) handlePriority(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid job ID")
		return
	}

	var req PriorityRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	j, err := h.service.UpdatePriority(r.Context(), id.UserID, jobID, req.Priority)
	if err != nil {
		h.respondServiceError(w, err, "updating priority")
		return
	}

	httpserver.Respond(w, http.StatusOK, toResponse(j))
}

func (h *Handler) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	queued, err := h.store.CountQueued(r.Context())
	if err != nil {
		h.logger.Error("counting queued jobs", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to read queue status")
		return
	}
	active, err := h.store.CountGlobalActive(r.Context())
	if err != nil {
		h.logger.Error("counting active jobs", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to read queue status")
		return
	}

	httpserver.Respond(w, http.StatusOK, QueueStatusResponse{
		Queued:       queued,
		ActiveGlobal: active,
		SoftCap:      h.softCap,
	})
}

// respondServiceError maps a *provider.Error's class onto an HTTP status,
// the single translation point between C4/C1's error taxonomy and the
// wire-level error envelope.
func (h *Handler) respondServiceError(w http.ResponseWriter, err error, action string) {
	var pe *provider.Error
	if !errors.As(err, &pe) {
		h.logger.Error(action, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
		return
	}

	switch pe.Class {
	case provider.ClassValidation:
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", pe.Message)
	case provider.ClassTemplateNotFound:
		httpserver.RespondError(w, http.StatusNotFound, "template_not_found", pe.Message)
	case provider.ClassQueueFull:
		httpserver.RespondError(w, http.StatusServiceUnavailable, "queue_full", pe.Message)
	case provider.ClassQuotaExceeded:
		httpserver.RespondError(w, http.StatusTooManyRequests, "quota_exceeded", pe.Message)
	case provider.ClassNoPlacement:
		httpserver.RespondError(w, http.StatusServiceUnavailable, "no_placement", pe.Message)
	default:
		h.logger.Error(action, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
	}
}
