package template

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/gpuorch/internal/auth"
	"github.com/wisbric/gpuorch/internal/db"
	"github.com/wisbric/gpuorch/internal/httpserver"
)

// CreateRequest is the JSON body for POST /templates.
type CreateRequest struct {
	Name              string          `json:"name" validate:"required,min=1,max=128"`
	JobType           string          `json:"job_type" validate:"required,oneof=LLAVA_INFERENCE LLAMA_INFERENCE TRAINING BATCH CUSTOM"`
	ModelName         string          `json:"model_name" validate:"required"`
	GPUTypeRequired   string          `json:"gpu_type_required" validate:"required"`
	GPUCountRequired  int             `json:"gpu_count_required" validate:"required,min=1"`
	MemoryGBRequired  int             `json:"memory_gb_required" validate:"omitempty,min=0"`
	MaxRuntimeMinutes int             `json:"max_runtime_minutes" validate:"required,min=1"`
	ConfigDefaults    json.RawMessage `json:"config_defaults"`
}

// Response is the JSON response for a single template.
type Response struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	JobType           string          `json:"job_type"`
	ModelName         string          `json:"model_name"`
	GPUTypeRequired   string          `json:"gpu_type_required"`
	GPUCountRequired  int             `json:"gpu_count_required"`
	MemoryGBRequired  int             `json:"memory_gb_required"`
	MaxRuntimeMinutes int             `json:"max_runtime_minutes"`
	ConfigDefaults    json.RawMessage `json:"config_defaults,omitempty"`
}

func toResponse(t Template) Response {
	return Response{
		ID:                t.ID.String(),
		Name:              t.Name,
		JobType:           string(t.JobType),
		ModelName:         t.ModelName,
		GPUTypeRequired:   t.GPUTypeRequired,
		GPUCountRequired:  t.GPUCountRequired,
		MemoryGBRequired:  t.MemoryGBRequired,
		MaxRuntimeMinutes: t.MaxRuntimeMinutes,
		ConfigDefaults:    t.ConfigDefaults,
	}
}

// Handler serves the job template CRUD endpoints.
type Handler struct {
	dbtx   db.DBTX
	logger *slog.Logger
}

// NewHandler creates a template Handler.
func NewHandler(dbtx db.DBTX, logger *slog.Logger) *Handler {
	return &Handler{dbtx: dbtx, logger: logger}
}

// Routes returns a chi.Router with the template routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	return r
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	store := NewStore(h.dbtx)
	t, err := store.Create(r.Context(), CreateParams{
		Name:              req.Name,
		JobType:           JobType(req.JobType),
		ModelName:         req.ModelName,
		GPUTypeRequired:   req.GPUTypeRequired,
		GPUCountRequired:  req.GPUCountRequired,
		MemoryGBRequired:  req.MemoryGBRequired,
		MaxRuntimeMinutes: req.MaxRuntimeMinutes,
		ConfigDefaults:    req.ConfigDefaults,
		CreatedBy:         id.UserID,
	})
	if err != nil {
		h.logger.Error("creating template", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create template")
		return
	}

	httpserver.Respond(w, http.StatusCreated, toResponse(t))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	store := NewStore(h.dbtx)
	items, err := store.List(r.Context())
	if err != nil {
		h.logger.Error("listing templates", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list templates")
		return
	}

	out := make([]Response, 0, len(items))
	for _, t := range items {
		out = append(out, toResponse(t))
	}
	httpserver.Respond(w, http.StatusOK, out)
}
