package quota

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/gpuorch/internal/auth"
	"github.com/wisbric/gpuorch/internal/db"
	"github.com/wisbric/gpuorch/internal/httpserver"
)

// StatusResponse is the JSON response for GET /quota/status.
type StatusResponse struct {
	MaxConcurrentJobs       int      `json:"max_concurrent_jobs"`
	CurrentConcurrentJobs   int      `json:"current_concurrent_jobs"`
	MaxGPUHoursPerDay       string   `json:"max_gpu_hours_per_day"`
	GPUHoursUsedToday       string   `json:"gpu_hours_used_today"`
	MaxCostPerDayUSD        string   `json:"max_cost_per_day_usd"`
	CostUsedTodayUSD        string   `json:"cost_used_today_usd"`
	MaxInstancesPerProvider int      `json:"max_instances_per_provider"`
	AllowedGPUTypes         []string `json:"allowed_gpu_types"`
	AllowedProviders        []string `json:"allowed_providers"`
	PriorityBoost           int      `json:"priority_boost"`
}

// Handler serves GET /quota/status.
type Handler struct {
	logger *slog.Logger
	dbtx   db.DBTX
	usage  UsageProvider
}

// NewHandler creates a quota Handler. usage is typically a *job.Store,
// which structurally satisfies UsageProvider.
func NewHandler(dbtx db.DBTX, usage UsageProvider, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, dbtx: dbtx, usage: usage}
}

// Routes returns a chi.Router with the quota routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.handleStatus)
	return r
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	store := NewStore(h.dbtx)
	q, err := store.Resolve(r.Context(), id.UserID)
	if err != nil {
		h.logger.Error("resolving quota", "error", err, "user_id", id.UserID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to resolve quota")
		return
	}

	concurrent, err := h.usage.CountNonTerminalByUser(r.Context(), id.UserID)
	if err != nil {
		h.logger.Error("counting non-terminal jobs", "error", err, "user_id", id.UserID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to resolve usage")
		return
	}

	since := startOfDay(time.Now())
	gpuHours, err := h.usage.SumGPUHoursToday(r.Context(), id.UserID, since)
	if err != nil {
		h.logger.Error("summing gpu hours", "error", err, "user_id", id.UserID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to resolve usage")
		return
	}
	cost, err := h.usage.SumCostToday(r.Context(), id.UserID, since)
	if err != nil {
		h.logger.Error("summing cost", "error", err, "user_id", id.UserID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to resolve usage")
		return
	}

	httpserver.Respond(w, http.StatusOK, StatusResponse{
		MaxConcurrentJobs:       q.MaxConcurrentJobs,
		CurrentConcurrentJobs:   concurrent,
		MaxGPUHoursPerDay:       q.MaxGPUHoursPerDay.String(),
		GPUHoursUsedToday:       gpuHours.String(),
		MaxCostPerDayUSD:        q.MaxCostPerDayUSD.String(),
		CostUsedTodayUSD:        cost.String(),
		MaxInstancesPerProvider: q.MaxInstancesPerProvider,
		AllowedGPUTypes:         q.AllowedGPUTypes,
		AllowedProviders:        q.AllowedProviders,
		PriorityBoost:           q.PriorityBoost,
	})
}
