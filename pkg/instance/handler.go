package instance

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/gpuorch/internal/db"
	"github.com/wisbric/gpuorch/internal/httpserver"
	"github.com/wisbric/gpuorch/pkg/provider"
)

// Response is the JSON response for a single instance.
type Response struct {
	ID                 string  `json:"id"`
	Provider           string  `json:"provider"`
	ProviderInstanceID string  `json:"provider_instance_id"`
	GPUType            string  `json:"gpu_type"`
	GPUCount           int     `json:"gpu_count"`
	Status             string  `json:"status"`
	PublicIP           *string `json:"public_ip,omitempty"`
	HourlyCostUSD      string  `json:"hourly_cost_usd"`
	TotalCostUSD       string  `json:"total_cost_usd"`
	Region             string  `json:"region"`
	Preemptible        bool    `json:"preemptible"`
	CreatedAt          string  `json:"created_at"`
}

func toResponse(i Instance) Response {
	return Response{
		ID:                 i.ID.String(),
		Provider:           i.Provider,
		ProviderInstanceID: i.ProviderInstanceID,
		GPUType:            i.GPUType,
		GPUCount:           i.GPUCount,
		Status:             string(i.Status),
		PublicIP:           i.PublicIP,
		HourlyCostUSD:      i.HourlyCostUSD.String(),
		TotalCostUSD:       i.TotalCostUSD.String(),
		Region:             i.Region,
		Preemptible:        i.Preemptible,
		CreatedAt:          i.CreatedAt.Format(time.RFC3339),
	}
}

// Handler serves the read-only and terminate instance endpoints.
type Handler struct {
	dbtx     db.DBTX
	registry *provider.Registry
	logger   *slog.Logger
}

// NewHandler creates an instance Handler.
func NewHandler(dbtx db.DBTX, registry *provider.Registry, logger *slog.Logger) *Handler {
	return &Handler{dbtx: dbtx, registry: registry, logger: logger}
}

// Routes returns a chi.Router with the instance routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.Post("/{id}/terminate", h.handleTerminate)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	store := NewStore(h.dbtx)
	items, err := store.List(r.Context(), r.URL.Query().Get("provider"), nil)
	if err != nil {
		h.logger.Error("listing instances", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list instances")
		return
	}

	out := make([]Response, 0, len(items))
	for _, i := range items {
		out = append(out, toResponse(i))
	}
	httpserver.Respond(w, http.StatusOK, out)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid instance ID")
		return
	}

	store := NewStore(h.dbtx)
	i, err := store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "instance not found")
			return
		}
		h.logger.Error("getting instance", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get instance")
		return
	}

	httpserver.Respond(w, http.StatusOK, toResponse(i))
}

func (h *Handler) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid instance ID")
		return
	}

	store := NewStore(h.dbtx)
	inst, err := store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "instance not found")
			return
		}
		h.logger.Error("getting instance", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get instance")
		return
	}

	adapter, ok := h.registry.Get(inst.Provider)
	if !ok {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "provider adapter unavailable")
		return
	}

	if _, err := adapter.TerminateInstance(r.Context(), inst.ProviderInstanceID); err != nil {
		h.logger.Error("terminating instance", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusBadGateway, "provider_error", "failed to terminate instance")
		return
	}

	httpserver.Respond(w, http.StatusAccepted, map[string]string{"status": "terminate_requested"})
}
