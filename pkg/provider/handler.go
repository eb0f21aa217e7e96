package provider

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/gpuorch/internal/httpserver"
)

// offeringResponse is the JSON shape of one priced GPU offering.
type offeringResponse struct {
	GPUType        string   `json:"gpu_type"`
	MemoryGB       int      `json:"memory_gb"`
	HourlyPriceUSD string   `json:"hourly_price_usd"`
	SpotPriceUSD   *string  `json:"spot_price_usd,omitempty"`
	AvailableCount int      `json:"available_count"`
	Regions        []string `json:"regions"`
}

// statusResponse is the JSON shape of one adapter's health entry.
type statusResponse struct {
	Name           string  `json:"name"`
	Enabled        bool    `json:"enabled"`
	Healthy        bool    `json:"healthy"`
	LatencyMS      float64 `json:"latency_ms"`
	OfferingsCount int     `json:"offerings_count"`
	Error          string  `json:"error,omitempty"`
}

// Handler serves the read-only provider status and pricing endpoints.
type Handler struct {
	registry *Registry
	prices   *PriceCache
	logger   *slog.Logger
}

// NewHandler creates a provider Handler. prices may be nil; pricing lookups
// then bypass the cache and call the adapter directly on every request.
func NewHandler(registry *Registry, prices *PriceCache, logger *slog.Logger) *Handler {
	return &Handler{registry: registry, prices: prices, logger: logger}
}

// Routes returns a chi.Router serving /status and /{name}/pricing, meant
// to be mounted at /providers.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.handleStatus)
	r.Get("/{name}/pricing", h.handlePricing)
	return r
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := make([]statusResponse, 0, len(h.registry.All()))
	for _, a := range h.registry.All() {
		entry := statusResponse{Name: a.Name(), Enabled: a.Enabled()}
		if !a.Enabled() {
			out = append(out, entry)
			continue
		}
		health, err := a.HealthCheck(r.Context())
		if err != nil {
			entry.Error = err.Error()
			out = append(out, entry)
			continue
		}
		entry.Healthy = health.Healthy
		entry.LatencyMS = health.LatencyMS
		entry.OfferingsCount = health.OfferingsCount
		entry.Error = health.Error
		out = append(out, entry)
	}
	httpserver.Respond(w, http.StatusOK, out)
}

func (h *Handler) handlePricing(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	adapter, ok := h.registry.Get(name)
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "unknown provider: "+name)
		return
	}

	fetch := adapter.ListGPUOfferings
	var offerings []GPUOffering
	var err error
	if h.prices != nil {
		offerings, err = h.prices.GetOrFetch(r.Context(), name, fetch)
	} else {
		offerings, err = fetch(r.Context())
	}
	if err != nil {
		h.logger.Error("listing offerings", "provider", name, "error", err)
		httpserver.RespondError(w, http.StatusBadGateway, "provider_error", "failed to fetch pricing from "+name)
		return
	}

	out := make([]offeringResponse, 0, len(offerings))
	for _, o := range offerings {
		var spot *string
		if o.SpotPriceUSD != nil {
			s := o.SpotPriceUSD.String()
			spot = &s
		}
		out = append(out, offeringResponse{
			GPUType:        o.GPUType,
			MemoryGB:       o.MemoryGB,
			HourlyPriceUSD: o.HourlyPriceUSD.String(),
			SpotPriceUSD:   spot,
			AvailableCount: o.AvailableCount,
			Regions:        o.Regions,
		})
	}
	httpserver.Respond(w, http.StatusOK, out)
}
