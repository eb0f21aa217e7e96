package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type pricedAdapter struct {
	fakeAdapter
	offerings []GPUOffering
	err       error
}

func (p *pricedAdapter) ListGPUOfferings(ctx context.Context) ([]GPUOffering, error) {
	return p.offerings, p.err
}

func TestHandlePricingReturnsOfferings(t *testing.T) {
	registry := NewRegistry()
	adapter := &pricedAdapter{
		fakeAdapter: fakeAdapter{name: "runpod", enabled: true},
		offerings: []GPUOffering{
			{GPUType: "A100", MemoryGB: 80, HourlyPriceUSD: decimal.NewFromFloat(2.5), AvailableCount: 4},
		},
	}
	registry.Register(adapter)

	h := NewHandler(registry, NewPriceCache(), nil)
	r := chi.NewRouter()
	r.Mount("/providers", h.Routes())

	req := httptest.NewRequest(http.MethodGet, "/providers/runpod/pricing", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var out []offeringResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(out) != 1 || out[0].GPUType != "A100" {
		t.Errorf("offerings = %+v, want one A100 offering", out)
	}
}

func TestHandlePricingUnknownProviderReturns404(t *testing.T) {
	h := NewHandler(NewRegistry(), NewPriceCache(), nil)
	r := chi.NewRouter()
	r.Mount("/providers", h.Routes())

	req := httptest.NewRequest(http.MethodGet, "/providers/nope/pricing", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleStatusSkipsHealthCheckWhenDisabled(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&fakeAdapter{name: "vast", enabled: false})

	h := NewHandler(registry, nil, nil)
	r := chi.NewRouter()
	r.Mount("/providers", h.Routes())

	req := httptest.NewRequest(http.MethodGet, "/providers/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var out []statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(out) != 1 || out[0].Healthy {
		t.Errorf("status = %+v, want disabled adapter reported unhealthy/unchecked", out)
	}
}
