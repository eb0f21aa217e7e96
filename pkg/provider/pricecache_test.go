package provider

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

func TestPriceCacheGetMiss(t *testing.T) {
	c := NewPriceCache()
	if _, ok := c.Get("runpod"); ok {
		t.Fatal("expected miss on empty cache")
	}
}

func TestPriceCacheSetAndGet(t *testing.T) {
	c := NewPriceCache()
	offerings := []GPUOffering{{GPUType: "A100", HourlyPriceUSD: decimal.NewFromFloat(1.89)}}
	c.Set("runpod", offerings)

	got, ok := c.Get("runpod")
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if len(got) != 1 || got[0].GPUType != "A100" {
		t.Errorf("got %+v, want offerings with A100", got)
	}
}

func TestPriceCacheGetOrFetchCallsFetchOnMiss(t *testing.T) {
	c := NewPriceCache()
	calls := 0
	fetch := func(ctx context.Context) ([]GPUOffering, error) {
		calls++
		return []GPUOffering{{GPUType: "H100"}}, nil
	}

	if _, err := c.GetOrFetch(context.Background(), "vast", fetch); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	if _, err := c.GetOrFetch(context.Background(), "vast", fetch); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	if calls != 1 {
		t.Errorf("fetch called %d times, want 1 (second call should hit cache)", calls)
	}
}
