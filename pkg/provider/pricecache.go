package provider

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// priceCacheTTL matches the 60s snapshot freshness the adapter contract
// allows for ListGPUOfferings.
const priceCacheTTL = 60 * time.Second

// PriceCache is a read-mostly, copy-on-write in-memory cache of each
// adapter's current offerings, keyed by provider name. Readers never block
// writers: go-cache stores values behind a RWMutex internally and every
// write replaces the slice wholesale rather than mutating it in place.
type PriceCache struct {
	c *cache.Cache
}

// NewPriceCache creates a PriceCache with the standard 60s TTL.
func NewPriceCache() *PriceCache {
	return &PriceCache{c: cache.New(priceCacheTTL, 2*priceCacheTTL)}
}

// Get returns the cached offerings for provider, if still fresh.
func (p *PriceCache) Get(provider string) ([]GPUOffering, bool) {
	v, ok := p.c.Get(provider)
	if !ok {
		return nil, false
	}
	offerings, ok := v.([]GPUOffering)
	return offerings, ok
}

// Set stores offerings for provider with the default TTL.
func (p *PriceCache) Set(provider string, offerings []GPUOffering) {
	p.c.Set(provider, offerings, cache.DefaultExpiration)
}

// GetOrFetch returns cached offerings, or calls fetch and caches the result
// on a miss.
func (p *PriceCache) GetOrFetch(ctx context.Context, provider string, fetch func(context.Context) ([]GPUOffering, error)) ([]GPUOffering, error) {
	if offerings, ok := p.Get(provider); ok {
		return offerings, nil
	}
	offerings, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	p.Set(provider, offerings)
	return offerings, nil
}
