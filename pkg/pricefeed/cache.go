package pricefeed

import (
	"sync"
	"time"
)

// TokenPriceCache manages cached token prices to avoid duplicate API calls.
// Expired entries are kept so that a failed refresh can fall back to them.
type TokenPriceCache struct {
	mu       sync.RWMutex
	cache    map[string]*cachedPrice
	cacheTTL time.Duration
	now      func() time.Time
}

// cachedPrice represents a cached token price with timestamp
type cachedPrice struct {
	price     float64
	timestamp time.Time
}

// NewTokenPriceCache creates a new token price cache
func NewTokenPriceCache(cacheTTL time.Duration) *TokenPriceCache {
	return &TokenPriceCache{
		cache:    make(map[string]*cachedPrice),
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// Get retrieves a cached price if it's still valid
func (c *TokenPriceCache) Get(priceID string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, exists := c.cache[priceID]
	if !exists || c.now().Sub(cached.timestamp) > c.cacheTTL {
		return 0, false
	}
	return cached.price, true
}

// GetStale retrieves the last known price regardless of age
func (c *TokenPriceCache) GetStale(priceID string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, exists := c.cache[priceID]
	if !exists {
		return 0, false
	}
	return cached.price, true
}

// Set stores a price in the cache with current timestamp
func (c *TokenPriceCache) Set(priceID string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache[priceID] = &cachedPrice{
		price:     price,
		timestamp: c.now(),
	}
}

// Clear removes all cached entries
func (c *TokenPriceCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[string]*cachedPrice)
}

// Len returns the number of cached entries
func (c *TokenPriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
