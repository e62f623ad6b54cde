// Package pricefeed provides best effort USD spot prices for cost reporting.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/blockpal/paymentscheduler/pkg/logger"
	"github.com/blockpal/paymentscheduler/pkg/metrics"
)

// Feed returns USD spot prices. Lookups never fail: ok is false when no
// live, cached or default price exists.
type Feed interface {
	SpotUSD(ctx context.Context, priceID string) (price float64, ok bool)
}

// defaultPrices are used when the API has never answered for an asset
var defaultPrices = map[string]float64{
	"usd-coin": 1.0,
	"tether":   1.0,
}

// CoinGecko is a Feed backed by the CoinGecko simple price API
type CoinGecko struct {
	apiURL     string
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *TokenPriceCache
	logger     logger.Logger
}

var _ Feed = (*CoinGecko)(nil)

// NewCoinGecko creates a price feed. requestsPerSecond bounds API calls.
func NewCoinGecko(apiURL string, cacheTTL time.Duration, requestsPerSecond float64, log logger.Logger) *CoinGecko {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &CoinGecko{
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(limit, 1),
		cache:      NewTokenPriceCache(cacheTTL),
		logger:     log,
	}
}

func (c *CoinGecko) SpotUSD(ctx context.Context, priceID string) (float64, bool) {
	if priceID == "" {
		metrics.PriceFetches.WithLabelValues("none").Inc()
		return 0, false
	}
	if price, ok := c.cache.Get(priceID); ok {
		metrics.PriceFetches.WithLabelValues("cache").Inc()
		return price, true
	}

	// don't queue behind the limiter, fall back instead
	if c.limiter.Allow() {
		price, err := c.fetch(ctx, priceID)
		if err == nil {
			c.cache.Set(priceID, price)
			metrics.PriceFetches.WithLabelValues("live").Inc()
			return price, true
		}
		c.logger.Debug("Price fetch for %s failed: %v", priceID, err)
	}

	if price, ok := c.cache.GetStale(priceID); ok {
		metrics.PriceFetches.WithLabelValues("stale").Inc()
		return price, true
	}
	if price, ok := defaultPrices[priceID]; ok {
		metrics.PriceFetches.WithLabelValues("default").Inc()
		return price, true
	}
	metrics.PriceFetches.WithLabelValues("none").Inc()
	return 0, false
}

// fetch gets the current USD price of priceID from the API
func (c *CoinGecko) fetch(ctx context.Context, priceID string) (float64, error) {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return 0, fmt.Errorf("invalid price API URL: %v", err)
	}
	q := u.Query()
	q.Set("ids", priceID)
	q.Set("vs_currencies", "usd")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %v", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch token price: %v", err)
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("API request failed with status: %d", resp.StatusCode)
	}

	var result map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to parse JSON response: %v", err)
	}
	price, exists := result[priceID]["usd"]
	if !exists {
		return 0, fmt.Errorf("USD price not found in response")
	}
	return price, nil
}

// Static is a Feed over fixed prices
type Static map[string]float64

func (s Static) SpotUSD(_ context.Context, priceID string) (float64, bool) {
	p, ok := s[priceID]
	return p, ok
}
