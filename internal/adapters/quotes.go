package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/cmorris/tradeforge/internal/config"
	"github.com/cmorris/tradeforge/internal/observ"
	"github.com/cmorris/tradeforge/internal/retry"
)

// ErrStaleQuote rejects price data older than the configured threshold.
// Stale data fails closed: no decision is better than a decision on a
// dead price.
var ErrStaleQuote = errors.New("quote too stale")

// PriceQuote is a point price with provider confidence.
type PriceQuote struct {
	Value      decimal.Decimal `json:"value"`
	Confidence float64         `json:"confidence"`
	Timestamp  time.Time       `json:"timestamp"`
}

// SwapQuote estimates a swap's output and impact. Idempotent and
// side-effect free upstream.
type SwapQuote struct {
	OutAmount   decimal.Decimal `json:"out_amount"`
	PriceImpact decimal.Decimal `json:"price_impact"`
}

type QuoteService interface {
	GetPrice(ctx context.Context, id string) (PriceQuote, error)
	GetQuote(ctx context.Context, in, out string, amount decimal.Decimal) (SwapQuote, error)
}

// HTTPQuoteService fetches prices and swap quotes from the oracle
// sidecar, rate-limited and retried per the shared policy.
type HTTPQuoteService struct {
	baseURL      string
	httpClient   *http.Client
	limiter      *rate.Limiter
	policy       retry.Policy
	maxStaleness time.Duration
}

func NewHTTPQuoteService(cfg config.Quotes, policy retry.Policy) *HTTPQuoteService {
	return &HTTPQuoteService{
		baseURL:      cfg.BaseURL,
		httpClient:   &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		limiter:      rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), 1),
		policy:       policy,
		maxStaleness: time.Duration(cfg.MaxStalenessMs) * time.Millisecond,
	}
}

func (s *HTTPQuoteService) GetPrice(ctx context.Context, id string) (PriceQuote, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return PriceQuote{}, err
	}

	var q PriceQuote
	err := s.policy.Do(ctx, "get_price", func() error {
		return s.getJSON(ctx, "/v1/price?id="+url.QueryEscape(id), &q)
	})
	if err != nil {
		observ.IncCounter("quote_fetch_errors_total", map[string]string{"kind": "price"})
		return PriceQuote{}, err
	}

	if age := time.Since(q.Timestamp); age > s.maxStaleness {
		observ.IncCounter("quote_stale_total", map[string]string{"kind": "price"})
		return PriceQuote{}, fmt.Errorf("%w: %v old", ErrStaleQuote, age.Round(time.Millisecond))
	}
	return q, nil
}

func (s *HTTPQuoteService) GetQuote(ctx context.Context, in, out string, amount decimal.Decimal) (SwapQuote, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return SwapQuote{}, err
	}

	path := fmt.Sprintf("/v1/quote?in=%s&out=%s&amount=%s",
		url.QueryEscape(in), url.QueryEscape(out), amount.String())

	var q SwapQuote
	err := s.policy.Do(ctx, "get_quote", func() error {
		return s.getJSON(ctx, path, &q)
	})
	if err != nil {
		observ.IncCounter("quote_fetch_errors_total", map[string]string{"kind": "swap"})
		return SwapQuote{}, err
	}
	return q, nil
}

func (s *HTTPQuoteService) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return retry.Permanent(err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: oracle status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode >= 400:
		return retry.Permanent(fmt.Errorf("oracle status %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrTransient, err)
	}
	return nil
}

// CachedQuoteService fronts another QuoteService with a short TTL cache.
// The exit monitor polls every open position each cycle; without the
// cache that is one oracle call per position per tick.
type CachedQuoteService struct {
	inner QuoteService
	ttl   time.Duration

	mu     sync.Mutex
	prices map[string]cachedPrice
}

type cachedPrice struct {
	quote   PriceQuote
	fetched time.Time
}

func NewCachedQuoteService(inner QuoteService, ttl time.Duration) *CachedQuoteService {
	return &CachedQuoteService{
		inner:  inner,
		ttl:    ttl,
		prices: make(map[string]cachedPrice),
	}
}

func (c *CachedQuoteService) GetPrice(ctx context.Context, id string) (PriceQuote, error) {
	c.mu.Lock()
	if entry, ok := c.prices[id]; ok && time.Since(entry.fetched) < c.ttl {
		c.mu.Unlock()
		observ.IncCounter("quote_cache_hits_total", nil)
		return entry.quote, nil
	}
	c.mu.Unlock()

	q, err := c.inner.GetPrice(ctx, id)
	if err != nil {
		return PriceQuote{}, err
	}

	c.mu.Lock()
	c.prices[id] = cachedPrice{quote: q, fetched: time.Now()}
	c.mu.Unlock()
	return q, nil
}

func (c *CachedQuoteService) GetQuote(ctx context.Context, in, out string, amount decimal.Decimal) (SwapQuote, error) {
	// Swap quotes are size-dependent; never cached.
	return c.inner.GetQuote(ctx, in, out, amount)
}
