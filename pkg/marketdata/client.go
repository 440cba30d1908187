// Package marketdata provides the client for the third-party
// price/rank/offer history vendor: batched fetches, quota-aware throttling,
// and bounded retries with exponential backoff.
package marketdata

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/marketsync/internal/model"
	"github.com/sells-group/marketsync/internal/resilience"
)

// DefaultEpochOffsetMinutes is the vendor's time epoch expressed as minutes
// after the unix epoch. Vendor timestamps are minutes since this offset. The
// value is vendor-versioned, so deployments override it from configuration
// rather than relying on this constant.
const DefaultEpochOffsetMinutes int64 = 21564000

// TimeFromVendorMinutes converts a vendor-epoch minute timestamp to UTC.
func TimeFromVendorMinutes(m, offsetMinutes int64) time.Time {
	return time.Unix((m+offsetMinutes)*60, 0).UTC()
}

// VendorMinutesFromTime converts a time to vendor-epoch minutes.
func VendorMinutesFromTime(t time.Time, offsetMinutes int64) int64 {
	return t.Unix()/60 - offsetMinutes
}

// FetchOptions tune a product fetch.
type FetchOptions struct {
	// StatsDays is the trailing window for vendor-side statistics.
	StatsDays int
	// Offers is how many marketplace offers to include per product.
	Offers int
}

// ProductResult is the per-identifier outcome of a batched fetch. Exactly one
// of Product or Err is set.
type ProductResult struct {
	Product    *model.VendorProduct
	CapturedAt time.Time
	Err        error
}

// Client defines the vendor API operations.
type Client interface {
	// Fetch retrieves up to the batch cap of identifiers in one call.
	Fetch(ctx context.Context, asins []string, opts FetchOptions) (*model.VendorResponse, error)
	// FetchBatched splits identifiers into batch-sized chunks and fetches
	// them serially, isolating per-identifier failures.
	FetchBatched(ctx context.Context, asins []string, opts FetchOptions) (map[string]ProductResult, error)
	// Limiter exposes the shared rate-limit state for throttling visibility.
	Limiter() *RateLimiter
}

// Config holds vendor client settings.
type Config struct {
	APIKey             string            `yaml:"api_key" mapstructure:"api_key"`
	BaseURL            string            `yaml:"base_url" mapstructure:"base_url"`
	Domain             int               `yaml:"domain" mapstructure:"domain"`
	BatchSize          int               `yaml:"batch_size" mapstructure:"batch_size"`
	MaxAttempts        int               `yaml:"max_attempts" mapstructure:"max_attempts"`
	InterBatchDelayMS  int               `yaml:"inter_batch_delay_ms" mapstructure:"inter_batch_delay_ms"`
	RequestsPerSecond  float64           `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	TimeoutSecs        int               `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	EpochOffsetMinutes int64             `yaml:"epoch_offset_minutes" mapstructure:"epoch_offset_minutes"`
	RateLimit          RateLimiterConfig `yaml:"-" mapstructure:"-"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimiter shares an existing limiter instead of creating one.
func WithRateLimiter(l *RateLimiter) Option {
	return func(c *httpClient) {
		c.limiter = l
	}
}

// WithCircuitBreaker guards vendor calls with a circuit breaker so a vendor
// outage fails fast across concurrent batches.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *httpClient) {
		c.breaker = cb
	}
}

type httpClient struct {
	cfg     Config
	baseURL string
	http    *http.Client
	limiter *RateLimiter
	pacer   *rate.Limiter
	breaker *resilience.CircuitBreaker

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a vendor API client.
func NewClient(cfg Config, opts ...Option) Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.marketdata.example.com"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 30
	}
	if cfg.EpochOffsetMinutes == 0 {
		cfg.EpochOffsetMinutes = DefaultEpochOffsetMinutes
	}

	c := &httpClient{
		cfg:     cfg,
		baseURL: cfg.BaseURL,
		http: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSecs) * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: NewRateLimiter(cfg.RateLimit),
		pacer:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Limiter() *RateLimiter {
	return c.limiter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *httpClient) Fetch(ctx context.Context, asins []string, opts FetchOptions) (*model.VendorResponse, error) {
	if len(asins) == 0 {
		return &model.VendorResponse{}, nil
	}
	if len(asins) > c.cfg.BatchSize {
		return nil, &BatchTooLargeError{Requested: len(asins), Max: c.cfg.BatchSize}
	}

	if c.breaker == nil {
		return c.fetchWithRetry(ctx, asins, opts)
	}

	return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*model.VendorResponse, error) {
		return c.fetchWithRetry(ctx, asins, opts)
	})
}

// fetchWithRetry issues the request with quota throttling and bounded retries.
// The request sequence is synchronous: no parallel sub-requests within one
// client instance, to respect vendor quota.
func (c *httpClient) fetchWithRetry(ctx context.Context, asins []string, opts FetchOptions) (*model.VendorResponse, error) {
	reqURL, err := c.buildURL(asins, opts)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if wait := c.limiter.ThrottleDelay(); wait > 0 {
			zap.L().Debug("throttling before vendor request",
				zap.Duration("wait", wait),
			)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, eris.Wrap(err, "marketdata: throttle wait")
			}
		}
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "marketdata: pacer wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "marketdata: create request")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrap(ctx.Err(), "marketdata: request")
			}
			lastErr = resilience.NewTransientError(err, 0)
			c.backoffSleep(ctx, attempt, lastErr)
			continue
		}

		c.limiter.RecordHeaders(resp.Header)
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = resilience.NewTransientError(readErr, resp.StatusCode)
			c.backoffSleep(ctx, attempt, lastErr)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = resilience.NewTransientError(
				eris.Errorf("marketdata: rate limited (429)"), http.StatusTooManyRequests)
			c.waitRateLimited(ctx, resp.Header, attempt)
			continue

		case resp.StatusCode >= 500:
			lastErr = resilience.NewTransientError(
				eris.Errorf("marketdata: status %d: %s", resp.StatusCode, truncate(body, 200)),
				resp.StatusCode)
			c.backoffSleep(ctx, attempt, lastErr)
			continue

		case resp.StatusCode != http.StatusOK:
			return nil, &VendorError{StatusCode: resp.StatusCode, Message: truncate(body, 200)}
		}

		var parsed model.VendorResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, eris.Wrap(err, "marketdata: unmarshal response")
		}
		if parsed.Error != nil {
			return nil, &VendorError{
				StatusCode: resp.StatusCode,
				Type:       parsed.Error.Type,
				Message:    parsed.Error.Message,
			}
		}
		return &parsed, nil
	}

	return nil, &RetriesExhaustedError{Attempts: c.cfg.MaxAttempts, Last: lastErr}
}

// waitRateLimited honors Retry-After when the vendor supplies it, otherwise
// falls back to exponential backoff. The hint is also recorded into the
// limiter so sibling callers see the depleted quota.
func (c *httpClient) waitRateLimited(ctx context.Context, h http.Header, attempt int) {
	delay := c.limiter.Backoff(attempt)
	if raw := h.Get("Retry-After"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
			delay = time.Duration(secs) * time.Second
			c.limiter.RecordRetryAfter(delay)
		}
	}
	zap.L().Warn("vendor rate limited, backing off",
		zap.Int("attempt", attempt+1),
		zap.Duration("delay", delay),
	)
	_ = c.sleep(ctx, delay)
}

func (c *httpClient) backoffSleep(ctx context.Context, attempt int, cause error) {
	delay := c.limiter.Backoff(attempt)
	zap.L().Warn("vendor request failed, retrying",
		zap.Int("attempt", attempt+1),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
	_ = c.sleep(ctx, delay)
}

func (c *httpClient) buildURL(asins []string, opts FetchOptions) (string, error) {
	u, err := url.Parse(c.baseURL + "/product")
	if err != nil {
		return "", eris.Wrap(err, "marketdata: parse base url")
	}
	q := u.Query()
	q.Set("key", c.cfg.APIKey)
	q.Set("domain", strconv.Itoa(c.cfg.Domain))
	q.Set("asin", strings.Join(asins, ","))
	q.Set("history", "1")
	if opts.StatsDays > 0 {
		q.Set("stats", strconv.Itoa(opts.StatsDays))
	}
	if opts.Offers > 0 {
		q.Set("offers", strconv.Itoa(opts.Offers))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *httpClient) FetchBatched(ctx context.Context, asins []string, opts FetchOptions) (map[string]ProductResult, error) {
	results := make(map[string]ProductResult, len(asins))
	delay := time.Duration(c.cfg.InterBatchDelayMS) * time.Millisecond

	for i, chunk := range chunkStrings(asins, c.cfg.BatchSize) {
		// Cancellation is checked between chunks only, never mid-call, so an
		// in-flight vendor request is never abandoned.
		if err := ctx.Err(); err != nil {
			return results, eris.Wrap(err, "marketdata: batch cancelled")
		}
		if i > 0 && delay > 0 {
			if err := c.sleep(ctx, delay); err != nil {
				return results, eris.Wrap(err, "marketdata: batch cancelled")
			}
		}

		resp, err := c.Fetch(ctx, chunk, opts)
		if err != nil {
			// One bad chunk must not fail its batch-mates in other chunks.
			for _, asin := range chunk {
				results[asin] = ProductResult{Err: err}
			}
			zap.L().Warn("vendor chunk failed",
				zap.Int("chunk", i),
				zap.Int("size", len(chunk)),
				zap.Error(err),
			)
			continue
		}

		byASIN := make(map[string]*model.VendorProduct, len(resp.Products))
		for j := range resp.Products {
			byASIN[resp.Products[j].ASIN] = &resp.Products[j]
		}
		for _, asin := range chunk {
			p, ok := byASIN[asin]
			if !ok {
				results[asin] = ProductResult{
					Err: &VendorError{StatusCode: http.StatusOK, Type: "not_found",
						Message: "identifier not present in vendor response"},
				}
				continue
			}
			results[asin] = ProductResult{
				Product:    p,
				CapturedAt: TimeFromVendorMinutes(p.LastUpdate, c.cfg.EpochOffsetMinutes),
			}
		}
	}
	return results, nil
}

func chunkStrings(in []string, size int) [][]string {
	if size <= 0 {
		return [][]string{in}
	}
	var out [][]string
	for len(in) > size {
		out = append(out, in[:size])
		in = in[size:]
	}
	if len(in) > 0 {
		out = append(out, in)
	}
	return out
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
