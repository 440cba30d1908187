package marketdata

import (
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiterConfig controls quota-aware throttling and retry backoff.
type RateLimiterConfig struct {
	// ThrottleThreshold is the remaining-token count below which callers
	// should wait for the quota window to reset. Default: 10.
	ThrottleThreshold int

	// MaxThrottleWait caps how long a single throttle pause may be, even
	// when the vendor reports a later reset. Default: 60s.
	MaxThrottleWait time.Duration

	// BaseBackoff is the initial retry delay. Default: 1s.
	BaseBackoff time.Duration

	// MaxBackoff caps the exponential retry delay. Default: 60s.
	MaxBackoff time.Duration
}

// DefaultRateLimiterConfig returns sensible defaults for the vendor API.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		ThrottleThreshold: 10,
		MaxThrottleWait:   60 * time.Second,
		BaseBackoff:       time.Second,
		MaxBackoff:        60 * time.Second,
	}
}

// RateLimiter tracks the vendor's remaining-quota state from response headers
// and computes retry backoff. One instance is owned by the Client and shared
// by reference with anything that needs throttling visibility; it is safe for
// concurrent use. Quota state a few requests stale is tolerable;
// header updates are single-writer-wins.
type RateLimiter struct {
	cfg RateLimiterConfig

	mu              sync.Mutex
	tokensRemaining *int
	resetAt         *time.Time
	lastUpdated     time.Time

	nowFunc func() time.Time
}

// NewRateLimiter creates a RateLimiter. Zero-valued config fields fall back
// to defaults.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	def := DefaultRateLimiterConfig()
	if cfg.ThrottleThreshold <= 0 {
		cfg.ThrottleThreshold = def.ThrottleThreshold
	}
	if cfg.MaxThrottleWait <= 0 {
		cfg.MaxThrottleWait = def.MaxThrottleWait
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	return &RateLimiter{cfg: cfg, nowFunc: time.Now}
}

// Quota response headers. Absence must never be treated as zero quota.
const (
	headerRemainingTokens = "X-Rl-RemainingTokens"
	headerReset           = "X-Rl-Reset" // unix seconds
)

// RecordHeaders updates quota state from vendor response headers. Unknown or
// unparseable headers leave the prior state untouched.
func (l *RateLimiter) RecordHeaders(h http.Header) {
	l.mu.Lock()
	defer l.mu.Unlock()

	updated := false
	if raw := h.Get(headerRemainingTokens); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			l.tokensRemaining = &n
			updated = true
		}
	}
	if raw := h.Get(headerReset); raw != "" {
		if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
			t := time.Unix(sec, 0)
			l.resetAt = &t
			updated = true
		}
	}
	if updated {
		l.lastUpdated = l.nowFunc()
	}
}

// RecordRetryAfter folds a 429 Retry-After hint into the quota state so the
// next throttle check honors it.
func (l *RateLimiter) RecordRetryAfter(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	zero := 0
	t := l.nowFunc().Add(d)
	l.tokensRemaining = &zero
	l.resetAt = &t
	l.lastUpdated = l.nowFunc()
}

// ThrottleDelay returns how long a caller must wait before issuing the next
// request. Unknown quota state (never observed) means no throttling. The
// returned delay is capped at MaxThrottleWait.
func (l *RateLimiter) ThrottleDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tokensRemaining == nil || *l.tokensRemaining >= l.cfg.ThrottleThreshold {
		return 0
	}

	wait := l.cfg.MaxThrottleWait
	if l.resetAt != nil {
		until := l.resetAt.Sub(l.nowFunc())
		if until <= 0 {
			return 0
		}
		if until < wait {
			wait = until
		}
	}
	return wait
}

// TokensRemaining reports the last observed remaining-token count, or nil
// when the vendor has never reported one.
func (l *RateLimiter) TokensRemaining() *int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tokensRemaining == nil {
		return nil
	}
	n := *l.tokensRemaining
	return &n
}

// Backoff returns the retry delay for the given zero-based attempt:
// min(base * 2^attempt, max) plus up to 25% uniform jitter, so concurrent
// callers don't retry in lockstep.
func (l *RateLimiter) Backoff(attempt int) time.Duration {
	delay := float64(l.cfg.BaseBackoff) * math.Pow(2, float64(attempt))
	if delay > float64(l.cfg.MaxBackoff) {
		delay = float64(l.cfg.MaxBackoff)
	}
	delay += rand.Float64() * 0.25 * delay
	return time.Duration(delay)
}
