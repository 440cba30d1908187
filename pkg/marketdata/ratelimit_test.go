package marketdata

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(now time.Time) *RateLimiter {
	l := NewRateLimiter(RateLimiterConfig{
		ThrottleThreshold: 10,
		MaxThrottleWait:   60 * time.Second,
		BaseBackoff:       time.Second,
		MaxBackoff:        60 * time.Second,
	})
	l.nowFunc = func() time.Time { return now }
	return l
}

func TestRateLimiter_UnknownStateNeverThrottles(t *testing.T) {
	l := newTestLimiter(time.Now())
	assert.Equal(t, time.Duration(0), l.ThrottleDelay())
	assert.Nil(t, l.TokensRemaining())
}

func TestRateLimiter_RecordHeaders(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLimiter(now)

	h := http.Header{}
	h.Set("X-Rl-RemainingTokens", "3")
	h.Set("X-Rl-Reset", strconv.FormatInt(now.Add(30*time.Second).Unix(), 10))
	l.RecordHeaders(h)

	tokens := l.TokensRemaining()
	require.NotNil(t, tokens)
	assert.Equal(t, 3, *tokens)

	delay := l.ThrottleDelay()
	assert.Equal(t, 30*time.Second, delay)
}

func TestRateLimiter_UnparseableHeadersLeaveStateUntouched(t *testing.T) {
	l := newTestLimiter(time.Now())

	h := http.Header{}
	h.Set("X-Rl-RemainingTokens", "20")
	l.RecordHeaders(h)

	bad := http.Header{}
	bad.Set("X-Rl-RemainingTokens", "not-a-number")
	l.RecordHeaders(bad)

	tokens := l.TokensRemaining()
	require.NotNil(t, tokens)
	assert.Equal(t, 20, *tokens)
}

func TestRateLimiter_AboveThresholdNoThrottle(t *testing.T) {
	l := newTestLimiter(time.Now())

	h := http.Header{}
	h.Set("X-Rl-RemainingTokens", "10")
	l.RecordHeaders(h)

	assert.Equal(t, time.Duration(0), l.ThrottleDelay())
}

func TestRateLimiter_ThrottleCappedAtMaxWait(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLimiter(now)

	h := http.Header{}
	h.Set("X-Rl-RemainingTokens", "0")
	h.Set("X-Rl-Reset", strconv.FormatInt(now.Add(10*time.Minute).Unix(), 10))
	l.RecordHeaders(h)

	assert.Equal(t, 60*time.Second, l.ThrottleDelay())
}

func TestRateLimiter_PastResetClearsThrottle(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLimiter(now)

	h := http.Header{}
	h.Set("X-Rl-RemainingTokens", "0")
	h.Set("X-Rl-Reset", strconv.FormatInt(now.Add(-time.Second).Unix(), 10))
	l.RecordHeaders(h)

	assert.Equal(t, time.Duration(0), l.ThrottleDelay())
}

func TestRateLimiter_RecordRetryAfter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLimiter(now)

	l.RecordRetryAfter(15 * time.Second)

	tokens := l.TokensRemaining()
	require.NotNil(t, tokens)
	assert.Equal(t, 0, *tokens)
	assert.Equal(t, 15*time.Second, l.ThrottleDelay())
}

func TestRateLimiter_BackoffGrowsAndCaps(t *testing.T) {
	l := newTestLimiter(time.Now())

	for attempt := 0; attempt < 10; attempt++ {
		d := l.Backoff(attempt)
		base := time.Duration(float64(time.Second) * float64(int(1)<<attempt))
		if base > 60*time.Second {
			base = 60 * time.Second
		}
		assert.GreaterOrEqual(t, d, base, "attempt %d", attempt)
		assert.LessOrEqual(t, d, base+base/4, "attempt %d", attempt)
	}
}
