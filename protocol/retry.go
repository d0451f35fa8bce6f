package protocol

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// RetryConfig holds the rate-limit retry policy for agent requests.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt on HTTP 429.
	MaxRetries int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the maximum backoff duration, including Retry-After hints.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the retry defaults: 3 retries starting at 1s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// backoff computes exponential backoff for the given retry (1-based) with +/- 25% jitter.
func (r RetryConfig) backoff(retry int) time.Duration {
	multiplier := 1.0
	for i := 1; i < retry; i++ {
		multiplier *= r.BackoffMultiplier
	}

	d := time.Duration(float64(r.BackoffBase) * multiplier)
	if r.MaxBackoff > 0 && d > r.MaxBackoff {
		d = r.MaxBackoff
	}

	jitter := float64(d) * 0.25 * (rand.Float64()*2 - 1)
	return d + time.Duration(jitter)
}

// parseRetryAfter reads a Retry-After header expressed in seconds.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
