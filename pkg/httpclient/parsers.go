package httpclient

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kadirpekel/manifold/pkg/manifest"
)

// RateLimitInfo is the provider's view of our budget, read from
// response headers. Counters are -1 when the provider did not report
// them; durations are zero.
type RateLimitInfo struct {
	RetryAfter        time.Duration
	RequestsLimit     int
	RequestsRemaining int
	TokensLimit       int
	TokensRemaining   int
	ResetAfter        time.Duration
	TokensResetAfter  time.Duration
}

// The x-ratelimit-* family is what OpenAI-compatible providers emit,
// which makes it the default; manifests for providers with their own
// spelling (Anthropic's anthropic-ratelimit-*) override per field.
var defaultRateHeaders = manifest.RateLimitHeaders{
	RequestsLimit:     "x-ratelimit-limit-requests",
	RequestsRemaining: "x-ratelimit-remaining-requests",
	RequestsReset:     "x-ratelimit-reset-requests",
	TokensLimit:       "x-ratelimit-limit-tokens",
	TokensRemaining:   "x-ratelimit-remaining-tokens",
	TokensReset:       "x-ratelimit-reset-tokens",
	RetryAfter:        "retry-after",
}

// ParseRateHeaders reads the provider's rate budget from response
// headers using the manifest's header names, falling back to the
// defaults for any name the manifest leaves unset.
func ParseRateHeaders(h http.Header, cfg *manifest.RateLimitHeaders) RateLimitInfo {
	names := defaultRateHeaders
	if cfg != nil {
		if cfg.RequestsLimit != "" {
			names.RequestsLimit = cfg.RequestsLimit
		}
		if cfg.RequestsRemaining != "" {
			names.RequestsRemaining = cfg.RequestsRemaining
		}
		if cfg.RequestsReset != "" {
			names.RequestsReset = cfg.RequestsReset
		}
		if cfg.TokensLimit != "" {
			names.TokensLimit = cfg.TokensLimit
		}
		if cfg.TokensRemaining != "" {
			names.TokensRemaining = cfg.TokensRemaining
		}
		if cfg.TokensReset != "" {
			names.TokensReset = cfg.TokensReset
		}
		if cfg.RetryAfter != "" {
			names.RetryAfter = cfg.RetryAfter
		}
	}

	return RateLimitInfo{
		RetryAfter:        parseRetryAfter(h.Get(names.RetryAfter)),
		RequestsLimit:     headerInt(h, names.RequestsLimit),
		RequestsRemaining: headerInt(h, names.RequestsRemaining),
		TokensLimit:       headerInt(h, names.TokensLimit),
		TokensRemaining:   headerInt(h, names.TokensRemaining),
		ResetAfter:        parseReset(h.Get(names.RequestsReset)),
		TokensResetAfter:  parseReset(h.Get(names.TokensReset)),
	}
}

func headerInt(h http.Header, name string) int {
	v := strings.TrimSpace(h.Get(name))
	if v == "" {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// parseReset accepts the three reset spellings seen in the wild:
// bare seconds ("30", "52.4"), unit durations ("1s", "6m0s"), and
// RFC 3339 timestamps.
func parseReset(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if d, err := time.ParseDuration(v); err == nil {
		if d < 0 {
			return 0
		}
		return d
	}
	if at, err := time.Parse(time.RFC3339, v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// parseRetryAfter handles both Retry-After forms: delta-seconds and an
// HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

var requestIDHeaders = []string{"x-request-id", "request-id", "x-amzn-requestid", "cf-ray"}

// RequestID pulls the provider's correlation id from whichever header
// spelling it uses.
func RequestID(h http.Header) string {
	for _, name := range requestIDHeaders {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}
