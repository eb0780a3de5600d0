// Package httpclient dispatches compiled provider requests. It is a
// single-attempt transport: it sends, parses rate headers, classifies
// non-2xx responses, and hands streaming bodies back wrapped in a
// per-chunk idle cap. Retry, fallback, and gating live in the
// resilience envelope, not here.
package httpclient

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kadirpekel/manifold/pkg/compiler"
	"github.com/kadirpekel/manifold/pkg/errcode"
	"github.com/kadirpekel/manifold/pkg/manifest"
)

// Streaming has no overall deadline, so a silent connection must be
// cut by the idle cap instead.
const defaultIdleTimeout = 30 * time.Second

// Error bodies are diagnostic text; anything past this is noise.
const maxErrorBody = 64 * 1024

// Result is one provider response. Body is open and owned by the
// caller; for streaming requests every read is covered by the idle
// cap.
type Result struct {
	Status    int
	Header    http.Header
	Body      io.ReadCloser
	RateLimit RateLimitInfo
	RequestID string
}

type Client struct {
	http        *http.Client
	idleTimeout time.Duration
	logger      *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithIdleTimeout sets the per-chunk cap on streaming bodies.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New builds a transport client. The underlying http.Client carries no
// overall timeout; deadlines come from the request context so that
// streaming responses can run as long as the provider keeps talking.
func New(opts ...Option) *Client {
	c := &Client{
		http:        &http.Client{},
		idleTimeout: defaultIdleTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends one compiled request. Non-2xx responses come back as a
// classified error carrying the provider's own code, the retry-after
// hint, and the request id; the response body is consumed in that
// case. On success the caller owns Result.Body and must close it.
func (c *Client) Do(ctx context.Context, creq *compiler.CompiledRequest, m *manifest.Manifest) (*Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if creq.Streaming {
		// The idle watchdog needs its own handle to sever the
		// connection mid-read.
		runCtx, cancel = context.WithCancel(ctx)
	}

	req, err := creq.HTTPRequest(runCtx)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		cerr := errcode.FromTransport(err)
		cerr.With("provider", creq.Provider)
		return nil, cerr
	}

	info := ParseRateHeaders(resp.Header, m.RateLimitHeaders)
	requestID := RequestID(resp.Header)
	c.logger.Debug("provider response",
		"provider", creq.Provider,
		"method", creq.Method,
		"url", creq.URL,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		if cancel != nil {
			cancel()
		}

		cerr := errcode.Classify(resp.StatusCode, raw, m.ErrorMaps())
		if cerr.RetryAfter == 0 {
			cerr.RetryAfter = info.RetryAfter
		}
		cerr.With("provider", creq.Provider).With("operation", creq.Operation)
		if requestID != "" {
			cerr.With("request_id", requestID)
		}
		return nil, cerr
	}

	body := resp.Body
	if cancel != nil {
		body = newIdleBody(resp.Body, c.idleTimeout, cancel)
	}
	return &Result{
		Status:    resp.StatusCode,
		Header:    resp.Header,
		Body:      body,
		RateLimit: info,
		RequestID: requestID,
	}, nil
}
