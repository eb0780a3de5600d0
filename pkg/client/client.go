// Package client is the invocation orchestrator. A Client binds one
// provider/model pair to its manifest and carries every call through
// the full path: capability validation, request compilation, admission
// through the resilience envelope, dispatch, response decoding, and
// classified retry/fallback across a candidate chain.
//
// Model ids are written provider/model ("openai/gpt-4o"). Fallback
// candidates share the manifest store, limiter, breaker, in-flight
// gate, and transport with the primary, so resilience state is global
// to the chain rather than reset per candidate.
package client

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/manifold/pkg/errcode"
	"github.com/kadirpekel/manifold/pkg/httpclient"
	"github.com/kadirpekel/manifold/pkg/manifest"
	"github.com/kadirpekel/manifold/pkg/observability"
	"github.com/kadirpekel/manifold/pkg/pipeline"
	"github.com/kadirpekel/manifold/pkg/resilience"
)

// Environment knobs. Options take precedence; the environment fills in
// when code does not configure a concern.
const (
	EnvRPS              = "MANIFOLD_RPS"
	EnvRPM              = "MANIFOLD_RPM"
	EnvMaxInflight      = "MANIFOLD_MAX_INFLIGHT"
	EnvAttemptTimeoutMS = "MANIFOLD_ATTEMPT_TIMEOUT_MS"
	EnvStrictStreaming  = "MANIFOLD_STRICT_STREAMING"
	EnvBatchConcurrency = "MANIFOLD_BATCH_CONCURRENCY"
	EnvBreakerThreshold = "MANIFOLD_BREAKER_FAILURE_THRESHOLD"
	EnvBreakerCooldownS = "MANIFOLD_BREAKER_COOLDOWN_SECS"
)

// Non-streaming calls that arrive without a deadline get one, so a
// hung provider cannot pin a goroutine forever. Streams are instead
// covered by the per-chunk idle cap in the transport.
const defaultOverallTimeout = 60 * time.Second

// Protocol versions this runtime can execute. Matching is exact-string:
// a manifest written for a newer protocol fails fast instead of being
// half-understood.
var supportedProtocolVersions = []string{"1.1", "1.5", "2.0"}

// Client executes unified requests against one provider/model, with
// optional fallback candidates tried in order when the error taxonomy
// allows it.
type Client struct {
	provider string
	modelID  string

	store   *manifest.Store
	http    *httpclient.Client
	limiter *resilience.Limiter
	breaker *resilience.Breaker
	gate    *inflightGate
	logger  *slog.Logger
	metrics observability.Metrics

	fallbacks       []string
	strictStreaming bool
	attemptTimeout  time.Duration
	baseURL         string

	watchCancel context.CancelFunc

	mu  sync.Mutex
	eng *engine
}

// Option configures a Client.
type Option func(*options)

type options struct {
	store           *manifest.Store
	baseDir         string
	hotReload       bool
	fallbacks       []string
	strictStreaming bool
	maxInflight     int64
	attemptTimeout  time.Duration
	breaker         *resilience.Breaker
	limiter         *resilience.Limiter
	rps, burst      float64
	baseURL         string
	http            *httpclient.Client
	logger          *slog.Logger
	metrics         observability.Metrics
}

// WithStore uses an existing manifest store instead of opening one.
func WithStore(s *manifest.Store) Option {
	return func(o *options) { o.store = s }
}

// WithBaseDir points the client's manifest store at a protocol
// directory. Ignored when WithStore supplies a store.
func WithBaseDir(dir string) Option {
	return func(o *options) { o.baseDir = dir }
}

// WithHotReload watches the protocol directory and picks up manifest
// edits on the next call. In-flight calls keep the manifest they
// started with.
func WithHotReload() Option {
	return func(o *options) { o.hotReload = true }
}

// WithFallbacks appends fallback candidates, each a provider/model id,
// tried in order when the primary fails with a fallbackable error.
func WithFallbacks(ids ...string) Option {
	return func(o *options) { o.fallbacks = append(o.fallbacks, ids...) }
}

// WithStrictStreaming rejects manifests whose streaming declaration is
// incomplete at build time instead of at first streamed call.
func WithStrictStreaming() Option {
	return func(o *options) { o.strictStreaming = true }
}

// WithMaxInflight bounds concurrent provider calls.
func WithMaxInflight(n int64) Option {
	return func(o *options) { o.maxInflight = n }
}

// WithAttemptTimeout bounds each individual attempt. Zero disables the
// per-attempt bound; the overall deadline still applies.
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *options) { o.attemptTimeout = d }
}

// WithBreaker shares an existing circuit breaker, for callers running
// several clients against one provider account.
func WithBreaker(b *resilience.Breaker) Option {
	return func(o *options) { o.breaker = b }
}

// WithRateLimit installs a local token bucket of rps tokens per second.
func WithRateLimit(rps, burst float64) Option {
	return func(o *options) { o.rps, o.burst = rps, burst }
}

// WithLimiter shares an existing limiter instance.
func WithLimiter(l *resilience.Limiter) Option {
	return func(o *options) { o.limiter = l }
}

// WithBaseURL overrides the manifest's endpoint base URL. Intended for
// tests and proxies; everything else about the manifest still applies.
func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = u }
}

// WithHTTPClient shares a transport across clients.
func WithHTTPClient(h *httpclient.Client) Option {
	return func(o *options) { o.http = h }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics sets the metrics sink. Defaults to the process-global
// recorder.
func WithMetrics(m observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New builds a client for the given provider/model id, loading and
// validating the provider manifest eagerly so misconfiguration fails
// here rather than on the first call.
func New(model string, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		fallbacks:       o.fallbacks,
		strictStreaming: o.strictStreaming || os.Getenv(EnvStrictStreaming) == "1",
		attemptTimeout:  o.attemptTimeout,
		baseURL:         o.baseURL,
		logger:          o.logger,
		metrics:         o.metrics,
	}
	c.provider, c.modelID = splitModelID(model)
	if c.provider == "" {
		return nil, errcode.New(errcode.CodeInvalidRequest, "empty model id")
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = observability.GetGlobalMetrics()
	}

	c.store = o.store
	if c.store == nil {
		var storeOpts []manifest.StoreOption
		if o.baseDir != "" {
			storeOpts = append(storeOpts, manifest.WithBaseDir(o.baseDir))
		}
		storeOpts = append(storeOpts, manifest.WithStoreLogger(c.logger))
		store, err := manifest.NewStore(storeOpts...)
		if err != nil {
			return nil, err
		}
		c.store = store
	}

	c.http = o.http
	if c.http == nil {
		c.http = httpclient.New(httpclient.WithLogger(c.logger))
	}

	if c.attemptTimeout == 0 {
		if ms, ok := envInt(EnvAttemptTimeoutMS); ok && ms > 0 {
			c.attemptTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	maxInflight := o.maxInflight
	if maxInflight == 0 {
		if n, ok := envInt(EnvMaxInflight); ok {
			maxInflight = n
		}
	}
	c.gate = newInflightGate(maxInflight)

	c.breaker = o.breaker
	if c.breaker == nil {
		var threshold int64
		var cooldown time.Duration
		if n, ok := envInt(EnvBreakerThreshold); ok && n > 0 {
			threshold = n
		}
		if n, ok := envInt(EnvBreakerCooldownS); ok && n > 0 {
			cooldown = time.Duration(n) * time.Second
		}
		c.breaker = resilience.NewBreaker(int(threshold), cooldown)
	}

	eng, err := c.currentEngine()
	if err != nil {
		return nil, err
	}

	c.limiter = o.limiter
	if c.limiter == nil {
		switch {
		case o.rps > 0:
			c.limiter = resilience.NewLimiter(o.rps, o.burst)
		default:
			if rps, ok := envRate(); ok {
				c.limiter = resilience.NewLimiter(rps, 0)
			} else if eng.m.RateLimitHeaders != nil {
				// The provider reports its budget; run an adaptive
				// bucket that only blocks on reported exhaustion.
				c.limiter = resilience.NewLimiter(0, 0)
			}
		}
	}

	if o.hotReload {
		ctx, cancel := context.WithCancel(context.Background())
		ch, err := c.store.Watch(ctx)
		if err != nil {
			cancel()
			return nil, err
		}
		c.watchCancel = cancel
		go func() {
			for id := range ch {
				c.logger.Info("manifest reloaded", "provider", id)
			}
		}()
	}
	return c, nil
}

// forModel builds a fallback candidate that shares every stateful part
// of the chain: store, transport, limiter, breaker, and in-flight gate.
func (c *Client) forModel(model string) (*Client, error) {
	nc := &Client{
		store:           c.store,
		http:            c.http,
		limiter:         c.limiter,
		breaker:         c.breaker,
		gate:            c.gate,
		logger:          c.logger,
		metrics:         c.metrics,
		strictStreaming: c.strictStreaming,
		attemptTimeout:  c.attemptTimeout,
		baseURL:         c.baseURL,
	}
	nc.provider, nc.modelID = splitModelID(model)
	if nc.provider == "" {
		return nil, errcode.New(errcode.CodeInvalidRequest, "empty fallback model id")
	}
	if _, err := nc.currentEngine(); err != nil {
		return nil, err
	}
	return nc, nil
}

// engine is the per-manifest machinery: the effective manifest plus the
// decoders built from it. It is rebuilt when the store serves a new
// manifest snapshot; calls in flight keep the engine they started with.
type engine struct {
	src    *manifest.Manifest // store snapshot the engine was built from
	m      *manifest.Manifest // effective manifest, base-URL override applied
	pipe   *pipeline.Pipeline
	parser *pipeline.ResponseParser
}

func (c *Client) currentEngine() (*engine, error) {
	m, err := c.store.Load(c.provider)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eng != nil && c.eng.src == m {
		return c.eng, nil
	}
	eng, err := c.buildEngine(m)
	if err != nil {
		return nil, err
	}
	c.eng = eng
	return eng, nil
}

func (c *Client) buildEngine(src *manifest.Manifest) (*engine, error) {
	if err := c.validateManifest(src); err != nil {
		return nil, err
	}
	m := src
	if c.baseURL != "" {
		clone := *src
		clone.Endpoint.BaseURL = c.baseURL
		m = &clone
	}
	pipe, err := pipeline.New(m, pipeline.WithLogger(c.logger))
	if err != nil {
		return nil, err
	}
	parser, err := pipeline.NewResponseParser(m)
	if err != nil {
		return nil, err
	}
	return &engine{src: src, m: m, pipe: pipe, parser: parser}, nil
}

// validateManifest enforces what the store's schema check cannot: the
// protocol version must be one this runtime implements, and in strict
// mode a streaming-capable manifest must say enough for the pipeline
// to decode anything at all.
func (c *Client) validateManifest(m *manifest.Manifest) error {
	if !slices.Contains(supportedProtocolVersions, m.ProtocolVersion) {
		return errcode.Newf(errcode.CodeInvalidRequest,
			"manifest %s: unsupported protocol version %q (supported: %s)",
			m.ID, m.ProtocolVersion, strings.Join(supportedProtocolVersions, ", "))
	}
	if !c.strictStreaming || !m.Capabilities.Has(manifest.CapStreaming) {
		return nil
	}
	s := m.Streaming
	if s == nil || s.Decoder == nil || s.Decoder.Format == "" {
		return errcode.Newf(errcode.CodeInvalidRequest,
			"manifest %s: streaming capability declared without a decoder format", m.ID)
	}
	if len(s.EventMap) == 0 {
		if s.ContentPath == "" {
			return errcode.Newf(errcode.CodeInvalidRequest,
				"manifest %s: streaming without event_map requires content_path", m.ID)
		}
		if m.Capabilities.Has(manifest.CapTools) && s.ToolCallPath == "" {
			return errcode.Newf(errcode.CodeInvalidRequest,
				"manifest %s: tools with streaming require tool_call_path", m.ID)
		}
	}
	return nil
}

// Provider returns the provider id the client is bound to.
func (c *Client) Provider() string { return c.provider }

// Model returns the bare model id, without the provider prefix.
func (c *Client) Model() string { return c.modelID }

// Store exposes the manifest store, shared with fallback candidates.
func (c *Client) Store() *manifest.Store { return c.store }

// Signals returns the current runtime signal snapshot.
func (c *Client) Signals() SignalsSnapshot {
	s := SignalsSnapshot{Inflight: c.gate.snapshot()}
	if c.limiter != nil {
		s.Limiter = c.limiter.Snapshot()
	}
	if c.breaker != nil {
		s.Breaker = c.breaker.Snapshot()
	}
	return s
}

// Close stops the hot-reload watcher if one is running. The client
// stays usable; it just stops picking up manifest edits.
func (c *Client) Close() error {
	if c.watchCancel != nil {
		c.watchCancel()
		c.watchCancel = nil
	}
	return nil
}

// splitModelID separates "provider/model". A bare name with no slash
// serves as both, which suits single-tenant protocol directories whose
// manifest id doubles as the model name.
func splitModelID(s string) (provider, model string) {
	provider, model, found := strings.Cut(s, "/")
	if !found {
		return s, s
	}
	return provider, model
}

func envInt(name string) (int64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(name string) (float64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// envRate resolves the environment rate knobs, RPS winning over RPM.
func envRate() (float64, bool) {
	if rps, ok := envFloat(EnvRPS); ok && rps > 0 {
		return rps, true
	}
	if rpm, ok := envFloat(EnvRPM); ok && rpm > 0 {
		return rpm / 60, true
	}
	return 0, false
}
