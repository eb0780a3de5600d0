package client

import (
	"testing"
	"time"

	"github.com/kadirpekel/manifold/pkg/errcode"
	"github.com/kadirpekel/manifold/pkg/manifest"
)

func intPtr(n int) *int { return &n }

func assertCode(t *testing.T, err error, code errcode.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if cerr := errcode.AsError(err); cerr.Code != code {
		t.Fatalf("error code = %s, want %s (err: %v)", cerr.Code, code, err)
	}
}

// chatManifest is an OpenAI-compatible provider descriptor pointed at a
// test server, tuned for fast retries.
func chatManifest(id, baseURL string) *manifest.Manifest {
	return &manifest.Manifest{
		ID:              id,
		ProtocolVersion: "1.1",
		Endpoint: manifest.Endpoint{
			BaseURL: baseURL,
			Paths:   map[string]manifest.EndpointPath{"chat": {Path: "/chat/completions"}},
		},
		Capabilities: manifest.Capabilities{
			Required: []manifest.Capability{manifest.CapText, manifest.CapStreaming},
			Optional: []manifest.Capability{manifest.CapTools},
		},
		ParameterMappings: map[string]string{
			"model":       "model",
			"messages":    "messages",
			"temperature": "temperature",
			"max_tokens":  "max_tokens",
			"stream":      "stream",
			"tools":       "tools",
		},
		Streaming: &manifest.Streaming{
			Decoder: &manifest.Decoder{Format: "sse"},
		},
		RetryPolicy: &manifest.RetryPolicy{
			MaxRetries: intPtr(2),
			MinDelayMS: 1,
			MaxDelayMS: 5,
		},
	}
}

func testStore(t *testing.T, ms ...*manifest.Manifest) *manifest.Store {
	t.Helper()
	s, err := manifest.NewStore(manifest.WithoutSchema())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	for _, m := range ms {
		if err := s.Put(m); err != nil {
			t.Fatalf("Put(%s) error = %v", m.ID, err)
		}
	}
	return s
}

func TestSplitModelID(t *testing.T) {
	tests := []struct {
		in, provider, model string
	}{
		{"openai/gpt-4o", "openai", "gpt-4o"},
		{"openrouter/meta/llama-3-70b", "openrouter", "meta/llama-3-70b"},
		{"ollama", "ollama", "ollama"},
	}
	for _, tt := range tests {
		provider, model := splitModelID(tt.in)
		if provider != tt.provider || model != tt.model {
			t.Errorf("splitModelID(%q) = (%q, %q), want (%q, %q)",
				tt.in, provider, model, tt.provider, tt.model)
		}
	}
}

func TestNew_UnsupportedProtocolVersion(t *testing.T) {
	m := chatManifest("oldprov", "https://api.oldprov.dev")
	m.ProtocolVersion = "1.0" // parses fine, but the runtime does not speak it
	store := testStore(t, m)

	_, err := New("oldprov/some-model", WithStore(store))
	if err == nil {
		t.Fatal("New() accepted an unsupported protocol version")
	}
	assertCode(t, err, errcode.CodeInvalidRequest)
}

func TestNew_StrictStreaming(t *testing.T) {
	m := chatManifest("halfstream", "https://api.halfstream.dev")
	m.Streaming = nil // declares the capability, says nothing about decoding
	store := testStore(t, m)

	if _, err := New("halfstream/model", WithStore(store)); err != nil {
		t.Fatalf("lenient New() error = %v", err)
	}
	_, err := New("halfstream/model", WithStore(store), WithStrictStreaming())
	if err == nil {
		t.Fatal("strict New() accepted a streaming manifest with no decoder")
	}
	assertCode(t, err, errcode.CodeInvalidRequest)
}

func TestNew_StrictStreamingToolCallPath(t *testing.T) {
	m := chatManifest("toolstream", "https://api.toolstream.dev")
	m.Streaming = &manifest.Streaming{
		Decoder:     &manifest.Decoder{Format: "sse"},
		ContentPath: "$.choices[0].delta.content",
	}
	store := testStore(t, m)

	_, err := New("toolstream/model", WithStore(store), WithStrictStreaming())
	if err == nil {
		t.Fatal("strict New() accepted tools + streaming without tool_call_path")
	}

	m.Streaming.ToolCallPath = "$.choices[0].delta.tool_calls"
	store = testStore(t, m)
	if _, err := New("toolstream/model", WithStore(store), WithStrictStreaming()); err != nil {
		t.Fatalf("strict New() with tool_call_path error = %v", err)
	}
}

func TestNew_EnvKnobs(t *testing.T) {
	t.Setenv(EnvMaxInflight, "2")
	t.Setenv(EnvAttemptTimeoutMS, "1500")
	t.Setenv(EnvStrictStreaming, "")
	store := testStore(t, chatManifest("envprov", "https://api.envprov.dev"))

	c, err := New("envprov/model", WithStore(store))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.attemptTimeout != 1500*time.Millisecond {
		t.Errorf("attemptTimeout = %v, want 1.5s", c.attemptTimeout)
	}
	if got := c.Signals().Inflight; got.Max != 2 || got.Available != 2 {
		t.Errorf("Inflight = %+v, want max 2, available 2", got)
	}
}

func TestNew_EnvRateRPMFallback(t *testing.T) {
	t.Setenv(EnvRPS, "")
	t.Setenv(EnvRPM, "120")
	store := testStore(t, chatManifest("rpmprov", "https://api.rpmprov.dev"))

	c, err := New("rpmprov/model", WithStore(store))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.limiter == nil {
		t.Fatal("RPM knob did not install a limiter")
	}
	if got := c.Signals().Limiter.RPS; got != 2 {
		t.Errorf("limiter RPS = %v, want 2 (120/min)", got)
	}
}

func TestNew_AdaptiveLimiterFromManifest(t *testing.T) {
	t.Setenv(EnvRPS, "")
	t.Setenv(EnvRPM, "")

	plain := chatManifest("plainprov", "https://api.plainprov.dev")
	c, err := New("plainprov/model", WithStore(testStore(t, plain)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.limiter != nil {
		t.Error("manifest without rate headers grew a limiter")
	}

	hinted := chatManifest("hintedprov", "https://api.hintedprov.dev")
	hinted.RateLimitHeaders = &manifest.RateLimitHeaders{
		RequestsRemaining: "x-ratelimit-remaining-requests",
	}
	c, err = New("hintedprov/model", WithStore(testStore(t, hinted)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.limiter == nil {
		t.Fatal("manifest with rate headers should run an adaptive limiter")
	}
	if got := c.Signals().Limiter.RPS; got != 0 {
		t.Errorf("adaptive limiter RPS = %v, want 0 (budget-driven only)", got)
	}
}

func TestClient_Signals(t *testing.T) {
	store := testStore(t, chatManifest("sigprov", "https://api.sigprov.dev"))
	c, err := New("sigprov/model",
		WithStore(store),
		WithRateLimit(10, 5),
		WithMaxInflight(3),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	s := c.Signals()
	if s.Limiter.RPS != 10 || s.Limiter.Burst != 5 {
		t.Errorf("Limiter = %+v, want rps 10 burst 5", s.Limiter)
	}
	if s.Breaker.State != "closed" {
		t.Errorf("Breaker.State = %q, want closed", s.Breaker.State)
	}
	if s.Inflight.Max != 3 || s.Inflight.InUse != 0 {
		t.Errorf("Inflight = %+v, want max 3, in use 0", s.Inflight)
	}
}

func TestClient_HotReloadPicksUpNewManifest(t *testing.T) {
	m := chatManifest("liveprov", "https://api.liveprov.dev")
	store := testStore(t, m)
	c, err := New("liveprov/model", WithStore(store))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	eng1, err := c.currentEngine()
	if err != nil {
		t.Fatalf("currentEngine() error = %v", err)
	}
	if again, _ := c.currentEngine(); again != eng1 {
		t.Error("engine rebuilt without a manifest change")
	}

	update := chatManifest("liveprov", "https://api.liveprov.dev/v2")
	if err := store.Put(update); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	eng2, err := c.currentEngine()
	if err != nil {
		t.Fatalf("currentEngine() after reload error = %v", err)
	}
	if eng2 == eng1 {
		t.Error("engine not rebuilt after the store served a new manifest")
	}
	if eng2.m.Endpoint.BaseURL != "https://api.liveprov.dev/v2" {
		t.Errorf("engine base URL = %q, want the updated one", eng2.m.Endpoint.BaseURL)
	}
}

func TestClient_BaseURLOverride(t *testing.T) {
	m := chatManifest("proxprov", "https://api.real-upstream.dev")
	store := testStore(t, m)
	c, err := New("proxprov/model", WithStore(store), WithBaseURL("http://127.0.0.1:9"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	eng, err := c.currentEngine()
	if err != nil {
		t.Fatalf("currentEngine() error = %v", err)
	}
	if eng.m.Endpoint.BaseURL != "http://127.0.0.1:9" {
		t.Errorf("effective base URL = %q, want the override", eng.m.Endpoint.BaseURL)
	}
	if got, _ := store.Load("proxprov"); got.Endpoint.BaseURL != "https://api.real-upstream.dev" {
		t.Error("override leaked into the stored manifest")
	}
}
