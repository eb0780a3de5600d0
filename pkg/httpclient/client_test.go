package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kadirpekel/manifold/pkg/compiler"
	"github.com/kadirpekel/manifold/pkg/errcode"
	"github.com/kadirpekel/manifold/pkg/manifest"
)

func testRequest(url string, streaming bool) *compiler.CompiledRequest {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &compiler.CompiledRequest{
		Provider:  "openai",
		Operation: "chat",
		URL:       url,
		Method:    http.MethodPost,
		Header:    h,
		Body:      []byte(`{"model":"gpt-4o"}`),
		Streaming: streaming,
	}
}

func TestNew_Defaults(t *testing.T) {
	c := New()
	if c.idleTimeout != defaultIdleTimeout {
		t.Errorf("idleTimeout = %v, want %v", c.idleTimeout, defaultIdleTimeout)
	}
	if c.http.Timeout != 0 {
		t.Errorf("http.Client timeout = %v, want none", c.http.Timeout)
	}

	c = New(WithIdleTimeout(5 * time.Second))
	if c.idleTimeout != 5*time.Second {
		t.Errorf("idleTimeout = %v, want 5s", c.idleTimeout)
	}

	c = New(WithIdleTimeout(0))
	if c.idleTimeout != defaultIdleTimeout {
		t.Errorf("zero idle timeout overrode the default: %v", c.idleTimeout)
	}
}

func TestDo_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "gpt-4o") {
			t.Errorf("request body = %s", body)
		}
		w.Header().Set("x-ratelimit-remaining-requests", "99")
		w.Header().Set("x-ratelimit-reset-requests", "6m0s")
		w.Header().Set("x-request-id", "req_123")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	res, err := New().Do(context.Background(), testRequest(srv.URL, false), &manifest.Manifest{})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer res.Body.Close()

	if res.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", res.Status)
	}
	if res.RequestID != "req_123" {
		t.Errorf("RequestID = %q, want req_123", res.RequestID)
	}
	if res.RateLimit.RequestsRemaining != 99 {
		t.Errorf("RequestsRemaining = %d, want 99", res.RateLimit.RequestsRemaining)
	}
	if res.RateLimit.ResetAfter != 6*time.Minute {
		t.Errorf("ResetAfter = %v, want 6m", res.RateLimit.ResetAfter)
	}
	raw, err := io.ReadAll(res.Body)
	if err != nil || string(raw) != `{"ok":true}` {
		t.Errorf("body = %q, err = %v", raw, err)
	}
}

func TestDo_ClassifiesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("retry-after", "2")
		w.Header().Set("request-id", "req_err")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer srv.Close()

	_, err := New().Do(context.Background(), testRequest(srv.URL, false), &manifest.Manifest{})
	if err == nil {
		t.Fatal("Do() returned no error for a 429")
	}

	var cerr *errcode.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("error type = %T", err)
	}
	if cerr.Code != errcode.CodeRateLimited {
		t.Errorf("Code = %s, want rate_limited", cerr.Code)
	}
	if cerr.HTTPStatus != http.StatusTooManyRequests {
		t.Errorf("HTTPStatus = %d, want 429", cerr.HTTPStatus)
	}
	if cerr.ProviderCode != "rate_limit_error" {
		t.Errorf("ProviderCode = %q", cerr.ProviderCode)
	}
	if cerr.Message != "slow down" {
		t.Errorf("Message = %q", cerr.Message)
	}
	if cerr.RetryAfter != 2*time.Second {
		t.Errorf("RetryAfter = %v, want 2s", cerr.RetryAfter)
	}
	if cerr.Context["provider"] != "openai" || cerr.Context["request_id"] != "req_err" {
		t.Errorf("Context = %v", cerr.Context)
	}
}

func TestDo_ManifestErrorMapWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		fmt.Fprint(w, `{"error":{"type":"overloaded_error","message":"busy"}}`)
	}))
	defer srv.Close()

	m := &manifest.Manifest{
		ErrorMap: map[string]string{"overloaded_error": "quota_exhausted"},
	}
	_, err := New().Do(context.Background(), testRequest(srv.URL, false), m)

	var cerr *errcode.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v", err)
	}
	if cerr.Code != errcode.CodeQuotaExhausted {
		t.Errorf("Code = %s, want quota_exhausted", cerr.Code)
	}
}

func TestDo_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New().Do(context.Background(), testRequest(url, false), &manifest.Manifest{})
	if err == nil {
		t.Fatal("Do() returned no error for a dead endpoint")
	}

	var cerr *errcode.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("error type = %T", err)
	}
	if cerr.Code != errcode.CodeServerError {
		t.Errorf("Code = %s, want server_error", cerr.Code)
	}
	if cerr.Context["provider"] != "openai" {
		t.Errorf("Context = %v", cerr.Context)
	}
}

func TestDo_StreamingIdleTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"a\":1}\n\n")
		w.(http.Flusher).Flush()
		// Hold the connection open until the client severs it.
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := New(WithIdleTimeout(30 * time.Millisecond))
	res, err := c.Do(context.Background(), testRequest(srv.URL, true), &manifest.Manifest{})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer res.Body.Close()

	buf := make([]byte, 256)
	n, err := res.Body.Read(buf)
	if err != nil || n == 0 {
		t.Fatalf("first read = %d, %v", n, err)
	}

	for err == nil {
		_, err = res.Body.Read(buf)
	}
	if !errors.Is(err, ErrIdleTimeout) {
		t.Fatalf("stalled read error = %v, want ErrIdleTimeout", err)
	}
	if got := errcode.FromTransport(err); got.Code != errcode.CodeTimeout {
		t.Errorf("FromTransport code = %s, want timeout", got.Code)
	}
}

func TestDo_StreamingCancelPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	res, err := New().Do(ctx, testRequest(srv.URL, true), &manifest.Manifest{})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer res.Body.Close()

	cancel()
	buf := make([]byte, 64)
	_, err = res.Body.Read(buf)
	if err == nil {
		t.Fatal("read after cancel returned no error")
	}
	if errors.Is(err, ErrIdleTimeout) {
		t.Error("caller cancellation was misreported as an idle timeout")
	}
}
