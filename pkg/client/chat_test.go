package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kadirpekel/manifold/pkg/protocol"
)

func TestChatBuilder_Request(t *testing.T) {
	store := testStore(t, chatManifest("primary", "https://api.primary.dev"))
	c, err := New("primary/model-x", WithStore(store))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	req := c.Chat().
		System("be brief").
		User("hi").
		Assistant("hello").
		Temperature(0.2).
		MaxTokens(64).
		Request()

	if req.Model != "model-x" {
		t.Errorf("Model = %q, want the client default model-x", req.Model)
	}
	roles := []protocol.Role{protocol.RoleSystem, protocol.RoleUser, protocol.RoleAssistant}
	if len(req.Messages) != len(roles) {
		t.Fatalf("Messages = %d, want %d", len(req.Messages), len(roles))
	}
	for i, want := range roles {
		if req.Messages[i].Role != want {
			t.Errorf("Messages[%d].Role = %q, want %q", i, req.Messages[i].Role, want)
		}
	}
	if req.Temperature == nil || *req.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", req.Temperature)
	}
	if req.MaxTokens == nil || *req.MaxTokens != 64 {
		t.Errorf("MaxTokens = %v, want 64", req.MaxTokens)
	}

	if got := c.Chat().Model("model-z").User("hi").Request().Model; got != "model-z" {
		t.Errorf("Model override = %q, want model-z", got)
	}
}

func TestChatBuilder_Execute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model       string  `json:"model"`
			Temperature float64 `json:"temperature"`
			Messages    []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		decodeJSONBody(t, r, &body)
		if body.Model != "model-x" || body.Temperature != 0.7 {
			t.Errorf("body = %+v", body)
		}
		if len(body.Messages) != 2 || body.Messages[0].Role != "system" {
			t.Errorf("messages = %+v", body.Messages)
		}
		fmt.Fprint(w, chatBody)
	}))
	defer srv.Close()

	store := testStore(t, chatManifest("primary", srv.URL))
	c, err := New("primary/model-x", WithStore(store))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	resp, err := c.Chat().
		System("you are terse").
		User("say hello").
		Temperature(0.7).
		Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Content != "Hello there" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestChatBuilder_ExecuteStreaming(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t,
		`{"choices":[{"delta":{"content":"streamed"}}]}`,
		`{"choices":[{"delta":{"content":" reply"}}]}`,
	))
	defer srv.Close()

	store := testStore(t, chatManifest("primary", srv.URL))
	c, err := New("primary/model-x", WithStore(store))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	resp, err := c.Chat().User("go").Stream().Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Content != "streamed reply" {
		t.Errorf("Content = %q, want the collected stream", resp.Content)
	}
}

func TestChatBuilder_Events(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, `{"choices":[{"delta":{"content":"live"}}]}`))
	defer srv.Close()

	store := testStore(t, chatManifest("primary", srv.URL))
	c, err := New("primary/model-x", WithStore(store))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ch, err := c.Chat().User("go").Events(context.Background())
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	events := drain(t, ch)
	if len(events) == 0 || events[0].Type != protocol.EventPartialContentDelta {
		t.Fatalf("events = %+v, want a content delta first", events)
	}
	if events[len(events)-1].Type != protocol.EventStreamEnd {
		t.Errorf("last event = %+v, want stream end", events[len(events)-1])
	}
}

func echoServer(t *testing.T, fail string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		decodeJSONBody(t, r, &body)
		prompt := body.Messages[0].Content
		if prompt == fail {
			http.Error(w, `{"error":{"message":"bad prompt"}}`, http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":"echo: %s"},"finish_reason":"stop"}]}`, prompt)
	}))
}

func TestBatch_OrderAndIsolation(t *testing.T) {
	srv := echoServer(t, "boom")
	defer srv.Close()

	store := testStore(t, chatManifest("primary", srv.URL))
	c, err := New("primary/model-x", WithStore(store))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	prompts := []string{"one", "two", "boom", "four", "five"}
	reqs := make([]*protocol.Request, len(prompts))
	for i, p := range prompts {
		reqs[i] = &protocol.Request{Messages: []protocol.Message{protocol.NewUserMessage(p)}}
	}

	results := c.Batch(context.Background(), reqs, 3)
	if len(results) != len(prompts) {
		t.Fatalf("results = %d, want %d", len(results), len(prompts))
	}
	for i, p := range prompts {
		if p == "boom" {
			if results[i].Err == nil {
				t.Errorf("results[%d].Err = nil, want the isolated failure", i)
			}
			continue
		}
		if results[i].Err != nil {
			t.Errorf("results[%d].Err = %v", i, results[i].Err)
			continue
		}
		if want := "echo: " + p; results[i].Response.Content != want {
			t.Errorf("results[%d].Content = %q, want %q", i, results[i].Response.Content, want)
		}
	}
}

func TestBatch_RespectsConcurrencyLimit(t *testing.T) {
	var inflight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inflight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
		fmt.Fprint(w, chatBody)
	}))
	defer srv.Close()

	store := testStore(t, chatManifest("primary", srv.URL))
	c, err := New("primary/model-x", WithStore(store))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	reqs := make([]*protocol.Request, 8)
	for i := range reqs {
		reqs[i] = userRequest()
	}
	for _, res := range c.Batch(context.Background(), reqs, 2) {
		if res.Err != nil {
			t.Fatalf("batch item error = %v", res.Err)
		}
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want at most 2", got)
	}
}

func TestSmartConcurrency(t *testing.T) {
	tests := []struct {
		items int
		want  int
	}{
		{1, 1},
		{3, 1},
		{4, 5},
		{10, 5},
		{11, 10},
		{500, 10},
	}
	for _, tt := range tests {
		if got := smartConcurrency(tt.items); got != tt.want {
			t.Errorf("smartConcurrency(%d) = %d, want %d", tt.items, got, tt.want)
		}
	}

	t.Run("env override", func(t *testing.T) {
		t.Setenv(EnvBatchConcurrency, "7")
		if got := smartConcurrency(100); got != 7 {
			t.Errorf("smartConcurrency(100) = %d, want the override 7", got)
		}
	})
}
