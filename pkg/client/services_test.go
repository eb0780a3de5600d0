package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/kadirpekel/manifold/pkg/errcode"
	"github.com/kadirpekel/manifold/pkg/manifest"
)

func TestCallService_ReturnsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/balance" {
			t.Errorf("got %s %s", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("units"); got != "usd" {
			t.Errorf("units = %q, want usd", got)
		}
		if got := r.Header.Get("x-billing-tier"); got != "free" {
			t.Errorf("x-billing-tier = %q, want free", got)
		}
		fmt.Fprint(w, `{"balance":42.5,"currency":"usd"}`)
	}))
	defer srv.Close()

	m := chatManifest("primary", srv.URL)
	m.Services = map[string]manifest.Service{
		"get_balance": {
			Path:        "/v1/balance",
			QueryParams: map[string]string{"units": "usd"},
			Headers:     map[string]string{"x-billing-tier": "free"},
		},
	}
	store := testStore(t, m)
	c, err := New("primary/model-x", WithStore(store))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	payload, err := c.CallService(context.Background(), "get_balance")
	if err != nil {
		t.Fatalf("CallService() error = %v", err)
	}
	var doc struct {
		Balance  float64 `json:"balance"`
		Currency string  `json:"currency"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if doc.Balance != 42.5 || doc.Currency != "usd" {
		t.Errorf("payload = %+v", doc)
	}
}

func TestCallService_UnknownService(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	store := testStore(t, chatManifest("primary", srv.URL))
	c, err := New("primary/model-x", WithStore(store))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = c.CallService(context.Background(), "get_balance")
	assertCode(t, err, errcode.CodeNotFound)
	if calls.Load() != 0 {
		t.Errorf("calls = %d, want no I/O for an undeclared service", calls.Load())
	}
}

func TestCallService_RetriesPerManifestPolicy(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error":{"message":"hiccup"}}`, http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"status":"ok"}`)
	}))
	defer srv.Close()

	m := chatManifest("primary", srv.URL)
	m.Services = map[string]manifest.Service{"status": {Path: "/status"}}
	store := testStore(t, m)
	c, err := New("primary/model-x", WithStore(store))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	payload, err := c.CallService(context.Background(), "status")
	if err != nil {
		t.Fatalf("CallService() error = %v", err)
	}
	if string(payload) != `{"status":"ok"}` {
		t.Errorf("payload = %s", payload)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", calls.Load())
	}
}

func TestListModels(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "openai shape",
			body: `{"object":"list","data":[{"id":"gpt-4o"},{"id":"gpt-4o-mini"}]}`,
			want: []string{"gpt-4o", "gpt-4o-mini"},
		},
		{
			name: "gemini shape",
			body: `{"models":[{"name":"models/gemini-2.0-flash"},{"name":"models/gemini-2.0-pro"}]}`,
			want: []string{"models/gemini-2.0-flash", "models/gemini-2.0-pro"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			m := chatManifest("primary", srv.URL)
			m.Services = map[string]manifest.Service{"list_models": {Path: "/v1/models"}}
			store := testStore(t, m)
			c, err := New("primary/model-x", WithStore(store))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}

			got, err := c.ListModels(context.Background())
			if err != nil {
				t.Fatalf("ListModels() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("models = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("models[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func healthManifest(id, baseURL string, expected ...int) *manifest.Manifest {
	m := chatManifest(id, baseURL)
	m.Availability = &manifest.Availability{
		Check: &manifest.HealthCheck{Path: "/healthz", ExpectedStatus: expected},
	}
	return m
}

func TestCheckHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/healthz" {
				t.Errorf("path = %q", r.URL.Path)
			}
			fmt.Fprint(w, `{"status":"up"}`)
		}))
		defer srv.Close()

		c, err := New("primary/model-x", WithStore(testStore(t, healthManifest("primary", srv.URL))))
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		status, err := c.CheckHealth(context.Background())
		if err != nil {
			t.Fatalf("CheckHealth() error = %v", err)
		}
		if !status.Healthy || status.HTTPStatus != http.StatusOK {
			t.Errorf("status = %+v, want healthy 200", status)
		}
	})

	t.Run("unhealthy", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":{"message":"db down"}}`, http.StatusInternalServerError)
		}))
		defer srv.Close()

		c, err := New("primary/model-x", WithStore(testStore(t, healthManifest("primary", srv.URL))))
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		status, err := c.CheckHealth(context.Background())
		if err != nil {
			t.Fatalf("CheckHealth() error = %v", err)
		}
		if status.Healthy || status.HTTPStatus != http.StatusInternalServerError || status.Error == "" {
			t.Errorf("status = %+v, want unhealthy 500 with a message", status)
		}
	})

	t.Run("expected non-2xx counts as healthy", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":{"message":"credentials required"}}`, http.StatusUnauthorized)
		}))
		defer srv.Close()

		// An auth wall on the probe path still proves the service is up.
		c, err := New("primary/model-x",
			WithStore(testStore(t, healthManifest("primary", srv.URL, http.StatusUnauthorized))))
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		status, err := c.CheckHealth(context.Background())
		if err != nil {
			t.Fatalf("CheckHealth() error = %v", err)
		}
		if !status.Healthy || status.HTTPStatus != http.StatusUnauthorized {
			t.Errorf("status = %+v, want healthy 401", status)
		}
	})

	t.Run("no check declared", func(t *testing.T) {
		c, err := New("primary/model-x",
			WithStore(testStore(t, chatManifest("primary", "https://api.primary.dev"))))
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		_, err = c.CheckHealth(context.Background())
		assertCode(t, err, errcode.CodeNotFound)
	})
}
