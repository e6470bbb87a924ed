package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthAllHealthy(t *testing.T) {
	h := NewHealthChecker("1.0.0")
	h.Set("keys", true, "")
	h.Set("dispatcher", true, "")

	health := h.Health()
	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", health.Status)
	}
	if len(health.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(health.Components))
	}
	if health.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", health.Version)
	}
}

func TestHealthOneUnhealthy(t *testing.T) {
	h := NewHealthChecker("")
	h.Set("keys", true, "")
	h.Set("cluster", false, "peer key missing")

	health := h.Health()
	if health.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got '%s'", health.Status)
	}
	if health.Components["cluster"] != "unhealthy: peer key missing" {
		t.Errorf("unexpected component message %q", health.Components["cluster"])
	}
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *HealthChecker)
		want  string
	}{
		{"nothing registered", func(h *HealthChecker) {}, "not_ready"},
		{"one pending", func(h *HealthChecker) {
			h.Set("keys", true, "")
		}, "not_ready"},
		{"one failing", func(h *HealthChecker) {
			h.Set("keys", true, "")
			h.Set("dispatcher", false, "no listener")
		}, "not_ready"},
		{"all ready", func(h *HealthChecker) {
			h.Set("keys", true, "")
			h.Set("dispatcher", true, "")
		}, "ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker("", "keys", "dispatcher")
			tt.setup(h)
			if got := h.Readiness().Status; got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestMuxEndpoints(t *testing.T) {
	h := NewHealthChecker("dev", "keys")
	mux := h.Mux()

	tests := []struct {
		path string
		code int
	}{
		{"/ready", http.StatusServiceUnavailable},
		{"/health", http.StatusOK},
		{"/live", http.StatusOK},
		{"/metrics", http.StatusOK},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.code {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.code, rec.Code)
		}
	}

	h.Set("keys", true, "")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}

	var body HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Components["keys"] != "ready" {
		t.Errorf("unexpected component state %q", body.Components["keys"])
	}
}
