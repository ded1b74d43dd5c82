package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMiddleware(t *testing.T) {
	m := New()
	handler := m.HTTPMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest("GET", "/v1/cases/7d9f4f50-73b4-4f9e-9d58-9a7b0a3352f1/flags", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/cases/{id}/flags", "404"))
	if got != 1 {
		t.Fatalf("expected 1 request recorded for normalized route, got %v", got)
	}
}

func TestHTTPMiddlewareDefaultsTo200(t *testing.T) {
	m := New()
	handler := m.HTTPMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200"))
	if got != 1 {
		t.Fatalf("expected 1 request recorded, got %v", got)
	}
}

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/v1/flags", "/v1/flags"},
		{"/v1/flags/7d9f4f50-73b4-4f9e-9d58-9a7b0a3352f1", "/v1/flags/{id}"},
		{"/v1/cases/7d9f4f50-73b4-4f9e-9d58-9a7b0a3352f1/status", "/v1/cases/{id}/status"},
		{"/healthz", "/healthz"},
	}
	for _, tt := range tests {
		if got := normalizeRoute(tt.in); got != tt.want {
			t.Errorf("normalizeRoute(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
