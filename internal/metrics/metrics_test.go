package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistry_ExposesRegisteredMetrics(t *testing.T) {
	reg := New()
	reg.RequestsTotal.WithLabelValues("svc", "GET", "200").Inc()
	reg.ActiveConnections.WithLabelValues("main-http").Set(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rr, req)

	body := rr.Body.String()
	if !strings.Contains(body, "quark_requests_total") {
		t.Fatalf("expected quark_requests_total in output, got:\n%s", body)
	}
	if !strings.Contains(body, "quark_active_connections") {
		t.Fatalf("expected quark_active_connections in output, got:\n%s", body)
	}
}

func TestRegistry_IndependentInstancesDoNotCollide(t *testing.T) {
	a := New()
	b := New()
	a.RequestsTotal.WithLabelValues("svc", "GET", "200").Inc()
	b.RequestsTotal.WithLabelValues("svc", "GET", "200").Inc()
}
