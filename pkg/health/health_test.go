package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLivenessAlwaysOK(t *testing.T) {
	hc := NewHealthChecker()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	hc.LivenessHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadinessFailsUntilSetReady(t *testing.T) {
	hc := NewHealthChecker()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	hc.ReadinessHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before SetReady, got %d", rec.Code)
	}

	hc.SetReady(true)
	rec = httptest.NewRecorder()
	hc.ReadinessHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after SetReady, got %d", rec.Code)
	}
}

func TestReadinessGatedBySubsystems(t *testing.T) {
	hc := NewHealthChecker()
	hc.SetReady(true)

	ready := false
	hc.RegisterSubsystem("cluster-client", func() bool { return ready })

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	hc.ReadinessHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while subsystem unready, got %d", rec.Code)
	}

	ready = true
	rec = httptest.NewRecorder()
	hc.ReadinessHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 once subsystem reports ready, got %d", rec.Code)
	}
}

func TestReadinessBodyReportsSubsystems(t *testing.T) {
	hc := NewHealthChecker()
	hc.SetReady(true)
	hc.RegisterSubsystem("image-store-writable", func() bool { return true })
	hc.RegisterSubsystem("device-manager", func() bool { return false })

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	hc.ReadinessHandler().ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected JSON content type, got %q", ct)
	}

	var body struct {
		Ready      bool            `json:"ready"`
		Subsystems map[string]bool `json:"subsystems"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding readiness body: %v", err)
	}
	if body.Ready {
		t.Fatal("expected overall ready=false with one failing subsystem")
	}
	if !body.Subsystems["image-store-writable"] || body.Subsystems["device-manager"] {
		t.Fatalf("unexpected subsystem statuses: %+v", body.Subsystems)
	}
}

func TestAttachHealthEndpointsRegistersBothRoutes(t *testing.T) {
	hc := NewHealthChecker()
	hc.SetReady(true)
	mux := http.NewServeMux()
	AttachHealthEndpoints(mux, hc)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}
