package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"sentinel-ai/logger"
	"sentinel-ai/metrics"
	"sentinel-ai/scheduler"
)

type fixedStats scheduler.Stats

func (f fixedStats) Stats() scheduler.Stats { return scheduler.Stats(f) }

func newTestServer(token string) (*Server, *int) {
	hits := 0
	intake := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusTeapot)
	})
	stats := fixedStats{QueueLength: 2, MaxConcurrency: 1, Completed: 5}
	info := Info{Version: "test", Model: "llama-3.3-70b-versatile", Tools: []string{"check_database_health"}}
	return NewServer(intake, stats, logger.Nop(), token, info), &hits
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer("secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp["status"] != "ok" || resp["model"] != "llama-3.3-70b-versatile" {
		t.Errorf("health = %v", resp)
	}
}

func TestServer_StatsRequiresAuth(t *testing.T) {
	s, _ := newTestServer("secret")
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Scheduler scheduler.Stats `json:"scheduler"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.Scheduler.QueueLength != 2 || resp.Scheduler.Completed != 5 {
		t.Errorf("stats = %+v", resp.Scheduler)
	}
}

func TestServer_MountsIntake(t *testing.T) {
	s, hits := newTestServer("secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/investigations", strings.NewReader("x")))

	if rec.Code != http.StatusTeapot || *hits != 1 {
		t.Errorf("intake not reached: code %d hits %d", rec.Code, *hits)
	}
}

func TestServer_Metrics(t *testing.T) {
	metrics.QueueDepth.Set(3)
	s, _ := newTestServer("")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sentinel_queue_depth 3") {
		t.Error("queue depth gauge missing from /metrics")
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	s, _ := newTestServer("")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
