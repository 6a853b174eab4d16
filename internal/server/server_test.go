package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/ids-rule-runner/internal/types"
)

type fakeStatus struct {
	stats types.StatsSnapshot
	rules []*types.GeneratedRule
	limit int
}

func (f *fakeStatus) Stats() types.StatsSnapshot { return f.stats }

func (f *fakeStatus) RecentRules(limit int) []*types.GeneratedRule {
	f.limit = limit
	if limit > len(f.rules) {
		limit = len(f.rules)
	}
	return f.rules[len(f.rules)-limit:]
}

func newTestServer() (*Server, *fakeStatus) {
	status := &fakeStatus{
		stats: types.StatsSnapshot{AlertsProcessed: 7, RulesGenerated: 2, Errors: map[string]int64{"parse": 1}, UptimeSeconds: 12},
		rules: []*types.GeneratedRule{
			{SID: 2000000, Text: "alert tcp any any -> any 22 (msg:\"a\"; sid:2000000; rev:1;)", CreatedAt: time.Now()},
			{SID: 2000001, Text: "drop tcp any any -> any 22 (msg:\"b\"; sid:2000001; rev:1;)", CreatedAt: time.Now()},
		},
	}
	return New(":0", status, logrus.New()), status
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("GET /health: status %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("health status = %v", body["status"])
	}
	if body["version"] == "" || body["version"] == nil {
		t.Error("health version should be set")
	}
}

func TestServer_Stats(t *testing.T) {
	srv, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/v1/stats: status %d", rec.Code)
	}
	var snap types.StatsSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if snap.AlertsProcessed != 7 || snap.RulesGenerated != 2 || snap.Errors["parse"] != 1 {
		t.Errorf("stats = %+v", snap)
	}
}

func TestServer_Rules(t *testing.T) {
	srv, status := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rules?limit=1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/v1/rules: status %d", rec.Code)
	}
	var rules []types.GeneratedRule
	if err := json.NewDecoder(rec.Body).Decode(&rules); err != nil {
		t.Fatalf("decode rules: %v", err)
	}
	if len(rules) != 1 || rules[0].SID != 2000001 {
		t.Errorf("rules = %+v, want newest only", rules)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/rules?limit=5000", nil))
	if status.limit != maxRuleLimit {
		t.Errorf("limit = %d, want capped at %d", status.limit, maxRuleLimit)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/rules", nil))
	if status.limit != defaultRuleLimit {
		t.Errorf("default limit = %d, want %d", status.limit, defaultRuleLimit)
	}
}

func TestServer_Rules_BadLimit(t *testing.T) {
	srv, _ := newTestServer()
	for _, q := range []string{"abc", "0", "-3"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/rules?limit="+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status %d, want 400", q, rec.Code)
		}
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/stats", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/v1/stats: status %d, want 405", rec.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	srv, _ := newTestServer()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /metrics: status %d", rec.Code)
	}
}

func TestServer_Shutdown(t *testing.T) {
	srv, _ := newTestServer()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown on idle server: %v", err)
	}
}
