package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seokmin100/Youtube-LiveSubtitle/internal/logging"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/stream"
)

func newTestAPI(t *testing.T) (*testEnv, http.Handler) {
	t.Helper()
	env := newTestEnv(t, nil, nil)
	env.cfg.Transcription.APIKey = "super-secret"

	api := NewHTTPServer(env.cfg.HTTP, logging.Discard(), env.cfg, env.mgr, env.ws, env.metrics)
	return env, api.Handler()
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHTTPEndpoints(t *testing.T) {
	_, h := newTestAPI(t)

	tests := []struct {
		path     string
		status   int
		contains string
	}{
		{"/", http.StatusOK, "Live Subtitle Server"},
		{"/health", http.StatusOK, `"status":"healthy"`},
		{"/sessions", http.StatusOK, `"total_sessions":0`},
		{"/sessions/", http.StatusBadRequest, "Session ID required"},
		{"/sessions/unknown", http.StatusNotFound, "Session not found"},
		{"/config", http.StatusOK, `"backend":"placeholder"`},
		{"/stats", http.StatusOK, `"websocket"`},
		{"/stats/transcription", http.StatusOK, `"total_requests"`},
		{"/nope", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := get(t, h, tt.path)
			if rec.Code != tt.status {
				t.Fatalf("Expected status %d, got %d", tt.status, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("Expected body to contain %q, got %s", tt.contains, rec.Body.String())
			}
		})
	}
}

func TestConfigEndpointOmitsAPIKey(t *testing.T) {
	_, h := newTestAPI(t)

	rec := get(t, h, "/config")
	if strings.Contains(rec.Body.String(), "super-secret") {
		t.Error("API key leaked through /config")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, h := newTestAPI(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	env, h := newTestAPI(t)
	dialTest(t, env.url)
	waitFor(t, "session", func() bool { return env.mgr.GetActiveSessionCount() == 1 })

	rec := get(t, h, "/sessions")
	var list struct {
		Total    int                  `json:"total_sessions"`
		Sessions []stream.SessionInfo `json:"sessions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("Failed to decode sessions: %v", err)
	}
	if list.Total != 1 || len(list.Sessions) != 1 {
		t.Fatalf("Expected one session, got %+v", list)
	}

	id := list.Sessions[0].SessionID
	rec = get(t, h, "/sessions/"+id)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var info stream.SessionInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("Failed to decode session: %v", err)
	}
	if info.SessionID != id {
		t.Errorf("Expected session %s, got %s", id, info.SessionID)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := newTestAPI(t)

	// Generate a request metric first
	get(t, h, "/health")

	rec := get(t, h, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "livesub_http_requests_total") {
		t.Error("Expected HTTP request metric in exposition")
	}
}
