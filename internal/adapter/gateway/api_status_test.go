package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStatusHandler_Success(t *testing.T) {
	srv := NewServer(newTestAuth(), "127.0.0.1:0", slog.Default())
	srv.RegisterHandler("runs.status", nil)
	srv.RegisterHandler("agents.list_public", nil)

	handler := srv.StatusHandler("athena", "1.2.3", time.Now().Add(-60*time.Second))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var resp StatusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if resp.Service != "athena" || resp.Version != "1.2.3" {
		t.Errorf("service = %q version = %q", resp.Service, resp.Version)
	}
	if resp.UptimeSeconds < 59 {
		t.Errorf("UptimeSeconds = %d, want >= 59", resp.UptimeSeconds)
	}
	if resp.Clients != 0 {
		t.Errorf("Clients = %d, want 0", resp.Clients)
	}
	if len(resp.Methods) != 2 || resp.Methods[0] != "agents.list_public" {
		t.Errorf("Methods = %v", resp.Methods)
	}
}

func TestStatusHandler_MethodNotAllowed(t *testing.T) {
	srv := NewServer(newTestAuth(), "127.0.0.1:0", slog.Default())
	handler := srv.StatusHandler("athena", "dev", time.Now())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/status", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}
