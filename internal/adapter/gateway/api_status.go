package gateway

import (
	"encoding/json"
	"net/http"
	"time"
)

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Service       string   `json:"service"`
	Version       string   `json:"version"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	Clients       int      `json:"clients"`
	Methods       []string `json:"methods"`
}

// StatusHandler returns an HTTP handler for GET /api/v1/status.
func (s *Server) StatusHandler(service, version string, startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := StatusResponse{
			Service:       service,
			Version:       version,
			UptimeSeconds: int64(time.Since(startTime).Seconds()),
			Clients:       s.Clients(),
			Methods:       s.Methods(),
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			s.logger.Warn("gateway: status encode failed", "error", err)
		}
	}
}
