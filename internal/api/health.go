package api

import (
	"encoding/json"
	"net/http"

	"github.com/exportkit-io/exportkit/internal/health"
)

// handleHealth serves the unauthenticated, uncached readiness probe: 200 when
// every dependency probe succeeds, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	if !report.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}
