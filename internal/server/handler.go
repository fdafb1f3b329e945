package server

import (
	"encoding/json"
	"net/http"
)

// handleHealth responds with a simple JSON status indicating the server
// process is alive, independent of the filter chain's own /healthz
// (which the egress filter answers with a bare 200, without checking
// providers, the rate limiter or any other dependency).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
	})
}
