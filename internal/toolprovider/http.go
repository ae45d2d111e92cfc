package toolprovider

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/nugget/hostbridge/internal/mcp"
)

// maxRequestBody bounds a single JSON-RPC POST body.
const maxRequestBody = 1 << 20

// sessionHeader carries the session id assigned at initialize.
const sessionHeader = "Mcp-Session-Id"

// ServeHTTP serves one JSON-RPC message per POST body. Notifications
// are acknowledged with 202 Accepted and no body.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp := s.handleLine(r.Context(), body)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if resp.Error == nil && isInitialize(body) {
		w.Header().Set(sessionHeader, uuid.NewString())
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

func isInitialize(body []byte) bool {
	var head struct {
		Method string `json:"method"`
	}
	return json.Unmarshal(body, &head) == nil && head.Method == mcp.MethodInitialize
}
