package middleware

import (
	"encoding/json"
	"net/http"
)

// Problem is the JSON body of every non-2xx API response.
type Problem struct {
	Error     string              `json:"error"`
	Code      string              `json:"code"`
	Retryable bool                `json:"retryable,omitempty"`
	RequestID string              `json:"request_id,omitempty"`
	Fields    map[string][]string `json:"fields,omitempty"`
	Details   map[string]any      `json:"details,omitempty"`
}

// WriteProblem writes p with the request's correlation id filled in.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, p Problem) {
	if p.RequestID == "" {
		p.RequestID = GetRequestID(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}
