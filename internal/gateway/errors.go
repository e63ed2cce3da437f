package gateway

import (
	"encoding/json"
	"net/http"
)

// writeError emits the uniform error body: {"error": <stable token>,
// "message": ...} plus any extra fields the contract requires for the token
// (backend_class, route_kind, health_error, supported_capabilities, ...).
func writeError(w http.ResponseWriter, status int, token, msg string, extra map[string]any) {
	body := map[string]any{"error": token, "message": msg}
	for k, v := range extra {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
