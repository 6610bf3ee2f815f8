package server

import (
	"encoding/json"
	"net/http"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	deps Deps
}

// NewHandlers creates handlers with their dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
