// Package middleware holds the HTTP middleware chain of the DID service.
package middleware

import (
	"encoding/json"
	"net/http"
)

// WriteError writes the JSON error envelope shared by every endpoint.
func WriteError(w http.ResponseWriter, status int, kind, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"kind": kind, "detail": detail},
	})
}
