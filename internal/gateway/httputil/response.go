package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes a JSON error response with the given status code and message.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{
		"error": message,
	})
}

// WriteErrorKind writes a JSON error response carrying a machine-readable
// error kind alongside the human message, e.g. kind "auth.signature_invalid".
func WriteErrorKind(w http.ResponseWriter, status int, kind, message string) {
	WriteJSON(w, status, map[string]string{
		"error": message,
		"kind":  kind,
	})
}
