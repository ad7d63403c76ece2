// Package common carries the small HTTP helpers shared by the API handlers.
package common

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// errorBody is the wire shape of every API error response.
type errorBody struct {
	Error string `json:"error"`
}

// WriteJSON serializes v to the response with the given status code. Encode
// failures are logged rather than reported back: the status line has already
// gone out, so there is nothing useful left to tell the client.
func WriteJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response body", "status", status, "error", err)
	}
}

// WriteError sends message wrapped in the standard error body.
func WriteError(w http.ResponseWriter, message string, status int) {
	WriteJSON(w, errorBody{Error: message}, status)
}
