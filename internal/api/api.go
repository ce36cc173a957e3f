// Package api exposes the pipeline over HTTP: a secret-guarded trigger
// endpoint for schedulers, a multipart upload endpoint feeding the
// staging area, and a health endpoint.
package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// apiError is the wire shape of every non-2xx response.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("json encode failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, code, message, hint string) {
	writeJSON(w, status, apiError{Code: code, Message: message, Hint: hint})
}
