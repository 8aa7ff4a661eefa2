package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"batchd/internal/engine"
	"batchd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case engine.IsValidation(err):
		return http.StatusBadRequest
	case engine.IsDuplicateRequest(err):
		return http.StatusConflict
	case engine.IsEngineDead(err), engine.IsEngineNotRunning(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}
