package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/meridianctl/agentctl/internal/apierr"
	"github.com/meridianctl/agentctl/internal/logging"
)

// ErrorResponse is the wire shape of every error body.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error code, message, and structured details.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "LOCK_CONFLICT"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeProviderError  = "PROVIDER_ERROR"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps an error kind onto its HTTP status and body shape. The
// conflict kind carries its {path, heldBy} rows as structured details so
// callers can retry intelligently.
func writeError(w http.ResponseWriter, err error) {
	if conflict, ok := apierr.AsConflict(err); ok {
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: ErrorDetail{
			Code:    ErrCodeConflict,
			Message: conflict.Error(),
			Details: map[string]any{"conflicts": conflict.Conflicts},
		}})
		return
	}

	switch {
	case errors.Is(err, apierr.ErrAuthenticationFailure):
		// No body detail on auth failures.
		w.WriteHeader(http.StatusUnauthorized)
	case errors.Is(err, apierr.ErrValidationFailure):
		writeErrorDetail(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, apierr.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeErrorDetail(w, http.StatusTooManyRequests, ErrCodeRateLimited, err.Error())
	case errors.Is(err, apierr.ErrNotFound):
		writeErrorDetail(w, http.StatusNotFound, ErrCodeNotFound, "resource not found")
	default:
		if pe, ok := apierr.AsProviderError(err); ok {
			writeErrorDetail(w, http.StatusBadGateway, ErrCodeProviderError, pe.Error())
			return
		}
		logging.Error().Err(err).Msg("internal error")
		writeErrorDetail(w, http.StatusInternalServerError, ErrCodeInternalError, "internal error")
	}
}

func writeErrorDetail(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

func validationError(msg string) error {
	return fmt.Errorf("%w: %s", apierr.ErrValidationFailure, msg)
}
