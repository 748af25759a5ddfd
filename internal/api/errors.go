package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"secondlayer/internal/views"
)

// Error codes surfaced in {error, code} responses.
const (
	CodeStreamNotFound      = "STREAM_NOT_FOUND"
	CodeViewNotFound        = "VIEW_NOT_FOUND"
	CodeTableNotFound       = "TABLE_NOT_FOUND"
	CodeRowNotFound         = "ROW_NOT_FOUND"
	CodeInvalidColumn       = "INVALID_COLUMN"
	CodeValidationError     = "VALIDATION_ERROR"
	CodeLimitExceeded       = "LIMIT_EXCEEDED"
	CodeAuthenticationError = "AUTHENTICATION_ERROR"
	CodeAuthorizationError  = "AUTHORIZATION_ERROR"
	CodeRateLimitError      = "RATE_LIMIT_ERROR"
	CodeInternalError       = "INTERNAL_ERROR"
)

var codeStatus = map[string]int{
	CodeStreamNotFound:      http.StatusNotFound,
	CodeViewNotFound:        http.StatusNotFound,
	CodeTableNotFound:       http.StatusNotFound,
	CodeRowNotFound:         http.StatusNotFound,
	CodeInvalidColumn:       http.StatusBadRequest,
	CodeValidationError:     http.StatusBadRequest,
	CodeLimitExceeded:       http.StatusTooManyRequests,
	CodeAuthenticationError: http.StatusUnauthorized,
	CodeAuthorizationError:  http.StatusForbidden,
	CodeRateLimitError:      http.StatusTooManyRequests,
	CodeInternalError:       http.StatusInternalServerError,
}

func writeError(w http.ResponseWriter, code, message string) {
	status, ok := codeStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeQueryError maps view engine errors to response codes.
func writeQueryError(w http.ResponseWriter, err error) {
	var ice *views.InvalidColumnError
	switch {
	case errors.As(err, &ice):
		writeError(w, CodeInvalidColumn, ice.Error())
	case errors.Is(err, views.ErrViewNotFound):
		writeError(w, CodeViewNotFound, "view not found")
	case errors.Is(err, views.ErrTableNotFound):
		writeError(w, CodeTableNotFound, "table not found")
	case errors.Is(err, views.ErrRowNotFound):
		writeError(w, CodeRowNotFound, "row not found")
	default:
		writeError(w, CodeInternalError, err.Error())
	}
}
