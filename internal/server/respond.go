package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/lumishoot/lumishoot/internal/keyedlock"
	"github.com/lumishoot/lumishoot/internal/storage"
)

// apiError carries an explicit HTTP status through a handler's error
// return. Repository errors that are not apiErrors are mapped by
// statusFor.
type apiError struct {
	status int
	msg    string
}

func (e *apiError) Error() string { return e.msg }

func badRequest(msg string) error {
	return &apiError{status: http.StatusBadRequest, msg: msg}
}

func notFound(msg string) error {
	return &apiError{status: http.StatusNotFound, msg: msg}
}

// statusFor maps an error to its response status. Lock contention gets
// 503 so clients retry, an execution overrun gets 504, a damaged
// document is a server fault.
func statusFor(err error) int {
	var ae *apiError
	switch {
	case errors.As(err, &ae):
		return ae.status
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, keyedlock.ErrLockTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, keyedlock.ErrOperationTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, storage.ErrCorruptDocument):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(1))
	}
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Handler error", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
