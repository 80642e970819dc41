package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-driverhost/internal/auth"
	"github.com/nerrad567/gray-logic-driverhost/internal/catalog"
	"github.com/nerrad567/gray-logic-driverhost/internal/driver"
	"github.com/nerrad567/gray-logic-driverhost/internal/drivers/media"
	"github.com/nerrad567/gray-logic-driverhost/internal/field"
	"github.com/nerrad567/gray-logic-driverhost/internal/host"
	"github.com/nerrad567/gray-logic-driverhost/internal/roster"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeUnsupported  = "unsupported"
	ErrCodeRejected     = "rejected"
	ErrCodeUnavailable  = "unavailable"
	ErrCodeTimeout      = "timeout"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// errorStatus maps a domain error to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, host.ErrUnknownDevice),
		errors.Is(err, field.ErrUnknownField),
		errors.Is(err, roster.ErrNotFound),
		errors.Is(err, catalog.ErrItemNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, host.ErrDeviceExists):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, field.ErrTypeMismatch),
		errors.Is(err, field.ErrOutOfRange),
		errors.Is(err, field.ErrReadOnly),
		errors.Is(err, host.ErrInvalidSpec),
		errors.Is(err, host.ErrUnknownType),
		errors.Is(err, roster.ErrInvalidEntry):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.Is(err, field.ErrListChanged):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, driver.ErrUnsupported):
		return http.StatusBadRequest, ErrCodeUnsupported
	case errors.Is(err, driver.ErrWriteRejected):
		return http.StatusUnprocessableEntity, ErrCodeRejected
	case errors.Is(err, driver.ErrNotConnected),
		errors.Is(err, driver.ErrQueueFull),
		errors.Is(err, driver.ErrStopped),
		errors.Is(err, host.ErrClosed),
		errors.Is(err, media.ErrNotLoaded):
		return http.StatusServiceUnavailable, ErrCodeUnavailable
	case errors.Is(err, driver.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrCodeTimeout
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, ErrCodeForbidden
	}
	return http.StatusInternalServerError, ErrCodeInternal
}

// writeDomainError writes err with the status errorStatus picks. Internal
// errors are logged and reported without detail.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writeInternalError(w, "internal server error")
		return
	}
	writeError(w, status, code, err.Error())
}
