package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apperrors "github.com/utafrali/identity/pkg/errors"
	"github.com/utafrali/identity/pkg/logger"
	"github.com/utafrali/identity/pkg/validator"
)

// Response is the JSON envelope for every API response.
type Response struct {
	Data  any            `json:"data,omitempty"`
	Error *ErrorResponse `json:"error,omitempty"`
}

// ErrorResponse is the error half of the envelope.
type ErrorResponse struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// WriteJSON writes v as JSON with the given status. Encoding failures are
// ignored because the header has already been sent.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteData writes {"data": data}.
func WriteData(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, Response{Data: data})
}

// WriteErrorCode writes an error envelope with an explicit status and code.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	WriteJSON(w, status, Response{Error: &ErrorResponse{
		Code:      code,
		Message:   message,
		RequestID: logger.CorrelationIDFromContext(r.Context()),
	}})
}

// WriteError renders err in the standard envelope. AppErrors keep their code,
// message and status. Request decoding and validation failures become 400.
// Anything else is logged and rendered as a generic 500 so internal details
// never reach the client.
func WriteError(w http.ResponseWriter, r *http.Request, err error, fallback *slog.Logger) {
	l := logger.FromContext(r.Context())
	if l == slog.Default() && fallback != nil {
		l = fallback
	}
	requestID := logger.CorrelationIDFromContext(r.Context())

	var valErr *validator.ValidationError
	if errors.As(err, &valErr) {
		WriteJSON(w, http.StatusBadRequest, Response{Error: &ErrorResponse{
			Code:      "VALIDATION_ERROR",
			Message:   "request validation failed",
			Fields:    valErr.Fields(),
			RequestID: requestID,
		}})
		return
	}

	var decErr *validator.DecodeError
	if errors.As(err, &decErr) {
		WriteErrorCode(w, r, http.StatusBadRequest, "INVALID_INPUT", "invalid request body")
		return
	}

	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Internal(err)
	}

	if appErr.Status >= http.StatusInternalServerError {
		l.ErrorContext(r.Context(), "internal error",
			slog.String("error", err.Error()),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
	}

	WriteJSON(w, appErr.Status, Response{Error: &ErrorResponse{
		Code:      appErr.Code,
		Message:   appErr.Message,
		RequestID: requestID,
	}})
}
