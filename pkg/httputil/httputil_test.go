package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/utafrali/identity/pkg/errors"
	"github.com/utafrali/identity/pkg/logger"
	"github.com/utafrali/identity/pkg/validator"
)

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

// --- WriteJSON / WriteData ---

func TestWriteData_Envelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteData(rec, http.StatusCreated, map[string]string{"id": "u-1"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"data":{"id":"u-1"}}`, rec.Body.String())
}

// --- WriteError ---

func TestWriteError_AppErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{apperrors.InvalidInput("password must be at least 6 characters"), http.StatusBadRequest, "INVALID_INPUT"},
		{apperrors.Conflict("user already exists with this email"), http.StatusConflict, "CONFLICT"},
		{apperrors.InvalidCredentials("invalid email or password"), http.StatusBadRequest, "INVALID_CREDENTIALS"},
		{apperrors.Unauthorized("token is not valid"), http.StatusUnauthorized, "UNAUTHORIZED"},
		{apperrors.Forbidden("account has no password"), http.StatusBadRequest, "FORBIDDEN"},
		{apperrors.NotFound("user", "u-1"), http.StatusNotFound, "NOT_FOUND"},
		{fmt.Errorf("wrapped: %w", apperrors.Conflict("dup")), http.StatusConflict, "CONFLICT"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err, slog.Default())

			assert.Equal(t, tt.status, rec.Code)
			resp := decodeResponse(t, rec)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestWriteError_UnknownErrorIsGeneric500AndLogged(t *testing.T) {
	var buf bytes.Buffer
	fallback := slog.New(slog.NewJSONHandler(&buf, nil))

	rec := httptest.NewRecorder()
	WriteError(rec, httptest.NewRequest(http.MethodGet, "/api/auth/profile", nil),
		fmt.Errorf("pq: connection to 10.0.0.5 refused"), fallback)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, "INTERNAL_ERROR", resp.Error.Code)
	assert.Equal(t, "an internal error occurred", resp.Error.Message)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
	assert.Contains(t, buf.String(), "internal error")
}

func TestWriteError_ValidationError(t *testing.T) {
	type dto struct {
		Email string `json:"email" validate:"required"`
	}
	err := validator.Validate(dto{})

	rec := httptest.NewRecorder()
	WriteError(rec, httptest.NewRequest(http.MethodPost, "/", nil), err, slog.Default())

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
	assert.Equal(t, "is required", resp.Error.Fields["email"])
}

func TestWriteError_DecodeError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, httptest.NewRequest(http.MethodPost, "/", nil),
		&validator.DecodeError{Err: fmt.Errorf("unexpected EOF")}, slog.Default())

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", decodeResponse(t, rec).Error.Code)
}

func TestWriteError_IncludesRequestID(t *testing.T) {
	ctx := logger.WithCorrelationID(context.Background(), "corr-42")
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)

	rec := httptest.NewRecorder()
	WriteError(rec, req, apperrors.NotFound("user", "u-1"), slog.Default())

	assert.Equal(t, "corr-42", decodeResponse(t, rec).Error.RequestID)
}

func TestWriteErrorCode(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorCode(rec, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", decodeResponse(t, rec).Error.Code)
}
