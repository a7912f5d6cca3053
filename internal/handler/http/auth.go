package http

import (
	"log/slog"
	"net/http"

	"github.com/utafrali/identity/internal/service"
	"github.com/utafrali/identity/pkg/httputil"
	"github.com/utafrali/identity/pkg/middleware"
	"github.com/utafrali/identity/pkg/validator"
)

// AuthHandler handles the password and account endpoints.
type AuthHandler struct {
	service *service.AccountService
	logger  *slog.Logger
}

// NewAuthHandler creates a new auth HTTP handler.
func NewAuthHandler(svc *service.AccountService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{service: svc, logger: logger}
}

// --- Request DTOs ---
//
// Tags only bound lengths. Missing fields are reported by the service so
// clients get the same messages whatever the transport.

// RegisterRequest is the JSON request body for registration.
type RegisterRequest struct {
	Name     string `json:"name" validate:"max=100"`
	Email    string `json:"email" validate:"max=254"`
	Password string `json:"password" validate:"max=256"`
}

// LoginRequest is the JSON request body for login.
type LoginRequest struct {
	Email    string `json:"email" validate:"max=254"`
	Password string `json:"password" validate:"max=256"`
}

// UpdateProfileRequest is the JSON request body for a profile update.
type UpdateProfileRequest struct {
	Name string `json:"name" validate:"max=100"`
}

// ChangePasswordRequest is the JSON request body for a password change.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"max=256"`
	NewPassword     string `json:"newPassword" validate:"max=256"`
}

// --- Response types ---

// AuthResponse carries an optional message, token and user.
type AuthResponse struct {
	Message string `json:"message,omitempty"`
	Token   string `json:"token,omitempty"`
	User    any    `json:"user,omitempty"`
}

// --- Handlers ---

// Register handles POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	result, err := h.service.Register(r.Context(), service.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusCreated, AuthResponse{
		Message: "User created successfully",
		Token:   result.Token,
		User:    result.User,
	})
}

// Login handles POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	result, err := h.service.Login(r.Context(), service.LoginInput{
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, AuthResponse{
		Message: "Login successful",
		Token:   result.Token,
		User:    result.User,
	})
}

// Verify handles GET /api/auth/verify
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, AuthResponse{
		Message: "Token is valid",
		User:    user.Public(),
	})
}

// GetProfile handles GET /api/auth/profile
func (h *AuthHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, AuthResponse{User: user.Profile()})
}

// UpdateProfile handles PUT /api/auth/profile
func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req UpdateProfileRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	user, err := h.service.UpdateProfile(r.Context(), middleware.UserIDFromContext(r.Context()), req.Name)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, AuthResponse{
		Message: "Profile updated successfully",
		User:    user.Public(),
	})
}

// ChangePassword handles PUT /api/auth/change-password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req ChangePasswordRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	err := h.service.ChangePassword(r.Context(), middleware.UserIDFromContext(r.Context()),
		req.CurrentPassword, req.NewPassword)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, AuthResponse{Message: "Password changed successfully"})
}

// Logout handles POST /api/auth/logout. Tokens are stateless, so this only
// acknowledges; the client discards its token.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	httputil.WriteData(w, http.StatusOK, AuthResponse{Message: "Logged out successfully"})
}

// DeleteAccount handles DELETE /api/auth/account
func (h *AuthHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteAccount(r.Context(), middleware.UserIDFromContext(r.Context())); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, AuthResponse{Message: "Account deleted successfully"})
}
