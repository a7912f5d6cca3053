package http

import (
	"log/slog"
	"net/http"

	"github.com/utafrali/identity/internal/service"
	"github.com/utafrali/identity/pkg/httputil"
	"github.com/utafrali/identity/pkg/pagination"
)

// UserHandler serves the user directory.
type UserHandler struct {
	service *service.AccountService
	logger  *slog.Logger
}

// NewUserHandler creates a new user directory handler.
func NewUserHandler(svc *service.AccountService, logger *slog.Logger) *UserHandler {
	return &UserHandler{service: svc, logger: logger}
}

// List handles GET /api/users
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	params := pagination.FromRequest(r)

	users, total, err := h.service.ListUsers(r.Context(), params)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, pagination.NewResult(users, total, params))
}
