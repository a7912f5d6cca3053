package http

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/internal/service"
	"github.com/utafrali/identity/pkg/httputil"
	"github.com/utafrali/identity/pkg/logger"
)

// OAuthFlow runs the provider redirect dance.
type OAuthFlow interface {
	Enabled(p domain.Provider) bool
	Begin(ctx context.Context, p domain.Provider) (string, error)
	Complete(ctx context.Context, p domain.Provider, state, code string) (domain.ProviderProfile, error)
}

// OAuthHandler handles provider sign-in redirects and callbacks.
type OAuthHandler struct {
	flow        OAuthFlow
	service     *service.AccountService
	frontendURL string
	logger      *slog.Logger
}

// NewOAuthHandler creates a new OAuth HTTP handler. Callbacks redirect to
// frontendURL.
func NewOAuthHandler(flow OAuthFlow, svc *service.AccountService, frontendURL string, logger *slog.Logger) *OAuthHandler {
	return &OAuthHandler{
		flow:        flow,
		service:     svc,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		logger:      logger,
	}
}

// Start handles GET /api/auth/{provider}
func (h *OAuthHandler) Start(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.provider(w, r)
	if !ok {
		return
	}

	authURL, err := h.flow.Begin(r.Context(), provider)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback handles GET /api/auth/{provider}/callback. Every failure sends the
// browser back to the login page with <provider>_auth_failed.
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.provider(w, r)
	if !ok {
		return
	}
	ctx := logger.WithProvider(r.Context(), provider.String())
	log := logger.WithContext(ctx, h.logger)

	q := r.URL.Query()
	if denied := q.Get("error"); denied != "" {
		log.WarnContext(ctx, "provider sign-in denied", slog.String("reason", denied))
		h.redirectFailure(w, r, provider)
		return
	}

	profile, err := h.flow.Complete(ctx, provider, q.Get("state"), q.Get("code"))
	if err != nil {
		log.WarnContext(ctx, "provider sign-in failed", slog.String("error", err.Error()))
		h.redirectFailure(w, r, provider)
		return
	}

	result, err := h.service.LoginWithProvider(ctx, provider, profile)
	if err != nil {
		log.WarnContext(ctx, "provider sign-in rejected", slog.String("error", err.Error()))
		h.redirectFailure(w, r, provider)
		return
	}

	http.Redirect(w, r, h.frontendURL+"/auth/success?token="+url.QueryEscape(result.Token), http.StatusFound)
}

func (h *OAuthHandler) provider(w http.ResponseWriter, r *http.Request) (domain.Provider, bool) {
	provider, err := domain.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil || !h.flow.Enabled(provider) {
		httputil.WriteErrorCode(w, r, http.StatusNotFound, "NOT_FOUND", "sign-in provider not available")
		return "", false
	}
	return provider, true
}

func (h *OAuthHandler) redirectFailure(w http.ResponseWriter, r *http.Request, p domain.Provider) {
	http.Redirect(w, r, h.frontendURL+"/login?error="+p.String()+"_auth_failed", http.StatusFound)
}
