package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utafrali/identity/internal/service"
	"github.com/utafrali/identity/pkg/health"
	"github.com/utafrali/identity/pkg/httputil"
	"github.com/utafrali/identity/pkg/middleware"
)

// RouterConfig collects what NewRouter mounts. Metrics, Gatherer and
// RateLimiter are optional.
type RouterConfig struct {
	ServiceName   string
	Accounts      *service.AccountService
	OAuth         OAuthFlow
	Health        *health.Handler
	Metrics       *middleware.HTTPMetrics
	Gatherer      prometheus.Gatherer
	RateLimiter   *middleware.RateLimiter
	CORS          middleware.CORSConfig
	FrontendURL   string
	UserDirectory bool
	Logger        *slog.Logger
}

// NewRouter creates a chi router with all identity routes registered.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))
	r.Use(middleware.RequestLogger(logger))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}
	r.Use(middleware.CORS(cfg.CORS))

	// Health check endpoints
	r.Get("/api/health", apiHealth)
	r.Get("/health/live", cfg.Health.LivenessHandler())
	r.Get("/health/ready", cfg.Health.ReadinessHandler())
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	authn := middleware.Auth(accountAuthenticator(cfg.Accounts))
	limit := func(next http.Handler) http.Handler { return next }
	if cfg.RateLimiter != nil {
		limit = cfg.RateLimiter.Middleware
	}

	authHandler := NewAuthHandler(cfg.Accounts, logger)
	oauthHandler := NewOAuthHandler(cfg.OAuth, cfg.Accounts, cfg.FrontendURL, logger)

	r.Route("/api/auth", func(r chi.Router) {
		// Credential endpoints (public, rate limited)
		r.Group(func(r chi.Router) {
			r.Use(limit)
			r.With(ContentTypeJSON).Post("/register", authHandler.Register)
			r.With(ContentTypeJSON).Post("/login", authHandler.Login)
			r.Get("/{provider}", oauthHandler.Start)
			r.Get("/{provider}/callback", oauthHandler.Callback)
		})

		// Account endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(ContentTypeJSON)
			r.Use(authn)

			r.Get("/verify", authHandler.Verify)
			r.Get("/profile", authHandler.GetProfile)
			r.Put("/profile", authHandler.UpdateProfile)
			r.Put("/change-password", authHandler.ChangePassword)
			r.Post("/logout", authHandler.Logout)
			r.Delete("/account", authHandler.DeleteAccount)
		})
	})

	if cfg.UserDirectory {
		userHandler := NewUserHandler(cfg.Accounts, logger)
		r.With(authn).Get("/api/users", userHandler.List)
	}

	return r
}

type apiHealthResponse struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func apiHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, apiHealthResponse{
		Status:    "OK",
		Message:   "Auth API is running",
		Timestamp: time.Now().UTC(),
	})
}
