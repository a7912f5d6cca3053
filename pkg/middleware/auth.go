package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	apperrors "github.com/utafrali/identity/pkg/errors"
	"github.com/utafrali/identity/pkg/httputil"
	"github.com/utafrali/identity/pkg/logger"
)

type contextKeyType string

const principalKey contextKeyType = "principal"

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	UserID string
	Email  string
	Name   string
	// Account is the record the Authenticator loaded, for handlers that
	// would otherwise read it again.
	Account any
}

// Authenticator resolves a bearer token to the principal it was issued for.
// It is expected to return an *apperrors.AppError describing the rejection.
type Authenticator func(ctx context.Context, token string) (*Principal, error)

// Auth rejects requests without a valid "Authorization: Bearer <token>"
// header and stores the resolved Principal in the request context.
func Auth(authenticate Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				httputil.WriteErrorCode(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "access token required")
				return
			}

			principal, err := authenticate(r.Context(), token)
			if err != nil {
				var appErr *apperrors.AppError
				if !errors.As(err, &appErr) {
					err = apperrors.Unauthorized("invalid or expired token")
				}
				httputil.WriteError(w, r, err, nil)
				return
			}

			ctx := WithPrincipal(r.Context(), principal)
			ctx = logger.WithUserID(ctx, principal.UserID)
			if l := logger.FromContext(ctx); l != slog.Default() {
				ctx = logger.NewContext(ctx, l.With(slog.String("user_id", principal.UserID)))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the token from the Authorization header. The scheme is
// matched case-insensitively.
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the principal stored by Auth.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}

// UserIDFromContext returns the authenticated user id, or "" when the request
// did not pass through Auth.
func UserIDFromContext(ctx context.Context) string {
	if p, ok := PrincipalFromContext(ctx); ok {
		return p.UserID
	}
	return ""
}
