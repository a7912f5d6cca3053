package http

import (
	"context"
	"net/http"

	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/internal/service"
	"github.com/utafrali/identity/pkg/middleware"
)

// accountAuthenticator bridges bearer auth to the account service. Only
// tokens of users that still exist are accepted.
func accountAuthenticator(svc *service.AccountService) middleware.Authenticator {
	return func(ctx context.Context, token string) (*middleware.Principal, error) {
		user, err := svc.Authenticate(ctx, token)
		if err != nil {
			return nil, err
		}
		pub := user.Public()
		return &middleware.Principal{
			UserID:  pub.ID,
			Email:   pub.Email,
			Name:    pub.Name,
			Account: user,
		}, nil
	}
}

// currentUser returns the user loaded by the Auth middleware. It reads
// storage only when the principal carries no account.
func (h *AuthHandler) currentUser(r *http.Request) (*domain.User, error) {
	if p, ok := middleware.PrincipalFromContext(r.Context()); ok {
		if user, ok := p.Account.(*domain.User); ok && user != nil {
			return user, nil
		}
	}
	return h.service.GetProfile(r.Context(), middleware.UserIDFromContext(r.Context()))
}
