package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/utafrali/identity/internal/auth"
	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/internal/event"
	"github.com/utafrali/identity/internal/reconcile"
	"github.com/utafrali/identity/internal/repository"
	apperrors "github.com/utafrali/identity/pkg/errors"
	"github.com/utafrali/identity/pkg/logger"
	"github.com/utafrali/identity/pkg/pagination"
)

// minNameLength is the shortest accepted display name, in runes.
const minNameLength = 2

// TokenIssuer mints and validates session tokens.
type TokenIssuer interface {
	Issue(userID string) (string, error)
	Validate(token string) (string, error)
}

// AccountService orchestrates account operations over the reconciler, the
// token issuer and storage.
type AccountService struct {
	users      repository.UserRepository
	reconciler *reconcile.Reconciler
	hasher     reconcile.PasswordHasher
	tokens     TokenIssuer
	events     event.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// NewAccountService creates an AccountService. A nil publisher discards
// events.
func NewAccountService(
	users repository.UserRepository,
	reconciler *reconcile.Reconciler,
	hasher reconcile.PasswordHasher,
	tokens TokenIssuer,
	events event.Publisher,
	logger *slog.Logger,
) *AccountService {
	if events == nil {
		events = event.NoopPublisher{}
	}
	return &AccountService{
		users:      users,
		reconciler: reconciler,
		hasher:     hasher,
		tokens:     tokens,
		events:     events,
		logger:     logger,
		now:        time.Now,
	}
}

// --- Input/Output types ---

// RegisterInput holds the parameters for a password registration.
type RegisterInput struct {
	Name     string
	Email    string
	Password string
}

// LoginInput holds password credentials.
type LoginInput struct {
	Email    string
	Password string
}

// AuthResult is returned by every successful sign-in.
type AuthResult struct {
	Token string            `json:"token"`
	User  domain.PublicUser `json:"user"`
}

// --- Sign-in operations ---

// Register creates a password account and returns a session token.
func (s *AccountService) Register(ctx context.Context, input RegisterInput) (*AuthResult, error) {
	user, err := s.reconciler.Register(ctx, reconcile.RegisterInput{
		Name:     input.Name,
		Email:    input.Email,
		Password: input.Password,
	})
	if err != nil {
		return nil, s.boundary(ctx, "register", err)
	}

	result, err := s.issue(ctx, user)
	if err != nil {
		return nil, err
	}

	if err := s.events.PublishUserRegistered(ctx, user, event.MethodPassword); err != nil {
		s.publishFailed(ctx, "user.registered", user.ID, err)
	}

	s.log(ctx).InfoContext(ctx, "user registered",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
	)
	return result, nil
}

// Login verifies password credentials and returns a session token.
func (s *AccountService) Login(ctx context.Context, input LoginInput) (*AuthResult, error) {
	user, err := s.reconciler.Login(ctx, input.Email, input.Password)
	if err != nil {
		return nil, s.boundary(ctx, "login", err)
	}

	result, err := s.issue(ctx, user)
	if err != nil {
		return nil, err
	}

	s.log(ctx).InfoContext(ctx, "user logged in",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
	)
	return result, nil
}

// LoginWithProvider resolves a provider profile to its user, creating or
// linking as needed, and returns a session token.
func (s *AccountService) LoginWithProvider(ctx context.Context, provider domain.Provider, profile domain.ProviderProfile) (*AuthResult, error) {
	ctx = logger.WithProvider(ctx, provider.String())

	user, res, err := s.reconciler.ResolveProfile(ctx, provider, profile)
	if err != nil {
		return nil, s.boundary(ctx, "login with provider", err)
	}

	result, err := s.issue(ctx, user)
	if err != nil {
		return nil, err
	}

	switch res {
	case reconcile.ResolutionCreated:
		if err := s.events.PublishUserRegistered(ctx, user, provider.String()); err != nil {
			s.publishFailed(ctx, "user.registered", user.ID, err)
		}
	case reconcile.ResolutionLinked:
		if err := s.events.PublishProviderLinked(ctx, user, provider); err != nil {
			s.publishFailed(ctx, "user.provider_linked", user.ID, err)
		}
	}

	s.log(ctx).InfoContext(ctx, "user signed in with provider",
		slog.String("user_id", user.ID),
		slog.String("resolution", string(res)),
	)
	return result, nil
}

// Authenticate maps a bearer token to the current user. Any invalid,
// expired or orphaned token is Unauthorized.
func (s *AccountService) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	userID, err := s.tokens.Validate(token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return nil, apperrors.Unauthorized("token has expired")
		}
		return nil, apperrors.Unauthorized("invalid or expired token")
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.Unauthorized("User not found")
		}
		return nil, s.boundary(ctx, "authenticate", err)
	}
	return user, nil
}

// --- Account operations ---

// GetProfile returns the user with userID.
func (s *AccountService) GetProfile(ctx context.Context, userID string) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.NotFound("user", userID)
		}
		return nil, s.boundary(ctx, "get profile", err)
	}
	return user, nil
}

// UpdateProfile renames the user.
func (s *AccountService) UpdateProfile(ctx context.Context, userID, name string) (*domain.User, error) {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) < minNameLength {
		return nil, apperrors.InvalidInput("Name must be at least 2 characters long")
	}

	user, err := s.users.UpdateName(ctx, userID, name, s.now().UTC())
	if err != nil {
		return nil, s.boundary(ctx, "update profile", err)
	}

	if err := s.events.PublishUserUpdated(ctx, user); err != nil {
		s.publishFailed(ctx, "user.updated", user.ID, err)
	}

	s.log(ctx).InfoContext(ctx, "profile updated", slog.String("user_id", user.ID))
	return user, nil
}

// ChangePassword replaces the password of a password account. Accounts
// without a password are refused before the inputs are looked at.
func (s *AccountService) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.GetProfile(ctx, userID)
	if err != nil {
		return err
	}

	if !user.HasPassword() {
		return apperrors.Forbidden("Cannot change password for OAuth accounts")
	}
	if current == "" || next == "" {
		return apperrors.InvalidInput("Current and new passwords are required")
	}
	if err := reconcile.CheckNewPassword(next, "New password must be at least 6 characters long"); err != nil {
		return err
	}

	ok, err := s.hasher.Verify(ctx, current, user.PasswordHash)
	if err != nil {
		return s.boundary(ctx, "verify current password", err)
	}
	if !ok {
		return apperrors.InvalidCredentials("Current password is incorrect")
	}

	digest, err := s.hasher.Hash(ctx, next)
	if err != nil {
		return s.boundary(ctx, "hash new password", err)
	}

	if err := s.users.SetPasswordHash(ctx, user.ID, user.PasswordHash, digest, s.now().UTC()); err != nil {
		if errors.Is(err, repository.ErrStaleWrite) {
			return apperrors.Conflict("Password was changed by another request, please try again")
		}
		return s.boundary(ctx, "store new password", err)
	}

	if err := s.events.PublishPasswordChanged(ctx, user.ID); err != nil {
		s.publishFailed(ctx, "user.password_changed", user.ID, err)
	}

	s.log(ctx).InfoContext(ctx, "password changed", slog.String("user_id", user.ID))
	return nil
}

// DeleteAccount hard-deletes the user. Deleting twice is NotFound.
func (s *AccountService) DeleteAccount(ctx context.Context, userID string) error {
	if err := s.users.Delete(ctx, userID); err != nil {
		return s.boundary(ctx, "delete account", err)
	}

	if err := s.events.PublishUserDeleted(ctx, userID); err != nil {
		s.publishFailed(ctx, "user.deleted", userID, err)
	}

	s.log(ctx).InfoContext(ctx, "account deleted", slog.String("user_id", userID))
	return nil
}

// ListUsers returns one page of the public user directory.
func (s *AccountService) ListUsers(ctx context.Context, params pagination.Params) ([]domain.PublicUser, int, error) {
	users, total, err := s.users.List(ctx, params.Offset, params.Limit())
	if err != nil {
		return nil, 0, s.boundary(ctx, "list users", err)
	}

	out := make([]domain.PublicUser, 0, len(users))
	for i := range users {
		out = append(out, users[i].Public())
	}
	return out, total, nil
}

// --- helpers ---

func (s *AccountService) issue(ctx context.Context, user *domain.User) (*AuthResult, error) {
	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, s.boundary(ctx, "issue token", err)
	}
	return &AuthResult{Token: token, User: user.Public()}, nil
}

// boundary passes AppErrors through unchanged and converts anything else to
// a logged Internal error.
func (s *AccountService) boundary(ctx context.Context, op string, err error) error {
	if apperrors.IsAppError(err) {
		return err
	}
	s.log(ctx).ErrorContext(ctx, "operation failed",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
	return apperrors.Internal(fmt.Errorf("%s: %w", op, err))
}

func (s *AccountService) publishFailed(ctx context.Context, eventType, userID string, err error) {
	s.log(ctx).ErrorContext(ctx, "failed to publish "+eventType+" event",
		slog.String("user_id", userID),
		slog.String("error", err.Error()),
	)
}

func (s *AccountService) log(ctx context.Context) *slog.Logger {
	return logger.WithContext(ctx, s.logger)
}
