// Package reconcile maps credential assertions and provider profiles onto
// exactly one canonical user record, creating or linking as needed.
//
// Storage enforces uniqueness of email and provider ids. The reconciler turns
// a uniqueness rejection into either a second resolution pass or a Conflict,
// so concurrent first sign-ins for the same person never create two users.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/internal/hasher"
	"github.com/utafrali/identity/internal/repository"
	apperrors "github.com/utafrali/identity/pkg/errors"
	"github.com/utafrali/identity/pkg/logger"
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 6

// Client-facing messages.
const (
	msgAllFieldsRequired    = "All fields are required"
	msgPasswordTooShort     = "Password must be at least 6 characters long"
	msgPasswordTooLong      = "Password must be at most 72 bytes long"
	msgUserExists           = "User already exists with this email"
	msgCredentialsRequired  = "Email and password are required"
	msgInvalidCredentials   = "Invalid email or password"
	msgUseProviderSignIn    = "Please sign in with Google or GitHub, or reset your password"
	msgUnresolvable         = "Could not resolve the account for this sign-in, please retry"
	msgProviderAccountTaken = "This email is already linked to a different %s account"
	msgReservedEmail        = "This email address is reserved"
	msgPlaceholderClaimed   = "This %s account cannot be linked automatically, please sign in with your password"
)

// Resolution says how an assertion was matched to its user.
type Resolution string

const (
	ResolutionCreated       Resolution = "created"
	ResolutionAuthenticated Resolution = "authenticated"
	ResolutionMatched       Resolution = "matched"
	ResolutionLinked        Resolution = "linked"
)

// PasswordHasher derives and checks password digests.
type PasswordHasher interface {
	Hash(ctx context.Context, plaintext string) (string, error)
	Verify(ctx context.Context, plaintext, digest string) (bool, error)
}

// errLostRace marks a write rejected because a concurrent request claimed the
// same email or provider id first.
var errLostRace = errors.New("lost uniqueness race")

// Reconciler resolves sign-in assertions to users.
type Reconciler struct {
	users   repository.UserRepository
	hasher  PasswordHasher
	metrics *Metrics
	now     func() time.Time
	newID   func() string
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithIDGenerator replaces uuid.NewString for new user ids.
func WithIDGenerator(newID func() string) Option {
	return func(r *Reconciler) { r.newID = newID }
}

// WithMetrics records outcomes on m.
func WithMetrics(m *Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// New creates a Reconciler.
func New(users repository.UserRepository, h PasswordHasher, opts ...Option) *Reconciler {
	r := &Reconciler{
		users:  users,
		hasher: h,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterInput is a password registration assertion.
type RegisterInput struct {
	Name     string
	Email    string
	Password string
}

// Register creates a password user. The email must not belong to any user.
func (r *Reconciler) Register(ctx context.Context, in RegisterInput) (user *domain.User, err error) {
	defer func() { r.metrics.record(pathRegister, ResolutionCreated, err) }()

	name := strings.TrimSpace(in.Name)
	email := domain.NormalizeEmail(in.Email)
	if name == "" || email == "" || in.Password == "" {
		return nil, apperrors.InvalidInput(msgAllFieldsRequired)
	}
	if domain.IsPlaceholderEmail(email) {
		return nil, apperrors.InvalidInput(msgReservedEmail)
	}
	if err := checkPassword(in.Password); err != nil {
		return nil, err
	}

	switch _, err := r.users.GetByEmail(ctx, email); {
	case err == nil:
		return nil, apperrors.Conflict(msgUserExists)
	case !errors.Is(err, apperrors.ErrNotFound):
		return nil, fmt.Errorf("look up email: %w", err)
	}

	digest, err := r.hasher.Hash(ctx, in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := r.now().UTC()
	user = &domain.User{
		ID:           r.newID(),
		Name:         name,
		Email:        email,
		PasswordHash: digest,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastLogin:    now,
	}
	if err := user.Validate(); err != nil {
		return nil, fmt.Errorf("validate new user: %w", err)
	}

	if err := r.users.Create(ctx, user); err != nil {
		if errors.Is(err, apperrors.ErrAlreadyExists) {
			return nil, apperrors.Conflict(msgUserExists)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Login verifies password credentials and advances LastLogin.
func (r *Reconciler) Login(ctx context.Context, email, password string) (user *domain.User, err error) {
	defer func() { r.metrics.record(pathLogin, ResolutionAuthenticated, err) }()

	email = domain.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, apperrors.InvalidInput(msgCredentialsRequired)
	}

	user, err = r.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.InvalidCredentials(msgInvalidCredentials)
		}
		return nil, fmt.Errorf("look up email: %w", err)
	}

	if !user.HasPassword() {
		return nil, apperrors.InvalidCredentials(msgUseProviderSignIn)
	}

	ok, err := r.hasher.Verify(ctx, password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return nil, apperrors.InvalidCredentials(msgInvalidCredentials)
	}

	user, err = r.users.TouchLastLogin(ctx, user.ID, r.now().UTC())
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.InvalidCredentials(msgInvalidCredentials)
		}
		return nil, fmt.Errorf("record login: %w", err)
	}
	return user, nil
}

// ResolveProfile maps a provider profile to its user. The provider id lookup
// always runs before the email lookup. A user found by email is linked. When
// neither matches a new user is created. If that create loses a race the
// lookups run exactly once more before giving up with Conflict.
func (r *Reconciler) ResolveProfile(ctx context.Context, provider domain.Provider, profile domain.ProviderProfile) (user *domain.User, res Resolution, err error) {
	defer func() { r.metrics.record(pathProvider, res, err) }()

	if _, perr := domain.ParseProvider(string(provider)); perr != nil {
		return nil, "", apperrors.InvalidInput(perr.Error())
	}
	if strings.TrimSpace(profile.ID) == "" {
		return nil, "", apperrors.InvalidInput("provider profile has no id")
	}

	email := resolveEmail(provider, profile)

	user, res, err = r.resolveExisting(ctx, provider, profile, email)
	if user != nil || (err != nil && !errors.Is(err, errLostRace)) {
		return user, res, err
	}

	if err == nil {
		user, err = r.createFromProfile(ctx, provider, profile, email)
		if err == nil {
			return user, ResolutionCreated, nil
		}
		if !errors.Is(err, apperrors.ErrAlreadyExists) {
			return nil, "", fmt.Errorf("create user: %w", err)
		}
	}

	logger.WithContext(ctx, logger.FromContext(ctx)).WarnContext(ctx, "concurrent sign-in detected, resolving again",
		slog.String("provider", provider.String()),
	)

	user, res, err = r.resolveExisting(ctx, provider, profile, email)
	switch {
	case user != nil:
		return user, res, nil
	case err != nil && !errors.Is(err, errLostRace):
		return nil, "", err
	default:
		return nil, "", apperrors.Conflict(msgUnresolvable)
	}
}

// resolveExisting runs the provider-id and email lookups. It returns a nil
// user and nil error when nothing matches, and errLostRace when linking was
// rejected by a concurrent claim.
func (r *Reconciler) resolveExisting(ctx context.Context, provider domain.Provider, profile domain.ProviderProfile, email string) (*domain.User, Resolution, error) {
	user, err := r.users.GetByProviderID(ctx, provider, profile.ID)
	switch {
	case err == nil:
		user, err = r.users.TouchLastLogin(ctx, user.ID, r.now().UTC())
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			return nil, "", errLostRace
		case err != nil:
			return nil, "", fmt.Errorf("record login: %w", err)
		}
		return user, ResolutionMatched, nil
	case !errors.Is(err, apperrors.ErrNotFound):
		return nil, "", fmt.Errorf("look up provider id: %w", err)
	}

	user, err = r.users.GetByEmail(ctx, email)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return nil, "", nil
	case err != nil:
		return nil, "", fmt.Errorf("look up email: %w", err)
	}

	if existing := user.ProviderID(provider); existing != "" && existing != profile.ID {
		return nil, "", apperrors.Conflict(fmt.Sprintf(msgProviderAccountTaken, providerTitle(provider)))
	}
	if domain.IsPlaceholderEmail(email) && !ownedByProviders(user) {
		return nil, "", apperrors.Conflict(fmt.Sprintf(msgPlaceholderClaimed, providerTitle(provider)))
	}

	linked, err := r.users.LinkProvider(ctx, user.ID, repository.ProviderLink{
		Provider:    provider,
		ProviderID:  profile.ID,
		Avatar:      profile.AvatarURL,
		VerifyEmail: !domain.IsPlaceholderEmail(email),
		At:          r.now().UTC(),
	})
	switch {
	case err == nil:
		return linked, ResolutionLinked, nil
	case errors.Is(err, repository.ErrProviderSlotTaken):
		return nil, "", apperrors.Conflict(fmt.Sprintf(msgProviderAccountTaken, providerTitle(provider)))
	case errors.Is(err, apperrors.ErrAlreadyExists), errors.Is(err, apperrors.ErrNotFound):
		return nil, "", errLostRace
	default:
		return nil, "", fmt.Errorf("link provider: %w", err)
	}
}

// ownedByProviders reports whether u can only be reached through provider
// sign-in. Only such users may be linked through a placeholder address.
func ownedByProviders(u *domain.User) bool {
	return !u.HasPassword() && len(u.LinkedProviders()) > 0
}

func (r *Reconciler) createFromProfile(ctx context.Context, provider domain.Provider, profile domain.ProviderProfile, email string) (*domain.User, error) {
	now := r.now().UTC()
	user := &domain.User{
		ID:            r.newID(),
		Name:          displayName(profile, email),
		Email:         email,
		Avatar:        profile.AvatarURL,
		EmailVerified: !domain.IsPlaceholderEmail(email),
		CreatedAt:     now,
		UpdatedAt:     now,
		LastLogin:     now,
	}
	if err := user.SetProviderID(provider, profile.ID); err != nil {
		return nil, err
	}
	if err := user.Validate(); err != nil {
		return nil, fmt.Errorf("validate new user: %w", err)
	}
	if err := r.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// resolveEmail picks the first usable candidate, or synthesizes a
// placeholder from the username (falling back to the provider id).
func resolveEmail(provider domain.Provider, profile domain.ProviderProfile) string {
	for _, candidate := range profile.Emails {
		if email := domain.NormalizeEmail(candidate); email != "" {
			return email
		}
	}
	username := strings.TrimSpace(profile.Username)
	if username == "" {
		username = profile.ID
	}
	return domain.PlaceholderEmail(username, provider)
}

func displayName(profile domain.ProviderProfile, email string) string {
	if name := strings.TrimSpace(profile.DisplayName); name != "" {
		return name
	}
	if name := strings.TrimSpace(profile.Username); name != "" {
		return name
	}
	local, _, _ := strings.Cut(email, "@")
	return local
}

func providerTitle(p domain.Provider) string {
	switch p {
	case domain.ProviderGitHub:
		return "GitHub"
	case domain.ProviderGoogle:
		return "Google"
	default:
		return string(p)
	}
}

// maxPasswordBytes is the longest password bcrypt accepts.
const maxPasswordBytes = 72

func checkPassword(password string) error {
	return CheckNewPassword(password, msgPasswordTooShort)
}

// CheckNewPassword enforces the password length bounds. tooShort is the
// message returned for a password under MinPasswordLength.
func CheckNewPassword(password, tooShort string) error {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return apperrors.InvalidInput(tooShort)
	}
	if len(password) > maxPasswordBytes {
		return apperrors.InvalidInput(msgPasswordTooLong)
	}
	return nil
}

var _ PasswordHasher = (*hasher.Hasher)(nil)
