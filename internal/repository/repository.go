package repository

import (
	"context"
	"errors"
	"time"

	"github.com/utafrali/identity/internal/domain"
)

var (
	// ErrProviderSlotTaken is returned by LinkProvider when the user already
	// holds a different id for the provider.
	ErrProviderSlotTaken = errors.New("provider slot already linked")

	// ErrStaleWrite is returned by SetPasswordHash when the stored hash no
	// longer matches the one the caller verified against.
	ErrStaleWrite = errors.New("record changed since it was read")
)

// ProviderLink describes attaching a provider identity to an existing user.
type ProviderLink struct {
	Provider   domain.Provider
	ProviderID string
	// Avatar replaces the stored avatar when non-empty.
	Avatar string
	// VerifyEmail marks the email verified. It never clears the flag.
	VerifyEmail bool
	At          time.Time
}

// UserRepository persists canonical user records. Implementations enforce
// uniqueness of email, google_id and github_id atomically per record.
//
// Lookups return apperrors.ErrNotFound when nothing matches. Create and
// LinkProvider report a uniqueness rejection as an apperrors.AlreadyExists
// error naming the violated field.
//
// Writes after Create touch only the columns they name, so concurrent
// requests working from older reads never revert each other.
type UserRepository interface {
	// Create inserts a new user.
	Create(ctx context.Context, user *domain.User) error

	// GetByID retrieves a user by id.
	GetByID(ctx context.Context, id string) (*domain.User, error)

	// GetByEmail retrieves a user by normalized email.
	GetByEmail(ctx context.Context, email string) (*domain.User, error)

	// GetByProviderID retrieves the user whose slot for provider holds id.
	GetByProviderID(ctx context.Context, provider domain.Provider, id string) (*domain.User, error)

	// TouchLastLogin advances last_login to at unless it is already later and
	// returns the stored user.
	TouchLastLogin(ctx context.Context, id string, at time.Time) (*domain.User, error)

	// LinkProvider fills the provider slot when it is empty or already holds
	// link.ProviderID, advances last_login and returns the stored user.
	LinkProvider(ctx context.Context, id string, link ProviderLink) (*domain.User, error)

	// UpdateName renames the user and returns the stored user.
	UpdateName(ctx context.Context, id, name string, at time.Time) (*domain.User, error)

	// SetPasswordHash replaces the password hash only while the stored hash
	// still equals previous.
	SetPasswordHash(ctx context.Context, id, previous, next string, at time.Time) error

	// Delete hard-deletes a user.
	Delete(ctx context.Context, id string) error

	// List returns one page of users ordered by creation time, newest first,
	// plus the total number of users.
	List(ctx context.Context, offset, limit int) ([]domain.User, int, error)
}
