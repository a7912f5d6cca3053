// Package memory provides an in-process UserRepository with the same
// uniqueness guarantees as the PostgreSQL schema. It backs local runs with
// STORAGE_DRIVER=memory and the core's property tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/internal/repository"
	apperrors "github.com/utafrali/identity/pkg/errors"
)

type providerKey struct {
	provider domain.Provider
	id       string
}

// UserRepository is a mutex-guarded map of users with secondary indexes on
// email and provider ids.
type UserRepository struct {
	mu         sync.RWMutex
	byID       map[string]domain.User
	byEmail    map[string]string
	byProvider map[providerKey]string
}

// NewUserRepository creates an empty repository.
func NewUserRepository() *UserRepository {
	return &UserRepository{
		byID:       make(map[string]domain.User),
		byEmail:    make(map[string]string),
		byProvider: make(map[providerKey]string),
	}
}

// Create inserts u, rejecting any duplicate email or provider id.
func (r *UserRepository) Create(_ context.Context, u *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[u.ID]; ok {
		return apperrors.AlreadyExists("user", "id", u.ID)
	}
	if err := r.checkUnique(u); err != nil {
		return err
	}

	r.index(*u)
	return nil
}

// GetByID retrieves a user by id.
func (r *UserRepository) GetByID(_ context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.get(id)
}

// GetByEmail retrieves a user by normalized email.
func (r *UserRepository) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[domain.NormalizeEmail(email)]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return r.get(id)
}

// GetByProviderID retrieves the user linked to (provider, id).
func (r *UserRepository) GetByProviderID(_ context.Context, provider domain.Provider, id string) (*domain.User, error) {
	if _, err := domain.ParseProvider(string(provider)); err != nil {
		return nil, fmt.Errorf("get user by provider id: %w", domain.ErrUnsupportedProvider)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	uid, ok := r.byProvider[providerKey{provider, id}]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return r.get(uid)
}

// TouchLastLogin advances LastLogin for id. It never moves backwards.
func (r *UserRepository) TouchLastLogin(_ context.Context, id string, at time.Time) (*domain.User, error) {
	return r.modify(id, func(u *domain.User) error {
		u.TouchLogin(at)
		return nil
	})
}

// LinkProvider fills the provider slot of id.
func (r *UserRepository) LinkProvider(_ context.Context, id string, link repository.ProviderLink) (*domain.User, error) {
	if _, err := domain.ParseProvider(string(link.Provider)); err != nil {
		return nil, fmt.Errorf("link provider: %w", domain.ErrUnsupportedProvider)
	}
	return r.modify(id, func(u *domain.User) error {
		if existing := u.ProviderID(link.Provider); existing != "" && existing != link.ProviderID {
			return repository.ErrProviderSlotTaken
		}
		if owner, ok := r.byProvider[providerKey{link.Provider, link.ProviderID}]; ok && owner != id {
			return apperrors.AlreadyExists("user", string(link.Provider)+"_id", link.ProviderID)
		}
		_ = u.SetProviderID(link.Provider, link.ProviderID)
		if link.Avatar != "" {
			u.Avatar = link.Avatar
		}
		if link.VerifyEmail {
			u.EmailVerified = true
		}
		u.UpdatedAt = link.At
		u.TouchLogin(link.At)
		return nil
	})
}

// UpdateName renames id.
func (r *UserRepository) UpdateName(_ context.Context, id, name string, at time.Time) (*domain.User, error) {
	return r.modify(id, func(u *domain.User) error {
		u.Name = name
		u.UpdatedAt = at
		return nil
	})
}

// SetPasswordHash swaps the hash of id while it still equals previous.
func (r *UserRepository) SetPasswordHash(_ context.Context, id, previous, next string, at time.Time) error {
	if next == "" {
		return fmt.Errorf("set password hash: %w", domain.ErrNoCredential)
	}
	_, err := r.modify(id, func(u *domain.User) error {
		if u.PasswordHash != previous {
			return repository.ErrStaleWrite
		}
		u.PasswordHash = next
		u.UpdatedAt = at
		return nil
	})
	return err
}

// Delete removes the user with id.
func (r *UserRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.byID[id]
	if !ok {
		return apperrors.NotFound("user", id)
	}
	r.unindex(u)
	return nil
}

// List returns users newest first.
func (r *UserRepository) List(_ context.Context, offset, limit int) ([]domain.User, int, error) {
	r.mu.RLock()
	all := make([]domain.User, 0, len(r.byID))
	for _, u := range r.byID {
		all = append(all, u)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	total := len(all)
	if offset >= total || limit <= 0 {
		return []domain.User{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// Len reports the number of stored users.
func (r *UserRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// modify applies fn to a copy of the record for id under the write lock and
// stores the copy unless fn fails.
func (r *UserRepository) modify(id string, fn func(*domain.User) error) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.byID[id]
	if !ok {
		return nil, apperrors.NotFound("user", id)
	}
	u := old
	if err := fn(&u); err != nil {
		return nil, err
	}

	r.unindex(old)
	r.index(u)
	return &u, nil
}

func (r *UserRepository) get(id string) (*domain.User, error) {
	u, ok := r.byID[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &u, nil
}

// checkUnique rejects u when another record already holds its email or one
// of its provider ids. Callers hold the write lock.
func (r *UserRepository) checkUnique(u *domain.User) error {
	if _, ok := r.byEmail[u.Email]; ok {
		return apperrors.AlreadyExists("user", "email", u.Email)
	}
	for _, p := range domain.Providers() {
		pid := u.ProviderID(p)
		if pid == "" {
			continue
		}
		if _, ok := r.byProvider[providerKey{p, pid}]; ok {
			return apperrors.AlreadyExists("user", string(p)+"_id", pid)
		}
	}
	return nil
}

func (r *UserRepository) index(u domain.User) {
	r.byID[u.ID] = u
	r.byEmail[u.Email] = u.ID
	for _, p := range domain.Providers() {
		if pid := u.ProviderID(p); pid != "" {
			r.byProvider[providerKey{p, pid}] = u.ID
		}
	}
}

func (r *UserRepository) unindex(u domain.User) {
	delete(r.byID, u.ID)
	delete(r.byEmail, u.Email)
	for _, p := range domain.Providers() {
		if pid := u.ProviderID(p); pid != "" {
			delete(r.byProvider, providerKey{p, pid})
		}
	}
}
