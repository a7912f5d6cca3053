package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/internal/repository"
	"github.com/utafrali/identity/pkg/database"
	apperrors "github.com/utafrali/identity/pkg/errors"
)

// userColumns is the projection shared by every SELECT. Optional text columns
// are coalesced so they scan into plain strings.
const userColumns = `id, name, email, COALESCE(password_hash, ''), COALESCE(google_id, ''),
		COALESCE(github_id, ''), COALESCE(avatar, ''), email_verified, created_at, updated_at, last_login`

// UserRepository implements repository.UserRepository on PostgreSQL.
type UserRepository struct {
	db     database.DBTX
	tracer *database.QueryTracer
}

// NewUserRepository creates a repository over db. tracer may be nil.
func NewUserRepository(db database.DBTX, tracer *database.QueryTracer) *UserRepository {
	return &UserRepository{db: db, tracer: tracer}
}

// Create inserts a new user.
func (r *UserRepository) Create(ctx context.Context, u *domain.User) (err error) {
	query := `
		INSERT INTO users (id, name, email, password_hash, google_id, github_id, avatar, email_verified, created_at, updated_at, last_login)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	ctx, end := r.tracer.Trace(ctx, "CreateUser", query)
	defer func() { end(err) }()

	_, err = r.db.Exec(ctx, query,
		u.ID,
		u.Name,
		u.Email,
		nullIfEmpty(u.PasswordHash),
		nullIfEmpty(u.GoogleID),
		nullIfEmpty(u.GitHubID),
		nullIfEmpty(u.Avatar),
		u.EmailVerified,
		u.CreatedAt,
		u.UpdatedAt,
		u.LastLogin,
	)
	if err != nil {
		if dup := duplicateError(err, u); dup != nil {
			return dup
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetByID retrieves a user by id.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.scanUser(ctx, "GetUserByID", query, id)
}

// GetByEmail retrieves a user by normalized email.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return r.scanUser(ctx, "GetUserByEmail", query, domain.NormalizeEmail(email))
}

// GetByProviderID retrieves the user linked to (provider, id).
func (r *UserRepository) GetByProviderID(ctx context.Context, provider domain.Provider, id string) (*domain.User, error) {
	column, err := providerColumn(provider)
	if err != nil {
		return nil, fmt.Errorf("get user by provider id: %w", err)
	}

	query := `SELECT ` + userColumns + ` FROM users WHERE ` + column + ` = $1`
	return r.scanUser(ctx, "GetUserByProviderID", query, id)
}

// TouchLastLogin advances last_login to at unless it is already later.
func (r *UserRepository) TouchLastLogin(ctx context.Context, id string, at time.Time) (*domain.User, error) {
	query := `
		UPDATE users
		SET last_login = GREATEST(last_login, $1)
		WHERE id = $2
		RETURNING ` + userColumns

	u, err := r.scanUser(ctx, "TouchLastLogin", query, at, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.NotFound("user", id)
	}
	return u, err
}

// LinkProvider fills the provider column of id when it is NULL or already
// holds link.ProviderID.
func (r *UserRepository) LinkProvider(ctx context.Context, id string, link repository.ProviderLink) (*domain.User, error) {
	column, err := providerColumn(link.Provider)
	if err != nil {
		return nil, fmt.Errorf("link provider: %w", err)
	}

	query := `
		UPDATE users
		SET ` + column + ` = $1,
		    avatar = COALESCE(NULLIF($2, ''), avatar),
		    email_verified = email_verified OR $3,
		    updated_at = $4,
		    last_login = GREATEST(last_login, $4)
		WHERE id = $5 AND (` + column + ` IS NULL OR ` + column + ` = $1)
		RETURNING ` + userColumns

	u, err := r.scanUser(ctx, "LinkProvider", query, link.ProviderID, link.Avatar, link.VerifyEmail, link.At, id)
	switch {
	case err == nil:
		return u, nil
	case errors.Is(err, apperrors.ErrNotFound):
		return nil, r.missOrStale(ctx, id, repository.ErrProviderSlotTaken)
	default:
		if field := violatedField(err); field != "" {
			return nil, apperrors.AlreadyExists("user", field, link.ProviderID)
		}
		return nil, err
	}
}

// UpdateName renames id.
func (r *UserRepository) UpdateName(ctx context.Context, id, name string, at time.Time) (*domain.User, error) {
	query := `
		UPDATE users
		SET name = $1, updated_at = $2
		WHERE id = $3
		RETURNING ` + userColumns

	u, err := r.scanUser(ctx, "UpdateUserName", query, name, at, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.NotFound("user", id)
	}
	return u, err
}

// SetPasswordHash swaps the hash of id while it still equals previous.
func (r *UserRepository) SetPasswordHash(ctx context.Context, id, previous, next string, at time.Time) (err error) {
	if next == "" {
		return fmt.Errorf("set password hash: %w", domain.ErrNoCredential)
	}

	query := `
		UPDATE users
		SET password_hash = $1, updated_at = $2
		WHERE id = $3 AND password_hash = $4`

	ctx, end := r.tracer.Trace(ctx, "SetPasswordHash", query)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, query, next, at, id, previous)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return r.missOrStale(ctx, id, repository.ErrStaleWrite)
	}
	return nil
}

// missOrStale explains a guarded UPDATE that matched no row: NotFound when
// id is gone, stale otherwise.
func (r *UserRepository) missOrStale(ctx context.Context, id string, stale error) (err error) {
	query := `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`

	ctx, end := r.tracer.Trace(ctx, "UserExists", query)
	defer func() { end(err) }()

	var exists bool
	if err = r.db.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return fmt.Errorf("check user exists: %w", err)
	}
	if !exists {
		return apperrors.NotFound("user", id)
	}
	return stale
}

// Delete hard-deletes a user.
func (r *UserRepository) Delete(ctx context.Context, id string) (err error) {
	query := `DELETE FROM users WHERE id = $1`

	ctx, end := r.tracer.Trace(ctx, "DeleteUser", query)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("user", id)
	}
	return nil
}

// List returns one page of users, newest first, and the total count.
func (r *UserRepository) List(ctx context.Context, offset, limit int) (users []domain.User, total int, err error) {
	countQuery := `SELECT COUNT(*) FROM users`
	listQuery := `SELECT ` + userColumns + ` FROM users ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`

	ctx, end := r.tracer.Trace(ctx, "ListUsers", listQuery)
	defer func() { end(err) }()

	if err = r.db.QueryRow(ctx, countQuery).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	rows, err := r.db.Query(ctx, listQuery, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u domain.User
		if err = scanInto(rows, &u); err != nil {
			return nil, 0, fmt.Errorf("scan user row: %w", err)
		}
		users = append(users, u)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate user rows: %w", err)
	}

	if users == nil {
		users = []domain.User{}
	}
	return users, total, nil
}

// scanUser executes a query expected to return a single user row.
func (r *UserRepository) scanUser(ctx context.Context, operation, query string, args ...any) (_ *domain.User, err error) {
	ctx, end := r.tracer.Trace(ctx, operation, query)
	defer func() {
		if errors.Is(err, apperrors.ErrNotFound) {
			end(nil)
			return
		}
		end(err)
	}()

	var u domain.User
	if err = scanInto(r.db.QueryRow(ctx, query, args...), &u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func providerColumn(p domain.Provider) (string, error) {
	switch p {
	case domain.ProviderGoogle:
		return "google_id", nil
	case domain.ProviderGitHub:
		return "github_id", nil
	default:
		return "", domain.ErrUnsupportedProvider
	}
}

func scanInto(row pgx.Row, u *domain.User) error {
	return row.Scan(
		&u.ID,
		&u.Name,
		&u.Email,
		&u.PasswordHash,
		&u.GoogleID,
		&u.GitHubID,
		&u.Avatar,
		&u.EmailVerified,
		&u.CreatedAt,
		&u.UpdatedAt,
		&u.LastLogin,
	)
}

// nullIfEmpty stores absent optional values as SQL NULL so the unique
// constraints ignore them.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// duplicateError maps a unique violation to AlreadyExists naming the field
// behind the violated constraint. It returns nil for any other error.
func duplicateError(err error, u *domain.User) error {
	switch violatedField(err) {
	case "":
		return nil
	case "google_id":
		return apperrors.AlreadyExists("user", "google_id", u.GoogleID)
	case "github_id":
		return apperrors.AlreadyExists("user", "github_id", u.GitHubID)
	default:
		return apperrors.AlreadyExists("user", "email", u.Email)
	}
}

// violatedField names the column behind a unique violation, or "" when err
// is not one.
func violatedField(err error) string {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return ""
	}

	switch {
	case strings.Contains(pgErr.ConstraintName, "google_id"):
		return "google_id"
	case strings.Contains(pgErr.ConstraintName, "github_id"):
		return "github_id"
	default:
		return "email"
	}
}
