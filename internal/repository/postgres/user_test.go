package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/internal/repository"
	apperrors "github.com/utafrali/identity/pkg/errors"
)

func newUserTestFixture(t *testing.T) (*UserRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return NewUserRepository(mock, nil), mock
}

func sampleUser() *domain.User {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.User{
		ID:            "5f0c2a4e-8d1b-4c7e-9a3f-2b6d8e0f1a2c",
		Name:          "Ann",
		Email:         "ann@x.com",
		PasswordHash:  "hash-abc",
		EmailVerified: false,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastLogin:     now,
	}
}

func userRowColumns() []string {
	return []string{
		"id", "name", "email", "password_hash", "google_id", "github_id",
		"avatar", "email_verified", "created_at", "updated_at", "last_login",
	}
}

func userRows(users ...*domain.User) *pgxmock.Rows {
	rows := pgxmock.NewRows(userRowColumns())
	for _, u := range users {
		rows.AddRow(
			u.ID, u.Name, u.Email, u.PasswordHash, u.GoogleID, u.GitHubID,
			u.Avatar, u.EmailVerified, u.CreatedAt, u.UpdatedAt, u.LastLogin,
		)
	}
	return rows
}

// anyArgs matches n arguments of any value.
func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func uniqueViolation(constraint string) error {
	return &pgconn.PgError{Code: "23505", ConstraintName: constraint, Message: "duplicate key value violates unique constraint"}
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestUserRepository_Create_Success(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	u := sampleUser()

	mock.ExpectExec("INSERT INTO users").
		WithArgs(
			u.ID, u.Name, u.Email, u.PasswordHash, nil, nil, nil,
			u.EmailVerified, u.CreatedAt, u.UpdatedAt, u.LastLogin,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	assert.NoError(t, repo.Create(context.Background(), u))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_Create_ProviderUserStoresNullPassword(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	u := sampleUser()
	u.PasswordHash = ""
	u.GitHubID = "42"
	u.Avatar = "https://avatars.example/42"

	mock.ExpectExec("INSERT INTO users").
		WithArgs(
			u.ID, u.Name, u.Email, nil, nil, "42", u.Avatar,
			u.EmailVerified, u.CreatedAt, u.UpdatedAt, u.LastLogin,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	assert.NoError(t, repo.Create(context.Background(), u))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_Create_DuplicateMapsField(t *testing.T) {
	tests := []struct {
		constraint string
		field      string
	}{
		{"users_email_key", "email"},
		{"users_google_id_key", "google_id"},
		{"users_github_id_key", "github_id"},
	}

	for _, tt := range tests {
		t.Run(tt.constraint, func(t *testing.T) {
			repo, mock := newUserTestFixture(t)
			defer mock.Close()

			u := sampleUser()
			mock.ExpectExec("INSERT INTO users").
				WithArgs(anyArgs(11)...).
				WillReturnError(uniqueViolation(tt.constraint))

			err := repo.Create(context.Background(), u)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrAlreadyExists), "expected ErrAlreadyExists, got: %v", err)

			var appErr *apperrors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Contains(t, appErr.Message, tt.field)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestUserRepository_Create_OtherErrorWrapped(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	checkErr := &pgconn.PgError{Code: "23514", ConstraintName: "users_credential_check"}
	mock.ExpectExec("INSERT INTO users").
		WithArgs(anyArgs(11)...).
		WillReturnError(checkErr)

	err := repo.Create(context.Background(), sampleUser())
	require.Error(t, err)
	assert.False(t, errors.Is(err, apperrors.ErrAlreadyExists))
	assert.Contains(t, err.Error(), "insert user")

	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "users_credential_check", pgErr.ConstraintName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// Lookups
// ---------------------------------------------------------------------------

func TestUserRepository_GetByID_Success(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	u := sampleUser()
	mock.ExpectQuery("SELECT .+ FROM users WHERE id =").
		WithArgs(u.ID).
		WillReturnRows(userRows(u))

	got, err := repo.GetByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, u, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_GetByID_NotFound(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT .+ FROM users WHERE id =").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_GetByEmail_Normalizes(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	u := sampleUser()
	mock.ExpectQuery("SELECT .+ FROM users WHERE email =").
		WithArgs("ann@x.com").
		WillReturnRows(userRows(u))

	got, err := repo.GetByEmail(context.Background(), "  Ann@X.com ")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_GetByProviderID(t *testing.T) {
	tests := []struct {
		provider domain.Provider
		pattern  string
	}{
		{domain.ProviderGoogle, "SELECT .+ FROM users WHERE google_id ="},
		{domain.ProviderGitHub, "SELECT .+ FROM users WHERE github_id ="},
	}

	for _, tt := range tests {
		t.Run(tt.provider.String(), func(t *testing.T) {
			repo, mock := newUserTestFixture(t)
			defer mock.Close()

			u := sampleUser()
			require.NoError(t, u.SetProviderID(tt.provider, "p-1"))
			mock.ExpectQuery(tt.pattern).WithArgs("p-1").WillReturnRows(userRows(u))

			got, err := repo.GetByProviderID(context.Background(), tt.provider, "p-1")
			require.NoError(t, err)
			assert.Equal(t, "p-1", got.ProviderID(tt.provider))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestUserRepository_GetByProviderID_Unsupported(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	_, err := repo.GetByProviderID(context.Background(), "twitter", "x")
	assert.ErrorIs(t, err, domain.ErrUnsupportedProvider)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_GetByEmail_QueryError(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT .+ FROM users WHERE email =").
		WithArgs("ann@x.com").
		WillReturnError(fmt.Errorf("connection refused"))

	_, err := repo.GetByEmail(context.Background(), "ann@x.com")
	require.Error(t, err)
	assert.False(t, errors.Is(err, apperrors.ErrNotFound))
	assert.Contains(t, err.Error(), "scan user: connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// Narrow writes / Delete
// ---------------------------------------------------------------------------

func TestUserRepository_TouchLastLogin(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	u := sampleUser()
	at := u.LastLogin.Add(time.Hour)
	stored := *u
	stored.LastLogin = at
	mock.ExpectQuery(regexp.QuoteMeta("SET last_login = GREATEST(last_login, $1)")).
		WithArgs(at, u.ID).
		WillReturnRows(userRows(&stored))

	got, err := repo.TouchLastLogin(context.Background(), u.ID, at)
	require.NoError(t, err)
	assert.Equal(t, at, got.LastLogin)
	assert.Equal(t, u.PasswordHash, got.PasswordHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_TouchLastLogin_NotFound(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	at := time.Now().UTC()
	mock.ExpectQuery("UPDATE users").
		WithArgs(at, "missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.TouchLastLogin(context.Background(), "missing", at)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_LinkProvider(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	u := sampleUser()
	at := u.LastLogin.Add(time.Minute)
	linked := *u
	linked.GitHubID = "42"
	linked.Avatar = "https://avatars.example/42"
	linked.EmailVerified = true
	linked.LastLogin = at

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $5 AND (github_id IS NULL OR github_id = $1)")).
		WithArgs("42", linked.Avatar, true, at, u.ID).
		WillReturnRows(userRows(&linked))

	got, err := repo.LinkProvider(context.Background(), u.ID, repository.ProviderLink{
		Provider: domain.ProviderGitHub, ProviderID: "42", Avatar: linked.Avatar, VerifyEmail: true, At: at,
	})
	require.NoError(t, err)
	assert.Equal(t, "42", got.GitHubID)
	assert.Equal(t, u.PasswordHash, got.PasswordHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_LinkProvider_SlotTaken(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	at := time.Now().UTC()
	mock.ExpectQuery("UPDATE users").
		WithArgs("99", "", false, at, "u-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)")).
		WithArgs("u-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := repo.LinkProvider(context.Background(), "u-1", repository.ProviderLink{
		Provider: domain.ProviderGoogle, ProviderID: "99", At: at,
	})
	assert.ErrorIs(t, err, repository.ErrProviderSlotTaken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_LinkProvider_UserGone(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	mock.ExpectQuery("UPDATE users").
		WithArgs(anyArgs(5)...).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("u-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := repo.LinkProvider(context.Background(), "u-1", repository.ProviderLink{
		Provider: domain.ProviderGitHub, ProviderID: "42", At: time.Now(),
	})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_LinkProvider_ProviderIDTaken(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	mock.ExpectQuery("UPDATE users").
		WithArgs(anyArgs(5)...).
		WillReturnError(uniqueViolation("users_github_id_key"))

	_, err := repo.LinkProvider(context.Background(), "u-1", repository.ProviderLink{
		Provider: domain.ProviderGitHub, ProviderID: "42", At: time.Now(),
	})
	require.ErrorIs(t, err, apperrors.ErrAlreadyExists)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Contains(t, appErr.Message, "github_id")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_LinkProvider_Unsupported(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	_, err := repo.LinkProvider(context.Background(), "u-1", repository.ProviderLink{Provider: "twitter", ProviderID: "x"})
	assert.ErrorIs(t, err, domain.ErrUnsupportedProvider)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_UpdateName(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	u := sampleUser()
	at := u.UpdatedAt.Add(time.Minute)
	renamed := *u
	renamed.Name = "Annie"
	renamed.UpdatedAt = at
	mock.ExpectQuery(regexp.QuoteMeta("SET name = $1, updated_at = $2")).
		WithArgs("Annie", at, u.ID).
		WillReturnRows(userRows(&renamed))

	got, err := repo.UpdateName(context.Background(), u.ID, "Annie", at)
	require.NoError(t, err)
	assert.Equal(t, "Annie", got.Name)
	assert.Equal(t, at, got.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_SetPasswordHash(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	at := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $3 AND password_hash = $4")).
		WithArgs("new-hash", at, "u-1", "old-hash").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.SetPasswordHash(context.Background(), "u-1", "old-hash", "new-hash", at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_SetPasswordHash_Stale(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	at := time.Now().UTC()
	mock.ExpectExec("UPDATE users").
		WithArgs("new-hash", at, "u-1", "old-hash").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("u-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	err := repo.SetPasswordHash(context.Background(), "u-1", "old-hash", "new-hash", at)
	assert.ErrorIs(t, err, repository.ErrStaleWrite)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_SetPasswordHash_NotFound(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	mock.ExpectExec("UPDATE users").
		WithArgs(anyArgs(4)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	err := repo.SetPasswordHash(context.Background(), "missing", "old-hash", "new-hash", time.Now())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_SetPasswordHash_EmptyRejected(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	err := repo.SetPasswordHash(context.Background(), "u-1", "old-hash", "", time.Now())
	assert.ErrorIs(t, err, domain.ErrNoCredential)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_Delete(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	mock.ExpectExec("DELETE FROM users WHERE id =").
		WithArgs("u-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM users WHERE id =").
		WithArgs("u-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, repo.Delete(context.Background(), "u-1"))
	assert.ErrorIs(t, repo.Delete(context.Background(), "u-1"), apperrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// List
// ---------------------------------------------------------------------------

func TestUserRepository_List(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	a := sampleUser()
	b := sampleUser()
	b.ID = "0b9e4c1d-3a2f-4e5d-8c7b-6a5f4e3d2c1b"
	b.Email = "bob@x.com"

	mock.ExpectQuery("SELECT COUNT").WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("SELECT .+ FROM users ORDER BY created_at DESC").
		WithArgs(20, 0).
		WillReturnRows(userRows(a, b))

	users, total, err := repo.List(context.Background(), 0, 20)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, users, 2)
	assert.Equal(t, "bob@x.com", users[1].Email)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_List_Empty(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT COUNT").WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT .+ FROM users ORDER BY").WithArgs(20, 40).WillReturnRows(userRows())

	users, total, err := repo.List(context.Background(), 40, 20)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.NotNil(t, users)
	assert.Empty(t, users)
}

func TestUserRepository_List_CountError(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT COUNT").WillReturnError(fmt.Errorf("timeout"))

	_, _, err := repo.List(context.Background(), 0, 20)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count users")
}
