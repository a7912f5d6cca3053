package domain

import (
	"errors"
	"strings"
	"time"
)

// placeholderEmailSuffix marks addresses synthesized for provider accounts
// that expose no email; the full form is <username>@<provider>.local.
const placeholderEmailSuffix = ".local"

var (
	ErrEmailRequired       = errors.New("email is required")
	ErrNoCredential        = errors.New("user must have a password or a linked provider")
	ErrUnsupportedProvider = errors.New("unsupported identity provider")
)

// User is the canonical account record. A user always holds a password hash,
// a provider id, or both.
type User struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	PasswordHash  string    `json:"-"`
	GoogleID      string    `json:"-"`
	GitHubID      string    `json:"-"`
	Avatar        string    `json:"avatar,omitempty"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastLogin     time.Time `json:"last_login"`
}

// NormalizeEmail trims and lower-cases an address. Lookups and uniqueness
// both operate on the normalized form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// PlaceholderEmail synthesizes the internal address used when a provider
// exposes none.
func PlaceholderEmail(username string, p Provider) string {
	return NormalizeEmail(username + "@" + string(p) + placeholderEmailSuffix)
}

// IsPlaceholderEmail reports whether email was produced by PlaceholderEmail.
func IsPlaceholderEmail(email string) bool {
	for _, p := range Providers() {
		if strings.HasSuffix(email, "@"+string(p)+placeholderEmailSuffix) {
			return true
		}
	}
	return false
}

// Validate checks the record invariants that must hold before any write.
func (u *User) Validate() error {
	if u.Email == "" {
		return ErrEmailRequired
	}
	if u.PasswordHash == "" && u.GoogleID == "" && u.GitHubID == "" {
		return ErrNoCredential
	}
	return nil
}

// HasPassword reports whether the user can sign in with a password.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// ProviderID returns the id stored in the slot for p, or "".
func (u *User) ProviderID(p Provider) string {
	switch p {
	case ProviderGoogle:
		return u.GoogleID
	case ProviderGitHub:
		return u.GitHubID
	default:
		return ""
	}
}

// SetProviderID fills the slot for p.
func (u *User) SetProviderID(p Provider, id string) error {
	switch p {
	case ProviderGoogle:
		u.GoogleID = id
	case ProviderGitHub:
		u.GitHubID = id
	default:
		return ErrUnsupportedProvider
	}
	return nil
}

// LinkedProviders lists the providers with a filled slot.
func (u *User) LinkedProviders() []Provider {
	var out []Provider
	for _, p := range Providers() {
		if u.ProviderID(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// TouchLogin advances LastLogin to now. It never moves backwards.
func (u *User) TouchLogin(now time.Time) {
	if now.After(u.LastLogin) {
		u.LastLogin = now
	}
}

// visibleEmail hides synthesized addresses from clients.
func (u *User) visibleEmail() string {
	if IsPlaceholderEmail(u.Email) {
		return ""
	}
	return u.Email
}

// PublicUser is the view returned alongside tokens and in listings.
type PublicUser struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Public returns the client-safe view of u.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:     u.ID,
		Name:   u.Name,
		Email:  u.visibleEmail(),
		Avatar: u.Avatar,
	}
}

// Profile is the authenticated user's own view.
type Profile struct {
	PublicUser
	EmailVerified bool       `json:"email_verified"`
	HasPassword   bool       `json:"has_password"`
	Providers     []Provider `json:"providers"`
	CreatedAt     time.Time  `json:"created_at"`
	LastLogin     time.Time  `json:"last_login"`
}

// Profile returns the owner's view of u.
func (u *User) Profile() Profile {
	providers := u.LinkedProviders()
	if providers == nil {
		providers = []Provider{}
	}
	return Profile{
		PublicUser:    u.Public(),
		EmailVerified: u.EmailVerified && !IsPlaceholderEmail(u.Email),
		HasPassword:   u.HasPassword(),
		Providers:     providers,
		CreatedAt:     u.CreatedAt,
		LastLogin:     u.LastLogin,
	}
}
