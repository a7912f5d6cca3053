package domain

import (
	"fmt"
	"strings"
)

// Provider names a supported third-party identity provider.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderGitHub Provider = "github"
)

// Providers returns every supported provider.
func Providers() []Provider {
	return []Provider{ProviderGoogle, ProviderGitHub}
}

// ParseProvider maps a route segment or config key to a Provider.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderGoogle, ProviderGitHub:
		return p, nil
	default:
		return "", fmt.Errorf("unsupported identity provider %q", s)
	}
}

func (p Provider) String() string {
	return string(p)
}

// ProviderProfile is the identity assertion a provider returns after a
// successful OAuth handshake. It is never persisted.
type ProviderProfile struct {
	ID          string
	Username    string
	Emails      []string // candidates in preference order
	DisplayName string
	AvatarURL   string
}
