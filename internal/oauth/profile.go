package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/pkg/httpclient"
)

const (
	googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	githubAPIURL      = "https://api.github.com"
)

// profileFetcher loads the signed-in account with an access token.
type profileFetcher func(ctx context.Context, client *httpclient.CircuitBreakerClient, baseURL, accessToken string) (domain.ProviderProfile, error)

func bearer(accessToken string) http.Header {
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("Accept", "application/json")
	return h
}

// --- Google ---

type googleUserInfo struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// fetchGoogleProfile reads the OpenID Connect userinfo document. An
// unverified email is dropped.
func fetchGoogleProfile(ctx context.Context, client *httpclient.CircuitBreakerClient, baseURL, accessToken string) (domain.ProviderProfile, error) {
	var info googleUserInfo
	if err := client.GetJSON(ctx, baseURL, bearer(accessToken), &info); err != nil {
		return domain.ProviderProfile{}, fmt.Errorf("fetch google userinfo: %w", err)
	}
	if info.Sub == "" {
		return domain.ProviderProfile{}, errors.New("google userinfo has no subject")
	}

	profile := domain.ProviderProfile{
		ID:          info.Sub,
		DisplayName: info.Name,
		AvatarURL:   info.Picture,
	}
	if info.Email != "" && info.EmailVerified {
		profile.Emails = []string{info.Email}
	}
	return profile, nil
}

// --- GitHub ---

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// fetchGitHubProfile reads /user and /user/emails. Only verified emails are
// kept, primary first. A token without the email scope yields no emails.
func fetchGitHubProfile(ctx context.Context, client *httpclient.CircuitBreakerClient, baseURL, accessToken string) (domain.ProviderProfile, error) {
	base := strings.TrimRight(baseURL, "/")
	header := bearer(accessToken)
	header.Set("Accept", "application/vnd.github+json")

	var user githubUser
	if err := client.GetJSON(ctx, base+"/user", header, &user); err != nil {
		return domain.ProviderProfile{}, fmt.Errorf("fetch github user: %w", err)
	}
	if user.ID == 0 {
		return domain.ProviderProfile{}, errors.New("github user has no id")
	}

	var emails []githubEmail
	if err := client.GetJSON(ctx, base+"/user/emails", header, &emails); err != nil {
		var perr *httpclient.ProviderError
		if !errors.As(err, &perr) || (perr.StatusCode != http.StatusForbidden && perr.StatusCode != http.StatusNotFound) {
			return domain.ProviderProfile{}, fmt.Errorf("fetch github emails: %w", err)
		}
		emails = nil
	}

	return domain.ProviderProfile{
		ID:          strconv.FormatInt(user.ID, 10),
		Username:    user.Login,
		Emails:      verifiedEmails(emails),
		DisplayName: user.Name,
		AvatarURL:   user.AvatarURL,
	}, nil
}

func verifiedEmails(emails []githubEmail) []string {
	var primary, rest []string
	for _, e := range emails {
		if !e.Verified || e.Email == "" {
			continue
		}
		if e.Primary {
			primary = append(primary, e.Email)
		} else {
			rest = append(rest, e.Email)
		}
	}
	return append(primary, rest...)
}
