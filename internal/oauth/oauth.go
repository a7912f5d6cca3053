// Package oauth runs the authorization code flow against Google and GitHub
// and hands the signed-in account to the reconciler as a ProviderProfile.
package oauth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/pkg/httpclient"
	"github.com/utafrali/identity/pkg/logger"
)

// DefaultStateTTL bounds how long a user may take at the provider.
const DefaultStateTTL = 10 * time.Minute

var (
	// ErrProviderDisabled is returned for a provider without credentials.
	ErrProviderDisabled = errors.New("oauth provider is not configured")
	// ErrStateMismatch is returned when a callback's state was issued for a
	// different provider.
	ErrStateMismatch = errors.New("oauth state was issued for another provider")
)

// ProviderConfig holds the client registration for one provider. Endpoint
// and APIURL are empty in production and select the provider's public
// endpoints.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Endpoint     oauth2.Endpoint
	APIURL       string
}

// Enabled reports whether the provider has a client id.
func (c ProviderConfig) Enabled() bool { return c.ClientID != "" }

// Config configures the Flow.
type Config struct {
	Google   ProviderConfig
	GitHub   ProviderConfig
	StateTTL time.Duration
	HTTP     httpclient.Config
}

type provider struct {
	oauth  *oauth2.Config
	apiURL string
	// http carries the token exchange. client guards the profile API calls.
	http   *httpclient.Client
	client *httpclient.CircuitBreakerClient
	fetch  profileFetcher
}

// Flow starts and completes provider sign-ins.
type Flow struct {
	providers map[domain.Provider]*provider
	states    StateStore
	ttl       time.Duration
	logger    *slog.Logger
}

// NewFlow builds a Flow with every enabled provider. Each provider gets its
// own circuit breaker.
func NewFlow(cfg Config, states StateStore, logger *slog.Logger) *Flow {
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if cfg.HTTP.Timeout <= 0 {
		cfg.HTTP = httpclient.DefaultConfig()
	}

	f := &Flow{
		providers: make(map[domain.Provider]*provider),
		states:    states,
		ttl:       cfg.StateTTL,
		logger:    logger,
	}

	if cfg.Google.Enabled() {
		f.providers[domain.ProviderGoogle] = newProvider(domain.ProviderGoogle, cfg.Google, cfg.HTTP,
			endpoints.Google, googleUserInfoURL, []string{"openid", "email", "profile"}, fetchGoogleProfile, logger)
	}
	if cfg.GitHub.Enabled() {
		f.providers[domain.ProviderGitHub] = newProvider(domain.ProviderGitHub, cfg.GitHub, cfg.HTTP,
			endpoints.GitHub, githubAPIURL, []string{"read:user", "user:email"}, fetchGitHubProfile, logger)
	}
	return f
}

func newProvider(
	name domain.Provider,
	cfg ProviderConfig,
	httpCfg httpclient.Config,
	endpoint oauth2.Endpoint,
	apiURL string,
	scopes []string,
	fetch profileFetcher,
	logger *slog.Logger,
) *provider {
	if cfg.Endpoint.AuthURL != "" {
		endpoint = cfg.Endpoint
	}
	if cfg.APIURL != "" {
		apiURL = cfg.APIURL
	}
	if len(cfg.Scopes) > 0 {
		scopes = cfg.Scopes
	}

	client := httpclient.New(httpCfg)
	return &provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		apiURL: apiURL,
		http:   client,
		client: httpclient.NewCircuitBreakerClient(
			client,
			httpclient.DefaultCircuitBreakerConfig(name.String()),
			logger,
		),
		fetch: fetch,
	}
}

// Enabled reports whether p can be used to sign in.
func (f *Flow) Enabled(p domain.Provider) bool {
	_, ok := f.providers[p]
	return ok
}

// Begin creates a pending state and returns the provider's consent URL.
func (f *Flow) Begin(ctx context.Context, p domain.Provider) (string, error) {
	prov, ok := f.providers[p]
	if !ok {
		return "", ErrProviderDisabled
	}

	state := rand.Text()
	verifier := oauth2.GenerateVerifier()
	if err := f.states.Save(ctx, state, PendingState{Provider: p, Verifier: verifier}, f.ttl); err != nil {
		return "", err
	}

	return prov.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// Complete consumes state, exchanges code and fetches the provider profile.
func (f *Flow) Complete(ctx context.Context, p domain.Provider, state, code string) (domain.ProviderProfile, error) {
	prov, ok := f.providers[p]
	if !ok {
		return domain.ProviderProfile{}, ErrProviderDisabled
	}
	if state == "" || code == "" {
		return domain.ProviderProfile{}, ErrStateNotFound
	}

	pending, err := f.states.Consume(ctx, state)
	if err != nil {
		return domain.ProviderProfile{}, err
	}
	if pending.Provider != p {
		return domain.ProviderProfile{}, ErrStateMismatch
	}

	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, prov.http.HTTPClient())
	token, err := prov.oauth.Exchange(exchangeCtx, code, oauth2.VerifierOption(pending.Verifier))
	if err != nil {
		return domain.ProviderProfile{}, fmt.Errorf("exchange %s code: %w", p, err)
	}

	profile, err := prov.fetch(ctx, prov.client, prov.apiURL, token.AccessToken)
	if err != nil {
		return domain.ProviderProfile{}, err
	}

	logger.WithContext(ctx, f.logger).DebugContext(ctx, "provider profile fetched",
		slog.String("provider", p.String()),
		slog.Int("emails", len(profile.Emails)),
	)
	return profile, nil
}
