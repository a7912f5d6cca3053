package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// TokenLifetime is how long an issued token stays valid.
	TokenLifetime = 7 * 24 * time.Hour

	// Issuer is written to and required in the iss claim.
	Issuer = "identity-service"

	// DevelopmentSigningKey is used only when no secret is configured in the
	// development environment. Never deploy with it.
	DevelopmentSigningKey = "identity-development-signing-key-change-me"
)

var (
	ErrTokenMalformed = errors.New("token is malformed")
	ErrTokenExpired   = errors.New("token has expired")
	ErrTokenUnknown   = errors.New("token is invalid")
	ErrEmptySecret    = errors.New("signing secret is empty")
)

// Claims is the payload of a session token.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// TokenManager issues and validates HS256 session tokens.
type TokenManager struct {
	secret []byte
	now    func() time.Time
}

// Option customizes a TokenManager.
type Option func(*TokenManager)

// WithClock replaces time.Now for issuing and validating.
func WithClock(now func() time.Time) Option {
	return func(m *TokenManager) { m.now = now }
}

// NewTokenManager creates a manager signing with secret.
func NewTokenManager(secret string, opts ...Option) (*TokenManager, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	m := &TokenManager{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Issue mints a token for userID expiring TokenLifetime from now.
func (m *TokenManager) Issue(userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("issue token: empty user id")
	}

	now := m.now().UTC().Truncate(time.Second)
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenLifetime)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate checks the signature, algorithm, issuer and expiry of token and
// returns the subject. On success the id is never empty.
func (m *TokenManager) Validate(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return "", classify(err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return "", ErrTokenUnknown
	}

	subject := claims.Subject
	if subject == "" {
		subject = claims.UserID
	}
	if subject == "" {
		return "", ErrTokenUnknown
	}
	return subject, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	default:
		return fmt.Errorf("%w: %v", ErrTokenUnknown, err)
	}
}
