// Package hasher derives and checks one-way password digests.
package hasher

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// DefaultCost is the bcrypt work factor (2^12 rounds).
const DefaultCost = 12

// maxPasswordBytes is the longest input bcrypt accepts.
const maxPasswordBytes = 72

var (
	ErrEmptyPassword   = errors.New("password is empty")
	ErrPasswordTooLong = errors.New("password exceeds 72 bytes")
)

// Hasher runs bcrypt with at most a fixed number of concurrent derivations so
// a burst of logins cannot occupy every CPU.
type Hasher struct {
	cost  int
	slots *semaphore.Weighted
}

// Option customizes a Hasher.
type Option func(*Hasher)

// WithCost overrides the work factor. Tests use bcrypt.MinCost.
func WithCost(cost int) Option {
	return func(h *Hasher) { h.cost = cost }
}

// New creates a Hasher allowing maxConcurrent derivations at once. Values
// below 1 default to runtime.NumCPU().
func New(maxConcurrent int, opts ...Option) *Hasher {
	if maxConcurrent < 1 {
		maxConcurrent = runtime.NumCPU()
	}
	h := &Hasher{
		cost:  DefaultCost,
		slots: semaphore.NewWeighted(int64(maxConcurrent)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Hash derives a salted digest of plaintext. The digest embeds the salt and
// cost so Verify needs nothing else.
func (h *Hasher) Hash(ctx context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPassword
	}
	if len(plaintext) > maxPasswordBytes {
		return "", ErrPasswordTooLong
	}

	if err := h.slots.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquire hashing slot: %w", err)
	}
	defer h.slots.Release(1)

	digest, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(digest), nil
}

// Verify reports whether plaintext matches digest in constant time. A
// malformed digest is a mismatch. The error is non-nil only when ctx ends
// before a hashing slot frees up.
func (h *Hasher) Verify(ctx context.Context, plaintext, digest string) (bool, error) {
	if plaintext == "" || digest == "" {
		return false, nil
	}

	if err := h.slots.Acquire(ctx, 1); err != nil {
		return false, fmt.Errorf("acquire hashing slot: %w", err)
	}
	defer h.slots.Release(1)

	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(plaintext)) == nil, nil
}
