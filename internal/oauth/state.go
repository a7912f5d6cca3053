package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/utafrali/identity/internal/domain"
)

// ErrStateNotFound is returned when a state is unknown, expired or already
// consumed.
var ErrStateNotFound = errors.New("oauth state not found or expired")

// PendingState is what a sign-in redirect leaves behind until its callback.
type PendingState struct {
	Provider domain.Provider `json:"provider"`
	Verifier string          `json:"verifier"`
}

// StateStore keeps pending states for a bounded time. Consume is single use:
// a state can be consumed at most once.
type StateStore interface {
	Save(ctx context.Context, state string, pending PendingState, ttl time.Duration) error
	Consume(ctx context.Context, state string) (PendingState, error)
}

// --- Redis ---

const redisKeyPrefix = "identity:oauth:state:"

// RedisStateStore stores pending states in Redis so any replica can finish a
// flow another replica started.
type RedisStateStore struct {
	client redis.Cmdable
}

// NewRedisStateStore creates a RedisStateStore.
func NewRedisStateStore(client redis.Cmdable) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func (s *RedisStateStore) Save(ctx context.Context, state string, pending PendingState, ttl time.Duration) error {
	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("marshal oauth state: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+state, data, ttl).Err(); err != nil {
		return fmt.Errorf("save oauth state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Consume(ctx context.Context, state string) (PendingState, error) {
	data, err := s.client.GetDel(ctx, redisKeyPrefix+state).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return PendingState{}, ErrStateNotFound
		}
		return PendingState{}, fmt.Errorf("consume oauth state: %w", err)
	}

	var pending PendingState
	if err := json.Unmarshal(data, &pending); err != nil {
		return PendingState{}, fmt.Errorf("unmarshal oauth state: %w", err)
	}
	return pending, nil
}

// --- In-memory ---

type memoryEntry struct {
	pending   PendingState
	expiresAt time.Time
}

// MemoryStateStore keeps pending states in process. Only suitable for a
// single replica.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStateStore creates a MemoryStateStore. A nil clock uses time.Now.
func NewMemoryStateStore(now func() time.Time) *MemoryStateStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStateStore{entries: make(map[string]memoryEntry), now: now}
}

func (s *MemoryStateStore) Save(_ context.Context, state string, pending PendingState, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
	s.entries[state] = memoryEntry{pending: pending, expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryStateStore) Consume(_ context.Context, state string) (PendingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[state]
	if !ok {
		return PendingState{}, ErrStateNotFound
	}
	delete(s.entries, state)
	if !s.now().Before(e.expiresAt) {
		return PendingState{}, ErrStateNotFound
	}
	return e.pending, nil
}

// Len returns the number of stored states, expired ones included.
func (s *MemoryStateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
