package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// State of a stored key.
type State string

const (
	StatePending State = "pending"
	StateDone    State = "done"
)

// Record is what a Store keeps per key.
type Record struct {
	State  State           `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Store persists reservations and results. Reserve must be atomic: exactly
// one caller wins a free key.
type Store interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Complete(ctx context.Context, key string, result []byte, ttl time.Duration) error
	// Load returns nil when the key is unknown or expired.
	Load(ctx context.Context, key string) (*Record, error)
	Release(ctx context.Context, key string) error
}

// --- Redis ---

const redisKeyPrefix = "idem:"

// RedisStore shares keys between all instances.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	raw, _ := json.Marshal(Record{State: StatePending})
	ok, err := s.client.SetNX(ctx, redisKeyPrefix+key, raw, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, result []byte, ttl time.Duration) error {
	raw, err := json.Marshal(Record{State: StateDone, Result: result})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &rec, nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisKeyPrefix+key).Err()
}

// --- Memory ---

type memoryEntry struct {
	rec       Record
	expiresAt time.Time
}

// MemoryStore keeps keys in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryStore) live(key string) (memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.entries[key] = memoryEntry{rec: Record{State: StatePending}, expiresAt: s.now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, result []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{rec: Record{State: StateDone, Result: result}, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Load(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil, nil
	}
	rec := e.rec
	return &rec, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
