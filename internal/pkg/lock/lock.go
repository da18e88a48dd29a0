// Package lock serializes work on a key, either inside one process or across
// all instances sharing a Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLost is the cause reported when a held lease could not be renewed.
var ErrLost = errors.New("lock: lease lost")

// Locker hands out exclusive access to a key. Acquire blocks until the key
// is free or ctx is done; release is safe to call more than once. Hold does
// the same but keeps the lock alive past ttl until the lease is released.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
	Hold(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

// Lease is a lock renewed in the background. Lost is closed once renewal
// fails and another holder may own the key.
type Lease struct {
	lost    chan struct{}
	stop    chan struct{}
	release func()
	once    sync.Once
}

func newLease(release func()) *Lease {
	return &Lease{lost: make(chan struct{}), stop: make(chan struct{}), release: release}
}

func (l *Lease) Lost() <-chan struct{} { return l.lost }

// Release stops renewal and frees the key. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		close(l.stop)
		l.release()
	})
}

// --- Memory ---

// MemoryLocker is a per-key mutex for single-instance deployments and tests.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]chan struct{})}
}

func (l *MemoryLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Acquire ignores ttl; the holder releases explicitly.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}

// Hold never loses the lease; only Release frees the key.
func (l *MemoryLocker) Hold(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	release, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return newLease(release), nil
}

// --- Redis ---

const redisKeyPrefix = "lock:"

// Only the owner token may delete the key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker uses SET NX PX with a random owner token. The ttl bounds how
// long a crashed holder can block others.
type RedisLocker struct {
	client       *redis.Client
	pollInterval time.Duration
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, pollInterval: 50 * time.Millisecond}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	_, release, err := l.acquire(ctx, key, ttl)
	return release, err
}

// Hold renews the key every ttl/3. The lease is lost when the key no longer
// carries our token, or when no renewal succeeded for a full ttl.
func (l *RedisLocker) Hold(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	token, release, err := l.acquire(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	lease := newLease(release)
	go l.renew(lease, redisKeyPrefix+key, token, ttl)
	return lease, nil
}

func (l *RedisLocker) renew(lease *Lease, redisKey, token string, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	lastOK := time.Now()
	for {
		select {
		case <-lease.stop:
			return
		case <-ticker.C:
		}
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		n, err := renewScript.Run(rctx, l.client, []string{redisKey}, token, ttl.Milliseconds()).Int64()
		cancel()
		switch {
		case err == nil && n == 1:
			lastOK = time.Now()
			continue
		case err != nil && time.Since(lastOK) < ttl:
			continue
		}
		close(lease.lost)
		return
	}
}

func (l *RedisLocker) acquire(ctx context.Context, key string, ttl time.Duration) (string, func(), error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	redisKey := redisKeyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
		if err != nil {
			return "", nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return "", nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// The caller's context may already be canceled.
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(rctx, l.client, []string{redisKey}, token).Err()
		})
	}
	return token, release, nil
}
