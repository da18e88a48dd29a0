// Package idempotency makes an operation run at most once per caller-supplied
// key within a validity window and replays the recorded result afterwards.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/singleflight"

	"github.com/ManuelReschke/PayFox/internal/pkg/metrics"
)

const (
	DefaultWindow      = 60 * time.Minute
	DefaultWaitTimeout = 30 * time.Second
	maxKeyLength       = 200
)

var (
	ErrMissingKey = errors.New("idempotency: key required")
	ErrInvalidKey = errors.New("idempotency: invalid key")
	// ErrInProgress is returned when a concurrent call with the same key did
	// not finish before the wait timeout.
	ErrInProgress = errors.New("idempotency: operation in progress")
)

// Outcome is the JSON result of the first successful execution.
type Outcome struct {
	Result   json.RawMessage
	Replayed bool
}

// Guard coordinates executions through a Store. Concurrent callers inside
// one process are collapsed with singleflight before they reach the store.
type Guard struct {
	store        Store
	window       time.Duration
	waitTimeout  time.Duration
	pollInterval time.Duration
	group        singleflight.Group
}

// Option customizes a Guard.
type Option func(*Guard)

func WithWindow(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.window = d
		}
	}
}

func WithWaitTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.waitTimeout = d
		}
	}
}

func NewGuard(store Store, opts ...Option) *Guard {
	g := &Guard{
		store:        store,
		window:       DefaultWindow,
		waitTimeout:  DefaultWaitTimeout,
		pollInterval: 25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Key scopes a caller key to an operation and period, e.g.
// "finalize:2025-03:abc".
func Key(operation, scope, key string) string {
	return operation + ":" + scope + ":" + key
}

// ValidateKey rejects empty or oversized keys.
func ValidateKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrMissingKey
	}
	if len(key) > maxKeyLength || strings.ContainsAny(key, " \t\r\n") {
		return ErrInvalidKey
	}
	return nil
}

// Do runs fn once per key. fn's result is stored as JSON; a failed fn
// releases the key so a corrected retry can run.
func (g *Guard) Do(ctx context.Context, operation, key string, fn func(ctx context.Context) (any, error)) (Outcome, error) {
	ran := false
	v, err, _ := g.group.Do(key, func() (interface{}, error) {
		ran = true
		return g.do(ctx, key, fn)
	})
	if err != nil {
		return Outcome{}, err
	}
	out := v.(Outcome)
	if !ran {
		out.Replayed = true
	}
	if out.Replayed {
		metrics.IdempotentReplays.WithLabelValues(operation).Inc()
		log.Infof("[Idempotency] Replaying %s result for key %s", operation, key)
	}
	return out, nil
}

func (g *Guard) do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (Outcome, error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.waitTimeout)
	defer cancel()

	for {
		reserved, err := g.store.Reserve(ctx, key, g.window)
		if err != nil {
			return Outcome{}, err
		}
		if reserved {
			return g.execute(ctx, key, fn)
		}

		rec, err := g.awaitCompletion(waitCtx, key)
		if err != nil {
			return Outcome{}, err
		}
		if rec != nil {
			return Outcome{Result: rec.Result, Replayed: true}, nil
		}
		// The holder failed and released the key; compete again.
	}
}

func (g *Guard) execute(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (Outcome, error) {
	result, err := fn(ctx)
	if err != nil {
		if relErr := g.store.Release(context.WithoutCancel(ctx), key); relErr != nil {
			log.Errorf("[Idempotency] Failed to release key %s: %v", key, relErr)
		}
		return Outcome{}, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		_ = g.store.Release(context.WithoutCancel(ctx), key)
		return Outcome{}, fmt.Errorf("encode result: %w", err)
	}
	if err := g.store.Complete(context.WithoutCancel(ctx), key, raw, g.window); err != nil {
		// The operation itself succeeded; a later retry may run it again.
		log.Errorf("[Idempotency] Failed to record result for key %s: %v", key, err)
	}
	return Outcome{Result: raw}, nil
}

// awaitCompletion polls until the key is done (record returned) or gone
// (nil record).
func (g *Guard) awaitCompletion(ctx context.Context, key string) (*Record, error) {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		rec, err := g.store.Load(ctx, key)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrInProgress
			}
			return nil, err
		}
		if rec == nil || rec.State == StateDone {
			return rec, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrInProgress
			}
			return nil, ctx.Err()
		}
	}
}

// Run is Do with a typed result.
func Run[T any](ctx context.Context, g *Guard, operation, key string, fn func(ctx context.Context) (T, error)) (T, Outcome, error) {
	var zero T
	out, err := g.Do(ctx, operation, key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, out, err
	}
	var v T
	if err := json.Unmarshal(out.Result, &v); err != nil {
		return zero, out, fmt.Errorf("decode stored result: %w", err)
	}
	return v, out, nil
}
