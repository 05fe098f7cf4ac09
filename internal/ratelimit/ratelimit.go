// Package ratelimit admits or rejects requests under a fixed per-client
// budget. It counts in a shared Redis store when one is reachable and
// degrades to an in-process map when it is not; any internal error during
// the check admits the request.
package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rate_limit:"

// SharedStore is the counter backend shared across processes. Incr must be
// atomic at the backend.
type SharedStore interface {
	Get(ctx context.Context, key string) (int64, error) // 0 when absent
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
}

type redisStore struct {
	rdb *redis.Client
}

func (s *redisStore) Get(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (s *redisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

func (s *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *redisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.rdb.TTL(ctx, key).Result()
}

type window struct {
	count int
	start time.Time
}

// Governor enforces limit requests per window per client identity.
type Governor struct {
	limit  int
	window time.Duration
	shared SharedStore // nil when no shared backend is configured
	now    func() time.Time

	mu    sync.Mutex
	local map[string]*window
}

func New(limit int, win time.Duration, rdb *redis.Client) *Governor {
	var shared SharedStore
	if rdb != nil {
		shared = &redisStore{rdb: rdb}
	}
	return NewWithStore(limit, win, shared)
}

// NewWithStore injects the shared backend directly; tests use it with fake
// stores.
func NewWithStore(limit int, win time.Duration, shared SharedStore) *Governor {
	return &Governor{
		limit:  limit,
		window: win,
		shared: shared,
		now:    time.Now,
		local:  make(map[string]*window),
	}
}

// Check admits or rejects one unit of work for clientID. The shared backend
// is consulted first; if it errors the local window decides. The local path
// cannot fail, which makes the whole check fail-open.
func (g *Governor) Check(ctx context.Context, clientID string) bool {
	if g.shared != nil {
		allowed, err := g.checkShared(ctx, clientID)
		if err == nil {
			return allowed
		}
		log.Printf("ratelimit: shared store unavailable, using local window: %v", err)
	}
	return g.checkLocal(clientID)
}

func (g *Governor) checkShared(ctx context.Context, clientID string) (bool, error) {
	key := keyPrefix + clientID

	count, err := g.shared.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if count >= int64(g.limit) {
		return false, nil
	}

	n, err := g.shared.Incr(ctx, key)
	if err != nil {
		return false, err
	}
	// First increment in a fresh window starts the expiry clock.
	if n == 1 {
		if err := g.shared.Expire(ctx, key, g.window); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (g *Governor) checkLocal(clientID string) bool {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.local[clientID]
	if !ok {
		g.local[clientID] = &window{count: 1, start: now}
		return true
	}
	if now.Sub(w.start) >= g.window {
		w.count = 1
		w.start = now
		return true
	}
	if w.count >= g.limit {
		return false
	}
	w.count++
	return true
}

// Status reports the remaining quota and window reset time for response
// headers. Best effort: it reads counters without mutating them.
func (g *Governor) Status(ctx context.Context, clientID string) (remaining int, resetAt time.Time, err error) {
	if g.shared != nil {
		remaining, resetAt, err = g.sharedStatus(ctx, clientID)
		if err == nil {
			return remaining, resetAt, nil
		}
	}
	return g.localStatus(clientID)
}

func (g *Governor) sharedStatus(ctx context.Context, clientID string) (int, time.Time, error) {
	key := keyPrefix + clientID
	count, err := g.shared.Get(ctx, key)
	if err != nil {
		return 0, time.Time{}, err
	}
	ttl, err := g.shared.TTL(ctx, key)
	if err != nil || ttl < 0 {
		ttl = g.window
	}
	remaining := g.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, g.now().Add(ttl), nil
}

func (g *Governor) localStatus(clientID string) (int, time.Time, error) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.local[clientID]
	if !ok || now.Sub(w.start) >= g.window {
		return g.limit, now.Add(g.window), nil
	}
	remaining := g.limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, w.start.Add(g.window), nil
}

// Limit returns the configured budget.
func (g *Governor) Limit() int { return g.limit }

// Window returns the configured window length.
func (g *Governor) Window() time.Duration { return g.window }

// Sweep drops expired local windows to bound memory.
func (g *Governor) Sweep() {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	for id, w := range g.local {
		if now.Sub(w.start) >= g.window {
			delete(g.local, id)
		}
	}
}

// RunSweeper sweeps the local map on a ticker until ctx is done.
func (g *Governor) RunSweeper(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
