package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/payloghq/ratelimitd/internal/xerrors"
)

// RedisLimiter counts calls per token over fixed windows in Redis, so every
// instance behind a load balancer sees the same counts.
//
// Each token maps to a counter INCRed on every check. The key's TTL is set
// once, when the counter is created, which anchors the window to the first
// call exactly like the in-memory table anchors windowStart. Redis expiry
// replaces both the sweep and the capacity cap: idle counters simply vanish.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	window time.Duration
	now    func() time.Time
}

type RedisOption func(*RedisLimiter)

// WithRedisPrefix namespaces the keys, default "ratelimit". Named limiters
// pass "ratelimit:<name>" so their tokens never collide.
func WithRedisPrefix(p string) RedisOption {
	return func(r *RedisLimiter) {
		r.prefix = p
	}
}

// WithRedisWindow sets the counting window, default DefaultWindow
func WithRedisWindow(d time.Duration) RedisOption {
	return func(r *RedisLimiter) {
		r.window = d
	}
}

// WithRedisClock replaces the wall clock used for ResetAt, used by tests
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *RedisLimiter) {
		r.now = now
	}
}

// NewRedis creates a RedisLimiter on an existing client. The client's
// lifecycle belongs to the caller.
func NewRedis(client *redis.Client, opts ...RedisOption) *RedisLimiter {
	r := &RedisLimiter{
		client: client,
		prefix: "ratelimit",
		window: DefaultWindow,
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.window <= 0 {
		r.window = DefaultWindow
	}
	return r
}

func (r *RedisLimiter) key(token string) string {
	return r.prefix + ":" + token
}

// Allow implements Checker. One pipeline round trip increments the counter
// and reads its TTL; a second call sets the TTL when the counter is new.
//
// The decision mirrors the in-memory semantics: allowed while the running
// count stays within limit, Remaining clamped at zero, ResetAt always the
// check time plus one window.
func (r *RedisLimiter) Allow(ctx context.Context, token string, limit int) (Decision, error) {
	key := r.key(token)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, xerrors.Wrapf(err, "incr %s", key)
	}

	count := incr.Val()

	// PTTL < 0 means no expiry: the counter was just created by our INCR, or
	// a previous expire call was lost. Either way, anchor the window now.
	if pttl.Val() < 0 {
		if err := r.client.PExpire(ctx, key, r.window).Err(); err != nil {
			return Decision{}, xerrors.Wrapf(err, "expire %s", key)
		}
	}

	d := Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: limit - int(count),
		ResetAt:   r.now().Add(r.window),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d, nil
}

// Reset implements Checker by deleting the token's counter
func (r *RedisLimiter) Reset(ctx context.Context, token string) error {
	if err := r.client.Del(ctx, r.key(token)).Err(); err != nil {
		return xerrors.Wrapf(err, "del %s", r.key(token))
	}
	return nil
}
