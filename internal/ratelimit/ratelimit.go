package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	// DefaultWindow is the counting window used when WithWindow is not given.
	DefaultWindow = time.Minute

	// DefaultMaxTrackedTokens bounds the in-memory token table when
	// WithMaxTrackedTokens is not given.
	DefaultMaxTrackedTokens = 500

	// DefaultLimit is the per-window allowance CheckDefault applies.
	DefaultLimit = 5
)

// Decision is the outcome of a single check.
type Decision struct {
	// Allowed reports whether the call stayed within the limit.
	Allowed bool

	// Limit is the allowance the check was made against.
	Limit int

	// Remaining is how much of the allowance is left, never negative.
	Remaining int

	// ResetAt is the check time plus one full window. A retry hint, see the
	// package doc for its exact semantics.
	ResetAt time.Time
}

// Checker is the backend-neutral interface the registry builds on. Both
// [Limiter] and [RedisLimiter] implement it.
type Checker interface {
	// Allow records one call for token and returns the resulting decision.
	Allow(ctx context.Context, token string, limit int) (Decision, error)

	// Reset forgets the token's current window so its next call starts fresh.
	Reset(ctx context.Context, token string) error
}

// entry is one token's window state plus its hook into the recency list.
type entry struct {
	token       string
	count       int
	windowStart time.Time
	elem        *list.Element
}

// Limiter counts calls per token over fixed windows, in memory.
//
// The table is bounded: once maxTracked tokens are present, tracking a new
// token evicts the least recently checked one. Any check refreshes a token's
// recency, but never its window. windowStart is anchored to the call that
// created or restarted the window and only moves when the window expires.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // front = most recently checked

	window       time.Duration
	maxTracked   int
	defaultLimit int

	// now is the clock, replaceable for deterministic tests
	now func() time.Time

	sweepEvery time.Duration

	// OnDeny is called for every denied check, after the lock is released
	OnDeny func(token string, limit int)

	// OnEvict is called when a token is dropped to make room for a new one,
	// after the lock is released. Sweeps of expired windows do not fire it.
	OnEvict func(token string)
}

type Option func(*Limiter)

// WithWindow sets how long a token's count accumulates before it starts over
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		l.window = d
	}
}

// WithMaxTrackedTokens caps the token table. At capacity, a check for an
// unseen token evicts the least recently checked entry first.
func WithMaxTrackedTokens(n int) Option {
	return func(l *Limiter) {
		l.maxTracked = n
	}
}

// WithDefaultLimit sets the allowance CheckDefault uses
func WithDefaultLimit(n int) Option {
	return func(l *Limiter) {
		l.defaultLimit = n
	}
}

// WithClock replaces the wall clock, used by tests to step through windows
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithSweepInterval overrides how often the background sweep drops expired
// entries. Defaults to half the window.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) {
		l.sweepEvery = d
	}
}

// WithOnDeny sets a callback for every denied check, used for incrementing prometheus counters
func WithOnDeny(fn func(token string, limit int)) Option {
	return func(l *Limiter) {
		l.OnDeny = fn
	}
}

// WithOnEvict sets a callback for capacity evictions, used for logging and metrics
func WithOnEvict(fn func(token string)) Option {
	return func(l *Limiter) {
		l.OnEvict = fn
	}
}

// New creates a Limiter and starts the background sweep goroutine
func New(ctx context.Context, opts ...Option) *Limiter {
	l := &Limiter{
		entries:      make(map[string]*entry),
		order:        list.New(),
		window:       DefaultWindow,
		maxTracked:   DefaultMaxTrackedTokens,
		defaultLimit: DefaultLimit,
		now:          time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	if l.window <= 0 {
		l.window = DefaultWindow
	}
	if l.maxTracked <= 0 {
		l.maxTracked = DefaultMaxTrackedTokens
	}
	if l.sweepEvery <= 0 {
		l.sweepEvery = l.window / 2
	}
	// background sweep goroutine, uses provided context for cancellation that will trigger on app shutdown
	go l.sweep(ctx)
	return l
}

// Check records one call for token and decides whether it stays within limit.
//
// A token seen for the first time, or whose window has expired, starts a
// fresh window at count 1. Otherwise the count increments. The call is
// allowed while count <= limit, so limit 0 (or negative) denies even the
// first call. Check never blocks on anything but the table mutex.
func (l *Limiter) Check(token string, limit int) Decision {
	now := l.now()

	l.mu.Lock()
	var evicted string
	e, ok := l.entries[token]
	switch {
	case !ok:
		if len(l.entries) >= l.maxTracked {
			evicted = l.dropOldest()
		}
		e = &entry{token: token, count: 1, windowStart: now}
		e.elem = l.order.PushFront(e)
		l.entries[token] = e
	case now.Sub(e.windowStart) >= l.window:
		// expired, restart the window anchored at this call
		e.count = 1
		e.windowStart = now
		l.order.MoveToFront(e.elem)
	default:
		e.count++
		l.order.MoveToFront(e.elem)
	}
	count := e.count
	l.mu.Unlock()

	d := Decision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: limit - count,
		ResetAt:   now.Add(l.window),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}

	// hooks run unlocked, they may log or touch metrics
	if evicted != "" && l.OnEvict != nil {
		l.OnEvict(evicted)
	}
	if !d.Allowed && l.OnDeny != nil {
		l.OnDeny(token, limit)
	}
	return d
}

// CheckDefault is Check with the limiter's configured default allowance
func (l *Limiter) CheckDefault(token string) Decision {
	return l.Check(token, l.defaultLimit)
}

// Allow implements Checker. The context is unused, the in-memory table
// cannot block or fail.
func (l *Limiter) Allow(_ context.Context, token string, limit int) (Decision, error) {
	return l.Check(token, limit), nil
}

// Reset implements Checker by forgetting the token's current window
func (l *Limiter) Reset(_ context.Context, token string) error {
	l.mu.Lock()
	if e, ok := l.entries[token]; ok {
		l.order.Remove(e.elem)
		delete(l.entries, token)
	}
	l.mu.Unlock()
	return nil
}

// Len reports how many tokens are currently tracked
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// dropOldest removes the least recently checked entry and returns its token.
// Caller holds the lock.
func (l *Limiter) dropOldest() string {
	back := l.order.Back()
	if back == nil {
		return ""
	}
	e := back.Value.(*entry)
	l.order.Remove(back)
	delete(l.entries, e.token)
	return e.token
}

// sweep periodically drops entries whose window has fully expired so idle
// tokens don't sit in the table until eviction pressure removes them.
func (l *Limiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.removeExpired(l.now())
		}
	}
}

// removeExpired drops every entry whose window ended at or before now
func (l *Limiter) removeExpired(now time.Time) {
	l.mu.Lock()
	for token, e := range l.entries {
		if now.Sub(e.windowStart) >= l.window {
			l.order.Remove(e.elem)
			delete(l.entries, token)
		}
	}
	l.mu.Unlock()
}
