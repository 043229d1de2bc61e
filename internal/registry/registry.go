// Package registry materializes policy documents into running limiters and
// routes checks to them by name.
//
// The registry owns limiter lifecycle across policy swaps: limiters whose
// config is unchanged keep running (and keep their counters), changed ones
// are rebuilt, removed ones are stopped. Checks against a Redis-backed
// registry absorb backend failures according to the configured fail mode so
// a Redis outage degrades rate limiting instead of taking logins down.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/payloghq/ratelimitd/internal/log"
	"github.com/payloghq/ratelimitd/internal/policy"
	"github.com/payloghq/ratelimitd/internal/ratelimit"
	"github.com/payloghq/ratelimitd/internal/xerrors"
)

// ErrUnknownLimiter is returned for names the active policy does not declare.
var ErrUnknownLimiter = errors.New("unknown limiter")

// UseDefaultLimit as a limit override picks the limiter's policy default.
// Zero is a real limit that denies everything, not a sentinel.
const UseDefaultLimit = -1

// Metrics is implemented by the metrics package to observe decisions.
type Metrics interface {
	IncDecision(limiter, outcome string)
	IncEviction(limiter string)
	IncBackendError(limiter string)
	SetTrackedTokens(limiter string, n int)
}

// Info describes one configured limiter for the read API.
type Info struct {
	Name             string
	WindowMs         int64
	MaxTrackedTokens int
	DefaultLimit     int
	Backend          string // memory or redis
}

// entry pairs a named limiter's config with its running backend.
// Immutable once built, Apply replaces whole entries.
type entry struct {
	config  policy.LimiterConfig
	checker ratelimit.Checker
	mem     *ratelimit.Limiter // set for memory backends, used for Len
	cancel  context.CancelFunc // stops the memory backend's sweeper
}

type Options struct {
	Logger log.Logger

	// Redis backs every limiter with shared counters when set, otherwise
	// limiters are per-instance in-memory tables
	Redis *redis.Client

	// FailClosed denies on backend errors. Default is fail-open: a Redis
	// outage answers as if the call were within limit.
	FailClosed bool

	Metrics Metrics

	// Clock overrides the wall clock, used by tests
	Clock func() time.Time
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	version string

	logger     log.Logger
	redis      *redis.Client
	failClosed bool
	metrics    Metrics
	clock      func() time.Time

	// lifeCtx parents the sweep goroutines of memory backends, not request
	// scoping. Cancelling it stops every limiter the registry ever built.
	lifeCtx context.Context
}

// New builds a registry running the given policy document
func New(ctx context.Context, doc policy.Document, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	r := &Registry{
		entries:    make(map[string]*entry),
		logger:     opts.Logger,
		redis:      opts.Redis,
		failClosed: opts.FailClosed,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
		lifeCtx:    ctx,
	}
	r.Apply(ctx, doc)
	return r
}

// Check runs one rate limit decision against the named limiter.
//
// limitOverride <= UseDefaultLimit picks the policy default; zero and
// positive values are used as given. The only error is ErrUnknownLimiter:
// backend failures are absorbed into a fail-open or fail-closed decision so
// callers always get an answer.
func (r *Registry) Check(ctx context.Context, name, token string, limitOverride int) (ratelimit.Decision, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return ratelimit.Decision{}, xerrors.Wrapf(ErrUnknownLimiter, "limiter %q", name)
	}

	limit := limitOverride
	if limit < 0 {
		limit = e.config.DefaultLimit
	}

	d, err := e.checker.Allow(ctx, token, limit)
	if err != nil {
		if r.metrics != nil {
			r.metrics.IncBackendError(name)
		}
		r.logger.Error(ctx, err, "rate limit backend error",
			"limiter", name,
			"fail_mode", r.failMode(),
		)
		d = r.failureDecision(e, limit)
	}

	if r.metrics != nil {
		outcome := "denied"
		if d.Allowed {
			outcome = "allowed"
		}
		r.metrics.IncDecision(name, outcome)
		if e.mem != nil {
			r.metrics.SetTrackedTokens(name, e.mem.Len())
		}
	}
	return d, nil
}

// Reset forgets a token's window in the named limiter
func (r *Registry) Reset(ctx context.Context, name, token string) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return xerrors.Wrapf(ErrUnknownLimiter, "limiter %q", name)
	}
	return e.checker.Reset(ctx, token)
}

// Apply swaps the registry onto a new policy document. Limiters with
// unchanged config keep their state, changed ones restart empty, removed
// ones stop.
func (r *Registry) Apply(ctx context.Context, doc policy.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, cfg := range doc.Limiters {
		cur, ok := r.entries[name]
		if ok && cur.config == cfg {
			continue
		}
		if ok && cur.cancel != nil {
			cur.cancel()
		}
		r.entries[name] = r.build(name, cfg)

		action := "added"
		if ok {
			action = "rebuilt"
		}
		r.logger.Info(ctx, "limiter "+action,
			"limiter", name,
			"window", cfg.Window().String(),
			"max_tracked_tokens", cfg.MaxTrackedTokens,
			"default_limit", cfg.DefaultLimit,
		)
	}

	for name, e := range r.entries {
		if _, ok := doc.Limiters[name]; !ok {
			if e.cancel != nil {
				e.cancel()
			}
			delete(r.entries, name)
			r.logger.Info(ctx, "limiter removed", "limiter", name)
		}
	}

	r.version = doc.Version
}

// Version returns the policy version the registry is running
func (r *Registry) Version() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Names returns the configured limiter names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns one limiter's info
func (r *Registry) Get(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Info{}, false
	}
	return r.info(name, e), true
}

// List returns every configured limiter's info, sorted by name
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.entries))
	for name, e := range r.entries {
		infos = append(infos, r.info(name, e))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func (r *Registry) info(name string, e *entry) Info {
	backend := "memory"
	if e.mem == nil {
		backend = "redis"
	}
	return Info{
		Name:             name,
		WindowMs:         e.config.WindowMs,
		MaxTrackedTokens: e.config.MaxTrackedTokens,
		DefaultLimit:     e.config.DefaultLimit,
		Backend:          backend,
	}
}

// build constructs the backend for one named limiter
func (r *Registry) build(name string, cfg policy.LimiterConfig) *entry {
	e := &entry{config: cfg}

	if r.redis != nil {
		e.checker = ratelimit.NewRedis(r.redis,
			ratelimit.WithRedisPrefix("ratelimit:"+name),
			ratelimit.WithRedisWindow(cfg.Window()),
			ratelimit.WithRedisClock(r.clock),
		)
		return e
	}

	ctx, cancel := context.WithCancel(r.lifeCtx)
	e.cancel = cancel

	opts := []ratelimit.Option{
		ratelimit.WithWindow(cfg.Window()),
		ratelimit.WithMaxTrackedTokens(cfg.MaxTrackedTokens),
		ratelimit.WithDefaultLimit(cfg.DefaultLimit),
		ratelimit.WithClock(r.clock),
	}
	if r.metrics != nil {
		opts = append(opts, ratelimit.WithOnEvict(func(string) {
			r.metrics.IncEviction(name)
		}))
	}

	mem := ratelimit.New(ctx, opts...)
	e.checker = mem
	e.mem = mem
	return e
}

// failureDecision is the answer handed out when the backend errored.
// Fail-open treats the call as within limit, fail-closed denies. A zero
// limit denies either way, nothing is within a zero allowance.
func (r *Registry) failureDecision(e *entry, limit int) ratelimit.Decision {
	d := ratelimit.Decision{
		Allowed:   !r.failClosed && limit > 0,
		Limit:     limit,
		Remaining: limit - 1,
		ResetAt:   r.clock().Add(e.config.Window()),
	}
	if r.failClosed || d.Remaining < 0 {
		d.Remaining = 0
	}
	return d
}

func (r *Registry) failMode() string {
	if r.failClosed {
		return "closed"
	}
	return "open"
}
