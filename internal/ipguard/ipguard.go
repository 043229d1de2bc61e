// Package ipguard is middleware for per-ip rate limiting of the public listener
//
// # Simple in-memory implementation, not shared between instances or distributed
//
// This sits in front of the decision API and is independent of the token
// windows the API hands out. A caller asking "may user X log in" is itself a
// client that can misbehave, so the listener gets its own guard.
//
// What this does protect against:
//   - single ip flooding the decision endpoints (connection/goroutine exhaustion)
//   - gives observability insight into who/what/when/where/how (you still have to figure out why on your own..)
//   - single-log entry per offender to prevent log spam, metrics for counting total denied requests
//   - unbounded visitor-map growth from address scans (maxVisitors cap)
//
// What this does NOT protect against:
//   - distributed attacks across many ips
//   - bandwidth-bill attacks, inbound data is already accepted by the time this runs
//
// This is designed to be a simple, self contained solution for defense in depth with upstream filtering.
package ipguard

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/payloghq/ratelimitd/internal/httpmw"
)

// visitor tracks a single IPs limiter and last activity
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged tracks whether we have already emitted the first-denial log
	// resets when the entry is evicted and re-created
	logged bool
}

// Guard holds per-IP rate limiters with background eviction
type Guard struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	// rate controls: requests per second and burst ceiling
	perSecond rate.Limit
	burst     int

	// ttl controls how long an idle IP stays in the map before cleanup evicts it
	ttl time.Duration

	// maxVisitors caps the visitor map; new IPs are rejected outright once the
	// map is full. 0 disables the cap.
	maxVisitors int
	// capacityLogged tracks whether OnCapacity has fired for the current
	// saturation episode, resets once cleanup frees room
	capacityLogged bool

	// OnFirstDenied is called once per visitor when they first get rate limited
	// ip is the raw IP string (no port)
	OnFirstDenied func(ip string)

	// OnDenied is called on every denied request, used for incrementing prometheus counter
	OnDenied func(ip string)

	// OnCapacity is called once per saturation episode when a new IP is turned
	// away because the visitor map is full
	OnCapacity func()
}

type Option func(*Guard)

// WithRate sets the request limit bucket size and the refill rate.
// burst is the total capacity of the bucket, perSecond is how many tokens are added to the bucket each second.
// WithRate(10, 50) allows 50 requests at once, then refills at a rate of 10 requests per second
func WithRate(perSecond float64, burst int) Option {
	return func(g *Guard) {
		g.perSecond = rate.Limit(perSecond)
		g.burst = burst
	}
}

// WithTTL controls how long an idle IP stays in the map before cleanup
func WithTTL(d time.Duration) Option {
	return func(g *Guard) {
		g.ttl = d
	}
}

// WithMaxVisitors caps how many IPs the guard tracks at once. 0 means no cap.
func WithMaxVisitors(n int) Option {
	return func(g *Guard) {
		g.maxVisitors = n
	}
}

// WithOnFirstDenied sets a callback for the first denial per visitor, used for logging.
// Intentionally separate from OnDenied to allow different handling - we log once, but increment prometheus counters on each denial
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(g *Guard) {
		g.OnFirstDenied = fn
	}
}

// WithOnDenied sets a callback for every denied request. used for incrementing prometheus counters
func WithOnDenied(fn func(ip string)) Option {
	return func(g *Guard) {
		g.OnDenied = fn
	}
}

// WithOnCapacity sets a callback for the visitor map filling up, used for logging.
// Fires once per saturation episode rather than per rejected IP.
func WithOnCapacity(fn func()) Option {
	return func(g *Guard) {
		g.OnCapacity = fn
	}
}

// New creates a Guard and starts the background cleanup goroutine
func New(ctx context.Context, opts ...Option) *Guard {
	g := &Guard{
		visitors:    make(map[string]*visitor),
		perSecond:   10,
		burst:       30,
		ttl:         5 * time.Minute,
		maxVisitors: 100000,
	}
	for _, o := range opts {
		o(g)
	}
	// start background cleanup goroutine, uses provided context for cancellation that will trigger on app shutdown
	go g.cleanup(ctx)
	return g
}

// allow checks whether the given IP is within its rate limit. also handles
// visitor creation, the capacity cap, and logging for first denial.
// Returns true if the request should proceed, false if it should be rejected.
func (g *Guard) allow(ip string) bool {
	g.mu.Lock()
	v, exists := g.visitors[ip]
	if !exists {
		if g.maxVisitors > 0 && len(g.visitors) >= g.maxVisitors {
			fireCapacity := !g.capacityLogged
			g.capacityLogged = true
			// release lock before calling hooks, have to release as fast as possible to avoid blocking other requests and these calls may do slow work
			g.mu.Unlock()
			if fireCapacity && g.OnCapacity != nil {
				g.OnCapacity()
			}
			if g.OnDenied != nil {
				g.OnDenied(ip)
			}
			return false
		}
		v = &visitor{
			limiter: rate.NewLimiter(g.perSecond, g.burst),
		}
		g.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	allowed := v.limiter.Allow()

	if !allowed && !v.logged {
		v.logged = true
		g.mu.Unlock()
		if g.OnFirstDenied != nil {
			g.OnFirstDenied(ip)
		}
		if g.OnDenied != nil {
			g.OnDenied(ip)
		}
		return false
	}

	g.mu.Unlock()

	if !allowed && g.OnDenied != nil {
		g.OnDenied(ip)
	}

	return allowed
}

// cleanup periodically evicts visitors that haven't been seen within the TTL.
// Runs every TTL/2 to avoid holding stale entries much longer than intended.
func (g *Guard) cleanup(ctx context.Context) {
	ticker := time.NewTicker(g.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.mu.Lock()
			for ip, v := range g.visitors {
				if now.Sub(v.lastSeen) > g.ttl {
					delete(g.visitors, ip)
				}
			}
			if g.capacityLogged && (g.maxVisitors <= 0 || len(g.visitors) < g.maxVisitors) {
				g.capacityLogged = false
			}
			g.mu.Unlock()
		}
	}
}

// Middleware returns middleware that rejects requests over the per-ip rate limit with 429
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// use the httpmw function for resolving client IP, which has extra protections for checking x-forwarded-for and public ips
		ip := httpmw.ClientIPFromContext(r.Context())

		if !g.allow(ip) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			// intentionally not including detail about limits, remaining budget, or when the bucket refills
			w.Write([]byte(`{"error":"too many requests"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
