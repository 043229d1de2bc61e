package limitapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/payloghq/ratelimitd/internal/httpmw"
	"github.com/payloghq/ratelimitd/internal/log"
	"github.com/payloghq/ratelimitd/internal/registry"
)

// KeyFunc derives the rate limit token for a request. Returning empty skips
// limiting for that request.
type KeyFunc func(r *http.Request) string

// ClientIPKey keys requests by the resolved client IP. Requires the httpmw
// client IP middleware upstream in the chain.
func ClientIPKey(r *http.Request) string {
	return httpmw.ClientIPFromContext(r.Context())
}

// Middleware guards a handler chain with the named limiter using its policy
// default limit. Denied requests get a 429 with Retry-After, every limited
// response carries the X-RateLimit headers.
//
// A nil key falls back to ClientIPKey. A check against a limiter the policy
// does not declare passes the request through. Failing open on a config
// mistake beats turning every guarded route into a 500.
func Middleware(limiters LimiterService, name string, key KeyFunc, logger log.Logger) func(http.Handler) http.Handler {
	if key == nil {
		key = ClientIPKey
	}
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			token := key(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			d, err := limiters.Check(ctx, name, token, registry.UseDefaultLimit)
			if err != nil {
				logger.Warn(ctx, "rate limit middleware check failed, passing through",
					"limiter", name,
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}

			setRateLimitHeaders(w, d)

			if !d.Allowed {
				logger.Debug(ctx, "request rate limited",
					"limiter", name,
					"path", r.URL.Path,
				)
				w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(d.ResetAt), 10))
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(errorResponse{Error: "rate limit exceeded"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds rounds up so clients never retry before the window turns
func retryAfterSeconds(resetAt time.Time) int64 {
	secs := int64((time.Until(resetAt) + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
