package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/payloghq/ratelimitd/internal/health"
	"github.com/payloghq/ratelimitd/internal/httpmw"
	"github.com/payloghq/ratelimitd/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func() // Optional callback for when panics are recovered, e.g. to increment prometheus counters

	MetricsMW func(http.Handler) http.Handler
	GuardMW   func(http.Handler) http.Handler // per-IP abuse guard wrapping the whole traced stack

	APIRoutes        func(chi.Router) // decision API route registration
	NotFound         http.Handler     // unmatched paths (chi's text 404 when nil)
	MethodNotAllowed http.Handler     // wrong method on a known path (chi's text 405 when nil)

	Health    health.Probe
	Readiness health.Probe

	PolicyInfo   httpmw.PolicyInfo // For X-Policy-Version and X-Policy-Hash headers
	ClientIPOpts httpmw.ClientIPOptions
}
