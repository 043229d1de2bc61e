package opshttp

import (
	"net/http"

	"github.com/payloghq/ratelimitd/internal/health"
)

type Options struct {
	Port         int
	Metrics      http.Handler
	EnablePprof  bool
	Health       health.Probe
	Readiness    health.Probe
	UseRecoverMW bool
	OnPanic      func() // Optional callback for when panics are recovered, e.g. to trigger alerts or increment prometheus counters, etc.

	// Policy optionally serves the active policy snapshot at /policy, so
	// operators can inspect what the fleet is enforcing without going
	// through the public listener
	Policy http.Handler
}
