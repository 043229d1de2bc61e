package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PolicyInfo reports the active rate limit policy document. *policy.Manager
// satisfies it.
type PolicyInfo interface {
	Version() string
	Hash() string
}

// PolicyHeaders middleware adds X-Policy-Version and X-Policy-Hash headers
// to all responses so callers can tell which policy produced a decision
func PolicyHeaders(info PolicyInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if info != nil {
				v := info.Version()
				h := info.Hash()
				if v != "" {
					w.Header().Set("X-Policy-Version", v)
				}
				if h != "" {
					// Use short hash for header (first 12 chars)
					headerHash := h
					if len(headerHash) > 12 {
						headerHash = headerHash[:12]
					}
					w.Header().Set("X-Policy-Hash", headerHash)
				}
				// Enrich the current trace span with policy info
				if span := trace.SpanFromContext(r.Context()); span != nil && span.IsRecording() {
					if v != "" {
						span.SetAttributes(attribute.String("policy.version", v))
					}
					if h != "" {
						span.SetAttributes(attribute.String("policy.hash", h))
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
