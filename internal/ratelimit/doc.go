// Package ratelimit implements fixed-window call counting over opaque
// tokens, the decision core behind the login and password-reset guards.
//
// Two backends share the [Checker] interface:
//   - [Limiter]: in-memory, per-instance. A bounded token table with LRU
//     eviction, safe for concurrent use, never blocks and never fails.
//   - [RedisLimiter]: counters shared across instances through Redis for
//     deployments where every replica must see the same counts.
//
// Window semantics are identical in both: the first call for a token starts
// a window and sets its count to 1, later calls inside the window increment
// it, and the call is allowed while count <= limit. Denied calls count too,
// so hammering a denied token does not shorten the wait. The window expires
// a fixed duration after the call that started it, regardless of activity.
//
// [Decision.ResetAt] is always the check time plus one full window. It is a
// retry hint that moves forward on every call, not the exact instant the
// counter clears. Callers that need exactness should back off and re-check.
package ratelimit
