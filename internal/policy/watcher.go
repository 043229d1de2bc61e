// Watcher polls SSM for policy hash changes and hot-swaps the active
// document in the Manager when a new one is published.
//
// Documents are tiny and live entirely in memory, old snapshots are
// garbage-collected when the atomic pointer in the Manager is swapped.

package policy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/payloghq/ratelimitd/internal/cryptoutil"
	"github.com/payloghq/ratelimitd/internal/log"
)

const (
	// DefaultPollInterval is how often the watcher checks SSM for a new hash.
	DefaultPollInterval = time.Minute

	// maxBackoff caps exponential backoff on consecutive SSM errors.
	maxBackoff = 5 * time.Minute
)

// pollResult describes what happened during a single poll cycle.
type pollResult int

const (
	pollNoChange pollResult = iota // SSM hash matches current - nothing to do
	pollSwapped                    // new hash detected, document loaded and swapped
	pollSSMError                   // SSM fetch failed - caller should back off
	pollLoadError                  // SSM succeeded but download/verify/parse failed
)

// PolicyFetcher is the interface the Watcher needs from a Loader. Extracted
// to decouple the Watcher from the concrete *Loader type, enabling simpler
// test doubles.
type PolicyFetcher interface {
	FetchCurrentHash(ctx context.Context) (string, error)
	LoadHash(ctx context.Context, hash string) (*Snapshot, error)
}

// WatcherMetrics is implemented by the metrics package to observe watcher behavior.
type WatcherMetrics interface {
	IncPolicyPolls()
	IncPolicySwaps()
	IncPolicyError(errType string)
	ObservePolicyLoadDuration(seconds float64)
	SetPolicyLastSuccess(unixSeconds float64)
	SetPolicyStale(stale bool)
}

// WatcherOptions configures the policy watcher.
type WatcherOptions struct {
	Logger       log.Logger
	Loader       PolicyFetcher
	Manager      *Manager
	PollInterval time.Duration

	// OnSwap is called after a successful policy swap, synchronously on the
	// poll goroutine. The registry hangs off this to rebuild its limiters.
	OnSwap func(snap Snapshot)

	// Metrics receives watcher observability signals (polls, swaps, errors, durations).
	Metrics WatcherMetrics

	// StaleThreshold is how long since the last successful SSM poll before
	// the watcher reports staleness. Zero defaults to 30 minutes.
	StaleThreshold time.Duration
}

// Watcher polls for policy changes and hot-swaps documents into the manager.
type Watcher struct {
	loader   PolicyFetcher
	manager  *Manager
	logger   log.Logger
	interval time.Duration
	onSwap   func(snap Snapshot)
	metrics  WatcherMetrics

	// hash tracking for change detection
	currentHash string

	// backoff state
	consecutiveErrs int

	// staleness tracking
	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	// stats for logging
	pollCount int64
	swapCount int64
}

// NewWatcher creates a policy watcher. Call Run to start the poll loop.
func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	// seed current hash from manager so the first poll doesn't re-download
	// what was already loaded at startup. The seed document has no hash, so
	// a fresh instance pulls the remote policy on its first poll.
	currentHash := ""
	if snap, ok := opts.Manager.Get(); ok {
		currentHash = snap.Hash
	}

	staleThreshold := opts.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = 30 * time.Minute
	}

	return &Watcher{
		loader:         opts.Loader,
		manager:        opts.Manager,
		logger:         opts.Logger,
		interval:       interval,
		onSwap:         opts.OnSwap,
		metrics:        opts.Metrics,
		currentHash:    currentHash,
		staleThreshold: staleThreshold,
		lastSuccessAt:  time.Now(),
	}
}

// Run starts the poll loop. Blocks until ctx is cancelled.
// Intended to be launched as: go watcher.Run(ctx)
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "policy watcher starting",
		"poll_interval", w.interval.String(),
		"current_hash", truncHash(w.currentHash),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "policy watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"swaps", w.swapCount,
			)
			return ctx.Err()
		case <-ticker.C:
			result := w.checkOnce(ctx)

			if result == pollSSMError {
				w.consecutiveErrs++
				backoff := w.backoffDuration()
				w.logger.Warn(ctx, "policy watcher: backing off",
					"consecutive_errors", w.consecutiveErrs,
					"next_poll_in", backoff.String(),
				)
				ticker.Reset(backoff)
			} else if w.consecutiveErrs > 0 {
				// recovered from error streak - resume normal cadence
				w.logger.Info(ctx, "policy watcher: recovered, resuming normal interval",
					"had_consecutive_errors", w.consecutiveErrs,
				)
				w.consecutiveErrs = 0
				ticker.Reset(w.interval)
			}

			// staleness detection: emit structured error once on transition into stale state
			if result != pollSSMError {
				// non-SSM-error means lastSuccessAt was updated
				if w.staleLogged {
					w.logger.Info(ctx, "policy watcher: staleness recovered")
					w.staleLogged = false
					if w.metrics != nil {
						w.metrics.SetPolicyStale(false)
					}
				}
			} else if time.Since(w.lastSuccessAt) > w.staleThreshold {
				if !w.staleLogged {
					w.logger.Error(ctx, fmt.Errorf("last successful SSM poll was %s ago", time.Since(w.lastSuccessAt).Truncate(time.Second)),
						"policy watcher: policy is stale, running on the last known document",
					)
					w.staleLogged = true
					if w.metrics != nil {
						w.metrics.SetPolicyStale(true)
					}
				}
			}
		}
	}
}

// checkOnce performs a single poll-compare-swap cycle.
// Returns what happened so Run can adjust timing.
func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++
	if w.metrics != nil {
		w.metrics.IncPolicyPolls()
	}

	// poll SSM for the current policy hash
	hash, err := w.loader.FetchCurrentHash(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "policy watcher: SSM poll failed")
		if w.metrics != nil {
			w.metrics.IncPolicyError("ssm")
		}
		return pollSSMError
	}

	// SSM call succeeded - update last success time
	now := time.Now()
	w.lastSuccessAt = now
	if w.metrics != nil {
		w.metrics.SetPolicyLastSuccess(float64(now.Unix()))
	}

	// no change - most common path
	if cryptoutil.HashEqual(hash, w.currentHash) {
		return pollNoChange
	}

	// new hash detected
	w.logger.Info(ctx, "policy watcher: new policy hash detected",
		"old_hash", truncHash(w.currentHash),
		"new_hash", truncHash(hash),
	)

	// download, verify, parse. A document that fails any of those stays out
	// and the current one keeps serving.
	loadStart := time.Now()
	snap, err := w.loader.LoadHash(ctx, hash)
	loadDur := time.Since(loadStart).Seconds()
	if w.metrics != nil {
		w.metrics.ObservePolicyLoadDuration(loadDur)
	}

	if err != nil {
		w.logger.Error(ctx, err, "policy watcher: failed to load policy, keeping current document",
			"rejected_hash", truncHash(hash),
			"current_hash", truncHash(w.currentHash),
		)
		if w.metrics != nil {
			w.metrics.IncPolicyError("load")
		}
		return pollLoadError
	}

	// atomic swap into manager
	oldHash := w.currentHash
	w.manager.Set(*snap)
	w.swapCount++
	w.currentHash = hash

	w.logger.Info(ctx, "policy watcher: policy swapped",
		"old_hash", truncHash(oldHash),
		"new_hash", truncHash(hash),
		"version", snap.Doc.Version,
		"total_swaps", w.swapCount,
	)

	if w.metrics != nil {
		w.metrics.IncPolicySwaps()
	}

	// notify caller (registry rebuild, metrics)
	if w.onSwap != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, fmt.Errorf("OnSwap panic: %v", r),
						"policy watcher: OnSwap callback panicked, continuing",
						"hash", truncHash(hash),
					)
				}
			}()
			w.onSwap(*snap)
		}()
	}

	return pollSwapped
}

// backoffDuration computes exponential backoff capped at maxBackoff.
// consecutiveErrs=1 → 2x interval, =2 → 4x, =3 → 8x, etc.
func (w *Watcher) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(w.consecutiveErrs))
	d := time.Duration(float64(w.interval) * mult)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// truncHash returns the first 12 characters of a hash for logging.
func truncHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
