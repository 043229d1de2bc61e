package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/payloghq/ratelimitd/internal/version"
)

type ServerMetrics struct {
	reg            *prometheus.Registry
	handler        http.Handler
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// rate limit decision metrics
	decisionsTotal     *prometheus.CounterVec
	evictionsTotal     *prometheus.CounterVec
	backendErrorsTotal *prometheus.CounterVec
	trackedTokens      *prometheus.GaugeVec

	// ip guard metrics
	ipguardDeniedTotal   prometheus.Counter
	ipguardCapacityTotal prometheus.Counter

	// policy lifecycle metrics
	policySource          *prometheus.GaugeVec
	policyInfo            *prometheus.GaugeVec
	policyLoadedTimestamp prometheus.Gauge
	watcherPollsTotal     prometheus.Counter
	watcherSwapsTotal     prometheus.Counter
	watcherErrorsTotal    *prometheus.CounterVec
	policyLoadDuration    prometheus.Histogram
	watcherLastSuccessTs  prometheus.Gauge
	watcherStale          prometheus.Gauge
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Total rate limit decisions by limiter and outcome",
		}, []string{"limiter", "outcome"}),
		evictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_evictions_total",
			Help: "Total tokens evicted to make room under the tracking cap",
		}, []string{"limiter"}),
		backendErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_backend_errors_total",
			Help: "Total limiter backend failures absorbed into fail-open/closed decisions",
		}, []string{"limiter"}),
		trackedTokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratelimit_tracked_tokens",
			Help: "Tokens currently tracked per memory-backed limiter",
		}, []string{"limiter"}),
		ipguardDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipguard_denied_total",
			Help: "Total requests rejected by the per-IP guard",
		}),
		ipguardCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipguard_capacity_total",
			Help: "Total number of times the IP guard visitor table hit capacity",
		}),
		policySource: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "policy_source_info",
			Help: "Current policy source (label carries value, gauge is always 1)",
		}, []string{"source"}),
		policyInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "policy_info",
			Help: "Currently active policy document (labels carry identity, value is always 1)",
		}, []string{"version", "hash"}),
		policyLoadedTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "policy_loaded_timestamp_seconds",
			Help: "Unix timestamp of when the current policy document was loaded",
		}),
		watcherPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policy_watcher_polls_total",
			Help: "Total number of watcher poll cycles",
		}),
		watcherSwapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policy_watcher_swaps_total",
			Help: "Total number of successful policy swaps",
		}),
		watcherErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_watcher_errors_total",
			Help: "Total watcher errors by type",
		}, []string{"type"}),
		policyLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "policy_load_duration_seconds",
			Help:    "Time to download, verify, and parse a policy document",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		watcherLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "policy_watcher_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful SSM poll",
		}),
		watcherStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "policy_watcher_stale",
			Help: "Whether the policy watcher is stale (1) or healthy (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.errorsTotal,
		m.profilingActive,
		m.decisionsTotal,
		m.evictionsTotal,
		m.backendErrorsTotal,
		m.trackedTokens,
		m.ipguardDeniedTotal,
		m.ipguardCapacityTotal,
		m.policySource,
		m.policyInfo,
		m.policyLoadedTimestamp,
		m.watcherPollsTotal,
		m.watcherSwapsTotal,
		m.watcherErrorsTotal,
		m.policyLoadDuration,
		m.watcherLastSuccessTs,
		m.watcherStale,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// rate limit decisions, implements the registry's Metrics interface

func (m *ServerMetrics) IncDecision(limiter, outcome string) {
	m.decisionsTotal.WithLabelValues(limiter, outcome).Inc()
}

func (m *ServerMetrics) IncEviction(limiter string) {
	m.evictionsTotal.WithLabelValues(limiter).Inc()
}

func (m *ServerMetrics) IncBackendError(limiter string) {
	m.backendErrorsTotal.WithLabelValues(limiter).Inc()
}

func (m *ServerMetrics) SetTrackedTokens(limiter string, n int) {
	m.trackedTokens.WithLabelValues(limiter).Set(float64(n))
}

// ip guard

func (m *ServerMetrics) IncIPGuardDenied() {
	m.ipguardDeniedTotal.Inc()
}

func (m *ServerMetrics) IncIPGuardCapacity() {
	m.ipguardCapacityTotal.Inc()
}

// policy lifecycle, implements the policy watcher's metrics interface

func (m *ServerMetrics) SetPolicySource(source string) {
	m.policySource.Reset() // clear previous label value
	m.policySource.WithLabelValues(source).Set(1)
}

func (m *ServerMetrics) SetPolicyDocument(version, hash string) {
	m.policyInfo.Reset()
	m.policyInfo.WithLabelValues(version, hash).Set(1)
}

func (m *ServerMetrics) SetPolicyLoadedTimestamp(t time.Time) {
	m.policyLoadedTimestamp.Set(float64(t.Unix()))
}

func (m *ServerMetrics) IncPolicyPolls() {
	m.watcherPollsTotal.Inc()
}

func (m *ServerMetrics) IncPolicySwaps() {
	m.watcherSwapsTotal.Inc()
}

func (m *ServerMetrics) IncPolicyError(errType string) {
	m.watcherErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) ObservePolicyLoadDuration(seconds float64) {
	m.policyLoadDuration.Observe(seconds)
}

func (m *ServerMetrics) SetPolicyLastSuccess(unixSeconds float64) {
	m.watcherLastSuccessTs.Set(unixSeconds)
}

func (m *ServerMetrics) SetPolicyStale(stale bool) {
	if stale {
		m.watcherStale.Set(1)
	} else {
		m.watcherStale.Set(0)
	}
}
