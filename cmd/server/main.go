package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/redis/go-redis/v9"

	"github.com/payloghq/ratelimitd/internal/cfg"
	"github.com/payloghq/ratelimitd/internal/health"
	"github.com/payloghq/ratelimitd/internal/ipguard"
	"github.com/payloghq/ratelimitd/internal/limitapi"
	"github.com/payloghq/ratelimitd/internal/opshttp"
	"github.com/payloghq/ratelimitd/internal/policy"
	"github.com/payloghq/ratelimitd/internal/registry"

	"github.com/payloghq/ratelimitd/internal/httpmw"
	"github.com/payloghq/ratelimitd/internal/httpserver"
	"github.com/payloghq/ratelimitd/internal/log"
	"github.com/payloghq/ratelimitd/internal/metrics"
	"github.com/payloghq/ratelimitd/internal/otelx"
	"github.com/payloghq/ratelimitd/internal/prof"
	v "github.com/payloghq/ratelimitd/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()
	// local builds run without ldflags and keep the "dev" version
	releaseBuild := vi.Version != "dev"

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		vi := v.Get()
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix PAYLOG_ and validate
	cfg.FillFromEnv(flag.CommandLine, "PAYLOG_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// validate config
	if err := cfg.Validate(conf, releaseBuild); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           v.Version,
		Commit:            v.Commit,
		BuildId:           v.BuildId,
		Level:             lvl,
		StacktraceLevel:   stLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"trusted_hops", conf.TrustedHops,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"enable_policy_updates", conf.EnablePolicyUpdates,
		"otlp_endpoint", conf.OTLPEndpoint,
		"pyro_server", conf.PyroServer,
		"pyro_tenant", conf.PyroTenantID,
		"trace_sample", conf.TraceSample,
		"include_error_links", conf.IncludeErrorLinks,
		"max_error_links", conf.MaxErrorLinks,
		"policy_ssm_param", conf.PolicySSMParam,
		"policy_s3_bucket", conf.PolicyS3Bucket,
		"policy_s3_prefix", conf.PolicyS3Prefix,
		"policy_signing_key_arn", conf.PolicySigningKeyARN,
		"policy_poll_seconds", conf.PolicyPollSeconds,
		"redis_addr", conf.RedisAddr,
		"redis_db", conf.RedisDB,
		"fail_closed", conf.FailClosed,
		"enable_ip_guard", conf.EnableIPGuard,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		AuthToken:     "",
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()
	profilingActive := conf.EnablePyroscope && err == nil

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Setup metrics / admin listener
	var m *metrics.ServerMetrics = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)
	m.SetProfilingActive(profilingActive)

	// setup policy manager that holds the active limiter policy, seeded with
	// the embedded default document so checks can be answered before any
	// remote load completes
	policyMgr := policy.NewManager()
	policyMgr.Seed()
	L.Info(ctx, "seeded embedded default policy", "policy_version", policyMgr.Version())

	// setup the S3/SSM policy loader when remote updates are enabled
	var policyLoader *policy.Loader
	if conf.EnablePolicyUpdates {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config, policy updates will be disabled")
		} else {
			policyLoader, err = policy.NewLoader(ctx, policy.LoaderOptions{
				Logger:    L,
				SSMParam:  conf.PolicySSMParam,
				S3Bucket:  conf.PolicyS3Bucket,
				S3Prefix:  conf.PolicyS3Prefix,
				KMSKeyID:  conf.PolicySigningKeyARN,
				AWSConfig: &awsCfg,
			})
			if err != nil {
				L.Error(ctx, err, "failed to create policy loader, policy updates will be disabled")
			}
		}
	}

	// load the active policy document at startup, seed remains active on failure
	if policyLoader != nil {
		if err := policyLoader.LoadIntoManager(ctx, policyMgr); err != nil {
			L.Error(ctx, err, "failed initial policy load, starting on seed policy")
		} else {
			L.Info(ctx, "loaded policy document from S3",
				"policy_version", policyMgr.Version(),
				"policy_hash", policyMgr.Hash(),
			)
		}
	}
	m.SetPolicySource(string(policyMgr.Source()))
	m.SetPolicyDocument(policyMgr.Version(), policyMgr.Hash())
	if t := policyMgr.LoadedAt(); !t.IsZero() {
		m.SetPolicyLoadedTimestamp(t)
	}

	// setup shared redis backend when configured, otherwise every instance
	// keeps its own in-memory counters
	var redisClient *redis.Client
	if conf.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     conf.RedisAddr,
			Password: conf.RedisPassword,
			DB:       conf.RedisDB,
		})
		defer func() { _ = redisClient.Close() }()

		// a dead backend at startup is not fatal, checks degrade per the
		// configured fail mode until redis comes back
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			L.Error(ctx, err, "redis ping failed, starting anyway", "redis_addr", conf.RedisAddr)
		} else {
			L.Info(ctx, "connected to redis",
				"redis_addr", conf.RedisAddr,
				"redis_db", conf.RedisDB,
				"fail_closed", conf.FailClosed,
			)
		}
		cancel()
	}

	// setup the limiter registry from the active policy document
	// the manager always holds at least the seed document by this point
	snap, _ := policyMgr.Get()
	reg := registry.New(ctx, snap.Doc, registry.Options{
		Logger:     L,
		Redis:      redisClient,
		FailClosed: conf.FailClosed,
		Metrics:    m,
	})

	if policyLoader != nil {
		// setup policy watcher to poll for new documents, verify and swap into manager
		watcher := policy.NewWatcher(policy.WatcherOptions{
			Logger:       L,
			Loader:       policyLoader,
			Manager:      policyMgr,
			PollInterval: time.Duration(conf.PolicyPollSeconds) * time.Second,
			Metrics:      m,
			OnSwap: func(snap policy.Snapshot) {
				reg.Apply(ctx, snap.Doc)
				m.SetPolicyDocument(snap.Doc.Version, snap.Hash)
				m.SetPolicySource(string(snap.Source))
				m.SetPolicyLoadedTimestamp(time.Now())
			},
		})
		// Run the watcher in a separate goroutine
		go watcher.Run(ctx)
	}

	// setup the decision API over the registry
	api := limitapi.NewAPI(reg, policyMgr, L)

	// setup per-IP throttling for the public listener
	var guardMW func(http.Handler) http.Handler
	if conf.EnableIPGuard {
		guard := ipguard.New(ctx,
			ipguard.WithRate(conf.IPRatePerSecond, conf.IPBurst),
			ipguard.WithMaxVisitors(conf.IPMaxVisitors),
			// increment prometheus counter on each denied request
			ipguard.WithOnDenied(func(ip string) {
				m.IncIPGuardDenied()
			}),
			// only log the first time an ip is denied each time it is cleaned from the bucket
			ipguard.WithOnFirstDenied(func(ip string) {
				L.Warn(ctx, "ip guard triggered", "ip", ip)
			}),
			ipguard.WithOnCapacity(func() {
				m.IncIPGuardCapacity()
				L.Warn(ctx, "ip guard capacity reached, rejecting new visitors until some are evicted")
			}),
		)
		guardMW = guard.Middleware
	}

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// setup readiness checks, both shutdown gate and policy readiness must pass.
	// checks that we have a usable policy document to answer decisions with
	readiness := health.All(
		gate.Probe(),
		health.CheckFunc(func(ctx context.Context) error {
			return policyMgr.ReadyErr()
		}),
	)

	// start decision API http server
	apiHTTPStop, err := httpserver.Start(
		ctx,
		httpserver.Options{
			Port:             conf.HTTPPort,
			Health:           health.Fixed(true, ""),
			Readiness:        readiness,
			APIRoutes:        api.RegisterRoutes,
			NotFound:         api.NotFound(),
			MethodNotAllowed: api.MethodNotAllowed(),
			UseRecoverMW:     true,
			OnPanic:          m.IncHttpPanic,
			MetricsMW:        m.Middleware,
			GuardMW:          guardMW,
			ClientIPOpts:     httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
			Logger:           L,
			PolicyInfo:       policyMgr, // Pass policy manager for headers
		},
	)

	if err != nil {
		L.Error(ctx, err, "failed to start api http listener port")
		os.Exit(1)
	}
	defer func() { _ = apiHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks, pprof and any future admin APIs
	// sg restricts inbound to internal monitoring infrastructure
	// we reject connections from public ips in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic there
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		Policy:       http.HandlerFunc(api.HandlePolicy),
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal so we dont exit
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// wait for ctrl+c / sigterm
	<-sigCtx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	gate.Set("draining")
	// sleep for 60s to allow in-flight requests to finish and for load balancer to detect unhealthy and stop sending new requests
	L.Info(context.Background(), "shutdown gate closed")

	// will make sleep time tunable in the future
	L.Info(context.Background(), "sleeping 60s for in-flight and load balancer health checks to drain")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(60 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// the timeout starts here, after the drain, so stops get the full budget
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "api http server shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
