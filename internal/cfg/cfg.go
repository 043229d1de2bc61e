package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/payloghq/ratelimitd/internal/log"
)

type App struct {
	LogJSON             bool
	LogLevel            string
	HTTPPort            int
	AdminPort           int
	TrustedHops         int
	EnablePprof         bool
	EnablePyroscope     bool
	EnableTracing       bool
	EnablePolicyUpdates bool
	PyroServer          string
	PyroTenantID        string
	OTLPEndpoint        string
	TraceSample         float64
	StacktraceLevel     string
	IncludeErrorLinks   bool
	MaxErrorLinks       int
	PolicySSMParam      string
	PolicyS3Bucket      string
	PolicyS3Prefix      string
	PolicySigningKeyARN string
	PolicyPollSeconds   int
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	FailClosed          bool
	EnableIPGuard       bool
	IPRatePerSecond     float64
	IPBurst             int
	IPMaxVisitors       int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "reverse proxies in front of us (0 distrusts X-Forwarded-For)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.EnablePolicyUpdates, "enable-policy-updates", true, "Enable refreshing limiter policy from S3/SSM")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.StringVar(&c.PolicySSMParam, "policy-ssm-param", "/payments/ratelimitd/policy/stable/hash", "ssm parameter name to get the active policy hash from")
	fs.StringVar(&c.PolicyS3Bucket, "policy-s3-bucket", "paylog-prod-use2-ratelimit-policies", "s3 bucket name to get policy documents from")
	fs.StringVar(&c.PolicyS3Prefix, "policy-s3-prefix", "apps/ratelimitd/policies", "s3 prefix (key) to get policy documents from")
	fs.StringVar(&c.PolicySigningKeyARN, "policy-signing-key-arn", "", "KMS key ARN for policy signature verification")
	fs.IntVar(&c.PolicyPollSeconds, "policy-poll-seconds", 60, "seconds between policy hash polls (5..3600)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "host:port of the shared redis backend (empty = per-instance in-memory limiters)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis AUTH password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis logical database (0..15)")
	fs.BoolVar(&c.FailClosed, "fail-closed", false, "deny checks when the redis backend is unreachable (default answers as if within limit)")
	fs.BoolVar(&c.EnableIPGuard, "enable-ip-guard", true, "Enable per-IP throttling of the public listener")
	fs.Float64Var(&c.IPRatePerSecond, "ip-rate", 10, "sustained requests per second allowed per client IP")
	fs.IntVar(&c.IPBurst, "ip-burst", 30, "burst size allowed per client IP")
	fs.IntVar(&c.IPMaxVisitors, "ip-max-visitors", 100000, "max tracked client IPs (0 = uncapped)")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App, releaseBuild bool) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	if c.TrustedHops < 0 || c.TrustedHops > 10 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be 0..10 (got %d)", c.TrustedHops))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
	}

	// Pyroscope tenant
	if c.EnablePyroscope {
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	if c.EnablePolicyUpdates {
		// Policy distribution config
		if c.PolicySSMParam == "" {
			errs = append(errs, fmt.Errorf("POLICY_SSM_PARAM is required"))
		}
		if c.PolicyS3Bucket == "" {
			errs = append(errs, fmt.Errorf("POLICY_S3_BUCKET is required"))
		}
		if c.PolicyS3Prefix == "" {
			errs = append(errs, fmt.Errorf("POLICY_S3_PREFIX is required"))
		}
		if c.PolicyPollSeconds < 5 || c.PolicyPollSeconds > 3600 {
			errs = append(errs, fmt.Errorf("POLICY_POLL_SECONDS must be 5..3600 (got %d)", c.PolicyPollSeconds))
		}
	}

	// Redis backend
	if c.RedisAddr != "" {
		if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("REDIS_ADDR must be host:port (got %q): %v", c.RedisAddr, err))
		}
	}
	if c.RedisDB < 0 || c.RedisDB > 15 {
		errs = append(errs, fmt.Errorf("REDIS_DB must be 0..15 (got %d)", c.RedisDB))
	}

	// IP guard
	if c.EnableIPGuard {
		if c.IPRatePerSecond <= 0 {
			errs = append(errs, fmt.Errorf("IP_RATE must be positive (got %g)", c.IPRatePerSecond))
		}
		if c.IPBurst < 1 {
			errs = append(errs, fmt.Errorf("IP_BURST must be at least 1 (got %d)", c.IPBurst))
		}
		if c.IPMaxVisitors < 0 {
			errs = append(errs, fmt.Errorf("IP_MAX_VISITORS must not be negative (got %d)", c.IPMaxVisitors))
		}
	}

	// Fail-closed: release builds must verify policy signatures. Dev builds
	// without ldflags never reach this path and can run unsigned policies
	// against localstack or a seed document.
	if releaseBuild && c.EnablePolicyUpdates {
		if c.PolicySigningKeyARN == "" {
			return fmt.Errorf("release build requires policy-signing-key-arn")
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
