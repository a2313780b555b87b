package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keystone-comms/keystone-web/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names, e.g. -http-port -> KSWEB_HTTP_PORT.
const EnvPrefix = "KSWEB_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	TrustedHops int
	Maintenance bool
	DrainPeriod time.Duration

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	// contact form rate limit
	ContactRateCapacity  int
	ContactRateWindow    time.Duration
	ContactRateBucketTTL time.Duration

	RateLimitClientIDHeader   string
	RateLimitMaxBuckets       int
	RateLimitSweepProbability float64
	RateLimitSweepInterval    time.Duration
	RateLimitRedisAddr        string
	RateLimitRedisPrefix      string
	RateLimitRedisTimeout     time.Duration
	RateLimitSSMParam         string
	RateLimitPollInterval     time.Duration

	// contact archive
	ContactS3Bucket   string
	ContactS3Prefix   string
	ContactArchiveRPS float64
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 1, "reverse proxies in front of the server whose X-Forwarded-For entries are trusted (0..5)")
	fs.BoolVar(&c.Maintenance, "maintenance", false, "serve the maintenance page instead of the site (API stays up)")
	fs.DurationVar(&c.DrainPeriod, "drain-period", 30*time.Second, "time between failing readiness and closing listeners on shutdown (0..5m)")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.IntVar(&c.ContactRateCapacity, "contact-rate-capacity", 5, "contact form submissions allowed per client in a burst")
	fs.DurationVar(&c.ContactRateWindow, "contact-rate-window", time.Hour, "time for an empty contact bucket to refill")
	fs.DurationVar(&c.ContactRateBucketTTL, "contact-rate-bucket-ttl", 0, "idle contact bucket lifetime (0 = 2 x window)")

	fs.StringVar(&c.RateLimitClientIDHeader, "ratelimit-client-id-header", "", "request header trusted as the client identity (empty = client IP)")
	fs.IntVar(&c.RateLimitMaxBuckets, "ratelimit-max-buckets", 100000, "max live buckets per route (0 = unbounded)")
	fs.Float64Var(&c.RateLimitSweepProbability, "ratelimit-sweep-probability", 0.01, "chance an allowed request also sweeps idle buckets (0..1)")
	fs.DurationVar(&c.RateLimitSweepInterval, "ratelimit-sweep-interval", time.Minute, "background idle bucket sweep interval (0 = inline sweeps only)")
	fs.StringVar(&c.RateLimitRedisAddr, "ratelimit-redis-addr", "", "redis host:port for limits shared across instances (empty = in-process)")
	fs.StringVar(&c.RateLimitRedisPrefix, "ratelimit-redis-prefix", "ksweb:ratelimit:", "redis key prefix for buckets")
	fs.DurationVar(&c.RateLimitRedisTimeout, "ratelimit-redis-timeout", 250*time.Millisecond, "per-request bound on the redis bucket script; on expiry the request is allowed")
	fs.StringVar(&c.RateLimitSSMParam, "ratelimit-ssm-param", "", "SSM parameter holding JSON rate limit policy overrides (empty = flags only)")
	fs.DurationVar(&c.RateLimitPollInterval, "ratelimit-poll-interval", time.Minute, "how often to re-read -ratelimit-ssm-param")

	fs.StringVar(&c.ContactS3Bucket, "contact-s3-bucket", "", "s3 bucket contact submissions are archived to (empty = log only)")
	fs.StringVar(&c.ContactS3Prefix, "contact-s3-prefix", "contact/submissions", "s3 key prefix for archived submissions")
	fs.Float64Var(&c.ContactArchiveRPS, "contact-archive-rps", 5, "max S3 archive writes per second")
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
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.DrainPeriod < 0 || c.DrainPeriod > 5*time.Minute {
		errs = append(errs, fmt.Errorf("invalid DRAIN_PERIOD %s (must be 0..5m)", c.DrainPeriod))
	}
	if c.TrustedHops < 0 || c.TrustedHops > 5 {
		errs = append(errs, fmt.Errorf("invalid TRUSTED_HOPS %d (must be 0..5)", c.TrustedHops))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, errors.New("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, errors.New("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, errors.New("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	errs = append(errs, validateRateLimit(c)...)

	if c.ContactS3Bucket != "" && c.ContactArchiveRPS <= 0 {
		errs = append(errs, fmt.Errorf("CONTACT_ARCHIVE_RPS must be > 0 (got %g)", c.ContactArchiveRPS))
	}

	return errors.Join(errs...)
}

func validateRateLimit(c App) []error {
	var errs []error
	if c.ContactRateCapacity < 1 {
		errs = append(errs, fmt.Errorf("CONTACT_RATE_CAPACITY must be >= 1 (got %d)", c.ContactRateCapacity))
	}
	// policies are stored in whole seconds
	if c.ContactRateWindow < time.Second || c.ContactRateWindow%time.Second != 0 {
		errs = append(errs, fmt.Errorf("CONTACT_RATE_WINDOW must be a whole number of seconds >= 1s (got %s)", c.ContactRateWindow))
	}
	if c.ContactRateBucketTTL < 0 || c.ContactRateBucketTTL%time.Second != 0 {
		errs = append(errs, fmt.Errorf("CONTACT_RATE_BUCKET_TTL must be a whole number of seconds >= 0 (got %s)", c.ContactRateBucketTTL))
	}
	if c.RateLimitClientIDHeader != "" && !validHeaderName(c.RateLimitClientIDHeader) {
		errs = append(errs, fmt.Errorf("RATELIMIT_CLIENT_ID_HEADER %q is not a valid header name", c.RateLimitClientIDHeader))
	}
	if c.RateLimitMaxBuckets < 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_MAX_BUCKETS must be >= 0 (got %d)", c.RateLimitMaxBuckets))
	}
	if c.RateLimitSweepProbability < 0 || c.RateLimitSweepProbability > 1 {
		errs = append(errs, fmt.Errorf("invalid RATELIMIT_SWEEP_PROBABILITY %.3f (must be 0..1)", c.RateLimitSweepProbability))
	}
	if c.RateLimitSweepInterval < 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_SWEEP_INTERVAL must be >= 0 (got %s)", c.RateLimitSweepInterval))
	}
	if c.RateLimitRedisAddr != "" {
		if _, _, err := net.SplitHostPort(c.RateLimitRedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("RATELIMIT_REDIS_ADDR must be host:port (got %q): %v", c.RateLimitRedisAddr, err))
		}
		if c.RateLimitRedisTimeout <= 0 || c.RateLimitRedisTimeout > 5*time.Second {
			errs = append(errs, fmt.Errorf("RATELIMIT_REDIS_TIMEOUT must be in (0, 5s] (got %s)", c.RateLimitRedisTimeout))
		}
	}
	if c.RateLimitSSMParam != "" {
		if !strings.HasPrefix(c.RateLimitSSMParam, "/") {
			errs = append(errs, fmt.Errorf("RATELIMIT_SSM_PARAM must be a path starting with / (got %q)", c.RateLimitSSMParam))
		}
		if c.RateLimitPollInterval < time.Second {
			errs = append(errs, fmt.Errorf("RATELIMIT_POLL_INTERVAL must be >= 1s (got %s)", c.RateLimitPollInterval))
		}
	}
	return errs
}

// validHeaderName reports whether s is an RFC 7230 token.
func validHeaderName(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return s != ""
}
