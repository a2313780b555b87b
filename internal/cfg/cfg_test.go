package cfg

import (
	"flag"
	"strings"
	"testing"
	"time"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet, parses the given args,
// and returns the resulting App. This isolates each test from flag.CommandLine.
func newTestConfig(t *testing.T, args []string) App {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c
}

func TestRegister_Defaults(t *testing.T) {
	c := newTestConfig(t, nil)

	if c.HTTPPort != 8080 || c.AdminPort != 9000 {
		t.Errorf("ports = %d/%d", c.HTTPPort, c.AdminPort)
	}
	if c.TrustedHops != 1 {
		t.Errorf("TrustedHops = %d, want 1", c.TrustedHops)
	}
	if c.DrainPeriod != 30*time.Second {
		t.Errorf("DrainPeriod = %s", c.DrainPeriod)
	}
	if c.ContactRateCapacity != 5 || c.ContactRateWindow != time.Hour || c.ContactRateBucketTTL != 0 {
		t.Errorf("contact rate = %d per %s ttl %s", c.ContactRateCapacity, c.ContactRateWindow, c.ContactRateBucketTTL)
	}
	if c.RateLimitSweepProbability != 0.01 {
		t.Errorf("RateLimitSweepProbability = %v", c.RateLimitSweepProbability)
	}
	if c.RateLimitMaxBuckets != 100000 {
		t.Errorf("RateLimitMaxBuckets = %d", c.RateLimitMaxBuckets)
	}
	if c.RateLimitRedisTimeout != 250*time.Millisecond {
		t.Errorf("RateLimitRedisTimeout = %s", c.RateLimitRedisTimeout)
	}
	if c.RateLimitRedisAddr != "" || c.RateLimitSSMParam != "" || c.ContactS3Bucket != "" {
		t.Error("optional backends should default to disabled")
	}
	if c.ContactS3Prefix != "contact/submissions" {
		t.Errorf("ContactS3Prefix = %q", c.ContactS3Prefix)
	}
	if err := Validate(c); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestRegister_CLIOverrides(t *testing.T) {
	c := newTestConfig(t, []string{
		"-http-port=8081",
		"-contact-rate-capacity=3",
		"-contact-rate-window=10m",
		"-contact-rate-bucket-ttl=30m",
		"-ratelimit-client-id-header=X-Visitor-Id",
		"-ratelimit-redis-addr=redis.internal:6379",
		"-ratelimit-redis-timeout=100ms",
		"-ratelimit-ssm-param=/keystone-web/prod/ratelimit",
		"-contact-s3-bucket=keystone-contact-prod",
		"-maintenance",
	})

	if c.HTTPPort != 8081 {
		t.Errorf("HTTPPort = %d", c.HTTPPort)
	}
	if c.ContactRateCapacity != 3 || c.ContactRateWindow != 10*time.Minute || c.ContactRateBucketTTL != 30*time.Minute {
		t.Errorf("contact rate = %d per %s ttl %s", c.ContactRateCapacity, c.ContactRateWindow, c.ContactRateBucketTTL)
	}
	if c.RateLimitClientIDHeader != "X-Visitor-Id" || c.RateLimitRedisAddr != "redis.internal:6379" {
		t.Errorf("ratelimit = %q %q", c.RateLimitClientIDHeader, c.RateLimitRedisAddr)
	}
	if c.RateLimitRedisTimeout != 100*time.Millisecond {
		t.Errorf("RateLimitRedisTimeout = %s", c.RateLimitRedisTimeout)
	}
	if !c.Maintenance {
		t.Error("Maintenance should be set")
	}
	if err := Validate(c); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestFillFromEnv(t *testing.T) {
	t.Setenv("KSWEB_CONTACT_RATE_CAPACITY", "10")
	t.Setenv("KSWEB_CONTACT_RATE_WINDOW", "2h")
	t.Setenv("KSWEB_LOG_JSON", "false")
	t.Setenv("KSWEB_CONTACT_S3_BUCKET", "keystone-contact-dev")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}
	FillFromEnv(fs, EnvPrefix, nil)

	if c.ContactRateCapacity != 10 || c.ContactRateWindow != 2*time.Hour {
		t.Errorf("contact rate = %d per %s", c.ContactRateCapacity, c.ContactRateWindow)
	}
	if c.LogJSON {
		t.Error("LogJSON should be false from env")
	}
	if c.ContactS3Bucket != "keystone-contact-dev" {
		t.Errorf("ContactS3Bucket = %q", c.ContactS3Bucket)
	}
}

func TestFillFromEnv_CLITakesPrecedence(t *testing.T) {
	t.Setenv("KSWEB_CONTACT_RATE_CAPACITY", "10")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse([]string{"-contact-rate-capacity=2"}); err != nil {
		t.Fatal(err)
	}

	var logged []string
	FillFromEnv(fs, EnvPrefix, func(f string, args ...any) { logged = append(logged, f) })

	if c.ContactRateCapacity != 2 {
		t.Fatalf("ContactRateCapacity = %d, want cli value 2", c.ContactRateCapacity)
	}
	if len(logged) != 1 || !strings.Contains(logged[0], "overrides env") {
		t.Fatalf("logged = %v", logged)
	}
}

func TestFillFromEnv_InvalidEnvIgnored(t *testing.T) {
	t.Setenv("KSWEB_CONTACT_RATE_WINDOW", "an hour")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}

	var logged []string
	FillFromEnv(fs, EnvPrefix, func(f string, args ...any) { logged = append(logged, f) })

	if c.ContactRateWindow != time.Hour {
		t.Fatalf("ContactRateWindow = %s, want default", c.ContactRateWindow)
	}
	if len(logged) != 1 || !strings.Contains(logged[0], "ignoring invalid env") {
		t.Fatalf("logged = %v", logged)
	}
}

func TestValidate_OK(t *testing.T) {
	c := newTestConfig(t, []string{
		"-enable-pyroscope=true",
		"-pyro-server=https://pyro:4040",
		"-pyro-tenant=test-tenant",
		"-enable-tracing=true",
		"-otlp-endpoint=otel:4317",
		"-trace-sample=0.2",
		"-trusted-hops=2",
	})
	if err := Validate(c); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_InvalidCombined(t *testing.T) {
	c := newTestConfig(t, []string{
		"-http-port=0",
		"-admin-port=70000",
		"-log-level=nope",
		"-stacktrace-level=alsonope",
		"-trace-sample=2.0",
		"-enable-pyroscope=true",
		"-pyro-server=not-a-url",
		"-enable-tracing=true",
		"-otlp-endpoint=otel",
		"-include-error-links=true",
		"-max-error-links=0",
		"-trusted-hops=9",
		"-drain-period=10m",
	})

	err := Validate(c)
	wantErrContains(t, err, "invalid HTTP_PORT")
	wantErrContains(t, err, "invalid ADMIN_PORT")
	wantErrContains(t, err, "invalid LOG_LEVEL")
	wantErrContains(t, err, "invalid STACKTRACE_LEVEL")
	wantErrContains(t, err, "invalid TRACE_SAMPLE")
	wantErrContains(t, err, "PYRO_SERVER must be a URL")
	wantErrContains(t, err, "PYRO_TENANT required")
	wantErrContains(t, err, "OTLP_ENDPOINT must be host:port")
	wantErrContains(t, err, "MAX_ERROR_LINKS")
	wantErrContains(t, err, "invalid TRUSTED_HOPS")
	wantErrContains(t, err, "invalid DRAIN_PERIOD")
}

func TestValidate_RateLimit(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"zero capacity", []string{"-contact-rate-capacity=0"}, "CONTACT_RATE_CAPACITY"},
		{"zero window", []string{"-contact-rate-window=0"}, "CONTACT_RATE_WINDOW"},
		{"sub-second window", []string{"-contact-rate-window=1500ms"}, "CONTACT_RATE_WINDOW"},
		{"negative ttl", []string{"-contact-rate-bucket-ttl=-1s"}, "CONTACT_RATE_BUCKET_TTL"},
		{"bad header", []string{"-ratelimit-client-id-header=X Visitor"}, "RATELIMIT_CLIENT_ID_HEADER"},
		{"header with colon", []string{"-ratelimit-client-id-header=X-Visitor:"}, "RATELIMIT_CLIENT_ID_HEADER"},
		{"negative max buckets", []string{"-ratelimit-max-buckets=-1"}, "RATELIMIT_MAX_BUCKETS"},
		{"sweep probability", []string{"-ratelimit-sweep-probability=1.5"}, "RATELIMIT_SWEEP_PROBABILITY"},
		{"negative sweep interval", []string{"-ratelimit-sweep-interval=-1m"}, "RATELIMIT_SWEEP_INTERVAL"},
		{"redis without port", []string{"-ratelimit-redis-addr=redis.internal"}, "RATELIMIT_REDIS_ADDR"},
		{"redis timeout zero", []string{"-ratelimit-redis-addr=redis.internal:6379", "-ratelimit-redis-timeout=0s"}, "RATELIMIT_REDIS_TIMEOUT"},
		{"redis timeout too long", []string{"-ratelimit-redis-addr=redis.internal:6379", "-ratelimit-redis-timeout=10s"}, "RATELIMIT_REDIS_TIMEOUT"},
		{"relative ssm param", []string{"-ratelimit-ssm-param=keystone/ratelimit"}, "RATELIMIT_SSM_PARAM"},
		{"fast poll", []string{"-ratelimit-ssm-param=/k/rl", "-ratelimit-poll-interval=100ms"}, "RATELIMIT_POLL_INTERVAL"},
		{"archive rps", []string{"-contact-s3-bucket=b", "-contact-archive-rps=0"}, "CONTACT_ARCHIVE_RPS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantErrContains(t, Validate(newTestConfig(t, tt.args)), tt.want)
		})
	}
}

func TestValidate_ArchiveRPSIgnoredWithoutBucket(t *testing.T) {
	c := newTestConfig(t, []string{"-contact-archive-rps=0"})
	if err := Validate(c); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidHeaderName(t *testing.T) {
	for _, s := range []string{"X-Visitor-Id", "CF-Connecting-IP", "x_client"} {
		if !validHeaderName(s) {
			t.Errorf("%q should be valid", s)
		}
	}
	for _, s := range []string{"", "X Visitor", "X-Visitor:", "X\r\nInjected", "Ünicode"} {
		if validHeaderName(s) {
			t.Errorf("%q should be invalid", s)
		}
	}
}
