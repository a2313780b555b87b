package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keystone-comms/keystone-web/internal/cfg"
	"github.com/keystone-comms/keystone-web/internal/contact"
	"github.com/keystone-comms/keystone-web/internal/health"
	"github.com/keystone-comms/keystone-web/internal/httpmw"
	"github.com/keystone-comms/keystone-web/internal/httpserver"
	"github.com/keystone-comms/keystone-web/internal/log"
	"github.com/keystone-comms/keystone-web/internal/metrics"
	"github.com/keystone-comms/keystone-web/internal/opshttp"
	"github.com/keystone-comms/keystone-web/internal/otelx"
	"github.com/keystone-comms/keystone-web/internal/prof"
	"github.com/keystone-comms/keystone-web/internal/ratepolicy"
	"github.com/keystone-comms/keystone-web/internal/sitehandler"
	"github.com/keystone-comms/keystone-web/internal/sitehttp"
	"github.com/keystone-comms/keystone-web/internal/version"
	"github.com/keystone-comms/keystone-web/internal/webassets"
	"github.com/keystone-comms/keystone-web/internal/xerrors"
)

const component = "server"

func main() {
	var conf cfg.App
	var showVersion bool
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "version", false, "print version and build information and exit")
	flag.Parse()

	vi := version.Get()
	if showVersion {
		fmt.Println(vi.String())
		return
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(2)
	}

	os.Exit(run(conf, vi))
}

func newLogger(conf cfg.App, vi version.Info) (log.Logger, error) {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	stLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		return nil, err
	}
	return log.New(log.Options{
		App:               version.AppName,
		Component:         component,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
}

// run owns every resource so deferred cleanup happens before the exit code
// is handed to os.Exit.
func run(conf cfg.App, vi version.Info) int {
	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	L, err := newLogger(conf, vi)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 2
	}
	defer func() { _ = L.Sync() }()
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "starting",
		"version", vi.String(),
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"trusted_hops", conf.TrustedHops,
		"maintenance", conf.Maintenance,
		"contact_rate", fmt.Sprintf("%d/%s", conf.ContactRateCapacity, conf.ContactRateWindow),
		"ratelimit_backend", backendName(conf),
		"ratelimit_ssm_param", conf.RateLimitSSMParam,
		"contact_s3_bucket", conf.ContactS3Bucket,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_pprof", conf.EnablePprof,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(version.AppName, component, &vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       version.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": component,
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		// profiling is optional; keep serving
		L.Warn(ctx, "continuous profiling unavailable", "error", err.Error())
	}
	defer stopProf()

	// the collector is a local agent, so plaintext gRPC
	shutdownOTel, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   version.AppName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "tracing init failed, spans will not be exported")
		shutdownOTel = func(context.Context) error { return nil }
	}

	var awsCfg *aws.Config
	if conf.ContactS3Bucket != "" || conf.RateLimitSSMParam != "" {
		c, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "load AWS config")
			return 1
		}
		awsCfg = &c
	}

	archiver, err := newArchiver(L, conf, awsCfg, m)
	if err != nil {
		L.Error(ctx, err, "contact archive init failed")
		return 1
	}

	limits, err := setupRateLimits(ctx, L, conf, awsCfg, m)
	if err != nil {
		L.Error(ctx, err, "rate limit init failed")
		return 1
	}
	defer limits.close()

	site := webassets.SiteFS()
	if conf.Maintenance {
		site = nil
		L.Warn(ctx, "maintenance mode, site pages replaced by the maintenance page")
	}
	siteHandler, err := sitehandler.New(sitehandler.Options{
		Logger:     L,
		Site:       site,
		FallbackFS: webassets.FallbackFS(),
	})
	if err != nil {
		L.Error(ctx, err, "site handler init failed")
		return 1
	}

	routes := sitehttp.New(sitehttp.Options{
		Logger:         L,
		Site:           siteHandler,
		ContactLimiter: limits.registry.Checker(ratepolicy.ContactRoute),
		ClientIDHeader: conf.RateLimitClientIDHeader,
		Archiver:       archiver,
		Metrics:        m,
	})

	var gate health.ShutdownGate
	readiness := gate.Probe()

	stopSite, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		Health:       health.OK(),
		Readiness:    readiness,
		Routes:       routes.RegisterRoutes,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
	})
	if err != nil {
		L.Error(ctx, err, "start site listener")
		return 1
	}

	// the admin port is firewalled to the monitoring network and also
	// rejects public peers itself
	stopOps, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.OK(),
		Readiness:    readiness,
		RateLimit:    ratepolicy.StatusHandler(limits.registry),
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "start ops listener")
		_ = stopSite(context.Background())
		return 1
	}

	limits.start(ctx)

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd not notified", "reason", err.Error())
	}

	<-ctx.Done()
	stopSignals()
	bg := context.Background()
	L.Info(bg, "shutdown signal received, draining", "drain_period", conf.DrainPeriod.String())

	gate.Drain("shutting down")
	drain(bg, L, conf.DrainPeriod)

	code := 0
	shutdownCtx, cancel := context.WithTimeout(bg, 2*httpserver.ShutdownTimeout)
	defer cancel()
	if err := stopSite(shutdownCtx); err != nil {
		L.Error(bg, xerrors.EnsureTrace(err), "site server shutdown")
		code = 1
	}
	if err := stopOps(shutdownCtx); err != nil {
		L.Error(bg, xerrors.EnsureTrace(err), "ops server shutdown")
		code = 1
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		L.Error(bg, xerrors.EnsureTrace(err), "flush spans")
	}
	L.Info(bg, "shutdown complete")
	return code
}

// drain waits out the load balancer's unhealthy threshold. A second signal
// cuts it short.
func drain(ctx context.Context, L log.Logger, d time.Duration) {
	if d <= 0 {
		return
	}
	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		L.Info(ctx, "drain period complete")
	case <-force:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

func newArchiver(L log.Logger, conf cfg.App, awsCfg *aws.Config, m *metrics.ServerMetrics) (contact.Archiver, error) {
	if conf.ContactS3Bucket == "" {
		return contact.NopArchiver{Logger: L}, nil
	}
	return contact.NewS3Archiver(contact.S3ArchiverOptions{
		Logger:  L,
		Client:  s3.NewFromConfig(*awsCfg),
		Bucket:  conf.ContactS3Bucket,
		Prefix:  conf.ContactS3Prefix,
		RPS:     conf.ContactArchiveRPS,
		Metrics: m,
	})
}
