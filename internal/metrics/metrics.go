package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keystone-comms/keystone-web/internal/version"
)

const namespace = "ksweb"

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// rate limiting
	ratelimitDenied      *prometheus.CounterVec
	ratelimitFirstDenied *prometheus.CounterVec
	ratelimitErrors      *prometheus.CounterVec
	ratelimitCapacity    prometheus.Counter
	ratelimitBuckets     *prometheus.GaugeVec
	ratelimitSwept       prometheus.Counter
	ratelimitBreaker     *prometheus.GaugeVec

	// policy watcher
	policyPolls   prometheus.Counter
	policyReloads prometheus.Counter
	policyErrors  *prometheus.CounterVec

	// contact form
	contactSubmissions *prometheus.CounterVec
	archiveDuration    *prometheus.HistogramVec
}

// New builds a private registry with the Go and process collectors and
// every ksweb_ series. Labels are bounded: method, route pattern, status,
// outcome and error kind.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_inflight_requests",
			Help:      "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Request latency by method and route",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "Response size by method and route",
			Buckets:   []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_panic_total",
			Help:      "Total number of recovered HTTP handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "profiling_active",
			Help:      "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		ratelimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_denied_total",
			Help:      "Requests rejected with 429 by route",
		}, []string{"route"}),
		ratelimitFirstDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_exhausted_total",
			Help:      "Buckets that went from allowing to denying, by route",
		}, []string{"route"}),
		ratelimitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_errors_total",
			Help:      "Limiter backend errors by route (requests were allowed)",
		}, []string{"route"}),
		ratelimitCapacity: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_capacity_reached_total",
			Help:      "Requests denied because the bucket table was full",
		}),
		ratelimitBuckets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ratelimit_buckets",
			Help:      "Live in-process buckets by route",
		}, []string{"route"}),
		ratelimitSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_buckets_swept_total",
			Help:      "Idle buckets evicted",
		}),
		ratelimitBreaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ratelimit_breaker_open",
			Help:      "Whether the circuit breaker in front of a remote limiter is open (1) by route",
		}, []string{"route"}),
		policyPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_policy_polls_total",
			Help:      "Rate limit policy poll cycles",
		}),
		policyReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_policy_reloads_total",
			Help:      "Rate limit policy changes applied",
		}),
		policyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_policy_errors_total",
			Help:      "Rate limit policy poll errors by type",
		}, []string{"type"}),
		contactSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contact_submissions_total",
			Help:      "Contact form submissions by outcome",
		}, []string{"outcome"}),
		archiveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "contact_archive_duration_seconds",
			Help:      "Time to write a submission to S3, by result",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.ratelimitDenied,
		m.ratelimitFirstDenied,
		m.ratelimitErrors,
		m.ratelimitCapacity,
		m.ratelimitBuckets,
		m.ratelimitSwept,
		m.ratelimitBreaker,
		m.policyPolls,
		m.policyReloads,
		m.policyErrors,
		m.contactSubmissions,
		m.archiveDuration,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
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

func (m *ServerMetrics) IncRateLimitDenied(route string) {
	m.ratelimitDenied.WithLabelValues(route).Inc()
}

func (m *ServerMetrics) IncRateLimitExhausted(route string) {
	m.ratelimitFirstDenied.WithLabelValues(route).Inc()
}

func (m *ServerMetrics) IncRateLimitError(route string) {
	m.ratelimitErrors.WithLabelValues(route).Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacity.Inc()
}

func (m *ServerMetrics) AddRateLimitSwept(n int) {
	if n > 0 {
		m.ratelimitSwept.Add(float64(n))
	}
}

// SetRateLimitBuckets replaces the per-route bucket gauges, dropping routes no longer present.
func (m *ServerMetrics) SetRateLimitBuckets(counts map[string]int) {
	m.ratelimitBuckets.Reset()
	for route, n := range counts {
		m.ratelimitBuckets.WithLabelValues(route).Set(float64(n))
	}
}

// SetRateLimitBreaker reports a breaker state change; half-open counts as open.
func (m *ServerMetrics) SetRateLimitBreaker(route, state string) {
	v := 0.0
	if state != "closed" {
		v = 1
	}
	m.ratelimitBreaker.WithLabelValues(route).Set(v)
}

func (m *ServerMetrics) IncPolicyPolls() {
	m.policyPolls.Inc()
}

func (m *ServerMetrics) IncPolicyReloads() {
	m.policyReloads.Inc()
}

func (m *ServerMetrics) IncPolicyError(kind string) {
	m.policyErrors.WithLabelValues(kind).Inc()
}

func (m *ServerMetrics) IncContactSubmission(outcome string) {
	m.contactSubmissions.WithLabelValues(outcome).Inc()
}

func (m *ServerMetrics) ObserveArchive(seconds float64, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.archiveDuration.WithLabelValues(result).Observe(seconds)
}
