package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	promNamespace         = "dinghy"
	promRouteSubsystem    = "route"
	promProxySubsystem    = "backend"
	promResponseSubsystem = "response"
	promSessionSubsystem  = "session"
)

// Prometheus implements the prometheus metrics backend.
type Prometheus struct {
	routeLookupM          *prometheus.HistogramVec
	routeErrorsM          prometheus.Counter
	proxyBackendM         *prometheus.HistogramVec
	proxyBackendErrorsM   *prometheus.CounterVec
	proxyStreamingErrorsM *prometheus.CounterVec
	responseM             *prometheus.HistogramVec
	sessionsActiveM       prometheus.Gauge
	sessionsCreatedM      prometheus.Counter
	sessionsExpiredM      prometheus.Counter

	opts     Options
	registry *prometheus.Registry
	handler  http.Handler
}

// NewPrometheus returns a new Prometheus metrics backend.
func NewPrometheus(opts Options) *Prometheus {
	namespace := promNamespace
	if opts.Prefix != "" {
		namespace = strings.TrimSuffix(opts.Prefix, ".")
	}

	buckets := opts.HistogramBuckets
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}

	routeLookup := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: promRouteSubsystem,
		Name:      "lookup_duration_seconds",
		Help:      "Duration in seconds of a target lookup.",
		Buckets:   buckets,
	}, []string{})

	routeErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promRouteSubsystem,
		Name:      "error_total",
		Help:      "The total of requests with no matching target.",
	})

	proxyBackend := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: promProxySubsystem,
		Name:      "duration_seconds",
		Help:      "Duration in seconds of an upstream call.",
		Buckets:   buckets,
	}, []string{"target"})

	proxyBackendErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promProxySubsystem,
		Name:      "error_total",
		Help:      "The total of failed upstream calls.",
	}, []string{"target"})

	proxyStreamingErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promProxySubsystem,
		Name:      "streaming_error_total",
		Help:      "The total of failures while relaying upstream responses.",
	}, []string{"target"})

	response := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: promResponseSubsystem,
		Name:      "duration_seconds",
		Help:      "Duration in seconds of serving a response.",
		Buckets:   buckets,
	}, []string{"code", "method", "target"})

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: promSessionSubsystem,
		Name:      "active",
		Help:      "The current number of sessions.",
	})

	sessionsCreated := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promSessionSubsystem,
		Name:      "created_total",
		Help:      "The total of created sessions.",
	})

	sessionsExpired := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promSessionSubsystem,
		Name:      "expired_total",
		Help:      "The total of expired or swept sessions.",
	})

	p := &Prometheus{
		routeLookupM:          routeLookup,
		routeErrorsM:          routeErrors,
		proxyBackendM:         proxyBackend,
		proxyBackendErrorsM:   proxyBackendErrors,
		proxyStreamingErrorsM: proxyStreamingErrors,
		responseM:             response,
		sessionsActiveM:       sessionsActive,
		sessionsCreatedM:      sessionsCreated,
		sessionsExpiredM:      sessionsExpired,
		opts:                  opts,
		registry:              prometheus.NewRegistry(),
	}

	p.registry.MustRegister(
		routeLookup,
		routeErrors,
		proxyBackend,
		proxyBackendErrors,
		proxyStreamingErrors,
		response,
		sessionsActive,
		sessionsCreated,
		sessionsExpired,
	)

	if opts.EnableRuntimeMetrics {
		p.registry.MustRegister(collectors.NewGoCollector())
		p.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	p.handler = promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
	return p
}

var _ Metrics = &Prometheus{}

func (p *Prometheus) sinceS(start time.Time) float64 {
	return time.Since(start).Seconds()
}

// Handler returns the handler exposing the collected metrics for
// scraping.
func (p *Prometheus) Handler() http.Handler {
	return p.handler
}

func (p *Prometheus) MeasureRouteLookup(start time.Time) {
	p.routeLookupM.WithLabelValues().Observe(p.sinceS(start))
}

func (p *Prometheus) MeasureBackend(targetName string, start time.Time) {
	p.proxyBackendM.WithLabelValues(targetName).Observe(p.sinceS(start))
}

func (p *Prometheus) MeasureResponse(code int, method, targetName string, start time.Time) {
	method = measuredMethod(method)
	p.responseM.WithLabelValues(strconv.Itoa(code), method, targetName).Observe(p.sinceS(start))
}

func (p *Prometheus) IncRoutingFailures() {
	p.routeErrorsM.Inc()
}

func (p *Prometheus) IncErrorsBackend(targetName string) {
	p.proxyBackendErrorsM.WithLabelValues(targetName).Inc()
}

func (p *Prometheus) IncErrorsStreaming(targetName string) {
	p.proxyStreamingErrorsM.WithLabelValues(targetName).Inc()
}

func (p *Prometheus) UpdateActiveSessions(n int) {
	p.sessionsActiveM.Set(float64(n))
}

func (p *Prometheus) IncSessionsCreated() {
	p.sessionsCreatedM.Inc()
}

func (p *Prometheus) IncSessionsExpired(n int) {
	p.sessionsExpiredM.Add(float64(n))
}

// measuredMethod limits the method label to well known methods to keep
// the cardinality bounded with arbitrary client input.
func measuredMethod(m string) string {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
		return m
	default:
		return "_unknownmethod_"
	}
}
