package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the map-poster API.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	RateLimitRejectionsTotal *prometheus.CounterVec
	AuthFailuresTotal        *prometheus.CounterVec

	// Domain metrics.
	AuthzDenialsTotal       *prometheus.CounterVec
	InvitationsCreatedTotal *prometheus.CounterVec
	InvitationAcceptsTotal  *prometheus.CounterVec

	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mapposter_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mapposter_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		HTTPResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mapposter_http_response_size_bytes",
			Help:    "HTTP response size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"method", "path_pattern"}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mapposter_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"scope"}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mapposter_auth_failures_total",
			Help: "Total number of rejected session tokens.",
		}, []string{"reason"}),

		AuthzDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mapposter_authz_denials_total",
			Help: "Total number of authorization denials by check and error kind.",
		}, []string{"check", "kind"}),

		InvitationsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mapposter_invitations_created_total",
			Help: "Per-email outcomes of bulk invitation creation.",
		}, []string{"outcome"}),

		InvitationAcceptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mapposter_invitation_accepts_total",
			Help: "Invitation accept attempts by outcome.",
		}, []string{"outcome"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mapposter_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.RateLimitRejectionsTotal,
		m.AuthFailuresTotal,
		m.AuthzDenialsTotal,
		m.InvitationsCreatedTotal,
		m.InvitationAcceptsTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// ObserveHTTPRequest records one served request.
func (m *Metrics) ObserveHTTPRequest(method, pathPattern string, status, size int, elapsed time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(elapsed.Seconds())
	m.HTTPResponseSize.WithLabelValues(method, pathPattern).Observe(float64(size))
}

// IncAuthFailure increments the auth failure counter.
func (m *Metrics) IncAuthFailure(reason string) {
	m.AuthFailuresTotal.WithLabelValues(reason).Inc()
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection(scope string) {
	m.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}

// RecordDenial counts an authorization check that refused the caller.
func (m *Metrics) RecordDenial(check, kind string) {
	m.AuthzDenialsTotal.WithLabelValues(check, kind).Inc()
}

// RecordInvitationCreated counts one per-email outcome of a bulk invite.
func (m *Metrics) RecordInvitationCreated(outcome string) {
	m.InvitationsCreatedTotal.WithLabelValues(outcome).Inc()
}

// RecordInvitationAccepted counts one accept attempt.
func (m *Metrics) RecordInvitationAccepted(outcome string) {
	m.InvitationAcceptsTotal.WithLabelValues(outcome).Inc()
}
