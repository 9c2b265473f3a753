package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal   prometheus.Counter
	connectionsActive  prometheus.Gauge
	tlsHandshakesTotal *prometheus.CounterVec

	commandsTotal         *prometheus.CounterVec
	messagesAcceptedTotal prometheus.Counter
	messagesRejectedTotal *prometheus.CounterVec
	messagesSizeBytes     prometheus.Histogram

	authAttemptsTotal  *prometheus.CounterVec
	authCacheTotal     *prometheus.CounterVec
	authCallSeconds    prometheus.Histogram
	submitCallSeconds  prometheus.Histogram
	submitOutcomeTotal *prometheus.CounterVec

	rateLimitRejectedTotal   prometheus.Counter
	domainPolicyRejectedTotal prometheus.Counter
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cakesmtpd_connections_total",
			Help: "Total number of SMTP connections opened.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cakesmtpd_connections_active",
			Help: "Number of currently active SMTP connections.",
		}),
		tlsHandshakesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cakesmtpd_tls_handshakes_total",
			Help: "Total number of STARTTLS handshakes attempted.",
		}, []string{"result"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cakesmtpd_commands_total",
			Help: "Total number of SMTP commands processed.",
		}, []string{"command"}),
		messagesAcceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cakesmtpd_messages_accepted_total",
			Help: "Total number of messages accepted for submission.",
		}),
		messagesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cakesmtpd_messages_rejected_total",
			Help: "Total number of messages rejected, by reason.",
		}, []string{"reason"}),
		messagesSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cakesmtpd_messages_size_bytes",
			Help:    "Size of accepted messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400},
		}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cakesmtpd_auth_attempts_total",
			Help: "Total number of AUTH attempts.",
		}, []string{"result"}),
		authCacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cakesmtpd_auth_cache_total",
			Help: "Total number of credential cache lookups.",
		}, []string{"result"}),
		authCallSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cakesmtpd_auth_call_seconds",
			Help:    "Latency of calls to the Auth API.",
			Buckets: prometheus.DefBuckets,
		}),
		submitCallSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cakesmtpd_submit_call_seconds",
			Help:    "Latency of calls to the Email API.",
			Buckets: prometheus.DefBuckets,
		}),
		submitOutcomeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cakesmtpd_submit_outcomes_total",
			Help: "Total number of per-recipient submit outcomes.",
		}, []string{"result"}),

		rateLimitRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cakesmtpd_rate_limit_rejected_total",
			Help: "Total number of requests rejected by the rate limiter.",
		}),
		domainPolicyRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cakesmtpd_domain_policy_rejected_total",
			Help: "Total number of recipients rejected by the domain policy.",
		}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsHandshakesTotal,
		c.commandsTotal,
		c.messagesAcceptedTotal,
		c.messagesRejectedTotal,
		c.messagesSizeBytes,
		c.authAttemptsTotal,
		c.authCacheTotal,
		c.authCallSeconds,
		c.submitCallSeconds,
		c.submitOutcomeTotal,
		c.rateLimitRejectedTotal,
		c.domainPolicyRejectedTotal,
	)

	return c
}

func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

func (c *PrometheusCollector) TLSHandshake(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.tlsHandshakesTotal.WithLabelValues(result).Inc()
}

func (c *PrometheusCollector) CommandProcessed(command string) {
	c.commandsTotal.WithLabelValues(command).Inc()
}

func (c *PrometheusCollector) MessageAccepted(sizeBytes int64) {
	c.messagesAcceptedTotal.Inc()
	c.messagesSizeBytes.Observe(float64(sizeBytes))
}

func (c *PrometheusCollector) MessageRejected(reason string) {
	c.messagesRejectedTotal.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) AuthAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(result).Inc()
}

func (c *PrometheusCollector) AuthCacheResult(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.authCacheTotal.WithLabelValues(result).Inc()
}

func (c *PrometheusCollector) AuthCallDuration(seconds float64) {
	c.authCallSeconds.Observe(seconds)
}

func (c *PrometheusCollector) SubmitCallDuration(seconds float64) {
	c.submitCallSeconds.Observe(seconds)
}

func (c *PrometheusCollector) SubmitOutcome(recipientResult string) {
	c.submitOutcomeTotal.WithLabelValues(recipientResult).Inc()
}

func (c *PrometheusCollector) RateLimitRejected() {
	c.rateLimitRejectedTotal.Inc()
}

func (c *PrometheusCollector) DomainPolicyRejected() {
	c.domainPolicyRejectedTotal.Inc()
}
