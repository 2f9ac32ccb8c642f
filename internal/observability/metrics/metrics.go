package metrics

import "github.com/prometheus/client_golang/prometheus"

// GatewayMetrics exposes counters/histograms for the message pipeline and
// registration flow. A nil receiver is a no-op so wiring stays optional in
// tests and dev tools.
type GatewayMetrics struct {
	webhookTotal   *prometheus.CounterVec
	jobsTotal      *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	sendTotal      *prometheus.CounterVec
	pickTotal      *prometheus.CounterVec
	alertsTotal    prometheus.Counter
	sequenceTotal  *prometheus.CounterVec
	backendLatency prometheus.Histogram
}

func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	m := &GatewayMetrics{
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "webhook",
			Name:      "inbound_total",
			Help:      "Total inbound transport webhooks",
		}, []string{"status"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Total jobs consumed from the work queues",
		}, []string{"queue", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Job processing time per queue",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		sendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "transport",
			Name:      "send_total",
			Help:      "Total outbound transport sends",
		}, []string{"status", "media"}),
		pickTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "balancer",
			Name:      "pick_total",
			Help:      "Channel number selections by strategy",
		}, []string{"strategy"}),
		alertsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "balancer",
			Name:      "alerts_total",
			Help:      "Load threshold alerts emitted",
		}),
		sequenceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "sequence",
			Name:      "steps_total",
			Help:      "Registration sequence step outcomes",
		}, []string{"step", "outcome"}),
		backendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gateway",
			Subsystem: "backend",
			Name:      "reply_latency_seconds",
			Help:      "Latency of conversation backend round trips",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 15, 30},
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.webhookTotal, m.jobsTotal, m.jobDuration, m.sendTotal,
		m.pickTotal, m.alertsTotal, m.sequenceTotal, m.backendLatency,
	)
	return m
}

func (m *GatewayMetrics) ObserveWebhook(status string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(status).Inc()
}

func (m *GatewayMetrics) ObserveJob(queue, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(queue, outcome).Inc()
	m.jobDuration.WithLabelValues(queue).Observe(seconds)
}

func (m *GatewayMetrics) ObserveSend(status string, media bool) {
	if m == nil {
		return
	}
	label := "false"
	if media {
		label = "true"
	}
	m.sendTotal.WithLabelValues(status, label).Inc()
}

func (m *GatewayMetrics) ObservePick(strategy string) {
	if m == nil {
		return
	}
	m.pickTotal.WithLabelValues(strategy).Inc()
}

func (m *GatewayMetrics) ObserveAlert() {
	if m == nil {
		return
	}
	m.alertsTotal.Inc()
}

func (m *GatewayMetrics) ObserveSequenceStep(step, outcome string) {
	if m == nil {
		return
	}
	m.sequenceTotal.WithLabelValues(step, outcome).Inc()
}

func (m *GatewayMetrics) ObserveBackendLatency(seconds float64) {
	if m == nil {
		return
	}
	m.backendLatency.Observe(seconds)
}
