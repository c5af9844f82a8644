package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// NewRegistry builds the process metrics registry.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Metrics exposes application-level instruments.
type Metrics struct {
	paymentEvents    *prometheus.CounterVec
	creditedTokens   *prometheus.CounterVec
	referralBonuses  *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	pollerSweeps     *prometheus.CounterVec
	pollerSweepTime  prometheus.Histogram
	generationRuns   *prometheus.CounterVec
	webhookRejected  prometheus.Counter
	activeUsersGauge prometheus.GaugeFunc
}

// New configures the domain metrics instruments.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		paymentEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lumapix_payment_events_total",
			Help: "Payment status events processed, by source, status and outcome.",
		}, []string{"source", "status", "outcome"}),
		creditedTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lumapix_credited_tokens_total",
			Help: "Tokens credited to user balances, by bucket and reason.",
		}, []string{"bucket", "reason"}),
		referralBonuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lumapix_referral_bonuses_total",
			Help: "Referral bonuses credited, by bonus type.",
		}, []string{"bonus_type"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lumapix_notifications_total",
			Help: "Chat notifications attempted, by kind and result.",
		}, []string{"kind", "result"}),
		pollerSweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lumapix_poller_sweeps_total",
			Help: "Payment poller sweeps, by result.",
		}, []string{"result"}),
		pollerSweepTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lumapix_poller_sweep_duration_seconds",
			Help:    "Duration of payment poller sweeps.",
			Buckets: prometheus.DefBuckets,
		}),
		generationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lumapix_generation_runs_total",
			Help: "Video generation runs, by result.",
		}, []string{"result"}),
		webhookRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lumapix_webhook_rejected_total",
			Help: "Webhook requests rejected by the origin allow-list.",
		}),
	}

	reg.MustRegister(
		m.paymentEvents,
		m.creditedTokens,
		m.referralBonuses,
		m.notifications,
		m.pollerSweeps,
		m.pollerSweepTime,
		m.generationRuns,
		m.webhookRejected,
	)
	return m
}

func (m *Metrics) RecordPaymentEvent(source, status, outcome string) {
	if m == nil {
		return
	}
	m.paymentEvents.WithLabelValues(normalize(source), normalize(status), normalize(outcome)).Inc()
}

func (m *Metrics) RecordCredit(bucket, reason string, tokens int64) {
	if m == nil || tokens <= 0 {
		return
	}
	m.creditedTokens.WithLabelValues(normalize(bucket), normalize(reason)).Add(float64(tokens))
}

func (m *Metrics) RecordReferralBonus(bonusType string) {
	if m == nil {
		return
	}
	m.referralBonuses.WithLabelValues(normalize(bonusType)).Inc()
}

func (m *Metrics) RecordNotification(kind string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.notifications.WithLabelValues(normalize(kind), result).Inc()
}

func (m *Metrics) RecordSweep(result string, seconds float64) {
	if m == nil {
		return
	}
	m.pollerSweeps.WithLabelValues(normalize(result)).Inc()
	m.pollerSweepTime.Observe(seconds)
}

func (m *Metrics) RecordGeneration(result string) {
	if m == nil {
		return
	}
	m.generationRuns.WithLabelValues(normalize(result)).Inc()
}

func (m *Metrics) RecordWebhookRejected() {
	if m == nil {
		return
	}
	m.webhookRejected.Inc()
}

// RegisterActiveUsers exposes a live gauge backed by the caller's counter,
// typically the activity tracker.
func (m *Metrics) RegisterActiveUsers(reg *prometheus.Registry, count func() int) {
	if m == nil || reg == nil || count == nil {
		return
	}
	m.activeUsersGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "lumapix_active_users",
		Help: "Users seen within the activity window.",
	}, func() float64 { return float64(count()) })
	reg.MustRegister(m.activeUsersGauge)
}

func normalize(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "unknown"
	}
	return value
}
