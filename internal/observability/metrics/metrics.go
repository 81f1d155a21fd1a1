package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "docfollow"

// FollowUpMetrics exposes counters for the conversation state machine.
type FollowUpMetrics struct {
	transitions *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	duplicates  *prometheus.CounterVec
	stale       *prometheus.CounterVec
	conflicts   prometheus.Counter
}

func NewFollowUpMetrics(reg prometheus.Registerer) *FollowUpMetrics {
	m := &FollowUpMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "followup",
			Name:      "transitions_total",
			Help:      "Committed state transitions",
		}, []string{"event", "from", "to"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "followup",
			Name:      "rejected_events_total",
			Help:      "Events refused by the state machine",
		}, []string{"event", "state"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "followup",
			Name:      "duplicate_events_total",
			Help:      "Redelivered events ignored by event id",
		}, []string{"event"}),
		stale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "followup",
			Name:      "stale_events_total",
			Help:      "Superseded extraction and scheduling results ignored",
		}, []string{"event"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "followup",
			Name:      "storage_conflicts_total",
			Help:      "Version conflicts observed while committing",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.transitions, m.rejected, m.duplicates, m.stale, m.conflicts)
	return m
}

func (m *FollowUpMetrics) ObserveTransition(event, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(event, from, to).Inc()
}

func (m *FollowUpMetrics) ObserveRejected(event, state string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(event, state).Inc()
}

func (m *FollowUpMetrics) ObserveDuplicate(event string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(event).Inc()
}

func (m *FollowUpMetrics) ObserveStale(event string) {
	if m == nil {
		return
	}
	m.stale.WithLabelValues(event).Inc()
}

func (m *FollowUpMetrics) ObserveConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// MessagingMetrics exposes counters/histograms for messaging flows.
type MessagingMetrics struct {
	inboundTotal   *prometheus.CounterVec
	outboundTotal  *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
}

func NewMessagingMetrics(reg prometheus.Registerer) *MessagingMetrics {
	m := &MessagingMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "inbound_webhook_total",
			Help:      "Total inbound Twilio webhooks",
		}, []string{"event_type", "status"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "outbound_total",
			Help:      "Total outbound sends by channel",
		}, []string{"channel", "status"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of Twilio webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.outboundTotal, m.webhookLatency)
	return m
}

func (m *MessagingMetrics) ObserveInbound(eventType, status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(eventType, status).Inc()
}

func (m *MessagingMetrics) ObserveOutbound(channel, status string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(channel, status).Inc()
}

func (m *MessagingMetrics) ObserveWebhookLatency(eventType string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(eventType).Observe(seconds)
}

// AssistantMetrics tracks model calls made for extraction and drafting.
type AssistantMetrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

func NewAssistantMetrics(reg prometheus.Registerer) *AssistantMetrics {
	m := &AssistantMetrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assistant",
			Name:      "calls_total",
			Help:      "Model calls by operation and outcome",
		}, []string{"op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "assistant",
			Name:      "call_latency_seconds",
			Help:      "Model call latency by operation",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45},
		}, []string{"op"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.calls, m.latency)
	return m
}

func (m *AssistantMetrics) ObserveCall(op, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(seconds)
}

// ReminderMetrics tracks sweep results.
type ReminderMetrics struct {
	results *prometheus.CounterVec
	sweeps  prometheus.Counter
}

func NewReminderMetrics(reg prometheus.Registerer) *ReminderMetrics {
	m := &ReminderMetrics{
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminders",
			Name:      "results_total",
			Help:      "Reminder outcomes per patient",
		}, []string{"result"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminders",
			Name:      "sweeps_total",
			Help:      "Completed reminder sweeps",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.results, m.sweeps)
	return m
}

func (m *ReminderMetrics) ObserveResult(result string) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(result).Inc()
}

func (m *ReminderMetrics) ObserveSweep() {
	if m == nil {
		return
	}
	m.sweeps.Inc()
}
