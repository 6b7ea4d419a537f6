package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_dispatches_total",
			Help: "Total event dispatches by terminal outcome",
		},
		[]string{"type", "outcome"},
	)

	failuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_failures_total",
			Help: "Total classified failures by kind and channel",
		},
		[]string{"channel", "kind"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notify_send_duration_seconds",
			Help:    "Per-channel send duration including internal retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"channel", "result"},
	)

	idempotencyHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_idempotency_hits_total",
			Help: "Duplicate deliveries short-circuited by the idempotency guard",
		},
		[]string{"decision"},
	)

	idempotencyMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_idempotency_misses_total",
			Help: "First-sight deliveries admitted by the idempotency guard",
		},
	)

	escalatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_escalated_total",
			Help: "Escalated items written to the dead-letter store",
		},
		[]string{"kind"},
	)

	alarmsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_alarms_total",
			Help: "Out-of-band alarms raised for critical/security failures",
		},
		[]string{"kind"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notify_circuit_breaker_state",
			Help: "Circuit breaker state per channel (0 closed, 1 open, 2 half-open)",
		},
		[]string{"channel"},
	)
)

func RecordDispatch(eventType, outcome string) {
	dispatchesTotal.WithLabelValues(eventType, outcome).Inc()
}

func RecordFailure(channel, kind string) {
	failuresTotal.WithLabelValues(channel, kind).Inc()
}

func RecordSend(channel, result string, d time.Duration) {
	sendDuration.WithLabelValues(channel, result).Observe(d.Seconds())
}

func RecordIdempotencyHit(decision string) {
	idempotencyHitsTotal.WithLabelValues(decision).Inc()
}

func RecordIdempotencyMiss() {
	idempotencyMissesTotal.Inc()
}

func RecordEscalated(kind string) {
	escalatedTotal.WithLabelValues(kind).Inc()
}

func RecordAlarm(kind string) {
	alarmsTotal.WithLabelValues(kind).Inc()
}

func SetBreakerState(channel string, state int) {
	breakerState.WithLabelValues(channel).Set(float64(state))
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
