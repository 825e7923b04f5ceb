package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the bridge.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	SessionEvents  *prometheus.CounterVec
	WSMessages     *prometheus.CounterVec
	TurnsCompleted *prometheus.CounterVec
	StageFailures  *prometheus.CounterVec
	BusyRejections prometheus.Counter
	StageLatency   *prometheus.HistogramVec
	stageWindow    *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of registered device sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		TurnsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_completed_total",
			Help:      "Completed turns by outcome.",
		}, []string{"outcome"}),
		StageFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Pipeline stage failures by stage and reason.",
		}, []string{"stage", "reason"}),
		BusyRejections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "busy_rejections_total",
			Help:      "Inbound turns rejected because a turn was already in flight.",
		}),
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_ms",
			Help:      "Pipeline stage latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 20000},
		}, []string{"stage"}),
		stageWindow: newStageWindow(256),
	}
}

// ObserveStage records one stage duration in both the Prometheus histogram
// and the rolling window behind the perf endpoint.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	ms := float64(d.Milliseconds())
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.stageWindow.Observe(stage, ms)
}

// StageSnapshot returns rolling per-stage latency stats.
func (m *Metrics) StageSnapshot() StageSnapshot {
	return m.stageWindow.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
