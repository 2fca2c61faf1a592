package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xmonitor/pkg/models"
)

// Metrics holds the Prometheus collectors of one monitor process.
// Every method is safe to call on a nil *Metrics.
//
// Metrics:
//   - xmonitor_items_received_total - stream items decoded
//   - xmonitor_events_total{kind} - feed events emitted by the bus
//   - xmonitor_analysis_total{provider,outcome} - finished analysis calls
//   - xmonitor_analysis_duration_seconds{provider} - analysis latency
//   - xmonitor_analysis_discarded_total - results dropped for retired targets
//   - xmonitor_stream_connects_total - stream connection attempts
//   - xmonitor_stream_backoffs_total{class} - reconnect waits by failure class
//   - xmonitor_stream_state - 0 disconnected, 1 connecting, 2 backoff, 3 connected
//   - xmonitor_rule_calls_total{op,outcome} - rule API calls
//   - xmonitor_targets{status} - targets per status
type Metrics struct {
	registry *prometheus.Registry

	ItemsReceived     prometheus.Counter
	Events            *prometheus.CounterVec
	AnalysisTotal     *prometheus.CounterVec
	AnalysisDuration  *prometheus.HistogramVec
	AnalysisDiscarded prometheus.Counter
	StreamConnects    prometheus.Counter
	StreamBackoffs    *prometheus.CounterVec
	StreamState       prometheus.Gauge
	RuleCalls         *prometheus.CounterVec
	Targets           *prometheus.GaugeVec
}

// New creates the collectors on a private registry, so several instances
// can coexist in tests.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ItemsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "xmonitor_items_received_total",
			Help: "Total number of stream items decoded",
		}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xmonitor_events_total",
			Help: "Total number of feed events emitted",
		}, []string{"kind"}),
		AnalysisTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xmonitor_analysis_total",
			Help: "Total number of finished analysis calls",
		}, []string{"provider", "outcome"}),
		AnalysisDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xmonitor_analysis_duration_seconds",
			Help:    "Duration of analysis calls in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		}, []string{"provider"}),
		AnalysisDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "xmonitor_analysis_discarded_total",
			Help: "Analysis results discarded because their target was retired",
		}),
		StreamConnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "xmonitor_stream_connects_total",
			Help: "Total number of stream connection attempts",
		}),
		StreamBackoffs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xmonitor_stream_backoffs_total",
			Help: "Reconnect waits by failure class",
		}, []string{"class"}),
		StreamState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "xmonitor_stream_state",
			Help: "Stream connection state (0 disconnected, 1 connecting, 2 backoff, 3 connected)",
		}),
		RuleCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xmonitor_rule_calls_total",
			Help: "Rule API calls by operation and outcome",
		}, []string{"op", "outcome"}),
		Targets: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "xmonitor_targets",
			Help: "Number of targets per status",
		}, []string{"status"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and custom collectors
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ItemReceived() {
	if m == nil {
		return
	}
	m.ItemsReceived.Inc()
}

// Write counts an emitted feed event. It satisfies the event bus sink interface.
func (m *Metrics) Write(ev models.FeedEvent) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(models.EventKind(ev)).Inc()
}

func (m *Metrics) AnalysisFinished(provider string, err error, took time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.AnalysisTotal.WithLabelValues(provider, outcome).Inc()
	m.AnalysisDuration.WithLabelValues(provider).Observe(took.Seconds())
}

func (m *Metrics) AnalysisDropped() {
	if m == nil {
		return
	}
	m.AnalysisDiscarded.Inc()
}

func (m *Metrics) StreamConnect() {
	if m == nil {
		return
	}
	m.StreamConnects.Inc()
}

func (m *Metrics) StreamBackoff(class string) {
	if m == nil {
		return
	}
	m.StreamBackoffs.WithLabelValues(class).Inc()
}

func (m *Metrics) ConnectionState(phase models.ConnectionPhase) {
	if m == nil {
		return
	}
	switch phase {
	case models.PhaseConnecting:
		m.StreamState.Set(1)
	case models.PhaseBackoff:
		m.StreamState.Set(2)
	case models.PhaseConnected:
		m.StreamState.Set(3)
	default:
		m.StreamState.Set(0)
	}
}

func (m *Metrics) RuleCall(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.RuleCalls.WithLabelValues(op, outcome).Inc()
}

// TargetCounts replaces the per-status target gauges
func (m *Metrics) TargetCounts(counts map[models.TargetStatus]int) {
	if m == nil {
		return
	}
	for _, status := range []models.TargetStatus{models.StatusInactive, models.StatusInitiating, models.StatusActive} {
		m.Targets.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
