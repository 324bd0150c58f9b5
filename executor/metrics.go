package executor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects host-side counters for contract execution. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	frames     *prometheus.CounterVec
	errors     *prometheus.CounterVec
	queueDepth prometheus.Gauge
	runs       *prometheus.CounterVec
	duration   prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contractbox",
			Name:      "frames_total",
			Help:      "Frames received from guests by kind (sync, async, poll).",
		}, []string{"kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contractbox",
			Name:      "dispatch_errors_total",
			Help:      "Guest calls rejected before reaching a handler, by reason.",
		}, []string{"reason"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "contractbox",
			Name:      "async_queue_depth",
			Help:      "Async replies waiting for the guest to poll.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contractbox",
			Name:      "runs_total",
			Help:      "Finished contract runs by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "contractbox",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of contract runs.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.frames, m.errors, m.queueDepth, m.runs, m.duration)
	}
	return m
}

func (m *Metrics) frame(kind string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(kind).Inc()
}

func (m *Metrics) dispatchError(reason string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(reason).Inc()
}

func (m *Metrics) queued(delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.queueDepth.Add(float64(delta))
}

func (m *Metrics) run(r Result) {
	if m == nil {
		return
	}
	outcome := "ok"
	switch {
	case r.Error == nil:
	case isTimeout(r.Error):
		outcome = "timeout"
	default:
		outcome = "error"
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.duration.Observe(r.Duration.Seconds())
}
