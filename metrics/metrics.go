// Package metrics records op dispatch statistics in Prometheus.
//
// Metrics implements ops.Observer; install it with ops.Observe:
//
//	m := metrics.New(prometheus.DefaultRegisterer, "opbridge")
//	reg, err := ops.NewRegistry(ops.WithMiddleware(ops.Observe(m)), ...)
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wippyai/opbridge/errors"
	"github.com/wippyai/opbridge/ops"
)

// Metrics holds the dispatch collectors.
type Metrics struct {
	DispatchTotal  *prometheus.CounterVec
	BytesTotal     *prometheus.CounterVec
	CompletedTotal *prometheus.CounterVec
	Duration       *prometheus.HistogramVec
	Inflight       prometheus.Gauge

	// per-op totals for Summary
	snapshot map[string]*OpStats
	mu       sync.Mutex
}

// OpStats is the summary of one op.
type OpStats struct {
	Op            string
	Dispatched    int64
	Errors        int64
	Bytes         int64
	TotalDuration time.Duration
}

// New registers the collectors with reg under namespace.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DispatchTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "op_dispatch_total",
				Help:      "Total number of op dispatches",
			},
			[]string{"op", "kind"},
		),
		BytesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "op_bytes_total",
				Help:      "Total argument bytes passed to ops",
			},
			[]string{"op", "kind"},
		),
		CompletedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "op_completed_total",
				Help:      "Total number of completed ops by result class",
			},
			[]string{"op", "kind", "result"},
		),
		Duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "op_duration_seconds",
				Help:      "Op execution time in seconds",
				Buckets:   []float64{.00001, .0001, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"op", "kind"},
		),
		Inflight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ops_inflight",
				Help:      "Number of ops currently executing",
			},
		),
		snapshot: make(map[string]*OpStats),
	}
}

func (m *Metrics) OnDispatch(op string, kind ops.DispatchKind, bytes int) {
	m.DispatchTotal.WithLabelValues(op, string(kind)).Inc()
	m.BytesTotal.WithLabelValues(op, string(kind)).Add(float64(bytes))
	m.Inflight.Inc()

	m.mu.Lock()
	s := m.stats(op)
	s.Dispatched++
	s.Bytes += int64(bytes)
	m.mu.Unlock()
}

func (m *Metrics) OnComplete(op string, kind ops.DispatchKind, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = errors.ClassOf(err)
	}
	m.CompletedTotal.WithLabelValues(op, string(kind), result).Inc()
	m.Duration.WithLabelValues(op, string(kind)).Observe(elapsed.Seconds())
	m.Inflight.Dec()

	m.mu.Lock()
	s := m.stats(op)
	if err != nil {
		s.Errors++
	}
	s.TotalDuration += elapsed
	m.mu.Unlock()
}

func (m *Metrics) stats(op string) *OpStats {
	s, ok := m.snapshot[op]
	if !ok {
		s = &OpStats{Op: op}
		m.snapshot[op] = s
	}
	return s
}

// Summary returns per-op totals ordered by op name.
func (m *Metrics) Summary() []OpStats {
	m.mu.Lock()
	out := make([]OpStats, 0, len(m.snapshot))
	for _, s := range m.snapshot {
		out = append(out, *s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Op < out[j].Op })
	return out
}
