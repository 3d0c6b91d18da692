package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records pipeline invocation outcomes.
type Metrics interface {
	// IncInvocation counts a finished invocation by terminal state ("done", "skipped", "failed")
	IncInvocation(state string)
	// IncDecision counts routing decisions by kind
	IncDecision(kind string)
	// IncFailure counts failures by phase and failure class
	IncFailure(phase, class string)
	// ObservePhase records how long a phase took
	ObservePhase(phase string, durationSeconds float64)
	// IncStagingSwept counts directories removed by the staging janitor
	IncStagingSwept(n int)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncInvocation(string)         {}
func (Noop) IncDecision(string)           {}
func (Noop) IncFailure(string, string)    {}
func (Noop) ObservePhase(string, float64) {}
func (Noop) IncStagingSwept(int)          {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	invocations *prometheus.CounterVec
	decisions   *prometheus.CounterVec
	failures    *prometheus.CounterVec
	phases      *prometheus.HistogramVec
	swept       prometheus.Counter
	once        sync.Once
	reg         prometheus.Registerer
}

// NewProm builds collectors under namespace and registers them with reg.
// A nil reg uses the default registerer.
func NewProm(namespace string, reg prometheus.Registerer) *Prom {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prom{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Pipeline invocations by terminal state",
		}, []string{"state"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Routing decisions by kind",
		}, []string{"kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Invocation failures by phase and failure class",
		}, []string{"phase", "class"}),
		phases: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of pipeline phases",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "staging_swept_total",
			Help:      "Stale staging directories removed by the janitor",
		}),
		reg: reg,
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		p.reg.MustRegister(p.invocations, p.decisions, p.failures, p.phases, p.swept)
	})
}

func (p *Prom) IncInvocation(state string) {
	p.invocations.WithLabelValues(state).Inc()
}

func (p *Prom) IncDecision(kind string) {
	p.decisions.WithLabelValues(kind).Inc()
}

func (p *Prom) IncFailure(phase, class string) {
	p.failures.WithLabelValues(phase, class).Inc()
}

func (p *Prom) ObservePhase(phase string, durationSeconds float64) {
	p.phases.WithLabelValues(phase).Observe(durationSeconds)
}

func (p *Prom) IncStagingSwept(n int) {
	if n > 0 {
		p.swept.Add(float64(n))
	}
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
