// Package metrics exports pipeline counters in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns its registry so tests and reloaded pipelines do not clash
// with the global one.
type Collector struct {
	registry *prometheus.Registry

	gateOutcomes  *prometheus.CounterVec
	gateDurations *prometheus.HistogramVec
	gateErrors    *prometheus.CounterVec
	verdicts      *prometheus.CounterVec
	burstRejects  prometheus.Counter
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		gateOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abuseguard_gate_outcomes_total",
				Help: "Gate evaluations by gate and outcome",
			},
			[]string{"gate", "outcome"},
		),
		gateDurations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "abuseguard_gate_duration_seconds",
				Help:    "Time spent in each gate",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"gate"},
		),
		gateErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abuseguard_gate_errors_total",
				Help: "Gate evaluations that failed and degraded the verdict",
			},
			[]string{"gate"},
		),
		verdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abuseguard_verdicts_total",
				Help: "Final verdicts by action, verdict and type",
			},
			[]string{"action", "verdict", "type"},
		),
		burstRejects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "abuseguard_http_burst_rejections_total",
				Help: "Requests dropped by the per-IP token bucket",
			},
		),
	}
}

func (c *Collector) ReportGate(gate, outcome string, d time.Duration) {
	c.gateOutcomes.With(prometheus.Labels{"gate": gate, "outcome": outcome}).Inc()
	c.gateDurations.With(prometheus.Labels{"gate": gate}).Observe(d.Seconds())
}

func (c *Collector) ReportGateError(gate string) {
	c.gateErrors.With(prometheus.Labels{"gate": gate}).Inc()
}

func (c *Collector) ReportVerdict(action, verdict, typ string) {
	c.verdicts.With(prometheus.Labels{"action": action, "verdict": verdict, "type": typ}).Inc()
}

func (c *Collector) ReportBurstRejection() {
	c.burstRejects.Inc()
}

// Handler serves the registry for scraping.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
