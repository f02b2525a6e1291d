// Package metrics exports instance events as Prometheus metrics.
//
// Metrics:
//
//	harvester_events_total{instance,type}     - events by type
//	harvester_fills_total{instance,side}      - confirmed fills
//	harvester_realized_pnl{instance}          - cumulative realized pnl
//	harvester_phase{instance,phase}           - 1 for the current phase, 0 otherwise
//	harvester_halted{instance}                - 1 while placements are halted
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rxtech-lab/argo-harvester/internal/events"
	"github.com/rxtech-lab/argo-harvester/internal/types"
)

const namespace = "harvester"

var phases = []types.Phase{types.PhaseFullLong, types.PhaseFullCash, types.PhaseMixed}

// Collector owns the harvester metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	events      *prometheus.CounterVec
	fills       *prometheus.CounterVec
	realizedPnL *prometheus.GaugeVec
	phase       *prometheus.GaugeVec
	halted      *prometheus.GaugeVec
}

// NewCollector creates the metrics and registers them on a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Window state transitions by type",
			},
			[]string{"instance", "type"},
		),
		fills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fills_total",
				Help:      "Confirmed fills by side",
			},
			[]string{"instance", "side"},
		),
		realizedPnL: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "realized_pnl",
				Help:      "Cumulative realized profit of the instance",
			},
			[]string{"instance"},
		),
		phase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "phase",
				Help:      "Window phase indicator, one labeled series per phase",
			},
			[]string{"instance", "phase"},
		),
		halted: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "halted",
				Help:      "1 while the instance refuses new placements",
			},
			[]string{"instance"},
		),
	}

	c.registry.MustRegister(c.events, c.fills, c.realizedPnL, c.phase, c.halted)

	return c
}

// Registry returns the registry the metrics live on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}) //nolint:exhaustruct
}

// Sink returns an events.Sink updating the metrics of one instance.
func (c *Collector) Sink(instance string) events.Sink {
	c.halted.WithLabelValues(instance).Set(0)

	return events.SinkFunc(func(event events.Event) {
		c.observe(instance, event)
	})
}

// SetHalted sets the halted gauge. Halts are cleared by a successful reconcile, which
// does not carry its own event type.
func (c *Collector) SetHalted(instance string, halted bool) {
	if halted {
		c.halted.WithLabelValues(instance).Set(1)

		return
	}

	c.halted.WithLabelValues(instance).Set(0)
}

func (c *Collector) observe(instance string, event events.Event) {
	c.events.WithLabelValues(instance, string(event.Type)).Inc()

	switch event.Type {
	case events.TypeFill:
		c.fills.WithLabelValues(instance, string(event.Side)).Inc()
		c.realizedPnL.WithLabelValues(instance).Set(event.RealizedPnL.InexactFloat64())
	case events.TypeHalted:
		c.SetHalted(instance, true)
	default:
	}

	if event.Phase != "" {
		for _, p := range phases {
			value := 0.0
			if p == event.Phase {
				value = 1
			}

			c.phase.WithLabelValues(instance, string(p)).Set(value)
		}
	}
}
