// Package telemetry exposes controller state as Prometheus metrics:
//
//	ecosystem_components{status}            components per lifecycle status
//	ecosystem_capital_{total,allocated,held} ledger totals
//	ecosystem_capital_utilization            allocated / total
//	ecosystem_evolution_cycles_total         completed selection rounds
//	ecosystem_retirements_total              components retired by selection
//	ecosystem_spawned_total                  replacements registered
//	ecosystem_pending_slots                  freed capital waiting for a replacement
//	ecosystem_failures_total{reason}         transitions into failed
//	ecosystem_poll_errors_total              collaborator poll errors and timeouts
//	ecosystem_tick_duration_seconds          control-loop tick latency
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/your-org/strategy-ecosystem/internal/capital"
	"github.com/your-org/strategy-ecosystem/internal/component"
	"github.com/your-org/strategy-ecosystem/internal/store"
)

// Metrics holds the registered collectors.
type Metrics struct {
	components   *prometheus.GaugeVec
	capitalTotal prometheus.Gauge
	capitalAlloc prometheus.Gauge
	capitalHeld  prometheus.Gauge
	utilization  prometheus.Gauge
	cycles       prometheus.Counter
	retirements  prometheus.Counter
	spawned      prometheus.Counter
	pendingSlots prometheus.Gauge
	failures     *prometheus.CounterVec
	pollErrors   prometheus.Counter
	tickDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		components: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ecosystem_components",
			Help: "Number of components per lifecycle status.",
		}, []string{"status"}),
		capitalTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ecosystem_capital_total",
			Help: "Total capital managed by the ledger.",
		}),
		capitalAlloc: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ecosystem_capital_allocated",
			Help: "Capital currently reserved by components and evolution slots.",
		}),
		capitalHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ecosystem_capital_held",
			Help: "Reserved capital that is suspended (failed, paused or parked in a slot).",
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ecosystem_capital_utilization",
			Help: "Allocated capital as a share of the total.",
		}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ecosystem_evolution_cycles_total",
			Help: "Completed evolution cycles.",
		}),
		retirements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ecosystem_retirements_total",
			Help: "Components retired by selection.",
		}),
		spawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ecosystem_spawned_total",
			Help: "Replacement components registered by evolution.",
		}),
		pendingSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ecosystem_pending_slots",
			Help: "Freed capital slots waiting for a replacement.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ecosystem_failures_total",
			Help: "Transitions into the failed status by reason.",
		}, []string{"reason"}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ecosystem_poll_errors_total",
			Help: "Collaborator poll errors, timeouts included.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ecosystem_tick_duration_seconds",
			Help:    "Duration of one control-loop tick.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
	reg.MustRegister(
		m.components, m.capitalTotal, m.capitalAlloc, m.capitalHeld, m.utilization,
		m.cycles, m.retirements, m.spawned, m.pendingSlots, m.failures, m.pollErrors, m.tickDuration,
	)
	return m
}

// ObserveComponents sets the per-status gauges.
func (m *Metrics) ObserveComponents(counts map[component.Status]int) {
	for _, st := range component.Statuses {
		m.components.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// ObserveLedger sets the capital gauges.
func (m *Metrics) ObserveLedger(s capital.Snapshot) {
	m.capitalTotal.Set(s.Total.InexactFloat64())
	m.capitalAlloc.Set(s.Allocated.InexactFloat64())
	m.capitalHeld.Set(s.Held.InexactFloat64())
	m.utilization.Set(s.Utilization())
}

// ObserveCycle counts a completed evolution cycle.
func (m *Metrics) ObserveCycle(c store.EvolutionCycle) {
	m.cycles.Inc()
	m.retirements.Add(float64(len(c.Retired)))
	m.spawned.Add(float64(len(c.Spawned)))
	m.pendingSlots.Set(float64(len(c.Pending)))
}

// IncFailure counts a component failure.
func (m *Metrics) IncFailure(reason string) {
	m.failures.WithLabelValues(reason).Inc()
}

// IncPollError counts a failed poll.
func (m *Metrics) IncPollError() {
	m.pollErrors.Inc()
}

// ObserveTick records the tick latency in seconds.
func (m *Metrics) ObserveTick(seconds float64) {
	m.tickDuration.Observe(seconds)
}
