// Package metrics exposes Prometheus collectors for the fleet controller:
// pool size and free capacity, allocation outcomes, launches, terminations,
// and probe health.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors for fleetd.
type Metrics struct {
	registry *prometheus.Registry

	// Gauges
	VMPoolSize     prometheus.Gauge
	TotalFreeSlots prometheus.Gauge
	ActiveMatches  prometheus.Gauge

	// Counters
	MatchesStarted     prometheus.Counter
	AllocationFailures *prometheus.CounterVec
	LaunchesTotal      *prometheus.CounterVec
	TerminationsTotal  *prometheus.CounterVec
	ProbeFailures      prometheus.Counter
	ProtectionRotation prometheus.Counter

	// Histograms
	AllocationDuration prometheus.Histogram
	ReconcileDuration  prometheus.Histogram
}

// Duration buckets in seconds. Allocations probe every VM and may wait on a
// launch; reconciles poll the cloud. Both live in the 10ms..200s range.
var durationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 240}

// New creates a Metrics with its own registry, so tests can build as many
// instances as they like without collector collisions.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		VMPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vm_pool_size",
			Help:      "Number of worker VMs currently tracked in the registry",
		}),
		TotalFreeSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vm_pool_free_slots",
			Help:      "Total free match slots across reachable VMs at the last reconcile",
		}),
		ActiveMatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "matches_active",
			Help:      "Number of match records currently held",
		}),

		MatchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_started_total",
			Help:      "Total matches successfully started on workers",
		}),
		AllocationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_failures_total",
			Help:      "Failed match allocations by reason",
		}, []string{"reason"}),
		LaunchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vm_launches_total",
			Help:      "VM launch attempts by result",
		}, []string{"result"}),
		TerminationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vm_terminations_total",
			Help:      "VM terminations requested by the reconciler, by reason",
		}, []string{"reason"}),
		ProbeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_probe_failures_total",
			Help:      "Failed worker status probes",
		}),
		ProtectionRotation: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protected_vm_rotations_total",
			Help:      "Times the protected VM rotated to another instance",
		}),

		AllocationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "allocation_duration_seconds",
			Help:      "End-to-end duration of match allocations",
			Buckets:   durationBuckets,
		}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconciler ticks",
			Buckets:   durationBuckets,
		}),
	}

	registry.MustRegister(
		m.VMPoolSize,
		m.TotalFreeSlots,
		m.ActiveMatches,
		m.MatchesStarted,
		m.AllocationFailures,
		m.LaunchesTotal,
		m.TerminationsTotal,
		m.ProbeFailures,
		m.ProtectionRotation,
		m.AllocationDuration,
		m.ReconcileDuration,
	)

	return m
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
