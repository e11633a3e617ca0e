// Package metrics holds the prometheus collectors of the discovery registry.
// A nil *Metrics is valid and records nothing, so components can take it unconditionally.
package metrics

import (
	"time"

	"mini-discovery/api"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "disco"

type Metrics struct {
	registrations    *prometheus.CounterVec
	finds            prometheus.Counter
	records          *prometheus.GaugeVec
	principalChanges prometheus.Counter
	sweeps           prometheus.Counter
	timedOut         prometheus.Counter
	beacons          *prometheus.CounterVec
	rpcDuration      *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Service registrations handled, by outcome (created, updated).",
		}, []string{"outcome"}),
		finds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finds_total",
			Help:      "Find queries answered by the registry.",
		}),
		records: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records",
			Help:      "Registered service records by health state.",
		}, []string{"health"}),
		principalChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "principal_changes_total",
			Help:      "Principal assignments and revocations.",
		}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Timeout sweeps executed.",
		}),
		timedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Records marked offline because their registration timed out.",
		}),
		beacons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "beacons_total",
			Help:      "Auto-discovery beacons by direction (sent, received).",
		}, []string{"direction"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "RPC handling latency by method and result.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"method", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.registrations, m.finds, m.records, m.principalChanges,
			m.sweeps, m.timedOut, m.beacons, m.rpcDuration)
	}
	return m
}

func (m *Metrics) Registration(created bool) {
	if m == nil {
		return
	}
	outcome := "updated"
	if created {
		outcome = "created"
	}
	m.registrations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Find() {
	if m == nil {
		return
	}
	m.finds.Inc()
}

// Records replaces the per-health gauges with counts.
func (m *Metrics) Records(counts map[api.HealthState]int) {
	if m == nil {
		return
	}
	for _, h := range []api.HealthState{api.Healthy, api.Unhealthy, api.Offline} {
		m.records.WithLabelValues(h.String()).Set(float64(counts[h]))
	}
}

func (m *Metrics) PrincipalChange() {
	if m == nil {
		return
	}
	m.principalChanges.Inc()
}

func (m *Metrics) Sweep(timedOut int) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	m.timedOut.Add(float64(timedOut))
}

func (m *Metrics) BeaconSent() {
	if m == nil {
		return
	}
	m.beacons.WithLabelValues("sent").Inc()
}

func (m *Metrics) BeaconReceived() {
	if m == nil {
		return
	}
	m.beacons.WithLabelValues("received").Inc()
}

func (m *Metrics) RPC(method string, failed bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if failed {
		result = "error"
	}
	m.rpcDuration.WithLabelValues(method, result).Observe(d.Seconds())
}
