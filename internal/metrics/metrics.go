// Package metrics holds the daemon's Prometheus collectors and the observer
// hooks that feed them.
package metrics

import (
	"github.com/matheus3301/fedrelay/internal/federation"
	"github.com/matheus3301/fedrelay/internal/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fedrelay"

// Metrics groups every collector the daemon exports.
type Metrics struct {
	Connections   prometheus.Gauge
	OnlineUsers   prometheus.Gauge
	Submits       *prometheus.CounterVec
	Relays        *prometheus.CounterVec
	RelayDuration *prometheus.HistogramVec
	InboundDrops  *prometheus.CounterVec
	Validations   *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open delivery channel connections.",
		}),
		OnlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Users with at least one open connection.",
		}),
		Submits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_submitted_total",
			Help:      "Message submissions by path and outcome.",
		}, []string{"path", "outcome"}),
		Relays: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_dispatch_total",
			Help:      "Federation dispatches by peer and outcome.",
		}, []string{"peer", "outcome"}),
		RelayDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_dispatch_duration_seconds",
			Help:      "Federation dispatch latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"peer"}),
		InboundDrops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_dropped_total",
			Help:      "Platform messages dropped before relay, by reason.",
		}, []string{"platform", "reason"}),
		Validations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "binding_validations_total",
			Help:      "Binding validation results by platform.",
		}, []string{"platform", "result"}),
	}
}

// ConnectionsChanged implements presence.Observer.
func (m *Metrics) ConnectionsChanged(connections, onlineUsers int) {
	m.Connections.Set(float64(connections))
	m.OnlineUsers.Set(float64(onlineUsers))
}

// ObserveSubmit is a messaging.Observer.
func (m *Metrics) ObserveSubmit(path messaging.Path, outcome string) {
	m.Submits.WithLabelValues(string(path), outcome).Inc()
}

// ObserveRelay is a federation.RelayObserver.
func (m *Metrics) ObserveRelay(r federation.RelayResult) {
	outcome := "ok"
	if !r.OK {
		outcome = "failed"
	}
	m.Relays.WithLabelValues(r.Peer, outcome).Inc()
	m.RelayDuration.WithLabelValues(r.Peer).Observe(r.Duration.Seconds())
}

// ObserveDrop is a platform.DropObserver.
func (m *Metrics) ObserveDrop(platform, reason string) {
	m.InboundDrops.WithLabelValues(platform, reason).Inc()
}

// ObserveValidation is a binding.Observer.
func (m *Metrics) ObserveValidation(platform string, ok bool) {
	result := "valid"
	if !ok {
		result = "invalid"
	}
	m.Validations.WithLabelValues(platform, result).Inc()
}
