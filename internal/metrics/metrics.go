// Package metrics exposes Prometheus collectors for the connection layer.
package metrics

import (
	"github.com/ashureev/pamlink/internal/domain"
	"github.com/ashureev/pamlink/internal/recovery"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pamlink"

// Collectors holds every metric the link exports. A nil *Collectors is valid
// and records nothing.
type Collectors struct {
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	depth       prometheus.Gauge
	wakes       prometheus.Counter
	wakeErrors  prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_transitions_total",
			Help:      "Connection state transitions.",
		}, []string{"from", "to"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_failures_total",
			Help:      "Classified connection failures by kind and resulting action.",
		}, []string{"kind", "action", "terminal"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_deliveries_total",
			Help:      "Outbox delivery outcomes.",
		}, []string{"outcome"}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_depth",
			Help:      "Messages waiting in the outbox for the active user.",
		}),
		wakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wake_detections_total",
			Help:      "Accepted wake-word detections.",
		}),
		wakeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wake_recognizer_errors_total",
			Help:      "Non-benign speech recognizer errors.",
		}),
	}

	for _, col := range []prometheus.Collector{c.state, c.transitions, c.failures, c.deliveries, c.depth, c.wakes, c.wakeErrors} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}

	for _, s := range domain.AllStates {
		c.state.WithLabelValues(s.String()).Set(0)
	}
	c.state.WithLabelValues(domain.StateIdle.String()).Set(1)

	return c, nil
}

// ObserveTransition records a connection state change.
func (c *Collectors) ObserveTransition(from, to domain.ConnectionState) {
	if c == nil {
		return
	}
	c.state.WithLabelValues(from.String()).Set(0)
	c.state.WithLabelValues(to.String()).Set(1)
	c.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

// ObserveFailure records a classified failure.
func (c *Collectors) ObserveFailure(d recovery.Decision) {
	if c == nil {
		return
	}
	terminal := "false"
	if d.Terminal {
		terminal = "true"
	}
	c.failures.WithLabelValues(string(d.Failure.Kind), string(d.Action), terminal).Inc()
}

// ObserveDelivery records an outbox delivery outcome.
func (c *Collectors) ObserveDelivery(outcome string) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(outcome).Inc()
}

// ObserveOutboxDepth records the current queue length.
func (c *Collectors) ObserveOutboxDepth(n int) {
	if c == nil {
		return
	}
	c.depth.Set(float64(n))
}

// ObserveWake records an accepted wake-word detection.
func (c *Collectors) ObserveWake() {
	if c == nil {
		return
	}
	c.wakes.Inc()
}

// ObserveRecognizerError records a non-benign recognizer error.
func (c *Collectors) ObserveRecognizerError() {
	if c == nil {
		return
	}
	c.wakeErrors.Inc()
}
