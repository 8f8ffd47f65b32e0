// Package metrics exposes Prometheus instrumentation for group ordering
// sessions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "grouporder"

// Outcome labels for mutations.
const (
	OutcomeOK       = "ok"
	OutcomeConflict = "conflict"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Collector is a prometheus.Collector for session activity. A nil
// *Collector is valid and records nothing.
type Collector struct {
	mutations        *prometheus.CounterVec
	mutationDuration *prometheus.HistogramVec
	expirations      *prometheus.CounterVec
	notifyFailures   prometheus.Counter
	subscribers      prometheus.Gauge
	droppedSubs      prometheus.Counter
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mutations_total",
				Help:      "Session operations by name and outcome.",
			}, []string{"op", "outcome"},
		),
		mutationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "mutation_duration_seconds",
				Help:      "Time spent applying a session operation.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			}, []string{"op"},
		),
		expirations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "expirations_total",
				Help:      "Sessions moved to expired, by trigger.",
			}, []string{"trigger"},
		),
		notifyFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notify_failures_total",
				Help:      "Session events the notifier failed to deliver.",
			},
		),
		subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "live_subscribers",
				Help:      "Open session stream subscriptions.",
			},
		),
		droppedSubs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_subscribers_total",
				Help:      "Subscriptions closed for falling behind.",
			},
		),
	}
}

// ObserveMutation records one operation.
func (c *Collector) ObserveMutation(op, outcome string, took time.Duration) {
	if c == nil {
		return
	}
	c.mutations.WithLabelValues(op, outcome).Inc()
	c.mutationDuration.WithLabelValues(op).Observe(took.Seconds())
}

// Expired records a session expiry; trigger is "lazy" or "sweep".
func (c *Collector) Expired(trigger string) {
	if c == nil {
		return
	}
	c.expirations.WithLabelValues(trigger).Inc()
}

// NotifyFailed records a failed notifier delivery.
func (c *Collector) NotifyFailed() {
	if c == nil {
		return
	}
	c.notifyFailures.Inc()
}

// SubscriberAdded is part of the broadcast.Observer interface.
func (c *Collector) SubscriberAdded() {
	if c == nil {
		return
	}
	c.subscribers.Inc()
}

// SubscriberRemoved is part of the broadcast.Observer interface.
func (c *Collector) SubscriberRemoved(dropped bool) {
	if c == nil {
		return
	}
	c.subscribers.Dec()
	if dropped {
		c.droppedSubs.Inc()
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.mutations.Describe(ch)
	c.mutationDuration.Describe(ch)
	c.expirations.Describe(ch)
	c.notifyFailures.Describe(ch)
	c.subscribers.Describe(ch)
	c.droppedSubs.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mutations.Collect(ch)
	c.mutationDuration.Collect(ch)
	c.expirations.Collect(ch)
	c.notifyFailures.Collect(ch)
	c.subscribers.Collect(ch)
	c.droppedSubs.Collect(ch)
}
