// Package metrics holds the broker's Prometheus instruments. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Delivery outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

type Metrics struct {
	published      prometheus.Counter
	publishedBytes prometheus.Counter
	deliveries     *prometheus.CounterVec
	waiting        prometheus.Gauge
	waitDuration   prometheus.Histogram
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pushstream",
			Name:      "messages_published_total",
			Help:      "Total number of messages published",
		}),
		publishedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pushstream",
			Name:      "published_bytes_total",
			Help:      "Total payload bytes published",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pushstream",
			Name:      "subscriptions_completed_total",
			Help:      "Long-poll subscriptions completed, by outcome",
		}, []string{"outcome"}),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pushstream",
			Name:      "subscribers_waiting",
			Help:      "Long-poll subscribers currently waiting for a publish",
		}),
		waitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pushstream",
			Name:      "wait_duration_seconds",
			Help:      "Time subscribers spent waiting before completion",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~33s
		}),
	}
	reg.MustRegister(m.published, m.publishedBytes, m.deliveries, m.waiting, m.waitDuration)
	return m
}

func (m *Metrics) Published(size int) {
	if m == nil {
		return
	}
	m.published.Inc()
	m.publishedBytes.Add(float64(size))
}

func (m *Metrics) Completed(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WaitStarted() {
	if m == nil {
		return
	}
	m.waiting.Inc()
}

func (m *Metrics) WaitEnded(d time.Duration) {
	if m == nil {
		return
	}
	m.waiting.Dec()
	m.waitDuration.Observe(d.Seconds())
}
