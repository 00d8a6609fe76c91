package keeper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the keeper collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	batches         *prometheus.CounterVec
	targets         *prometheus.GaugeVec
	tickDuration    prometheus.Histogram
	ticks           *prometheus.CounterVec
	lastBankRefresh prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "bundler"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.batches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "batches_total",
			Help:      "Cache refresh batches dispatched, by kind and result",
		},
		[]string{"kind", "result"},
	)
	m.targets = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "targets",
			Help:      "Cache targets enumerated in the last tick",
		},
		[]string{"kind"},
	)
	m.tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "tick_duration_seconds",
			Help:      "Time from enumeration to join of one keeper tick",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)
	m.ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "ticks_total",
			Help:      "Keeper ticks, by result",
		},
		[]string{"result"},
	)
	m.lastBankRefresh = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "last_bank_refresh_timestamp_seconds",
			Help:      "Unix time of the last tick that refreshed every root bank",
		},
	)

	m.registry.MustRegister(m.batches, m.targets, m.tickDuration, m.ticks, m.lastBankRefresh)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordBatch(kind Kind, err error) {
	m.batches.WithLabelValues(string(kind), resultLabel(err)).Inc()
}

func (m *Metrics) RecordTargets(kind Kind, count int) {
	m.targets.WithLabelValues(string(kind)).Set(float64(count))
}

func (m *Metrics) RecordTick(d time.Duration, err error) {
	m.tickDuration.Observe(d.Seconds())
	m.ticks.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) RecordBankRefresh(at time.Time) {
	m.lastBankRefresh.Set(float64(at.Unix()))
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
