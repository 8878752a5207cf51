// Package metrics holds the Prometheus collectors for the race server:
// broker queue depth, event publication counts, race status, lap
// ingestion, and processor ranking latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the server registers. It is constructed
// against a caller-supplied prometheus.Registerer so tests can register
// into a throwaway registry instead of the global default.
type Metrics struct {
	BrokerQueueDepth     *prometheus.GaugeVec
	BrokerEventsTotal    *prometheus.CounterVec
	RaceStatus           prometheus.Gauge
	RaceLapsRecorded     *prometheus.CounterVec
	ProcessorRankingTime prometheus.Histogram
}

// New constructs the collector set and registers it against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BrokerQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "racecore",
				Subsystem: "broker",
				Name:      "queue_depth",
				Help:      "Current number of queued events per subscriber.",
			},
			[]string{"subscriber"},
		),
		BrokerEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "racecore",
				Subsystem: "broker",
				Name:      "events_published_total",
				Help:      "Total number of events published, by event name.",
			},
			[]string{"event"},
		),
		RaceStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "racecore",
				Subsystem: "race",
				Name:      "status",
				Help:      "Current race status, enum-encoded (READY=0 .. STOPPED=6).",
			},
		),
		RaceLapsRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "racecore",
				Subsystem: "race",
				Name:      "laps_recorded_total",
				Help:      "Total laps accepted by the active processor, by slot.",
			},
			[]string{"slot"},
		),
		ProcessorRankingTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "racecore",
				Subsystem: "race",
				Name:      "processor_rank_duration_seconds",
				Help:      "Time taken to rebuild processor rankings.",
				Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 12), // 50us to ~100ms
			},
		),
	}

	reg.MustRegister(
		m.BrokerQueueDepth,
		m.BrokerEventsTotal,
		m.RaceStatus,
		m.RaceLapsRecorded,
		m.ProcessorRankingTime,
	)
	return m
}

// ObserveQueueDepth records subscriber's current queue length.
func (m *Metrics) ObserveQueueDepth(subscriber string, depth int) {
	m.BrokerQueueDepth.WithLabelValues(subscriber).Set(float64(depth))
}

// RecordEventPublished increments the publish counter for event.
func (m *Metrics) RecordEventPublished(event string) {
	m.BrokerEventsTotal.WithLabelValues(event).Inc()
}

// SetRaceStatus publishes status's enum-encoded value.
func (m *Metrics) SetRaceStatus(status int) {
	m.RaceStatus.Set(float64(status))
}

// RecordLapRecorded increments the lap counter for slot.
func (m *Metrics) RecordLapRecorded(slot string) {
	m.RaceLapsRecorded.WithLabelValues(slot).Inc()
}

// ObserveRankingDuration records how long a processor rank rebuild took.
func (m *Metrics) ObserveRankingDuration(d time.Duration) {
	m.ProcessorRankingTime.Observe(d.Seconds())
}
