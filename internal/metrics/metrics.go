// Package metrics holds the Prometheus collectors for the correlator.
// Every method tolerates a nil *Metrics so components can run unmetered.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "corrwatch"

type Metrics struct {
	EventsProcessed  prometheus.Counter
	EventsRejected   *prometheus.CounterVec
	EventsDuplicate  prometheus.Counter
	IngestDropped    *prometheus.CounterVec
	IncidentsCreated *prometheus.CounterVec
	IncidentsOpen    prometheus.Gauge
	WindowEvents     prometheus.Gauge
	WindowIdentities prometheus.Gauge
	WindowEvicted    prometheus.Counter
	SinkDeliveries   *prometheus.CounterVec
	SinkDropped      prometheus.Counter
	ProcessDuration  prometheus.Histogram
}

// New registers the collectors on reg. Tests pass a fresh registry so
// repeated construction does not collide.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Events accepted into the window index",
		}),
		EventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Events dropped before correlation",
		}, []string{"reason"}),
		EventsDuplicate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_duplicate_total",
			Help:      "Events ignored because their event_id was already seen",
		}),
		IngestDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_dropped_total",
			Help:      "Raw records dropped because the ingest queue was full",
		}, []string{"source"}),
		IncidentsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_created_total",
			Help:      "Incidents created",
		}, []string{"severity", "rule"}),
		IncidentsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "incidents_open",
			Help:      "Incidents currently open",
		}),
		WindowEvents: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "window_events",
			Help:      "Events held across all identity windows",
		}),
		WindowIdentities: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "window_identities",
			Help:      "Identities with at least one event in the window",
		}),
		WindowEvicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "window_evicted_total",
			Help:      "Events evicted by capacity limits",
		}),
		SinkDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_deliveries_total",
			Help:      "Incident delivery outcomes per sink",
		}, []string{"sink", "outcome"}),
		SinkDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_dropped_total",
			Help:      "Incident deliveries dropped because the outbound queue was full",
		}),
		ProcessDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_event_duration_seconds",
			Help:      "Time spent in ProcessEvent",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		}),
	}
}

func (m *Metrics) ObserveProcessed(d time.Duration) {
	if m == nil {
		return
	}
	m.EventsProcessed.Inc()
	m.ProcessDuration.Observe(d.Seconds())
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.EventsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.EventsDuplicate.Inc()
}

func (m *Metrics) IngestDrop(source string) {
	if m == nil {
		return
	}
	m.IngestDropped.WithLabelValues(source).Inc()
}

func (m *Metrics) IncidentCreated(severity, rule string) {
	if m == nil {
		return
	}
	m.IncidentsCreated.WithLabelValues(severity, rule).Inc()
}

func (m *Metrics) SetOpenIncidents(n int) {
	if m == nil {
		return
	}
	m.IncidentsOpen.Set(float64(n))
}

func (m *Metrics) SetWindow(identities int, events int64) {
	if m == nil {
		return
	}
	m.WindowIdentities.Set(float64(identities))
	m.WindowEvents.Set(float64(events))
}

func (m *Metrics) Evicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.WindowEvicted.Add(float64(n))
}

func (m *Metrics) SinkDelivery(sink string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	m.SinkDeliveries.WithLabelValues(sink, outcome).Inc()
}

func (m *Metrics) SinkDrop() {
	if m == nil {
		return
	}
	m.SinkDropped.Inc()
}
