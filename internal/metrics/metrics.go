package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the service metrics on a private Prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	// Replication lanes, labelled by topic.
	EventsApplied      *prometheus.CounterVec
	EventsDiscarded    *prometheus.CounterVec
	EventRetries       *prometheus.CounterVec
	EventsDeadLettered *prometheus.CounterVec
	ReplicaRecords     *prometheus.GaugeVec

	// Validation, labelled by outcome reason.
	Validations       *prometheus.CounterVec
	ValidationLatency prometheus.Histogram
	StaleReplica      *prometheus.CounterVec
	ResyncRequested   *prometheus.CounterVec
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	applied := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ordersync_events_applied_total"}, []string{"topic", "type"})
	discarded := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ordersync_events_discarded_total"}, []string{"topic"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ordersync_event_retries_total"}, []string{"topic"})
	dead := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ordersync_events_dead_lettered_total"}, []string{"topic"})
	records := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "ordersync_replica_records"}, []string{"entity"})

	validations := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ordersync_validations_total"}, []string{"reason"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ordersync_validation_seconds",
		Buckets: prometheus.DefBuckets,
	})
	stale := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ordersync_stale_replica_total"}, []string{"entity"})
	resync := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ordersync_resync_requested_total"}, []string{"entity"})

	r.MustRegister(applied, discarded, retries, dead, records, validations, latency, stale, resync)
	return &Registry{
		reg:                r,
		EventsApplied:      applied,
		EventsDiscarded:    discarded,
		EventRetries:       retries,
		EventsDeadLettered: dead,
		ReplicaRecords:     records,
		Validations:        validations,
		ValidationLatency:  latency,
		StaleReplica:       stale,
		ResyncRequested:    resync,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }

// Gatherer exposes the registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
