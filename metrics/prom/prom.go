// Package prom exports sync manager metrics to Prometheus.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/c0deZ3R0/facility-sync/synckit"
)

const namespace = "facility_sync"

var _ synckit.MetricsCollector = (*Collector)(nil)

// Collector implements synckit.MetricsCollector on top of a Prometheus
// registerer.
type Collector struct {
	SendDuration       *prometheus.HistogramVec
	EventsReceived     *prometheus.CounterVec
	ConflictsDetected  *prometheus.CounterVec
	ConflictsResolved  *prometheus.CounterVec
	ForcedFields       *prometheus.CounterVec
	SyncErrors         *prometheus.CounterVec
	ReconcileDuration  prometheus.Histogram
	ReconciledEntities prometheus.Counter
	Connected          prometheus.Gauge
}

// New registers the collector's metrics with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		// Buckets: 5ms up to 10s
		SendDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "send_duration_seconds",
				Help:      "Duration of outbound sends in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"entity_type", "status"},
		),
		EventsReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_received_total",
				Help:      "Inbound events by detection outcome",
			},
			[]string{"entity_type", "outcome"},
		),
		ConflictsDetected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_detected_total",
				Help:      "Conflicts detected by kind",
			},
			[]string{"entity_type", "kind"},
		),
		ConflictsResolved: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_resolved_total",
				Help:      "Conflicts resolved by strategy",
			},
			[]string{"entity_type", "strategy"},
		),
		ForcedFields: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merge_forced_fields_total",
				Help:      "Fields force-resolved to the remote value during automatic merges",
			},
			[]string{"entity_type"},
		),
		SyncErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Sync errors by operation and code",
			},
			[]string{"operation", "code"},
		),
		ReconcileDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Duration of reconciliation sweeps in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ReconciledEntities: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciled_entities_total",
				Help:      "Entities checked by reconciliation sweeps",
			},
		),
		Connected: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "push_connected",
				Help:      "1 when the push channel is connected",
			},
		),
	}
}

func (c *Collector) RecordSendDuration(entityType string, d time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	c.SendDuration.WithLabelValues(entityType, status).Observe(d.Seconds())
}

func (c *Collector) RecordEventReceived(entityType, outcome string) {
	c.EventsReceived.WithLabelValues(entityType, outcome).Inc()
}

func (c *Collector) RecordConflictDetected(entityType string, kind synckit.ConflictKind) {
	c.ConflictsDetected.WithLabelValues(entityType, string(kind)).Inc()
}

func (c *Collector) RecordConflictResolved(entityType string, strategy synckit.Strategy, forced int) {
	c.ConflictsResolved.WithLabelValues(entityType, string(strategy)).Inc()
	if forced > 0 {
		c.ForcedFields.WithLabelValues(entityType).Add(float64(forced))
	}
}

func (c *Collector) RecordSyncError(operation, code string) {
	c.SyncErrors.WithLabelValues(operation, code).Inc()
}

func (c *Collector) RecordReconcile(d time.Duration, entities int) {
	c.ReconcileDuration.Observe(d.Seconds())
	c.ReconciledEntities.Add(float64(entities))
}

func (c *Collector) SetConnected(connected bool) {
	if connected {
		c.Connected.Set(1)
		return
	}
	c.Connected.Set(0)
}
