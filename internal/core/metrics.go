package core

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/TeroTong/Revisit/pkg/domain"
)

// Metrics is the engine's Prometheus instrumentation surface. A nil
// *Metrics is valid and records nothing, so callers never guard call sites.
type Metrics struct {
	batches     *prometheus.CounterVec
	records     *prometheus.CounterVec
	propagation *prometheus.CounterVec
	watermarks  *prometheus.GaugeVec
	applySecs   prometheus.Histogram
}

// NewMetrics builds and registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revisit",
			Name:      "batches_total",
			Help:      "Batch files by mode and terminal state.",
		}, []string{"mode", "state"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revisit",
			Name:      "records_total",
			Help:      "Record verdicts by entity type.",
		}, []string{"entity", "verdict"}),
		propagation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revisit",
			Name:      "propagation_items_total",
			Help:      "Derived items propagated to downstream stores by result.",
		}, []string{"store", "result"}),
		watermarks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "revisit",
			Name:      "store_watermark",
			Help:      "Latest change sequence reflected in each downstream store.",
		}, []string{"store"}),
		applySecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "revisit",
			Name:      "group_apply_seconds",
			Help:      "Wall time to apply one entity-type group transaction.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.batches, m.records, m.propagation, m.watermarks, m.applySecs)
	return m
}

// BatchFinished counts one batch reaching a terminal (or retry) state.
func (m *Metrics) BatchFinished(mode domain.BatchMode, state domain.BatchState) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(string(mode), string(state)).Inc()
}

// RecordVerdicts counts accepted, rejected and applied records for one
// entity type.
func (m *Metrics) RecordVerdicts(entity domain.EntityType, verdict string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.records.WithLabelValues(string(entity), verdict).Add(float64(n))
}

// PropagationApplied counts derived items accepted by a store.
func (m *Metrics) PropagationApplied(store domain.StoreName, n int) {
	if m == nil {
		return
	}
	m.propagation.WithLabelValues(string(store), "applied").Add(float64(n))
}

// PropagationFailed counts a store exhausting its retry budget.
func (m *Metrics) PropagationFailed(store domain.StoreName) {
	if m == nil {
		return
	}
	m.propagation.WithLabelValues(string(store), "failed").Inc()
}

// PropagationSkipped counts a dispatch refused by an open circuit breaker.
func (m *Metrics) PropagationSkipped(store domain.StoreName) {
	if m == nil {
		return
	}
	m.propagation.WithLabelValues(string(store), "skipped").Inc()
}

// WatermarkSet records the latest sequence reflected in a store.
func (m *Metrics) WatermarkSet(store domain.StoreName, seq uint64) {
	if m == nil {
		return
	}
	m.watermarks.WithLabelValues(string(store)).Set(float64(seq))
}

// ObserveApply records one group transaction's wall time in seconds.
func (m *Metrics) ObserveApply(seconds float64) {
	if m == nil {
		return
	}
	m.applySecs.Observe(seconds)
}
