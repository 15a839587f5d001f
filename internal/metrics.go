package internal

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/marginalia-hq/marginalia"
)

// Metrics instruments the synchronization core. A nil *Metrics is valid and
// records nothing, so wiring metrics stays optional.
type Metrics struct {
	mutations     *prometheus.CounterVec
	batchItems    *prometheus.CounterVec
	cacheReads    *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	undo          *prometheus.CounterVec
	queueWaits    prometheus.Counter
}

// NewMetrics builds the core's collectors and registers them with reg when
// it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marginalia",
			Subsystem: "sync",
			Name:      "mutations_total",
			Help:      "Settled mutations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marginalia",
			Subsystem: "sync",
			Name:      "batch_items_total",
			Help:      "Batch items by action and outcome.",
		}, []string{"action", "outcome"}),
		cacheReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marginalia",
			Subsystem: "cache",
			Name:      "reads_total",
			Help:      "Query cache reads by view and result.",
		}, []string{"view", "result"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marginalia",
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Query cache entries dropped by family.",
		}, []string{"family"}),
		undo: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marginalia",
			Subsystem: "sync",
			Name:      "undo_total",
			Help:      "Undo invocations by outcome.",
		}, []string{"outcome"}),
		queueWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marginalia",
			Subsystem: "sync",
			Name:      "queue_waits_total",
			Help:      "Mutations that had to queue behind an in-flight one.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.mutations, m.batchItems, m.cacheReads, m.invalidations, m.undo, m.queueWaits)
	}
	return m
}

func (m *Metrics) observeMutation(kind marginalia.MutationKind, status marginalia.MutationStatus) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(string(kind), string(status)).Inc()
}

func (m *Metrics) observeBatchItem(action marginalia.BatchAction, succeeded bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if succeeded {
		outcome = "succeeded"
	}
	m.batchItems.WithLabelValues(string(action), outcome).Inc()
}

func (m *Metrics) observeCacheRead(view marginalia.QueryView, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheReads.WithLabelValues(string(view), result).Inc()
}

func (m *Metrics) observeInvalidation(f marginalia.Family, dropped int) {
	if m == nil || dropped == 0 {
		return
	}
	m.invalidations.WithLabelValues(string(f)).Add(float64(dropped))
}

func (m *Metrics) observeUndo(outcome string) {
	if m == nil {
		return
	}
	m.undo.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeQueueWait() {
	if m == nil {
		return
	}
	m.queueWaits.Inc()
}
