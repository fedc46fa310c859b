// Package metrics exposes Prometheus collectors for the tracker service.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	trackerBatchesAssignedTotal  *prometheus.CounterVec
	trackerBatchesCompletedTotal *prometheus.CounterVec
	trackerLeaseExpiriesTotal    prometheus.Counter
	trackerResultsRejectedTotal  prometheus.Counter
	trackerAssignedBatches       prometheus.Gauge
	trackerStaleBatches          prometheus.Gauge
	trackerConnectedClients      prometheus.Gauge
	trackerResultsQueueDepth     prometheus.Gauge
	trackerRowsIngestedTotal     *prometheus.CounterVec
	trackerIngestFailuresTotal   prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		trackerBatchesAssignedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_batches_assigned_total",
				Help: "Total number of batch leases handed out, labeled by realm.",
			},
			[]string{"realm"},
		)

		trackerBatchesCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_batches_completed_total",
				Help: "Total number of batches completed, labeled by realm.",
			},
			[]string{"realm"},
		)

		trackerLeaseExpiriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tracker_lease_expiries_total",
				Help: "Total number of leases reclaimed as stale.",
			},
		)

		trackerResultsRejectedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tracker_results_rejected_total",
				Help: "Total number of result messages dropped as duplicates or misdirected.",
			},
		)

		trackerAssignedBatches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tracker_assigned_batches",
				Help: "Number of batches currently assigned to clients.",
			},
		)

		trackerStaleBatches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tracker_stale_batches",
				Help: "Number of batches waiting in the stale queue.",
			},
		)

		trackerConnectedClients = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tracker_connected_clients",
				Help: "Number of live worker sessions.",
			},
		)

		trackerResultsQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tracker_results_queue_depth",
				Help: "Number of result payloads waiting for ingestion.",
			},
		)

		trackerRowsIngestedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_rows_ingested_total",
				Help: "Total number of player rows upserted, labeled by realm.",
			},
			[]string{"realm"},
		)

		trackerIngestFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tracker_ingest_failures_total",
				Help: "Total number of payloads diverted to the error dump.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAssigned increments the assigned counter for the realm.
func ObserveAssigned(realm string) {
	trackerBatchesAssignedTotal.WithLabelValues(realm).Inc()
}

// ObserveCompleted increments the completed counter for the realm.
func ObserveCompleted(realm string) {
	trackerBatchesCompletedTotal.WithLabelValues(realm).Inc()
}

// ObserveLeaseExpired increments the lease expiry counter.
func ObserveLeaseExpired() {
	trackerLeaseExpiriesTotal.Inc()
}

// ObserveResultRejected increments the dropped-result counter.
func ObserveResultRejected() {
	trackerResultsRejectedTotal.Inc()
}

// SetAssignedCount updates the assigned-batches gauge.
func SetAssignedCount(n int) {
	trackerAssignedBatches.Set(float64(n))
}

// SetStaleDepth updates the stale-queue gauge.
func SetStaleDepth(n int) {
	trackerStaleBatches.Set(float64(n))
}

// SetConnectedClients updates the live-sessions gauge.
func SetConnectedClients(n int) {
	trackerConnectedClients.Set(float64(n))
}

// SetResultsQueueDepth updates the results-queue gauge.
func SetResultsQueueDepth(n int) {
	trackerResultsQueueDepth.Set(float64(n))
}

// ObserveRowsIngested adds upserted rows for the realm.
func ObserveRowsIngested(realm string, n int) {
	if n > 0 {
		trackerRowsIngestedTotal.WithLabelValues(realm).Add(float64(n))
	}
}

// ObserveIngestFailure increments the error-dump counter.
func ObserveIngestFailure() {
	trackerIngestFailuresTotal.Inc()
}
