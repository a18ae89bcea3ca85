// Package metrics exposes the engine's Prometheus instrumentation for the
// CLI harness, mirroring the gauge/counter/histogram layout of
// cuemby-warren's metrics package.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BucketsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "synccore_buckets_total",
			Help: "Total number of buckets currently tracked in ps_buckets",
		},
	)

	OplogRowsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "synccore_oplog_rows_total",
			Help: "Total number of rows currently stored in ps_oplog",
		},
	)

	ChecksumFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synccore_checksum_failures_total",
			Help: "Total number of bucket checksum validation failures",
		},
		[]string{"bucket"},
	)

	OpsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synccore_ops_applied_total",
			Help: "Total number of oplog operations applied, by op kind",
		},
		[]string{"op"},
	)

	SyncLocalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "synccore_sync_local_duration_seconds",
			Help:    "Time taken to materialize sync_local in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncLocalPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "synccore_sync_local_published_total",
			Help: "Total number of sync_local runs that published new rows",
		},
	)

	CrudUploadsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "synccore_crud_uploads_pending",
			Help: "Whether a local CRUD upload is currently pending (1) or not (0)",
		},
	)

	ControlCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synccore_control_commands_total",
			Help: "Total number of powersync_control invocations, by command and outcome",
		},
		[]string{"command", "outcome"},
	)

	SubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "synccore_subscriptions_active",
			Help: "Total number of active stream subscriptions",
		},
	)
)

func init() {
	prometheus.MustRegister(BucketsTotal)
	prometheus.MustRegister(OplogRowsTotal)
	prometheus.MustRegister(ChecksumFailuresTotal)
	prometheus.MustRegister(OpsAppliedTotal)
	prometheus.MustRegister(SyncLocalDuration)
	prometheus.MustRegister(SyncLocalPublishedTotal)
	prometheus.MustRegister(CrudUploadsPending)
	prometheus.MustRegister(ControlCommandsTotal)
	prometheus.MustRegister(SubscriptionsActive)
}

// Handler returns the Prometheus scrape handler for the harness's metrics
// HTTP endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing operations.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
