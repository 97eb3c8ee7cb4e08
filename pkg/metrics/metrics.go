package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bandwidth metrics (pkg/bandwidth)
	BandwidthUsedBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hydrus_bandwidth_used_bytes",
			Help: "Bytes consumed in the current bandwidth window, by service and rule type",
		},
		[]string{"service", "rule_type"},
	)

	BandwidthRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydrus_bandwidth_requests_total",
			Help: "Total number of requests evaluated against bandwidth rules, by service and outcome",
		},
		[]string{"service", "outcome"},
	)

	BandwidthRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydrus_bandwidth_rejected_total",
			Help: "Total number of requests rejected for exceeding a bandwidth rule",
		},
		[]string{"service", "rule_type"},
	)

	// Account metrics (pkg/account, pkg/session)
	AccountsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hydrus_accounts_total",
			Help: "Total number of accounts by service and ban state",
		},
		[]string{"service", "state"},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hydrus_sessions_active",
			Help: "Number of session keys currently cached",
		},
	)

	// Petition metrics (pkg/petition)
	PetitionsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydrus_petitions_resolved_total",
			Help: "Total number of petitions resolved, by service and outcome",
		},
		[]string{"service", "outcome"},
	)

	PetitionSummaryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hydrus_petition_summary_duration_seconds",
			Help:    "Time taken to compute a petitions summary",
			Buckets: prometheus.DefBuckets,
		},
	)

	PetitionFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hydrus_petition_fetch_duration_seconds",
			Help:    "Time taken to assemble one petition for review",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Bundler metrics (pkg/bundler)
	BundleCreateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hydrus_bundle_create_duration_seconds",
			Help:    "Time taken to build and write an update bundle, by content kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	BundlesCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydrus_bundles_created_total",
			Help: "Total number of update bundles written, by service and kind",
		},
		[]string{"service", "kind"},
	)

	BundleRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydrus_bundle_rows_total",
			Help: "Total number of rows packed into update bundles, by service and kind",
		},
		[]string{"service", "kind"},
	)

	// Nullification metrics (pkg/nullify)
	NullificationCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hydrus_nullification_cycle_duration_seconds",
			Help:    "Time taken for one nullification worker pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	NullificationRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydrus_nullification_rows_total",
			Help: "Total number of rows nullified, by service",
		},
		[]string{"service"},
	)

	// Serializer / DB metrics (pkg/db)
	SerializerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hydrus_serializer_queue_depth",
			Help: "Number of jobs waiting on the single-writer DB serializer",
		},
	)

	SerializerJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hydrus_serializer_job_duration_seconds",
			Help:    "Time taken to execute a serializer job, by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	SerializerJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydrus_serializer_jobs_total",
			Help: "Total number of serializer jobs executed, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// Scheduler metrics (pkg/scheduler)
	SchedulerJobsPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hydrus_scheduler_jobs_pending",
			Help: "Number of jobs waiting in a scheduler's heap, by scheduler tier",
		},
		[]string{"tier"},
	)

	SchedulerWorkersBusy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hydrus_scheduler_workers_busy",
			Help: "Number of worker-pool threads currently executing a job, by quota",
		},
		[]string{"quota"},
	)

	SchedulerJobLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hydrus_scheduler_job_latency_seconds",
			Help:    "Time between a job's due time and its dispatch, by scheduler tier",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tier"},
	)

	// Blob store metrics (pkg/blobstore)
	BlobstorePendingDeletes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hydrus_blobstore_pending_deletes",
			Help: "Number of blobs enqueued for deferred deletion",
		},
	)

	BlobstoreBytesStored = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hydrus_blobstore_bytes_stored",
			Help: "Approximate total bytes held in the blob store",
		},
	)
)

func init() {
	prometheus.MustRegister(BandwidthUsedBytes)
	prometheus.MustRegister(BandwidthRequestsTotal)
	prometheus.MustRegister(BandwidthRejectedTotal)

	prometheus.MustRegister(AccountsTotal)
	prometheus.MustRegister(SessionsActive)

	prometheus.MustRegister(PetitionsResolvedTotal)
	prometheus.MustRegister(PetitionSummaryDuration)
	prometheus.MustRegister(PetitionFetchDuration)

	prometheus.MustRegister(BundleCreateDuration)
	prometheus.MustRegister(BundlesCreatedTotal)
	prometheus.MustRegister(BundleRowsTotal)

	prometheus.MustRegister(NullificationCycleDuration)
	prometheus.MustRegister(NullificationRowsTotal)

	prometheus.MustRegister(SerializerQueueDepth)
	prometheus.MustRegister(SerializerJobDuration)
	prometheus.MustRegister(SerializerJobsTotal)

	prometheus.MustRegister(SchedulerJobsPending)
	prometheus.MustRegister(SchedulerWorkersBusy)
	prometheus.MustRegister(SchedulerJobLatency)

	prometheus.MustRegister(BlobstorePendingDeletes)
	prometheus.MustRegister(BlobstoreBytesStored)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
