package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "seedvault_jobs_total",
			Help: "Number of jobs by status",
		},
		[]string{"status"},
	)

	JobTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seedvault_job_transitions_total",
			Help: "Total number of job status transitions by target status and source",
		},
		[]string{"to", "source"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seedvault_job_duration_seconds",
			Help:    "Wall-clock duration of completed jobs in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		},
		[]string{"kind"},
	)

	// Transfer metrics
	BytesDownloaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seedvault_bytes_downloaded_total",
			Help: "Total bytes downloaded from torrent swarms",
		},
	)

	BytesUploaded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seedvault_bytes_uploaded_total",
			Help: "Total bytes uploaded to cloud storage by provider",
		},
		[]string{"provider"},
	)

	UploadPartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seedvault_upload_parts_total",
			Help: "Total multipart pieces uploaded by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	UploadResumesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seedvault_upload_resumes_total",
			Help: "Total uploads resumed from a previous session",
		},
	)

	// Lease metrics
	LeaseAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seedvault_lease_acquisitions_total",
			Help: "Lease acquisition attempts by result",
		},
		[]string{"result"},
	)

	LeasesLostTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seedvault_leases_lost_total",
			Help: "Total leases lost while a worker was running",
		},
	)

	// Recovery metrics
	OrphansRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seedvault_orphans_recovered_total",
			Help: "Total stale jobs re-enqueued by the recovery monitor",
		},
	)

	RecoveryRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "seedvault_recovery_run_duration_seconds",
			Help:    "Duration of one recovery monitor sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Queue metrics
	QueueBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "seedvault_queue_backlog",
			Help: "Pending tasks per queue",
		},
		[]string{"queue"},
	)

	TasksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seedvault_queue_tasks_processed_total",
			Help: "Tasks processed by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)

	// Tracker metrics
	ScrapesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seedvault_tracker_scrapes_total",
			Help: "Tracker scrape attempts by outcome",
		},
		[]string{"outcome"},
	)

	ScrapeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "seedvault_tracker_scrape_duration_seconds",
			Help:    "Duration of a full scrape fan-out in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(JobsByStatus)
	prometheus.MustRegister(JobTransitionsTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(BytesDownloaded)
	prometheus.MustRegister(BytesUploaded)
	prometheus.MustRegister(UploadPartsTotal)
	prometheus.MustRegister(UploadResumesTotal)
	prometheus.MustRegister(LeaseAcquisitionsTotal)
	prometheus.MustRegister(LeasesLostTotal)
	prometheus.MustRegister(OrphansRecoveredTotal)
	prometheus.MustRegister(RecoveryRunDuration)
	prometheus.MustRegister(QueueBacklog)
	prometheus.MustRegister(TasksProcessedTotal)
	prometheus.MustRegister(ScrapesTotal)
	prometheus.MustRegister(ScrapeDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
