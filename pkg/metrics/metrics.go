package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Proxy metrics
	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagerelay_proxy_requests_total",
			Help: "Total number of image reads by storage group, serve mode, and status",
		},
		[]string{"group", "mode", "status"},
	)

	ProxyRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagerelay_proxy_request_duration_seconds",
			Help:    "Image read duration in seconds by serve mode",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	ProxyBytesServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagerelay_proxy_bytes_served_total",
			Help: "Total bytes streamed to readers by storage group",
		},
		[]string{"group"},
	)

	// Daemon metrics
	DaemonsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagerelay_daemons_running",
			Help: "Number of serve daemons currently accepting reads",
		},
	)

	DaemonRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagerelay_daemon_restarts_total",
			Help: "Total number of serve daemon restarts by remote",
		},
		[]string{"remote"},
	)

	// Remote health metrics
	RemotesAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagerelay_remotes_available",
			Help: "Number of selectable remotes by storage group",
		},
		[]string{"group"},
	)

	QuotaEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagerelay_quota_events_total",
			Help: "Total number of quota exhaustion events by remote",
		},
		[]string{"remote"},
	)

	GroupUploadedBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagerelay_group_uploaded_bytes",
			Help: "Cumulative bytes written to each storage group",
		},
		[]string{"group"},
	)

	// Ingest metrics
	IngestJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagerelay_ingest_jobs_total",
			Help: "Total number of ingest jobs by outcome",
		},
		[]string{"outcome"},
	)

	IngestChaptersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pagerelay_ingest_chapters_total",
			Help: "Total number of chapters uploaded",
		},
	)

	IngestFilesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pagerelay_ingest_files_total",
			Help: "Total number of files uploaded by ingest",
		},
	)

	IngestBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pagerelay_ingest_bytes_total",
			Help: "Total bytes uploaded by ingest",
		},
	)

	MirrorFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagerelay_mirror_failures_total",
			Help: "Total number of failed backup mirror copies by remote",
		},
		[]string{"remote"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ProxyRequestsTotal)
	prometheus.MustRegister(ProxyRequestDuration)
	prometheus.MustRegister(ProxyBytesServed)
	prometheus.MustRegister(DaemonsRunning)
	prometheus.MustRegister(DaemonRestartsTotal)
	prometheus.MustRegister(RemotesAvailable)
	prometheus.MustRegister(QuotaEventsTotal)
	prometheus.MustRegister(GroupUploadedBytes)
	prometheus.MustRegister(IngestJobsTotal)
	prometheus.MustRegister(IngestChaptersTotal)
	prometheus.MustRegister(IngestFilesTotal)
	prometheus.MustRegister(IngestBytesTotal)
	prometheus.MustRegister(MirrorFailuresTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
