package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce        sync.Once
	apiRequestsTotal    *prometheus.CounterVec
	apiLatencySeconds   *prometheus.HistogramVec
	apiErrorsTotal      *prometheus.CounterVec
	chatConnections     prometheus.Gauge
	chatMessagesSent    *prometheus.CounterVec
	chatEventsProcessed *prometheus.CounterVec
	chatEventsRejected  *prometheus.CounterVec
	uploadRequests      *prometheus.CounterVec
	uploadRejected      *prometheus.CounterVec
	uploadLatency       prometheus.Histogram
)

// RegisterMetrics initialises the Prometheus collectors used across the API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_errors_total",
			Help: "Total number of error responses returned by API endpoints.",
		}, []string{"method", "route", "status"})

		chatConnections = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Number of open chat websocket connections on this node.",
		})

		chatMessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Chat messages persisted and broadcast, by message type.",
		}, []string{"type"})

		chatEventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_events_processed_total",
			Help: "Client chat events processed successfully.",
		}, []string{"event"})

		chatEventsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_events_rejected_total",
			Help: "Client chat events dropped, by event and reason.",
		}, []string{"event", "reason"})

		uploadRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_requests_total",
			Help: "Stored chat attachments, by attachment kind.",
		}, []string{"kind"})

		uploadRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_rejected_total",
			Help: "Rejected chat attachments, by reason.",
		}, []string{"reason"})

		uploadLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "upload_latency_seconds",
			Help:    "Latency distribution for attachment uploads.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			chatConnections, chatMessagesSent, chatEventsProcessed, chatEventsRejected,
			uploadRequests, uploadRejected, uploadLatency,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// ChatConnections exposes the open websocket connection gauge.
func ChatConnections() prometheus.Gauge {
	RegisterMetrics()
	return chatConnections
}

// ChatMessagesSent exposes the message counter.
func ChatMessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesSent
}

// ChatEventsProcessed exposes the processed event counter.
func ChatEventsProcessed() *prometheus.CounterVec {
	RegisterMetrics()
	return chatEventsProcessed
}

// ChatEventsRejected exposes the rejected event counter.
func ChatEventsRejected() *prometheus.CounterVec {
	RegisterMetrics()
	return chatEventsRejected
}

// UploadRequests exposes the stored upload counter.
func UploadRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRequests
}

// UploadRejected exposes the rejected upload counter.
func UploadRejected() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRejected
}

// UploadLatency exposes the upload latency histogram.
func UploadLatency() prometheus.Histogram {
	RegisterMetrics()
	return uploadLatency
}
