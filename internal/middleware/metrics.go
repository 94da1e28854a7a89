package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Update metrics
	updatesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multi_ai_bot_updates_received_total",
		Help: "Total number of updates received",
	}, []string{"kind"})

	duplicateUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "multi_ai_bot_duplicate_updates_total",
		Help: "Total number of updates skipped as duplicate deliveries",
	})

	messagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multi_ai_bot_messages_processed_total",
		Help: "Total number of messages processed",
	}, []string{"status"})

	// Command metrics
	commandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multi_ai_bot_commands_executed_total",
		Help: "Total number of commands executed",
	}, []string{"command"})

	// Backend metrics
	backendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "multi_ai_bot_backend_request_duration_seconds",
		Help:    "Duration of model backend requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "model", "status"})

	backendRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multi_ai_bot_backend_requests_total",
		Help: "Total number of model backend requests",
	}, []string{"backend", "model", "status"})

	imageRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multi_ai_bot_image_requests_total",
		Help: "Total number of image generation requests",
	}, []string{"backend", "status"})

	// Rate limit metrics
	rateLimitExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "multi_ai_bot_rate_limit_exceeded_total",
		Help: "Total number of rate limit exceeded events",
	})

	// Storage metrics
	storageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multi_ai_bot_storage_operations_total",
		Help: "Total number of storage operations",
	}, []string{"operation", "status"})

	storageOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "multi_ai_bot_storage_operation_duration_seconds",
		Help:    "Duration of storage operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

// Metrics provides methods to record metrics
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordUpdateReceived records an inbound update by kind (message, callback)
func (m *Metrics) RecordUpdateReceived(kind string) {
	updatesReceived.WithLabelValues(kind).Inc()
}

// RecordDuplicateUpdate records a redelivered update that was skipped
func (m *Metrics) RecordDuplicateUpdate() {
	duplicateUpdates.Inc()
}

// RecordMessageProcessed records a processed message
func (m *Metrics) RecordMessageProcessed(status string) {
	messagesProcessed.WithLabelValues(status).Inc()
}

// RecordCommandExecuted records an executed command
func (m *Metrics) RecordCommandExecuted(command string) {
	commandsExecuted.WithLabelValues(command).Inc()
}

// RecordBackendRequest records one completion call
func (m *Metrics) RecordBackendRequest(backend, model, status string, duration time.Duration) {
	backendRequestDuration.WithLabelValues(backend, model, status).Observe(duration.Seconds())
	backendRequestsTotal.WithLabelValues(backend, model, status).Inc()
}

// RecordImageRequest records one image generation call
func (m *Metrics) RecordImageRequest(backend, status string) {
	imageRequestsTotal.WithLabelValues(backend, status).Inc()
}

// RecordRateLimitExceeded records a rate limit exceeded event
func (m *Metrics) RecordRateLimitExceeded() {
	rateLimitExceeded.Inc()
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(operation, status string, duration time.Duration) {
	storageOperations.WithLabelValues(operation, status).Inc()
	storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RegisterRoutes mounts the metrics and health endpoints on router
func RegisterRoutes(router *mux.Router, path string) {
	router.Handle(path, promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
}

// NewMetricsServer builds the standalone metrics HTTP server
func NewMetricsServer(port int, path string) *http.Server {
	router := mux.NewRouter()
	RegisterRoutes(router, path)

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
