package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	IngestedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ingested_messages_total",
			Help: "Total number of source messages seen by ingestion, by path and dedup verdict (count)",
		},
		[]string{"path", "verdict"},
	)

	IngestionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ingestion_errors_total",
			Help: "Total number of per-message ingestion failures (count)",
		},
		[]string{"path", "stage"},
	)

	ExtractionResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_extraction_results_total",
			Help: "Extraction outcomes: deliverable, partial or empty (count)",
		},
		[]string{"result"},
	)

	ScanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_channel_scan_duration_ms",
			Help:    "Duration of one channel poll scan in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"channel"},
	)

	DeliveryQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_delivery_queue_size",
			Help: "Current number of jobs waiting in the delivery queue (count)",
		},
	)

	DeliveryJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_delivery_jobs_total",
			Help: "Delivery job outcomes: enqueued, sent, rate_limited, failed, dropped, discarded (count)",
		},
		[]string{"status"},
	)

	DeliverySendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_delivery_send_duration_ms",
			Help:    "Duration of a single send to a destination in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000},
		},
	)

	RateLimitWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_rate_limit_wait_seconds",
			Help:    "Mandated waits imposed by the sink's rate limiting in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	LiveEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_live_events_total",
			Help: "Live push events by admission result (count)",
		},
		[]string{"result"},
	)

	ControllerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_live_controller_state",
			Help: "Live controller state (0=stopped, 1=connecting, 2=listening, 3=reconnecting) (state code)",
		},
	)

	ReconnectAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_live_reconnect_attempts_total",
			Help: "Total number of live reconnect attempts (count)",
		},
	)

	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_live_heartbeats_total",
			Help: "Heartbeat ticks by outcome (count)",
		},
		[]string{"status"},
	)

	SkippedTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_skipped_ticks_total",
			Help: "Ticks skipped because the previous run of the task was still in flight (count)",
		},
		[]string{"task"},
	)

	StoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_store_operations_total",
			Help: "Total number of persistent store operations (count)",
		},
		[]string{"backend", "operation", "status"},
	)

	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_store_operation_duration_ms",
			Help:    "Duration of persistent store operations in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"backend", "operation"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "target"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to DLQ (count)",
		},
		[]string{"topic", "reason"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"topic"},
	)

	KafkaMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_read_total",
			Help: "Total number of messages read from Kafka (count)",
		},
		[]string{"topic"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of API requests checked against rate limit (count)",
		},
		[]string{"status"},
	)
)

func RegisterRelayMetrics() {
	prometheus.MustRegister(IngestedMessagesTotal)
	prometheus.MustRegister(IngestionErrorsTotal)
	prometheus.MustRegister(ExtractionResultsTotal)
	prometheus.MustRegister(ScanDuration)
	prometheus.MustRegister(DeliveryQueueSize)
	prometheus.MustRegister(DeliveryJobsTotal)
	prometheus.MustRegister(DeliverySendDuration)
	prometheus.MustRegister(RateLimitWaitSeconds)
	prometheus.MustRegister(LiveEventsTotal)
	prometheus.MustRegister(ControllerState)
	prometheus.MustRegister(ReconnectAttemptsTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(SkippedTicksTotal)
	prometheus.MustRegister(StoreOperationsTotal)
	prometheus.MustRegister(StoreOperationDuration)
}

func RegisterBrokerMetrics() {
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(DLQMessagesTotal)
	prometheus.MustRegister(KafkaMessagesWrittenTotal)
	prometheus.MustRegister(KafkaMessagesReadTotal)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRequests)
	prometheus.MustRegister(CircuitBreakerFailures)
}

func RegisterAPIMetrics() {
	prometheus.MustRegister(RateLimitRequestsTotal)
}

func ObserveScanDuration(channel string, duration time.Duration) {
	ScanDuration.WithLabelValues(channel).Observe(float64(duration.Milliseconds()))
}

func ObserveSendDuration(duration time.Duration) {
	DeliverySendDuration.Observe(float64(duration.Milliseconds()))
}

func ObserveRateLimitWait(wait time.Duration) {
	RateLimitWaitSeconds.Observe(wait.Seconds())
}

func ObserveStoreOperation(backend, operation, status string, duration time.Duration) {
	StoreOperationsTotal.WithLabelValues(backend, operation, status).Inc()
	StoreOperationDuration.WithLabelValues(backend, operation).Observe(float64(duration.Milliseconds()))
}

func SetDeliveryQueueSize(size int) {
	DeliveryQueueSize.Set(float64(size))
}

func IncDeliveryJobs(status string) {
	DeliveryJobsTotal.WithLabelValues(status).Inc()
}

func IncIngested(path, verdict string) {
	IngestedMessagesTotal.WithLabelValues(path, verdict).Inc()
}

func IncIngestionError(path, stage string) {
	IngestionErrorsTotal.WithLabelValues(path, stage).Inc()
}

func IncLiveEvent(result string) {
	LiveEventsTotal.WithLabelValues(result).Inc()
}
