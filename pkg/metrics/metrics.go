package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics for the ops daemon
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Execution metrics
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	AttemptsTotal     *prometheus.CounterVec
	AttemptDuration   *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitTransitions *prometheus.CounterVec
	CircuitRejections  *prometheus.CounterVec

	// Strategy metrics
	BlacklistInsertions *prometheus.CounterVec
	AlternativesRaced   *prometheus.CounterVec
	CreativeCalls       *prometheus.CounterVec
	DegradedResponses   *prometheus.CounterVec

	// Store metrics
	StoreQueryDuration *prometheus.HistogramVec
	PurgedRecords      *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "rebound",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being served",
			},
			[]string{"method", "path"},
		),
		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "executions_total",
				Help:      "Total number of protected executions",
			},
			[]string{"operation_key", "outcome"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "execution_duration_seconds",
				Help:      "End-to-end execution duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"operation_key", "outcome"},
		),
		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "attempts_total",
				Help:      "Total number of individual strategy attempts",
			},
			[]string{"operation_key", "outcome", "error_kind"},
		),
		AttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "attempt_duration_seconds",
				Help:      "Single attempt duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"operation_key", "outcome"},
		),
		CircuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"operation_key", "from", "to"},
		),
		CircuitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_rejections_total",
				Help:      "Total number of executions rejected by an open circuit",
			},
			[]string{"operation_key"},
		),
		BlacklistInsertions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "blacklist_insertions_total",
				Help:      "Total number of strategies blacklisted",
			},
			[]string{"operation_key"},
		),
		AlternativesRaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "alternatives_raced_total",
				Help:      "Total number of parallel strategy races",
			},
			[]string{"operation_key", "outcome"},
		),
		CreativeCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "creative_calls_total",
				Help:      "Total number of creative solver invocations",
			},
			[]string{"operation_key", "outcome"},
		),
		DegradedResponses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "degraded_responses_total",
				Help:      "Total number of stale cached values served while a circuit was open",
			},
			[]string{"operation_key"},
		),
		StoreQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "store_query_duration_seconds",
				Help:      "Failure store query duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),
		PurgedRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "purged_records_total",
				Help:      "Total number of records removed by retention purges",
			},
			[]string{"table"},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.AttemptsTotal,
		m.AttemptDuration,
		m.CircuitTransitions,
		m.CircuitRejections,
		m.BlacklistInsertions,
		m.AlternativesRaced,
		m.CreativeCalls,
		m.DegradedResponses,
		m.StoreQueryDuration,
		m.PurgedRecords,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordExecution records one protected execution
func (m *Metrics) RecordExecution(operationKey, outcome string, duration time.Duration) {
	if m.ExecutionsTotal == nil {
		return
	}

	m.ExecutionsTotal.WithLabelValues(operationKey, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(operationKey, outcome).Observe(duration.Seconds())
}

// RecordAttempt records one strategy attempt
func (m *Metrics) RecordAttempt(operationKey, outcome, errorKind string, duration time.Duration) {
	if m.AttemptsTotal == nil {
		return
	}

	m.AttemptsTotal.WithLabelValues(operationKey, outcome, errorKind).Inc()
	m.AttemptDuration.WithLabelValues(operationKey, outcome).Observe(duration.Seconds())
}

// RecordCircuitTransition records a circuit breaker state change
func (m *Metrics) RecordCircuitTransition(operationKey, from, to string) {
	if m.CircuitTransitions == nil {
		return
	}

	m.CircuitTransitions.WithLabelValues(operationKey, from, to).Inc()
}

// RecordCircuitRejection records an execution short-circuited by an open breaker
func (m *Metrics) RecordCircuitRejection(operationKey string) {
	if m.CircuitRejections == nil {
		return
	}

	m.CircuitRejections.WithLabelValues(operationKey).Inc()
}

// RecordBlacklistInsertion records a strategy being blacklisted
func (m *Metrics) RecordBlacklistInsertion(operationKey string) {
	if m.BlacklistInsertions == nil {
		return
	}

	m.BlacklistInsertions.WithLabelValues(operationKey).Inc()
}

// RecordRace records a parallel alternatives race
func (m *Metrics) RecordRace(operationKey, outcome string) {
	if m.AlternativesRaced == nil {
		return
	}

	m.AlternativesRaced.WithLabelValues(operationKey, outcome).Inc()
}

// RecordCreativeCall records a creative solver invocation
func (m *Metrics) RecordCreativeCall(operationKey, outcome string) {
	if m.CreativeCalls == nil {
		return
	}

	m.CreativeCalls.WithLabelValues(operationKey, outcome).Inc()
}

// RecordDegradedResponse records a stale cached value served as a fallback
func (m *Metrics) RecordDegradedResponse(operationKey string) {
	if m.DegradedResponses == nil {
		return
	}

	m.DegradedResponses.WithLabelValues(operationKey).Inc()
}

// RecordStoreQuery records failure store query metrics
func (m *Metrics) RecordStoreQuery(operation, table string, duration time.Duration) {
	if m.StoreQueryDuration == nil {
		return
	}

	m.StoreQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordPurge records records removed by a retention purge
func (m *Metrics) RecordPurge(table string, count int64) {
	if m.PurgedRecords == nil {
		return
	}

	m.PurgedRecords.WithLabelValues(table).Add(float64(count))
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
