package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingestor connection states, used as gauge labels.
var ingestStates = []string{"disconnected", "subscribing", "listening"}

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Node RPC Metrics
	nodeRPCCallsTotal    *prometheus.CounterVec
	nodeRPCCallDuration  *prometheus.HistogramVec
	nodeRPCRateLimitHits prometheus.Counter

	// Ingest Metrics
	ingestState            *prometheus.GaugeVec
	ingestReconnectsTotal  prometheus.Counter
	blocksProcessedTotal   *prometheus.CounterVec
	blockTransactions      prometheus.Histogram
	transactionsClassified *prometheus.CounterVec
	transactionsSkipped    *prometheus.CounterVec
	whalesRecordedTotal    *prometheus.CounterVec

	// Alert Metrics
	alertsGeneratedTotal  prometheus.Counter
	alertsDispatchedTotal *prometheus.CounterVec
	alertsSweptTotal      prometheus.Counter
	notifyRequestsTotal   *prometheus.CounterVec
	cycleDuration         *prometheus.HistogramVec
	cyclesTotal           *prometheus.CounterVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		nodeRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "node_rpc_calls_total",
				Help: "Total number of Ethereum node RPC calls by method and status",
			},
			[]string{"method", "status"},
		),
		nodeRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "node_rpc_call_duration_seconds",
				Help:    "Duration of Ethereum node RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method"},
		),
		nodeRPCRateLimitHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "node_rpc_rate_limit_hits_total",
				Help: "Total number of node responses with HTTP 429",
			},
		),

		ingestState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_state",
				Help: "Current block stream state (1 for the active state)",
			},
			[]string{"state"},
		),
		ingestReconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_reconnects_total",
				Help: "Total number of block stream reconnect attempts",
			},
		),
		blocksProcessedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blocks_processed_total",
				Help: "Total number of blocks processed by status",
			},
			[]string{"status"},
		),
		blockTransactions: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "block_transactions",
				Help:    "Number of transactions per processed block",
				Buckets: []float64{10, 50, 100, 200, 300, 500, 1000},
			},
		),
		transactionsClassified: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_classified_total",
				Help: "Total number of transactions classified by decision",
			},
			[]string{"decision"},
		),
		transactionsSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_skipped_total",
				Help: "Total number of transactions skipped by reason",
			},
			[]string{"reason"},
		),
		whalesRecordedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whales_recorded_total",
				Help: "Total number of whale record attempts by priority and result",
			},
			[]string{"priority", "result"},
		),

		alertsGeneratedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "alerts_generated_total",
				Help: "Total number of alerts created",
			},
		),
		alertsDispatchedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alerts_dispatched_total",
				Help: "Total number of alert delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		alertsSweptTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "alerts_swept_total",
				Help: "Total number of alerts deleted by retention",
			},
		),
		notifyRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notify_requests_total",
				Help: "Total number of notification channel requests",
			},
			[]string{"channel", "status"},
		),
		cycleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cycle_duration_seconds",
				Help:    "Duration of periodic alert cycles in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"cycle"},
		),
		cyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cycles_total",
				Help: "Total number of periodic cycles by status",
			},
			[]string{"cycle", "status"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Node RPC metric helpers

// RecordRPCCall records a node RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status string, duration float64) {
	if m == nil {
		return
	}
	m.nodeRPCCallsTotal.WithLabelValues(method, status).Inc()
	m.nodeRPCCallDuration.WithLabelValues(method).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit() {
	if m == nil {
		return
	}
	m.nodeRPCRateLimitHits.Inc()
}

// Ingest metric helpers

// SetIngestState marks state as the active ingestor state.
func (m *Metrics) SetIngestState(state string) {
	if m == nil {
		return
	}
	for _, s := range ingestStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ingestState.WithLabelValues(s).Set(v)
	}
}

// RecordReconnect records a reconnect attempt.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.ingestReconnectsTotal.Inc()
}

// RecordBlockProcessed records one block and its transaction count.
func (m *Metrics) RecordBlockProcessed(status string, txCount int) {
	if m == nil {
		return
	}
	m.blocksProcessedTotal.WithLabelValues(status).Inc()
	if status == "success" {
		m.blockTransactions.Observe(float64(txCount))
	}
}

// RecordClassification records a classifier decision.
func (m *Metrics) RecordClassification(decision, skipReason string) {
	if m == nil {
		return
	}
	m.transactionsClassified.WithLabelValues(decision).Inc()
	if skipReason != "" {
		m.transactionsSkipped.WithLabelValues(skipReason).Inc()
	}
}

// RecordWhale records a whale persistence outcome.
func (m *Metrics) RecordWhale(priority, result string) {
	if m == nil {
		return
	}
	m.whalesRecordedTotal.WithLabelValues(priority, result).Inc()
}

// Alert metric helpers

// RecordAlertsGenerated records newly created alerts.
func (m *Metrics) RecordAlertsGenerated(count int) {
	if m == nil {
		return
	}
	m.alertsGeneratedTotal.Add(float64(count))
}

// RecordAlertDispatched records one delivery attempt outcome (sent, retry, failed).
func (m *Metrics) RecordAlertDispatched(outcome string) {
	if m == nil {
		return
	}
	m.alertsDispatchedTotal.WithLabelValues(outcome).Inc()
}

// RecordAlertsSwept records alerts removed by retention.
func (m *Metrics) RecordAlertsSwept(count int64) {
	if m == nil {
		return
	}
	m.alertsSweptTotal.Add(float64(count))
}

// RecordNotifyRequest records a notification channel request by HTTP status class.
func (m *Metrics) RecordNotifyRequest(channel string, statusCode int) {
	if m == nil {
		return
	}
	m.notifyRequestsTotal.WithLabelValues(channel, statusCodeToString(statusCode)).Inc()
}

// RecordCycle records one periodic cycle execution.
func (m *Metrics) RecordCycle(cycle string, duration float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.cycleDuration.WithLabelValues(cycle).Observe(duration)
	m.cyclesTotal.WithLabelValues(cycle, status).Inc()
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	case code == 0:
		return "transport_error"
	default:
		return "unknown"
	}
}
