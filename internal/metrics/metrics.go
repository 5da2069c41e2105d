// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the ingestion pipeline:
// - Packet decode outcomes per source
// - Storage writes and dedup discards (DuckDB)
// - Poll cycle latency and REST backoff
// - MQTT session health

var (
	// Decode Metrics
	PacketsDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshwatch_packets_decoded_total",
			Help: "Total number of successfully decoded packets",
		},
		[]string{"source", "kind"}, // kind: "text", "position", "telemetry", ...
	)

	DecodeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshwatch_decode_failures_total",
			Help: "Total number of packets that could not be decoded",
		},
		[]string{"source", "reason"}, // "envelope", "decrypt", "payload", "json"
	)

	// Storage Metrics
	RowsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshwatch_rows_upserted_total",
			Help: "Total number of rows written to storage",
		},
		[]string{"table"},
	)

	RowsDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshwatch_rows_deduplicated_total",
			Help: "Total number of rows discarded by conflict keys",
		},
		[]string{"table"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshwatch_db_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	// Poll Collector Metrics
	PollCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshwatch_poll_cycle_duration_seconds",
			Help:    "Duration of full poll cycles per source",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"source"},
	)

	PollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshwatch_poll_errors_total",
			Help: "Total number of poll cycle failures",
		},
		[]string{"source", "error_type"}, // "http", "decode", "database"
	)

	RateLimitWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshwatch_rate_limit_waits_total",
			Help: "Total number of 429 backoff sleeps",
		},
		[]string{"source"},
	)

	HistoricalRunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshwatch_historical_runs_active",
			Help: "Number of historical backfill runs in progress",
		},
	)

	// Subscribe Collector Metrics
	MQTTMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshwatch_mqtt_messages_received_total",
			Help: "Total number of MQTT messages received",
		},
		[]string{"source", "format"}, // "json", "protobuf"
	)

	MQTTReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshwatch_mqtt_reconnects_total",
			Help: "Total number of MQTT reconnect attempts",
		},
		[]string{"source"},
	)

	MQTTConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshwatch_mqtt_connected",
			Help: "Whether the MQTT session is currently established (1/0)",
		},
		[]string{"source"},
	)

	// Collector Lifecycle Metrics
	CollectorsRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshwatch_collectors_running",
			Help: "Number of running collectors by kind",
		},
		[]string{"kind"},
	)

	// API Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshwatch_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshwatch_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordUpsert tracks one storage write, splitting inserted rows from
// conflict-key discards.
func RecordUpsert(table string, inserted bool) {
	if inserted {
		RowsUpserted.WithLabelValues(table).Inc()
	} else {
		RowsDeduplicated.WithLabelValues(table).Inc()
	}
}

// RecordDBQuery tracks query latency per operation and table.
func RecordDBQuery(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordPollCycle tracks one completed poll cycle.
func RecordPollCycle(source string, duration time.Duration, err error) {
	PollCycleDuration.WithLabelValues(source).Observe(duration.Seconds())
	if err != nil {
		PollErrors.WithLabelValues(source, "http").Inc()
	}
}

// RecordAPIRequest tracks a finished HTTP request.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// SetMQTTConnected flips the per-source session gauge.
func SetMQTTConnected(source string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	MQTTConnected.WithLabelValues(source).Set(v)
}
