package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appkit_connect_attempts_total",
			Help: "Total number of connect attempts",
		},
		[]string{"namespace", "connector_type", "status"},
	)

	ConnectDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "appkit_connect_duration_seconds",
			Help:    "Duration of connect attempts in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"namespace", "connector_type"},
	)

	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "appkit_active_connections",
			Help: "Number of currently connected namespaces",
		},
		[]string{"namespace"},
	)

	Disconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appkit_disconnects_total",
			Help: "Total number of disconnects",
		},
		[]string{"namespace", "initiator"},
	)

	// Pairing metrics
	PairingsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appkit_pairings_started_total",
			Help: "Total number of pairing sessions started",
		},
		[]string{"namespace"},
	)

	PairingOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appkit_pairing_outcomes_total",
			Help: "Terminal pairing session states",
		},
		[]string{"namespace", "outcome"},
	)

	// Reconnect metrics
	ReconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appkit_reconnect_attempts_total",
			Help: "Total number of silent reconnect attempts",
		},
		[]string{"namespace", "status"},
	)

	// Storage metrics
	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appkit_storage_errors_total",
			Help: "Total number of persistent storage failures",
		},
		[]string{"operation"},
	)
)
