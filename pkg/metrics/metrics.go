package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailgate_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	AuthenticatedConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailgate_authenticated_connections_current",
			Help: "Current number of authenticated connections",
		},
		[]string{"protocol"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailgate_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_authentication_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"protocol", "result"},
	)

	TLSUpgrades = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_tls_upgrades_total",
			Help: "In-band TLS upgrades (STLS/STARTTLS) by result",
		},
		[]string{"protocol", "result"},
	)
)

// Protocol command metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_commands_total",
			Help: "Total number of protocol commands processed",
		},
		[]string{"protocol", "command", "status"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailgate_command_duration_seconds",
			Help:    "Duration of protocol command processing",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"protocol", "command"},
	)
)

// Store metrics
var (
	StoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_store_operations_total",
			Help: "Total number of mailbox store operations",
		},
		[]string{"driver", "operation", "status"},
	)

	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailgate_store_operation_duration_seconds",
			Help:    "Duration of mailbox store operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"driver", "operation"},
	)
)

// Message cache metrics
var (
	MessageCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailgate_message_cache_entries",
			Help: "Number of per-user snapshots held in the message cache",
		},
	)

	MessageCacheHitRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailgate_message_cache_hit_ratio",
			Help: "Share of message cache lookups served from memory since start",
		},
	)

	MessageCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailgate_message_cache_hits_total",
			Help: "Message cache lookups served from memory",
		},
	)

	MessageCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailgate_message_cache_misses_total",
			Help: "Message cache lookups that fell through to the store",
		},
	)

	MessageCacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_message_cache_evictions_total",
			Help: "Message cache entries removed, by reason",
		},
		[]string{"reason"},
	)
)

// Delivery metrics
var (
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_deliveries_total",
			Help: "Per-recipient message deliveries by result",
		},
		[]string{"result"},
	)

	RecipientsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_recipients_rejected_total",
			Help: "RCPT TO commands rejected, by reason",
		},
		[]string{"reason"},
	)

	MessageSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailgate_message_size_bytes",
			Help:    "Size of ingested messages",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	ArchiveOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_archive_operations_total",
			Help: "Raw message archive uploads by result",
		},
		[]string{"result"},
	)
)
