package observ

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the engine. Counters and gauges are registered once
// at init via promauto; components reference them directly.

// ============ Ingestion ============

// PointsIngested counts data points accepted into per-symbol buffers.
var PointsIngested = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskengine",
		Subsystem: "stream",
		Name:      "points_ingested_total",
		Help:      "Data points accepted into stream buffers",
	},
	[]string{"symbol"},
)

// PointsFiltered counts data points vetoed by the filter chain.
var PointsFiltered = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskengine",
		Subsystem: "stream",
		Name:      "points_filtered_total",
		Help:      "Data points rejected by stream filters",
	},
	[]string{"filter"},
)

// EventsEmitted counts stream events delivered to handlers.
var EventsEmitted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskengine",
		Subsystem: "stream",
		Name:      "events_emitted_total",
		Help:      "Stream events emitted by type",
	},
	[]string{"type"},
)

// HandlerPanics counts event handler panics that were isolated.
var HandlerPanics = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "riskengine",
		Subsystem: "stream",
		Name:      "handler_panics_total",
		Help:      "Event handler panics recovered during fan-out",
	},
)

// BufferSize tracks the point count per symbol buffer.
var BufferSize = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "riskengine",
		Subsystem: "stream",
		Name:      "buffer_size_points",
		Help:      "Current number of points held per symbol buffer",
	},
	[]string{"symbol"},
)

// ============ Market data ============

// CacheHits and CacheMisses track the live price cache.
var CacheHits = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "riskengine",
		Subsystem: "marketdata",
		Name:      "cache_hits_total",
		Help:      "Live cache lookups that found data",
	},
)

var CacheMisses = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "riskengine",
		Subsystem: "marketdata",
		Name:      "cache_misses_total",
		Help:      "Live cache lookups that found nothing",
	},
)

// CacheEvictions counts entries removed by the age sweep.
var CacheEvictions = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "riskengine",
		Subsystem: "marketdata",
		Name:      "cache_evictions_total",
		Help:      "Cache entries evicted for age",
	},
)

// PricesDropped counts ticks rejected at the cache boundary.
var PricesDropped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskengine",
		Subsystem: "marketdata",
		Name:      "prices_dropped_total",
		Help:      "Live prices dropped before caching",
	},
	[]string{"reason"},
)

// ConnectorErrors counts connector failures by provider.
var ConnectorErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskengine",
		Subsystem: "marketdata",
		Name:      "connector_errors_total",
		Help:      "Connector call failures by source",
	},
	[]string{"source", "op"},
)

// PollLatency observes one full poll cycle across providers.
var PollLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "riskengine",
		Subsystem: "marketdata",
		Name:      "poll_latency_seconds",
		Help:      "Duration of one live price poll cycle",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
)

// ============ Cleaning and risk ============

// CleanDuration observes one cleaning pass over a batch.
var CleanDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "riskengine",
		Subsystem: "dataclean",
		Name:      "clean_duration_seconds",
		Help:      "Duration of one batch cleaning pass",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	},
)

// QualityScore tracks the most recent batch quality score per symbol.
var QualityScore = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "riskengine",
		Subsystem: "dataclean",
		Name:      "quality_score",
		Help:      "Quality score of the most recent cleaned batch",
	},
	[]string{"symbol"},
)

// AssessmentDuration observes one full portfolio risk assessment.
var AssessmentDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "riskengine",
		Subsystem: "risk",
		Name:      "assessment_duration_seconds",
		Help:      "Duration of one portfolio risk assessment",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	},
)

// RiskScore tracks the composite risk score of the last assessment.
var RiskScore = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskengine",
		Subsystem: "risk",
		Name:      "composite_score",
		Help:      "Composite risk score (0-100) of the last assessment",
	},
)

// TradeRejections counts trades rejected by validation, by check.
var TradeRejections = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskengine",
		Subsystem: "risk",
		Name:      "trade_rejections_total",
		Help:      "Trade validations that produced violations",
	},
	[]string{"check"},
)

// ============ Alerts ============

// AlertsSent counts alerts delivered to the webhook, by kind.
var AlertsSent = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskengine",
		Subsystem: "alerts",
		Name:      "sent_total",
		Help:      "Alerts delivered to the webhook by kind",
	},
	[]string{"kind"},
)

// AlertsDropped counts alerts discarded before delivery, by reason.
var AlertsDropped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskengine",
		Subsystem: "alerts",
		Name:      "dropped_total",
		Help:      "Alerts discarded before delivery by reason",
	},
	[]string{"reason"},
)

// AlertWebhookErrors counts webhook deliveries that exhausted retries.
var AlertWebhookErrors = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "riskengine",
		Subsystem: "alerts",
		Name:      "webhook_errors_total",
		Help:      "Alert deliveries that failed after all retries",
	},
)
