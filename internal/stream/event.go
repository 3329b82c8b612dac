package stream

import (
	"time"
)

// EventType classifies stream events.
type EventType string

const (
	EventPriceUpdate      EventType = "price_update"
	EventVolumeSpike      EventType = "volume_spike"
	EventPriceBreakout    EventType = "price_breakout"
	EventVolatilityChange EventType = "volatility_change"
	EventCorrelationShift EventType = "correlation_shift"
	EventLiquidityChange  EventType = "liquidity_change"
	EventPatternDetected  EventType = "pattern_detected"
)

// Event is a notification produced by the processor. Severity is 0-1.
type Event struct {
	Type      EventType      `json:"type"`
	Symbol    string         `json:"symbol"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Severity  float64        `json:"severity"`
	Message   string         `json:"message,omitempty"`
}

// Handler consumes events. Handlers run synchronously on the emitting
// goroutine; a panicking handler is isolated and does not stop delivery to
// the others.
type Handler func(Event)

// FilterType classifies ingest filters.
type FilterType string

const (
	FilterPriceRange       FilterType = "price_range"
	FilterVolumeThreshold  FilterType = "volume_threshold"
	FilterVolatilityLimit  FilterType = "volatility_limit"
	FilterTimeWindow       FilterType = "time_window"
	FilterOutlierRemoval   FilterType = "outlier_removal"
	FilterDuplicateRemoval FilterType = "duplicate_removal"
)

// FilterParams carries the knobs a filter reads; unused fields are ignored.
type FilterParams struct {
	MinPrice  float64
	MaxPrice  float64
	MinVolume float64
	MaxAge    time.Duration
}

// Filter vetoes points before they enter a buffer. A point must pass every
// active filter.
type Filter struct {
	Type      FilterType
	Params    FilterParams
	Active    bool
	CreatedAt time.Time
}

// Aggregation periodically reduces a sliding window of buffered points to a
// single value per symbol. Type is one of price_mean, price_std, volume_sum,
// volume_mean, max, min, count. Empty Symbols means every tracked symbol.
type Aggregation struct {
	Window         time.Duration
	Type           string
	OutputInterval time.Duration
	Symbols        []string

	lastOutput time.Time
}

// BasicFilters returns the filter set wired in by default deployments.
func BasicFilters() []Filter {
	now := time.Now().UTC()
	return []Filter{
		{Type: FilterPriceRange, Params: FilterParams{MinPrice: 0.0001, MaxPrice: 1_000_000}, Active: true, CreatedAt: now},
		{Type: FilterVolumeThreshold, Params: FilterParams{MinVolume: 0.001}, Active: true, CreatedAt: now},
		{Type: FilterTimeWindow, Params: FilterParams{MaxAge: time.Hour}, Active: true, CreatedAt: now},
		{Type: FilterDuplicateRemoval, Active: true, CreatedAt: now},
	}
}

// BasicAggregations returns a standard aggregation set: 5m mean price each
// minute, 15m volume each 5 minutes, 1h price deviation each 15 minutes.
func BasicAggregations() []*Aggregation {
	return []*Aggregation{
		{Window: 5 * time.Minute, Type: "price_mean", OutputInterval: time.Minute},
		{Window: 15 * time.Minute, Type: "volume_sum", OutputInterval: 5 * time.Minute},
		{Window: time.Hour, Type: "price_std", OutputInterval: 15 * time.Minute},
	}
}
