package stream

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfold/riskengine/internal/marketdata"
	"github.com/quantfold/riskengine/internal/observ"
)

var noSince time.Time

// Config holds processor tunables.
type Config struct {
	MaxSymbols      int           `yaml:"max_symbols"`
	BufferSize      int           `yaml:"buffer_size"`
	BufferMaxAge    time.Duration `yaml:"buffer_max_age"`
	Workers         int           `yaml:"workers"`
	DetectInterval  time.Duration `yaml:"detect_interval"`
	AggregationTick time.Duration `yaml:"aggregation_tick"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultConfig returns the processor settings used without overrides.
func DefaultConfig() Config {
	return Config{
		MaxSymbols:      100,
		BufferSize:      10000,
		BufferMaxAge:    24 * time.Hour,
		Workers:         4,
		DetectInterval:  5 * time.Second,
		AggregationTick: time.Second,
		CleanupInterval: time.Minute,
	}
}

// Processor ingests live data points, runs them through a filter chain into
// per-symbol buffers, and produces events from pattern detectors and timed
// aggregations. Pattern detection runs on a bounded worker pool so a slow
// detector never blocks ingestion.
type Processor struct {
	cfg Config
	log *zap.Logger

	mu           sync.RWMutex
	buffers      map[string]*Buffer
	filters      []Filter
	aggregations []*Aggregation
	handlers     []Handler
	detectors    map[string]Detector

	statsMu         sync.Mutex
	totalProcessed  int64
	filteredOut     int64
	eventsGenerated int64
	startTime       time.Time
	lastUpdate      time.Time

	jobs    chan string
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewProcessor builds a processor with the default pattern detectors.
func NewProcessor(cfg Config) *Processor {
	return &Processor{
		cfg:       cfg,
		log:       observ.Named("stream"),
		buffers:   make(map[string]*Buffer),
		detectors: defaultDetectors(),
		startTime: time.Now().UTC(),
		jobs:      make(chan string, 256),
	}
}

// Start launches the worker pool and the aggregation, detection and cleanup
// loops.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("processor already running")
	}
	p.running = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	workers := p.cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.detectWorker(ctx)
	}
	p.wg.Add(3)
	go p.aggregationLoop(ctx)
	go p.detectLoop(ctx)
	go p.cleanupLoop(ctx)

	p.log.Info("stream processor started", zap.Int("workers", workers))
	return nil
}

// Stop halts the background loops and waits for workers to drain.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.log.Info("stream processor stopped")
}

// Ingest runs a point through the filter chain and into its symbol buffer.
// Accepted points schedule pattern detection for the symbol.
func (p *Processor) Ingest(point marketdata.Point) {
	p.statsMu.Lock()
	p.totalProcessed++
	p.lastUpdate = time.Now().UTC()
	p.statsMu.Unlock()

	if vetoedBy, ok := p.passFilters(point); !ok {
		p.statsMu.Lock()
		p.filteredOut++
		p.statsMu.Unlock()
		observ.PointsFiltered.WithLabelValues(string(vetoedBy)).Inc()
		return
	}

	buf := p.bufferFor(point.Symbol)
	buf.Add(point)
	observ.PointsIngested.WithLabelValues(point.Symbol).Inc()
	observ.BufferSize.WithLabelValues(point.Symbol).Set(float64(buf.Len()))

	// Non-blocking: the periodic detection loop covers any dropped job.
	select {
	case p.jobs <- point.Symbol:
	default:
	}
}

// bufferFor returns the symbol's buffer, creating it and evicting the least
// recently updated symbol when the tracking limit is hit.
func (p *Processor) bufferFor(symbol string) *Buffer {
	p.mu.RLock()
	buf, ok := p.buffers[symbol]
	p.mu.RUnlock()
	if ok {
		return buf
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if buf, ok := p.buffers[symbol]; ok {
		return buf
	}
	if len(p.buffers) >= p.cfg.MaxSymbols {
		p.evictOldestLocked()
	}
	buf = NewBuffer(p.cfg.BufferSize, p.cfg.BufferMaxAge)
	p.buffers[symbol] = buf
	return buf
}

func (p *Processor) evictOldestLocked() {
	var oldestSymbol string
	var oldestTime time.Time
	first := true
	for symbol, buf := range p.buffers {
		var t time.Time
		if latest, ok := buf.Latest(); ok {
			t = latest.Timestamp
		}
		if first || t.Before(oldestTime) {
			oldestSymbol, oldestTime, first = symbol, t, false
		}
	}
	if oldestSymbol != "" {
		delete(p.buffers, oldestSymbol)
		observ.BufferSize.DeleteLabelValues(oldestSymbol)
		p.log.Debug("evicted symbol buffer", zap.String("symbol", oldestSymbol))
	}
}

// passFilters reports whether the point survives every active filter, and
// which filter vetoed it otherwise.
func (p *Processor) passFilters(point marketdata.Point) (FilterType, bool) {
	p.mu.RLock()
	filters := make([]Filter, len(p.filters))
	copy(filters, p.filters)
	p.mu.RUnlock()

	for _, f := range filters {
		if !f.Active {
			continue
		}
		if !p.applyFilter(point, f) {
			return f.Type, false
		}
	}
	return "", true
}

func (p *Processor) applyFilter(point marketdata.Point, f Filter) bool {
	switch f.Type {
	case FilterPriceRange:
		if price, ok := point.CloseFloat(); ok {
			maxPrice := f.Params.MaxPrice
			if maxPrice == 0 {
				maxPrice = math.Inf(1)
			}
			return price >= f.Params.MinPrice && price <= maxPrice
		}

	case FilterVolumeThreshold:
		if volume, ok := point.VolumeFloat(); ok {
			return volume >= f.Params.MinVolume
		}

	case FilterTimeWindow:
		maxAge := f.Params.MaxAge
		if maxAge <= 0 {
			maxAge = time.Hour
		}
		return time.Now().UTC().Sub(point.Timestamp) <= maxAge

	case FilterDuplicateRemoval:
		p.mu.RLock()
		buf, ok := p.buffers[point.Symbol]
		p.mu.RUnlock()
		if !ok {
			return true
		}
		for _, prev := range buf.Data(noSince, 10) {
			if prev.Timestamp.Equal(point.Timestamp) &&
				prev.Close.Valid && point.Close.Valid &&
				prev.Close.Decimal.Equal(point.Close.Decimal) {
				return false
			}
		}
	}
	return true
}

// AddFilter appends a filter to the chain.
func (p *Processor) AddFilter(f Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters = append(p.filters, f)
}

// RemoveFilter drops every filter of the given type.
func (p *Processor) RemoveFilter(t FilterType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.filters[:0]
	for _, f := range p.filters {
		if f.Type != t {
			kept = append(kept, f)
		}
	}
	p.filters = kept
}

// AddAggregation schedules a timed aggregation.
func (p *Processor) AddAggregation(a *Aggregation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a.lastOutput = time.Now().UTC()
	p.aggregations = append(p.aggregations, a)
}

// AddHandler registers an event handler.
func (p *Processor) AddHandler(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, h)
}

// Buffer returns the symbol's buffer, if tracked.
func (p *Processor) Buffer(symbol string) (*Buffer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	buf, ok := p.buffers[symbol]
	return buf, ok
}

// Latest returns the most recent point for a symbol.
func (p *Processor) Latest(symbol string) (marketdata.Point, bool) {
	buf, ok := p.Buffer(symbol)
	if !ok {
		return marketdata.Point{}, false
	}
	return buf.Latest()
}

// Detect runs every registered detector over a symbol's buffer on the
// calling goroutine. The background detect loop uses the worker pool instead;
// this entry point serves offline replays and tests.
func (p *Processor) Detect(symbol string) {
	p.detectSymbol(symbol)
}

func (p *Processor) detectWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case symbol := <-p.jobs:
			p.detectSymbol(symbol)
		}
	}
}

func (p *Processor) detectSymbol(symbol string) {
	buf, ok := p.Buffer(symbol)
	if !ok {
		return
	}
	p.mu.RLock()
	detectors := make(map[string]Detector, len(p.detectors))
	for name, d := range p.detectors {
		detectors[name] = d
	}
	p.mu.RUnlock()

	for name, detect := range detectors {
		event := func() *Event {
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("detector panic",
						zap.String("detector", name),
						zap.String("symbol", symbol),
						zap.Any("panic", r))
				}
			}()
			return detect(symbol, buf)
		}()
		if event != nil {
			p.emit(*event)
		}
	}
}

func (p *Processor) detectLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.DetectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.RLock()
			symbols := make([]string, 0, len(p.buffers))
			for symbol := range p.buffers {
				symbols = append(symbols, symbol)
			}
			p.mu.RUnlock()
			for _, symbol := range symbols {
				select {
				case p.jobs <- symbol:
				default:
				}
			}
		}
	}
}

func (p *Processor) aggregationLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.AggregationTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			p.mu.Lock()
			due := make([]*Aggregation, 0, len(p.aggregations))
			for _, a := range p.aggregations {
				if now.Sub(a.lastOutput) >= a.OutputInterval {
					a.lastOutput = now
					due = append(due, a)
				}
			}
			p.mu.Unlock()
			for _, a := range due {
				p.processAggregation(a, now)
			}
		}
	}
}

func (p *Processor) processAggregation(a *Aggregation, now time.Time) {
	symbols := a.Symbols
	if len(symbols) == 0 {
		p.mu.RLock()
		for symbol := range p.buffers {
			symbols = append(symbols, symbol)
		}
		p.mu.RUnlock()
	}

	cutoff := now.Add(-a.Window)
	results := make(map[string]any)
	for _, symbol := range symbols {
		buf, ok := p.Buffer(symbol)
		if !ok {
			continue
		}
		points := buf.Data(cutoff, 0)
		if len(points) == 0 {
			continue
		}

		var values []float64
		switch a.Type {
		case "price_mean", "price_std":
			for _, pt := range points {
				if v, ok := pt.CloseFloat(); ok {
					values = append(values, v)
				}
			}
		case "volume_sum", "volume_mean":
			for _, pt := range points {
				if v, ok := pt.VolumeFloat(); ok {
					values = append(values, v)
				}
			}
		default:
			values = make([]float64, len(points))
			for i := range values {
				values[i] = 1
			}
		}
		if len(values) == 0 {
			continue
		}

		var result float64
		switch {
		case strings.Contains(a.Type, "mean"):
			result = meanOf(values)
		case strings.Contains(a.Type, "sum"):
			for _, v := range values {
				result += v
			}
		case strings.Contains(a.Type, "max"):
			result = values[0]
			for _, v := range values {
				if v > result {
					result = v
				}
			}
		case strings.Contains(a.Type, "min"):
			result = values[0]
			for _, v := range values {
				if v < result {
					result = v
				}
			}
		case strings.Contains(a.Type, "std"):
			result = stdOf(values)
		case strings.Contains(a.Type, "count"):
			result = float64(len(values))
		default:
			result = values[len(values)-1]
		}
		results[symbol] = result
	}

	if len(results) == 0 {
		return
	}
	p.emit(Event{
		Type:      EventPriceUpdate,
		Symbol:    "AGGREGATED",
		Timestamp: now,
		Data: map[string]any{
			"aggregation_type":    a.Type,
			"window_size_seconds": a.Window.Seconds(),
			"results":             results,
		},
		Severity: 0.1,
		Message:  fmt.Sprintf("Aggregation completed: %s", a.Type),
	})
}

func (p *Processor) cleanupLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			for symbol, buf := range p.buffers {
				if buf.Len() == 0 {
					delete(p.buffers, symbol)
					observ.BufferSize.DeleteLabelValues(symbol)
				}
			}
			p.mu.Unlock()
		}
	}
}

// emit delivers an event to every handler synchronously, isolating panics.
func (p *Processor) emit(event Event) {
	p.statsMu.Lock()
	p.eventsGenerated++
	p.statsMu.Unlock()
	observ.EventsEmitted.WithLabelValues(string(event.Type)).Inc()

	p.mu.RLock()
	handlers := make([]Handler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					observ.HandlerPanics.Inc()
					p.log.Error("event handler panic",
						zap.String("event_type", string(event.Type)),
						zap.String("symbol", event.Symbol),
						zap.Any("panic", r))
				}
			}()
			h(event)
		}()
	}
}

// Stats is a point-in-time snapshot of processor activity.
type Stats struct {
	TotalProcessed     int64                  `json:"total_processed"`
	FilteredOut        int64                  `json:"filtered_out"`
	EventsGenerated    int64                  `json:"events_generated"`
	StartTime          time.Time              `json:"start_time"`
	LastUpdate         time.Time              `json:"last_update"`
	RuntimeSeconds     float64                `json:"runtime_seconds"`
	ProcessingRate     float64                `json:"processing_rate"`
	SymbolsTracked     int                    `json:"symbols_tracked"`
	ActiveFilters      int                    `json:"active_filters"`
	ActiveAggregations int                    `json:"active_aggregations"`
	EventHandlers      int                    `json:"event_handlers"`
	Buffers            map[string]BufferStats `json:"buffers"`
}

// Snapshot returns current processor statistics.
func (p *Processor) Snapshot() Stats {
	p.statsMu.Lock()
	st := Stats{
		TotalProcessed:  p.totalProcessed,
		FilteredOut:     p.filteredOut,
		EventsGenerated: p.eventsGenerated,
		StartTime:       p.startTime,
		LastUpdate:      p.lastUpdate,
	}
	p.statsMu.Unlock()

	st.RuntimeSeconds = time.Since(st.StartTime).Seconds()
	if st.RuntimeSeconds > 0 {
		st.ProcessingRate = float64(st.TotalProcessed) / st.RuntimeSeconds
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	st.SymbolsTracked = len(p.buffers)
	for _, f := range p.filters {
		if f.Active {
			st.ActiveFilters++
		}
	}
	st.ActiveAggregations = len(p.aggregations)
	st.EventHandlers = len(p.handlers)
	st.Buffers = make(map[string]BufferStats, len(p.buffers))
	for symbol, buf := range p.buffers {
		st.Buffers[symbol] = buf.Stats()
	}
	return st
}
