package marketdata

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfold/riskengine/internal/dataclean"
	"github.com/quantfold/riskengine/internal/observ"
)

// Config holds manager tunables.
type Config struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	CacheMaxAge       time.Duration `yaml:"cache_max_age"`
	CacheMaxPoints    int           `yaml:"cache_max_points"`
	MaxPriceChangePct float64       `yaml:"max_price_change_pct"`
	MinVolume         float64       `yaml:"min_volume"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns the manager settings used without overrides.
func DefaultConfig() Config {
	return Config{
		PollInterval:      time.Second,
		SweepInterval:     5 * time.Minute,
		CacheMaxAge:       time.Hour,
		CacheMaxPoints:    1000,
		MaxPriceChangePct: 50.0,
		MinVolume:         0.01,
		RequestTimeout:    10 * time.Second,
	}
}

type subscriber struct {
	id      string
	handler Handler
}

// Manager aggregates market data from registered connectors. It serves
// cleaned historical candles on demand and fans live prices out to
// subscribers from a polling loop. The first registered connector that
// answers wins; later ones are fallbacks.
type Manager struct {
	cfg     Config
	cleaner *dataclean.Cleaner
	log     *zap.Logger

	mu          sync.RWMutex
	order       []string
	connectors  map[string]Connector
	connected   map[string]bool
	cache       map[string][]Point
	subscribers map[string][]subscriber
	lastPrice   map[string]decimal.Decimal

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager builds a manager that routes historical batches through the
// given cleaner.
func NewManager(cfg Config, cleaner *dataclean.Cleaner) *Manager {
	return &Manager{
		cfg:         cfg,
		cleaner:     cleaner,
		log:         observ.Named("marketdata"),
		connectors:  make(map[string]Connector),
		connected:   make(map[string]bool),
		cache:       make(map[string][]Point),
		subscribers: make(map[string][]subscriber),
		lastPrice:   make(map[string]decimal.Decimal),
	}
}

// AddConnector registers a data source. Registration order sets fallback
// priority.
func (m *Manager) AddConnector(c Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connectors[c.Source()]; !ok {
		m.order = append(m.order, c.Source())
	}
	m.connectors[c.Source()] = c
}

// Start connects every registered source and launches the poll and sweep
// loops. Connect failures are logged and the source is skipped.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("manager already running")
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	conns := make([]Connector, 0, len(m.order))
	for _, src := range m.order {
		conns = append(conns, m.connectors[src])
	}
	m.mu.Unlock()

	for _, c := range conns {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
		err := c.Connect(cctx)
		cancel()
		if err != nil {
			observ.ConnectorErrors.WithLabelValues(c.Source(), "connect").Inc()
			m.log.Error("connector failed to connect",
				zap.String("source", c.Source()), zap.Error(err))
			continue
		}
		m.mu.Lock()
		m.connected[c.Source()] = true
		m.mu.Unlock()
		m.log.Info("connector ready", zap.String("source", c.Source()))
	}

	m.wg.Add(2)
	go m.pollLoop(ctx)
	go m.sweepLoop(ctx)

	m.log.Info("market data manager started", zap.Int("connectors", len(conns)))
	return nil
}

// Stop halts the background loops and disconnects every source.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	conns := make([]Connector, 0, len(m.order))
	for _, src := range m.order {
		conns = append(conns, m.connectors[src])
	}
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	for _, c := range conns {
		if err := c.Disconnect(ctx); err != nil {
			m.log.Warn("connector disconnect failed",
				zap.String("source", c.Source()), zap.Error(err))
		}
		m.mu.Lock()
		m.connected[c.Source()] = false
		m.mu.Unlock()
	}
	m.log.Info("market data manager stopped")
}

// pick returns the connector for source, or the first registered one when
// source is empty or unknown.
func (m *Manager) pick(source string) (Connector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if source != "" {
		if c, ok := m.connectors[source]; ok {
			return c, nil
		}
	}
	if len(m.order) == 0 {
		return nil, ErrNoProviders
	}
	return m.connectors[m.order[0]], nil
}

// Historical fetches candles for [start, end], runs them through the cleaner
// and drops rows that fail OHLC validation. The cleaning summary accompanies
// the points so callers can judge batch quality.
func (m *Manager) Historical(ctx context.Context, symbol string, tf Timeframe, start, end time.Time, source string) ([]Point, dataclean.Result, error) {
	c, err := m.pick(source)
	if err != nil {
		return nil, dataclean.Result{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()
	points, err := c.Historical(cctx, symbol, tf, start, end)
	if err != nil {
		observ.ConnectorErrors.WithLabelValues(c.Source(), "historical").Inc()
		return nil, dataclean.Result{}, fmt.Errorf("fetch historical %s from %s: %w", symbol, c.Source(), err)
	}
	if len(points) == 0 {
		return nil, dataclean.Result{QualityScore: 1.0, Symbol: symbol}, nil
	}

	records := make([]dataclean.Record, len(points))
	for i, p := range points {
		records[i] = p.Record()
	}
	cleaned, result := m.cleaner.Clean(symbol, records)
	cleaned = m.validateOHLCV(cleaned)

	// Rebuild points from cleaned rows, keeping identity fields by timestamp.
	byTime := make(map[int64]Point, len(points))
	for _, p := range points {
		byTime[p.Timestamp.UnixNano()] = p
	}
	out := make([]Point, 0, len(cleaned))
	for _, r := range cleaned {
		orig, ok := byTime[r.Timestamp.UnixNano()]
		if !ok {
			orig = points[0]
		}
		out = append(out, orig.FromRecord(r))
	}
	return out, result, nil
}

// validateOHLCV drops rows with broken candle geometry, extreme bar-to-bar
// price changes and dust volume.
func (m *Manager) validateOHLCV(records []dataclean.Record) []dataclean.Record {
	out := records[:0:len(records)]
	var prevClose float64
	for _, r := range records {
		if r.Open <= 0 || r.High <= 0 || r.Low <= 0 || r.Close <= 0 {
			observ.PricesDropped.WithLabelValues("invalid_price").Inc()
			continue
		}
		if r.High < r.Low || r.High < r.Open || r.High < r.Close || r.Low > r.Open || r.Low > r.Close {
			observ.PricesDropped.WithLabelValues("inconsistent_ohlc").Inc()
			continue
		}
		if prevClose > 0 {
			change := math.Abs(r.Close/prevClose-1) * 100
			if change > m.cfg.MaxPriceChangePct {
				observ.PricesDropped.WithLabelValues("price_jump").Inc()
				prevClose = r.Close
				continue
			}
		}
		if !math.IsNaN(r.Volume) && r.Volume < m.cfg.MinVolume {
			observ.PricesDropped.WithLabelValues("low_volume").Inc()
			prevClose = r.Close
			continue
		}
		prevClose = r.Close
		out = append(out, r)
	}
	return out
}

// CurrentPrices queries connectors in priority order and returns the first
// answer per symbol. Symbols nobody can price are absent from the result.
func (m *Manager) CurrentPrices(ctx context.Context, symbols []string) map[string]decimal.Decimal {
	m.mu.RLock()
	conns := make([]Connector, 0, len(m.order))
	for _, src := range m.order {
		if m.connected[src] {
			conns = append(conns, m.connectors[src])
		}
	}
	m.mu.RUnlock()

	prices := make(map[string]decimal.Decimal, len(symbols))
	for _, symbol := range symbols {
		for _, c := range conns {
			cctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
			price, err := c.CurrentPrice(cctx, symbol)
			cancel()
			if err != nil {
				observ.ConnectorErrors.WithLabelValues(c.Source(), "current_price").Inc()
				m.log.Debug("price fetch failed",
					zap.String("symbol", symbol),
					zap.String("source", c.Source()),
					zap.Error(err))
				continue
			}
			prices[symbol] = price
			break
		}
	}
	return prices
}

func subKey(symbol string, kind DataKind) string {
	return symbol + "|" + string(kind)
}

// Subscribe registers a handler for live data on symbol/kind and returns a
// token for Unsubscribe.
func (m *Manager) Subscribe(symbol string, kind DataKind, h Handler) string {
	id := uuid.NewString()
	m.mu.Lock()
	key := subKey(symbol, kind)
	m.subscribers[key] = append(m.subscribers[key], subscriber{id: id, handler: h})
	m.mu.Unlock()
	return id
}

// Unsubscribe removes the handler registered under the token.
func (m *Manager) Unsubscribe(symbol string, kind DataKind, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := subKey(symbol, kind)
	subs := m.subscribers[key]
	for i, s := range subs {
		if s.id == id {
			m.subscribers[key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(m.subscribers[key]) == 0 {
		delete(m.subscribers, key)
	}
}

// Cached returns up to limit of the most recent cached points for a symbol,
// oldest first.
func (m *Manager) Cached(symbol string, limit int) []Point {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pts, ok := m.cache[symbol]
	if !ok || len(pts) == 0 {
		observ.CacheMisses.Inc()
		return nil
	}
	observ.CacheHits.Inc()
	if limit > 0 && len(pts) > limit {
		pts = pts[len(pts)-limit:]
	}
	out := make([]Point, len(pts))
	copy(out, pts)
	return out
}

func (m *Manager) pollLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context) {
	start := time.Now()
	defer func() {
		observ.PollLatency.Observe(time.Since(start).Seconds())
	}()

	m.mu.RLock()
	symbolSet := make(map[string]bool)
	for key := range m.subscribers {
		for i := 0; i < len(key); i++ {
			if key[i] == '|' {
				symbolSet[key[:i]] = true
				break
			}
		}
	}
	primary := ""
	if len(m.order) > 0 {
		primary = m.order[0]
	}
	m.mu.RUnlock()

	if len(symbolSet) == 0 {
		return
	}
	symbols := make([]string, 0, len(symbolSet))
	for s := range symbolSet {
		symbols = append(symbols, s)
	}

	prices := m.CurrentPrices(ctx, symbols)
	now := time.Now().UTC()
	for symbol, price := range prices {
		point := Point{
			Symbol:    symbol,
			Timestamp: now,
			Source:    primary,
			Kind:      KindTicker,
			Close:     D(price),
		}
		if !m.admit(symbol, price) {
			continue
		}
		m.appendCache(point)
		m.notify(symbol, KindTicker, point)
	}
}

// admit rejects a tick that jumps more than the configured percentage from
// the last accepted price. The rejected price still becomes the new
// reference so a genuine regime change is accepted on the next tick.
func (m *Manager) admit(symbol string, price decimal.Decimal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastPrice[symbol]
	m.lastPrice[symbol] = price
	if !ok || last.IsZero() {
		return true
	}
	change, _ := price.Sub(last).Div(last).Abs().Mul(decimal.NewFromInt(100)).Float64()
	if change > m.cfg.MaxPriceChangePct {
		observ.PricesDropped.WithLabelValues("price_jump").Inc()
		m.log.Warn("live price dropped",
			zap.String("symbol", symbol),
			zap.String("price", price.String()),
			zap.Float64("change_pct", change))
		return false
	}
	return true
}

func (m *Manager) appendCache(p Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pts := append(m.cache[p.Symbol], p)
	if len(pts) > m.cfg.CacheMaxPoints {
		pts = pts[len(pts)-m.cfg.CacheMaxPoints:]
	}
	m.cache[p.Symbol] = pts
}

func (m *Manager) notify(symbol string, kind DataKind, p Point) {
	m.mu.RLock()
	subs := make([]subscriber, len(m.subscribers[subKey(symbol, kind)]))
	copy(subs, m.subscribers[subKey(symbol, kind)])
	m.mu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					observ.HandlerPanics.Inc()
					m.log.Error("subscriber panic",
						zap.String("symbol", symbol),
						zap.Any("panic", r))
				}
			}()
			s.handler(p)
		}()
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(time.Now().UTC())
		}
	}
}

// sweep evicts cached points older than CacheMaxAge.
func (m *Manager) sweep(now time.Time) {
	cutoff := now.Add(-m.cfg.CacheMaxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	for symbol, pts := range m.cache {
		i := 0
		for i < len(pts) && pts[i].Timestamp.Before(cutoff) {
			i++
		}
		if i == 0 {
			continue
		}
		observ.CacheEvictions.Add(float64(i))
		if i == len(pts) {
			delete(m.cache, symbol)
			continue
		}
		m.cache[symbol] = append([]Point(nil), pts[i:]...)
	}
}

// QualityReport summarizes manager health for diagnostics.
type QualityReport struct {
	Providers        int       `json:"providers"`
	ActiveProviders  int       `json:"active_providers"`
	CachedSymbols    int       `json:"cached_symbols"`
	TotalCachedPoint int       `json:"total_cached_points"`
	Subscribers      int       `json:"subscribers"`
	Sources          []string  `json:"sources"`
	OldestCached     time.Time `json:"oldest_cached,omitempty"`
	NewestCached     time.Time `json:"newest_cached,omitempty"`
}

// Quality returns a snapshot of providers, cache occupancy and data age.
func (m *Manager) Quality() QualityReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rep := QualityReport{
		Providers:     len(m.connectors),
		CachedSymbols: len(m.cache),
		Sources:       append([]string(nil), m.order...),
	}
	for _, subs := range m.subscribers {
		rep.Subscribers += len(subs)
	}
	for _, connected := range m.connected {
		if connected {
			rep.ActiveProviders++
		}
	}
	for _, pts := range m.cache {
		rep.TotalCachedPoint += len(pts)
		for _, p := range pts {
			if rep.OldestCached.IsZero() || p.Timestamp.Before(rep.OldestCached) {
				rep.OldestCached = p.Timestamp
			}
			if p.Timestamp.After(rep.NewestCached) {
				rep.NewestCached = p.Timestamp
			}
		}
	}
	return rep
}
