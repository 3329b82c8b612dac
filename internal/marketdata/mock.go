package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MockConnector is an in-memory data source for tests and demos. Prices and
// candles are seeded by the caller; Push delivers points to live subscribers.
type MockConnector struct {
	source string

	mu        sync.Mutex
	connected bool
	prices    map[string]decimal.Decimal
	candles   map[string][]Point
	priceErr  error
	subs      map[string]Subscription
}

// NewMock builds a mock connector reporting the given source name.
func NewMock(source string) *MockConnector {
	return &MockConnector{
		source:  source,
		prices:  make(map[string]decimal.Decimal),
		candles: make(map[string][]Point),
		subs:    make(map[string]Subscription),
	}
}

func (m *MockConnector) Source() string { return m.source }

func (m *MockConnector) Connect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MockConnector) Disconnect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// SetPrice seeds the current price for a symbol.
func (m *MockConnector) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// SetCandles seeds historical candles for a symbol.
func (m *MockConnector) SetCandles(symbol string, candles []Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[symbol] = candles
}

// FailPrices makes CurrentPrice return err until reset with nil.
func (m *MockConnector) FailPrices(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priceErr = err
}

func (m *MockConnector) Historical(_ context.Context, symbol string, _ Timeframe, start, end time.Time) ([]Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, ErrNotConnected
	}
	var out []Point
	for _, p := range m.candles[symbol] {
		if p.Timestamp.Before(start) || p.Timestamp.After(end) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *MockConnector) CurrentPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return decimal.Zero, ErrNotConnected
	}
	if m.priceErr != nil {
		return decimal.Zero, m.priceErr
	}
	price, ok := m.prices[symbol]
	if !ok {
		return decimal.Zero, ErrPriceUnavailable
	}
	return price, nil
}

func (m *MockConnector) Subscribe(_ context.Context, sub Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[subKey(sub.Symbol, sub.Kind)] = sub
	return nil
}

func (m *MockConnector) Unsubscribe(_ context.Context, symbol string, kind DataKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, subKey(symbol, kind))
	return nil
}

// Push delivers a point to the matching subscription, if any.
func (m *MockConnector) Push(p Point) {
	m.mu.Lock()
	sub, ok := m.subs[subKey(p.Symbol, p.Kind)]
	m.mu.Unlock()
	if ok && sub.Handler != nil {
		sub.Handler(p)
	}
}
