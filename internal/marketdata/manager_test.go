package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/riskengine/internal/dataclean"
)

func newTestManager() *Manager {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	return NewManager(cfg, dataclean.New(dataclean.DefaultConfig()))
}

func candles(symbol string, n int, startPrice float64) []Point {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]Point, n)
	for i := range out {
		price := decimal.NewFromFloat(startPrice + float64(i))
		out[i] = Point{
			Symbol:    symbol,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Source:    "mock",
			Kind:      KindOHLCV,
			Open:      D(price),
			High:      D(price.Add(decimal.NewFromInt(1))),
			Low:       D(price.Sub(decimal.NewFromInt(1))),
			Close:     D(price),
			Volume:    D(decimal.NewFromInt(100)),
		}
	}
	return out
}

func TestHistoricalCleansAndReturns(t *testing.T) {
	m := newTestManager()
	mock := NewMock("mock")
	batch := candles("BTC/USDT", 60, 100)
	mock.SetCandles("BTC/USDT", batch)
	require.NoError(t, mock.Connect(context.Background()))
	m.AddConnector(mock)

	start := batch[0].Timestamp
	end := batch[len(batch)-1].Timestamp
	points, result, err := m.Historical(context.Background(), "BTC/USDT", Timeframe1m, start, end, "")
	require.NoError(t, err)
	require.Len(t, points, 60)
	assert.Equal(t, 1.0, result.QualityScore)
	assert.Equal(t, "mock", points[0].Source)
	assert.Equal(t, KindOHLCV, points[0].Kind)
}

func TestHistoricalDropsBrokenBars(t *testing.T) {
	m := newTestManager()
	mock := NewMock("mock")
	batch := candles("BTC/USDT", 60, 100)
	// An upside-down bar the cleaner removes.
	batch[10].High = D(decimal.NewFromInt(1))
	mock.SetCandles("BTC/USDT", batch)
	require.NoError(t, mock.Connect(context.Background()))
	m.AddConnector(mock)

	points, result, err := m.Historical(context.Background(), "BTC/USDT",
		Timeframe1m, batch[0].Timestamp, batch[59].Timestamp, "")
	require.NoError(t, err)
	assert.Len(t, points, 59)
	assert.Equal(t, 1, result.RemovedCount())
}

func TestHistoricalNoProviders(t *testing.T) {
	m := newTestManager()
	_, _, err := m.Historical(context.Background(), "BTC/USDT",
		Timeframe1m, time.Now().Add(-time.Hour), time.Now(), "")
	require.ErrorIs(t, err, ErrNoProviders)
}

func TestHistoricalEmptyRange(t *testing.T) {
	m := newTestManager()
	mock := NewMock("mock")
	require.NoError(t, mock.Connect(context.Background()))
	m.AddConnector(mock)

	points, result, err := m.Historical(context.Background(), "BTC/USDT",
		Timeframe1m, time.Now().Add(-time.Hour), time.Now(), "")
	require.NoError(t, err)
	assert.Empty(t, points)
	assert.Equal(t, 1.0, result.QualityScore)
}

func TestCurrentPricesFallback(t *testing.T) {
	m := newTestManager()
	primary := NewMock("primary")
	primary.FailPrices(ErrPriceUnavailable)
	backup := NewMock("backup")
	backup.SetPrice("BTC/USDT", decimal.NewFromInt(42000))
	m.AddConnector(primary)
	m.AddConnector(backup)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(context.Background())

	prices := m.CurrentPrices(context.Background(), []string{"BTC/USDT", "ETH/USDT"})
	require.Contains(t, prices, "BTC/USDT")
	assert.True(t, prices["BTC/USDT"].Equal(decimal.NewFromInt(42000)))
	// Nobody prices ETH, so it is absent rather than zero.
	assert.NotContains(t, prices, "ETH/USDT")
}

func TestSubscribeReceivesPolledTicks(t *testing.T) {
	m := newTestManager()
	mock := NewMock("mock")
	mock.SetPrice("BTC/USDT", decimal.NewFromInt(50000))
	m.AddConnector(mock)

	got := make(chan Point, 16)
	m.Subscribe("BTC/USDT", KindTicker, func(p Point) {
		select {
		case got <- p:
		default:
		}
	})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(context.Background())

	select {
	case p := <-got:
		assert.Equal(t, "BTC/USDT", p.Symbol)
		assert.Equal(t, KindTicker, p.Kind)
		v, ok := p.CloseFloat()
		require.True(t, ok)
		assert.Equal(t, 50000.0, v)
	case <-time.After(2 * time.Second):
		t.Fatal("no tick delivered within deadline")
	}

	if cached := m.Cached("BTC/USDT", 0); len(cached) == 0 {
		t.Fatal("tick was not cached")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := newTestManager()

	var delivered int
	id := m.Subscribe("BTC/USDT", KindTicker, func(Point) { delivered++ })
	m.Unsubscribe("BTC/USDT", KindTicker, id)

	m.notify("BTC/USDT", KindTicker, Point{Symbol: "BTC/USDT"})
	assert.Equal(t, 0, delivered)
}

func TestAdmitRejectsPriceJump(t *testing.T) {
	m := newTestManager()

	require.True(t, m.admit("BTC/USDT", decimal.NewFromInt(100)))
	// +200% against the last accepted price.
	require.False(t, m.admit("BTC/USDT", decimal.NewFromInt(300)))
	// The rejected price became the new reference, so repeating it passes.
	require.True(t, m.admit("BTC/USDT", decimal.NewFromInt(300)))
}

func TestSubscriberPanicIsolated(t *testing.T) {
	m := newTestManager()

	var delivered bool
	m.Subscribe("BTC/USDT", KindTicker, func(Point) { panic("boom") })
	m.Subscribe("BTC/USDT", KindTicker, func(Point) { delivered = true })

	m.notify("BTC/USDT", KindTicker, Point{Symbol: "BTC/USDT"})
	assert.True(t, delivered, "panicking subscriber should not block the rest")
}

func TestSweepEvictsStalePoints(t *testing.T) {
	m := newTestManager()
	now := time.Now().UTC()
	m.appendCache(Point{Symbol: "BTC/USDT", Timestamp: now.Add(-2 * time.Hour)})
	m.appendCache(Point{Symbol: "BTC/USDT", Timestamp: now})

	m.sweep(now)
	cached := m.Cached("BTC/USDT", 0)
	require.Len(t, cached, 1)
	assert.Equal(t, now, cached[0].Timestamp)
}

func TestQualityReport(t *testing.T) {
	m := newTestManager()
	mock := NewMock("mock")
	mock.SetPrice("BTC/USDT", decimal.NewFromInt(100))
	m.AddConnector(mock)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(context.Background())

	m.appendCache(Point{Symbol: "BTC/USDT", Timestamp: time.Now().UTC()})

	rep := m.Quality()
	assert.Equal(t, 1, rep.Providers)
	assert.Equal(t, 1, rep.ActiveProviders)
	assert.Equal(t, 1, rep.CachedSymbols)
	assert.GreaterOrEqual(t, rep.TotalCachedPoint, 1)
}

func TestQualityCountsEachSubscriber(t *testing.T) {
	m := newTestManager()

	// Two handlers under one symbol/kind key plus one under another.
	m.Subscribe("BTC/USDT", KindTicker, func(Point) {})
	m.Subscribe("BTC/USDT", KindTicker, func(Point) {})
	id := m.Subscribe("ETH/USDT", KindTicker, func(Point) {})

	rep := m.Quality()
	assert.Equal(t, 3, rep.Subscribers)

	m.Unsubscribe("ETH/USDT", KindTicker, id)
	assert.Equal(t, 2, m.Quality().Subscribers)
}

func TestPointRecordRoundTrip(t *testing.T) {
	p := candles("BTC/USDT", 1, 100)[0]
	r := p.Record()
	back := p.FromRecord(r)

	assert.Equal(t, p.Symbol, back.Symbol)
	assert.Equal(t, p.Timestamp, back.Timestamp)
	pc, _ := p.CloseFloat()
	bc, _ := back.CloseFloat()
	assert.Equal(t, pc, bc)
}
