package stream

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/riskengine/internal/marketdata"
)

func tick(symbol string, ts time.Time, price, volume float64) marketdata.Point {
	return marketdata.Point{
		Symbol:    symbol,
		Timestamp: ts,
		Kind:      marketdata.KindTicker,
		Close:     marketdata.D(decimal.NewFromFloat(price)),
		Volume:    marketdata.D(decimal.NewFromFloat(volume)),
	}
}

func bar(symbol string, ts time.Time, price, volume float64) marketdata.Point {
	p := decimal.NewFromFloat(price)
	return marketdata.Point{
		Symbol:    symbol,
		Timestamp: ts,
		Kind:      marketdata.KindOHLCV,
		Open:      marketdata.D(p),
		High:      marketdata.D(p.Add(decimal.NewFromFloat(0.5))),
		Low:       marketdata.D(p.Sub(decimal.NewFromFloat(0.5))),
		Close:     marketdata.D(p),
		Volume:    marketdata.D(decimal.NewFromFloat(volume)),
	}
}

func TestIngestBuffersPoint(t *testing.T) {
	p := NewProcessor(DefaultConfig())

	now := time.Now().UTC()
	p.Ingest(tick("BTC/USDT", now, 50000, 10))

	latest, ok := p.Latest("BTC/USDT")
	require.True(t, ok)
	v, _ := latest.CloseFloat()
	assert.Equal(t, 50000.0, v)

	st := p.Snapshot()
	assert.Equal(t, int64(1), st.TotalProcessed)
	assert.Equal(t, int64(0), st.FilteredOut)
	assert.Equal(t, 1, st.SymbolsTracked)
}

func TestFiltersVetoPoints(t *testing.T) {
	p := NewProcessor(DefaultConfig())
	for _, f := range BasicFilters() {
		p.AddFilter(f)
	}
	now := time.Now().UTC()

	p.Ingest(tick("BTC/USDT", now, 0.00001, 10)) // below min price
	p.Ingest(tick("BTC/USDT", now, 50000, 0.0000001)) // dust volume
	p.Ingest(tick("BTC/USDT", now.Add(-2*time.Hour), 50000, 10)) // stale

	st := p.Snapshot()
	assert.Equal(t, int64(3), st.FilteredOut)
	if _, ok := p.Buffer("BTC/USDT"); ok {
		t.Fatal("vetoed points should not create a buffer")
	}

	p.Ingest(tick("BTC/USDT", now, 50000, 10))
	st = p.Snapshot()
	assert.Equal(t, int64(4), st.TotalProcessed)
	assert.Equal(t, int64(3), st.FilteredOut)
}

func TestDuplicateRemovalFilter(t *testing.T) {
	p := NewProcessor(DefaultConfig())
	for _, f := range BasicFilters() {
		p.AddFilter(f)
	}
	now := time.Now().UTC()

	p.Ingest(tick("BTC/USDT", now, 50000, 10))
	p.Ingest(tick("BTC/USDT", now, 50000, 10)) // same stamp, same price
	p.Ingest(tick("BTC/USDT", now, 50001, 10)) // same stamp, new price

	buf, ok := p.Buffer("BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, 2, buf.Len())
}

func TestBufferCapacityBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferSize = 50
	p := NewProcessor(cfg)

	base := time.Now().UTC().Add(-10 * time.Minute)
	for i := 0; i < 200; i++ {
		p.Ingest(tick("BTC/USDT", base.Add(time.Duration(i)*time.Second), 100+float64(i), 10))
	}

	buf, ok := p.Buffer("BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, 50, buf.Len())

	// Retained points are the newest, in chronological order.
	data := buf.Data(noSince, 0)
	first, _ := data[0].CloseFloat()
	assert.Equal(t, 100.0+150, first)
	for i := 1; i < len(data); i++ {
		if !data[i].Timestamp.After(data[i-1].Timestamp) {
			t.Fatalf("buffer out of order at %d", i)
		}
	}
}

func TestSymbolLimitEvictsStalest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSymbols = 2
	p := NewProcessor(cfg)
	now := time.Now().UTC()

	p.Ingest(tick("OLD/USDT", now.Add(-30*time.Minute), 1, 10))
	p.Ingest(tick("NEW/USDT", now, 2, 10))
	p.Ingest(tick("THIRD/USDT", now, 3, 10))

	if _, ok := p.Buffer("OLD/USDT"); ok {
		t.Fatal("stalest symbol should have been evicted")
	}
	if _, ok := p.Buffer("NEW/USDT"); !ok {
		t.Fatal("fresh symbol evicted instead")
	}
	if _, ok := p.Buffer("THIRD/USDT"); !ok {
		t.Fatal("new symbol missing")
	}
}

func TestVolumeSpikeDetection(t *testing.T) {
	p := NewProcessor(DefaultConfig())
	base := time.Now().UTC().Add(-20 * time.Minute)

	// 15 calm points then 5 at five times the volume.
	for i := 0; i < 15; i++ {
		p.Ingest(bar("BTC/USDT", base.Add(time.Duration(i)*time.Minute), 100, 1000))
	}
	for i := 15; i < 20; i++ {
		p.Ingest(bar("BTC/USDT", base.Add(time.Duration(i)*time.Minute), 100, 5000))
	}

	buf, _ := p.Buffer("BTC/USDT")
	event := detectVolumeSpike("BTC/USDT", buf)
	require.NotNil(t, event)
	assert.Equal(t, EventVolumeSpike, event.Type)
	// Five times historical volume saturates severity at 1.0.
	assert.InDelta(t, 1.0, event.Severity, 1e-9)
	assert.InDelta(t, 5.0, event.Data["spike_ratio"].(float64), 1e-9)
	assert.Contains(t, event.Message, "Volume spike detected")
}

func TestBullishBreakoutDetection(t *testing.T) {
	p := NewProcessor(DefaultConfig())
	base := time.Now().UTC().Add(-30 * time.Minute)

	// A flat 100-101 range, then a close well above resistance.
	for i := 0; i < 24; i++ {
		p.Ingest(bar("BTC/USDT", base.Add(time.Duration(i)*time.Minute), 100.5, 1000))
	}
	p.Ingest(bar("BTC/USDT", base.Add(24*time.Minute), 105.5, 1000))

	buf, _ := p.Buffer("BTC/USDT")
	event := detectPriceBreakout("BTC/USDT", buf)
	require.NotNil(t, event)
	assert.Equal(t, EventPriceBreakout, event.Type)
	assert.Equal(t, "bullish", event.Data["breakout_type"])
	assert.Equal(t, 0.7, event.Severity)
	// Resistance at 101 broken by about 4.5%.
	assert.InDelta(t, 4.455, event.Data["breakout_percentage"].(float64), 0.01)
}

func TestBearishBreakoutDetection(t *testing.T) {
	p := NewProcessor(DefaultConfig())
	base := time.Now().UTC().Add(-30 * time.Minute)

	for i := 0; i < 24; i++ {
		p.Ingest(bar("BTC/USDT", base.Add(time.Duration(i)*time.Minute), 100.5, 1000))
	}
	p.Ingest(bar("BTC/USDT", base.Add(24*time.Minute), 95, 1000))

	buf, _ := p.Buffer("BTC/USDT")
	event := detectPriceBreakout("BTC/USDT", buf)
	require.NotNil(t, event)
	assert.Equal(t, "bearish", event.Data["breakout_type"])
	assert.Contains(t, event.Message, "below support")
}

func TestNoBreakoutInsideRange(t *testing.T) {
	p := NewProcessor(DefaultConfig())
	base := time.Now().UTC().Add(-30 * time.Minute)
	for i := 0; i < 25; i++ {
		p.Ingest(bar("BTC/USDT", base.Add(time.Duration(i)*time.Minute), 100.5, 1000))
	}

	buf, _ := p.Buffer("BTC/USDT")
	if event := detectPriceBreakout("BTC/USDT", buf); event != nil {
		t.Fatalf("flat series should not break out: %+v", event)
	}
}

func TestVolatilityChangeDetection(t *testing.T) {
	p := NewProcessor(DefaultConfig())
	base := time.Now().UTC().Add(-2 * time.Hour)

	// 40 mildly wobbling points, then 20 alternating 3% swings.
	price := 100.0
	for i := 0; i < 40; i++ {
		if i%2 == 0 {
			price *= 1.002
		}
		p.Ingest(bar("BTC/USDT", base.Add(time.Duration(i)*time.Minute), price, 1000))
	}
	for i := 40; i < 60; i++ {
		if i%2 == 0 {
			price *= 1.03
		} else {
			price *= 0.97
		}
		p.Ingest(bar("BTC/USDT", base.Add(time.Duration(i)*time.Minute), price, 1000))
	}

	buf, _ := p.Buffer("BTC/USDT")
	event := detectVolatilityChange("BTC/USDT", buf)
	require.NotNil(t, event)
	assert.Equal(t, EventVolatilityChange, event.Type)
	assert.Equal(t, "increase", event.Data["change_type"])
	assert.Greater(t, event.Data["volatility_ratio"].(float64), 1.5)
}

func TestEmitIsolatesHandlerPanics(t *testing.T) {
	p := NewProcessor(DefaultConfig())

	var delivered []Event
	p.AddHandler(func(Event) { panic("boom") })
	p.AddHandler(func(e Event) { delivered = append(delivered, e) })

	p.emit(Event{Type: EventPriceUpdate, Symbol: "BTC/USDT"})
	require.Len(t, delivered, 1)

	st := p.Snapshot()
	assert.Equal(t, int64(1), st.EventsGenerated)
}

func TestProcessAggregation(t *testing.T) {
	p := NewProcessor(DefaultConfig())
	base := time.Now().UTC()
	for i := 0; i < 10; i++ {
		p.Ingest(tick("BTC/USDT", base.Add(-time.Duration(i)*time.Second), 100+float64(i), 10))
	}

	var events []Event
	p.AddHandler(func(e Event) { events = append(events, e) })

	agg := &Aggregation{Window: time.Minute, Type: "price_mean", OutputInterval: time.Second}
	p.processAggregation(agg, time.Now().UTC())

	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "AGGREGATED", e.Symbol)
	assert.Equal(t, "price_mean", e.Data["aggregation_type"])
	results := e.Data["results"].(map[string]any)
	assert.InDelta(t, 104.5, results["BTC/USDT"].(float64), 1e-9)
}

func TestRemoveFilter(t *testing.T) {
	p := NewProcessor(DefaultConfig())
	for _, f := range BasicFilters() {
		p.AddFilter(f)
	}
	p.RemoveFilter(FilterTimeWindow)

	// A day-old point now passes.
	p.Ingest(tick("BTC/USDT", time.Now().UTC().Add(-24*time.Hour), 100, 10))
	_, ok := p.Buffer("BTC/USDT")
	assert.True(t, ok)
}
