package marketdata

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/riskengine/internal/dataclean"
)

// DataKind identifies what a data point carries.
type DataKind string

const (
	KindOHLCV     DataKind = "ohlcv"
	KindTicker    DataKind = "ticker"
	KindOrderbook DataKind = "orderbook"
	KindTrades    DataKind = "trades"
	KindFunding   DataKind = "funding_rate"
)

// Timeframe is a candle interval.
type Timeframe string

const (
	TimeframeTick Timeframe = "tick"
	Timeframe1s   Timeframe = "1s"
	Timeframe1m   Timeframe = "1m"
	Timeframe5m   Timeframe = "5m"
	Timeframe15m  Timeframe = "15m"
	Timeframe30m  Timeframe = "30m"
	Timeframe1h   Timeframe = "1h"
	Timeframe4h   Timeframe = "4h"
	Timeframe1d   Timeframe = "1d"
	Timeframe1w   Timeframe = "1w"
)

// Point is a single market observation. OHLCV fields are optional: ticker
// points carry only a close price. Points are immutable once constructed;
// cleaning produces new points rather than editing old ones.
type Point struct {
	Symbol    string               `json:"symbol"`
	Timestamp time.Time            `json:"timestamp"`
	Source    string               `json:"source"`
	Kind      DataKind             `json:"kind"`
	Open      decimal.NullDecimal  `json:"open,omitempty"`
	High      decimal.NullDecimal  `json:"high,omitempty"`
	Low       decimal.NullDecimal  `json:"low,omitempty"`
	Close     decimal.NullDecimal  `json:"close,omitempty"`
	Volume    decimal.NullDecimal  `json:"volume,omitempty"`
	Metadata  map[string]string    `json:"metadata,omitempty"`
}

// D wraps a decimal into a valid optional field.
func D(v decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: v, Valid: true}
}

// CloseFloat returns the close price as float64 for statistical work.
func (p Point) CloseFloat() (float64, bool) {
	if !p.Close.Valid {
		return 0, false
	}
	f, _ := p.Close.Decimal.Float64()
	return f, true
}

// VolumeFloat returns the volume as float64.
func (p Point) VolumeFloat() (float64, bool) {
	if !p.Volume.Valid {
		return 0, false
	}
	f, _ := p.Volume.Decimal.Float64()
	return f, true
}

// HighFloat returns the high price as float64.
func (p Point) HighFloat() (float64, bool) {
	if !p.High.Valid {
		return 0, false
	}
	f, _ := p.High.Decimal.Float64()
	return f, true
}

// LowFloat returns the low price as float64.
func (p Point) LowFloat() (float64, bool) {
	if !p.Low.Valid {
		return 0, false
	}
	f, _ := p.Low.Decimal.Float64()
	return f, true
}

// Record converts the point into a cleaning row. Missing fields become NaN,
// matching how the cleaner marks absent values.
func (p Point) Record() dataclean.Record {
	return dataclean.Record{
		Timestamp: p.Timestamp,
		Open:      nullToNaN(p.Open),
		High:      nullToNaN(p.High),
		Low:       nullToNaN(p.Low),
		Close:     nullToNaN(p.Close),
		Volume:    nullToNaN(p.Volume),
	}
}

// FromRecord rebuilds a point from a cleaned row, preserving the identity
// fields and metadata of the original point.
func (p Point) FromRecord(r dataclean.Record) Point {
	out := p
	out.Timestamp = r.Timestamp
	out.Open = nanToNull(r.Open)
	out.High = nanToNull(r.High)
	out.Low = nanToNull(r.Low)
	out.Close = nanToNull(r.Close)
	out.Volume = nanToNull(r.Volume)
	return out
}

func nullToNaN(v decimal.NullDecimal) float64 {
	if !v.Valid {
		return math.NaN()
	}
	f, _ := v.Decimal.Float64()
	return f
}

func nanToNull(f float64) decimal.NullDecimal {
	if math.IsNaN(f) {
		return decimal.NullDecimal{}
	}
	return D(decimal.NewFromFloat(f))
}
