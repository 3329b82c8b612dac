package stream

import (
	"math"
	"sync"
	"time"

	"github.com/quantfold/riskengine/internal/marketdata"
)

// Buffer is a bounded, time-aware ring of data points for one symbol. It
// holds at most maxSize points and discards points older than maxAge on
// insert. Safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	data    []marketdata.Point
	maxSize int
	maxAge  time.Duration
}

// NewBuffer builds a buffer with the given capacity and retention.
func NewBuffer(maxSize int, maxAge time.Duration) *Buffer {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Buffer{maxSize: maxSize, maxAge: maxAge}
}

// Add appends a point, evicting the oldest when full and dropping expired
// points.
func (b *Buffer) Add(p marketdata.Point) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p)
	if len(b.data) > b.maxSize {
		b.data = b.data[len(b.data)-b.maxSize:]
	}
	cutoff := time.Now().UTC().Add(-b.maxAge)
	i := 0
	for i < len(b.data) && b.data[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.data = append([]marketdata.Point(nil), b.data[i:]...)
	}
}

// Data returns points newer than since, capped at limit, oldest first. Zero
// values disable the respective constraint.
func (b *Buffer) Data(since time.Time, limit int) []marketdata.Point {
	b.mu.Lock()
	defer b.mu.Unlock()

	if since.IsZero() && limit <= 0 {
		out := make([]marketdata.Point, len(b.data))
		copy(out, b.data)
		return out
	}

	var out []marketdata.Point
	for i := len(b.data) - 1; i >= 0; i-- {
		if !since.IsZero() && b.data[i].Timestamp.Before(since) {
			break
		}
		out = append(out, b.data[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	// Restore chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Latest returns the most recent point, if any.
func (b *Buffer) Latest() (marketdata.Point, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) == 0 {
		return marketdata.Point{}, false
	}
	return b.data[len(b.data)-1], true
}

// Len returns the current point count.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// BufferStats summarizes a buffer's contents.
type BufferStats struct {
	Count       int       `json:"count"`
	Oldest      time.Time `json:"oldest,omitempty"`
	Newest      time.Time `json:"newest,omitempty"`
	TimeSpanSec float64   `json:"time_span_seconds"`
	PriceMin    float64   `json:"price_min,omitempty"`
	PriceMax    float64   `json:"price_max,omitempty"`
	PriceMean   float64   `json:"price_mean,omitempty"`
	PriceStd    float64   `json:"price_std,omitempty"`
	VolumeTotal float64   `json:"volume_total,omitempty"`
	VolumeMean  float64   `json:"volume_mean,omitempty"`
	VolumeMax   float64   `json:"volume_max,omitempty"`
}

// Stats computes summary statistics over the buffered points.
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := BufferStats{Count: len(b.data)}
	if len(b.data) == 0 {
		return st
	}
	st.Oldest = b.data[0].Timestamp
	st.Newest = b.data[len(b.data)-1].Timestamp
	for _, p := range b.data {
		if p.Timestamp.Before(st.Oldest) {
			st.Oldest = p.Timestamp
		}
		if p.Timestamp.After(st.Newest) {
			st.Newest = p.Timestamp
		}
	}
	st.TimeSpanSec = st.Newest.Sub(st.Oldest).Seconds()

	var prices, volumes []float64
	for _, p := range b.data {
		if v, ok := p.CloseFloat(); ok {
			prices = append(prices, v)
		}
		if v, ok := p.VolumeFloat(); ok {
			volumes = append(volumes, v)
		}
	}
	if len(prices) > 0 {
		st.PriceMin, st.PriceMax = prices[0], prices[0]
		sum := 0.0
		for _, v := range prices {
			if v < st.PriceMin {
				st.PriceMin = v
			}
			if v > st.PriceMax {
				st.PriceMax = v
			}
			sum += v
		}
		st.PriceMean = sum / float64(len(prices))
		st.PriceStd = populationStd(prices, st.PriceMean)
	}
	if len(volumes) > 0 {
		st.VolumeMax = volumes[0]
		for _, v := range volumes {
			st.VolumeTotal += v
			if v > st.VolumeMax {
				st.VolumeMax = v
			}
		}
		st.VolumeMean = st.VolumeTotal / float64(len(volumes))
	}
	return st
}

func populationStd(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}
