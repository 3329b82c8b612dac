package stream

import (
	"fmt"
	"math"
)

// Detector inspects a symbol's buffer and returns an event when a pattern
// fires, or nil.
type Detector func(symbol string, buf *Buffer) *Event

func defaultDetectors() map[string]Detector {
	return map[string]Detector{
		"volume_spike":      detectVolumeSpike,
		"price_breakout":    detectPriceBreakout,
		"volatility_change": detectVolatilityChange,
	}
}

// detectVolumeSpike fires when the mean volume of the last 5 points exceeds
// three times the mean of the points before them.
func detectVolumeSpike(symbol string, buf *Buffer) *Event {
	recent := buf.Data(noSince, 20)
	if len(recent) < 10 {
		return nil
	}
	var volumes []float64
	for _, p := range recent {
		if v, ok := p.VolumeFloat(); ok {
			volumes = append(volumes, v)
		}
	}
	if len(volumes) < 10 {
		return nil
	}

	recentAvg := meanOf(volumes[len(volumes)-5:])
	histAvg := meanOf(volumes[:len(volumes)-5])
	if histAvg <= 0 || recentAvg <= histAvg*3 {
		return nil
	}

	severity := math.Min(1.0, recentAvg/(histAvg*3))
	ratio := recentAvg / histAvg
	return &Event{
		Type:      EventVolumeSpike,
		Symbol:    symbol,
		Timestamp: recent[len(recent)-1].Timestamp,
		Data: map[string]any{
			"recent_volume":     recentAvg,
			"historical_volume": histAvg,
			"spike_ratio":       ratio,
		},
		Severity: severity,
		Message:  fmt.Sprintf("Volume spike detected: %.0f vs %.0f (ratio: %.1fx)", recentAvg, histAvg, ratio),
	}
}

// detectPriceBreakout fires when the latest close escapes the high/low range
// of the preceding window by more than 1%.
func detectPriceBreakout(symbol string, buf *Buffer) *Event {
	recent := buf.Data(noSince, 50)
	if len(recent) < 20 {
		return nil
	}
	var prices []float64
	for _, p := range recent {
		if v, ok := p.CloseFloat(); ok {
			prices = append(prices, v)
		}
	}
	if len(prices) < 20 {
		return nil
	}

	// Support and resistance come from the 19 bars preceding the latest one.
	window := recent[len(recent)-20 : len(recent)-1]
	var highs, lows []float64
	for _, p := range window {
		if v, ok := p.HighFloat(); ok {
			highs = append(highs, v)
		}
		if v, ok := p.LowFloat(); ok {
			lows = append(lows, v)
		}
	}
	if len(highs) == 0 || len(lows) == 0 {
		return nil
	}

	resistance, support := highs[0], lows[0]
	for _, v := range highs {
		if v > resistance {
			resistance = v
		}
	}
	for _, v := range lows {
		if v < support {
			support = v
		}
	}
	current := prices[len(prices)-1]

	const threshold = 0.01
	switch {
	case current > resistance*(1+threshold):
		return &Event{
			Type:      EventPriceBreakout,
			Symbol:    symbol,
			Timestamp: recent[len(recent)-1].Timestamp,
			Data: map[string]any{
				"breakout_type":       "bullish",
				"current_price":       current,
				"resistance_level":    resistance,
				"breakout_percentage": (current - resistance) / resistance * 100,
			},
			Severity: 0.7,
			Message:  fmt.Sprintf("Bullish breakout: %.2f above resistance %.2f", current, resistance),
		}
	case current < support*(1-threshold):
		return &Event{
			Type:      EventPriceBreakout,
			Symbol:    symbol,
			Timestamp: recent[len(recent)-1].Timestamp,
			Data: map[string]any{
				"breakout_type":       "bearish",
				"current_price":       current,
				"support_level":       support,
				"breakout_percentage": (support - current) / support * 100,
			},
			Severity: 0.7,
			Message:  fmt.Sprintf("Bearish breakout: %.2f below support %.2f", current, support),
		}
	}
	return nil
}

// detectVolatilityChange fires when annualized volatility of the last 20
// log returns moves 50% above or a third below the volatility of the prior
// returns.
func detectVolatilityChange(symbol string, buf *Buffer) *Event {
	recent := buf.Data(noSince, 100)
	if len(recent) < 50 {
		return nil
	}
	var prices []float64
	for _, p := range recent {
		if v, ok := p.CloseFloat(); ok && v > 0 {
			prices = append(prices, v)
		}
	}
	if len(prices) < 50 {
		return nil
	}

	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		returns[i-1] = math.Log(prices[i] / prices[i-1])
	}

	// Annualized assuming one-minute spacing.
	const annualize = 37.947331922020555 // sqrt(1440)
	split := len(returns) - 20
	recentVol := stdOf(returns[split:]) * annualize
	histVol := stdOf(returns[:split]) * annualize

	ratio := 1.0
	if histVol > 0 {
		ratio = recentVol / histVol
	}
	if ratio <= 1.5 && ratio >= 0.67 {
		return nil
	}

	changeType := "increase"
	if ratio < 1 {
		changeType = "decrease"
	}
	return &Event{
		Type:      EventVolatilityChange,
		Symbol:    symbol,
		Timestamp: recent[len(recent)-1].Timestamp,
		Data: map[string]any{
			"change_type":           changeType,
			"recent_volatility":     recentVol,
			"historical_volatility": histVol,
			"volatility_ratio":      ratio,
		},
		Severity: math.Min(1.0, math.Abs(ratio-1)),
		Message:  fmt.Sprintf("Volatility %s: %.1f%% vs %.1f%%", changeType, recentVol, histVol),
	}
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdOf(values []float64) float64 {
	return populationStd(values, meanOf(values))
}
