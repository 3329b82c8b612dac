package risk

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// minSamples is the smallest return series the tail-risk estimators accept.
// Below it VaR and expected shortfall report zero and beta reports the market.
const minSamples = 30

// tradingDaysPerYear annualizes daily return statistics.
const tradingDaysPerYear = 252

// VaR returns value-at-risk at the given confidence as a positive fractional
// loss. Series shorter than 30 samples yield zero.
func VaR(returns []float64, confidence float64) float64 {
	if len(returns) < minSamples {
		return 0
	}
	v := -percentile(returns, (1-confidence)*100)
	return math.Max(0, v)
}

// ExpectedShortfall returns the mean loss beyond the VaR threshold at the
// given confidence, as a positive fraction. Series shorter than 30 samples
// yield zero.
func ExpectedShortfall(returns []float64, confidence float64) float64 {
	if len(returns) < minSamples {
		return 0
	}
	threshold := percentile(returns, (1-confidence)*100)
	var tail []float64
	for _, r := range returns {
		if r <= threshold {
			tail = append(tail, r)
		}
	}
	if len(tail) == 0 {
		return 0
	}
	return math.Max(0, -mean(tail))
}

// Drawdown walks an equity curve and returns the maximum and current
// drawdowns as percentages of the running peak.
func Drawdown(values []decimal.Decimal) (maxDD, currentDD float64) {
	if len(values) < 2 {
		return 0, 0
	}
	floats := make([]float64, len(values))
	for i, v := range values {
		floats[i], _ = v.Float64()
	}

	peak := floats[0]
	for _, v := range floats {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := (peak - v) / peak * 100
			if dd > maxDD {
				maxDD = dd
			}
		}
	}

	high := floats[0]
	for _, v := range floats {
		if v > high {
			high = v
		}
	}
	if high > 0 {
		currentDD = (high - floats[len(floats)-1]) / high * 100
	}
	return maxDD, currentDD
}

// Volatility returns the sample standard deviation of returns as a
// percentage, annualized over 252 trading days when requested.
func Volatility(returns []float64, annualize bool) float64 {
	if len(returns) < 2 {
		return 0
	}
	vol := sampleStd(returns)
	if annualize {
		vol *= math.Sqrt(tradingDaysPerYear)
	}
	return vol * 100
}

// SharpeRatio returns the annualized excess return per unit of volatility,
// against the given annual risk-free rate.
func SharpeRatio(returns []float64, riskFree float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	vol := sampleStd(returns) * math.Sqrt(tradingDaysPerYear)
	if vol == 0 {
		return 0
	}
	excess := mean(returns)*tradingDaysPerYear - riskFree
	return excess / vol
}

// Beta regresses portfolio returns on market returns. Short or degenerate
// series report the market beta of 1.0.
func Beta(portfolioReturns, marketReturns []float64) float64 {
	if len(portfolioReturns) < minSamples || len(marketReturns) < minSamples {
		return 1.0
	}
	n := len(portfolioReturns)
	if len(marketReturns) < n {
		n = len(marketReturns)
	}
	p := portfolioReturns[len(portfolioReturns)-n:]
	m := marketReturns[len(marketReturns)-n:]

	marketVar := sampleVariance(m)
	if marketVar == 0 {
		return 1.0
	}
	return sampleCovariance(p, m) / marketVar
}

// percentile computes the q-th percentile (0-100) with linear interpolation
// between closest ranks.
func percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if q <= 0 {
		return sorted[0]
	}
	if q >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := q / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func sampleVariance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	sum := 0.0
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return sum / float64(len(values)-1)
}

func sampleStd(values []float64) float64 {
	return math.Sqrt(sampleVariance(values))
}

func sampleCovariance(a, b []float64) float64 {
	if len(a) != len(b) || len(a) < 2 {
		return 0
	}
	ma, mb := mean(a), mean(b)
	sum := 0.0
	for i := range a {
		sum += (a[i] - ma) * (b[i] - mb)
	}
	return sum / float64(len(a)-1)
}
