package risk

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfold/riskengine/internal/observ"
	"github.com/quantfold/riskengine/internal/portfolio"
)

// defaultRiskFreeRate is the annual risk-free rate used for Sharpe ratios.
const defaultRiskFreeRate = 0.02

// Calculator computes portfolio risk metrics and validates proposed trades
// against configured limits. Safe for concurrent use; all state is read-only
// after construction.
type Calculator struct {
	limits   Limits
	riskFree float64
	log      *zap.Logger
}

// NewCalculator builds a calculator enforcing the given limits.
func NewCalculator(limits Limits) *Calculator {
	return &Calculator{
		limits:   limits,
		riskFree: defaultRiskFreeRate,
		log:      observ.Named("risk"),
	}
}

// Limits returns the configured limit set.
func (c *Calculator) Limits() Limits { return c.limits }

// ConcentrationRisk scores how concentrated the portfolio is, 0 for an
// equal-weighted book and 1 for a single position, via a normalized
// Herfindahl index.
func (c *Calculator) ConcentrationRisk(pf *portfolio.Portfolio) float64 {
	weights := positionWeights(pf)
	n := len(weights)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return 1.0
	}
	// Weights are renormalized to gross exposure so cash does not dilute
	// the index.
	gross := 0.0
	for _, w := range weights {
		gross += w
	}
	if gross == 0 {
		return 0
	}
	hhi := 0.0
	for _, w := range weights {
		share := w / gross
		hhi += share * share
	}
	minHHI := 1.0 / float64(n)
	return math.Min(1.0, math.Max(0, (hhi-minHHI)/(1-minHHI)))
}

// CorrelationRisk returns the pairwise-weighted average absolute correlation
// across active positions, 0 when fewer than two positions or no matrix.
func (c *Calculator) CorrelationRisk(pf *portfolio.Portfolio, corr CorrelationMatrix) float64 {
	if len(corr) == 0 {
		return 0
	}
	weights := positionWeights(pf)
	if len(weights) < 2 {
		return 0
	}
	symbols := make([]string, 0, len(weights))
	for s := range weights {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var weighted, totalWeight float64
	for i, a := range symbols {
		for j, b := range symbols {
			if i == j {
				continue
			}
			rho, ok := corr.Get(a, b)
			if !ok {
				continue
			}
			w := weights[a] * weights[b]
			weighted += math.Abs(rho) * w
			totalWeight += w
		}
	}
	if totalWeight == 0 {
		return 0
	}
	return weighted / totalWeight
}

// LiquidityScore estimates how easily the book unwinds, 1 for perfectly
// liquid. Positions large relative to daily volume and symbols outside the
// major pairs score lower.
func (c *Calculator) LiquidityScore(pf *portfolio.Portfolio, dailyVolumes map[string]decimal.Decimal) float64 {
	active := pf.ActivePositions()
	if len(active) == 0 {
		return 1.0
	}
	total := pf.TotalValue()
	if total.IsZero() {
		return 1.0
	}

	var weightedScore, totalWeight float64
	for _, p := range active {
		weight, _ := p.MarketValue().Div(total).Float64()
		var factors []float64

		if dv, ok := dailyVolumes[p.Symbol]; ok && dv.IsPositive() && p.LastPrice.IsPositive() {
			dollarVolume := dv.Mul(p.LastPrice)
			ratio, _ := p.MarketValue().Div(dollarVolume).Float64()
			factors = append(factors, math.Max(0, 1-ratio*0.1))
		}

		switch {
		case strings.Contains(p.Symbol, "BTC") || strings.Contains(p.Symbol, "ETH"):
			factors = append(factors, 0.9)
		case strings.Contains(p.Symbol, "USDT") || strings.Contains(p.Symbol, "USD"):
			factors = append(factors, 0.95)
		default:
			factors = append(factors, 0.7)
		}

		weightedScore += mean(factors) * weight
		totalWeight += weight
	}
	if totalWeight == 0 {
		return 1.0
	}
	return weightedScore / totalWeight
}

// LeverageRatio returns gross position exposure over total equity.
func (c *Calculator) LeverageRatio(pf *portfolio.Portfolio) float64 {
	total := pf.TotalValue()
	if total.IsZero() {
		return 1.0
	}
	gross := decimal.Zero
	for _, p := range pf.ActivePositions() {
		gross = gross.Add(p.MarketValue())
	}
	ratio, _ := gross.Div(total).Float64()
	return ratio
}

// Assess runs a full risk assessment over the portfolio and the supplied
// market history.
func (c *Calculator) Assess(pf *portfolio.Portfolio, snap MarketSnapshot) Metrics {
	start := time.Now()
	m := NewMetrics()
	m.PortfolioValue = pf.TotalValue()

	if len(snap.Returns) >= minSamples {
		pv := m.PortfolioValue
		m.VaR95 = pv.Mul(decimal.NewFromFloat(VaR(snap.Returns, 0.95)))
		m.VaR99 = pv.Mul(decimal.NewFromFloat(VaR(snap.Returns, 0.99)))
		m.ExpectedShortfall = pv.Mul(decimal.NewFromFloat(ExpectedShortfall(snap.Returns, 0.95)))
	}
	m.MaxDrawdown, m.CurrentDrawdown = Drawdown(snap.Values)
	m.VolatilityAnnual = Volatility(snap.Returns, true)
	m.SharpeRatio = SharpeRatio(snap.Returns, c.riskFree)
	m.Beta = Beta(snap.Returns, snap.MarketReturns)
	m.ConcentrationRisk = c.ConcentrationRisk(pf)
	m.CorrelationRisk = c.CorrelationRisk(pf, snap.Correlations)
	m.LiquidityScore = c.LiquidityScore(pf, snap.DailyVolumes)
	m.LeverageRatio = c.LeverageRatio(pf)

	m.RiskScore = c.compositeScore(m)
	m.RiskLevel = LevelForScore(m.RiskScore)
	m.CalculatedAt = time.Now().UTC()

	observ.AssessmentDuration.Observe(time.Since(start).Seconds())
	observ.RiskScore.Set(m.RiskScore)
	c.log.Debug("risk assessment complete",
		zap.String("portfolio", pf.ID),
		zap.Float64("score", m.RiskScore),
		zap.String("level", string(m.RiskLevel)),
	)
	return m
}

// compositeScore folds the individual risk dimensions into a 0-100 score.
func (c *Calculator) compositeScore(m Metrics) float64 {
	score := m.ConcentrationRisk*20 +
		m.CorrelationRisk*15 +
		(1-m.LiquidityScore)*15 +
		math.Min(1, m.LeverageRatio/3)*15 +
		math.Min(1, m.VolatilityAnnual/50)*20 +
		math.Min(1, m.CurrentDrawdown/20)*15
	return math.Min(100, math.Max(0, score))
}

// ValidateTrade checks a proposed trade against position and portfolio
// limits. It returns false with one violation message per breached limit;
// metrics may be nil when no assessment is available.
func (c *Calculator) ValidateTrade(t portfolio.Trade, pf *portfolio.Portfolio, m *Metrics) (bool, []string) {
	var violations []string
	reject := func(check, msg string) {
		violations = append(violations, msg)
		observ.TradeRejections.WithLabelValues(check).Inc()
	}

	total := pf.TotalValue()
	if total.IsZero() {
		return true, nil
	}

	tradeValue := t.Value()
	positionPct, _ := tradeValue.Div(total).Mul(decimal.NewFromInt(100)).Float64()
	if positionPct > c.limits.MaxPositionSizePct {
		reject("position_size", fmt.Sprintf("Position size for %s (%.1f%%) exceeds limit of %.1f%%",
			t.Symbol, positionPct, c.limits.MaxPositionSizePct))
	}

	existing := decimal.Zero
	if p, ok := pf.Positions[t.Symbol]; ok {
		existing = p.MarketValue()
	}
	combinedPct, _ := existing.Add(tradeValue).Div(total).Mul(decimal.NewFromInt(100)).Float64()
	if combinedPct > c.limits.MaxPositionSizePct {
		reject("concentration", fmt.Sprintf("Total exposure to %s (%.1f%%) would exceed limit of %.1f%%",
			t.Symbol, combinedPct, c.limits.MaxPositionSizePct))
	}

	if m != nil {
		if m.LeverageRatio > c.limits.MaxLeverageRatio {
			reject("leverage", fmt.Sprintf("Leverage ratio %.2f exceeds limit of %.2f",
				m.LeverageRatio, c.limits.MaxLeverageRatio))
		}
		if m.CurrentDrawdown > c.limits.MaxDrawdownPct {
			reject("drawdown", fmt.Sprintf("Current drawdown %.1f%% exceeds limit of %.1f%%",
				m.CurrentDrawdown, c.limits.MaxDrawdownPct))
		}
		if m.LiquidityScore < c.limits.MinLiquidityScore {
			reject("liquidity", fmt.Sprintf("Liquidity score %.2f below minimum of %.2f",
				m.LiquidityScore, c.limits.MinLiquidityScore))
		}
		if m.PortfolioValue.IsPositive() {
			varPct, _ := m.VaR95.Div(m.PortfolioValue).Mul(decimal.NewFromInt(100)).Float64()
			if varPct > c.limits.MaxPortfolioVaRPct {
				reject("var", fmt.Sprintf("Portfolio VaR %.1f%% exceeds limit of %.1f%%",
					varPct, c.limits.MaxPortfolioVaRPct))
			}
		}
	}

	if len(violations) > 0 {
		c.log.Warn("trade rejected",
			zap.String("symbol", t.Symbol),
			zap.Strings("violations", violations),
		)
		return false, violations
	}
	return true, nil
}

func positionWeights(pf *portfolio.Portfolio) map[string]float64 {
	total := pf.TotalValue()
	weights := make(map[string]float64)
	if total.IsZero() {
		return weights
	}
	for _, p := range pf.ActivePositions() {
		w, _ := p.MarketValue().Div(total).Float64()
		weights[p.Symbol] = w
	}
	return weights
}
