package risk

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfold/riskengine/internal/observ"
	"github.com/quantfold/riskengine/internal/portfolio"
)

// Method selects a position sizing algorithm.
type Method string

const (
	MethodFixedAmount        Method = "fixed_amount"
	MethodFixedPercentage    Method = "fixed_percentage"
	MethodVolatilityAdjusted Method = "volatility_adjusted"
	MethodKellyCriterion     Method = "kelly_criterion"
	MethodRiskParity         Method = "risk_parity"
	MethodATRBased           Method = "atr_based"
)

// SizerConfig holds the sizing model parameters.
type SizerConfig struct {
	KellyWinRate          float64 `yaml:"kelly_win_rate"`
	KellyAvgWin           float64 `yaml:"kelly_avg_win"`
	KellyAvgLoss          float64 `yaml:"kelly_avg_loss"`
	KellyMaxFraction      float64 `yaml:"kelly_max_fraction"`
	VolTargetAnnual       float64 `yaml:"vol_target_annual"`
	VolLookbackDays       int     `yaml:"vol_lookback_days"`
	RiskBudgetPerPosition float64 `yaml:"risk_budget_per_position"`
	BaseAllocationPct     float64 `yaml:"base_allocation_pct"`
	ATRMultiplier         float64 `yaml:"atr_multiplier"`
	RiskPerTradePct       float64 `yaml:"risk_per_trade_pct"`
	MaxActivePositions    int     `yaml:"max_active_positions"`
}

// DefaultSizerConfig returns the stock sizing parameters.
func DefaultSizerConfig() SizerConfig {
	return SizerConfig{
		KellyWinRate:          0.55,
		KellyAvgWin:           0.06,
		KellyAvgLoss:          0.03,
		KellyMaxFraction:      0.25,
		VolTargetAnnual:       0.20,
		VolLookbackDays:       30,
		RiskBudgetPerPosition: 0.05,
		BaseAllocationPct:     10.0,
		ATRMultiplier:         2.0,
		RiskPerTradePct:       2.0,
		MaxActivePositions:    20,
	}
}

// SizeResult is one sizing decision. Size and RiskAmount are in the
// portfolio base currency; Shares is in units of the asset.
type SizeResult struct {
	Size           decimal.Decimal   `json:"size"`
	Shares         decimal.Decimal   `json:"size_shares"`
	RiskAmount     decimal.Decimal   `json:"risk_amount"`
	RiskPercentage float64           `json:"risk_percentage"`
	Confidence     float64           `json:"confidence"`
	Method         Method            `json:"method_used"`
	Constraints    []string          `json:"constraints_applied,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// MarketInfo bundles per-symbol market inputs for sizing.
type MarketInfo struct {
	Price      decimal.Decimal
	Volatility float64 // annualized, as a fraction
	ATR        decimal.Decimal
}

// Sizer computes position sizes under the configured limits. Safe for
// concurrent use.
type Sizer struct {
	limits Limits
	cfg    SizerConfig
	log    *zap.Logger
}

// NewSizer builds a sizer from limits and model parameters.
func NewSizer(limits Limits, cfg SizerConfig) *Sizer {
	return &Sizer{limits: limits, cfg: cfg, log: observ.Named("sizer")}
}

// FixedAmount sizes a position at a fixed currency amount.
func (s *Sizer) FixedAmount(amount, price decimal.Decimal) SizeResult {
	shares := decimal.Zero
	if price.IsPositive() {
		shares = amount.Div(price)
	}
	risk := amount.Mul(decimal.NewFromFloat(0.02))
	return SizeResult{
		Size:           amount,
		Shares:         shares,
		RiskAmount:     risk,
		RiskPercentage: 2.0,
		Confidence:     1.0,
		Method:         MethodFixedAmount,
	}
}

// FixedPercentage sizes a position at a fixed share of portfolio value.
func (s *Sizer) FixedPercentage(portfolioValue decimal.Decimal, pct float64, price decimal.Decimal) SizeResult {
	size := portfolioValue.Mul(decimal.NewFromFloat(pct / 100))
	shares := decimal.Zero
	if price.IsPositive() {
		shares = size.Div(price)
	}
	return SizeResult{
		Size:           size,
		Shares:         shares,
		RiskAmount:     size.Mul(decimal.NewFromFloat(0.02)),
		RiskPercentage: pct * 0.02,
		Confidence:     0.8,
		Method:         MethodFixedPercentage,
	}
}

// VolatilityAdjusted scales a base allocation inversely with asset
// volatility toward the configured volatility target.
func (s *Sizer) VolatilityAdjusted(portfolioValue, price decimal.Decimal, assetVol float64) SizeResult {
	if assetVol <= 0 {
		assetVol = 0.20
	}
	adjustment := s.cfg.VolTargetAnnual / assetVol

	size := portfolioValue.Mul(decimal.NewFromFloat(s.cfg.BaseAllocationPct / 100 * adjustment))
	res := SizeResult{
		Confidence: 0.75,
		Method:     MethodVolatilityAdjusted,
		Metadata: map[string]string{
			"asset_volatility": fmt.Sprintf("%.4f", assetVol),
			"vol_adjustment":   fmt.Sprintf("%.4f", adjustment),
		},
	}

	maxSize := portfolioValue.Mul(decimal.NewFromFloat(s.limits.MaxPositionSizePct / 100))
	if size.Cmp(maxSize) > 0 {
		size = maxSize
		res.Constraints = append(res.Constraints, "Position capped at maximum size limit")
	}
	res.Size = size
	if price.IsPositive() {
		res.Shares = size.Div(price)
	}
	res.RiskAmount = size.Mul(decimal.NewFromFloat(assetVol * 2))
	res.RiskPercentage = riskPct(res.RiskAmount, portfolioValue)
	return res
}

// Kelly sizes by the Kelly criterion on the signal's win statistics, capped
// at the configured maximum fraction.
func (s *Sizer) Kelly(portfolioValue, price decimal.Decimal, winRate, avgWin, avgLoss float64) SizeResult {
	if winRate <= 0 {
		winRate = s.cfg.KellyWinRate
	}
	if avgWin <= 0 {
		avgWin = s.cfg.KellyAvgWin
	}
	if avgLoss <= 0 {
		avgLoss = s.cfg.KellyAvgLoss
	}

	res := SizeResult{
		Method: MethodKellyCriterion,
		Metadata: map[string]string{
			"win_rate": fmt.Sprintf("%.4f", winRate),
			"avg_win":  fmt.Sprintf("%.4f", avgWin),
			"avg_loss": fmt.Sprintf("%.4f", avgLoss),
		},
	}

	b := avgWin / avgLoss
	fraction := (b*winRate - (1 - winRate)) / b
	if fraction <= 0 {
		res.Constraints = append(res.Constraints, "Negative Kelly fraction - no position recommended")
		res.Size = decimal.Zero
		res.Shares = decimal.Zero
		res.RiskAmount = decimal.Zero
		res.Confidence = 0.1
		res.Metadata["kelly_fraction"] = fmt.Sprintf("%.4f", fraction)
		return res
	}
	if fraction > s.cfg.KellyMaxFraction {
		fraction = s.cfg.KellyMaxFraction
		res.Constraints = append(res.Constraints, "Kelly fraction capped at maximum")
	}
	res.Metadata["kelly_fraction"] = fmt.Sprintf("%.4f", fraction)

	res.Size = portfolioValue.Mul(decimal.NewFromFloat(fraction))
	if price.IsPositive() {
		res.Shares = res.Size.Div(price)
	}
	res.RiskAmount = res.Size.Mul(decimal.NewFromFloat(avgLoss))
	res.RiskPercentage = riskPct(res.RiskAmount, portfolioValue)
	res.Confidence = math.Min(0.9, fraction/0.2)
	return res
}

// ATRBased risks a fixed fraction of the portfolio per trade against a stop
// placed a multiple of the average true range away.
func (s *Sizer) ATRBased(portfolioValue, price, atr decimal.Decimal) SizeResult {
	if !atr.IsPositive() {
		atr = price.Mul(decimal.NewFromFloat(0.02))
	}
	stop := atr.Mul(decimal.NewFromFloat(s.cfg.ATRMultiplier))

	res := SizeResult{
		Confidence: 0.85,
		Method:     MethodATRBased,
		Metadata: map[string]string{
			"atr":           atr.String(),
			"stop_distance": stop.String(),
		},
	}
	if !stop.IsPositive() || !price.IsPositive() {
		return res
	}

	risk := portfolioValue.Mul(decimal.NewFromFloat(s.cfg.RiskPerTradePct / 100))
	shares := risk.Div(stop)
	size := shares.Mul(price)

	maxSize := portfolioValue.Mul(decimal.NewFromFloat(s.limits.MaxPositionSizePct / 100))
	if size.Cmp(maxSize) > 0 {
		size = maxSize
		shares = size.Div(price)
		risk = shares.Mul(stop)
		res.Constraints = append(res.Constraints, "Position capped at maximum size limit")
	}
	res.Size = size
	res.Shares = shares
	res.RiskAmount = risk
	res.RiskPercentage = riskPct(risk, portfolioValue)
	return res
}

// RiskParity allocates a fixed risk budget per position, sized down as asset
// volatility rises.
func (s *Sizer) RiskParity(portfolioValue, price decimal.Decimal, assetVol float64) SizeResult {
	if assetVol <= 0 {
		assetVol = 0.20
	}
	res := SizeResult{
		Confidence: 0.8,
		Method:     MethodRiskParity,
		Metadata: map[string]string{
			"asset_volatility": fmt.Sprintf("%.4f", assetVol),
		},
	}

	budget := portfolioValue.Mul(decimal.NewFromFloat(s.cfg.RiskBudgetPerPosition))
	size := budget.Div(decimal.NewFromFloat(assetVol))

	maxSize := portfolioValue.Mul(decimal.NewFromFloat(s.limits.MaxPositionSizePct / 100))
	if size.Cmp(maxSize) > 0 {
		size = maxSize
		res.Constraints = append(res.Constraints, "Position capped at maximum size limit")
	}
	res.Size = size
	if price.IsPositive() {
		res.Shares = size.Div(price)
	}
	res.RiskAmount = size.Mul(decimal.NewFromFloat(assetVol))
	res.RiskPercentage = riskPct(res.RiskAmount, portfolioValue)
	return res
}

// Optimal runs the chosen method, then applies signal-quality and portfolio
// level constraints.
func (s *Sizer) Optimal(pf *portfolio.Portfolio, sig portfolio.Signal, market MarketInfo, method Method) SizeResult {
	pv := pf.TotalValue()
	if pv.IsZero() || !market.Price.IsPositive() {
		return SizeResult{
			Method:      method,
			Constraints: []string{"Zero portfolio value or price"},
		}
	}

	var res SizeResult
	switch method {
	case MethodFixedAmount:
		res = s.FixedAmount(pv.Mul(decimal.NewFromFloat(0.10)), market.Price)
	case MethodFixedPercentage:
		res = s.FixedPercentage(pv, s.cfg.BaseAllocationPct, market.Price)
	case MethodKellyCriterion:
		res = s.Kelly(pv, market.Price, sig.WinRate, sig.AvgWin, sig.AvgLoss)
	case MethodRiskParity:
		res = s.RiskParity(pv, market.Price, market.Volatility)
	case MethodATRBased:
		res = s.ATRBased(pv, market.Price, market.ATR)
	default:
		res = s.VolatilityAdjusted(pv, market.Price, market.Volatility)
	}

	res = s.adjustForSignal(res, sig)
	res = s.applyPortfolioConstraints(res, pf, sig.Symbol, pv)
	s.log.Debug("position sized",
		zap.String("symbol", sig.Symbol),
		zap.String("method", string(res.Method)),
		zap.String("size", res.Size.StringFixed(2)),
		zap.Float64("confidence", res.Confidence),
	)
	return res
}

// adjustForSignal scales the position by signal quality, halving it at zero
// quality and leaving it untouched at full quality.
func (s *Sizer) adjustForSignal(res SizeResult, sig portfolio.Signal) SizeResult {
	quality := (sig.Strength + sig.Confidence) / 2
	factor := 0.5 + quality*0.5

	f := decimal.NewFromFloat(factor)
	res.Size = res.Size.Mul(f)
	res.Shares = res.Shares.Mul(f)
	res.RiskAmount = res.RiskAmount.Mul(f)
	res.Confidence *= quality
	if factor < 1 {
		res.Constraints = append(res.Constraints,
			fmt.Sprintf("Position reduced by %.0f%% due to signal quality", (1-factor)*100))
	}
	return res
}

// applyPortfolioConstraints enforces the per-symbol exposure limit against
// existing holdings and tapers size when the book is crowded.
func (s *Sizer) applyPortfolioConstraints(res SizeResult, pf *portfolio.Portfolio, symbol string, pv decimal.Decimal) SizeResult {
	maxValue := pv.Mul(decimal.NewFromFloat(s.limits.MaxPositionSizePct / 100))

	existing := decimal.Zero
	if p, ok := pf.Positions[symbol]; ok {
		existing = p.MarketValue()
	}
	if existing.Add(res.Size).Cmp(maxValue) > 0 && res.Size.IsPositive() {
		available := maxValue.Sub(existing)
		if available.IsNegative() {
			available = decimal.Zero
		}
		factor := available.Div(res.Size)
		res.Size = available
		res.Shares = res.Shares.Mul(factor)
		res.RiskAmount = res.RiskAmount.Mul(factor)
		res.Constraints = append(res.Constraints, "Position reduced to respect total exposure limit")
	}

	if len(pf.ActivePositions()) >= s.cfg.MaxActivePositions {
		taper := decimal.NewFromFloat(0.8)
		res.Size = res.Size.Mul(taper)
		res.Shares = res.Shares.Mul(taper)
		res.RiskAmount = res.RiskAmount.Mul(taper)
		res.Constraints = append(res.Constraints, "Position reduced due to high position count")
	}

	res.RiskPercentage = riskPct(res.RiskAmount, pv)
	return res
}

// MethodComparison summarizes one method's outcome inside a recommendation.
type MethodComparison struct {
	Size        decimal.Decimal `json:"size"`
	Confidence  float64         `json:"confidence"`
	Constraints []string        `json:"constraints,omitempty"`
}

// SizingRecommendation is the cross-method consensus for one signal.
type SizingRecommendation struct {
	RecommendedSize   decimal.Decimal             `json:"recommended_size"`
	RecommendedShares decimal.Decimal             `json:"recommended_shares"`
	Method            Method                      `json:"method"`
	Confidence        float64                     `json:"confidence"`
	RiskAmount        decimal.Decimal             `json:"risk_amount"`
	RiskPercentage    float64                     `json:"risk_percentage"`
	RiskAssessment    string                      `json:"risk_assessment"`
	MethodsCompared   map[Method]MethodComparison `json:"methods_compared"`
	Constraints       []string                    `json:"constraints,omitempty"`
}

// Recommend runs the adaptive sizing methods, scores each by confidence
// discounted per applied constraint, and returns the best.
func (s *Sizer) Recommend(pf *portfolio.Portfolio, sig portfolio.Signal, market MarketInfo) SizingRecommendation {
	methods := []Method{MethodVolatilityAdjusted, MethodKellyCriterion, MethodATRBased, MethodRiskParity}

	rec := SizingRecommendation{MethodsCompared: make(map[Method]MethodComparison, len(methods))}
	bestScore := math.Inf(-1)
	var best *SizeResult
	for _, m := range methods {
		res := s.Optimal(pf, sig, market, m)
		rec.MethodsCompared[m] = MethodComparison{
			Size:        res.Size,
			Confidence:  res.Confidence,
			Constraints: res.Constraints,
		}
		if !res.Size.IsPositive() {
			continue
		}
		score := res.Confidence * (1 - 0.1*float64(len(res.Constraints)))
		if score > bestScore {
			bestScore = score
			r := res
			best = &r
		}
	}

	if best == nil {
		rec.Constraints = []string{"All sizing methods failed"}
		rec.RiskAssessment = "low"
		return rec
	}

	rec.RecommendedSize = best.Size
	rec.RecommendedShares = best.Shares
	rec.Method = best.Method
	rec.Confidence = best.Confidence
	rec.RiskAmount = best.RiskAmount
	rec.RiskPercentage = best.RiskPercentage
	rec.Constraints = best.Constraints
	switch {
	case best.RiskPercentage > 3.0:
		rec.RiskAssessment = "high"
	case best.RiskPercentage > 1.5:
		rec.RiskAssessment = "medium"
	default:
		rec.RiskAssessment = "low"
	}
	return rec
}

func riskPct(risk, portfolioValue decimal.Decimal) float64 {
	if !portfolioValue.IsPositive() {
		return 0
	}
	pct, _ := risk.Div(portfolioValue).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}
