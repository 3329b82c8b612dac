package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Metrics is one portfolio risk assessment. Monetary figures are decimals in
// the portfolio base currency; statistical figures are floats.
type Metrics struct {
	PortfolioValue    decimal.Decimal `json:"portfolio_value"`
	VaR95             decimal.Decimal `json:"var_95"`
	VaR99             decimal.Decimal `json:"var_99"`
	ExpectedShortfall decimal.Decimal `json:"expected_shortfall"`
	MaxDrawdown       float64         `json:"max_drawdown"`
	CurrentDrawdown   float64         `json:"current_drawdown"`
	VolatilityAnnual  float64         `json:"volatility_annual"`
	SharpeRatio       float64         `json:"sharpe_ratio"`
	Beta              float64         `json:"beta"`
	ConcentrationRisk float64         `json:"concentration_risk"`
	LeverageRatio     float64         `json:"leverage_ratio"`
	MarginUsage       float64         `json:"margin_usage"`
	LiquidityScore    float64         `json:"liquidity_score"`
	CorrelationRisk   float64         `json:"correlation_risk"`
	RiskScore         float64         `json:"risk_score"`
	RiskLevel         Level           `json:"risk_level"`
	CalculatedAt      time.Time       `json:"calculated_at"`
}

// NewMetrics returns metrics with neutral defaults for the fields that mean
// "unknown" rather than zero.
func NewMetrics() Metrics {
	return Metrics{
		Beta:           1.0,
		LeverageRatio:  1.0,
		LiquidityScore: 1.0,
		RiskLevel:      LevelLow,
		CalculatedAt:   time.Now().UTC(),
	}
}

// CorrelationMatrix maps symbol pairs to pairwise return correlations.
// Lookups are symmetric.
type CorrelationMatrix map[string]map[string]float64

// Get returns the correlation between two symbols, trying both orientations.
func (m CorrelationMatrix) Get(a, b string) (float64, bool) {
	if row, ok := m[a]; ok {
		if c, ok := row[b]; ok {
			return c, true
		}
	}
	if row, ok := m[b]; ok {
		if c, ok := row[a]; ok {
			return c, true
		}
	}
	return 0, false
}

// MarketSnapshot bundles the historical inputs an assessment consumes.
// Returns are periodic fractional portfolio returns, Values the equity curve,
// and DailyVolumes the average traded volume per symbol in units of the
// asset.
type MarketSnapshot struct {
	Returns       []float64
	Values        []decimal.Decimal
	MarketReturns []float64
	Correlations  CorrelationMatrix
	DailyVolumes  map[string]decimal.Decimal
}
