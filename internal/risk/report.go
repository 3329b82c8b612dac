package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/riskengine/internal/portfolio"
)

// Report is a human-readable breakdown of one assessment, grouped the way
// operators review it.
type Report struct {
	Summary       ReportSummary       `json:"summary"`
	VaRAnalysis   VaRAnalysis         `json:"var_analysis"`
	Drawdown      DrawdownAnalysis    `json:"drawdown_analysis"`
	Portfolio     PortfolioMetrics    `json:"portfolio_metrics"`
	Concentration ConcentrationReport `json:"concentration_analysis"`
	LimitsStatus  LimitsStatus        `json:"risk_limits_status"`
	Recommendations []string          `json:"recommendations"`
}

type ReportSummary struct {
	RiskLevel      Level           `json:"risk_level"`
	RiskScore      float64         `json:"risk_score"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	AssessedAt     time.Time       `json:"assessed_at"`
}

type VaRAnalysis struct {
	VaR95             decimal.Decimal `json:"var_95"`
	VaR99             decimal.Decimal `json:"var_99"`
	ExpectedShortfall decimal.Decimal `json:"expected_shortfall"`
	VaR95Percent      float64         `json:"var_95_percent"`
}

type DrawdownAnalysis struct {
	MaxDrawdownPct     float64 `json:"max_drawdown_percent"`
	CurrentDrawdownPct float64 `json:"current_drawdown_percent"`
	WithinLimit        bool    `json:"within_limit"`
}

type PortfolioMetrics struct {
	VolatilityAnnualPct float64 `json:"volatility_annual_percent"`
	SharpeRatio         float64 `json:"sharpe_ratio"`
	Beta                float64 `json:"beta"`
	LeverageRatio       float64 `json:"leverage_ratio"`
	LiquidityScore      float64 `json:"liquidity_score"`
}

type ConcentrationReport struct {
	ConcentrationRisk      float64 `json:"concentration_risk"`
	CorrelationRisk        float64 `json:"correlation_risk"`
	LargestPositionPercent float64 `json:"largest_position_percent"`
}

// LimitsStatus reports per-limit compliance, true meaning within limits.
type LimitsStatus struct {
	Drawdown   bool `json:"drawdown"`
	Leverage   bool `json:"leverage"`
	Liquidity  bool `json:"liquidity"`
	Volatility bool `json:"volatility"`
	VaR        bool `json:"var"`
}

// GenerateReport turns an assessment into a structured report with
// actionable recommendations.
func (c *Calculator) GenerateReport(pf *portfolio.Portfolio, m Metrics) Report {
	varPct := 0.0
	if m.PortfolioValue.IsPositive() {
		varPct, _ = m.VaR95.Div(m.PortfolioValue).Mul(decimal.NewFromInt(100)).Float64()
	}

	largest := 0.0
	for _, p := range pf.ActivePositions() {
		if pct := pf.AllocationPercent(p.Symbol); pct > largest {
			largest = pct
		}
	}

	r := Report{
		Summary: ReportSummary{
			RiskLevel:      m.RiskLevel,
			RiskScore:      m.RiskScore,
			PortfolioValue: m.PortfolioValue,
			AssessedAt:     m.CalculatedAt,
		},
		VaRAnalysis: VaRAnalysis{
			VaR95:             m.VaR95,
			VaR99:             m.VaR99,
			ExpectedShortfall: m.ExpectedShortfall,
			VaR95Percent:      varPct,
		},
		Drawdown: DrawdownAnalysis{
			MaxDrawdownPct:     m.MaxDrawdown,
			CurrentDrawdownPct: m.CurrentDrawdown,
			WithinLimit:        m.CurrentDrawdown <= c.limits.MaxDrawdownPct,
		},
		Portfolio: PortfolioMetrics{
			VolatilityAnnualPct: m.VolatilityAnnual,
			SharpeRatio:         m.SharpeRatio,
			Beta:                m.Beta,
			LeverageRatio:       m.LeverageRatio,
			LiquidityScore:      m.LiquidityScore,
		},
		Concentration: ConcentrationReport{
			ConcentrationRisk:      m.ConcentrationRisk,
			CorrelationRisk:        m.CorrelationRisk,
			LargestPositionPercent: largest,
		},
		LimitsStatus: LimitsStatus{
			Drawdown:   m.CurrentDrawdown <= c.limits.MaxDrawdownPct,
			Leverage:   m.LeverageRatio <= c.limits.MaxLeverageRatio,
			Liquidity:  m.LiquidityScore >= c.limits.MinLiquidityScore,
			Volatility: m.VolatilityAnnual <= c.limits.MaxPortfolioVolatilityPct,
			VaR:        varPct <= c.limits.MaxPortfolioVaRPct,
		},
	}
	r.Recommendations = c.recommendations(m, varPct)
	return r
}

func (c *Calculator) recommendations(m Metrics, varPct float64) []string {
	var recs []string
	switch m.RiskLevel {
	case LevelExtreme:
		recs = append(recs, "URGENT: Portfolio risk is extreme. Reduce positions immediately.")
	case LevelHigh:
		recs = append(recs, "WARNING: Portfolio risk is high. Consider reducing exposure.")
	}
	if m.ConcentrationRisk > 0.7 {
		recs = append(recs, "Portfolio is highly concentrated. Diversify across more positions.")
	}
	if m.CorrelationRisk > 0.8 {
		recs = append(recs, "Positions are highly correlated. Reduce correlated exposure.")
	}
	if m.LiquidityScore < c.limits.MinLiquidityScore {
		recs = append(recs, fmt.Sprintf("Liquidity score %.2f is below minimum %.2f. Shift toward more liquid assets.",
			m.LiquidityScore, c.limits.MinLiquidityScore))
	}
	if m.LeverageRatio > c.limits.MaxLeverageRatio {
		recs = append(recs, fmt.Sprintf("Leverage %.2f exceeds limit %.2f. Deleverage the portfolio.",
			m.LeverageRatio, c.limits.MaxLeverageRatio))
	}
	if m.CurrentDrawdown > c.limits.MaxDrawdownPct {
		recs = append(recs, fmt.Sprintf("Current drawdown %.1f%% exceeds limit %.1f%%. Cut losses and preserve capital.",
			m.CurrentDrawdown, c.limits.MaxDrawdownPct))
	}
	if m.VolatilityAnnual > c.limits.MaxPortfolioVolatilityPct {
		recs = append(recs, fmt.Sprintf("Annual volatility %.1f%% exceeds limit %.1f%%. Rotate into lower-volatility assets.",
			m.VolatilityAnnual, c.limits.MaxPortfolioVolatilityPct))
	}
	if len(recs) == 0 {
		recs = append(recs, "Risk profile is within acceptable limits. Continue monitoring.")
	}
	return recs
}
