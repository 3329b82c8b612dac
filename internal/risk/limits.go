package risk

// Level buckets a composite risk score.
type Level string

const (
	LevelLow     Level = "low"
	LevelMedium  Level = "medium"
	LevelHigh    Level = "high"
	LevelExtreme Level = "extreme"
)

// LevelForScore maps a 0-100 composite score onto a level.
func LevelForScore(score float64) Level {
	switch {
	case score < 25:
		return LevelLow
	case score < 50:
		return LevelMedium
	case score < 75:
		return LevelHigh
	default:
		return LevelExtreme
	}
}

// Limits holds the portfolio risk thresholds enforced by validation. All
// percentage fields are expressed as whole percentages of portfolio value.
type Limits struct {
	MaxPositionSizePct         float64 `yaml:"max_position_size_pct"`
	MaxSectorConcentrationPct  float64 `yaml:"max_sector_concentration_pct"`
	MaxCorrelationExposurePct  float64 `yaml:"max_correlation_exposure_pct"`
	MaxPortfolioVaRPct         float64 `yaml:"max_portfolio_var_pct"`
	MaxDrawdownPct             float64 `yaml:"max_drawdown_pct"`
	MinLiquidityScore          float64 `yaml:"min_liquidity_score"`
	MaxLeverageRatio           float64 `yaml:"max_leverage_ratio"`
	MaxMarginUsagePct          float64 `yaml:"max_margin_usage_pct"`
	MaxPortfolioVolatilityPct  float64 `yaml:"max_portfolio_volatility_pct"`
	MinSharpeRatio             float64 `yaml:"min_sharpe_ratio"`
	MaxTradesPerDay            int     `yaml:"max_trades_per_day"`
	MaxDailyLossPct            float64 `yaml:"max_daily_loss_pct"`
	MaxWeeklyLossPct           float64 `yaml:"max_weekly_loss_pct"`
}

// DefaultLimits returns the conservative limit set used when no overrides are
// configured.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionSizePct:        10.0,
		MaxSectorConcentrationPct: 25.0,
		MaxCorrelationExposurePct: 40.0,
		MaxPortfolioVaRPct:        5.0,
		MaxDrawdownPct:            15.0,
		MinLiquidityScore:         0.6,
		MaxLeverageRatio:          3.0,
		MaxMarginUsagePct:         80.0,
		MaxPortfolioVolatilityPct: 25.0,
		MinSharpeRatio:            0.5,
		MaxTradesPerDay:           50,
		MaxDailyLossPct:           3.0,
		MaxWeeklyLossPct:          8.0,
	}
}
