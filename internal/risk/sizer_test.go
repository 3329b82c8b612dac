package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/riskengine/internal/portfolio"
)

func newTestSizer() *Sizer {
	return NewSizer(DefaultLimits(), DefaultSizerConfig())
}

func strongSignal(symbol string) portfolio.Signal {
	return portfolio.Signal{Symbol: symbol, Strength: 1.0, Confidence: 1.0}
}

func TestFixedAmount(t *testing.T) {
	s := newTestSizer()
	res := s.FixedAmount(decimal.NewFromInt(10000), decimal.NewFromInt(100))

	assert.True(t, res.Size.Equal(decimal.NewFromInt(10000)))
	assert.True(t, res.Shares.Equal(decimal.NewFromInt(100)))
	assert.True(t, res.RiskAmount.Equal(decimal.NewFromInt(200)))
	assert.Equal(t, 1.0, res.Confidence)
}

func TestFixedPercentage(t *testing.T) {
	s := newTestSizer()
	res := s.FixedPercentage(decimal.NewFromInt(100000), 5, decimal.NewFromInt(100))

	assert.True(t, res.Size.Equal(decimal.NewFromInt(5000)))
	assert.InDelta(t, 0.1, res.RiskPercentage, 1e-9)
	assert.Equal(t, 0.8, res.Confidence)
}

func TestVolatilityAdjustedScalesInversely(t *testing.T) {
	s := newTestSizer()
	pv := decimal.NewFromInt(100000)
	price := decimal.NewFromInt(100)

	calm := s.VolatilityAdjusted(pv, price, 0.10)
	wild := s.VolatilityAdjusted(pv, price, 0.80)
	if calm.Size.Cmp(wild.Size) <= 0 {
		t.Fatalf("low-vol size %v should exceed high-vol size %v", calm.Size, wild.Size)
	}

	// 10% base at half the target volatility doubles, then hits the 10% cap.
	maxSize := pv.Mul(decimal.NewFromFloat(0.10))
	require.True(t, calm.Size.Equal(maxSize))
	assert.Contains(t, calm.Constraints, "Position capped at maximum size limit")
}

func TestKellyFractionBounds(t *testing.T) {
	s := newTestSizer()
	pv := decimal.NewFromInt(100000)
	price := decimal.NewFromInt(100)

	// Losing edge yields no position.
	losing := s.Kelly(pv, price, 0.30, 0.02, 0.04)
	require.True(t, losing.Size.IsZero())
	assert.Contains(t, losing.Constraints, "Negative Kelly fraction - no position recommended")
	assert.Equal(t, 0.1, losing.Confidence)

	// A huge edge is capped at the configured maximum fraction.
	huge := s.Kelly(pv, price, 0.90, 0.10, 0.02)
	maxSize := pv.Mul(decimal.NewFromFloat(s.cfg.KellyMaxFraction))
	require.True(t, huge.Size.Equal(maxSize), "got %v", huge.Size)
	assert.Contains(t, huge.Constraints, "Kelly fraction capped at maximum")

	// Defaults produce a modest positive fraction.
	def := s.Kelly(pv, price, 0, 0, 0)
	require.True(t, def.Size.IsPositive())
	require.True(t, def.Size.Cmp(maxSize) <= 0)
}

func TestATRBased(t *testing.T) {
	s := newTestSizer()
	pv := decimal.NewFromInt(100000)
	price := decimal.NewFromInt(100)

	// ATR 1.0 with 2x multiplier stops 2.0 away; 2% risk of 100k buys 1000
	// shares, then the 10% cap trims it to 100 shares.
	res := s.ATRBased(pv, price, decimal.NewFromInt(1))
	require.True(t, res.Size.Equal(pv.Mul(decimal.NewFromFloat(0.10))), "got %v", res.Size)
	assert.True(t, res.Shares.Equal(decimal.NewFromInt(100)))
	assert.Contains(t, res.Constraints, "Position capped at maximum size limit")

	// Missing ATR falls back to 2% of price.
	fallback := s.ATRBased(pv, price, decimal.Zero)
	require.True(t, fallback.Size.IsPositive())
	assert.Equal(t, "2", fallback.Metadata["atr"])
}

func TestRiskParity(t *testing.T) {
	s := newTestSizer()
	pv := decimal.NewFromInt(100000)
	price := decimal.NewFromInt(100)

	// 5% risk budget over 50% volatility sizes 10k, exactly at the cap.
	res := s.RiskParity(pv, price, 0.50)
	require.True(t, res.Size.Equal(decimal.NewFromInt(10000)), "got %v", res.Size)
	assert.InDelta(t, 5.0, res.RiskPercentage, 1e-9)
}

func TestOptimalZeroInputs(t *testing.T) {
	s := newTestSizer()
	pf := portfolio.New("empty", "USDT")

	res := s.Optimal(pf, strongSignal("BTC/USDT"), MarketInfo{Price: decimal.NewFromInt(100)}, MethodKellyCriterion)
	require.True(t, res.Size.IsZero())
	assert.Contains(t, res.Constraints, "Zero portfolio value or price")
	assert.Equal(t, 0.0, res.Confidence)
}

func TestOptimalSignalQualityScalesSize(t *testing.T) {
	s := newTestSizer()
	pf := testPortfolio(t, 100000, nil)
	market := MarketInfo{Price: decimal.NewFromInt(100), Volatility: 0.40}

	strong := s.Optimal(pf, strongSignal("BTC/USDT"), market, MethodVolatilityAdjusted)
	weak := s.Optimal(pf, portfolio.Signal{Symbol: "BTC/USDT", Strength: 0.2, Confidence: 0.2}, market, MethodVolatilityAdjusted)

	if weak.Size.Cmp(strong.Size) >= 0 {
		t.Fatalf("weak signal size %v should be below strong signal size %v", weak.Size, strong.Size)
	}
	found := false
	for _, c := range weak.Constraints {
		if c == "Position reduced by 40% due to signal quality" {
			found = true
		}
	}
	require.True(t, found, "constraints: %v", weak.Constraints)
}

func TestOptimalNeverExceedsPositionLimit(t *testing.T) {
	s := newTestSizer()
	// 8% already held in the symbol leaves only 2% of headroom.
	pf := testPortfolio(t, 100000, map[string]float64{"BTC/USDT": 8000})
	market := MarketInfo{Price: decimal.NewFromInt(100), Volatility: 0.10}

	res := s.Optimal(pf, strongSignal("BTC/USDT"), market, MethodVolatilityAdjusted)
	headroom := decimal.NewFromInt(2000)
	require.True(t, res.Size.Cmp(headroom) <= 0, "size %v exceeds headroom %v", res.Size, headroom)
	assert.Contains(t, res.Constraints, "Position reduced to respect total exposure limit")
}

func TestRecommendPicksBestMethod(t *testing.T) {
	s := newTestSizer()
	pf := testPortfolio(t, 100000, nil)
	sig := strongSignal("BTC/USDT")
	sig.WinRate = 0.60
	sig.AvgWin = 0.06
	sig.AvgLoss = 0.03
	market := MarketInfo{
		Price:      decimal.NewFromInt(100),
		Volatility: 0.30,
		ATR:        decimal.NewFromInt(3),
	}

	rec := s.Recommend(pf, sig, market)
	require.True(t, rec.RecommendedSize.IsPositive())
	require.Len(t, rec.MethodsCompared, 4)
	assert.NotEmpty(t, rec.Method)
	assert.Contains(t, []string{"low", "medium", "high"}, rec.RiskAssessment)
}

func TestRecommendAllMethodsFailed(t *testing.T) {
	s := newTestSizer()
	pf := portfolio.New("empty", "USDT")

	rec := s.Recommend(pf, strongSignal("BTC/USDT"), MarketInfo{})
	require.True(t, rec.RecommendedSize.IsZero())
	assert.Contains(t, rec.Constraints, "All sizing methods failed")
}
