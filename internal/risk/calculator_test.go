package risk

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/riskengine/internal/portfolio"
)

// testPortfolio builds a USDT portfolio worth cash, with holdings given as
// symbol to position value. Buys spend cash, so total value stays at cash.
func testPortfolio(t *testing.T, cash float64, holdings map[string]float64) *portfolio.Portfolio {
	t.Helper()
	pf := portfolio.New("test", "USDT")
	pf.SetBalance("USDT", decimal.NewFromFloat(cash), decimal.Zero)

	price := decimal.NewFromInt(100)
	for sym, value := range holdings {
		tr := portfolio.Trade{
			ID:     "t-" + sym,
			Symbol: sym,
			Type:   portfolio.TradeBuy,
			Side:   portfolio.SideLong,
			Amount: decimal.NewFromFloat(value).Div(price),
			Price:  price,
		}
		require.NoError(t, pf.AddTrade(tr.AsFilled()))
		pf.Positions[sym].UpdatePrice(price)
	}
	return pf
}

func TestConcentrationRiskSinglePosition(t *testing.T) {
	pf := testPortfolio(t, 100000, map[string]float64{"BTC/USDT": 20000})
	c := NewCalculator(DefaultLimits())
	if got := c.ConcentrationRisk(pf); got != 1.0 {
		t.Fatalf("single position should score 1.0, got %v", got)
	}
}

func TestConcentrationRiskEqualWeights(t *testing.T) {
	pf := testPortfolio(t, 100000, map[string]float64{
		"AAA/USDT": 10000,
		"BBB/USDT": 10000,
		"CCC/USDT": 10000,
		"DDD/USDT": 10000,
	})
	c := NewCalculator(DefaultLimits())
	if got := c.ConcentrationRisk(pf); math.Abs(got) > 1e-9 {
		t.Fatalf("equal-weighted book should score 0, got %v", got)
	}
}

func TestCorrelationRisk(t *testing.T) {
	pf := testPortfolio(t, 100000, map[string]float64{
		"BTC/USDT": 20000,
		"ETH/USDT": 20000,
	})
	c := NewCalculator(DefaultLimits())

	if got := c.CorrelationRisk(pf, nil); got != 0 {
		t.Fatalf("no matrix should score 0, got %v", got)
	}

	corr := CorrelationMatrix{"BTC/USDT": {"ETH/USDT": 0.85}}
	got := c.CorrelationRisk(pf, corr)
	assert.InDelta(t, 0.85, got, 1e-9, "two equally weighted positions inherit their pairwise correlation")
}

func TestLeverageRatio(t *testing.T) {
	c := NewCalculator(DefaultLimits())

	empty := portfolio.New("empty", "USDT")
	if got := c.LeverageRatio(empty); got != 1.0 {
		t.Fatalf("zero equity should report 1.0, got %v", got)
	}

	pf := testPortfolio(t, 100000, map[string]float64{"BTC/USDT": 40000})
	got := c.LeverageRatio(pf)
	assert.InDelta(t, 0.4, got, 1e-9)
}

func TestLiquidityScoreMajorsBeatUnknowns(t *testing.T) {
	c := NewCalculator(DefaultLimits())
	major := testPortfolio(t, 100000, map[string]float64{"BTC/USDT": 20000})
	exotic := testPortfolio(t, 100000, map[string]float64{"XYZ": 20000})

	if lm, le := c.LiquidityScore(major, nil), c.LiquidityScore(exotic, nil); lm <= le {
		t.Fatalf("major pair %v should be scored more liquid than exotic %v", lm, le)
	}
}

func TestAssessComputesScoreAndLevel(t *testing.T) {
	pf := testPortfolio(t, 100000, map[string]float64{"BTC/USDT": 30000})
	c := NewCalculator(DefaultLimits())

	rng := rand.New(rand.NewSource(11))
	snap := MarketSnapshot{
		Returns: make([]float64, 120),
		Values:  make([]decimal.Decimal, 0, 120),
	}
	v := 100000.0
	for i := range snap.Returns {
		r := rng.NormFloat64() * 0.01
		snap.Returns[i] = r
		v *= 1 + r
		snap.Values = append(snap.Values, decimal.NewFromFloat(v))
	}

	m := c.Assess(pf, snap)
	require.True(t, m.VaR95.IsPositive(), "expected monetary VaR")
	require.True(t, m.VaR99.Cmp(m.VaR95) >= 0)
	assert.GreaterOrEqual(t, m.RiskScore, 0.0)
	assert.LessOrEqual(t, m.RiskScore, 100.0)
	assert.Equal(t, LevelForScore(m.RiskScore), m.RiskLevel)
	assert.False(t, m.CalculatedAt.IsZero())
}

func TestAssessShortHistoryZeroesTailRisk(t *testing.T) {
	pf := testPortfolio(t, 100000, nil)
	c := NewCalculator(DefaultLimits())

	m := c.Assess(pf, MarketSnapshot{Returns: []float64{-0.01, 0.02}})
	if !m.VaR95.IsZero() || !m.ExpectedShortfall.IsZero() {
		t.Fatalf("short history should zero VaR and ES, got %v / %v", m.VaR95, m.ExpectedShortfall)
	}
	if m.Beta != 1.0 {
		t.Fatalf("short history should default beta to 1.0, got %v", m.Beta)
	}
}

func TestValidateTradeRejectsOversizedPosition(t *testing.T) {
	// 4% existing exposure plus an 8% trade lands at 12% against a 10% cap.
	pf := testPortfolio(t, 100000, map[string]float64{"BTC/USDT": 4000})
	c := NewCalculator(DefaultLimits())

	tr := portfolio.Trade{
		Symbol: "BTC/USDT",
		Type:   portfolio.TradeBuy,
		Side:   portfolio.SideLong,
		Amount: decimal.NewFromInt(80),
		Price:  decimal.NewFromInt(100),
	}
	ok, violations := c.ValidateTrade(tr, pf, nil)
	require.False(t, ok)
	require.Len(t, violations, 1)
	msg := violations[0]
	for _, want := range []string{"BTC/USDT", "12.0%", "10.0%"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("violation %q should mention %q", msg, want)
		}
	}
}

func TestValidateTradeAcceptsSmallTrade(t *testing.T) {
	pf := testPortfolio(t, 100000, nil)
	c := NewCalculator(DefaultLimits())

	tr := portfolio.Trade{
		Symbol: "ETH/USDT",
		Type:   portfolio.TradeBuy,
		Side:   portfolio.SideLong,
		Amount: decimal.NewFromInt(20),
		Price:  decimal.NewFromInt(100),
	}
	ok, violations := c.ValidateTrade(tr, pf, nil)
	require.True(t, ok, "violations: %v", violations)
}

func TestValidateTradeUsesMetrics(t *testing.T) {
	pf := testPortfolio(t, 100000, nil)
	c := NewCalculator(DefaultLimits())

	m := NewMetrics()
	m.PortfolioValue = pf.TotalValue()
	m.LeverageRatio = 4.0
	m.CurrentDrawdown = 20.0
	m.LiquidityScore = 0.3
	m.VaR95 = decimal.NewFromInt(8000) // 8% against a 5% cap

	tr := portfolio.Trade{
		Symbol: "ETH/USDT",
		Type:   portfolio.TradeBuy,
		Side:   portfolio.SideLong,
		Amount: decimal.NewFromInt(10),
		Price:  decimal.NewFromInt(100),
	}
	ok, violations := c.ValidateTrade(tr, pf, &m)
	require.False(t, ok)
	assert.Len(t, violations, 4)
}

func TestGenerateReport(t *testing.T) {
	pf := testPortfolio(t, 100000, map[string]float64{"BTC/USDT": 30000})
	c := NewCalculator(DefaultLimits())

	m := c.Assess(pf, MarketSnapshot{})
	r := c.GenerateReport(pf, m)

	assert.Equal(t, m.RiskLevel, r.Summary.RiskLevel)
	assert.InDelta(t, 30.0, r.Concentration.LargestPositionPercent, 1e-6)
	require.NotEmpty(t, r.Recommendations)
}

func TestReportRecommendationsEscalate(t *testing.T) {
	c := NewCalculator(DefaultLimits())

	calm := NewMetrics()
	recs := c.recommendations(calm, 0)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0], "within acceptable limits")

	stressed := NewMetrics()
	stressed.RiskLevel = LevelExtreme
	stressed.ConcentrationRisk = 0.9
	stressed.CorrelationRisk = 0.9
	stressed.LeverageRatio = 5.0
	recs = c.recommendations(stressed, 0)
	require.NotEmpty(t, recs)
	assert.Contains(t, recs[0], "URGENT")
}
