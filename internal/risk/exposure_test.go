package risk

import (
	"math"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/riskengine/internal/portfolio"
)

func newTestExposureManager() *ExposureManager {
	return NewExposureManager(DefaultExposureConfig())
}

func TestClassify(t *testing.T) {
	e := newTestExposureManager()
	assert.Equal(t, "crypto", e.Classify("BTC/USDT", ExposureSector))
	assert.Equal(t, "technology", e.Classify("AAPL", ExposureSector))
	assert.Equal(t, "equities", e.Classify("JPM", ExposureAsset))
	assert.Equal(t, "other", e.Classify("UNKNOWN", ExposureSector))
}

func TestExposureByType(t *testing.T) {
	pf := testPortfolio(t, 100000, map[string]float64{
		"BTC/USDT": 20000,
		"ETH/USDT": 10000,
	})
	e := newTestExposureManager()

	exposures := e.ExposureByType(pf, ExposureSector)
	crypto, ok := exposures["crypto"]
	require.True(t, ok, "expected a crypto bucket, got %v", exposures)

	assert.InDelta(t, 30.0, crypto.CurrentPct, 1e-6)
	assert.Equal(t, 25.0, crypto.TargetPct)
	assert.Equal(t, 40.0, crypto.MaxPct)
	assert.Equal(t, 2, crypto.PositionCount)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, crypto.Symbols)
	// 30% sits below 1.5x target (37.5) but above 0.75x target.
	assert.Equal(t, ExposureMedium, crypto.Level)
	assert.Contains(t, crypto.Recommendation, "MAINTAIN")
}

func TestExposureLevelsAndRecommendations(t *testing.T) {
	assert.Equal(t, ExposureExtreme, exposureLevel(45, 25, 40))
	assert.Equal(t, ExposureHigh, exposureLevel(38, 25, 40))
	assert.Equal(t, ExposureMedium, exposureLevel(20, 25, 40))
	assert.Equal(t, ExposureLow, exposureLevel(5, 25, 40))
	assert.Equal(t, ExposureNone, exposureLevel(0, 25, 40))

	assert.Contains(t, exposureRecommendation(8), "REDUCE: 8.0% over target")
	assert.Contains(t, exposureRecommendation(-7), "INCREASE: 7.0% under target")
	assert.Contains(t, exposureRecommendation(2), "MAINTAIN")
}

func TestIdentifyClusters(t *testing.T) {
	pf := testPortfolio(t, 100000, map[string]float64{
		"BTC/USDT": 15000,
		"ETH/USDT": 15000,
		"AAPL":     10000,
	})
	e := newTestExposureManager()
	corr := CorrelationMatrix{
		"BTC/USDT": {"ETH/USDT": 0.9, "AAPL": 0.1},
	}

	clusters := e.IdentifyClusters(pf, corr)
	require.Len(t, clusters, 1)
	c := clusters[0]
	assert.Equal(t, "cluster_1", c.ID)
	assert.ElementsMatch(t, []string{"BTC/USDT", "ETH/USDT"}, c.Symbols)
	assert.InDelta(t, 0.9, c.AvgCorrelation, 1e-9)
	assert.InDelta(t, 30.0, c.ExposurePct, 1e-6)
	assert.InDelta(t, 27.0, c.RiskContribution, 1e-6)
	assert.Contains(t, c.Recommendation, "HIGH RISK")
}

func TestIdentifyClustersBelowThreshold(t *testing.T) {
	pf := testPortfolio(t, 100000, map[string]float64{
		"BTC/USDT": 10000,
		"AAPL":     10000,
	})
	e := newTestExposureManager()
	corr := CorrelationMatrix{"BTC/USDT": {"AAPL": 0.2}}

	if clusters := e.IdentifyClusters(pf, corr); len(clusters) != 0 {
		t.Fatalf("expected no clusters, got %v", clusters)
	}
}

func TestAssessConcentrationSinglePosition(t *testing.T) {
	// One position holding 60% of the book scores high: full HHI weight
	// (0.4) plus top-5 dominance (0.2).
	pf := testPortfolio(t, 100000, map[string]float64{"BTC/USDT": 60000})
	e := newTestExposureManager()

	a := e.AssessConcentration(pf)
	assert.InDelta(t, 1.0, a.HHI, 1e-9)
	assert.Equal(t, 1, a.PositionCount)
	assert.Equal(t, ExposureHigh, a.Level)
	require.NotEmpty(t, a.TopPositions)
	assert.Equal(t, "BTC/USDT", a.TopPositions[0].Symbol)
	// A high level trips the per-symbol recommendation at >15% of book.
	found := false
	for _, r := range a.Recommendations {
		if strings.Contains(r, "Reduce BTC/USDT position") {
			found = true
		}
	}
	assert.True(t, found, "recommendations: %v", a.Recommendations)
}

func TestAssessConcentrationDiversified(t *testing.T) {
	holdings := make(map[string]float64)
	symbols := []string{"AAA", "BBB", "CCC", "DDD", "EEE", "FFF", "GGG", "HHH", "III", "JJJ"}
	for _, s := range symbols {
		holdings[s+"/USDT"] = 5000
	}
	pf := testPortfolio(t, 100000, holdings)
	e := newTestExposureManager()

	a := e.AssessConcentration(pf)
	assert.InDelta(t, 0.1, a.HHI, 1e-9)
	if math.Abs(a.Gini) > 1e-9 {
		t.Fatalf("equal weights should have zero Gini, got %v", a.Gini)
	}
	assert.Contains(t, []ExposureLevel{ExposureNone, ExposureLow, ExposureMedium}, a.Level)
}

func TestValidateTradeExposure(t *testing.T) {
	// Crypto sector already at 35%; a 10% crypto buy breaches the 40% cap.
	pf := testPortfolio(t, 100000, map[string]float64{
		"BTC/USDT": 20000,
		"ETH/USDT": 15000,
	})
	e := newTestExposureManager()

	tr := portfolio.Trade{
		Symbol: "ADA/USDT",
		Type:   portfolio.TradeBuy,
		Side:   portfolio.SideLong,
		Amount: decimal.NewFromInt(100),
		Price:  decimal.NewFromInt(100),
	}
	ok, violations := e.ValidateTrade(tr, pf)
	require.False(t, ok)
	found := false
	for _, v := range violations {
		if strings.Contains(v, "crypto") && strings.Contains(v, "would exceed limit") {
			found = true
		}
	}
	assert.True(t, found, "violations: %v", violations)
}

func TestValidateTradeExposureAccepts(t *testing.T) {
	pf := testPortfolio(t, 100000, map[string]float64{
		"BTC/USDT": 10000,
		"AAPL":     10000,
	})
	e := newTestExposureManager()

	tr := portfolio.Trade{
		Symbol: "MSFT",
		Type:   portfolio.TradeBuy,
		Side:   portfolio.SideLong,
		Amount: decimal.NewFromInt(50),
		Price:  decimal.NewFromInt(100),
	}
	ok, violations := e.ValidateTrade(tr, pf)
	require.True(t, ok, "violations: %v", violations)
}

func TestPlanRebalancing(t *testing.T) {
	// Crypto at 38% against a 25% target forces a reduce action.
	pf := testPortfolio(t, 100000, map[string]float64{
		"BTC/USDT": 20000,
		"ETH/USDT": 18000,
	})
	e := newTestExposureManager()

	plan := e.PlanRebalancing(pf, nil)
	require.True(t, plan.RebalancingNeeded)
	assert.NotEqual(t, "none", plan.Priority)

	var reduce *RebalanceAction
	for i := range plan.Actions {
		if plan.Actions[i].Action == "reduce" && plan.Actions[i].Category == "crypto" {
			reduce = &plan.Actions[i]
		}
	}
	require.NotNil(t, reduce, "actions: %v", plan.Actions)
	assert.InDelta(t, 38.0, reduce.CurrentPct, 1e-6)
}

func TestPlanRebalancingBalancedBook(t *testing.T) {
	pf := testPortfolio(t, 100000, nil)
	e := newTestExposureManager()

	plan := e.PlanRebalancing(pf, nil)
	assert.False(t, plan.RebalancingNeeded)
	assert.Equal(t, "none", plan.Priority)
}

func TestSummarize(t *testing.T) {
	pf := testPortfolio(t, 100000, map[string]float64{
		"BTC/USDT": 20000,
		"AAPL":     10000,
	})
	e := newTestExposureManager()

	s := e.Summarize(pf, nil)
	assert.Equal(t, 2, s.PositionCount)
	assert.True(t, s.PortfolioValue.Equal(decimal.NewFromInt(100000)))
	require.NotEmpty(t, s.Exposures)
	require.NotEmpty(t, s.Recommendations)
	assert.False(t, s.Timestamp.IsZero())
}
