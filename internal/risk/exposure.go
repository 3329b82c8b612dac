package risk

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfold/riskengine/internal/observ"
	"github.com/quantfold/riskengine/internal/portfolio"
)

// ExposureType is a dimension along which positions are grouped.
type ExposureType string

const (
	ExposureAsset     ExposureType = "asset"
	ExposureSector    ExposureType = "sector"
	ExposureGeography ExposureType = "geography"
	ExposureCurrency  ExposureType = "currency"
	ExposureMarketCap ExposureType = "market_cap"
	ExposureStrategy  ExposureType = "strategy"
)

// ExposureLevel grades how close a category is to its limit.
type ExposureLevel string

const (
	ExposureNone    ExposureLevel = "none"
	ExposureLow     ExposureLevel = "low"
	ExposureMedium  ExposureLevel = "medium"
	ExposureHigh    ExposureLevel = "high"
	ExposureExtreme ExposureLevel = "extreme"
)

// ExposureLimit bounds one category along one exposure dimension. All
// percentages are of total portfolio value.
type ExposureLimit struct {
	Type               ExposureType `yaml:"type"`
	Category           string       `yaml:"category"`
	MaxPercentage      float64      `yaml:"max_percentage"`
	TargetPercentage   float64      `yaml:"target_percentage"`
	MinPercentage      float64      `yaml:"min_percentage"`
	RebalanceThreshold float64      `yaml:"rebalance_threshold"`
}

// ExposureConfig holds limits, symbol classification tables, and the
// correlation clustering threshold.
type ExposureConfig struct {
	Limits               []ExposureLimit                    `yaml:"limits"`
	Classifications      map[ExposureType]map[string]string `yaml:"classifications"`
	CorrelationThreshold float64                            `yaml:"correlation_threshold"`
}

// DefaultExposureConfig returns the stock limits and classification tables.
func DefaultExposureConfig() ExposureConfig {
	return ExposureConfig{
		CorrelationThreshold: 0.7,
		Limits: []ExposureLimit{
			{Type: ExposureSector, Category: "technology", MaxPercentage: 30, TargetPercentage: 20, RebalanceThreshold: 5},
			{Type: ExposureSector, Category: "financial", MaxPercentage: 25, TargetPercentage: 15, RebalanceThreshold: 5},
			{Type: ExposureSector, Category: "healthcare", MaxPercentage: 20, TargetPercentage: 10, RebalanceThreshold: 5},
			{Type: ExposureSector, Category: "crypto", MaxPercentage: 40, TargetPercentage: 25, RebalanceThreshold: 5},
			{Type: ExposureAsset, Category: "equities", MaxPercentage: 80, TargetPercentage: 60, RebalanceThreshold: 5},
			{Type: ExposureAsset, Category: "crypto", MaxPercentage: 40, TargetPercentage: 25, RebalanceThreshold: 5},
			{Type: ExposureAsset, Category: "commodities", MaxPercentage: 20, TargetPercentage: 10, RebalanceThreshold: 5},
			{Type: ExposureAsset, Category: "forex", MaxPercentage: 30, TargetPercentage: 15, RebalanceThreshold: 5},
			{Type: ExposureMarketCap, Category: "large", MaxPercentage: 60, TargetPercentage: 40, RebalanceThreshold: 5},
			{Type: ExposureMarketCap, Category: "mid", MaxPercentage: 40, TargetPercentage: 30, RebalanceThreshold: 5},
			{Type: ExposureMarketCap, Category: "small", MaxPercentage: 20, TargetPercentage: 10, RebalanceThreshold: 5},
			{Type: ExposureCurrency, Category: "USD", MaxPercentage: 100, TargetPercentage: 70, RebalanceThreshold: 5},
			{Type: ExposureCurrency, Category: "EUR", MaxPercentage: 30, TargetPercentage: 15, RebalanceThreshold: 5},
			{Type: ExposureCurrency, Category: "BTC", MaxPercentage: 40, TargetPercentage: 20, RebalanceThreshold: 5},
		},
		Classifications: map[ExposureType]map[string]string{
			ExposureSector: {
				"AAPL": "technology", "MSFT": "technology", "GOOGL": "technology",
				"BTC/USDT": "crypto", "ETH/USDT": "crypto", "ADA/USDT": "crypto",
				"JPM": "financial", "BAC": "financial", "WFC": "financial",
				"JNJ": "healthcare", "PFE": "healthcare", "UNH": "healthcare",
			},
			ExposureAsset: {
				"AAPL": "equities", "MSFT": "equities", "GOOGL": "equities",
				"JPM": "equities", "BAC": "equities", "WFC": "equities",
				"JNJ": "equities", "PFE": "equities", "UNH": "equities",
				"BTC/USDT": "crypto", "ETH/USDT": "crypto", "ADA/USDT": "crypto",
				"GLD": "commodities", "OIL": "commodities",
				"EUR/USD": "forex", "GBP/USD": "forex",
			},
			ExposureMarketCap: {
				"AAPL": "large", "MSFT": "large", "GOOGL": "large",
				"JPM": "large", "JNJ": "large", "UNH": "large",
				"BTC/USDT": "large", "ETH/USDT": "large",
				"ADA/USDT": "mid",
			},
			ExposureCurrency: {
				"AAPL": "USD", "MSFT": "USD", "GOOGL": "USD",
				"JPM": "USD", "BAC": "USD", "WFC": "USD",
				"JNJ": "USD", "PFE": "USD", "UNH": "USD",
				"BTC/USDT": "USD", "ETH/USDT": "USD", "ADA/USDT": "USD",
				"EUR/USD": "EUR",
			},
		},
	}
}

// ExposureMetrics describes one category along one dimension.
type ExposureMetrics struct {
	Type               ExposureType  `json:"type"`
	Category           string        `json:"category"`
	CurrentPct         float64       `json:"current_percentage"`
	TargetPct          float64       `json:"target_percentage"`
	MaxPct             float64       `json:"max_percentage"`
	Deviation          float64       `json:"deviation"`
	PositionCount      int           `json:"position_count"`
	Symbols            []string      `json:"symbols"`
	Concentration      float64       `json:"concentration"`
	LargestPositionPct float64       `json:"largest_position_percentage"`
	Level              ExposureLevel `json:"level"`
	Recommendation     string        `json:"recommendation"`
}

// CorrelationCluster is a group of positions that move together.
type CorrelationCluster struct {
	ID               string   `json:"id"`
	Symbols          []string `json:"symbols"`
	AvgCorrelation   float64  `json:"avg_correlation"`
	ExposurePct      float64  `json:"exposure_percentage"`
	RiskContribution float64  `json:"risk_contribution"`
	Recommendation   string   `json:"recommendation"`
}

// PositionWeight names one position's share of the portfolio.
type PositionWeight struct {
	Symbol    string          `json:"symbol"`
	WeightPct float64         `json:"weight_percentage"`
	Value     decimal.Decimal `json:"value"`
}

// ConcentrationAssessment grades how lopsided the book is.
type ConcentrationAssessment struct {
	Score           float64          `json:"score"`
	Level           ExposureLevel    `json:"level"`
	HHI             float64          `json:"hhi"`
	Gini            float64          `json:"gini"`
	Top5Pct         float64          `json:"top_5_percentage"`
	Top10Pct        float64          `json:"top_10_percentage"`
	PositionCount   int              `json:"position_count"`
	TopPositions    []PositionWeight `json:"top_positions"`
	Recommendations []string         `json:"recommendations"`
}

// ExposureManager enforces exposure limits across sectors, asset classes,
// currencies, and correlated groups. Classification tables and limits are
// read-only after construction.
type ExposureManager struct {
	cfg   ExposureConfig
	types []ExposureType
	log   *zap.Logger
}

// NewExposureManager builds a manager from the given configuration.
func NewExposureManager(cfg ExposureConfig) *ExposureManager {
	if cfg.CorrelationThreshold <= 0 {
		cfg.CorrelationThreshold = 0.7
	}
	types := make([]ExposureType, 0, len(cfg.Classifications))
	for t := range cfg.Classifications {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return &ExposureManager{cfg: cfg, types: types, log: observ.Named("exposure")}
}

// Classify maps a symbol to its category along a dimension, "other" when the
// tables do not know it.
func (e *ExposureManager) Classify(symbol string, t ExposureType) string {
	if table, ok := e.cfg.Classifications[t]; ok {
		if cat, ok := table[symbol]; ok {
			return cat
		}
	}
	return "other"
}

func (e *ExposureManager) limitFor(t ExposureType, category string) (ExposureLimit, bool) {
	for _, l := range e.cfg.Limits {
		if l.Type == t && l.Category == category {
			return l, true
		}
	}
	return ExposureLimit{}, false
}

// ExposureByType groups active positions along one dimension and grades each
// category against its limit.
func (e *ExposureManager) ExposureByType(pf *portfolio.Portfolio, t ExposureType) map[string]ExposureMetrics {
	out := make(map[string]ExposureMetrics)
	total := pf.TotalValue()
	if total.IsZero() {
		return out
	}

	type group struct {
		value   decimal.Decimal
		symbols []string
		weights []float64
	}
	groups := make(map[string]*group)
	for _, p := range pf.ActivePositions() {
		cat := e.Classify(p.Symbol, t)
		g, ok := groups[cat]
		if !ok {
			g = &group{value: decimal.Zero}
			groups[cat] = g
		}
		g.value = g.value.Add(p.MarketValue())
		g.symbols = append(g.symbols, p.Symbol)
		w, _ := p.MarketValue().Div(total).Float64()
		g.weights = append(g.weights, w)
	}

	for cat, g := range groups {
		currentPct, _ := g.value.Div(total).Mul(decimal.NewFromInt(100)).Float64()

		targetPct, maxPct := 10.0, 20.0
		if l, ok := e.limitFor(t, cat); ok {
			targetPct, maxPct = l.TargetPercentage, l.MaxPercentage
		}

		// Concentration within the category.
		catTotal := 0.0
		for _, w := range g.weights {
			catTotal += w
		}
		hhi, largest := 0.0, 0.0
		if catTotal > 0 {
			for _, w := range g.weights {
				share := w / catTotal
				hhi += share * share
				if share > largest {
					largest = share
				}
			}
		}

		m := ExposureMetrics{
			Type:               t,
			Category:           cat,
			CurrentPct:         currentPct,
			TargetPct:          targetPct,
			MaxPct:             maxPct,
			Deviation:          currentPct - targetPct,
			PositionCount:      len(g.symbols),
			Symbols:            sortedCopy(g.symbols),
			Concentration:      hhi,
			LargestPositionPct: largest * currentPct,
		}
		m.Level = exposureLevel(currentPct, targetPct, maxPct)
		m.Recommendation = exposureRecommendation(m.Deviation)
		out[cat] = m
	}
	return out
}

func exposureLevel(current, target, max float64) ExposureLevel {
	switch {
	case current >= max:
		return ExposureExtreme
	case current >= target*1.5:
		return ExposureHigh
	case current >= target*0.75:
		return ExposureMedium
	case current > 0:
		return ExposureLow
	default:
		return ExposureNone
	}
}

func exposureRecommendation(deviation float64) string {
	switch {
	case deviation > 5:
		return fmt.Sprintf("REDUCE: %.1f%% over target", deviation)
	case deviation < -5:
		return fmt.Sprintf("INCREASE: %.1f%% under target", -deviation)
	default:
		return "MAINTAIN: Within target range"
	}
}

// IdentifyClusters greedily groups positions whose pairwise correlation with
// a seed symbol meets the threshold.
func (e *ExposureManager) IdentifyClusters(pf *portfolio.Portfolio, corr CorrelationMatrix) []CorrelationCluster {
	weights := positionWeights(pf)
	if len(weights) < 2 || len(corr) == 0 {
		return nil
	}
	symbols := make([]string, 0, len(weights))
	for s := range weights {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var clusters []CorrelationCluster
	visited := make(map[string]bool)
	for _, seed := range symbols {
		if visited[seed] {
			continue
		}
		members := []string{seed}
		for _, other := range symbols {
			if other == seed || visited[other] {
				continue
			}
			if rho, ok := corr.Get(seed, other); ok && math.Abs(rho) >= e.cfg.CorrelationThreshold {
				members = append(members, other)
			}
		}
		if len(members) < 2 {
			continue
		}
		for _, m := range members {
			visited[m] = true
		}

		var sum float64
		var pairs int
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				if rho, ok := corr.Get(members[i], members[j]); ok {
					sum += math.Abs(rho)
					pairs++
				}
			}
		}
		avgCorr := 0.0
		if pairs > 0 {
			avgCorr = sum / float64(pairs)
		}

		exposure := 0.0
		for _, m := range members {
			exposure += weights[m] * 100
		}

		c := CorrelationCluster{
			ID:               fmt.Sprintf("cluster_%d", len(clusters)+1),
			Symbols:          members,
			AvgCorrelation:   avgCorr,
			ExposurePct:      exposure,
			RiskContribution: exposure * avgCorr,
		}
		switch {
		case exposure > 25:
			c.Recommendation = "HIGH RISK: Consider reducing correlated positions"
		case exposure > 15:
			c.Recommendation = "MEDIUM RISK: Monitor correlation exposure"
		default:
			c.Recommendation = "LOW RISK: Correlation exposure acceptable"
		}
		clusters = append(clusters, c)
	}
	return clusters
}

// AssessConcentration scores portfolio lopsidedness from the Herfindahl
// index, the Gini coefficient, and top-5 dominance.
func (e *ExposureManager) AssessConcentration(pf *portfolio.Portfolio) ConcentrationAssessment {
	weights := positionWeights(pf)
	a := ConcentrationAssessment{Level: ExposureNone, PositionCount: len(weights)}
	if len(weights) == 0 {
		a.Recommendations = []string{"Concentration levels are acceptable"}
		return a
	}

	type sw struct {
		symbol string
		weight float64
	}
	sorted := make([]sw, 0, len(weights))
	for s, w := range weights {
		sorted = append(sorted, sw{s, w})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].weight != sorted[j].weight {
			return sorted[i].weight > sorted[j].weight
		}
		return sorted[i].symbol < sorted[j].symbol
	})

	totalW := 0.0
	for _, p := range sorted {
		totalW += p.weight
	}
	// HHI over weights renormalized to gross exposure.
	var hhi float64
	if totalW > 0 {
		for _, p := range sorted {
			share := p.weight / totalW
			hhi += share * share
		}
	}
	a.HHI = hhi

	for i, p := range sorted {
		if i < 5 {
			a.Top5Pct += p.weight * 100
		}
		if i < 10 {
			a.Top10Pct += p.weight * 100
		}
	}

	// Gini over ascending weights.
	n := len(sorted)
	if totalW > 0 && n > 1 {
		asc := make([]float64, n)
		for i, p := range sorted {
			asc[n-1-i] = p.weight
		}
		var weighted float64
		for i, w := range asc {
			weighted += float64(i+1) * w
		}
		a.Gini = 2*weighted/(float64(n)*totalW) - float64(n+1)/float64(n)
	}

	hhiNorm := 1.0
	if n > 1 {
		minHHI := 1.0 / float64(n)
		hhiNorm = (hhi - minHHI) / (1 - minHHI)
	}
	a.Score = hhiNorm*0.4 + a.Gini*0.4 + math.Min(1, a.Top5Pct/50)*0.2

	switch {
	case a.Score >= 0.8:
		a.Level = ExposureExtreme
	case a.Score >= 0.6:
		a.Level = ExposureHigh
	case a.Score >= 0.4:
		a.Level = ExposureMedium
	case a.Score > 0.1:
		a.Level = ExposureLow
	default:
		a.Level = ExposureNone
	}

	total := pf.TotalValue()
	for i, p := range sorted {
		if i >= 10 {
			break
		}
		a.TopPositions = append(a.TopPositions, PositionWeight{
			Symbol:    p.symbol,
			WeightPct: p.weight * 100,
			Value:     total.Mul(decimal.NewFromFloat(p.weight)),
		})
	}

	switch a.Level {
	case ExposureExtreme, ExposureHigh:
		a.Recommendations = append(a.Recommendations,
			"Reduce largest position sizes",
			"Diversify across more positions")
		for _, p := range sorted {
			if p.weight*100 > 15 {
				a.Recommendations = append(a.Recommendations,
					fmt.Sprintf("Reduce %s position (%.1f%% of portfolio)", p.symbol, p.weight*100))
			}
		}
	case ExposureMedium:
		a.Recommendations = append(a.Recommendations,
			"Monitor concentration levels",
			"Consider gradual diversification")
	default:
		a.Recommendations = append(a.Recommendations, "Concentration levels are acceptable")
	}
	return a
}

// ValidateTrade simulates the proposed trade on a portfolio copy and checks
// the resulting exposures against every limit.
func (e *ExposureManager) ValidateTrade(t portfolio.Trade, pf *portfolio.Portfolio) (bool, []string) {
	sim := pf.Clone()
	if err := sim.AddTrade(t.AsFilled()); err != nil {
		return false, []string{fmt.Sprintf("Trade simulation failed: %v", err)}
	}
	// The simulated position needs a mark to carry market value.
	if p, ok := sim.Positions[t.Symbol]; ok {
		p.UpdatePrice(t.EffectivePrice())
	}

	var violations []string
	for _, et := range e.types {
		for cat, m := range e.ExposureByType(sim, et) {
			if _, ok := e.limitFor(et, cat); !ok {
				continue
			}
			if m.CurrentPct > m.MaxPct {
				violations = append(violations,
					fmt.Sprintf("%s exposure to %s would exceed limit: %.1f%% > %.1f%%",
						et, cat, m.CurrentPct, m.MaxPct))
			}
		}
	}
	if e.AssessConcentration(sim).Level == ExposureExtreme {
		violations = append(violations, "Trade would create extreme concentration risk")
	}

	if len(violations) > 0 {
		observ.TradeRejections.WithLabelValues("exposure").Inc()
		e.log.Warn("trade rejected on exposure",
			zap.String("symbol", t.Symbol),
			zap.Strings("violations", violations),
		)
		return false, violations
	}
	return true, nil
}

// RebalanceAction is one step of a rebalancing plan.
type RebalanceAction struct {
	Action     string       `json:"action"`
	Type       ExposureType `json:"exposure_type,omitempty"`
	Category   string       `json:"category,omitempty"`
	CurrentPct float64      `json:"current_percentage,omitempty"`
	TargetPct  float64      `json:"target_percentage,omitempty"`
	Symbols    []string     `json:"symbols,omitempty"`
	Reason     string       `json:"reason"`
}

// RebalancePlan is the full rebalancing recommendation for a portfolio.
type RebalancePlan struct {
	RebalancingNeeded bool                                     `json:"rebalancing_needed"`
	Priority          string                                   `json:"priority"`
	Actions           []RebalanceAction                        `json:"actions,omitempty"`
	Exposures         map[ExposureType]map[string]ExposureMetrics `json:"exposures"`
	Concentration     ConcentrationAssessment                  `json:"concentration"`
	Violations        []string                                 `json:"violations,omitempty"`
}

// PlanRebalancing analyzes every exposure dimension and proposes actions to
// bring the book back toward targets.
func (e *ExposureManager) PlanRebalancing(pf *portfolio.Portfolio, corr CorrelationMatrix) RebalancePlan {
	plan := RebalancePlan{
		Exposures: make(map[ExposureType]map[string]ExposureMetrics, len(e.types)),
	}

	maxDev := 0.0
	for _, et := range e.types {
		exposures := e.ExposureByType(pf, et)
		plan.Exposures[et] = exposures
		for cat, m := range exposures {
			threshold := 5.0
			if l, ok := e.limitFor(et, cat); ok && l.RebalanceThreshold > 0 {
				threshold = l.RebalanceThreshold
			}
			dev := math.Abs(m.Deviation)
			if dev > maxDev {
				maxDev = dev
			}
			if dev <= threshold {
				continue
			}
			action := "increase"
			if m.Deviation > 0 {
				action = "reduce"
			}
			plan.Violations = append(plan.Violations,
				fmt.Sprintf("%s/%s deviates %.1f%% from target", et, cat, m.Deviation))
			plan.Actions = append(plan.Actions, RebalanceAction{
				Action:     action,
				Type:       et,
				Category:   cat,
				CurrentPct: m.CurrentPct,
				TargetPct:  m.TargetPct,
				Symbols:    m.Symbols,
				Reason:     m.Recommendation,
			})
		}
	}

	plan.Concentration = e.AssessConcentration(pf)
	if plan.Concentration.Level == ExposureExtreme || plan.Concentration.Level == ExposureHigh {
		plan.Actions = append(plan.Actions, RebalanceAction{
			Action: "reduce_concentration",
			Reason: fmt.Sprintf("Concentration level is %s (score %.2f)",
				plan.Concentration.Level, plan.Concentration.Score),
		})
	}

	for _, c := range e.IdentifyClusters(pf, corr) {
		if c.ExposurePct > 20 {
			plan.Actions = append(plan.Actions, RebalanceAction{
				Action:  "reduce_correlation",
				Symbols: c.Symbols,
				Reason: fmt.Sprintf("Correlated cluster holds %.1f%% of portfolio (avg correlation %.2f)",
					c.ExposurePct, c.AvgCorrelation),
			})
		}
	}

	switch {
	case len(plan.Violations) >= 5 || maxDev > 15:
		plan.Priority = "high"
	case len(plan.Violations) >= 2 || maxDev > 8:
		plan.Priority = "medium"
	case len(plan.Violations) > 0 || maxDev > 5:
		plan.Priority = "low"
	default:
		plan.Priority = "none"
	}
	plan.RebalancingNeeded = plan.Priority != "none"
	return plan
}

// ExposureSummary is the operator-facing snapshot of all exposure state.
type ExposureSummary struct {
	PortfolioValue  decimal.Decimal                             `json:"portfolio_value"`
	PositionCount   int                                         `json:"position_count"`
	Timestamp       time.Time                                   `json:"timestamp"`
	Exposures       map[ExposureType]map[string]ExposureMetrics `json:"exposures"`
	Concentration   ConcentrationAssessment                     `json:"concentration"`
	Clusters        []CorrelationCluster                        `json:"clusters,omitempty"`
	Violations      []string                                    `json:"violations,omitempty"`
	Recommendations []string                                    `json:"recommendations"`
}

// Summarize produces the full exposure picture for a portfolio.
func (e *ExposureManager) Summarize(pf *portfolio.Portfolio, corr CorrelationMatrix) ExposureSummary {
	s := ExposureSummary{
		PortfolioValue: pf.TotalValue(),
		PositionCount:  len(pf.ActivePositions()),
		Timestamp:      time.Now().UTC(),
		Exposures:      make(map[ExposureType]map[string]ExposureMetrics, len(e.types)),
	}
	for _, et := range e.types {
		s.Exposures[et] = e.ExposureByType(pf, et)
		for cat, m := range s.Exposures[et] {
			if m.Level == ExposureExtreme || m.Level == ExposureHigh {
				s.Violations = append(s.Violations,
					fmt.Sprintf("%s exposure to %s at %s level (%.1f%%)", et, cat, m.Level, m.CurrentPct))
			}
		}
	}
	s.Concentration = e.AssessConcentration(pf)
	s.Clusters = e.IdentifyClusters(pf, corr)

	switch {
	case len(s.Violations) > 0:
		s.Recommendations = append(s.Recommendations, "Address exposure limit violations")
	case s.Concentration.Level == ExposureHigh || s.Concentration.Level == ExposureExtreme:
		s.Recommendations = append(s.Recommendations, "Reduce position concentration")
	default:
		s.Recommendations = append(s.Recommendations, "Exposure profile is within acceptable limits")
	}
	return s
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
