// Command risk-demo wires the full pipeline against a mock data source:
// market data manager -> stream processor -> risk assessment, sizing and
// exposure checks over a seeded portfolio. It runs until interrupted and
// prints an assessment on every cycle.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfold/riskengine/internal/alerts"
	"github.com/quantfold/riskengine/internal/audit"
	"github.com/quantfold/riskengine/internal/config"
	"github.com/quantfold/riskengine/internal/dataclean"
	"github.com/quantfold/riskengine/internal/marketdata"
	"github.com/quantfold/riskengine/internal/observ"
	"github.com/quantfold/riskengine/internal/portfolio"
	"github.com/quantfold/riskengine/internal/risk"
	"github.com/quantfold/riskengine/internal/stream"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var demoSymbols = []string{"BTC/USDT", "ETH/USDT", "ADA/USDT"}

func main() {
	var (
		configPath = flag.String("config", "", "path to yaml config (defaults apply when empty)")
		interval   = flag.Duration("interval", 5*time.Second, "assessment interval")
		report     = flag.Bool("report", true, "print the full risk report as JSON on shutdown")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	observ.Configure(cfg.LogLevel)
	log := observ.Named("risk-demo")
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var auditLog *audit.Log
	if cfg.AuditLog != "" {
		auditLog, err = audit.New(cfg.AuditLog)
		if err != nil {
			log.Fatal("open audit log", zap.Error(err))
		}
	}
	notifier := alerts.NewClient(cfg.Alerts)
	defer notifier.Close()

	// Seed a mock connector with a year of random-walk candles per symbol.
	mock := marketdata.NewMock("mock")
	rng := rand.New(rand.NewSource(42))
	history := make(map[string][]marketdata.Point, len(demoSymbols))
	for i, symbol := range demoSymbols {
		start := 100.0 * float64(i+1)
		candles := randomWalkCandles(symbol, start, 365, rng)
		history[symbol] = candles
		mock.SetCandles(symbol, candles)
		mock.SetPrice(symbol, candles[len(candles)-1].Close.Decimal)
	}

	manager := marketdata.NewManager(cfg.MarketData, dataclean.New(cfg.DataClean))
	manager.AddConnector(mock)
	if err := manager.Start(ctx); err != nil {
		log.Fatal("start market data manager", zap.Error(err))
	}
	defer manager.Stop(context.Background())

	processor := stream.NewProcessor(cfg.Stream)
	for _, f := range stream.BasicFilters() {
		processor.AddFilter(f)
	}
	for _, a := range stream.BasicAggregations() {
		processor.AddAggregation(a)
	}
	processor.AddHandler(func(e stream.Event) {
		if e.Type == stream.EventPriceUpdate {
			return
		}
		log.Info("stream event",
			zap.String("type", string(e.Type)),
			zap.String("symbol", e.Symbol),
			zap.Float64("severity", e.Severity),
			zap.String("message", e.Message))
		if auditLog != nil {
			if err := auditLog.Append(audit.KindEvent, e); err != nil {
				log.Warn("audit event", zap.Error(err))
			}
		}
		notifier.Send(alerts.Alert{
			Kind:     alerts.KindStreamEvent,
			Symbol:   e.Symbol,
			Severity: e.Severity,
			Title:    e.Message,
		})
	})
	if err := processor.Start(ctx); err != nil {
		log.Fatal("start stream processor", zap.Error(err))
	}
	defer processor.Stop()

	// Every polled tick flows into the stream processor and the audit log.
	for _, symbol := range demoSymbols {
		manager.Subscribe(symbol, marketdata.KindTicker, func(p marketdata.Point) {
			processor.Ingest(p)
			if auditLog != nil {
				if err := auditLog.Append(audit.KindPoint, p); err != nil {
					log.Warn("audit point", zap.Error(err))
				}
			}
		})
	}

	pf := seedPortfolio(manager, log)

	calc := risk.NewCalculator(cfg.RiskLimits)
	sizer := risk.NewSizer(cfg.RiskLimits, cfg.Sizer)
	exposure := risk.NewExposureManager(cfg.Exposure)

	snap := buildSnapshot(ctx, manager, history, pf)

	fmt.Println("risk-demo: assessing portfolio every", *interval)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	var metrics risk.Metrics
	for running := true; running; {
		select {
		case <-sig:
			running = false
		case <-ticker.C:
			pf.UpdatePrices(manager.CurrentPrices(ctx, demoSymbols))
			metrics = calc.Assess(pf, snap)
			printAssessment(pf, metrics)
			if auditLog != nil {
				if err := auditLog.Append(audit.KindAssessment, metrics); err != nil {
					log.Warn("audit assessment", zap.Error(err))
				}
			}
			if metrics.RiskLevel == risk.LevelHigh || metrics.RiskLevel == risk.LevelExtreme {
				notifier.Send(alerts.Alert{
					Kind:     alerts.KindRiskLevel,
					Severity: metrics.RiskScore / 100,
					Title:    fmt.Sprintf("Portfolio risk is %s (score %.1f)", metrics.RiskLevel, metrics.RiskScore),
				})
			}
			demoTradeChecks(calc, exposure, sizer, pf, &metrics, auditLog, notifier)
		}
	}

	if *report {
		rep := calc.GenerateReport(pf, metrics)
		out, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			log.Error("marshal report", zap.Error(err))
		} else {
			fmt.Println(string(out))
		}
	}

	st := processor.Snapshot()
	fmt.Printf("stream: processed=%d filtered=%d events=%d symbols=%d\n",
		st.TotalProcessed, st.FilteredOut, st.EventsGenerated, st.SymbolsTracked)
}

// randomWalkCandles builds n daily OHLCV bars with ~2% daily noise.
func randomWalkCandles(symbol string, start float64, n int, rng *rand.Rand) []marketdata.Point {
	base := time.Now().UTC().AddDate(0, 0, -n).Truncate(24 * time.Hour)
	out := make([]marketdata.Point, 0, n)
	price := start
	for i := 0; i < n; i++ {
		next := price * math.Exp(rng.NormFloat64()*0.02)
		high := math.Max(price, next) * 1.005
		low := math.Min(price, next) * 0.995
		out = append(out, marketdata.Point{
			Symbol:    symbol,
			Timestamp: base.AddDate(0, 0, i),
			Source:    "mock",
			Kind:      marketdata.KindOHLCV,
			Open:      marketdata.D(decimal.NewFromFloat(price)),
			High:      marketdata.D(decimal.NewFromFloat(high)),
			Low:       marketdata.D(decimal.NewFromFloat(low)),
			Close:     marketdata.D(decimal.NewFromFloat(next)),
			Volume:    marketdata.D(decimal.NewFromFloat(1000 + rng.Float64()*9000)),
		})
		price = next
	}
	return out
}

// seedPortfolio opens a cash account and three filled positions at current prices.
func seedPortfolio(manager *marketdata.Manager, log *zap.Logger) *portfolio.Portfolio {
	pf := portfolio.New("demo", "USDT")
	pf.SetBalance("USDT", decimal.NewFromInt(100000), decimal.Zero)

	prices := manager.CurrentPrices(context.Background(), demoSymbols)
	allocations := map[string]float64{"BTC/USDT": 0.08, "ETH/USDT": 0.05, "ADA/USDT": 0.03}
	for symbol, frac := range allocations {
		price, ok := prices[symbol]
		if !ok || price.IsZero() {
			continue
		}
		amount := decimal.NewFromFloat(100000 * frac).Div(price)
		t := portfolio.Trade{
			ID:        fmt.Sprintf("seed-%s", symbol),
			Symbol:    symbol,
			Type:      portfolio.TradeBuy,
			Side:      portfolio.SideLong,
			Amount:    amount,
			Price:     price,
			Timestamp: time.Now().UTC(),
		}.AsFilled()
		if err := pf.AddTrade(t); err != nil {
			log.Warn("seed trade rejected", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	pf.UpdatePrices(prices)
	return pf
}

// buildSnapshot derives portfolio returns, per-symbol correlations and volume
// averages from cleaned historical candles.
func buildSnapshot(ctx context.Context, manager *marketdata.Manager, history map[string][]marketdata.Point, pf *portfolio.Portfolio) risk.MarketSnapshot {
	returnsBySymbol := make(map[string][]float64, len(history))
	volumes := make(map[string]decimal.Decimal, len(history))
	for symbol, raw := range history {
		start := raw[0].Timestamp
		end := raw[len(raw)-1].Timestamp
		points, _, err := manager.Historical(ctx, symbol, marketdata.Timeframe1d, start, end, "")
		if err != nil || len(points) < 2 {
			continue
		}
		rets := make([]float64, 0, len(points)-1)
		var volSum decimal.Decimal
		prev, _ := points[0].CloseFloat()
		for _, p := range points[1:] {
			c, ok := p.CloseFloat()
			if !ok || prev == 0 {
				continue
			}
			rets = append(rets, c/prev-1)
			prev = c
			volSum = volSum.Add(p.Volume.Decimal)
		}
		returnsBySymbol[symbol] = rets
		volumes[symbol] = volSum.Div(decimal.NewFromInt(int64(len(points))))
	}

	// Equal-weight portfolio returns over the common tail.
	var portfolioReturns []float64
	for _, rets := range returnsBySymbol {
		if portfolioReturns == nil {
			portfolioReturns = make([]float64, len(rets))
		}
		n := len(portfolioReturns)
		if len(rets) < n {
			n = len(rets)
		}
		for i := 0; i < n; i++ {
			portfolioReturns[i] += rets[i] / float64(len(returnsBySymbol))
		}
	}

	corr := make(risk.CorrelationMatrix, len(returnsBySymbol))
	for a, ra := range returnsBySymbol {
		corr[a] = make(map[string]float64, len(returnsBySymbol))
		for b, rb := range returnsBySymbol {
			corr[a][b] = correlation(ra, rb)
		}
	}

	// Simulated equity curve: compound the portfolio returns from today's
	// value so drawdown sees the same history the returns describe.
	values := make([]decimal.Decimal, 0, len(portfolioReturns)+1)
	equity := pf.TotalValue()
	values = append(values, equity)
	for _, r := range portfolioReturns {
		equity = equity.Mul(decimal.NewFromFloat(1 + r))
		values = append(values, equity)
	}

	return risk.MarketSnapshot{
		Returns:       portfolioReturns,
		Values:        values,
		MarketReturns: returnsBySymbol["BTC/USDT"],
		Correlations:  corr,
		DailyVolumes:  volumes,
	}
}

func correlation(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0
	}
	var ma, mb float64
	for i := 0; i < n; i++ {
		ma += a[i]
		mb += b[i]
	}
	ma /= float64(n)
	mb /= float64(n)
	var cov, va, vb float64
	for i := 0; i < n; i++ {
		cov += (a[i] - ma) * (b[i] - mb)
		va += (a[i] - ma) * (a[i] - ma)
		vb += (b[i] - mb) * (b[i] - mb)
	}
	if va == 0 || vb == 0 {
		return 0
	}
	return cov / math.Sqrt(va*vb)
}

func printAssessment(pf *portfolio.Portfolio, m risk.Metrics) {
	fmt.Printf("[%s] value=%s score=%.1f level=%s var95=%s drawdown=%.2f%% vol=%.1f%% conc=%.2f liq=%.2f\n",
		m.CalculatedAt.Format("15:04:05"),
		pf.TotalValue().StringFixed(2),
		m.RiskScore, m.RiskLevel,
		m.VaR95.StringFixed(2),
		m.CurrentDrawdown, m.VolatilityAnnual,
		m.ConcentrationRisk, m.LiquidityScore)
}

// demoTradeChecks sizes a hypothetical BTC buy, then runs it through both the
// risk limit and exposure validators.
func demoTradeChecks(calc *risk.Calculator, exposure *risk.ExposureManager, sizer *risk.Sizer, pf *portfolio.Portfolio, m *risk.Metrics, auditLog *audit.Log, notifier *alerts.Client) {
	price := pf.Position("BTC/USDT").LastPrice
	if price.IsZero() {
		return
	}
	sig := portfolio.Signal{
		Symbol:     "BTC/USDT",
		Strength:   0.7,
		Confidence: 0.8,
		WinRate:    0.55,
		AvgWin:     0.06,
		AvgLoss:    0.03,
	}
	rec := sizer.Recommend(pf, sig, risk.MarketInfo{
		Price:      price,
		Volatility: m.VolatilityAnnual / 100,
	})
	fmt.Printf("  sizing: %s -> %s USDT (%s, confidence %.2f, risk %.2f%%)\n",
		sig.Symbol, rec.RecommendedSize.StringFixed(2), rec.Method, rec.Confidence, rec.RiskPercentage)
	if rec.RecommendedSize.IsZero() {
		return
	}

	t := portfolio.Trade{
		ID:        "proposal",
		Symbol:    sig.Symbol,
		Type:      portfolio.TradeBuy,
		Side:      portfolio.SideLong,
		Amount:    rec.RecommendedShares,
		Price:     price,
		Timestamp: time.Now().UTC(),
	}
	if ok, violations := calc.ValidateTrade(t, pf, m); !ok {
		for _, v := range violations {
			fmt.Printf("  risk check: %s\n", v)
		}
		rejectTrade(t, violations, auditLog, notifier)
		return
	}
	if ok, violations := exposure.ValidateTrade(t, pf); !ok {
		for _, v := range violations {
			fmt.Printf("  exposure check: %s\n", v)
		}
		rejectTrade(t, violations, auditLog, notifier)
		return
	}
	fmt.Println("  trade proposal passes risk and exposure checks")
}

func rejectTrade(t portfolio.Trade, violations []string, auditLog *audit.Log, notifier *alerts.Client) {
	if auditLog != nil {
		entry := struct {
			Trade      portfolio.Trade `json:"trade"`
			Violations []string        `json:"violations"`
		}{t, violations}
		_ = auditLog.Append(audit.KindRejection, entry)
	}
	notifier.Send(alerts.Alert{
		Kind:     alerts.KindTradeRejected,
		Symbol:   t.Symbol,
		Severity: 0.8,
		Title:    fmt.Sprintf("Trade proposal for %s rejected", t.Symbol),
		Details:  violations,
	})
}
