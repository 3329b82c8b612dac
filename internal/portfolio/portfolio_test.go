package portfolio

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filledTrade(symbol string, typ TradeType, side Side, amount, price int64) Trade {
	return Trade{
		ID:        "t1",
		Symbol:    symbol,
		Type:      typ,
		Side:      side,
		Amount:    decimal.NewFromInt(amount),
		Price:     decimal.NewFromInt(price),
		Timestamp: time.Now().UTC(),
	}.AsFilled()
}

func TestPositionAveragesEntries(t *testing.T) {
	p := NewPosition("BTC/USDT")
	require.NoError(t, p.ApplyTrade(filledTrade("BTC/USDT", TradeBuy, SideLong, 1, 100)))
	require.NoError(t, p.ApplyTrade(filledTrade("BTC/USDT", TradeBuy, SideLong, 1, 200)))

	assert.True(t, p.Amount.Equal(decimal.NewFromInt(2)))
	assert.True(t, p.AvgEntryPrice.Equal(decimal.NewFromInt(150)))
}

func TestPositionRealizesPnLOnClose(t *testing.T) {
	p := NewPosition("BTC/USDT")
	require.NoError(t, p.ApplyTrade(filledTrade("BTC/USDT", TradeBuy, SideLong, 2, 100)))

	// Sell half at a profit.
	require.NoError(t, p.ApplyTrade(filledTrade("BTC/USDT", TradeSell, SideShort, 1, 150)))
	assert.True(t, p.Amount.Equal(decimal.NewFromInt(1)))
	assert.True(t, p.RealizedPnL.Equal(decimal.NewFromInt(50)))

	// Close the rest at a loss.
	require.NoError(t, p.ApplyTrade(filledTrade("BTC/USDT", TradeSell, SideShort, 1, 80)))
	assert.True(t, p.Amount.IsZero())
	assert.True(t, p.RealizedPnL.Equal(decimal.NewFromInt(30)))
	assert.True(t, p.UnrealizedPnL.IsZero())
}

func TestShortPositionGainsWhenPriceFalls(t *testing.T) {
	p := NewPosition("BTC/USDT")
	require.NoError(t, p.ApplyTrade(filledTrade("BTC/USDT", TradeSell, SideShort, 1, 100)))

	p.UpdatePrice(decimal.NewFromInt(80))
	assert.True(t, p.UnrealizedPnL.Equal(decimal.NewFromInt(20)))

	p.UpdatePrice(decimal.NewFromInt(120))
	assert.True(t, p.UnrealizedPnL.Equal(decimal.NewFromInt(-20)))
}

func TestPositionRejectsWrongSymbol(t *testing.T) {
	p := NewPosition("BTC/USDT")
	err := p.ApplyTrade(filledTrade("ETH/USDT", TradeBuy, SideLong, 1, 100))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ETH/USDT")
}

func TestBalanceLockFailsClosed(t *testing.T) {
	b := Balance{Currency: "USDT", Available: decimal.NewFromInt(100)}

	require.False(t, b.Lock(decimal.NewFromInt(150)), "overdraw must fail")
	assert.True(t, b.Available.Equal(decimal.NewFromInt(100)))

	require.True(t, b.Lock(decimal.NewFromInt(60)))
	assert.True(t, b.Available.Equal(decimal.NewFromInt(40)))
	assert.True(t, b.Locked.Equal(decimal.NewFromInt(60)))

	require.False(t, b.Unlock(decimal.NewFromInt(100)), "cannot unlock more than locked")
	require.True(t, b.Unlock(decimal.NewFromInt(60)))
	assert.True(t, b.Available.Equal(decimal.NewFromInt(100)))
}

func TestPortfolioAddTradeMovesBalances(t *testing.T) {
	pf := New("main", "USDT")
	pf.SetBalance("USDT", decimal.NewFromInt(10000), decimal.Zero)

	require.NoError(t, pf.AddTrade(filledTrade("BTC/USDT", TradeBuy, SideLong, 2, 100)))

	assert.True(t, pf.Balance("USDT").Available.Equal(decimal.NewFromInt(9800)))
	assert.True(t, pf.Balance("BTC").Available.Equal(decimal.NewFromInt(2)))
	assert.True(t, pf.Position("BTC/USDT").Amount.Equal(decimal.NewFromInt(2)))
}

func TestPortfolioIgnoresIncompleteTrades(t *testing.T) {
	pf := New("main", "USDT")
	pf.SetBalance("USDT", decimal.NewFromInt(10000), decimal.Zero)

	open := Trade{
		Symbol: "BTC/USDT",
		Type:   TradeBuy,
		Side:   SideLong,
		Amount: decimal.NewFromInt(1),
		Price:  decimal.NewFromInt(100),
		Status: TradeStatusOpen,
	}
	require.NoError(t, pf.AddTrade(open))
	assert.True(t, pf.Balance("USDT").Available.Equal(decimal.NewFromInt(10000)))
	assert.Empty(t, pf.ActivePositions())
}

func TestTotalValueCountsCashAndPositions(t *testing.T) {
	pf := New("main", "USDT")
	pf.SetBalance("USDT", decimal.NewFromInt(10000), decimal.Zero)
	require.NoError(t, pf.AddTrade(filledTrade("BTC/USDT", TradeBuy, SideLong, 10, 100)))
	pf.UpdatePrices(map[string]decimal.Decimal{"BTC/USDT": decimal.NewFromInt(120)})

	// 9000 cash plus 10 units at 120.
	assert.True(t, pf.TotalValue().Equal(decimal.NewFromInt(10200)), "got %v", pf.TotalValue())
	assert.InDelta(t, 1200.0/10200*100, pf.AllocationPercent("BTC/USDT"), 1e-9)
}

func TestCloneIsDeep(t *testing.T) {
	pf := New("main", "USDT")
	pf.SetBalance("USDT", decimal.NewFromInt(10000), decimal.Zero)
	require.NoError(t, pf.AddTrade(filledTrade("BTC/USDT", TradeBuy, SideLong, 1, 100)))

	sim := pf.Clone()
	require.NoError(t, sim.AddTrade(filledTrade("BTC/USDT", TradeBuy, SideLong, 1, 100)))
	sim.SetBalance("USDT", decimal.Zero, decimal.Zero)

	assert.True(t, pf.Position("BTC/USDT").Amount.Equal(decimal.NewFromInt(1)),
		"mutating the clone must not touch the original")
	assert.True(t, pf.Balance("USDT").Available.Equal(decimal.NewFromInt(9900)))
	assert.Contains(t, sim.ID, "-sim")
}

func TestTradeEffectiveFields(t *testing.T) {
	proposed := Trade{
		Symbol: "BTC/USDT",
		Amount: decimal.NewFromInt(5),
		Price:  decimal.NewFromInt(100),
	}
	assert.True(t, proposed.EffectiveAmount().Equal(decimal.NewFromInt(5)))
	assert.True(t, proposed.Value().Equal(decimal.NewFromInt(500)))
	assert.False(t, proposed.IsComplete())

	filled := proposed.AsFilled()
	assert.True(t, filled.IsComplete())
	assert.True(t, filled.FilledAmount.Equal(proposed.Amount))
}
