package portfolio

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeType is the order direction against the quote currency.
type TradeType string

const (
	TradeBuy  TradeType = "buy"
	TradeSell TradeType = "sell"
)

// TradeStatus tracks trade lifecycle. The engine only consumes trades; it
// never originates or routes them.
type TradeStatus string

const (
	TradeStatusOpen   TradeStatus = "open"
	TradeStatusFilled TradeStatus = "filled"
)

// Trade is a value object supplied by the order-management layer. Validation
// and sizing operate on proposed trades; portfolio application requires a
// filled one.
type Trade struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Type         TradeType       `json:"type"`
	Side         Side            `json:"side"`
	Amount       decimal.Decimal `json:"amount"`
	Price        decimal.Decimal `json:"price"`
	FilledAmount decimal.Decimal `json:"filled_amount"`
	FilledPrice  decimal.Decimal `json:"filled_price"`
	Fee          decimal.Decimal `json:"fee"`
	Status       TradeStatus     `json:"status"`
	Timestamp    time.Time       `json:"timestamp"`
}

// IsComplete reports whether the trade has been fully filled.
func (t Trade) IsComplete() bool {
	return t.Status == TradeStatusFilled
}

// EffectiveAmount returns the filled amount, falling back to the requested
// amount for proposed trades.
func (t Trade) EffectiveAmount() decimal.Decimal {
	if t.FilledAmount.IsPositive() {
		return t.FilledAmount
	}
	return t.Amount
}

// EffectivePrice returns the filled price, falling back to the quoted price.
func (t Trade) EffectivePrice() decimal.Decimal {
	if t.FilledPrice.IsPositive() {
		return t.FilledPrice
	}
	return t.Price
}

// Value returns the notional value of the trade.
func (t Trade) Value() decimal.Decimal {
	return t.EffectiveAmount().Mul(t.EffectivePrice())
}

// AsFilled returns a copy of the trade marked complete at its quoted terms,
// used when simulating the impact of a proposed trade.
func (t Trade) AsFilled() Trade {
	ft := t
	ft.FilledAmount = t.Amount
	ft.FilledPrice = t.Price
	ft.Status = TradeStatusFilled
	return ft
}

// Signal describes a trading opportunity from a strategy, with the historical
// statistics sizing methods consume.
type Signal struct {
	Symbol     string  `json:"symbol"`
	Strength   float64 `json:"strength"`   // 0-1
	Confidence float64 `json:"confidence"` // 0-1
	WinRate    float64 `json:"win_rate"`   // historical, 0-1
	AvgWin     float64 `json:"avg_win"`    // as decimal fraction
	AvgLoss    float64 `json:"avg_loss"`   // as decimal fraction, positive
}
