package portfolio

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side distinguishes long from short positions.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Position represents holdings in a single symbol. A Position is owned by
// exactly one Portfolio and mutated only through ApplyTrade and UpdatePrice.
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Amount        decimal.Decimal `json:"amount"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	LastPrice     decimal.Decimal `json:"last_price"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewPosition creates an empty long position for a symbol.
func NewPosition(symbol string) *Position {
	now := time.Now().UTC()
	return &Position{
		Symbol:    symbol,
		Side:      SideLong,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MarketValue returns the current value of the position at the last price.
func (p *Position) MarketValue() decimal.Decimal {
	if p.Amount.IsZero() {
		return decimal.Zero
	}
	return p.Amount.Mul(p.LastPrice)
}

// EntryValue returns the value of the position at its average entry price.
func (p *Position) EntryValue() decimal.Decimal {
	if p.Amount.IsZero() {
		return decimal.Zero
	}
	return p.Amount.Mul(p.AvgEntryPrice)
}

// TotalPnL returns realized plus unrealized profit and loss.
func (p *Position) TotalPnL() decimal.Decimal {
	return p.RealizedPnL.Add(p.UnrealizedPnL)
}

// PnLPercent returns total P&L as a percentage of entry value.
func (p *Position) PnLPercent() float64 {
	entry := p.EntryValue()
	if entry.IsZero() {
		return 0
	}
	pct, _ := p.TotalPnL().Div(entry).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// UpdatePrice records a new market price and recomputes unrealized P&L.
// Short positions gain when price falls.
func (p *Position) UpdatePrice(price decimal.Decimal) {
	p.LastPrice = price
	if !p.Amount.IsZero() {
		diff := price.Sub(p.AvgEntryPrice)
		if p.Side == SideShort {
			diff = diff.Neg()
		}
		p.UnrealizedPnL = p.Amount.Mul(diff)
	}
	p.UpdatedAt = time.Now().UTC()
}

// ApplyTrade folds a filled trade into the position. Same-side trades add at
// a volume-weighted average entry; opposite-side trades reduce or close and
// realize P&L against the average entry price.
func (p *Position) ApplyTrade(t Trade) error {
	if t.Symbol != p.Symbol {
		return fmt.Errorf("trade symbol %s does not match position %s", t.Symbol, p.Symbol)
	}

	amount := t.EffectiveAmount()
	price := t.EffectivePrice()

	if t.Side != p.Side && !p.Amount.IsZero() {
		pnlPerUnit := price.Sub(p.AvgEntryPrice)
		if p.Side == SideShort {
			pnlPerUnit = pnlPerUnit.Neg()
		}
		if amount.Cmp(p.Amount) >= 0 {
			// Full close.
			p.RealizedPnL = p.RealizedPnL.Add(p.Amount.Mul(pnlPerUnit))
			p.Amount = decimal.Zero
			p.AvgEntryPrice = decimal.Zero
			p.UnrealizedPnL = decimal.Zero
		} else {
			p.RealizedPnL = p.RealizedPnL.Add(amount.Mul(pnlPerUnit))
			p.Amount = p.Amount.Sub(amount)
		}
	} else if p.Amount.IsZero() {
		p.Amount = amount
		p.AvgEntryPrice = price
		p.Side = t.Side
		if !t.Timestamp.IsZero() {
			p.CreatedAt = t.Timestamp
		}
	} else {
		total := p.Amount.Mul(p.AvgEntryPrice).Add(amount.Mul(price))
		p.Amount = p.Amount.Add(amount)
		p.AvgEntryPrice = total.Div(p.Amount)
	}

	p.UpdatedAt = time.Now().UTC()
	return nil
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	cp := *p
	return &cp
}
