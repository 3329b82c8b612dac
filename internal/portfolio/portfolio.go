package portfolio

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Balance holds funds in one currency, split between available and locked.
type Balance struct {
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// Total returns available plus locked funds.
func (b *Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// Lock moves funds from available to locked; it fails closed when available
// funds are insufficient.
func (b *Balance) Lock(amount decimal.Decimal) bool {
	if amount.Cmp(b.Available) > 0 {
		return false
	}
	b.Available = b.Available.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	return true
}

// Unlock returns locked funds to available.
func (b *Balance) Unlock(amount decimal.Decimal) bool {
	if amount.Cmp(b.Locked) > 0 {
		return false
	}
	b.Locked = b.Locked.Sub(amount)
	b.Available = b.Available.Add(amount)
	return true
}

// Portfolio aggregates balances and positions. It is supplied by an external
// order-management collaborator; the engine reads it for risk computation and
// mutates only via AddTrade/UpdatePrices. Callers own synchronization:
// operations here are not safe for concurrent use, and risk validation works
// on a Clone precisely so the live portfolio is never touched mid-check.
type Portfolio struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	BaseCurrency string               `json:"base_currency"`
	Balances     map[string]*Balance  `json:"balances"`
	Positions    map[string]*Position `json:"positions"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// New creates an empty portfolio valued in the given base currency.
func New(name, baseCurrency string) *Portfolio {
	now := time.Now().UTC()
	return &Portfolio{
		ID:           uuid.NewString(),
		Name:         name,
		BaseCurrency: baseCurrency,
		Balances:     make(map[string]*Balance),
		Positions:    make(map[string]*Position),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Balance returns the balance for a currency, creating a zero balance on
// first access.
func (pf *Portfolio) Balance(currency string) *Balance {
	b, ok := pf.Balances[currency]
	if !ok {
		b = &Balance{Currency: currency}
		pf.Balances[currency] = b
	}
	return b
}

// Position returns the position for a symbol, creating an empty one on first
// access.
func (pf *Portfolio) Position(symbol string) *Position {
	p, ok := pf.Positions[symbol]
	if !ok {
		p = NewPosition(symbol)
		pf.Positions[symbol] = p
	}
	return p
}

// SetBalance overwrites the available (and optionally locked) funds for a
// currency.
func (pf *Portfolio) SetBalance(currency string, available, locked decimal.Decimal) {
	b := pf.Balance(currency)
	b.Available = available
	b.Locked = locked
	pf.UpdatedAt = time.Now().UTC()
}

// AddTrade applies a completed trade: the position is updated and balances
// are adjusted in the base and quote assets of the symbol. Incomplete trades
// are ignored.
func (pf *Portfolio) AddTrade(t Trade) error {
	if !t.IsComplete() {
		return nil
	}

	if err := pf.Position(t.Symbol).ApplyTrade(t); err != nil {
		return err
	}

	// Symbols without a quote leg (plain equities) adjust positions only.
	base, quote, ok := strings.Cut(t.Symbol, "/")
	if ok {
		value := t.FilledAmount.Mul(t.FilledPrice)
		baseBal := pf.Balance(base)
		quoteBal := pf.Balance(quote)
		if t.Type == TradeBuy {
			baseBal.Available = baseBal.Available.Add(t.FilledAmount)
			quoteBal.Available = quoteBal.Available.Sub(value).Sub(t.Fee)
		} else {
			baseBal.Available = baseBal.Available.Sub(t.FilledAmount)
			quoteBal.Available = quoteBal.Available.Add(value).Sub(t.Fee)
		}
	}

	pf.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdatePrices pushes fresh market prices into matching positions.
func (pf *Portfolio) UpdatePrices(prices map[string]decimal.Decimal) {
	for symbol, price := range prices {
		if p, ok := pf.Positions[symbol]; ok {
			p.UpdatePrice(price)
		}
	}
	pf.UpdatedAt = time.Now().UTC()
}

// TotalValue is the base-currency balance plus the market value of every
// position with a non-zero amount.
func (pf *Portfolio) TotalValue() decimal.Decimal {
	total := decimal.Zero
	if b, ok := pf.Balances[pf.BaseCurrency]; ok {
		total = total.Add(b.Total())
	}
	for _, p := range pf.Positions {
		if p.Amount.IsPositive() {
			total = total.Add(p.MarketValue())
		}
	}
	return total
}

// TotalPnL returns realized plus unrealized P&L across all positions.
func (pf *Portfolio) TotalPnL() decimal.Decimal {
	total := decimal.Zero
	for _, p := range pf.Positions {
		total = total.Add(p.TotalPnL())
	}
	return total
}

// ActivePositions returns positions with a non-zero amount.
func (pf *Portfolio) ActivePositions() []*Position {
	out := make([]*Position, 0, len(pf.Positions))
	for _, p := range pf.Positions {
		if p.Amount.IsPositive() {
			out = append(out, p)
		}
	}
	return out
}

// AllocationPercent returns a symbol's share of total portfolio value.
func (pf *Portfolio) AllocationPercent(symbol string) float64 {
	total := pf.TotalValue()
	if total.IsZero() {
		return 0
	}
	p, ok := pf.Positions[symbol]
	if !ok || p.Amount.IsZero() {
		return 0
	}
	pct, _ := p.MarketValue().Div(total).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// Clone returns a deep copy suitable for what-if trade simulation. The copy
// shares nothing with the original and is discarded after evaluation.
func (pf *Portfolio) Clone() *Portfolio {
	cp := &Portfolio{
		ID:           pf.ID + "-sim",
		Name:         pf.Name,
		BaseCurrency: pf.BaseCurrency,
		Balances:     make(map[string]*Balance, len(pf.Balances)),
		Positions:    make(map[string]*Position, len(pf.Positions)),
		CreatedAt:    pf.CreatedAt,
		UpdatedAt:    pf.UpdatedAt,
	}
	for cur, b := range pf.Balances {
		bc := *b
		cp.Balances[cur] = &bc
	}
	for sym, p := range pf.Positions {
		cp.Positions[sym] = p.Clone()
	}
	return cp
}
