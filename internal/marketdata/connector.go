package marketdata

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrPriceUnavailable means the source had no price for the symbol.
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrNotConnected means the connector was used before Connect succeeded.
	ErrNotConnected = errors.New("connector not connected")
	// ErrNoProviders means no connector is registered with the manager.
	ErrNoProviders = errors.New("no market data providers available")
)

// Handler consumes live data points delivered to a subscription.
type Handler func(Point)

// Subscription describes a live data feed request.
type Subscription struct {
	Symbol    string
	Kind      DataKind
	Timeframe Timeframe
	Source    string
	Handler   Handler
}

// Connector is one upstream market data source. Implementations must be safe
// for concurrent use once Connect has returned.
type Connector interface {
	// Source returns the provider identifier, e.g. "binance".
	Source() string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Historical returns OHLCV candles for [start, end], oldest first.
	Historical(ctx context.Context, symbol string, tf Timeframe, start, end time.Time) ([]Point, error)

	// CurrentPrice returns the latest trade price. ErrPriceUnavailable when
	// the source has no quote.
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	Subscribe(ctx context.Context, sub Subscription) error
	Unsubscribe(ctx context.Context, symbol string, kind DataKind) error
}
