package ports

import (
	"context"
	"time"

	"powertrader/internal/domain"
)

// MarketDataProvider fetches candles and quotes from one exchange.
type MarketDataProvider interface {
	// Name returns the factory key of the provider (e.g. "binance").
	Name() string
	// NormalizeSymbol converts a canonical asset ("BTC") to the exchange-native symbol.
	NormalizeSymbol(asset string) string
	// GetCandles returns up to limit most recent candles in ascending open time.
	// Transient and remote failures yield fewer candles (possibly none) and a nil error;
	// only local misconfiguration returns an error wrapping ErrConfigurationError.
	GetCandles(ctx context.Context, asset string, tf domain.Timeframe, limit int) ([]domain.Candle, error)
	// GetQuote returns the best bid/ask, or the zero Quote when no data is available.
	GetQuote(ctx context.Context, asset string) domain.Quote
}

// OrderRequest describes a market order. Exactly one of Quantity or Notional is set.
type OrderRequest struct {
	Asset         string
	Side          domain.OrderSide
	Quantity      float64 // base asset amount
	Notional      float64 // quote currency amount
	PriceHint     float64 // current price, for providers that only accept quantities
	ClientOrderID string
}

// Normalized order statuses.
const (
	OrderStatusOpen     = "open"
	OrderStatusFilled   = "filled"
	OrderStatusCanceled = "canceled"
	OrderStatusRejected = "rejected"
)

// OrderResult is the provider's view of an order.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          domain.OrderSide
	Status        string // one of the OrderStatus constants
	ExecutedQty   float64
	AvgPrice      float64
	QuoteQty      float64
	Timestamp     time.Time
}

// TradingProvider executes orders on one exchange. Every call performs at most one
// order-mutating request; retry policy belongs to the caller.
type TradingProvider interface {
	Name() string
	NormalizeSymbol(asset string) string
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, asset, orderID string) error
	// GetOrder looks an order up by client order ID; ErrOrderNotFound when unknown.
	GetOrder(ctx context.Context, asset, clientOrderID string) (*OrderResult, error)
	// GetBalances returns free balances keyed by upper-case currency code.
	GetBalances(ctx context.Context) (map[string]float64, error)
}
