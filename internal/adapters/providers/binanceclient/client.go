package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"powertrader/internal/domain"
	"powertrader/internal/ports"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
)

const (
	// Base URLs
	baseURLGlobal = "https://api.binance.com"
	baseURLUS     = "https://api.binance.us"

	maxKlineLimit = 1000
	amountPlaces  = 8
)

// Client implements ports.MarketDataProvider and ports.TradingProvider on the
// go-binance spot API.
type Client struct {
	spot   *binance.Client
	name   string
	quote  string
	logger ports.Logger
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey        string
	SecretKey     string
	US            bool   // use api.binance.us
	BaseURL       string // overrides the endpoint, mainly for tests
	QuoteCurrency string // defaults to USDT
	Timeout       time.Duration
	Logger        ports.Logger
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	name := "binance"
	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	client.BaseURL = baseURLGlobal
	if cfg.US {
		name = "binance_us"
		client.BaseURL = baseURLUS
	}
	if cfg.BaseURL != "" {
		client.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}
	quote := strings.ToUpper(cfg.QuoteCurrency)
	if quote == "" {
		quote = "USDT"
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Debug(context.Background(), "Binance client has no API keys; only public endpoints will work", map[string]interface{}{"provider": name})
	}
	cfg.Logger.Info(context.Background(), "Binance client configured", map[string]interface{}{"provider": name, "baseURL": client.BaseURL})

	return &Client{spot: client, name: name, quote: quote, logger: cfg.Logger}, nil
}

// Name returns the factory key.
func (c *Client) Name() string { return c.name }

// NormalizeSymbol converts "BTC" (or "BTC-USDT", "btc_usdt") into "BTCUSDT".
func (c *Client) NormalizeSymbol(asset string) string {
	s := strings.ToUpper(strings.TrimSpace(asset))
	s = strings.NewReplacer("-", "", "_", "", "/", "").Replace(s)
	if !strings.HasSuffix(s, c.quote) {
		s += c.quote
	}
	return s
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "provider": c.name}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case 0: // body was not Binance JSON, e.g. a 5xx page from the gateway
			mappedErr = ports.ErrExchangeUnavailable
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1001, -1007: // Internal error / backend timeout
			mappedErr = ports.ErrExchangeUnavailable
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Signature for this request is not valid
			mappedErr = ports.ErrAuthenticationFailed
		case -1100, -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1112, -1114, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130: // Parameter/Request format errors
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			if strings.Contains(strings.ToLower(apiErr.Message), "insufficient balance") {
				mappedErr = ports.ErrInsufficientFunds
			} else {
				mappedErr = ports.ErrOrderPlacementFailed
			}
		case -2011: // Cancel order rejected
			mappedErr = ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014: // API-key format invalid
			mappedErr = ports.ErrInvalidAPIKeys
		case -2015: // Invalid API-key, IP, or permissions for action
			mappedErr = ports.ErrInvalidAPIKeys
		case -2019, -3005: // Insufficient margin / balance
			mappedErr = ports.ErrInsufficientFunds
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") ||
		strings.Contains(err.Error(), "no such host") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else if strings.Contains(err.Error(), "Client.Timeout") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if strings.Contains(err.Error(), "status code: 5") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrExchangeUnavailable, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// GetCandles retrieves up to limit most recent closed-or-forming candles.
// Remote failures are logged and yield an empty slice.
func (c *Client) GetCandles(ctx context.Context, asset string, tf domain.Timeframe, limit int) ([]domain.Candle, error) {
	op := "GetCandles"
	if !tf.Valid() {
		return nil, fmt.Errorf("%s failed: %w: unsupported timeframe %q", op, ports.ErrConfigurationError, tf)
	}
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	symbol := c.NormalizeSymbol(asset)

	klines, err := c.spot.NewKlinesService().Symbol(symbol).Interval(tf.String()).Limit(limit).Do(ctx)
	if err != nil {
		_ = c.handleError(ctx, err, op)
		return []domain.Candle{}, nil
	}

	rows := make([]domain.CandleRow, 0, len(klines))
	for _, k := range klines {
		if k == nil {
			continue
		}
		rows = append(rows, domain.CandleRow{k.OpenTime / 1000, k.Open, k.Close, k.High, k.Low, k.Volume})
	}
	candles := domain.TailCandles(domain.RowsToCandles(rows), limit)
	if dropped := len(klines) - len(candles); dropped > 0 {
		c.logger.Warn(ctx, op+": dropped malformed candles", map[string]interface{}{"symbol": symbol, "dropped": dropped})
	}
	return candles, nil
}

// GetQuote returns the best bid/ask from the book ticker, or the zero Quote.
func (c *Client) GetQuote(ctx context.Context, asset string) domain.Quote {
	op := "GetQuote"
	symbol := c.NormalizeSymbol(asset)
	tickers, err := c.spot.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		_ = c.handleError(ctx, err, op)
		return domain.Quote{}
	}
	for _, t := range tickers {
		if t == nil || t.Symbol != symbol {
			continue
		}
		bid, okBid := domain.ParseDecimal(t.BidPrice)
		ask, okAsk := domain.ParseDecimal(t.AskPrice)
		if !okBid || !okAsk {
			c.logger.Warn(ctx, op+": malformed book ticker", map[string]interface{}{"symbol": symbol})
			return domain.Quote{}
		}
		return domain.Quote{Bid: bid, Ask: ask}
	}
	return domain.Quote{}
}

// PlaceOrder submits one market order. Buys by notional use quoteOrderQty.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResult, error) {
	op := "PlaceOrder"
	symbol := c.NormalizeSymbol(req.Asset)

	svc := c.spot.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderTypeMarket).
		NewClientOrderID(req.ClientOrderID)
	switch {
	case req.Quantity > 0:
		svc = svc.Quantity(domain.FormatAmount(req.Quantity, amountPlaces))
	case req.Notional > 0:
		svc = svc.QuoteOrderQty(domain.FormatAmount(req.Notional, 2))
	default:
		return nil, fmt.Errorf("%s failed: %w: quantity or notional required", op, ports.ErrInvalidRequest)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	res := translateCreateOrder(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": symbol, "side": req.Side, "orderID": res.OrderID,
		"clientOrderID": res.ClientOrderID, "status": res.Status,
	})
	return res, nil
}

// GetOrder looks an order up by client order ID.
func (c *Client) GetOrder(ctx context.Context, asset, clientOrderID string) (*ports.OrderResult, error) {
	op := "GetOrder"
	order, err := c.spot.NewGetOrderService().
		Symbol(c.NormalizeSymbol(asset)).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return translateOrder(order), nil
}

// CancelOrder cancels an open order by exchange order ID.
func (c *Client) CancelOrder(ctx context.Context, asset, orderID string) error {
	op := "CancelOrder"
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%s failed: %w: bad order id %q", op, ports.ErrInvalidRequest, orderID)
	}
	symbol := c.NormalizeSymbol(asset)
	c.logger.Debug(ctx, "Attempting to cancel order", map[string]interface{}{"symbol": symbol, "orderID": orderID})

	if _, err := c.spot.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID})
	return nil
}

// GetBalances returns free balances with a positive amount.
func (c *Client) GetBalances(ctx context.Context) (map[string]float64, error) {
	op := "GetBalances"
	account, err := c.spot.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	out := make(map[string]float64, len(account.Balances))
	for _, b := range account.Balances {
		free, ok := domain.ParseDecimal(b.Free)
		if !ok {
			c.logger.Warn(ctx, op+": could not parse balance", map[string]interface{}{"asset": b.Asset})
			continue
		}
		if free > 0 {
			out[strings.ToUpper(b.Asset)] = free
		}
	}
	return out, nil
}

// --- Translation Helpers ---

func normalizeStatus(s binance.OrderStatusType) string {
	switch s {
	case binance.OrderStatusTypeFilled:
		return ports.OrderStatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return ports.OrderStatusCanceled
	case binance.OrderStatusTypeRejected:
		return ports.OrderStatusRejected
	default:
		return ports.OrderStatusOpen
	}
}

func avgPrice(execQty, quoteQty float64) float64 {
	if execQty <= 0 {
		return 0
	}
	return quoteQty / execQty
}

func translateCreateOrder(order *binance.CreateOrderResponse) *ports.OrderResult {
	execQty, _ := domain.ParseDecimal(order.ExecutedQuantity)
	quoteQty, _ := domain.ParseDecimal(order.CummulativeQuoteQuantity)
	return &ports.OrderResult{
		OrderID:       strconv.FormatInt(order.OrderID, 10),
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          domain.OrderSide(order.Side),
		Status:        normalizeStatus(order.Status),
		ExecutedQty:   execQty,
		QuoteQty:      quoteQty,
		AvgPrice:      avgPrice(execQty, quoteQty),
		Timestamp:     time.UnixMilli(order.TransactTime),
	}
}

func translateOrder(order *binance.Order) *ports.OrderResult {
	execQty, _ := domain.ParseDecimal(order.ExecutedQuantity)
	quoteQty, _ := domain.ParseDecimal(order.CummulativeQuoteQuantity)
	return &ports.OrderResult{
		OrderID:       strconv.FormatInt(order.OrderID, 10),
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          domain.OrderSide(order.Side),
		Status:        normalizeStatus(order.Status),
		ExecutedQty:   execQty,
		QuoteQty:      quoteQty,
		AvgPrice:      avgPrice(execQty, quoteQty),
		Timestamp:     time.UnixMilli(order.UpdateTime),
	}
}
