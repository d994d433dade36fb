// Package coinbase provides Coinbase Advanced Trade market data and spot
// trading. Private endpoints authenticate with an ES256 JWT per request.
package coinbase

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"powertrader/internal/adapters/restclient"
	"powertrader/internal/domain"
	"powertrader/internal/ports"
)

const (
	defaultBaseURL = "https://api.coinbase.com"
	maxCandles     = 300
	jwtTTL         = 2 * time.Minute
	amountPlaces   = 8
)

var granularities = map[domain.Timeframe]string{
	domain.TF1m:  "ONE_MINUTE",
	domain.TF5m:  "FIVE_MINUTE",
	domain.TF15m: "FIFTEEN_MINUTE",
	domain.TF30m: "THIRTY_MINUTE",
	domain.TF1h:  "ONE_HOUR",
	domain.TF2h:  "TWO_HOUR",
	domain.TF6h:  "SIX_HOUR",
	domain.TF1d:  "ONE_DAY",
}

// Config for the Coinbase adapter. KeyName and PrivateKeyPEM are only needed
// for trading.
type Config struct {
	BaseURL       string
	QuoteCurrency string // defaults to USD
	KeyName       string
	PrivateKeyPEM string
	RateLimit     float64
	Timeout       time.Duration
	Logger        ports.Logger
	Now           func() time.Time
}

// Client implements ports.MarketDataProvider and ports.TradingProvider.
type Client struct {
	http    *restclient.Client
	quote   string
	keyName string
	key     *ecdsa.PrivateKey
	logger  ports.Logger
	now     func() time.Time
}

// New creates a Coinbase client. A malformed private key is a configuration error.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Coinbase client")
	}
	c := &Client{
		quote:   strings.ToUpper(cfg.QuoteCurrency),
		keyName: cfg.KeyName,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if c.quote == "" {
		c.quote = "USD"
	}
	if c.now == nil {
		c.now = time.Now
	}
	if cfg.PrivateKeyPEM != "" {
		pemText := strings.ReplaceAll(cfg.PrivateKeyPEM, `\n`, "\n")
		key, err := jwt.ParseECPrivateKeyFromPEM([]byte(pemText))
		if err != nil {
			return nil, fmt.Errorf("coinbase private key: %w: %w", ports.ErrConfigurationError, err)
		}
		c.key = key
	}

	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	opts := []restclient.Option{restclient.WithLogger(cfg.Logger)}
	if c.key != nil {
		opts = append(opts, restclient.WithSigner(c.sign))
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, restclient.WithRateLimit(cfg.RateLimit, 1))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, restclient.WithTimeout(cfg.Timeout))
	}
	c.http = restclient.New(base, opts...)
	return c, nil
}

func (c *Client) Name() string { return "coinbase" }

// NormalizeSymbol converts "BTC" into "BTC-USD".
func (c *Client) NormalizeSymbol(asset string) string {
	s := strings.ToUpper(strings.TrimSpace(asset))
	if !strings.Contains(s, "-") {
		s += "-" + c.quote
	}
	return s
}

// sign attaches a short-lived ES256 bearer token bound to the request URI.
func (c *Client) sign(req *http.Request, _ []byte) error {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	now := c.now()
	claims := jwt.MapClaims{
		"sub": c.keyName,
		"iss": "cdp",
		"nbf": now.Unix(),
		"exp": now.Add(jwtTTL).Unix(),
		"uri": req.Method + " " + req.URL.Host + req.URL.Path,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = c.keyName
	token.Header["nonce"] = hex.EncodeToString(nonce)
	signed, err := token.SignedString(c.key)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	return nil
}

type candle struct {
	Start  interface{} `json:"start"`
	Low    interface{} `json:"low"`
	High   interface{} `json:"high"`
	Open   interface{} `json:"open"`
	Close  interface{} `json:"close"`
	Volume interface{} `json:"volume"`
}

// GetCandles returns up to limit (at most 300) most recent candles.
func (c *Client) GetCandles(ctx context.Context, asset string, tf domain.Timeframe, limit int) ([]domain.Candle, error) {
	op := "GetCandles"
	gran, ok := granularities[tf]
	if !ok {
		return nil, fmt.Errorf("%s failed: %w: timeframe %q not offered by coinbase", op, ports.ErrConfigurationError, tf)
	}
	if limit <= 0 || limit > maxCandles {
		limit = maxCandles
	}
	product := c.NormalizeSymbol(asset)
	end := c.now().Unix()
	start := end - int64(limit)*int64(tf.Duration()/time.Second)

	q := url.Values{}
	q.Set("granularity", gran)
	q.Set("start", strconv.FormatInt(start, 10))
	q.Set("end", strconv.FormatInt(end, 10))
	q.Set("limit", strconv.Itoa(limit))

	var resp struct {
		Candles []candle `json:"candles"`
	}
	path := "/api/v3/brokerage/market/products/" + url.PathEscape(product) + "/candles"
	if err := c.http.Do(ctx, op, restclient.Request{Path: path, Query: q}, &resp); err != nil {
		c.logger.Warn(ctx, op+": fetch failed", map[string]interface{}{"product": product, "timeframe": tf.String(), "error": err})
		return []domain.Candle{}, nil
	}

	rows := make([]domain.CandleRow, 0, len(resp.Candles))
	for _, k := range resp.Candles {
		rows = append(rows, domain.CandleRow{k.Start, k.Open, k.Close, k.High, k.Low, k.Volume})
	}
	candles := domain.RowsToCandles(rows)
	if dropped := len(rows) - len(candles); dropped > 0 {
		c.logger.Warn(ctx, op+": dropped malformed candles", map[string]interface{}{"product": product, "dropped": dropped})
	}
	return domain.TailCandles(candles, limit), nil
}

// GetQuote returns best bid/ask from the public ticker, or the zero Quote.
func (c *Client) GetQuote(ctx context.Context, asset string) domain.Quote {
	op := "GetQuote"
	product := c.NormalizeSymbol(asset)
	var resp struct {
		BestBid interface{} `json:"best_bid"`
		BestAsk interface{} `json:"best_ask"`
	}
	path := "/api/v3/brokerage/market/products/" + url.PathEscape(product) + "/ticker"
	if err := c.http.Do(ctx, op, restclient.Request{Path: path, Query: url.Values{"limit": {"1"}}}, &resp); err != nil {
		c.logger.Warn(ctx, op+": fetch failed", map[string]interface{}{"product": product, "error": err})
		return domain.Quote{}
	}
	bid, okBid := domain.LenientFloat(resp.BestBid)
	ask, okAsk := domain.LenientFloat(resp.BestAsk)
	if !okBid || !okAsk {
		return domain.Quote{}
	}
	return domain.Quote{Bid: bid, Ask: ask}
}

type orderRequest struct {
	ClientOrderID      string             `json:"client_order_id"`
	ProductID          string             `json:"product_id"`
	Side               string             `json:"side"`
	OrderConfiguration orderConfiguration `json:"order_configuration"`
}

type orderConfiguration struct {
	MarketIOC marketIOC `json:"market_market_ioc"`
}

type marketIOC struct {
	QuoteSize string `json:"quote_size,omitempty"`
	BaseSize  string `json:"base_size,omitempty"`
}

type orderResponse struct {
	Success         bool `json:"success"`
	SuccessResponse struct {
		OrderID       string `json:"order_id"`
		ProductID     string `json:"product_id"`
		Side          string `json:"side"`
		ClientOrderID string `json:"client_order_id"`
	} `json:"success_response"`
	ErrorResponse struct {
		Error                string `json:"error"`
		Message              string `json:"message"`
		PreviewFailureReason string `json:"preview_failure_reason"`
	} `json:"error_response"`
}

// PlaceOrder submits a market IOC order by quote size (buy notional) or base size.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResult, error) {
	op := "PlaceOrder"
	product := c.NormalizeSymbol(req.Asset)
	body := orderRequest{ClientOrderID: req.ClientOrderID, ProductID: product, Side: string(req.Side)}
	switch {
	case req.Quantity > 0:
		body.OrderConfiguration.MarketIOC.BaseSize = domain.FormatAmount(req.Quantity, amountPlaces)
	case req.Notional > 0:
		body.OrderConfiguration.MarketIOC.QuoteSize = domain.FormatAmount(req.Notional, 2)
	default:
		return nil, fmt.Errorf("%s failed: %w: quantity or notional required", op, ports.ErrInvalidRequest)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrInvalidRequest, err)
	}

	var resp orderResponse
	if err := c.http.Do(ctx, op, restclient.Request{Method: http.MethodPost, Path: "/api/v3/brokerage/orders", Body: payload, Signed: true}, &resp); err != nil {
		c.logger.Error(ctx, err, op+" failed", map[string]interface{}{"product": product, "clientOrderID": req.ClientOrderID})
		return nil, err
	}
	if !resp.Success {
		mapped := ports.ErrOrderPlacementFailed
		reason := resp.ErrorResponse.Error + " " + resp.ErrorResponse.PreviewFailureReason
		switch {
		case strings.Contains(reason, "INSUFFICIENT_FUND"):
			mapped = ports.ErrInsufficientFunds
		case strings.Contains(reason, "INVALID"):
			mapped = ports.ErrInvalidRequest
		}
		err := fmt.Errorf("%s failed: %w: %s: %s", op, mapped, strings.TrimSpace(reason), resp.ErrorResponse.Message)
		c.logger.Error(ctx, err, op+" rejected", map[string]interface{}{"product": product, "clientOrderID": req.ClientOrderID})
		return nil, err
	}

	res := &ports.OrderResult{
		OrderID:       resp.SuccessResponse.OrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        product,
		Side:          req.Side,
		Status:        ports.OrderStatusOpen,
		Timestamp:     c.now(),
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"product": product, "side": req.Side, "orderID": res.OrderID})
	return res, nil
}

type historicalOrder struct {
	OrderID            string `json:"order_id"`
	ClientOrderID      string `json:"client_order_id"`
	ProductID          string `json:"product_id"`
	Side               string `json:"side"`
	Status             string `json:"status"`
	FilledSize         string `json:"filled_size"`
	AverageFilledPrice string `json:"average_filled_price"`
	FilledValue        string `json:"filled_value"`
	CreatedTime        string `json:"created_time"`
}

func normalizeStatus(s string) string {
	switch strings.ToUpper(s) {
	case "FILLED":
		return ports.OrderStatusFilled
	case "CANCELLED", "EXPIRED":
		return ports.OrderStatusCanceled
	case "FAILED":
		return ports.OrderStatusRejected
	default:
		return ports.OrderStatusOpen
	}
}

// GetOrder scans recent orders for the product for the client order ID.
func (c *Client) GetOrder(ctx context.Context, asset, clientOrderID string) (*ports.OrderResult, error) {
	op := "GetOrder"
	product := c.NormalizeSymbol(asset)
	q := url.Values{}
	q.Set("product_ids", product)
	q.Set("limit", "250")

	var resp struct {
		Orders []historicalOrder `json:"orders"`
	}
	if err := c.http.Do(ctx, op, restclient.Request{Path: "/api/v3/brokerage/orders/historical/batch", Query: q, Signed: true}, &resp); err != nil {
		return nil, err
	}
	for _, o := range resp.Orders {
		if o.ClientOrderID != clientOrderID {
			continue
		}
		filled, _ := domain.ParseDecimal(o.FilledSize)
		avg, _ := domain.ParseDecimal(o.AverageFilledPrice)
		value, _ := domain.ParseDecimal(o.FilledValue)
		ts, _ := time.Parse(time.RFC3339Nano, o.CreatedTime)
		return &ports.OrderResult{
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.ProductID,
			Side:          domain.OrderSide(strings.ToUpper(o.Side)),
			Status:        normalizeStatus(o.Status),
			ExecutedQty:   filled,
			AvgPrice:      avg,
			QuoteQty:      value,
			Timestamp:     ts,
		}, nil
	}
	return nil, fmt.Errorf("%s failed: %w: client order id %s", op, ports.ErrOrderNotFound, clientOrderID)
}

// CancelOrder cancels one order by exchange order ID.
func (c *Client) CancelOrder(ctx context.Context, asset, orderID string) error {
	op := "CancelOrder"
	payload, _ := json.Marshal(map[string][]string{"order_ids": {orderID}})
	var resp struct {
		Results []struct {
			Success       bool   `json:"success"`
			FailureReason string `json:"failure_reason"`
			OrderID       string `json:"order_id"`
		} `json:"results"`
	}
	if err := c.http.Do(ctx, op, restclient.Request{Method: http.MethodPost, Path: "/api/v3/brokerage/orders/batch_cancel", Body: payload, Signed: true}, &resp); err != nil {
		return err
	}
	for _, r := range resp.Results {
		if r.OrderID == orderID && r.Success {
			return nil
		}
		if r.OrderID == orderID {
			return fmt.Errorf("%s failed: %w: %s", op, ports.ErrOrderCancelFailed, r.FailureReason)
		}
	}
	return fmt.Errorf("%s failed: %w: no result for order %s", op, ports.ErrOrderCancelFailed, orderID)
}

// GetBalances returns available balances keyed by currency.
func (c *Client) GetBalances(ctx context.Context) (map[string]float64, error) {
	op := "GetBalances"
	var resp struct {
		Accounts []struct {
			Currency         string `json:"currency"`
			AvailableBalance struct {
				Value    string `json:"value"`
				Currency string `json:"currency"`
			} `json:"available_balance"`
		} `json:"accounts"`
	}
	q := url.Values{"limit": {"250"}}
	if err := c.http.Do(ctx, op, restclient.Request{Path: "/api/v3/brokerage/accounts", Query: q, Signed: true}, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(resp.Accounts))
	for _, a := range resp.Accounts {
		v, ok := domain.ParseDecimal(a.AvailableBalance.Value)
		if ok && v > 0 {
			out[strings.ToUpper(a.Currency)] += v
		}
	}
	return out, nil
}
