// Package robinhood provides Robinhood crypto spot trading with Ed25519
// request signing.
package robinhood

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"powertrader/internal/adapters/restclient"
	"powertrader/internal/domain"
	"powertrader/internal/ports"
)

const (
	defaultBaseURL = "https://trading.robinhood.com"
	ordersPath     = "/api/v1/crypto/trading/orders/"
	amountPlaces   = 8
	maxOrderPages  = 5 // our orders are recent; older pages are not searched
)

// Config for the Robinhood adapter. PrivateKey is the base64 Ed25519 seed (or
// full 64-byte key).
type Config struct {
	BaseURL    string
	APIKey     string
	PrivateKey string
	RateLimit  float64
	Timeout    time.Duration
	Logger     ports.Logger
	Now        func() time.Time
}

// Client implements ports.TradingProvider.
type Client struct {
	http   *restclient.Client
	apiKey string
	key    ed25519.PrivateKey
	logger ports.Logger
	now    func() time.Time
}

// New creates a Robinhood client. Missing or malformed keys are a
// configuration error.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Robinhood client")
	}
	key, err := parsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("robinhood private key: %w: %w", ports.ErrConfigurationError, err)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("robinhood api key: %w: empty", ports.ErrConfigurationError)
	}
	c := &Client{apiKey: strings.TrimSpace(cfg.APIKey), key: key, logger: cfg.Logger, now: cfg.Now}
	if c.now == nil {
		c.now = time.Now
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	opts := []restclient.Option{restclient.WithLogger(cfg.Logger), restclient.WithSigner(c.sign)}
	if cfg.RateLimit > 0 {
		opts = append(opts, restclient.WithRateLimit(cfg.RateLimit, 1))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, restclient.WithTimeout(cfg.Timeout))
	}
	c.http = restclient.New(base, opts...)
	return c, nil
}

func parsePrivateKey(b64 string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("unexpected key length %d", len(raw))
	}
}

func (c *Client) Name() string { return "robinhood" }

// NormalizeSymbol converts "BTC" into "BTC-USD".
func (c *Client) NormalizeSymbol(asset string) string {
	s := strings.ToUpper(strings.TrimSpace(asset))
	if !strings.Contains(s, "-") {
		s += "-USD"
	}
	return s
}

// SignatureMessage is the exact byte sequence signed for a request.
func SignatureMessage(apiKey string, timestamp int64, path, method string, body []byte) []byte {
	return []byte(apiKey + strconv.FormatInt(timestamp, 10) + path + strings.ToUpper(method) + string(body))
}

func (c *Client) sign(req *http.Request, body []byte) error {
	ts := c.now().Unix()
	sig := ed25519.Sign(c.key, SignatureMessage(c.apiKey, ts, req.URL.RequestURI(), req.Method, body))
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("x-timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("x-signature", base64.StdEncoding.EncodeToString(sig))
	return nil
}

type order struct {
	ID                  string `json:"id"`
	ClientOrderID       string `json:"client_order_id"`
	Side                string `json:"side"`
	Type                string `json:"type"`
	State               string `json:"state"`
	Symbol              string `json:"symbol"`
	FilledAssetQuantity string `json:"filled_asset_quantity"`
	AveragePrice        string `json:"average_price"`
	CreatedAt           string `json:"created_at"`
}

func normalizeState(s string) string {
	switch strings.ToLower(s) {
	case "filled":
		return ports.OrderStatusFilled
	case "canceled", "cancelled":
		return ports.OrderStatusCanceled
	case "failed", "rejected":
		return ports.OrderStatusRejected
	default:
		return ports.OrderStatusOpen
	}
}

func (o order) result() *ports.OrderResult {
	qty, _ := domain.ParseDecimal(o.FilledAssetQuantity)
	avg, _ := domain.ParseDecimal(o.AveragePrice)
	ts, _ := time.Parse(time.RFC3339Nano, o.CreatedAt)
	return &ports.OrderResult{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          domain.OrderSide(strings.ToUpper(o.Side)),
		Status:        normalizeState(o.State),
		ExecutedQty:   qty,
		AvgPrice:      avg,
		QuoteQty:      qty * avg,
		Timestamp:     ts,
	}
}

// PlaceOrder submits a market order. Robinhood only accepts asset quantities,
// so a notional buy is converted with the price hint.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResult, error) {
	op := "PlaceOrder"
	qty := req.Quantity
	if qty <= 0 {
		if req.Notional <= 0 || req.PriceHint <= 0 {
			return nil, fmt.Errorf("%s failed: %w: quantity, or notional with price hint, required", op, ports.ErrInvalidRequest)
		}
		qty = req.Notional / req.PriceHint
	}
	symbol := c.NormalizeSymbol(req.Asset)
	payload, err := json.Marshal(map[string]interface{}{
		"client_order_id": req.ClientOrderID,
		"side":            strings.ToLower(string(req.Side)),
		"type":            "market",
		"symbol":          symbol,
		"market_order_config": map[string]string{
			"asset_quantity": domain.FormatAmount(qty, amountPlaces),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrInvalidRequest, err)
	}

	var resp order
	if err := c.http.Do(ctx, op, restclient.Request{Method: http.MethodPost, Path: ordersPath, Body: payload, Signed: true}, &resp); err != nil {
		c.logger.Error(ctx, err, op+" failed", map[string]interface{}{"symbol": symbol, "clientOrderID": req.ClientOrderID})
		return nil, err
	}
	res := resp.result()
	if res.ClientOrderID == "" {
		res.ClientOrderID = req.ClientOrderID
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "side": req.Side, "orderID": res.OrderID, "status": res.Status})
	return res, nil
}

// GetOrder finds an order by client order ID among the symbol's orders,
// following the result cursor for up to maxOrderPages pages.
func (c *Client) GetOrder(ctx context.Context, asset, clientOrderID string) (*ports.OrderResult, error) {
	op := "GetOrder"
	q := url.Values{"symbol": {c.NormalizeSymbol(asset)}}
	for page := 0; page < maxOrderPages; page++ {
		var resp struct {
			Next    *string `json:"next"`
			Results []order `json:"results"`
		}
		if err := c.http.Do(ctx, op, restclient.Request{Path: ordersPath, Query: q, Signed: true}, &resp); err != nil {
			return nil, err
		}
		for _, o := range resp.Results {
			if o.ClientOrderID == clientOrderID {
				return o.result(), nil
			}
		}
		cursor := nextCursor(resp.Next)
		if cursor == "" {
			break
		}
		q.Set("cursor", cursor)
	}
	return nil, fmt.Errorf("%s failed: %w: client order id %s", op, ports.ErrOrderNotFound, clientOrderID)
}

// nextCursor extracts the cursor parameter from a "next" page URL.
func nextCursor(next *string) string {
	if next == nil || *next == "" {
		return ""
	}
	u, err := url.Parse(*next)
	if err != nil {
		return ""
	}
	return u.Query().Get("cursor")
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, asset, orderID string) error {
	op := "CancelOrder"
	err := c.http.Do(ctx, op, restclient.Request{Method: http.MethodPost, Path: ordersPath + url.PathEscape(orderID) + "/cancel/", Signed: true}, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ports.ErrOrderCancelFailed, err)
	}
	return nil
}

// GetBalances combines buying power (USD) with tradable holdings.
func (c *Client) GetBalances(ctx context.Context) (map[string]float64, error) {
	op := "GetBalances"
	var account struct {
		BuyingPower         string `json:"buying_power"`
		BuyingPowerCurrency string `json:"buying_power_currency"`
	}
	if err := c.http.Do(ctx, op, restclient.Request{Path: "/api/v1/crypto/trading/accounts/", Signed: true}, &account); err != nil {
		return nil, err
	}
	var holdings struct {
		Results []struct {
			AssetCode                   string `json:"asset_code"`
			QuantityAvailableForTrading string `json:"quantity_available_for_trading"`
		} `json:"results"`
	}
	if err := c.http.Do(ctx, op, restclient.Request{Path: "/api/v1/crypto/trading/holdings/", Signed: true}, &holdings); err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	if bp, ok := domain.ParseDecimal(account.BuyingPower); ok && bp > 0 {
		cur := strings.ToUpper(account.BuyingPowerCurrency)
		if cur == "" {
			cur = "USD"
		}
		out[cur] = bp
	}
	for _, h := range holdings.Results {
		if q, ok := domain.ParseDecimal(h.QuantityAvailableForTrading); ok && q > 0 {
			out[strings.ToUpper(h.AssetCode)] = q
		}
	}
	return out, nil
}
