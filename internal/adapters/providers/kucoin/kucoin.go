// Package kucoin provides KuCoin spot market data.
package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"powertrader/internal/adapters/restclient"
	"powertrader/internal/domain"
	"powertrader/internal/ports"
)

const (
	defaultBaseURL = "https://api.kucoin.com"
	codeOK         = "200000"
	maxCandles     = 1500
)

var intervals = map[domain.Timeframe]string{
	domain.TF1m: "1min", domain.TF3m: "3min", domain.TF5m: "5min", domain.TF15m: "15min",
	domain.TF30m: "30min", domain.TF1h: "1hour", domain.TF2h: "2hour", domain.TF4h: "4hour",
	domain.TF6h: "6hour", domain.TF8h: "8hour", domain.TF12h: "12hour", domain.TF1d: "1day",
	domain.TF1w: "1week",
}

// Config for the KuCoin adapter.
type Config struct {
	BaseURL       string
	QuoteCurrency string // defaults to USDT
	RateLimit     float64
	Timeout       time.Duration
	Logger        ports.Logger
	Now           func() time.Time
}

// Client implements ports.MarketDataProvider.
type Client struct {
	http   *restclient.Client
	quote  string
	logger ports.Logger
	now    func() time.Time
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// New creates a KuCoin market-data client.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for KuCoin client")
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	quote := strings.ToUpper(cfg.QuoteCurrency)
	if quote == "" {
		quote = "USDT"
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	opts := []restclient.Option{restclient.WithLogger(cfg.Logger)}
	if cfg.RateLimit > 0 {
		opts = append(opts, restclient.WithRateLimit(cfg.RateLimit, 1))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, restclient.WithTimeout(cfg.Timeout))
	}
	return &Client{http: restclient.New(base, opts...), quote: quote, logger: cfg.Logger, now: now}, nil
}

func (c *Client) Name() string { return "kucoin" }

// NormalizeSymbol converts "BTC" into "BTC-USDT".
func (c *Client) NormalizeSymbol(asset string) string {
	s := strings.ToUpper(strings.TrimSpace(asset))
	if !strings.Contains(s, "-") {
		s += "-" + c.quote
	}
	return s
}

func (c *Client) get(ctx context.Context, op, path string, q url.Values, dest interface{}) error {
	var env envelope
	if err := c.http.Do(ctx, op, restclient.Request{Path: path, Query: q}, &env); err != nil {
		return err
	}
	if env.Code != codeOK {
		return fmt.Errorf("%s failed: %w: code %s: %s", op, ports.ErrExchangeUnavailable, env.Code, env.Msg)
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		return fmt.Errorf("%s failed: %w: decode data: %w", op, ports.ErrUnknown, err)
	}
	return nil
}

// GetCandles returns up to limit most recent candles. KuCoin rows are already
// in canonical order (time, open, close, high, low, volume, turnover).
func (c *Client) GetCandles(ctx context.Context, asset string, tf domain.Timeframe, limit int) ([]domain.Candle, error) {
	op := "GetCandles"
	interval, ok := intervals[tf]
	if !ok {
		return nil, fmt.Errorf("%s failed: %w: unsupported timeframe %q", op, ports.ErrConfigurationError, tf)
	}
	if limit <= 0 || limit > maxCandles {
		limit = maxCandles
	}
	symbol := c.NormalizeSymbol(asset)
	end := c.now().Unix()
	start := end - int64(limit+1)*int64(tf.Duration()/time.Second)

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("type", interval)
	q.Set("startAt", strconv.FormatInt(start, 10))
	q.Set("endAt", strconv.FormatInt(end, 10))

	var rows []domain.CandleRow
	if err := c.get(ctx, op, "/api/v1/market/candles", q, &rows); err != nil {
		c.logger.Warn(ctx, op+": fetch failed", map[string]interface{}{"symbol": symbol, "timeframe": tf.String(), "error": err})
		return []domain.Candle{}, nil
	}
	candles := domain.RowsToCandles(rows)
	if dropped := len(rows) - len(candles); dropped > 0 {
		c.logger.Warn(ctx, op+": dropped malformed candles", map[string]interface{}{"symbol": symbol, "dropped": dropped})
	}
	return domain.TailCandles(candles, limit), nil
}

// GetQuote returns the level-1 best bid/ask, or the zero Quote.
func (c *Client) GetQuote(ctx context.Context, asset string) domain.Quote {
	op := "GetQuote"
	symbol := c.NormalizeSymbol(asset)
	var level1 struct {
		BestBid interface{} `json:"bestBid"`
		BestAsk interface{} `json:"bestAsk"`
	}
	if err := c.get(ctx, op, "/api/v1/market/orderbook/level1", url.Values{"symbol": {symbol}}, &level1); err != nil {
		c.logger.Warn(ctx, op+": fetch failed", map[string]interface{}{"symbol": symbol, "error": err})
		return domain.Quote{}
	}
	bid, okBid := domain.LenientFloat(level1.BestBid)
	ask, okAsk := domain.LenientFloat(level1.BestAsk)
	if !okBid || !okAsk {
		return domain.Quote{}
	}
	return domain.Quote{Bid: bid, Ask: ask}
}
