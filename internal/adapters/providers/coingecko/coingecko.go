// Package coingecko provides CoinGecko price history as a market-data
// fallback. CoinGecko only serves price points, so candles are built by
// bucketing those points into timeframe intervals.
package coingecko

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"powertrader/internal/adapters/restclient"
	"powertrader/internal/domain"
	"powertrader/internal/ports"
)

const (
	defaultBaseURL = "https://api.coingecko.com/api/v3"
	maxDays        = 365
	quoteSpread    = 0.001
)

var coinIDs = map[string]string{
	"BTC": "bitcoin", "ETH": "ethereum", "XRP": "ripple", "BNB": "binancecoin",
	"DOGE": "dogecoin", "ADA": "cardano", "SOL": "solana", "MATIC": "matic-network",
	"DOT": "polkadot", "AVAX": "avalanche-2", "LINK": "chainlink",
}

// Config for the CoinGecko adapter.
type Config struct {
	BaseURL    string
	VsCurrency string // defaults to usd
	RateLimit  float64
	Timeout    time.Duration
	Logger     ports.Logger
}

// Client implements ports.MarketDataProvider.
type Client struct {
	http   *restclient.Client
	vs     string
	logger ports.Logger
}

// New creates a CoinGecko client. The public API is tightly rate limited, so
// the default is one call every two seconds.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for CoinGecko client")
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	vs := strings.ToLower(cfg.VsCurrency)
	if vs == "" {
		vs = "usd"
	}
	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 0.5
	}
	opts := []restclient.Option{restclient.WithLogger(cfg.Logger), restclient.WithRateLimit(rps, 1)}
	if cfg.Timeout > 0 {
		opts = append(opts, restclient.WithTimeout(cfg.Timeout))
	}
	return &Client{http: restclient.New(base, opts...), vs: vs, logger: cfg.Logger}, nil
}

func (c *Client) Name() string { return "coingecko" }

// NormalizeSymbol maps a ticker to a CoinGecko coin ID; unknown tickers are
// lower-cased.
func (c *Client) NormalizeSymbol(asset string) string {
	s := strings.ToUpper(strings.TrimSpace(asset))
	if i := strings.IndexAny(s, "-_/"); i > 0 {
		s = s[:i]
	}
	if id, ok := coinIDs[s]; ok {
		return id
	}
	return strings.ToLower(s)
}

// GetCandles buckets market_chart prices into tf candles and returns up to
// limit most recent ones. Volume is not available and is reported as zero.
func (c *Client) GetCandles(ctx context.Context, asset string, tf domain.Timeframe, limit int) ([]domain.Candle, error) {
	op := "GetCandles"
	if !tf.Valid() {
		return nil, fmt.Errorf("%s failed: %w: unsupported timeframe %q", op, ports.ErrConfigurationError, tf)
	}
	if limit <= 0 {
		limit = 500
	}
	id := c.NormalizeSymbol(asset)
	span := time.Duration(limit) * tf.Duration()
	days := int(math.Ceil(span.Hours() / 24))
	if days < 1 {
		days = 1
	}
	if days > maxDays {
		days = maxDays
	}

	q := url.Values{}
	q.Set("vs_currency", c.vs)
	q.Set("days", strconv.Itoa(days))

	var resp struct {
		Prices [][]interface{} `json:"prices"`
	}
	if err := c.http.Do(ctx, op, restclient.Request{Path: "/coins/" + url.PathEscape(id) + "/market_chart", Query: q}, &resp); err != nil {
		c.logger.Warn(ctx, op+": fetch failed", map[string]interface{}{"coin": id, "timeframe": tf.String(), "error": err})
		return []domain.Candle{}, nil
	}
	return domain.TailCandles(Bucket(resp.Prices, tf), limit), nil
}

// Bucket folds [ms, price] points into OHLC candles aligned to tf. Malformed
// points are skipped.
func Bucket(points [][]interface{}, tf domain.Timeframe) []domain.Candle {
	step := int64(tf.Duration() / time.Second)
	if step <= 0 {
		return []domain.Candle{}
	}
	byStart := make(map[int64]*domain.Candle)
	type point struct {
		ts    int64
		price float64
	}
	pts := make([]point, 0, len(points))
	for _, p := range points {
		if len(p) < 2 {
			continue
		}
		ms, okT := domain.LenientFloat(p[0])
		price, okP := domain.LenientFloat(p[1])
		if !okT || !okP || ms <= 0 || price <= 0 {
			continue
		}
		pts = append(pts, point{ts: int64(ms) / 1000, price: price})
	}
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].ts < pts[j].ts })

	for _, p := range pts {
		start := p.ts - p.ts%step
		cd, ok := byStart[start]
		if !ok {
			byStart[start] = &domain.Candle{OpenTime: start, Open: p.price, High: p.price, Low: p.price, Close: p.price}
			continue
		}
		cd.High = math.Max(cd.High, p.price)
		cd.Low = math.Min(cd.Low, p.price)
		cd.Close = p.price
	}

	out := make([]domain.Candle, 0, len(byStart))
	for _, cd := range byStart {
		out = append(out, *cd)
	}
	return domain.NormalizeCandles(out)
}

// GetQuote synthesizes a ±0.1% spread around the simple price.
func (c *Client) GetQuote(ctx context.Context, asset string) domain.Quote {
	op := "GetQuote"
	id := c.NormalizeSymbol(asset)
	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", c.vs)

	var resp map[string]map[string]interface{}
	if err := c.http.Do(ctx, op, restclient.Request{Path: "/simple/price", Query: q}, &resp); err != nil {
		c.logger.Warn(ctx, op+": fetch failed", map[string]interface{}{"coin": id, "error": err})
		return domain.Quote{}
	}
	price, ok := domain.LenientFloat(resp[id][c.vs])
	if !ok || price <= 0 {
		return domain.Quote{}
	}
	return domain.Quote{Bid: price * (1 - quoteSpread), Ask: price * (1 + quoteSpread)}
}
