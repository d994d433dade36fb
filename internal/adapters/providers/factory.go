// Package providers builds market-data and trading adapters by name.
package providers

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"powertrader/internal/adapters/providers/binanceclient"
	"powertrader/internal/adapters/providers/coinbase"
	"powertrader/internal/adapters/providers/coingecko"
	"powertrader/internal/adapters/providers/kucoin"
	"powertrader/internal/adapters/providers/robinhood"
	"powertrader/internal/credentials"
	"powertrader/internal/ports"
)

// Options are the provider-independent settings.
type Options struct {
	Logger        ports.Logger
	QuoteCurrency string            // overrides the provider's default quote currency
	BaseURLs      map[string]string // per-provider endpoint overrides
	RateLimit     float64           // requests per second, 0 for the provider default
	Timeout       time.Duration
}

func (o Options) baseURL(name string) string {
	if o.BaseURLs == nil {
		return ""
	}
	return o.BaseURLs[name]
}

type marketFactory func(opts Options) (ports.MarketDataProvider, error)
type tradingFactory func(creds credentials.Credentials, opts Options) (ports.TradingProvider, error)

var marketFactories = map[string]marketFactory{
	"kucoin": func(o Options) (ports.MarketDataProvider, error) {
		return kucoin.New(kucoin.Config{BaseURL: o.baseURL("kucoin"), QuoteCurrency: o.QuoteCurrency, RateLimit: o.RateLimit, Timeout: o.Timeout, Logger: o.Logger})
	},
	"binance": func(o Options) (ports.MarketDataProvider, error) {
		return binanceclient.New(binanceclient.Config{BaseURL: o.baseURL("binance"), QuoteCurrency: o.QuoteCurrency, Timeout: o.Timeout, Logger: o.Logger})
	},
	"binance_us": func(o Options) (ports.MarketDataProvider, error) {
		return binanceclient.New(binanceclient.Config{US: true, BaseURL: o.baseURL("binance_us"), QuoteCurrency: o.QuoteCurrency, Timeout: o.Timeout, Logger: o.Logger})
	},
	"coinbase": func(o Options) (ports.MarketDataProvider, error) {
		return coinbase.New(coinbase.Config{BaseURL: o.baseURL("coinbase"), QuoteCurrency: o.QuoteCurrency, RateLimit: o.RateLimit, Timeout: o.Timeout, Logger: o.Logger})
	},
	"coingecko": func(o Options) (ports.MarketDataProvider, error) {
		return coingecko.New(coingecko.Config{BaseURL: o.baseURL("coingecko"), VsCurrency: o.QuoteCurrency, RateLimit: o.RateLimit, Timeout: o.Timeout, Logger: o.Logger})
	},
}

var tradingFactories = map[string]tradingFactory{
	"binance": func(c credentials.Credentials, o Options) (ports.TradingProvider, error) {
		return binanceclient.New(binanceclient.Config{APIKey: c.APIKey, SecretKey: c.Secret, BaseURL: o.baseURL("binance"), QuoteCurrency: o.QuoteCurrency, Timeout: o.Timeout, Logger: o.Logger})
	},
	"binance_us": func(c credentials.Credentials, o Options) (ports.TradingProvider, error) {
		return binanceclient.New(binanceclient.Config{US: true, APIKey: c.APIKey, SecretKey: c.Secret, BaseURL: o.baseURL("binance_us"), QuoteCurrency: o.QuoteCurrency, Timeout: o.Timeout, Logger: o.Logger})
	},
	"coinbase": func(c credentials.Credentials, o Options) (ports.TradingProvider, error) {
		return coinbase.New(coinbase.Config{KeyName: c.APIKey, PrivateKeyPEM: c.Secret, BaseURL: o.baseURL("coinbase"), QuoteCurrency: o.QuoteCurrency, RateLimit: o.RateLimit, Timeout: o.Timeout, Logger: o.Logger})
	},
	"robinhood": func(c credentials.Credentials, o Options) (ports.TradingProvider, error) {
		return robinhood.New(robinhood.Config{APIKey: c.APIKey, PrivateKey: c.Secret, BaseURL: o.baseURL("robinhood"), RateLimit: o.RateLimit, Timeout: o.Timeout, Logger: o.Logger})
	},
}

// NewMarketData returns the market-data adapter registered under name
// (case-insensitive). Unknown names are a configuration error.
func NewMarketData(name string, opts Options) (ports.MarketDataProvider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	f, ok := marketFactories[key]
	if !ok {
		return nil, fmt.Errorf("market data provider %q: %w (known: %s)", name, ports.ErrConfigurationError, strings.Join(MarketDataNames(), ", "))
	}
	return f(opts)
}

// NewTrading returns the trading adapter registered under name. Incomplete
// credentials are a configuration error.
func NewTrading(name string, creds credentials.Credentials, opts Options) (ports.TradingProvider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	f, ok := tradingFactories[key]
	if !ok {
		return nil, fmt.Errorf("trading provider %q: %w (known: %s)", name, ports.ErrConfigurationError, strings.Join(TradingNames(), ", "))
	}
	if !creds.Complete() {
		return nil, fmt.Errorf("trading provider %q: %w: missing credentials", name, ports.ErrConfigurationError)
	}
	return f(creds, opts)
}

// MarketDataNames lists the registered market-data providers.
func MarketDataNames() []string { return sortedKeys(marketFactories) }

// TradingNames lists the registered trading providers.
func TradingNames() []string { return sortedKeys(tradingFactories) }

func sortedKeys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
