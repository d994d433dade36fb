package binanceclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powertrader/internal/adapters/logger"
	"powertrader/internal/domain"
	"powertrader/internal/ports"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{
		APIKey:    "key",
		SecretKey: "secret",
		BaseURL:   srv.URL,
		Logger:    logger.New(logger.Config{Output: io.Discard}),
	})
	require.NoError(t, err)
	return c
}

func TestNewRequiresLogger(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestNormalizeSymbol(t *testing.T) {
	c, err := New(Config{Logger: logger.New(logger.Config{Output: io.Discard})})
	require.NoError(t, err)
	assert.Equal(t, "binance", c.Name())
	assert.Equal(t, "BTCUSDT", c.NormalizeSymbol("btc"))
	assert.Equal(t, "BTCUSDT", c.NormalizeSymbol("BTC-USDT"))
	assert.Equal(t, "ETHUSDT", c.NormalizeSymbol("eth_usdt"))

	us, err := New(Config{US: true, QuoteCurrency: "usd", Logger: logger.New(logger.Config{Output: io.Discard})})
	require.NoError(t, err)
	assert.Equal(t, "binance_us", us.Name())
	assert.Equal(t, "BTCUSD", us.NormalizeSymbol("BTC"))
}

func TestGetCandlesReordersFields(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1h", r.URL.Query().Get("interval"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`[
			[1700003600000,"101.0","103.0","100.5","102.0","12.5",1700007199999,"0",10,"0","0","0"],
			[1700000000000,"100.0","102.0","99.0","101.0","10.0",1700003599999,"0",10,"0","0","0"]
		]`))
	})

	candles, err := c.GetCandles(context.Background(), "BTC", domain.TF1h, 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, domain.Candle{OpenTime: 1700000000, Open: 100, High: 102, Low: 99, Close: 101, Volume: 10}, candles[0])
	assert.Equal(t, int64(1700003600), candles[1].OpenTime)
	assert.Equal(t, 102.0, candles[1].Close)
}

func TestGetCandlesFailureYieldsEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	candles, err := c.GetCandles(context.Background(), "BTC", domain.TF1h, 10)
	require.NoError(t, err)
	assert.Empty(t, candles)
}

func TestGetCandlesUnsupportedTimeframe(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := c.GetCandles(context.Background(), "BTC", domain.Timeframe("7m"), 10)
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestGetQuote(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/bookTicker", r.URL.Path)
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","bidPrice":"100.00","bidQty":"1","askPrice":"101.00","askQty":"2"}`))
	})
	q := c.GetQuote(context.Background(), "BTC")
	assert.Equal(t, domain.Quote{Bid: 100, Ask: 101}, q)
	assert.Equal(t, 100.5, q.Mid())
}

func TestGetQuoteFailureIsSentinel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	assert.True(t, c.GetQuote(context.Background(), "BTC").IsZero())
}

func TestPlaceOrderByNotional(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v3/order", r.URL.Path)
		assert.Equal(t, "BUY", r.Form.Get("side"))
		assert.Equal(t, "MARKET", r.Form.Get("type"))
		assert.Equal(t, "25.5", r.Form.Get("quoteOrderQty"))
		assert.Empty(t, r.Form.Get("quantity"))
		assert.Equal(t, "cid-1", r.Form.Get("newClientOrderId"))
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","orderId":42,"clientOrderId":"cid-1","transactTime":1700000000000,
			"price":"0","origQty":"0.25","executedQty":"0.25","cummulativeQuoteQty":"25.5","status":"FILLED","type":"MARKET","side":"BUY"}`))
	})

	res, err := c.PlaceOrder(context.Background(), ports.OrderRequest{Asset: "BTC", Side: domain.Buy, Notional: 25.5, ClientOrderID: "cid-1"})
	require.NoError(t, err)
	assert.Equal(t, "42", res.OrderID)
	assert.Equal(t, ports.OrderStatusFilled, res.Status)
	assert.Equal(t, 0.25, res.ExecutedQty)
	assert.InDelta(t, 102.0, res.AvgPrice, 1e-9)
}

func TestPlaceOrderByQuantity(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "SELL", r.Form.Get("side"))
		assert.Equal(t, "0.12345678", r.Form.Get("quantity"))
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","orderId":7,"clientOrderId":"cid-2","status":"NEW","side":"SELL"}`))
	})

	res, err := c.PlaceOrder(context.Background(), ports.OrderRequest{Asset: "BTC", Side: domain.Sell, Quantity: 0.123456789, ClientOrderID: "cid-2"})
	require.NoError(t, err)
	assert.Equal(t, ports.OrderStatusOpen, res.Status)
}

func TestPlaceOrderErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"insufficient balance", `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`, ports.ErrInsufficientFunds},
		{"rejected", `{"code":-2010,"msg":"Market is closed."}`, ports.ErrOrderPlacementFailed},
		{"rate limited", `{"code":-1003,"msg":"Too many requests"}`, ports.ErrRateLimited},
		{"bad signature", `{"code":-1022,"msg":"Signature for this request is not valid."}`, ports.ErrAuthenticationFailed},
		{"invalid key", `{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`, ports.ErrInvalidAPIKeys},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.PlaceOrder(context.Background(), ports.OrderRequest{Asset: "BTC", Side: domain.Buy, Notional: 10, ClientOrderID: "x"})
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, ports.IsPermanent(err) || ports.IsTransient(err))
		})
	}
}

func TestPlaceOrderGatewayErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("<html>503 Service Temporarily Unavailable</html>"))
	})
	_, err := c.PlaceOrder(context.Background(), ports.OrderRequest{Asset: "BTC", Side: domain.Buy, Notional: 10, ClientOrderID: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrExchangeUnavailable)
	assert.True(t, ports.IsTransient(err))
	assert.False(t, ports.IsPermanent(err))
}

func TestPlaceOrderRequiresAmount(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := c.PlaceOrder(context.Background(), ports.OrderRequest{Asset: "BTC", Side: domain.Buy})
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
}

func TestGetOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/order", r.URL.Path)
		if r.URL.Query().Get("origClientOrderId") == "known" {
			_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","orderId":9,"clientOrderId":"known","executedQty":"2","cummulativeQuoteQty":"200","status":"FILLED","side":"BUY","updateTime":1700000000000}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2013,"msg":"Order does not exist."}`))
	})

	res, err := c.GetOrder(context.Background(), "BTC", "known")
	require.NoError(t, err)
	assert.Equal(t, "9", res.OrderID)
	assert.Equal(t, 100.0, res.AvgPrice)

	_, err = c.GetOrder(context.Background(), "BTC", "unknown")
	assert.ErrorIs(t, err, ports.ErrOrderNotFound)
}

func TestGetBalances(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/account", r.URL.Path)
		_, _ = w.Write([]byte(`{"balances":[{"asset":"USDT","free":"500.5","locked":"0"},{"asset":"BTC","free":"0.00000000","locked":"0"},{"asset":"eth","free":"1.5","locked":"0"}]}`))
	})
	bal, err := c.GetBalances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"USDT": 500.5, "ETH": 1.5}, bal)
}

func TestCancelOrderBadID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	assert.ErrorIs(t, c.CancelOrder(context.Background(), "BTC", "abc"), ports.ErrInvalidRequest)
}
