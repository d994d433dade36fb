package robinhood

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powertrader/internal/adapters/logger"
	"powertrader/internal/domain"
	"powertrader/internal/ports"
)

var fixedNow = time.Unix(1700000000, 0)

func testSeed() []byte {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	return seed
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{
		BaseURL:    srv.URL,
		APIKey:     "rh-key",
		PrivateKey: base64.StdEncoding.EncodeToString(testSeed()),
		Logger:     logger.New(logger.Config{Output: io.Discard}),
		Now:        func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return c
}

// verify checks the request signature the way the exchange does.
func verify(t *testing.T, r *http.Request, body []byte) {
	t.Helper()
	pub := ed25519.NewKeyFromSeed(testSeed()).Public().(ed25519.PublicKey)
	assert.Equal(t, "rh-key", r.Header.Get("x-api-key"))
	ts, err := strconv.ParseInt(r.Header.Get("x-timestamp"), 10, 64)
	assert.NoError(t, err)
	assert.Equal(t, fixedNow.Unix(), ts)
	sig, err := base64.StdEncoding.DecodeString(r.Header.Get("x-signature"))
	assert.NoError(t, err)
	msg := SignatureMessage("rh-key", ts, r.URL.RequestURI(), r.Method, body)
	assert.True(t, ed25519.Verify(pub, msg, sig), "signature must verify")
}

func TestNewRejectsBadKeys(t *testing.T) {
	log := logger.New(logger.Config{Output: io.Discard})
	_, err := New(Config{APIKey: "k", PrivateKey: "!!!", Logger: log})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
	_, err = New(Config{APIKey: "k", PrivateKey: base64.StdEncoding.EncodeToString([]byte("short")), Logger: log})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
	_, err = New(Config{PrivateKey: base64.StdEncoding.EncodeToString(testSeed()), Logger: log})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestSignatureMessage(t *testing.T) {
	got := SignatureMessage("key", 1700000000, "/api/v1/crypto/trading/orders/", "post", []byte(`{"a":1}`))
	assert.Equal(t, `key1700000000/api/v1/crypto/trading/orders/POST{"a":1}`, string(got))
}

func TestPlaceOrderConvertsNotional(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		verify(t, r, body)
		assert.Equal(t, "/api/v1/crypto/trading/orders/", r.URL.Path)

		var req map[string]interface{}
		assert.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "buy", req["side"])
		assert.Equal(t, "market", req["type"])
		assert.Equal(t, "BTC-USD", req["symbol"])
		assert.Equal(t, "cid-5", req["client_order_id"])
		cfg, _ := req["market_order_config"].(map[string]interface{})
		assert.Equal(t, "0.0025", cfg["asset_quantity"])

		_, _ = w.Write([]byte(`{"id":"rh-1","client_order_id":"cid-5","side":"buy","state":"filled","symbol":"BTC-USD",
			"filled_asset_quantity":"0.0025","average_price":"40000","created_at":"2023-11-14T22:13:20Z"}`))
	})

	res, err := c.PlaceOrder(context.Background(), ports.OrderRequest{
		Asset: "BTC", Side: domain.Buy, Notional: 100, PriceHint: 40000, ClientOrderID: "cid-5",
	})
	require.NoError(t, err)
	assert.Equal(t, "rh-1", res.OrderID)
	assert.Equal(t, ports.OrderStatusFilled, res.Status)
	assert.Equal(t, domain.Buy, res.Side)
	assert.InDelta(t, 100, res.QuoteQty, 1e-9)
}

func TestPlaceOrderNeedsPriceHint(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := c.PlaceOrder(context.Background(), ports.OrderRequest{Asset: "BTC", Side: domain.Buy, Notional: 100})
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
}

func TestPlaceOrderHTTPErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"bad signature"}`))
	})
	_, err := c.PlaceOrder(context.Background(), ports.OrderRequest{Asset: "BTC", Side: domain.Sell, Quantity: 1, ClientOrderID: "x"})
	assert.ErrorIs(t, err, ports.ErrAuthenticationFailed)
	assert.True(t, ports.IsPermanent(err))
}

func TestGetOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		verify(t, r, nil)
		assert.Equal(t, "BTC-USD", r.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(`{"next":null,"results":[{"id":"1","client_order_id":"a","state":"open"},{"id":"2","client_order_id":"b","state":"canceled","side":"sell"}]}`))
	})
	res, err := c.GetOrder(context.Background(), "BTC", "b")
	require.NoError(t, err)
	assert.Equal(t, "2", res.OrderID)
	assert.Equal(t, ports.OrderStatusCanceled, res.Status)

	_, err = c.GetOrder(context.Background(), "BTC", "zzz")
	assert.ErrorIs(t, err, ports.ErrOrderNotFound)
}

func TestGetOrderFollowsCursor(t *testing.T) {
	var pages int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		verify(t, r, nil)
		pages++
		assert.Equal(t, "BTC-USD", r.URL.Query().Get("symbol"))
		switch r.URL.Query().Get("cursor") {
		case "":
			_, _ = w.Write([]byte(`{"next":"https://trading.robinhood.com/api/v1/crypto/trading/orders/?cursor=p2&symbol=BTC-USD","results":[{"id":"1","client_order_id":"a","state":"filled"}]}`))
		case "p2":
			_, _ = w.Write([]byte(`{"next":null,"results":[{"id":"7","client_order_id":"old","state":"filled","side":"buy","filled_asset_quantity":"0.5","average_price":"100"}]}`))
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	})
	res, err := c.GetOrder(context.Background(), "BTC", "old")
	require.NoError(t, err)
	assert.Equal(t, "7", res.OrderID)
	assert.InDelta(t, 50, res.QuoteQty, 1e-9)
	assert.Equal(t, 2, pages)
}

func TestGetOrderStopsAfterPageLimit(t *testing.T) {
	var pages int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		pages++
		_, _ = w.Write([]byte(`{"next":"https://trading.robinhood.com/api/v1/crypto/trading/orders/?cursor=more","results":[]}`))
	})
	_, err := c.GetOrder(context.Background(), "BTC", "missing")
	assert.ErrorIs(t, err, ports.ErrOrderNotFound)
	assert.Equal(t, maxOrderPages, pages)
}

func TestGetBalances(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		verify(t, r, nil)
		switch r.URL.Path {
		case "/api/v1/crypto/trading/accounts/":
			_, _ = w.Write([]byte(`{"account_number":"x","buying_power":"250.75","buying_power_currency":"USD"}`))
		case "/api/v1/crypto/trading/holdings/":
			_, _ = w.Write([]byte(`{"results":[{"asset_code":"BTC","quantity_available_for_trading":"0.01"},{"asset_code":"ETH","quantity_available_for_trading":"0"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	bal, err := c.GetBalances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"USD": 250.75, "BTC": 0.01}, bal)
}

func TestCancelOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/crypto/trading/orders/rh-1/cancel/", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	assert.NoError(t, c.CancelOrder(context.Background(), "BTC", "rh-1"))
}
