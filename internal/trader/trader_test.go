package trader

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powertrader/internal/domain"
	"powertrader/internal/ports"
	"powertrader/internal/risk"
	"powertrader/internal/statestore"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockMarket struct {
	quote domain.Quote
}

func (m *mockMarket) Name() string                        { return "mock" }
func (m *mockMarket) NormalizeSymbol(asset string) string { return asset }
func (m *mockMarket) GetCandles(ctx context.Context, asset string, tf domain.Timeframe, limit int) ([]domain.Candle, error) {
	return nil, nil
}
func (m *mockMarket) GetQuote(ctx context.Context, asset string) domain.Quote { return m.quote }

// mockTrading fills every order at 100 unless told otherwise.
type mockTrading struct {
	mu          sync.Mutex
	balances    map[string]float64
	placeErrs   []error // consumed one per PlaceOrder call
	landOnError bool    // a failed PlaceOrder still creates the order
	openFirst   int     // GetOrder calls that report an open order before it fills
	orders      map[string]*ports.OrderResult
	placed      []ports.OrderRequest
	getCalls    int
	settle      bool // filled orders move the quote and base balances
}

func newMockTrading(balances map[string]float64) *mockTrading {
	return &mockTrading{balances: balances, orders: make(map[string]*ports.OrderResult)}
}

func (m *mockTrading) Name() string                        { return "mock" }
func (m *mockTrading) NormalizeSymbol(asset string) string { return asset + "USDT" }

func (m *mockTrading) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placed = append(m.placed, req)

	qty := req.Quantity
	if qty == 0 {
		qty = req.Notional / 100
	}
	res := &ports.OrderResult{
		OrderID:       fmt.Sprintf("ord-%d", len(m.placed)),
		ClientOrderID: req.ClientOrderID,
		Side:          req.Side,
		Status:        ports.OrderStatusFilled,
		ExecutedQty:   qty,
		AvgPrice:      100,
		QuoteQty:      qty * 100,
		Timestamp:     time.Unix(1_700_000_000, 0),
	}
	if m.openFirst > 0 {
		res.Status = ports.OrderStatusOpen
		res.ExecutedQty, res.QuoteQty = 0, 0
	}

	if len(m.placeErrs) > 0 {
		err := m.placeErrs[0]
		m.placeErrs = m.placeErrs[1:]
		if err != nil {
			if m.landOnError {
				m.orders[req.ClientOrderID] = res
			}
			return nil, err
		}
	}
	m.orders[req.ClientOrderID] = res
	if m.settle && res.Status == ports.OrderStatusFilled {
		sign := 1.0
		if req.Side == domain.Sell {
			sign = -1
		}
		m.balances["USDT"] -= sign * res.QuoteQty
		m.balances[req.Asset] += sign * res.ExecutedQty
	}
	out := *res
	return &out, nil
}

func (m *mockTrading) CancelOrder(ctx context.Context, asset, orderID string) error { return nil }

func (m *mockTrading) GetOrder(ctx context.Context, asset, clientOrderID string) (*ports.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	o, ok := m.orders[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("GetOrder failed: %w", ports.ErrOrderNotFound)
	}
	if o.Status == ports.OrderStatusOpen {
		if m.openFirst > 0 {
			m.openFirst--
			out := *o
			return &out, nil
		}
		o.Status = ports.OrderStatusFilled
		o.ExecutedQty = o.QuoteQty / 100
		if o.ExecutedQty == 0 {
			o.ExecutedQty = 1
		}
		o.QuoteQty = o.ExecutedQty * 100
	}
	out := *o
	return &out, nil
}

func (m *mockTrading) GetBalances(ctx context.Context) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.balances))
	for k, v := range m.balances {
		out[k] = v
	}
	return out, nil
}

type mockJournal struct {
	mu      sync.Mutex
	records []*domain.TradeRecord
	today   int
}

func (m *mockJournal) RecordTrade(ctx context.Context, rec *domain.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *mockJournal) CountSince(ctx context.Context, asset string, since time.Time) (int, error) {
	return m.today, nil
}

func (m *mockJournal) FindByAsset(ctx context.Context, asset string, limit int) ([]*domain.TradeRecord, error) {
	return m.records, nil
}

type fixture struct {
	trader  *Trader
	store   *statestore.Store
	trading *mockTrading
	journal *mockJournal
}

func newFixture(t *testing.T, balances map[string]float64, maxTrades int) *fixture {
	t.Helper()
	store, err := statestore.Open(t.TempDir(), "BTC")
	require.NoError(t, err)
	trading := newMockTrading(balances)
	journal := &mockJournal{}
	rm := risk.NewRiskManager(risk.RiskConfig{
		PositionSizePercent: 0.1,
		MinOrderNotional:    10,
		MaxTradesPerDay:     maxTrades,
	}, journal)

	tr, err := New(Config{
		QuoteCurrency:        "usdt",
		RetryMaxAttempts:     3,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
		ConfirmTimeout:       time.Second,
		ConfirmPollInterval:  time.Millisecond,
	}, Deps{
		Store:   store,
		Trading: trading,
		Market:  &mockMarket{quote: domain.Quote{Bid: 99, Ask: 101}},
		Risk:    rm,
		Journal: journal,
		Logger:  &mockLogger{},
	})
	require.NoError(t, err)
	return &fixture{trader: tr, store: store, trading: trading, journal: journal}
}

func (f *fixture) signal(t *testing.T, dir domain.Direction, seq int64) {
	t.Helper()
	require.NoError(t, f.store.SaveSignal(&domain.Signal{Asset: "BTC", Direction: dir, Seq: seq, GeneratedAt: time.Now()}))
}

func (f *fixture) state(t *testing.T) *domain.TraderState {
	t.Helper()
	st, ok := f.store.LoadTraderState("BTC")
	require.True(t, ok)
	return st
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{QuoteCurrency: "USDT"}, Deps{})
	assert.Error(t, err)

	store, err := statestore.Open(t.TempDir(), "BTC")
	require.NoError(t, err)
	_, err = New(Config{}, Deps{
		Store: store, Trading: newMockTrading(nil), Market: &mockMarket{},
		Risk: risk.NewRiskManager(risk.RiskConfig{}, nil), Logger: &mockLogger{},
	})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestRunAsset_LongSignalBuysOnce(t *testing.T) {
	f := newFixture(t, map[string]float64{"USDT": 1000}, 0)
	f.signal(t, domain.Long, 1)

	require.NoError(t, f.trader.RunAsset(context.Background(), "BTC"))

	require.Len(t, f.trading.placed, 1)
	req := f.trading.placed[0]
	assert.Equal(t, domain.Buy, req.Side)
	assert.InDelta(t, 100, req.Notional, 1e-9)
	assert.Zero(t, req.Quantity)
	assert.Equal(t, 100.0, req.PriceHint)
	assert.Equal(t, ClientOrderID("BTC", 1, domain.Buy), req.ClientOrderID)

	st := f.state(t)
	assert.Equal(t, int64(1), st.LastActedSeq)
	assert.Nil(t, st.Pending)
	assert.Equal(t, domain.PhaseHolding, st.Phase)
	require.True(t, st.Position.IsOpen())
	assert.InDelta(t, 1, st.Position.Quantity, 1e-9)
	assert.Equal(t, 100.0, st.Position.EntryPrice)

	trades := f.store.ReadTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, int64(1), trades[0].SignalSeq)
	assert.Equal(t, "mock", trades[0].Provider)
	assert.Len(t, f.journal.records, 1)

	// Re-reading the unchanged signal does nothing.
	require.NoError(t, f.trader.RunAsset(context.Background(), "BTC"))
	assert.Len(t, f.trading.placed, 1)
	assert.Len(t, f.store.ReadTrades(), 1)
}

func TestRunAsset_ConcurrentBuysSizedFromUpdatedBalance(t *testing.T) {
	f := newFixture(t, map[string]float64{"USDT": 1000}, 0)
	f.trading.settle = true
	assets := []string{"BTC", "ETH", "SOL", "XRP"}
	for _, a := range assets {
		require.NoError(t, f.store.SaveSignal(&domain.Signal{Asset: a, Direction: domain.Long, Seq: 1, GeneratedAt: time.Now()}))
	}

	var wg sync.WaitGroup
	errs := make([]error, len(assets))
	for i, a := range assets {
		wg.Add(1)
		go func(i int, a string) {
			defer wg.Done()
			errs[i] = f.trader.RunAsset(context.Background(), a)
		}(i, a)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	// 10% of what is left after each earlier fill: 100, 90, 81, 72.9 in some order
	require.Len(t, f.trading.placed, len(assets))
	var total float64
	seen := make(map[float64]bool)
	for _, req := range f.trading.placed {
		total += req.Notional
		seen[math.Round(req.Notional*10)/10] = true
	}
	assert.InDelta(t, 343.9, total, 1e-6)
	assert.Len(t, seen, len(assets))
	assert.InDelta(t, 656.1, f.trading.balances["USDT"], 1e-6)
}

func TestRunAsset_ShortSignalSellsPosition(t *testing.T) {
	f := newFixture(t, map[string]float64{"USDT": 1000, "BTC": 0.5}, 0)
	require.NoError(t, f.store.SaveTraderState(&domain.TraderState{
		Asset:        "BTC",
		Phase:        domain.PhaseHolding,
		LastActedSeq: 3,
		Position:     &domain.Position{Side: domain.Buy, Quantity: 0.6, EntryPrice: 90},
	}))
	f.signal(t, domain.Short, 4)

	require.NoError(t, f.trader.RunAsset(context.Background(), "BTC"))

	require.Len(t, f.trading.placed, 1)
	req := f.trading.placed[0]
	assert.Equal(t, domain.Sell, req.Side)
	assert.InDelta(t, 0.5, req.Quantity, 1e-9) // capped by the free balance

	st := f.state(t)
	assert.Nil(t, st.Position)
	assert.Equal(t, domain.PhaseFlat, st.Phase)
	assert.Equal(t, int64(4), st.LastActedSeq)
}

func TestRunAsset_NonActionableSignalsAreMarkedActed(t *testing.T) {
	tests := []struct {
		name     string
		dir      domain.Direction
		position *domain.Position
	}{
		{"flat", domain.Flat, nil},
		{"short while flat", domain.Short, nil},
		{"long while holding", domain.Long, &domain.Position{Side: domain.Buy, Quantity: 1, EntryPrice: 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, map[string]float64{"USDT": 1000}, 0)
			require.NoError(t, f.store.SaveTraderState(&domain.TraderState{Asset: "BTC", Position: tt.position}))
			f.signal(t, tt.dir, 2)

			require.NoError(t, f.trader.RunAsset(context.Background(), "BTC"))
			assert.Empty(t, f.trading.placed)
			assert.Equal(t, int64(2), f.state(t).LastActedSeq)
		})
	}
}

func TestRunAsset_TransientFailureRetriesAfterLookup(t *testing.T) {
	f := newFixture(t, map[string]float64{"USDT": 1000}, 0)
	f.trading.placeErrs = []error{fmt.Errorf("PlaceOrder failed: %w", ports.ErrTimeout)}
	f.signal(t, domain.Long, 1)

	require.NoError(t, f.trader.RunAsset(context.Background(), "BTC"))

	assert.Len(t, f.trading.placed, 2)
	assert.GreaterOrEqual(t, f.trading.getCalls, 1)
	assert.Equal(t, int64(1), f.state(t).LastActedSeq)
	assert.Len(t, f.store.ReadTrades(), 1)
}

func TestRunAsset_TransientFailureAfterOrderLandedDoesNotResubmit(t *testing.T) {
	f := newFixture(t, map[string]float64{"USDT": 1000}, 0)
	f.trading.landOnError = true
	f.trading.placeErrs = []error{fmt.Errorf("PlaceOrder failed: %w", ports.ErrConnectionFailed)}
	f.signal(t, domain.Long, 1)

	require.NoError(t, f.trader.RunAsset(context.Background(), "BTC"))

	assert.Len(t, f.trading.placed, 1)
	assert.Len(t, f.store.ReadTrades(), 1)
	assert.True(t, f.state(t).Position.IsOpen())
}

func TestRunAsset_PermanentFailureClearsPending(t *testing.T) {
	f := newFixture(t, map[string]float64{"USDT": 1000}, 0)
	f.trading.placeErrs = []error{fmt.Errorf("PlaceOrder failed: %w", ports.ErrInsufficientFunds)}
	f.signal(t, domain.Long, 1)

	err := f.trader.RunAsset(context.Background(), "BTC")
	assert.ErrorIs(t, err, ports.ErrInsufficientFunds)
	assert.Len(t, f.trading.placed, 1)

	st := f.state(t)
	assert.Nil(t, st.Pending)
	assert.Zero(t, st.LastActedSeq)
	assert.Equal(t, domain.PhaseFlat, st.Phase)
	assert.Empty(t, f.store.ReadTrades())
}

func TestRunAsset_ExhaustedRetriesKeepPendingUntilResolved(t *testing.T) {
	f := newFixture(t, map[string]float64{"USDT": 1000}, 0)
	timeout := fmt.Errorf("PlaceOrder failed: %w", ports.ErrTimeout)
	f.trading.placeErrs = []error{timeout, timeout, timeout}
	f.signal(t, domain.Long, 1)

	err := f.trader.RunAsset(context.Background(), "BTC")
	assert.ErrorIs(t, err, ports.ErrTimeout)
	assert.Len(t, f.trading.placed, 3)

	st := f.state(t)
	require.NotNil(t, st.Pending)
	assert.Equal(t, ClientOrderID("BTC", 1, domain.Buy), st.Pending.ClientOrderID)
	assert.Equal(t, domain.PhaseOrdering, st.Phase)

	// Next pass: the order is unknown to the exchange, so it is submitted again.
	require.NoError(t, f.trader.RunAsset(context.Background(), "BTC"))
	assert.Len(t, f.trading.placed, 4)
	st = f.state(t)
	assert.Nil(t, st.Pending)
	assert.Equal(t, int64(1), st.LastActedSeq)
}

// An order for signal 5 filled but the process died before the bookkeeping
// update. The restart resolves it from the exchange without resubmitting.
func TestRunAsset_CrashAfterPlaceOrderIsNotResubmitted(t *testing.T) {
	f := newFixture(t, map[string]float64{"USDT": 900, "BTC": 1}, 0)
	cid := ClientOrderID("BTC", 5, domain.Buy)
	f.trading.orders[cid] = &ports.OrderResult{
		OrderID: "ord-5", ClientOrderID: cid, Side: domain.Buy, Status: ports.OrderStatusFilled,
		ExecutedQty: 1, AvgPrice: 100, QuoteQty: 100, Timestamp: time.Unix(1_700_000_000, 0),
	}
	require.NoError(t, f.store.SaveTraderState(&domain.TraderState{
		Asset:        "BTC",
		Phase:        domain.PhaseOrdering,
		LastActedSeq: 4,
		Pending:      &domain.PendingOrder{Seq: 5, Side: domain.Buy, ClientOrderID: cid, Notional: 100},
	}))
	f.signal(t, domain.Long, 5)

	require.NoError(t, f.trader.RunAsset(context.Background(), "BTC"))
	require.NoError(t, f.trader.RunAsset(context.Background(), "BTC"))

	assert.Empty(t, f.trading.placed)
	st := f.state(t)
	assert.Equal(t, int64(5), st.LastActedSeq)
	assert.Nil(t, st.Pending)
	require.True(t, st.Position.IsOpen())
	assert.Equal(t, "ord-5", st.Position.OrderID)

	trades := f.store.ReadTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, int64(5), trades[0].SignalSeq)
}

// Same crash, but the state file never recorded the pending order: the
// holding on the account is adopted instead of buying again.
func TestRunAsset_CrashWithoutPendingAdoptsHolding(t *testing.T) {
	f := newFixture(t, map[string]float64{"USDT": 900, "BTC": 1}, 0)
	require.NoError(t, f.store.SaveTraderState(&domain.TraderState{Asset: "BTC", LastActedSeq: 4}))
	f.signal(t, domain.Long, 5)

	require.NoError(t, f.trader.RunAsset(context.Background(), "BTC"))

	assert.Empty(t, f.trading.placed)
	st := f.state(t)
	assert.Equal(t, int64(5), st.LastActedSeq)
	require.True(t, st.Position.IsOpen())
	assert.True(t, st.Position.Adopted)
	assert.Equal(t, 1.0, st.Position.Quantity)
}

func TestRunAsset_OpenOrderIsConfirmedByPolling(t *testing.T) {
	f := newFixture(t, map[string]float64{"USDT": 1000}, 0)
	f.trading.openFirst = 2
	f.signal(t, domain.Long, 1)

	require.NoError(t, f.trader.RunAsset(context.Background(), "BTC"))

	assert.Len(t, f.trading.placed, 1)
	assert.GreaterOrEqual(t, f.trading.getCalls, 2)
	st := f.state(t)
	assert.Equal(t, int64(1), st.LastActedSeq)
	assert.True(t, st.Position.IsOpen())
}

func TestRunAsset_DailyLimitDefersBuy(t *testing.T) {
	f := newFixture(t, map[string]float64{"USDT": 1000}, 2)
	f.journal.today = 2
	f.signal(t, domain.Long, 1)

	require.NoError(t, f.trader.RunAsset(context.Background(), "BTC"))

	assert.Empty(t, f.trading.placed)
	assert.Zero(t, f.state(t).LastActedSeq)
}

func TestRunAsset_BelowMinimumIsSkipped(t *testing.T) {
	f := newFixture(t, map[string]float64{"USDT": 50}, 0)
	f.signal(t, domain.Long, 1)

	require.NoError(t, f.trader.RunAsset(context.Background(), "BTC"))

	assert.Empty(t, f.trading.placed)
	st := f.state(t)
	assert.Equal(t, int64(1), st.LastActedSeq)
	assert.False(t, st.Position.IsOpen())
}

func TestRunAsset_NoQuoteIsTransient(t *testing.T) {
	f := newFixture(t, map[string]float64{"USDT": 1000}, 0)
	f.trader.market = &mockMarket{}
	f.signal(t, domain.Long, 1)

	err := f.trader.RunAsset(context.Background(), "BTC")
	assert.True(t, ports.IsTransient(err))
	assert.Empty(t, f.trading.placed)
	assert.Zero(t, f.state(t).LastActedSeq)
}

func TestRunAsset_ShutdownFlag(t *testing.T) {
	f := newFixture(t, nil, 0)
	require.NoError(t, f.store.RequestShutdown())
	assert.ErrorIs(t, f.trader.RunAsset(context.Background(), "BTC"), ports.ErrShutdown)
}

func TestClientOrderID_Deterministic(t *testing.T) {
	a := ClientOrderID("btc", 5, domain.Buy)
	assert.Equal(t, a, ClientOrderID("BTC", 5, domain.Buy))
	assert.NotEqual(t, a, ClientOrderID("BTC", 6, domain.Buy))
	assert.NotEqual(t, a, ClientOrderID("BTC", 5, domain.Sell))
	assert.NotEqual(t, a, ClientOrderID("ETH", 5, domain.Buy))
	assert.Len(t, a, 36)
}

func TestSyncJournal_CopiesLedger(t *testing.T) {
	f := newFixture(t, nil, 0)
	require.NoError(t, f.store.AppendTrade(&domain.TradeRecord{Asset: "BTC", ClientOrderID: "a"}))
	require.NoError(t, f.store.AppendTrade(&domain.TradeRecord{Asset: "BTC", ClientOrderID: "b"}))

	n, err := f.trader.SyncJournal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, f.journal.records, 2)
}
