// Package trader executes spot orders for the directional signals written by
// the thinker and keeps the per-asset position bookkeeping.
package trader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"powertrader/internal/domain"
	"powertrader/internal/ports"
	"powertrader/internal/risk"
	"powertrader/internal/statestore"
)

// Config holds the executor settings.
type Config struct {
	QuoteCurrency        string
	RetryMaxAttempts     int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	ConfirmTimeout       time.Duration // how long an open order is polled before the pass gives up
	ConfirmPollInterval  time.Duration
}

// Trader is the sole writer of trader state files and the trade history ledger.
type Trader struct {
	cfg     Config
	store   *statestore.Store
	trading ports.TradingProvider
	market  ports.MarketDataProvider
	risk    *risk.RiskManager
	journal ports.TradeJournal
	logger  ports.Logger
	metrics ports.Metrics
	now     func() time.Time

	ledgerMu sync.Mutex // serializes ledger appends across concurrently processed assets
	buyMu    sync.Mutex // buys are sized from a balance snapshot taken after earlier fills
}

// Deps groups the collaborators of a Trader. Journal and Metrics are optional.
type Deps struct {
	Store   *statestore.Store
	Trading ports.TradingProvider
	Market  ports.MarketDataProvider
	Risk    *risk.RiskManager
	Journal ports.TradeJournal
	Logger  ports.Logger
	Metrics ports.Metrics
}

// New creates an executor.
func New(cfg Config, deps Deps) (*Trader, error) {
	if deps.Store == nil || deps.Trading == nil || deps.Market == nil || deps.Risk == nil || deps.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Trader")
	}
	if strings.TrimSpace(cfg.QuoteCurrency) == "" {
		return nil, fmt.Errorf("%w: quote currency is required", ports.ErrConfigurationError)
	}
	cfg.QuoteCurrency = strings.ToUpper(cfg.QuoteCurrency)
	if cfg.RetryMaxAttempts < 1 {
		cfg.RetryMaxAttempts = 1
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = time.Second
	}
	if cfg.RetryMaxInterval < cfg.RetryInitialInterval {
		cfg.RetryMaxInterval = cfg.RetryInitialInterval
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = time.Second
	}
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	return &Trader{
		cfg:     cfg,
		store:   deps.Store,
		trading: deps.Trading,
		market:  deps.Market,
		risk:    deps.Risk,
		journal: deps.Journal,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		now:     time.Now,
	}, nil
}

func (t *Trader) loadState(asset string) *domain.TraderState {
	st, ok := t.store.LoadTraderState(asset)
	if !ok {
		return &domain.TraderState{Asset: asset, Phase: domain.PhaseFlat}
	}
	st.Asset = asset
	return st
}

func (t *Trader) saveState(st *domain.TraderState) error {
	st.UpdatedAt = t.now().UTC()
	if err := t.store.SaveTraderState(st); err != nil {
		return fmt.Errorf("persist trader state for %s: %w", st.Asset, err)
	}
	return nil
}

// RunAsset resolves any pending order of asset, then acts on its signal when
// the signal sequence has not been acted on yet.
func (t *Trader) RunAsset(ctx context.Context, asset string) error {
	op := "RunAsset"
	if t.store.ShutdownRequested() {
		return ports.ErrShutdown
	}

	st := t.loadState(asset)
	if st.Pending != nil {
		done, err := t.recoverPending(ctx, st)
		if err != nil || done {
			return err
		}
	}

	sig, ok := t.store.LoadSignal(asset)
	if !ok {
		t.logger.Debug(ctx, op+": No signal yet", map[string]interface{}{"asset": asset})
		return nil
	}
	if sig.Seq <= st.LastActedSeq {
		return nil
	}

	st.Phase = domain.PhaseEvaluating
	err := t.evaluate(ctx, st, sig)
	if st.Pending == nil {
		st.Phase = st.RestingPhase()
	}
	if saveErr := t.saveState(st); saveErr != nil {
		return errors.Join(err, saveErr)
	}
	return err
}

// evaluate decides what signal sig asks for given the state and executes it.
func (t *Trader) evaluate(ctx context.Context, st *domain.TraderState, sig *domain.Signal) error {
	op := "evaluate"
	fields := map[string]interface{}{"asset": st.Asset, "seq": sig.Seq, "direction": sig.Direction}

	switch {
	case sig.Direction == domain.Long && !st.Position.IsOpen():
		return t.enterPosition(ctx, st, sig)
	case sig.Direction == domain.Short && st.Position.IsOpen():
		return t.exitPosition(ctx, st, sig)
	default:
		t.logger.Debug(ctx, op+": Signal needs no order", fields)
		st.LastActedSeq = sig.Seq
		return nil
	}
}

func (t *Trader) price(ctx context.Context, asset string) (float64, error) {
	q := t.market.GetQuote(ctx, asset)
	if q.IsZero() {
		return 0, fmt.Errorf("no quote for %s: %w", asset, ports.ErrExchangeUnavailable)
	}
	return q.Mid(), nil
}

func (t *Trader) enterPosition(ctx context.Context, st *domain.TraderState, sig *domain.Signal) error {
	op := "enterPosition"
	asset := st.Asset

	price, err := t.price(ctx, asset)
	if err != nil {
		return err
	}

	t.buyMu.Lock()
	defer t.buyMu.Unlock()
	balances, err := t.trading.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	// A holding we did not record (e.g. bought right before a crash) becomes
	// the position instead of being bought again.
	if held := balances[strings.ToUpper(asset)]; t.risk.IsMaterialHolding(held, price) {
		st.Position = &domain.Position{
			Side:       domain.Buy,
			Quantity:   held,
			EntryPrice: price,
			OpenedAt:   t.now().UTC(),
			Adopted:    true,
		}
		st.LastActedSeq = sig.Seq
		t.logger.Info(ctx, op+": Existing holding adopted as position", map[string]interface{}{
			"asset": asset, "quantity": held, "price": price, "seq": sig.Seq,
		})
		return nil
	}

	if err := t.risk.CheckRiskLimits(ctx, asset); err != nil {
		if errors.Is(err, risk.ErrDailyTradeLimit) {
			t.logger.Info(ctx, op+": Daily trade limit reached, buy deferred", map[string]interface{}{"asset": asset, "seq": sig.Seq})
			return nil
		}
		return err
	}

	notional, err := t.risk.BuyNotional(balances[t.cfg.QuoteCurrency])
	if err != nil {
		t.logger.Warn(ctx, op+": Buy skipped", map[string]interface{}{
			"asset": asset, "seq": sig.Seq, "quoteBalance": balances[t.cfg.QuoteCurrency], "reason": err.Error(),
		})
		t.metrics.RecordOrder(asset, string(domain.Buy), "skipped")
		st.LastActedSeq = sig.Seq
		return nil
	}

	return t.execute(ctx, st, &domain.PendingOrder{
		Seq:           sig.Seq,
		Side:          domain.Buy,
		ClientOrderID: ClientOrderID(asset, sig.Seq, domain.Buy),
		Notional:      notional,
		CreatedAt:     t.now().UTC(),
	}, price)
}

func (t *Trader) exitPosition(ctx context.Context, st *domain.TraderState, sig *domain.Signal) error {
	op := "exitPosition"
	asset := st.Asset

	price, err := t.price(ctx, asset)
	if err != nil {
		return err
	}
	balances, err := t.trading.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	qty := st.Position.Quantity
	if held := balances[strings.ToUpper(asset)]; held < qty {
		qty = held
	}
	if qty <= 0 {
		t.logger.Warn(ctx, op+": Position no longer held, clearing it", map[string]interface{}{"asset": asset, "seq": sig.Seq})
		st.Position = nil
		st.LastActedSeq = sig.Seq
		return nil
	}
	if err := t.risk.ValidateSell(qty, price); err != nil {
		t.logger.Warn(ctx, op+": Remaining position below minimum order, clearing it", map[string]interface{}{
			"asset": asset, "quantity": qty, "price": price,
		})
		st.Position = nil
		st.LastActedSeq = sig.Seq
		return nil
	}

	return t.execute(ctx, st, &domain.PendingOrder{
		Seq:           sig.Seq,
		Side:          domain.Sell,
		ClientOrderID: ClientOrderID(asset, sig.Seq, domain.Sell),
		Quantity:      qty,
		CreatedAt:     t.now().UTC(),
	}, price)
}

// execute persists the pending record, submits the order with retries and
// confirms it.
func (t *Trader) execute(ctx context.Context, st *domain.TraderState, pending *domain.PendingOrder, price float64) error {
	op := "execute"
	asset := st.Asset

	st.Pending = pending
	st.Phase = domain.PhaseOrdering
	if err := t.saveState(st); err != nil {
		st.Pending = nil
		return err
	}

	req := ports.OrderRequest{
		Asset:         asset,
		Side:          pending.Side,
		Quantity:      pending.Quantity,
		Notional:      pending.Notional,
		PriceHint:     price,
		ClientOrderID: pending.ClientOrderID,
	}
	t.logger.Info(ctx, op+": Submitting order", map[string]interface{}{
		"asset": asset, "side": req.Side, "quantity": req.Quantity, "notional": req.Notional,
		"clientOrderID": req.ClientOrderID, "seq": pending.Seq,
	})

	res, err := t.submit(ctx, req)
	if err != nil {
		if ports.IsPermanent(err) {
			t.logger.Error(ctx, err, op+": Order rejected", map[string]interface{}{"asset": asset, "clientOrderID": req.ClientOrderID})
			t.metrics.RecordOrder(asset, string(req.Side), "rejected")
			st.Pending = nil
		} else {
			// The order may have reached the exchange; the pending record is
			// resolved on the next pass.
			t.logger.Warn(ctx, op+": Order outcome unknown, keeping pending record", map[string]interface{}{
				"asset": asset, "clientOrderID": req.ClientOrderID, "error": err.Error(),
			})
			t.metrics.RecordOrder(asset, string(req.Side), "unknown")
		}
		return err
	}

	st.Phase = domain.PhaseConfirming
	return t.settle(ctx, st, res, price)
}

// submit places the order, retrying transient failures. Before every
// resubmission the client order ID is looked up so an order that reached the
// exchange is never placed twice.
func (t *Trader) submit(ctx context.Context, req ports.OrderRequest) (*ports.OrderResult, error) {
	attempt := 0
	operation := func() (*ports.OrderResult, error) {
		attempt++
		if attempt > 1 {
			existing, err := t.trading.GetOrder(ctx, req.Asset, req.ClientOrderID)
			switch {
			case err == nil:
				return existing, nil
			case errors.Is(err, ports.ErrOrderNotFound):
			case ports.IsTransient(err):
				return nil, err
			default:
				return nil, backoff.Permanent(err)
			}
		}
		res, err := t.trading.PlaceOrder(ctx, req)
		if err == nil {
			return res, nil
		}
		if ports.IsTransient(err) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.RetryInitialInterval
	b.MaxInterval = t.cfg.RetryMaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(t.cfg.RetryMaxAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		t.metrics.RecordRetry(req.Asset)
		t.logger.Warn(ctx, "submit: Transient order failure, retrying", map[string]interface{}{
			"asset": req.Asset, "clientOrderID": req.ClientOrderID, "attempt": attempt, "wait": wait.String(), "error": err.Error(),
		})
	}
	return backoff.RetryNotifyWithData(operation, policy, notify)
}

// settle waits for an open order to finish and records the outcome.
func (t *Trader) settle(ctx context.Context, st *domain.TraderState, res *ports.OrderResult, price float64) error {
	op := "settle"
	pending := st.Pending

	if res.Status == ports.OrderStatusOpen {
		confirmed, err := t.confirm(ctx, st.Asset, pending.ClientOrderID)
		if err != nil {
			t.logger.Warn(ctx, op+": Order not confirmed yet, keeping pending record", map[string]interface{}{
				"asset": st.Asset, "clientOrderID": pending.ClientOrderID, "error": err.Error(),
			})
			return err
		}
		res = confirmed
	}

	if res.ExecutedQty <= 0 {
		err := fmt.Errorf("order %s finished as %s without fills: %w", pending.ClientOrderID, res.Status, ports.ErrOrderPlacementFailed)
		t.logger.Error(ctx, err, op+": Order did not fill", map[string]interface{}{"asset": st.Asset})
		t.metrics.RecordOrder(st.Asset, string(pending.Side), "unfilled")
		st.Pending = nil
		return err
	}
	return t.record(ctx, st, res, price)
}

// confirm polls the order until it leaves the open state or ConfirmTimeout passes.
func (t *Trader) confirm(ctx context.Context, asset, clientOrderID string) (*ports.OrderResult, error) {
	deadline := t.now().Add(t.cfg.ConfirmTimeout)
	for {
		res, err := t.trading.GetOrder(ctx, asset, clientOrderID)
		if err == nil && res.Status != ports.OrderStatusOpen {
			return res, nil
		}
		if err != nil && !ports.IsTransient(err) && !errors.Is(err, ports.ErrOrderNotFound) {
			return nil, err
		}
		if !t.now().Before(deadline) {
			return nil, fmt.Errorf("order %s still open after %s: %w", clientOrderID, t.cfg.ConfirmTimeout, ports.ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ports.ErrContextCanceled, ctx.Err())
		case <-time.After(t.cfg.ConfirmPollInterval):
		}
	}
}

// recoverPending resolves an order submitted by an earlier pass. done reports
// that the pass is finished for this asset.
func (t *Trader) recoverPending(ctx context.Context, st *domain.TraderState) (done bool, err error) {
	op := "recoverPending"
	pending := st.Pending
	fields := map[string]interface{}{"asset": st.Asset, "clientOrderID": pending.ClientOrderID, "seq": pending.Seq}

	res, err := t.trading.GetOrder(ctx, st.Asset, pending.ClientOrderID)
	switch {
	case errors.Is(err, ports.ErrOrderNotFound):
		t.logger.Info(ctx, op+": Pending order never reached the exchange, clearing it", fields)
		st.Pending = nil
		st.Phase = st.RestingPhase()
		return false, t.saveState(st)
	case err != nil:
		return true, fmt.Errorf("%s: %w", op, err)
	}

	t.logger.Info(ctx, op+": Resolving pending order", map[string]interface{}{
		"asset": st.Asset, "clientOrderID": pending.ClientOrderID, "status": res.Status,
	})
	price := res.AvgPrice
	if price <= 0 {
		price, _ = t.price(ctx, st.Asset)
	}
	st.Phase = domain.PhaseConfirming
	settleErr := t.settle(ctx, st, res, price)
	if st.Pending == nil {
		st.Phase = st.RestingPhase()
	}
	if saveErr := t.saveState(st); saveErr != nil {
		return true, errors.Join(settleErr, saveErr)
	}
	return true, settleErr
}

// record appends the fill to the ledger and the journal and updates the position.
func (t *Trader) record(ctx context.Context, st *domain.TraderState, res *ports.OrderResult, price float64) error {
	op := "record"
	pending := st.Pending

	avg := res.AvgPrice
	if avg <= 0 {
		avg = price
	}
	notional := res.QuoteQty
	if notional <= 0 {
		notional = res.ExecutedQty * avg
	}
	ts := res.Timestamp
	if ts.IsZero() {
		ts = t.now()
	}
	rec := &domain.TradeRecord{
		Timestamp:     ts.UTC(),
		Asset:         st.Asset,
		Side:          pending.Side,
		Quantity:      res.ExecutedQty,
		Price:         avg,
		Notional:      notional,
		OrderID:       res.OrderID,
		ClientOrderID: pending.ClientOrderID,
		Provider:      t.trading.Name(),
		Status:        res.Status,
		SignalSeq:     pending.Seq,
	}
	if err := t.appendLedger(rec); err != nil {
		return err
	}
	if t.journal != nil {
		if err := t.journal.RecordTrade(ctx, rec); err != nil {
			t.logger.Warn(ctx, op+": Trade journal mirror failed", map[string]interface{}{"asset": st.Asset, "error": err.Error()})
		}
	}

	switch pending.Side {
	case domain.Buy:
		st.Position = &domain.Position{
			Side:          domain.Buy,
			Quantity:      res.ExecutedQty,
			EntryPrice:    avg,
			OrderID:       res.OrderID,
			ClientOrderID: pending.ClientOrderID,
			OpenedAt:      rec.Timestamp,
		}
	case domain.Sell:
		// A sell targets the whole held position; only an unfilled remainder stays.
		if st.Position != nil {
			left := pending.Quantity - res.ExecutedQty
			if t.risk.IsMaterialHolding(left, avg) {
				st.Position.Quantity = left
			} else {
				st.Position = nil
			}
		}
	}
	st.LastActedSeq = pending.Seq
	st.Pending = nil
	t.metrics.RecordOrder(st.Asset, string(rec.Side), "filled")
	t.logger.Info(ctx, op+": Trade recorded", map[string]interface{}{
		"asset": st.Asset, "side": rec.Side, "quantity": rec.Quantity, "price": rec.Price,
		"orderID": rec.OrderID, "seq": rec.SignalSeq,
	})
	return nil
}

// appendLedger appends rec unless a record with the same client order ID is
// already in the ledger.
func (t *Trader) appendLedger(rec *domain.TradeRecord) error {
	t.ledgerMu.Lock()
	defer t.ledgerMu.Unlock()
	for _, existing := range t.store.ReadTrades() {
		if existing.ClientOrderID == rec.ClientOrderID {
			return nil
		}
	}
	if err := t.store.AppendTrade(rec); err != nil {
		return fmt.Errorf("append trade history: %w", err)
	}
	return nil
}

// journalBackfiller is implemented by journals that can import ledger records in bulk.
type journalBackfiller interface {
	Backfill(ctx context.Context, recs []*domain.TradeRecord) (int, error)
}

// SyncJournal copies ledger records missing from the journal into it and
// returns how many were added.
func (t *Trader) SyncJournal(ctx context.Context) (int, error) {
	if t.journal == nil {
		return 0, nil
	}
	t.ledgerMu.Lock()
	recs := t.store.ReadTrades()
	t.ledgerMu.Unlock()
	if len(recs) == 0 {
		return 0, nil
	}
	if b, ok := t.journal.(journalBackfiller); ok {
		return b.Backfill(ctx, recs)
	}
	for _, rec := range recs {
		if err := t.journal.RecordTrade(ctx, rec); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}
