package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"powertrader/internal/ports"
)

var (
	// ErrBelowMinimum means the sized order is smaller than the exchange minimum.
	ErrBelowMinimum = errors.New("order notional below minimum")
	// ErrDailyTradeLimit means the asset already reached its daily trade cap.
	ErrDailyTradeLimit = errors.New("daily trade limit reached")
)

// RiskConfig holds configuration for risk management
type RiskConfig struct {
	PositionSizePercent float64 // fraction of the quote balance committed per buy
	MaxPositionNotional float64 // 0 disables the cap
	MinOrderNotional    float64
	MaxTradesPerDay     int // 0 disables the cap
}

// RiskManager sizes spot orders and enforces the daily trade cap.
type RiskManager struct {
	config  RiskConfig
	counter ports.TradeCounter
	now     func() time.Time
}

// NewRiskManager creates a new risk manager instance. counter may be nil when
// no daily cap is configured.
func NewRiskManager(config RiskConfig, counter ports.TradeCounter) *RiskManager {
	return &RiskManager{
		config:  config,
		counter: counter,
		now:     time.Now,
	}
}

// Config returns the active configuration.
func (r *RiskManager) Config() RiskConfig { return r.config }

// BuyNotional returns the quote amount to spend on a buy given the free quote
// balance.
func (r *RiskManager) BuyNotional(quoteBalance float64) (float64, error) {
	if quoteBalance <= 0 || math.IsNaN(quoteBalance) {
		return 0, fmt.Errorf("%w: no quote balance available", ErrBelowMinimum)
	}
	notional := quoteBalance * r.config.PositionSizePercent
	if r.config.MaxPositionNotional > 0 {
		notional = math.Min(notional, r.config.MaxPositionNotional)
	}
	if notional < r.config.MinOrderNotional || notional <= 0 {
		return 0, fmt.Errorf("%w: %.2f < %.2f", ErrBelowMinimum, notional, r.config.MinOrderNotional)
	}
	return notional, nil
}

// ValidateSell checks that selling quantity at price clears the minimum notional.
func (r *RiskManager) ValidateSell(quantity, price float64) error {
	notional := quantity * price
	if quantity <= 0 || notional < r.config.MinOrderNotional {
		return fmt.Errorf("%w: %.2f < %.2f", ErrBelowMinimum, notional, r.config.MinOrderNotional)
	}
	return nil
}

// IsMaterialHolding reports whether a balance of quantity at price is worth a
// position, i.e. at least the minimum order notional.
func (r *RiskManager) IsMaterialHolding(quantity, price float64) bool {
	return quantity > 0 && price > 0 && quantity*price >= r.config.MinOrderNotional
}

// CheckRiskLimits checks the daily trade cap for asset. The day starts at
// midnight UTC.
func (r *RiskManager) CheckRiskLimits(ctx context.Context, asset string) error {
	if r.config.MaxTradesPerDay <= 0 || r.counter == nil {
		return nil
	}
	now := r.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	n, err := r.counter.CountSince(ctx, asset, dayStart)
	if err != nil {
		return fmt.Errorf("count daily trades for %s: %w", asset, err)
	}
	if n >= r.config.MaxTradesPerDay {
		return fmt.Errorf("%w: %d trades today for %s (max %d)", ErrDailyTradeLimit, n, asset, r.config.MaxTradesPerDay)
	}
	return nil
}
