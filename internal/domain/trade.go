package domain

import "time"

// TradeRecord is one immutable line of the trade history ledger.
type TradeRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	Asset         string    `json:"asset"`
	Side          OrderSide `json:"side"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	Notional      float64   `json:"notional"`
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Provider      string    `json:"provider"`
	Status        string    `json:"status"`
	SignalSeq     int64     `json:"signal_seq"`
}
