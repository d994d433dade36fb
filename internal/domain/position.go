package domain

import "time"

// TraderPhase is the executor state per asset.
type TraderPhase string

const (
	PhaseFlat       TraderPhase = "flat"
	PhaseEvaluating TraderPhase = "evaluating"
	PhaseOrdering   TraderPhase = "ordering"
	PhaseConfirming TraderPhase = "confirming"
	PhaseHolding    TraderPhase = "holding"
)

// Position represents the spot holding the trader opened for an asset.
type Position struct {
	Side          OrderSide `json:"side"`
	Quantity      float64   `json:"quantity"`
	EntryPrice    float64   `json:"entry_price"`
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	OpenedAt      time.Time `json:"opened_at"`
	Adopted       bool      `json:"adopted,omitempty"` // discovered from balances, not opened by this process
}

// IsOpen checks if the position holds any quantity.
func (p *Position) IsOpen() bool {
	return p != nil && p.Quantity > 0
}

// PendingOrder is persisted before an order is submitted so a restart can
// resolve the order instead of submitting it again.
type PendingOrder struct {
	Seq           int64     `json:"seq"`
	Side          OrderSide `json:"side"`
	ClientOrderID string    `json:"client_order_id"`
	Quantity      float64   `json:"quantity,omitempty"`
	Notional      float64   `json:"notional,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// TraderState is the executor bookkeeping for one asset.
type TraderState struct {
	Asset        string        `json:"asset"`
	Phase        TraderPhase   `json:"phase"`
	LastActedSeq int64         `json:"last_acted_seq"`
	Position     *Position     `json:"position"`
	Pending      *PendingOrder `json:"pending"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// RestingPhase returns Holding or Flat depending on the position.
func (s *TraderState) RestingPhase() TraderPhase {
	if s.Position.IsOpen() {
		return PhaseHolding
	}
	return PhaseFlat
}
