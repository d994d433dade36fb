package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Direction is the directional call carried by a signal.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	Flat  Direction = "flat"
)

// IsDirectional reports whether the direction asks for a position change.
func (d Direction) IsDirectional() bool {
	return d == Long || d == Short
}

// Role names one of the cooperating processes.
type Role string

const (
	RoleTrainer Role = "trainer"
	RoleThinker Role = "thinker"
	RoleTrader  Role = "trader"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleTrainer, RoleThinker, RoleTrader:
		return Role(s), true
	default:
		return "", false
	}
}
