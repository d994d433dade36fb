package trader

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"powertrader/internal/domain"
)

// orderNamespace scopes the name-based client order IDs of this application.
var orderNamespace = uuid.MustParse("7d0f6a4e-3c1b-5e8a-9b6f-2a4c8e1d0b37")

// ClientOrderID derives the client order ID for acting on signal seq of asset.
// The same inputs always give the same ID, so a resubmission after a crash is
// recognized by the exchange and by GetOrder.
func ClientOrderID(asset string, seq int64, side domain.OrderSide) string {
	name := fmt.Sprintf("%s:%d:%s", strings.ToUpper(asset), seq, side)
	return uuid.NewSHA1(orderNamespace, []byte(name)).String()
}
