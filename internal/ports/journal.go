package ports

import (
	"context"
	"time"

	"powertrader/internal/domain"
)

// TradeJournal mirrors the trade history ledger into a queryable store.
type TradeJournal interface {
	// RecordTrade stores a trade record. Duplicate client order IDs are ignored.
	RecordTrade(ctx context.Context, rec *domain.TradeRecord) error
	// CountSince counts trades for asset at or after since.
	CountSince(ctx context.Context, asset string, since time.Time) (int, error)
	// FindByAsset returns the most recent trades for asset, newest first.
	FindByAsset(ctx context.Context, asset string, limit int) ([]*domain.TradeRecord, error)
}

// TradeCounter counts journaled trades; the risk manager uses it for the daily cap.
type TradeCounter interface {
	CountSince(ctx context.Context, asset string, since time.Time) (int, error)
}
