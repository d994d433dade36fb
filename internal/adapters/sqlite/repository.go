package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"powertrader/internal/domain"
	"powertrader/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.TradeJournal using SQLite. It mirrors the
// append-only trade history ledger for reporting and daily trade counts.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trade_journal.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w: %w", filepath.Dir(dbPath), ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite serializes writers; one connection keeps the driver from contending with itself.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Database schema initialized/verified")

	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trade_journal (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts_ms INTEGER NOT NULL,
		asset TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		price REAL NOT NULL,
		notional REAL NOT NULL,
		order_id TEXT NOT NULL,
		client_order_id TEXT NOT NULL UNIQUE,
		provider TEXT NOT NULL,
		status TEXT NOT NULL,
		signal_seq INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trade_journal_asset_ts ON trade_journal (asset, ts_ms);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w: %w", ports.ErrQueryFailed, err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// RecordTrade stores rec. A record whose client order ID is already journaled
// is ignored, so replaying the ledger is safe.
func (r *Repository) RecordTrade(ctx context.Context, rec *domain.TradeRecord) error {
	const query = `
	INSERT OR IGNORE INTO trade_journal (ts_ms, asset, side, quantity, price, notional,
	                                     order_id, client_order_id, provider, status, signal_seq)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		rec.Timestamp.UnixMilli(), rec.Asset, string(rec.Side), rec.Quantity, rec.Price, rec.Notional,
		rec.OrderID, rec.ClientOrderID, rec.Provider, rec.Status, rec.SignalSeq)
	if err != nil {
		return fmt.Errorf("failed to insert trade for asset %s: %w: %w", rec.Asset, ports.ErrQueryFailed, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		r.logger.Debug(ctx, "Trade already journaled", map[string]interface{}{"clientOrderID": rec.ClientOrderID})
		return nil
	}
	r.logger.Debug(ctx, "Trade journaled", map[string]interface{}{"asset": rec.Asset, "side": rec.Side, "clientOrderID": rec.ClientOrderID})
	return nil
}

// Backfill journals every record, skipping ones already present. It returns
// the number of records inserted.
func (r *Repository) Backfill(ctx context.Context, recs []*domain.TradeRecord) (int, error) {
	before, err := r.count(ctx)
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		if err := r.RecordTrade(ctx, rec); err != nil {
			return 0, err
		}
	}
	after, err := r.count(ctx)
	if err != nil {
		return 0, err
	}
	return after - before, nil
}

func (r *Repository) count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trade_journal`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count trades: %w: %w", ports.ErrQueryFailed, err)
	}
	return n, nil
}

// CountSince counts trades for asset at or after since.
func (r *Repository) CountSince(ctx context.Context, asset string, since time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM trade_journal WHERE asset = ? AND ts_ms >= ?`
	var count int
	if err := r.db.QueryRowContext(ctx, query, asset, since.UnixMilli()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count trades for asset %s: %w: %w", asset, ports.ErrQueryFailed, err)
	}
	return count, nil
}

// FindByAsset retrieves the most recent trades for asset, newest first.
func (r *Repository) FindByAsset(ctx context.Context, asset string, limit int) ([]*domain.TradeRecord, error) {
	const query = `
	SELECT ts_ms, asset, side, quantity, price, notional, order_id, client_order_id, provider, status, signal_seq
	FROM trade_journal
	WHERE asset = ? ORDER BY ts_ms DESC, id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, asset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades for asset %s: %w: %w", asset, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	trades := make([]*domain.TradeRecord, 0)
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade during FindByAsset: %w", err)
		}
		trades = append(trades, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	return trades, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*domain.TradeRecord, error) {
	rec := &domain.TradeRecord{}
	var tsMs int64
	var side string
	err := s.Scan(&tsMs, &rec.Asset, &side, &rec.Quantity, &rec.Price, &rec.Notional,
		&rec.OrderID, &rec.ClientOrderID, &rec.Provider, &rec.Status, &rec.SignalSeq)
	if err != nil {
		return nil, err
	}
	rec.Timestamp = time.UnixMilli(tsMs).UTC()
	rec.Side = domain.OrderSide(side)
	return rec, nil
}
