package statestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powertrader/internal/domain"
	"powertrader/internal/ports"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "BTC")
	require.NoError(t, err)
	return s
}

func TestOpen_UnusableRootIsConfigurationError(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := Open(filepath.Join(file, "state"), "BTC")
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrConfigurationError)

	_, err = Open("  ", "BTC")
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestStore_Layout(t *testing.T) {
	s := newTestStore(t)

	assert.Equal(t, s.Root(), s.AssetDir("btc"))
	assert.Equal(t, filepath.Join(s.Root(), "ETH"), s.AssetDir("eth"))
	assert.Equal(t, filepath.Join(s.Root(), "memory_1h.json"), s.MemoryPath("BTC", domain.TF1h))
	assert.Equal(t, filepath.Join(s.Root(), "ETH", "signal.json"), s.SignalPath("ETH"))
	assert.Equal(t, filepath.Join(s.Root(), "status_trader.json"), s.StatusPath(domain.RoleTrader))
}

func TestStore_MemoryRoundTripAndReset(t *testing.T) {
	s := newTestStore(t)

	_, ok := s.LoadMemory("ETH", domain.TF1h)
	assert.False(t, ok)

	m := domain.NewPatternMemory("ETH", domain.TF1h, 4)
	m.Entries = append(m.Entries, domain.PatternEntry{Pattern: []float64{0.1, 0.2, 0.3}, Weight: 2})
	require.NoError(t, s.SaveMemory(m))

	got, ok := s.LoadMemory("ETH", domain.TF1h)
	require.True(t, ok)
	assert.Equal(t, m.Entries, got.Entries)

	require.NoError(t, s.ResetMemory("ETH", domain.TF1h))
	require.NoError(t, s.ResetMemory("ETH", domain.TF1h))
	_, ok = s.LoadMemory("ETH", domain.TF1h)
	assert.False(t, ok)
}

func TestStore_TradeLedger(t *testing.T) {
	s := newTestStore(t)
	assert.Empty(t, s.ReadTrades())

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.AppendTrade(&domain.TradeRecord{Timestamp: now, Asset: "BTC", Side: domain.Buy, Quantity: 0.1, OrderID: "1"}))
	require.NoError(t, s.AppendTrade(&domain.TradeRecord{Timestamp: now, Asset: "BTC", Side: domain.Sell, Quantity: 0.1, OrderID: "2"}))

	trades := s.ReadTrades()
	require.Len(t, trades, 2)
	assert.Equal(t, "2", trades[1].OrderID)
	assert.Equal(t, domain.Sell, trades[1].Side)
}

func TestStore_ReadinessAndShutdownFlag(t *testing.T) {
	s := newTestStore(t)

	assert.False(t, s.IsReady(domain.RoleThinker))
	require.NoError(t, s.WriteReady(domain.RoleThinker, 42, time.Now()))
	assert.True(t, s.IsReady(domain.RoleThinker))
	require.NoError(t, s.ClearReady(domain.RoleThinker))
	assert.False(t, s.IsReady(domain.RoleThinker))

	assert.False(t, s.ShutdownRequested())
	require.NoError(t, s.RequestShutdown())
	assert.True(t, s.ShutdownRequested())
}

func TestStore_BoundsSidecars(t *testing.T) {
	s := newTestStore(t)
	low, high := s.BoundsSidecarPaths("ETH")

	require.NoError(t, WriteNumbers(low, []float64{99.5, 98}))
	require.NoError(t, WriteNumbers(high, []float64{101.25, 103}))

	got, ok := ReadNumbers(high)
	require.True(t, ok)
	assert.Equal(t, []float64{101.25, 103}, got)
}
