package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"powertrader/internal/domain"
	"powertrader/internal/ports"
)

const (
	shutdownFlagName  = "killer"
	tradeHistoryName  = "trade_history.jsonl"
	signalName        = "signal.json"
	trainingStatusNm  = "training_status.json"
	traderStateName   = "trader_state.json"
	lowBoundsSidecar  = "low_bound_prices.txt"
	highBoundsSidecar = "high_bound_prices.txt"
)

// Store is the directory-per-asset state layout. The primary asset lives in the
// root directory; every other asset gets a subdirectory named after it.
type Store struct {
	root    string
	primary string
}

// Open validates root (creating it when needed) and returns a Store.
// An unusable root is a configuration error.
func Open(root, primary string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("%w: state root directory is empty", ports.ErrConfigurationError)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve state root %q: %v", ports.ErrConfigurationError, root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create state root %q: %v", ports.ErrConfigurationError, abs, err)
	}
	check, err := os.CreateTemp(abs, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("%w: state root %q is not writable: %v", ports.ErrConfigurationError, abs, err)
	}
	check.Close()
	os.Remove(check.Name())

	return &Store{root: abs, primary: normalizeAsset(primary)}, nil
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

// Root returns the absolute root directory.
func (s *Store) Root() string { return s.root }

// AssetDir returns the directory owned by asset.
func (s *Store) AssetDir(asset string) string {
	a := normalizeAsset(asset)
	if a == s.primary {
		return s.root
	}
	return filepath.Join(s.root, a)
}

func (s *Store) MemoryPath(asset string, tf domain.Timeframe) string {
	return filepath.Join(s.AssetDir(asset), "memory_"+string(tf)+".json")
}

func (s *Store) PredictionPath(asset string, tf domain.Timeframe) string {
	return filepath.Join(s.AssetDir(asset), "prediction_"+string(tf)+".json")
}

func (s *Store) SignalPath(asset string) string {
	return filepath.Join(s.AssetDir(asset), signalName)
}

func (s *Store) TrainingStatusPath(asset string) string {
	return filepath.Join(s.AssetDir(asset), trainingStatusNm)
}

func (s *Store) TraderStatePath(asset string) string {
	return filepath.Join(s.AssetDir(asset), traderStateName)
}

func (s *Store) BoundsSidecarPaths(asset string) (low, high string) {
	dir := s.AssetDir(asset)
	return filepath.Join(dir, lowBoundsSidecar), filepath.Join(dir, highBoundsSidecar)
}

func (s *Store) TradeHistoryPath() string {
	return filepath.Join(s.root, tradeHistoryName)
}

func (s *Store) StatusPath(role domain.Role) string {
	return filepath.Join(s.root, "status_"+string(role)+".json")
}

func (s *Store) ReadyPath(role domain.Role) string {
	return filepath.Join(s.root, "ready_"+string(role)+".json")
}

func (s *Store) ShutdownFlagPath() string {
	return filepath.Join(s.root, shutdownFlagName)
}

// --- Pattern memory (trainer writes, thinker reads) ---

// LoadMemory returns the persisted memory or false when absent or malformed.
func (s *Store) LoadMemory(asset string, tf domain.Timeframe) (*domain.PatternMemory, bool) {
	var m domain.PatternMemory
	if !ReadJSON(s.MemoryPath(asset, tf), &m) {
		return nil, false
	}
	if m.Entries == nil {
		m.Entries = []domain.PatternEntry{}
	}
	return &m, true
}

func (s *Store) SaveMemory(m *domain.PatternMemory) error {
	return WriteJSON(s.MemoryPath(m.Asset, m.Timeframe), m)
}

// ResetMemory deletes the memory of asset/timeframe.
func (s *Store) ResetMemory(asset string, tf domain.Timeframe) error {
	err := os.Remove(s.MemoryPath(asset, tf))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) LoadTrainingStatus(asset string) (*domain.TrainingStatus, bool) {
	var st domain.TrainingStatus
	if !ReadJSON(s.TrainingStatusPath(asset), &st) {
		return nil, false
	}
	return &st, true
}

func (s *Store) SaveTrainingStatus(st *domain.TrainingStatus) error {
	return WriteJSON(s.TrainingStatusPath(st.Asset), st)
}

// --- Predictions and signals (thinker writes, trader reads) ---

func (s *Store) LoadPrediction(asset string, tf domain.Timeframe) (*domain.Prediction, bool) {
	var p domain.Prediction
	if !ReadJSON(s.PredictionPath(asset, tf), &p) {
		return nil, false
	}
	return &p, true
}

func (s *Store) SavePrediction(p *domain.Prediction) error {
	return WriteJSON(s.PredictionPath(p.Asset, p.Timeframe), p)
}

func (s *Store) LoadSignal(asset string) (*domain.Signal, bool) {
	var sig domain.Signal
	if !ReadJSON(s.SignalPath(asset), &sig) {
		return nil, false
	}
	return &sig, true
}

func (s *Store) SaveSignal(sig *domain.Signal) error {
	return WriteJSON(s.SignalPath(sig.Asset), sig)
}

// --- Trader state and ledger (trader writes) ---

func (s *Store) LoadTraderState(asset string) (*domain.TraderState, bool) {
	var st domain.TraderState
	if !ReadJSON(s.TraderStatePath(asset), &st) {
		return nil, false
	}
	return &st, true
}

func (s *Store) SaveTraderState(st *domain.TraderState) error {
	return WriteJSON(s.TraderStatePath(st.Asset), st)
}

// AppendTrade appends one record to the trade history ledger.
func (s *Store) AppendTrade(rec *domain.TradeRecord) error {
	return AppendJSON(s.TradeHistoryPath(), rec)
}

// ReadTrades returns every well-formed ledger record in file order.
func (s *Store) ReadTrades() []*domain.TradeRecord {
	lines, ok := ReadLines(s.TradeHistoryPath())
	if !ok {
		return nil
	}
	out := make([]*domain.TradeRecord, 0, len(lines))
	for _, line := range lines {
		var rec domain.TradeRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	return out
}

// --- Process records ---

func (s *Store) WriteStatus(rec *domain.StatusRecord) error {
	return WriteJSON(s.StatusPath(rec.Role), rec)
}

func (s *Store) LoadStatus(role domain.Role) (*domain.StatusRecord, bool) {
	var rec domain.StatusRecord
	if !ReadJSON(s.StatusPath(role), &rec) {
		return nil, false
	}
	return &rec, true
}

func (s *Store) WriteReady(role domain.Role, pid int, at time.Time) error {
	return WriteJSON(s.ReadyPath(role), &domain.ReadyRecord{Role: role, PID: pid, ReadyAt: at.UTC()})
}

func (s *Store) IsReady(role domain.Role) bool {
	var rec domain.ReadyRecord
	return ReadJSON(s.ReadyPath(role), &rec)
}

// ClearReady removes a stale readiness record left by a previous run.
func (s *Store) ClearReady(role domain.Role) error {
	err := os.Remove(s.ReadyPath(role))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ShutdownRequested reports whether the cooperative shutdown flag exists.
func (s *Store) ShutdownRequested() bool {
	_, err := os.Stat(s.ShutdownFlagPath())
	return err == nil
}

// RequestShutdown creates the shutdown flag.
func (s *Store) RequestShutdown() error {
	return WriteAtomic(s.ShutdownFlagPath(), []byte("1\n"))
}
