package domain

import "time"

// StatusRecord is the per-process health record, overwritten every cycle.
type StatusRecord struct {
	Role                Role      `json:"role"`
	PID                 int       `json:"pid"`
	Heartbeat           time.Time `json:"heartbeat"`
	LastSuccessfulCycle time.Time `json:"last_successful_cycle"`
	LastError           string    `json:"last_error,omitempty"`
	Phase               string    `json:"phase"`
	Cycles              int64     `json:"cycles"`
}

// ReadyRecord is written once a process completed its first successful cycle.
type ReadyRecord struct {
	Role    Role      `json:"role"`
	PID     int       `json:"pid"`
	ReadyAt time.Time `json:"ready_at"`
}

// TrainingPhase is the trainer state per asset/timeframe.
type TrainingPhase string

const (
	TrainingIdle       TrainingPhase = "idle"
	TrainingFetching   TrainingPhase = "fetching"
	TrainingExtracting TrainingPhase = "extracting"
	TrainingMerging    TrainingPhase = "merging"
	TrainingPersisted  TrainingPhase = "persisted"
)

// TimeframeTraining is the training outcome for one timeframe.
type TimeframeTraining struct {
	Phase       TrainingPhase `json:"phase"`
	LastAttempt time.Time     `json:"last_attempt"`
	LastSuccess time.Time     `json:"last_success"`
	LastError   string        `json:"last_error,omitempty"`
	Entries     int           `json:"entries"`
	Candles     int           `json:"candles"`
	Skipped     bool          `json:"skipped,omitempty"` // write skipped below materiality threshold
}

// TrainingStatus is the per-asset training status record.
type TrainingStatus struct {
	Asset      string                           `json:"asset"`
	UpdatedAt  time.Time                        `json:"updated_at"`
	Timeframes map[Timeframe]*TimeframeTraining `json:"timeframes"`
}
