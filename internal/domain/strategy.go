package domain

// RunState is the runtime state of a strategy instance. It gates membership
// in the running fast-path index only; strategy state is never archived.
type RunState string

const (
	RunStateStopped RunState = "stopped"
	RunStateRunning RunState = "running"
	RunStatePaused  RunState = "paused"
	RunStateError   RunState = "error"
)

// RunStates lists every valid run state.
var RunStates = []RunState{
	RunStateStopped,
	RunStateRunning,
	RunStatePaused,
	RunStateError,
}

// StrategyState is the operational runtime record of one strategy instance.
type StrategyState struct {
	ID             string
	Name           string
	RunState       RunState
	Config         map[string]string
	Parameters     map[string]string
	LastSignal     string
	LastSignalTime int64 // Unix timestamp in milliseconds
	StateData      map[string]string
	Stats          StrategyStats
	CreatedAt      int64 // Unix timestamp in milliseconds
	UpdatedAt      int64 // Unix timestamp in milliseconds
}

// StrategyStats is the statistics sub-record kept alongside strategy state.
type StrategyStats struct {
	TotalSignals  int64   `json:"total_signals"`
	TotalTrades   int64   `json:"total_trades"`
	WinningTrades int64   `json:"winning_trades"`
	LosingTrades  int64   `json:"losing_trades"`
	RealizedPnl   float64 `json:"realized_pnl"`
}

// StrategyUpdate is a patch applied to an existing strategy state.
type StrategyUpdate struct {
	RunState       *RunState
	Config         map[string]string
	Parameters     map[string]string
	LastSignal     *string
	LastSignalTime *int64
	StateData      map[string]string
	Stats          *StrategyStats
}

// SignalRecord is one entry of a strategy's append-only signal history.
type SignalRecord struct {
	Signal    string  `json:"signal"`
	Symbol    string  `json:"symbol,omitempty"`
	Price     float64 `json:"price,omitempty"`
	Timestamp int64   `json:"timestamp"` // Unix timestamp in milliseconds
}
