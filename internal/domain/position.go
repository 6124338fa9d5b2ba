package domain

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

// Position statuses. OPEN is the only live state; CLOSED and LIQUIDATED are
// terminal with no further transitions.
const (
	PositionStatusOpen       PositionStatus = "OPEN"
	PositionStatusClosed     PositionStatus = "CLOSED"
	PositionStatusLiquidated PositionStatus = "LIQUIDATED"
)

// PositionStatuses lists every valid position status.
var PositionStatuses = []PositionStatus{
	PositionStatusOpen,
	PositionStatusClosed,
	PositionStatusLiquidated,
}

// TerminalPositionStatuses lists statuses with no outgoing transitions.
var TerminalPositionStatuses = []PositionStatus{
	PositionStatusClosed,
	PositionStatusLiquidated,
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s PositionStatus) IsTerminal() bool {
	return s == PositionStatusClosed || s == PositionStatusLiquidated
}

// Position is the primary record for an open or recently closed position.
type Position struct {
	ID               string
	Symbol           string
	Side             string // long | short
	EntryPrice       float64
	CurrentPrice     float64
	Amount           float64
	Leverage         float64
	Margin           float64
	UnrealizedPnl    float64
	RealizedPnl      float64
	LiquidationPrice float64
	Exchange         string
	Strategy         string
	Status           PositionStatus
	OpenedAt         int64  // Unix timestamp in milliseconds
	UpdatedAt        int64  // Unix timestamp in milliseconds
	ClosedAt         *int64 // set when the position reaches a terminal status
	Metadata         map[string]string
}

// PositionUpdate is a patch applied to an existing position. Nil fields are
// left untouched; symbol, strategy and exchange are fixed at insert time.
type PositionUpdate struct {
	Status           *PositionStatus
	CurrentPrice     *float64
	Amount           *float64
	Leverage         *float64
	Margin           *float64
	UnrealizedPnl    *float64
	RealizedPnl      *float64
	LiquidationPrice *float64
	ClosedAt         *int64
	Metadata         map[string]string
}

// ArchiveTime returns the timestamp used for archival-age decisions.
func (p *Position) ArchiveTime() int64 {
	if p.ClosedAt != nil && *p.ClosedAt > 0 {
		return *p.ClosedAt
	}
	if p.UpdatedAt > 0 {
		return p.UpdatedAt
	}
	return p.OpenedAt
}
