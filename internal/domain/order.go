package domain

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

// Order statuses. PENDING through PARTIALLY_FILLED are live; the rest are
// terminal. An order may jump from any live status directly to any terminal
// status (e.g. PENDING -> REJECTED).
const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusFailed          OrderStatus = "FAILED"
)

// OrderStatuses lists every valid order status.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusSubmitted,
	OrderStatusOpen,
	OrderStatusPartiallyFilled,
	OrderStatusFilled,
	OrderStatusCanceled,
	OrderStatusRejected,
	OrderStatusExpired,
	OrderStatusFailed,
}

// TerminalOrderStatuses lists statuses with no outgoing transitions.
var TerminalOrderStatuses = []OrderStatus{
	OrderStatusFilled,
	OrderStatusCanceled,
	OrderStatusRejected,
	OrderStatusExpired,
	OrderStatusFailed,
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected,
		OrderStatusExpired, OrderStatusFailed:
		return true
	}
	return false
}

// Order is the primary record for a live exchange order.
type Order struct {
	ID           string
	ClientID     string
	Symbol       string
	Side         string // buy | sell
	Type         string // market | limit | ...
	Status       OrderStatus
	Amount       float64
	Filled       float64
	Remaining    float64
	Price        float64
	AveragePrice float64
	Cost         float64
	Fee          float64
	Exchange     string
	Strategy     string
	CreatedAt    int64  // Unix timestamp in milliseconds
	UpdatedAt    int64  // Unix timestamp in milliseconds
	ClosedAt     *int64 // set when the order reaches a terminal status
	ErrorMessage string
	Metadata     map[string]string
}

// OrderUpdate is a patch applied to an existing order. Nil fields are left
// untouched. Indexable attributes (symbol, strategy, exchange) are fixed at
// insert time and deliberately absent here.
type OrderUpdate struct {
	Status       *OrderStatus
	Amount       *float64
	Filled       *float64
	Remaining    *float64
	Price        *float64
	AveragePrice *float64
	Cost         *float64
	Fee          *float64
	ClosedAt     *int64
	ErrorMessage *string
	Metadata     map[string]string
}

// ArchiveTime returns the timestamp used for archival-age decisions:
// closed_at when set, otherwise updated_at, otherwise created_at.
func (o *Order) ArchiveTime() int64 {
	if o.ClosedAt != nil && *o.ClosedAt > 0 {
		return *o.ClosedAt
	}
	if o.UpdatedAt > 0 {
		return o.UpdatedAt
	}
	return o.CreatedAt
}
