package domain

// Trade is an immutable fill fact. Trades are write-once: they flow through
// the buffered writer into the analytical sink and keep only a light
// time/symbol presence in the hot store.
type Trade struct {
	ID        string            `json:"id"`
	OrderID   string            `json:"order_id"`
	Symbol    string            `json:"symbol"`
	Side      string            `json:"side"` // buy | sell
	Amount    float64           `json:"amount"`
	Price     float64           `json:"price"`
	Cost      float64           `json:"cost"`
	Fee       float64           `json:"fee"`
	Exchange  string            `json:"exchange,omitempty"`
	Strategy  string            `json:"strategy,omitempty"`
	Timestamp int64             `json:"timestamp"` // Unix timestamp in milliseconds
	Metadata  map[string]string `json:"metadata,omitempty"`
}
