package bot

import "time"

// Status is the bot lifecycle state machine:
//
//	Created -> Starting -> Running <-> Paused -> Stopping -> Stopped
//
// Any starting or running state can fall to StatusError on an unrecovered
// worker fault. Stopped and StatusError are terminal until the next Start.
type Status string

const (
	StatusCreated  Status = "created"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// startable reports whether Start is a legal transition from s.
func (s Status) startable() bool {
	return s == StatusCreated || s == StatusStopped || s == StatusError
}

// TradeRecord is one executed trade with the reasoning behind it.
type TradeRecord struct {
	Time       time.Time `json:"time"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	OrderID    string    `json:"order_id"`
	Broker     string    `json:"broker"`
	Reasoning  string    `json:"reasoning"`
	Confidence float64   `json:"confidence"`
}

// Stats are a bot's runtime counters. The owning bot is the only writer;
// snapshots are handed out by value.
type Stats struct {
	CyclesCompleted  int64      `json:"cycles_completed"`
	SignalsGenerated int64      `json:"signals_generated"`
	SymbolsAnalyzed  int64      `json:"symbols_analyzed"`
	OrdersSubmitted  int64      `json:"orders_submitted"`
	OrdersFilled     int64      `json:"orders_filled"`
	OrdersRejected   int64      `json:"orders_rejected"`
	ErrorsCount      int64      `json:"errors_count"`
	DailyPnL         float64    `json:"daily_pnl"`
	LastCycleTime    *time.Time `json:"last_cycle_time,omitempty"`
	LastTradeTime    *time.Time `json:"last_trade_time,omitempty"`
	UptimeSeconds    float64    `json:"uptime_seconds"`

	// TradeHistory is a bounded ring, newest last.
	TradeHistory []TradeRecord `json:"trade_history,omitempty"`
}
