package broker

import (
	"context"
	"time"
)

// Type identifies a broker implementation (e.g. "alpaca", "paper").
type Type string

// Order sides and types accepted by SubmitOrder.
const (
	OrderSideBuy    = "BUY"
	OrderSideSell   = "SELL"
	OrderTypeMarket = "MARKET"
)

// Config is the broker-specific connection configuration. Keys are
// interpreted by the concrete adapter (api_key, base_url, ...).
type Config map[string]string

// Account is a snapshot of one brokerage account.
type Account struct {
	ID             string  `json:"id"`
	BuyingPower    float64 `json:"buying_power"`
	PortfolioValue float64 `json:"portfolio_value"`
	Currency       string  `json:"currency"`
}

// Position is an open position in one symbol.
type Position struct {
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"`
	AvgEntry     float64 `json:"avg_entry"`
	MarketValue  float64 `json:"market_value"`
	UnrealizedPL float64 `json:"unrealized_pl"`
}

// OrderRequest describes a new order to submit.
type OrderRequest struct {
	AccountID string  `json:"account_id"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Quantity  float64 `json:"quantity"`
	Type      string  `json:"type"`
}

// Order is a broker's acknowledgement of a submitted order.
type Order struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Quantity  float64   `json:"quantity"`
	FillPrice float64   `json:"fill_price"`
	Status    string    `json:"status"`
	Submitted time.Time `json:"submitted"`
}

// Broker is the uniform capability interface every concrete broker adapter
// implements. The registry and the bots depend only on this shape, never on
// a specific SDK.
type Broker interface {
	// Name returns the broker's type tag.
	Name() Type

	// Connect establishes the session with the broker.
	Connect(ctx context.Context) error

	// Disconnect tears the session down. Safe to call on a dead connection.
	Disconnect(ctx context.Context) error

	// HealthCheck verifies the connection is still usable. A nil return
	// means healthy.
	HealthCheck(ctx context.Context) error

	// Accounts lists the accounts reachable through this connection.
	Accounts(ctx context.Context) ([]Account, error)

	// Position returns the open position for symbol, or nil when flat.
	Position(ctx context.Context, accountID, symbol string) (*Position, error)

	// SubmitOrder places an order and returns the broker's acknowledgement.
	SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error)
}

// Factory constructs an unconnected broker from its connection config.
type Factory func(cfg Config) (Broker, error)

// RoutingMode selects how a bot's orders are routed across brokers.
type RoutingMode string

const (
	// RouteExplicit targets one configured broker, falling back through the
	// failover list and finally the registry default.
	RouteExplicit RoutingMode = "explicit"
	// RouteFailover targets the first connected broker of an ordered list.
	RouteFailover RoutingMode = "failover"
	// RouteFanOut targets every currently connected broker.
	RouteFanOut RoutingMode = "fanout"
)

// RoutingPolicy is a bot's broker routing configuration.
type RoutingPolicy struct {
	Mode     RoutingMode `json:"mode"`
	Broker   Type        `json:"broker,omitempty"`
	Failover []Type      `json:"failover,omitempty"`
}
