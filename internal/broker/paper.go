package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PaperBroker is an in-memory simulated broker. Orders fill immediately at
// the submitted market price and positions are tracked per account. It is
// used for paper trading and as a safe default broker type.
type PaperBroker struct {
	name Type

	mu        sync.Mutex
	connected bool
	cash      float64
	positions map[string]*Position // keyed by account|symbol
	accountID string
	// Quotes used to price fills, settable by the host (e.g. from the
	// market data cache). Orders without a quote fill at last trade price 0
	// and are rejected.
	quotes map[string]float64
}

var _ Broker = (*PaperBroker)(nil)

// NewPaperBroker creates a paper broker. Config keys: "starting_cash"
// (default 100000), "account_id" (default "paper-1").
func NewPaperBroker(cfg Config) (*PaperBroker, error) {
	cash := 100000.0
	if v := cfg["starting_cash"]; v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("paper broker: invalid starting_cash: %w", err)
		}
		cash = parsed
	}
	accountID := cfg["account_id"]
	if accountID == "" {
		accountID = "paper-1"
	}

	return &PaperBroker{
		name:      "paper",
		cash:      cash,
		accountID: accountID,
		positions: make(map[string]*Position),
		quotes:    make(map[string]float64),
	}, nil
}

// PaperFactory is a Factory for paper brokers.
func PaperFactory(cfg Config) (Broker, error) {
	return NewPaperBroker(cfg)
}

// Name returns the broker's type tag.
func (p *PaperBroker) Name() Type { return p.name }

// Connect marks the simulated session live.
func (p *PaperBroker) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

// Disconnect marks the simulated session closed.
func (p *PaperBroker) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

// HealthCheck reports whether the simulated session is live.
func (p *PaperBroker) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return fmt.Errorf("paper broker not connected")
	}
	return nil
}

// SetQuote sets the price used to fill subsequent orders in symbol.
func (p *PaperBroker) SetQuote(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[symbol] = price
}

// Accounts returns the single simulated account.
func (p *PaperBroker) Accounts(ctx context.Context) ([]Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, fmt.Errorf("paper broker not connected")
	}

	value := p.cash
	for _, pos := range p.positions {
		value += pos.MarketValue
	}
	return []Account{{
		ID:             p.accountID,
		BuyingPower:    p.cash,
		PortfolioValue: value,
		Currency:       "USD",
	}}, nil
}

// Position returns the simulated position for symbol, or nil when flat.
func (p *PaperBroker) Position(ctx context.Context, accountID, symbol string) (*Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, fmt.Errorf("paper broker not connected")
	}

	pos, ok := p.positions[accountID+"|"+symbol]
	if !ok || pos.Quantity == 0 {
		return nil, nil
	}
	copied := *pos
	return &copied, nil
}

// SubmitOrder fills a market order immediately at the current quote.
func (p *PaperBroker) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, fmt.Errorf("paper broker not connected")
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("paper broker: quantity must be positive")
	}

	price := p.quotes[req.Symbol]
	if price <= 0 {
		return nil, fmt.Errorf("paper broker: no quote for %s", req.Symbol)
	}

	key := req.AccountID + "|" + req.Symbol
	pos := p.positions[key]
	if pos == nil {
		pos = &Position{Symbol: req.Symbol}
		p.positions[key] = pos
	}

	notional := req.Quantity * price
	switch req.Side {
	case OrderSideBuy:
		if notional > p.cash {
			return nil, fmt.Errorf("paper broker: insufficient buying power for %s", req.Symbol)
		}
		total := pos.AvgEntry*pos.Quantity + notional
		pos.Quantity += req.Quantity
		pos.AvgEntry = total / pos.Quantity
		p.cash -= notional
	case OrderSideSell:
		if req.Quantity > pos.Quantity {
			return nil, fmt.Errorf("paper broker: cannot sell %f %s, holding %f",
				req.Quantity, req.Symbol, pos.Quantity)
		}
		pos.Quantity -= req.Quantity
		p.cash += notional
	default:
		return nil, fmt.Errorf("paper broker: unknown side %q", req.Side)
	}
	pos.MarketValue = pos.Quantity * price

	return &Order{
		ID:        uuid.NewString(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  req.Quantity,
		FillPrice: price,
		Status:    "filled",
		Submitted: time.Now(),
	}, nil
}
