package strategy

import (
	"fmt"

	"xfactor-bot-go/internal/marketdata"
)

// SignalType grades how strongly a strategy wants to be in or out of a
// symbol.
type SignalType string

const (
	StrongBuy  SignalType = "strong_buy"
	Buy        SignalType = "buy"
	Hold       SignalType = "hold"
	Sell       SignalType = "sell"
	StrongSell SignalType = "strong_sell"
)

// Signal is the outcome of scoring one symbol's price window.
type Signal struct {
	Type       SignalType         `json:"type"`
	Price      float64            `json:"price"`
	Confidence float64            `json:"confidence"` // 0..1
	Reasoning  string             `json:"reasoning"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
}

// IsActionable reports whether the signal asks for a trade at all.
func (s Signal) IsActionable() bool {
	return s.Type != Hold && s.Type != ""
}

// IsBuy reports whether the signal asks to open or add to a position.
func (s Signal) IsBuy() bool { return s.Type == Buy || s.Type == StrongBuy }

// IsSell reports whether the signal asks to reduce or close a position.
func (s Signal) IsSell() bool { return s.Type == Sell || s.Type == StrongSell }

// Strategy scores a symbol's recent price history. Implementations are
// stateless; the same window always produces the same signal.
type Strategy interface {
	// Name returns the unique name of the strategy.
	Name() string

	// Evaluate scores the given price window, newest bar last.
	Evaluate(bars []marketdata.Bar) (Signal, error)
}

// ErrInsufficientHistory is returned when the window is too short to score.
type ErrInsufficientHistory struct {
	Strategy string
	Need     int
	Got      int
}

func (e *ErrInsufficientHistory) Error() string {
	return fmt.Sprintf("%s: need %d bars, got %d", e.Strategy, e.Need, e.Got)
}

// registry of built-in strategy constructors, keyed by name.
var builtins = map[string]func() Strategy{
	"SMACrossover":  func() Strategy { return &SMACrossover{Fast: 10, Slow: 30} },
	"RSIReversion":  func() Strategy { return &RSIReversion{Period: 14, Oversold: 30, Overbought: 70} },
	"MomentumBurst": func() Strategy { return &MomentumBurst{Lookback: 10, Threshold: 0.03} },
}

// New constructs a built-in strategy by name.
func New(name string) (Strategy, error) {
	ctor, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy: %s", name)
	}
	return ctor(), nil
}

// Names lists the built-in strategy names.
func Names() []string {
	out := make([]string, 0, len(builtins))
	for name := range builtins {
		out = append(out, name)
	}
	return out
}
