package strategy

import (
	"errors"
	"fmt"
	"strings"

	"xfactor-bot-go/internal/marketdata"
)

// signal type scores used when blending weighted strategy votes.
var typeScores = map[SignalType]float64{
	StrongBuy:  2,
	Buy:        1,
	Hold:       0,
	Sell:       -1,
	StrongSell: -2,
}

// Composite blends the signals of several weighted strategies into one.
// A member that fails to evaluate (e.g. too little history) simply does not
// vote; the composite only errors when no member voted at all.
type Composite struct {
	members []member
}

type member struct {
	strategy Strategy
	weight   float64
}

// NewComposite builds a composite from built-in strategy names and their
// weights. Unknown names are rejected.
func NewComposite(weights map[string]float64) (*Composite, error) {
	if len(weights) == 0 {
		return nil, errors.New("composite: no strategies configured")
	}
	c := &Composite{}
	for name, weight := range weights {
		s, err := New(name)
		if err != nil {
			return nil, fmt.Errorf("composite: %w", err)
		}
		if weight <= 0 {
			weight = 1
		}
		c.members = append(c.members, member{strategy: s, weight: weight})
	}
	return c, nil
}

func (c *Composite) Name() string {
	names := make([]string, len(c.members))
	for i, m := range c.members {
		names[i] = m.strategy.Name()
	}
	return "Composite(" + strings.Join(names, ",") + ")"
}

func (c *Composite) Evaluate(bars []marketdata.Bar) (Signal, error) {
	var (
		score      float64
		weightSum  float64
		confidence float64
		price      float64
		reasons    []string
		indicators = map[string]float64{}
		voted      int
	)

	for _, m := range c.members {
		sig, err := m.strategy.Evaluate(bars)
		if err != nil {
			continue
		}
		voted++
		score += typeScores[sig.Type] * m.weight
		weightSum += m.weight
		confidence += sig.Confidence * m.weight
		if sig.Price > 0 {
			price = sig.Price
		}
		if sig.IsActionable() {
			reasons = append(reasons, fmt.Sprintf("%s: %s", m.strategy.Name(), sig.Reasoning))
		}
		for k, v := range sig.Indicators {
			indicators[k] = v
		}
	}

	if voted == 0 {
		return Signal{Type: Hold}, errors.New("composite: no strategy could evaluate")
	}

	normalized := score / weightSum
	out := Signal{
		Price:      price,
		Confidence: clamp(confidence/weightSum, 0, 1),
		Reasoning:  strings.Join(reasons, "; "),
		Indicators: indicators,
	}

	switch {
	case normalized >= 1.2:
		out.Type = StrongBuy
	case normalized >= 0.5:
		out.Type = Buy
	case normalized <= -1.2:
		out.Type = StrongSell
	case normalized <= -0.5:
		out.Type = Sell
	default:
		out.Type = Hold
	}
	return out, nil
}
