package strategy

import (
	"fmt"

	"xfactor-bot-go/internal/marketdata"
)

// SMACrossover signals on the fast simple moving average crossing the slow
// one: fast above slow leans buy, fast below slow leans sell, with the
// spread between them driving confidence.
type SMACrossover struct {
	Fast int
	Slow int
}

func (s *SMACrossover) Name() string { return "SMACrossover" }

func (s *SMACrossover) Evaluate(bars []marketdata.Bar) (Signal, error) {
	if len(bars) < s.Slow+1 {
		return Signal{Type: Hold}, &ErrInsufficientHistory{Strategy: s.Name(), Need: s.Slow + 1, Got: len(bars)}
	}

	closes := closePrices(bars)
	last := closes[len(closes)-1]
	fastNow := sma(closes, s.Fast)
	slowNow := sma(closes, s.Slow)
	fastPrev := sma(closes[:len(closes)-1], s.Fast)
	slowPrev := sma(closes[:len(closes)-1], s.Slow)

	spread := (fastNow - slowNow) / slowNow
	indicators := map[string]float64{
		"sma_fast": fastNow,
		"sma_slow": slowNow,
		"spread":   spread,
	}

	crossedUp := fastPrev <= slowPrev && fastNow > slowNow
	crossedDown := fastPrev >= slowPrev && fastNow < slowNow

	switch {
	case crossedUp:
		return Signal{
			Type:       StrongBuy,
			Price:      last,
			Confidence: clamp(0.6+spread*10, 0, 1),
			Reasoning:  fmt.Sprintf("SMA%d crossed above SMA%d", s.Fast, s.Slow),
			Indicators: indicators,
		}, nil
	case crossedDown:
		return Signal{
			Type:       StrongSell,
			Price:      last,
			Confidence: clamp(0.6-spread*10, 0, 1),
			Reasoning:  fmt.Sprintf("SMA%d crossed below SMA%d", s.Fast, s.Slow),
			Indicators: indicators,
		}, nil
	case spread > 0.01:
		return Signal{
			Type:       Buy,
			Price:      last,
			Confidence: clamp(spread*20, 0, 0.8),
			Reasoning:  "fast SMA trending above slow SMA",
			Indicators: indicators,
		}, nil
	case spread < -0.01:
		return Signal{
			Type:       Sell,
			Price:      last,
			Confidence: clamp(-spread*20, 0, 0.8),
			Reasoning:  "fast SMA trending below slow SMA",
			Indicators: indicators,
		}, nil
	}

	return Signal{Type: Hold, Price: last, Indicators: indicators}, nil
}

// RSIReversion signals mean reversion off RSI extremes.
type RSIReversion struct {
	Period     int
	Oversold   float64
	Overbought float64
}

func (s *RSIReversion) Name() string { return "RSIReversion" }

func (s *RSIReversion) Evaluate(bars []marketdata.Bar) (Signal, error) {
	if len(bars) < s.Period+1 {
		return Signal{Type: Hold}, &ErrInsufficientHistory{Strategy: s.Name(), Need: s.Period + 1, Got: len(bars)}
	}

	closes := closePrices(bars)
	last := closes[len(closes)-1]
	value := rsi(closes, s.Period)
	indicators := map[string]float64{"rsi": value}

	switch {
	case value <= s.Oversold*0.66:
		return Signal{
			Type:       StrongBuy,
			Price:      last,
			Confidence: clamp((s.Oversold-value)/s.Oversold, 0, 1),
			Reasoning:  fmt.Sprintf("RSI %.1f deeply oversold", value),
			Indicators: indicators,
		}, nil
	case value <= s.Oversold:
		return Signal{
			Type:       Buy,
			Price:      last,
			Confidence: clamp((s.Oversold-value)/s.Oversold+0.3, 0, 0.9),
			Reasoning:  fmt.Sprintf("RSI %.1f oversold", value),
			Indicators: indicators,
		}, nil
	case value >= s.Overbought+((100-s.Overbought)/2):
		return Signal{
			Type:       StrongSell,
			Price:      last,
			Confidence: clamp((value-s.Overbought)/(100-s.Overbought), 0, 1),
			Reasoning:  fmt.Sprintf("RSI %.1f deeply overbought", value),
			Indicators: indicators,
		}, nil
	case value >= s.Overbought:
		return Signal{
			Type:       Sell,
			Price:      last,
			Confidence: clamp((value-s.Overbought)/(100-s.Overbought)+0.3, 0, 0.9),
			Reasoning:  fmt.Sprintf("RSI %.1f overbought", value),
			Indicators: indicators,
		}, nil
	}

	return Signal{Type: Hold, Price: last, Indicators: indicators}, nil
}

// MomentumBurst signals on the magnitude of the move over a short lookback.
type MomentumBurst struct {
	Lookback  int
	Threshold float64 // fractional move, e.g. 0.03 for 3%
}

func (s *MomentumBurst) Name() string { return "MomentumBurst" }

func (s *MomentumBurst) Evaluate(bars []marketdata.Bar) (Signal, error) {
	if len(bars) < s.Lookback+1 {
		return Signal{Type: Hold}, &ErrInsufficientHistory{Strategy: s.Name(), Need: s.Lookback + 1, Got: len(bars)}
	}

	closes := closePrices(bars)
	last := closes[len(closes)-1]
	ref := closes[len(closes)-1-s.Lookback]
	if ref == 0 {
		return Signal{Type: Hold, Price: last}, nil
	}
	change := (last - ref) / ref
	indicators := map[string]float64{"momentum": change}

	switch {
	case change >= 2*s.Threshold:
		return Signal{
			Type:       StrongBuy,
			Price:      last,
			Confidence: clamp(change/(4*s.Threshold), 0, 1),
			Reasoning:  fmt.Sprintf("up %.1f%% over %d bars", change*100, s.Lookback),
			Indicators: indicators,
		}, nil
	case change >= s.Threshold:
		return Signal{
			Type:       Buy,
			Price:      last,
			Confidence: clamp(change/(2*s.Threshold), 0, 0.8),
			Reasoning:  fmt.Sprintf("up %.1f%% over %d bars", change*100, s.Lookback),
			Indicators: indicators,
		}, nil
	case change <= -2*s.Threshold:
		return Signal{
			Type:       StrongSell,
			Price:      last,
			Confidence: clamp(-change/(4*s.Threshold), 0, 1),
			Reasoning:  fmt.Sprintf("down %.1f%% over %d bars", -change*100, s.Lookback),
			Indicators: indicators,
		}, nil
	case change <= -s.Threshold:
		return Signal{
			Type:       Sell,
			Price:      last,
			Confidence: clamp(-change/(2*s.Threshold), 0, 0.8),
			Reasoning:  fmt.Sprintf("down %.1f%% over %d bars", -change*100, s.Lookback),
			Indicators: indicators,
		}, nil
	}

	return Signal{Type: Hold, Price: last, Indicators: indicators}, nil
}

func closePrices(bars []marketdata.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// sma is the simple moving average of the trailing n values.
func sma(values []float64, n int) float64 {
	if n <= 0 || len(values) < n {
		return 0
	}
	sum := 0.0
	for _, v := range values[len(values)-n:] {
		sum += v
	}
	return sum / float64(n)
}

// rsi is Wilder's relative strength index over the trailing period.
func rsi(values []float64, period int) float64 {
	if len(values) < period+1 {
		return 50
	}
	window := values[len(values)-period-1:]
	var gains, losses float64
	for i := 1; i < len(window); i++ {
		diff := window[i] - window[i-1]
		if diff > 0 {
			gains += diff
		} else {
			losses -= diff
		}
	}
	if losses == 0 {
		return 100
	}
	rs := gains / losses
	return 100 - (100 / (1 + rs))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
