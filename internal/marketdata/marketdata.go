package marketdata

import (
	"context"
	"time"
)

// Bar is one OHLCV bar of a symbol's price history.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Provider fetches recent price history for a symbol from an upstream
// source. Implementations are expected to be slow and rate limited; callers
// go through the Cache instead of calling a Provider directly.
type Provider interface {
	History(ctx context.Context, symbol string) ([]Bar, error)
}
