package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"xfactor-bot-go/internal/config"
	"xfactor-bot-go/internal/httpretry"
)

// HTTPProvider fetches daily bars from an HTTP market data API. Requests
// are rate limited and transient failures are retried with exponential
// backoff before the error is surfaced to the cache.
type HTTPProvider struct {
	client *resty.Client
	logger *zap.Logger
	exec   *httpretry.Executor
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider creates a market data provider for the configured API.
func NewHTTPProvider(cfg *config.Market, logger *zap.Logger) *HTTPProvider {
	client := resty.New().SetBaseURL(cfg.BaseURL)
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)
	log := logger.Named("provider")

	return &HTTPProvider{
		client: client,
		logger: log,
		exec:   httpretry.New(limiter, log),
	}
}

// barPayload is one bar as returned by the upstream API.
type barPayload struct {
	Timestamp int64  `json:"t"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
}

type historyResponse struct {
	Symbol string       `json:"symbol"`
	Bars   []barPayload `json:"bars"`
}

// History fetches recent daily bars for a symbol.
func (p *HTTPProvider) History(ctx context.Context, symbol string) ([]Bar, error) {
	var result historyResponse

	req := p.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("interval", "1d").
		SetResult(&result).
		SetHeader("Content-Type", "application/json")

	resp, err := p.exec.Do(ctx, http.MethodGet, "/bars", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get bars for %s: %w", symbol, err)
	}

	payload := resp.Result().(*historyResponse)
	bars := make([]Bar, 0, len(payload.Bars))
	for _, b := range payload.Bars {
		bar, err := b.toBar()
		if err != nil {
			p.logger.Warn("Skipping malformed bar",
				zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		bars = append(bars, bar)
	}

	return bars, nil
}

func (b barPayload) toBar() (Bar, error) {
	open, err1 := strconv.ParseFloat(b.Open, 64)
	high, err2 := strconv.ParseFloat(b.High, 64)
	low, err3 := strconv.ParseFloat(b.Low, 64)
	closePx, err4 := strconv.ParseFloat(b.Close, 64)
	volume, err5 := strconv.ParseFloat(b.Volume, 64)
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			return Bar{}, fmt.Errorf("parse bar fields: %w", err)
		}
	}
	return Bar{
		Time:   time.Unix(b.Timestamp, 0).UTC(),
		Open:   open,
		High:   high,
		Low:    low,
		Close:  closePx,
		Volume: volume,
	}, nil
}
