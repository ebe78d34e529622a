package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"xfactor-bot-go/internal/httpretry"
)

const restRecvWindow = "5000" // request validity window in milliseconds

// RESTBroker is a generic adapter for HTTP brokerage APIs that authenticate
// with an API key header plus an HMAC-SHA256 request signature. The concrete
// endpoint layout (accounts, positions, orders) follows the common REST
// brokerage shape; base_url, api_key and secret_key come from the
// connection config.
type RESTBroker struct {
	name      Type
	client    *resty.Client
	apiKey    string
	secretKey string
	logger    *zap.Logger
	exec      *httpretry.Executor
}

var _ Broker = (*RESTBroker)(nil)

// NewRESTBroker constructs an unconnected REST broker adapter.
func NewRESTBroker(name Type, cfg Config, logger *zap.Logger) (*RESTBroker, error) {
	baseURL := cfg["base_url"]
	if baseURL == "" {
		return nil, fmt.Errorf("rest broker %s: base_url is required", name)
	}

	rps := 10.0
	if v := cfg["rate_limit"]; v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("rest broker %s: invalid rate_limit: %w", name, err)
		}
		rps = parsed
	}

	log := logger.Named(string(name))
	limiter := rate.NewLimiter(rate.Limit(rps), 5)
	return &RESTBroker{
		name:      name,
		client:    resty.New().SetBaseURL(baseURL),
		apiKey:    cfg["api_key"],
		secretKey: cfg["secret_key"],
		logger:    log,
		// A flat position comes back as 404; the executor passes it through.
		exec: httpretry.New(limiter, log).WithPassNotFound(),
	}, nil
}

// RESTFactory returns a Factory producing REST adapters for the given type.
func RESTFactory(name Type, logger *zap.Logger) Factory {
	return func(cfg Config) (Broker, error) {
		return NewRESTBroker(name, cfg, logger)
	}
}

// Name returns the broker's type tag.
func (b *RESTBroker) Name() Type { return b.name }

// sign creates a HMAC-SHA256 signature for the request.
func (b *RESTBroker) sign(data string) string {
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// Connect verifies credentials and reachability with a ping round-trip.
func (b *RESTBroker) Connect(ctx context.Context) error {
	return b.HealthCheck(ctx)
}

// Disconnect releases the HTTP session. REST sessions are stateless, so
// this only closes idle connections.
func (b *RESTBroker) Disconnect(ctx context.Context) error {
	b.client.GetClient().CloseIdleConnections()
	return nil
}

type pingResponse struct {
	ServerTime int64 `json:"serverTime"`
}

// HealthCheck performs a lightweight ping against the broker API.
func (b *RESTBroker) HealthCheck(ctx context.Context) error {
	req := b.client.R().
		SetContext(ctx).
		SetResult(&pingResponse{})

	if _, err := b.exec.Do(ctx, http.MethodGet, "/v1/ping", req); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

type accountPayload struct {
	ID             string `json:"id"`
	BuyingPower    string `json:"buying_power"`
	PortfolioValue string `json:"portfolio_value"`
	Currency       string `json:"currency"`
}

// Accounts lists the accounts reachable with the configured credentials.
func (b *RESTBroker) Accounts(ctx context.Context) ([]Account, error) {
	var payload []accountPayload

	req := b.authorized().
		SetContext(ctx).
		SetResult(&payload)

	resp, err := b.exec.Do(ctx, http.MethodGet, "/v1/accounts", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}

	result := resp.Result().(*[]accountPayload)
	accounts := make([]Account, 0, len(*result))
	for _, a := range *result {
		bp, _ := strconv.ParseFloat(a.BuyingPower, 64)
		pv, _ := strconv.ParseFloat(a.PortfolioValue, 64)
		accounts = append(accounts, Account{
			ID:             a.ID,
			BuyingPower:    bp,
			PortfolioValue: pv,
			Currency:       a.Currency,
		})
	}
	return accounts, nil
}

type positionPayload struct {
	Symbol       string `json:"symbol"`
	Quantity     string `json:"qty"`
	AvgEntry     string `json:"avg_entry_price"`
	MarketValue  string `json:"market_value"`
	UnrealizedPL string `json:"unrealized_pl"`
}

// Position returns the open position for symbol, or nil when the account
// is flat in it.
func (b *RESTBroker) Position(ctx context.Context, accountID, symbol string) (*Position, error) {
	var payload positionPayload

	req := b.authorized().
		SetContext(ctx).
		SetResult(&payload)

	url := fmt.Sprintf("/v1/accounts/%s/positions/%s", accountID, symbol)
	resp, err := b.exec.Do(ctx, http.MethodGet, url, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get position %s: %w", symbol, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}

	result := resp.Result().(*positionPayload)
	if result.Symbol == "" {
		return nil, nil // flat
	}
	qty, _ := strconv.ParseFloat(result.Quantity, 64)
	entry, _ := strconv.ParseFloat(result.AvgEntry, 64)
	mv, _ := strconv.ParseFloat(result.MarketValue, 64)
	pl, _ := strconv.ParseFloat(result.UnrealizedPL, 64)

	return &Position{
		Symbol:       result.Symbol,
		Quantity:     qty,
		AvgEntry:     entry,
		MarketValue:  mv,
		UnrealizedPL: pl,
	}, nil
}

type orderPayload struct {
	ID        string `json:"id"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Quantity  string `json:"qty"`
	FillPrice string `json:"filled_avg_price"`
	Status    string `json:"status"`
}

// SubmitOrder places an order. The request body is signed so the broker can
// verify it was not tampered with in flight.
func (b *RESTBroker) SubmitOrder(ctx context.Context, reqBody OrderRequest) (*Order, error) {
	var payload orderPayload

	body := map[string]string{
		"account_id":  reqBody.AccountID,
		"symbol":      reqBody.Symbol,
		"side":        reqBody.Side,
		"qty":         strconv.FormatFloat(reqBody.Quantity, 'f', -1, 64),
		"type":        reqBody.Type,
		"timestamp":   strconv.FormatInt(time.Now().UnixMilli(), 10),
		"recv_window": restRecvWindow,
	}
	signature := b.sign(body["account_id"] + body["symbol"] + body["side"] + body["qty"] + body["timestamp"])

	req := b.authorized().
		SetContext(ctx).
		SetHeader("X-SIGNATURE", signature).
		SetBody(body).
		SetResult(&payload)

	resp, err := b.exec.Do(ctx, http.MethodPost, "/v1/orders", req)
	if err != nil {
		b.logger.Error("Failed to submit order",
			zap.Error(err),
			zap.String("symbol", reqBody.Symbol),
		)
		return nil, fmt.Errorf("failed to submit order: %w", err)
	}

	result := resp.Result().(*orderPayload)
	qty, _ := strconv.ParseFloat(result.Quantity, 64)
	fill, _ := strconv.ParseFloat(result.FillPrice, 64)

	return &Order{
		ID:        result.ID,
		Symbol:    result.Symbol,
		Side:      result.Side,
		Quantity:  qty,
		FillPrice: fill,
		Status:    result.Status,
		Submitted: time.Now(),
	}, nil
}

func (b *RESTBroker) authorized() *resty.Request {
	return b.client.R().
		SetHeader("X-API-KEY", b.apiKey).
		SetHeader("Content-Type", "application/json")
}
