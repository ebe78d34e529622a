package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"xfactor-bot-go/internal/activity"
	"xfactor-bot-go/internal/broker"
	"xfactor-bot-go/internal/marketdata"
	"xfactor-bot-go/internal/strategy"
)

// TradeRecorder receives every executed trade for persistence. The engine
// only depends on this shape; the sqlite implementation lives outside the
// core.
type TradeRecorder interface {
	RecordTrade(botID string, rec TradeRecord) error
}

// Bot is one trading worker. It owns its configuration, status and stats
// exclusively; the scheduler and manager drive it only through Start, Stop,
// Pause and Resume.
type Bot struct {
	ID string

	registry *broker.Registry
	data     *marketdata.Cache
	strategy strategy.Strategy
	activity *activity.Log
	recorder TradeRecorder
	logger   *zap.Logger

	stopTimeout time.Duration
	historySize int

	mu        sync.Mutex
	cfg       Config
	status    Status
	stats     Stats
	paused    bool
	stopCh    chan struct{}
	done      chan struct{}
	startedAt time.Time
	// openSymbols tracks the symbols this bot has bought and not yet sold,
	// used for the max-positions limit.
	openSymbols map[string]struct{}
}

// New creates a bot in StatusCreated. The strategy is the bot's composite
// scoring collaborator.
func New(id string, cfg Config, strat strategy.Strategy, registry *broker.Registry,
	data *marketdata.Cache, log *activity.Log, recorder TradeRecorder,
	defaults Defaults, logger *zap.Logger) *Bot {

	b := &Bot{
		ID:          id,
		registry:    registry,
		data:        data,
		strategy:    strat,
		activity:    log,
		recorder:    recorder,
		logger:      logger.Named("bot").With(zap.String("bot_id", id)),
		stopTimeout: defaults.StopTimeout,
		historySize: defaults.TradeHistorySize,
		cfg:         cfg,
		status:      StatusCreated,
		openSymbols: make(map[string]struct{}),
	}
	b.logActivity("created", fmt.Sprintf("bot created with %d symbols", len(cfg.Symbols)), nil)
	return b
}

// Status returns the current lifecycle state.
func (b *Bot) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Config returns a copy of the bot's configuration.
func (b *Bot) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// Stats returns a snapshot of the bot's counters.
func (b *Bot) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.TradeHistory = make([]TradeRecord, len(b.stats.TradeHistory))
	copy(s.TradeHistory, b.stats.TradeHistory)
	if !b.startedAt.IsZero() && (b.status == StatusRunning || b.status == StatusPaused) {
		s.UptimeSeconds = time.Since(b.startedAt).Seconds()
	}
	return s
}

// Start spawns the worker loop. It is legal only from Created, Stopped or
// Error and never blocks on the loop itself.
func (b *Bot) Start() error {
	b.mu.Lock()
	if !b.status.startable() {
		status := b.status
		b.mu.Unlock()
		return fmt.Errorf("bot %s: cannot start from status %q", b.ID, status)
	}
	b.status = StatusStarting
	b.paused = false
	prev := b.done
	b.stopCh = make(chan struct{})
	b.done = make(chan struct{})
	b.startedAt = time.Now()
	stop, done := b.stopCh, b.done
	b.mu.Unlock()

	go func() {
		if prev != nil {
			// A worker that outlived its stop join may still be mid-cycle.
			// Cycles of one bot are strictly sequential, so drain it first.
			<-prev
		}
		b.run(stop, done)
	}()

	b.logger.Info("Bot starting")
	return nil
}

// Stop signals the worker, unblocks a paused loop, and waits up to the
// bounded join timeout. The bot ends in StatusStopped either way.
func (b *Bot) Stop() error {
	b.mu.Lock()
	if b.status != StatusRunning && b.status != StatusPaused {
		status := b.status
		b.mu.Unlock()
		return fmt.Errorf("bot %s: cannot stop from status %q", b.ID, status)
	}
	b.status = StatusStopping
	b.paused = false
	stop, done := b.stopCh, b.done
	b.mu.Unlock()

	close(stop)

	select {
	case <-done:
	case <-time.After(b.stopTimeout):
		b.logger.Warn("Worker did not exit within join timeout",
			zap.Duration("timeout", b.stopTimeout))
	}

	b.mu.Lock()
	b.status = StatusStopped
	b.mu.Unlock()

	b.logActivity("stopped", "bot stopped", nil)
	b.logger.Info("Bot stopped")
	return nil
}

// Pause suspends trading after the in-flight cycle finishes. Legal only
// from Running.
func (b *Bot) Pause() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusRunning {
		return fmt.Errorf("bot %s: cannot pause from status %q", b.ID, b.status)
	}
	b.paused = true
	b.status = StatusPaused
	b.logger.Info("Bot paused")
	return nil
}

// Resume continues a paused bot. Legal only from Paused.
func (b *Bot) Resume() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusPaused {
		return fmt.Errorf("bot %s: cannot resume from status %q", b.ID, b.status)
	}
	b.paused = false
	b.status = StatusRunning
	b.logger.Info("Bot resumed")
	return nil
}

// run is the worker loop. A fault escaping a single cycle is swallowed and
// counted; a fault escaping the loop itself marks the bot StatusError.
func (b *Bot) run(stop <-chan struct{}, done chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.status = StatusError
			b.stats.ErrorsCount++
			b.mu.Unlock()
			b.logger.Error("Worker crashed", zap.Any("panic", r))
			b.logActivity("error", fmt.Sprintf("worker crashed: %v", r), nil)
		}
		close(done)
	}()

	b.mu.Lock()
	b.status = StatusRunning
	interval := b.cfg.CycleInterval
	b.mu.Unlock()

	b.logActivity("started", "bot started trading", nil)

	for {
		select {
		case <-stop:
			return
		default:
		}

		if b.isPaused() {
			select {
			case <-stop:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		b.safeCycle(stop)

		select {
		case <-stop:
			return
		case <-time.After(interval):
		}
	}
}

// safeCycle runs one cycle and absorbs anything it throws. One bad symbol
// or broker must never take the worker down.
func (b *Bot) safeCycle(stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.stats.ErrorsCount++
			b.mu.Unlock()
			b.logger.Error("Cycle panicked", zap.Any("panic", r))
			b.logActivity("cycle_error", fmt.Sprintf("cycle panicked: %v", r), nil)
		}
	}()

	b.cycle(context.Background(), stop)
}

// cycle is one pass: resolve brokers, then per broker fetch the account and
// trade each configured symbol. The stop channel is the one this worker was
// started with; a superseded worker must obey its own signal.
func (b *Bot) cycle(ctx context.Context, stop <-chan struct{}) {
	b.mu.Lock()
	cfg := b.cfg
	b.stats.CyclesCompleted++
	now := time.Now()
	b.stats.LastCycleTime = &now
	cycleNum := b.stats.CyclesCompleted
	b.mu.Unlock()

	b.logActivity("cycle_start", fmt.Sprintf("starting cycle #%d", cycleNum), map[string]any{
		"symbols": len(cfg.Symbols),
		"routing": string(cfg.Routing.Mode),
	})

	brokers := b.registry.BrokersFor(cfg.Routing)
	if len(brokers) == 0 {
		b.logActivity("no_broker", "no broker available, skipping cycle", nil)
		return
	}

	for _, br := range brokers {
		if stopRequested(stop) {
			return
		}
		b.tradeOnBroker(ctx, stop, cfg, br)
	}
}

func (b *Bot) tradeOnBroker(ctx context.Context, stop <-chan struct{}, cfg Config, br broker.Broker) {
	name := string(br.Name())

	callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	accounts, err := br.Accounts(callCtx)
	cancel()
	if err != nil {
		b.countError()
		b.logActivity("account_error", fmt.Sprintf("failed to get accounts from %s: %v", name, err), nil)
		return
	}
	if len(accounts) == 0 {
		b.logActivity("no_accounts", fmt.Sprintf("no accounts returned from %s", name), nil)
		return
	}
	account := accounts[0]

	for _, symbol := range cfg.Symbols {
		if stopRequested(stop) {
			return
		}
		b.tradeSymbol(ctx, cfg, br, account, symbol)
	}
}

// tradeSymbol is the per-symbol unit of work. Every failure is recorded
// here and never re-thrown: other symbols, brokers and bots keep going.
func (b *Bot) tradeSymbol(ctx context.Context, cfg Config, br broker.Broker, account broker.Account, symbol string) {
	name := string(br.Name())
	b.mu.Lock()
	b.stats.SymbolsAnalyzed++
	b.mu.Unlock()

	dataCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	bars, err := b.data.Get(dataCtx, symbol)
	cancel()
	if err != nil {
		b.countError()
		b.logActivity("data_error", fmt.Sprintf("%s: market data unavailable: %v", symbol, err),
			map[string]any{"symbol": symbol})
		return
	}
	if len(bars) == 0 {
		b.logActivity("no_data", fmt.Sprintf("%s: no market data this cycle", symbol),
			map[string]any{"symbol": symbol})
		return
	}

	sig, err := b.strategy.Evaluate(bars)
	if err != nil || !sig.IsActionable() {
		// A failed evaluation and a hold are the same thing: no order.
		b.logActivity("no_signal", fmt.Sprintf("%s: no actionable signal", symbol),
			map[string]any{"symbol": symbol})
		return
	}

	b.mu.Lock()
	b.stats.SignalsGenerated++
	b.mu.Unlock()
	b.logActivity("signal", fmt.Sprintf("%s: %s @ %.2f (confidence %.0f%%)",
		symbol, sig.Type, sig.Price, sig.Confidence*100), map[string]any{
		"symbol":     symbol,
		"type":       string(sig.Type),
		"confidence": sig.Confidence,
		"reasoning":  sig.Reasoning,
		"broker":     name,
	})

	posCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	pos, err := br.Position(posCtx, account.ID, symbol)
	cancel()
	currentQty := 0.0
	if err != nil {
		// Treat an unreadable position as flat rather than aborting the
		// symbol; the order itself is still bounded by risk limits.
		b.logActivity("position_error", fmt.Sprintf("%s: could not read position: %v", symbol, err),
			map[string]any{"symbol": symbol})
	} else if pos != nil {
		currentQty = pos.Quantity
	}

	switch {
	case sig.IsBuy() && currentQty <= 0:
		b.submitBuy(ctx, cfg, br, account, symbol, sig)
	case sig.IsSell() && currentQty > 0:
		b.submitSell(ctx, cfg, br, account, symbol, currentQty, sig, pos)
	default:
		b.logActivity("skip_trade", fmt.Sprintf("%s: signal %s does not change position (qty %.4f)",
			symbol, sig.Type, currentQty), map[string]any{"symbol": symbol})
	}
}

func (b *Bot) submitBuy(ctx context.Context, cfg Config, br broker.Broker, account broker.Account,
	symbol string, sig strategy.Signal) {

	b.mu.Lock()
	openCount := len(b.openSymbols)
	dailyPnL := b.stats.DailyPnL
	b.mu.Unlock()

	if openCount >= cfg.MaxPositions {
		b.logActivity("risk_limit", fmt.Sprintf("%s: max positions reached (%d)", symbol, cfg.MaxPositions),
			map[string]any{"symbol": symbol})
		return
	}
	if account.PortfolioValue > 0 && dailyPnL < -(cfg.MaxDailyLossPct/100)*account.PortfolioValue {
		b.logActivity("risk_limit", fmt.Sprintf("%s: daily loss limit hit (%.2f)", symbol, dailyPnL),
			map[string]any{"symbol": symbol})
		return
	}

	notional := account.BuyingPower * cfg.MaxPositionPct / 100
	if cfg.MaxPositionSize > 0 && notional > cfg.MaxPositionSize {
		notional = cfg.MaxPositionSize
	}
	if sig.Price <= 0 || notional <= 0 {
		b.logActivity("skip_order", fmt.Sprintf("%s: cannot size order (price %.2f)", symbol, sig.Price),
			map[string]any{"symbol": symbol})
		return
	}
	quantity := notional / sig.Price

	order := b.submit(ctx, cfg, br, broker.OrderRequest{
		AccountID: account.ID,
		Symbol:    symbol,
		Side:      broker.OrderSideBuy,
		Quantity:  quantity,
		Type:      broker.OrderTypeMarket,
	}, sig)

	if order != nil {
		b.mu.Lock()
		b.openSymbols[symbol] = struct{}{}
		b.mu.Unlock()
	}
}

func (b *Bot) submitSell(ctx context.Context, cfg Config, br broker.Broker, account broker.Account,
	symbol string, quantity float64, sig strategy.Signal, pos *broker.Position) {

	order := b.submit(ctx, cfg, br, broker.OrderRequest{
		AccountID: account.ID,
		Symbol:    symbol,
		Side:      broker.OrderSideSell,
		Quantity:  quantity,
		Type:      broker.OrderTypeMarket,
	}, sig)

	if order != nil {
		b.mu.Lock()
		delete(b.openSymbols, symbol)
		if pos != nil && order.FillPrice > 0 {
			b.stats.DailyPnL += (order.FillPrice - pos.AvgEntry) * quantity
		}
		b.mu.Unlock()
	}
}

// submit places one order with a bounded timeout and records the outcome.
// At most one submission per symbol per cycle; a possibly-submitted order
// is never retried.
func (b *Bot) submit(ctx context.Context, cfg Config, br broker.Broker,
	req broker.OrderRequest, sig strategy.Signal) *broker.Order {

	name := string(br.Name())

	b.mu.Lock()
	b.stats.OrdersSubmitted++
	b.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	order, err := br.SubmitOrder(callCtx, req)
	cancel()

	if err != nil {
		b.mu.Lock()
		b.stats.OrdersRejected++
		b.stats.ErrorsCount++
		b.mu.Unlock()
		b.logActivity("order_rejected", fmt.Sprintf("%s %s %.4f on %s failed: %v",
			req.Side, req.Symbol, req.Quantity, name, err), map[string]any{
			"symbol": req.Symbol,
			"side":   req.Side,
			"broker": name,
		})
		return nil
	}

	price := order.FillPrice
	if price <= 0 {
		price = sig.Price
	}
	rec := TradeRecord{
		Time:       time.Now(),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Price:      price,
		OrderID:    order.ID,
		Broker:     name,
		Reasoning:  sig.Reasoning,
		Confidence: sig.Confidence,
	}

	b.mu.Lock()
	b.stats.OrdersFilled++
	now := time.Now()
	b.stats.LastTradeTime = &now
	b.stats.TradeHistory = append(b.stats.TradeHistory, rec)
	if len(b.stats.TradeHistory) > b.historySize {
		b.stats.TradeHistory = b.stats.TradeHistory[len(b.stats.TradeHistory)-b.historySize:]
	}
	b.mu.Unlock()

	if b.recorder != nil {
		if err := b.recorder.RecordTrade(b.ID, rec); err != nil {
			b.logger.Warn("Failed to persist trade record", zap.Error(err))
		}
	}

	b.logActivity("order_filled", fmt.Sprintf("%s %.4f %s @ %.2f on %s",
		req.Side, req.Quantity, req.Symbol, price, name), map[string]any{
		"symbol":   req.Symbol,
		"side":     req.Side,
		"order_id": order.ID,
		"broker":   name,
	})
	return order
}

func (b *Bot) isPaused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

func stopRequested(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func (b *Bot) countError() {
	b.mu.Lock()
	b.stats.ErrorsCount++
	b.mu.Unlock()
}

func (b *Bot) logActivity(event, message string, fields map[string]any) {
	b.mu.Lock()
	name := b.cfg.Name
	b.mu.Unlock()
	b.activity.Append(activity.Entry{
		BotID:   b.ID,
		BotName: name,
		Event:   event,
		Message: message,
		Fields:  fields,
	})
}
