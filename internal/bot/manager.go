package bot

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"xfactor-bot-go/internal/activity"
	"xfactor-bot-go/internal/broker"
	"xfactor-bot-go/internal/config"
	"xfactor-bot-go/internal/marketdata"
	"xfactor-bot-go/internal/scheduler"
	"xfactor-bot-go/internal/strategy"
)

// Summary is the list view of a bot.
type Summary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Symbols int    `json:"symbols"`
	Trades  int    `json:"trades"`
	Errors  int64  `json:"errors"`
}

// Manager owns the set of bots. It enforces the bot limit and unique names,
// and is the delivery target for schedule triggers.
type Manager struct {
	registry *broker.Registry
	data     *marketdata.Cache
	activity *activity.Log
	recorder TradeRecorder
	logger   *zap.Logger
	defaults Defaults
	maxBots  int

	mu   sync.Mutex
	bots map[string]*Bot
}

// NewManager creates an empty manager.
func NewManager(cfg *config.Bots, registry *broker.Registry, data *marketdata.Cache,
	log *activity.Log, recorder TradeRecorder, logger *zap.Logger) *Manager {

	return &Manager{
		registry: registry,
		data:     data,
		activity: log,
		recorder: recorder,
		logger:   logger.Named("manager"),
		defaults: DefaultsFromConfig(cfg),
		maxBots:  cfg.MaxBots,
		bots:     make(map[string]*Bot),
	}
}

// Create validates the configuration, builds the composite strategy and
// registers a new bot in StatusCreated. The returned bot is not started.
func (m *Manager) Create(cfg Config) (*Bot, error) {
	cfg = cfg.withDefaults(m.defaults)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	strat, err := strategy.NewComposite(cfg.StrategyWeights)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.bots) >= m.maxBots {
		return nil, fmt.Errorf("bot limit reached (%d)", m.maxBots)
	}
	for _, b := range m.bots {
		if strings.EqualFold(b.Config().Name, cfg.Name) {
			return nil, fmt.Errorf("bot named %q already exists", cfg.Name)
		}
	}

	id := strings.Split(uuid.NewString(), "-")[0]
	b := New(id, cfg, strat, m.registry, m.data, m.activity, m.recorder, m.defaults, m.logger)
	m.bots[id] = b

	m.logger.Info("Bot created",
		zap.String("bot_id", id),
		zap.String("name", cfg.Name),
		zap.Int("symbols", len(cfg.Symbols)))
	return b, nil
}

// Get returns a bot by ID.
func (m *Manager) Get(id string) (*Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return nil, fmt.Errorf("bot %s not found", id)
	}
	return b, nil
}

// Delete stops the bot if it is trading and removes it.
func (m *Manager) Delete(id string) error {
	b, err := m.Get(id)
	if err != nil {
		return err
	}
	switch b.Status() {
	case StatusRunning, StatusPaused:
		if err := b.Stop(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	delete(m.bots, id)
	m.mu.Unlock()
	m.logger.Info("Bot deleted", zap.String("bot_id", id))
	return nil
}

// List returns summaries sorted by name.
func (m *Manager) List() []Summary {
	m.mu.Lock()
	bots := make([]*Bot, 0, len(m.bots))
	for _, b := range m.bots {
		bots = append(bots, b)
	}
	m.mu.Unlock()

	out := make([]Summary, 0, len(bots))
	for _, b := range bots {
		cfg := b.Config()
		stats := b.Stats()
		out = append(out, Summary{
			ID:      b.ID,
			Name:    cfg.Name,
			Status:  b.Status(),
			Symbols: len(cfg.Symbols),
			Trades:  int(stats.OrdersFilled),
			Errors:  stats.ErrorsCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StartAll starts every startable bot. Per-bot failures are returned keyed
// by bot ID; one bad bot never blocks the rest.
func (m *Manager) StartAll() map[string]error {
	return m.forEach(func(b *Bot) error {
		if !b.Status().startable() {
			return nil
		}
		return b.Start()
	})
}

// StopAll stops every trading bot.
func (m *Manager) StopAll() map[string]error {
	return m.forEach(func(b *Bot) error {
		switch b.Status() {
		case StatusRunning, StatusPaused:
			return b.Stop()
		}
		return nil
	})
}

// PauseAll pauses every running bot.
func (m *Manager) PauseAll() map[string]error {
	return m.forEach(func(b *Bot) error {
		if b.Status() == StatusRunning {
			return b.Pause()
		}
		return nil
	})
}

func (m *Manager) forEach(fn func(*Bot) error) map[string]error {
	m.mu.Lock()
	bots := make(map[string]*Bot, len(m.bots))
	for id, b := range m.bots {
		bots[id] = b
	}
	m.mu.Unlock()

	errs := make(map[string]error)
	for id, b := range bots {
		if err := fn(b); err != nil {
			errs[id] = err
		}
	}
	return errs
}

// HandleTrigger routes a schedule action to the named bot. A start on a
// trading bot and a cycle on a running bot are no-ops; the running loop
// already cycles on its own interval.
func (m *Manager) HandleTrigger(botID, action string) {
	b, err := m.Get(botID)
	if err != nil {
		m.logger.Warn("Trigger for unknown bot",
			zap.String("bot_id", botID), zap.String("action", action))
		return
	}

	status := b.Status()
	switch action {
	case scheduler.ActionStart, scheduler.ActionCycle:
		if !status.startable() {
			return
		}
		if err := b.Start(); err != nil {
			m.logger.Error("Scheduled start failed",
				zap.String("bot_id", botID), zap.Error(err))
		}
	case scheduler.ActionStop:
		switch status {
		case StatusRunning, StatusPaused:
			if err := b.Stop(); err != nil {
				m.logger.Error("Scheduled stop failed",
					zap.String("bot_id", botID), zap.Error(err))
			}
		}
	default:
		m.logger.Warn("Unknown trigger action", zap.String("action", action))
	}
}
