package bot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"xfactor-bot-go/internal/activity"
	"xfactor-bot-go/internal/broker"
	"xfactor-bot-go/internal/config"
	"xfactor-bot-go/internal/marketdata"
	"xfactor-bot-go/internal/scheduler"
)

func setupManager(t *testing.T, maxBots int) (*Manager, *broker.Registry) {
	t.Helper()
	logger := zap.NewNop()

	registry := broker.NewRegistry(&config.Brokers{
		HealthCheckIntervalSeconds: 60,
		MaxReconnectAttempts:       3,
		CallTimeoutSeconds:         2,
		EventLogSize:               100,
	}, logger)
	registry.RegisterFactory("paper", broker.PaperFactory)
	assert.NoError(t, registry.Connect(context.Background(), "paper", broker.Config{}))

	provider := &scriptedProvider{
		bars: make(map[string][]marketdata.Bar),
		errs: make(map[string]error),
	}
	cache := marketdata.NewCache(provider, time.Minute, time.Second, 3, logger)

	m := NewManager(&config.Bots{
		MaxBots:              maxBots,
		CycleIntervalSeconds: 1,
		CallTimeoutSeconds:   2,
		StopTimeoutSeconds:   2,
		TradeHistorySize:     100,
		ActivityLogSize:      500,
	}, registry, cache, activity.NewLog(500), nil, logger)

	t.Cleanup(func() { m.StopAll() })
	return m, registry
}

func TestManager_Create(t *testing.T) {
	// Arrange
	m, _ := setupManager(t, 10)

	// Act
	b, err := m.Create(Config{Name: "alpha", Symbols: []string{"AAPL", "MSFT"}})

	// Assert
	assert.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, StatusCreated, b.Status())

	// Defaults were applied
	cfg := b.Config()
	assert.Equal(t, 10.0, cfg.MaxPositionPct)
	assert.Equal(t, time.Second, cfg.CycleInterval)
	assert.NotEmpty(t, cfg.StrategyWeights)
}

func TestManager_Create_Rejections(t *testing.T) {
	m, _ := setupManager(t, 1)

	_, err := m.Create(Config{Symbols: []string{"AAPL"}})
	assert.Error(t, err, "name is required")

	_, err = m.Create(Config{Name: "a", Symbols: nil})
	assert.Error(t, err, "symbols are required")

	_, err = m.Create(Config{
		Name: "a", Symbols: []string{"AAPL"},
		StrategyWeights: map[string]float64{"NoSuchStrategy": 1},
	})
	assert.Error(t, err, "unknown strategies are rejected")

	_, err = m.Create(Config{
		Name: "a", Symbols: []string{"AAPL"},
		Routing: broker.RoutingPolicy{Mode: broker.RouteExplicit},
	})
	assert.Error(t, err, "explicit routing needs a broker")

	// Fill the single slot, then duplicates and overflow fail
	_, err = m.Create(Config{Name: "taken", Symbols: []string{"AAPL"}})
	assert.NoError(t, err)
	_, err = m.Create(Config{Name: "TAKEN", Symbols: []string{"MSFT"}})
	assert.Error(t, err, "names are unique, case-insensitively")
	_, err = m.Create(Config{Name: "other", Symbols: []string{"MSFT"}})
	assert.Error(t, err, "bot limit is enforced")
}

func TestManager_GetListDelete(t *testing.T) {
	// Arrange
	m, _ := setupManager(t, 10)
	b1, err := m.Create(Config{Name: "beta", Symbols: []string{"AAPL"}})
	assert.NoError(t, err)
	_, err = m.Create(Config{Name: "alpha", Symbols: []string{"MSFT"}})
	assert.NoError(t, err)

	// Act + Assert: lookup
	got, err := m.Get(b1.ID)
	assert.NoError(t, err)
	assert.Equal(t, b1, got)
	_, err = m.Get("missing")
	assert.Error(t, err)

	// List is sorted by name
	list := m.List()
	assert.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "beta", list[1].Name)

	// Delete stops a running bot first
	assert.NoError(t, b1.Start())
	assert.NoError(t, m.Delete(b1.ID))
	assert.Equal(t, StatusStopped, b1.Status())
	_, err = m.Get(b1.ID)
	assert.Error(t, err)
}

func TestManager_BulkOperations(t *testing.T) {
	// Arrange
	m, _ := setupManager(t, 10)
	b1, _ := m.Create(Config{Name: "one", Symbols: []string{"AAPL"}})
	b2, _ := m.Create(Config{Name: "two", Symbols: []string{"MSFT"}})

	// Act + Assert: start all
	errs := m.StartAll()
	assert.Empty(t, errs)
	assert.Eventually(t, func() bool {
		return b1.Status() == StatusRunning && b2.Status() == StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	// StartAll again is a no-op for running bots
	assert.Empty(t, m.StartAll())

	// Pause all, then stop all
	assert.Empty(t, m.PauseAll())
	assert.Equal(t, StatusPaused, b1.Status())
	assert.Empty(t, m.StopAll())
	assert.Equal(t, StatusStopped, b1.Status())
	assert.Equal(t, StatusStopped, b2.Status())
}

func TestManager_HandleTrigger(t *testing.T) {
	// Arrange
	m, _ := setupManager(t, 10)
	b, err := m.Create(Config{Name: "sched", Symbols: []string{"AAPL"}})
	assert.NoError(t, err)

	// start trigger starts a created bot
	m.HandleTrigger(b.ID, scheduler.ActionStart)
	assert.Eventually(t, func() bool {
		return b.Status() == StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	// cycle trigger on a running bot is a no-op; the loop cycles itself
	m.HandleTrigger(b.ID, scheduler.ActionCycle)
	assert.Equal(t, StatusRunning, b.Status())

	// stop trigger stops it
	m.HandleTrigger(b.ID, scheduler.ActionStop)
	assert.Equal(t, StatusStopped, b.Status())

	// cycle trigger on a stopped bot starts it
	m.HandleTrigger(b.ID, scheduler.ActionCycle)
	assert.Eventually(t, func() bool {
		return b.Status() == StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	// triggers for unknown bots are ignored
	m.HandleTrigger("missing", scheduler.ActionStart)
}
