package bot

import (
	"fmt"
	"time"

	"xfactor-bot-go/internal/broker"
	"xfactor-bot-go/internal/config"
)

// Config is one bot's trading configuration. It is treated as immutable
// while the bot runs; edits replace the whole value.
type Config struct {
	Name    string   `json:"name"`
	Symbols []string `json:"symbols"`

	// StrategyWeights maps built-in strategy names to their vote weight in
	// the composite signal.
	StrategyWeights map[string]float64 `json:"strategy_weights"`

	// Risk limits.
	MaxPositionSize float64 `json:"max_position_size"` // notional cap per position, 0 = pct only
	MaxPositionPct  float64 `json:"max_position_pct"`  // % of buying power per position
	MaxPositions    int     `json:"max_positions"`
	MaxDailyLossPct float64 `json:"max_daily_loss_pct"`

	// Execution settings.
	CycleInterval time.Duration `json:"cycle_interval"`
	CallTimeout   time.Duration `json:"call_timeout"`

	// Routing selects which broker(s) receive this bot's orders.
	Routing broker.RoutingPolicy `json:"routing"`
}

// Validate rejects configurations the engine cannot run.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("bot config: name is required")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("bot config: at least one symbol is required")
	}
	if c.Routing.Mode == broker.RouteExplicit && c.Routing.Broker == "" {
		return fmt.Errorf("bot config: explicit routing requires a broker")
	}
	if c.Routing.Mode == broker.RouteFailover && len(c.Routing.Failover) == 0 {
		return fmt.Errorf("bot config: failover routing requires a failover list")
	}
	return nil
}

// withDefaults fills unset fields from the service-level defaults.
func (c Config) withDefaults(d Defaults) Config {
	if len(c.StrategyWeights) == 0 {
		c.StrategyWeights = map[string]float64{
			"SMACrossover":  0.6,
			"RSIReversion":  0.5,
			"MomentumBurst": 0.5,
		}
	}
	if c.MaxPositionPct <= 0 {
		c.MaxPositionPct = 10
	}
	if c.MaxPositions <= 0 {
		c.MaxPositions = 50
	}
	if c.MaxDailyLossPct <= 0 {
		c.MaxDailyLossPct = 3
	}
	if c.CycleInterval <= 0 {
		c.CycleInterval = d.CycleInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	// An empty routing mode routes to the registry default broker.
	return c
}

// Defaults are service-level fallbacks applied to every bot config.
type Defaults struct {
	CycleInterval    time.Duration
	CallTimeout      time.Duration
	StopTimeout      time.Duration
	TradeHistorySize int
}

// DefaultsFromConfig converts the loaded bots section into defaults.
func DefaultsFromConfig(cfg *config.Bots) Defaults {
	return Defaults{
		CycleInterval:    time.Duration(cfg.CycleIntervalSeconds) * time.Second,
		CallTimeout:      time.Duration(cfg.CallTimeoutSeconds) * time.Second,
		StopTimeout:      time.Duration(cfg.StopTimeoutSeconds) * time.Second,
		TradeHistorySize: cfg.TradeHistorySize,
	}
}
