package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"xfactor-bot-go/internal/config"
)

// Connection event kinds recorded in the registry's diagnostic ring.
const (
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventReconnecting    = "reconnecting"
	EventReconnectFailed = "reconnect_failed"
)

// ConnectionEvent is one structured entry in the registry's event ring.
type ConnectionEvent struct {
	Time    time.Time `json:"time"`
	Broker  Type      `json:"broker"`
	Event   string    `json:"event"`
	Message string    `json:"message"`
}

// Status is a point-in-time snapshot of the registry for the API surface.
type Status struct {
	Connected       []Type            `json:"connected"`
	Available       []Type            `json:"available"`
	Default         Type              `json:"default,omitempty"`
	LastHealthCheck *time.Time        `json:"last_health_check,omitempty"`
	RecentEvents    []ConnectionEvent `json:"recent_events"`
}

// Registry owns the set of configured broker connections: registration of
// constructible types, connect/disconnect, background health checking with
// bounded reconnection, and routing a bot's order flow to the right
// broker(s). At most one live connection per type exists at a time.
type Registry struct {
	logger *zap.Logger

	healthInterval time.Duration
	callTimeout    time.Duration
	maxAttempts    int
	baseBackoff    time.Duration

	mu          sync.RWMutex
	factories   map[Type]Factory
	brokers     map[Type]Broker
	configs     map[Type]Config
	attempts    map[Type]int
	nextAttempt map[Type]time.Time
	reconnectMu map[Type]*sync.Mutex
	defaultType Type
	lastCheck   time.Time

	events *eventRing
}

// NewRegistry creates a broker registry. Run must be called to start the
// health monitor.
func NewRegistry(cfg *config.Brokers, logger *zap.Logger) *Registry {
	return &Registry{
		logger:         logger.Named("registry"),
		healthInterval: time.Duration(cfg.HealthCheckIntervalSeconds) * time.Second,
		callTimeout:    time.Duration(cfg.CallTimeoutSeconds) * time.Second,
		maxAttempts:    cfg.MaxReconnectAttempts,
		baseBackoff:    time.Duration(cfg.ReconnectBackoffSeconds) * time.Second,
		factories:      make(map[Type]Factory),
		brokers:        make(map[Type]Broker),
		configs:        make(map[Type]Config),
		attempts:       make(map[Type]int),
		nextAttempt:    make(map[Type]time.Time),
		reconnectMu:    make(map[Type]*sync.Mutex),
		events:         newEventRing(cfg.EventLogSize),
	}
}

// RegisterFactory declares that a broker type is constructible. Registering
// the same type again replaces the factory.
func (r *Registry) RegisterFactory(t Type, f Factory) {
	r.mu.Lock()
	r.factories[t] = f
	r.mu.Unlock()
	r.logger.Info("Registered broker type", zap.String("broker", string(t)))
}

// Connect constructs and connects a broker of the given type. On success
// the connection is stored as the live one for the type, the config is
// remembered for reconnects, and the first connected broker becomes the
// default. On failure the broker's error is returned and registry state is
// left untouched.
func (r *Registry) Connect(ctx context.Context, t Type, cfg Config) error {
	r.mu.RLock()
	factory, ok := r.factories[t]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("broker type not registered: %s", t)
	}

	b, err := factory(cfg)
	if err != nil {
		return fmt.Errorf("construct broker %s: %w", t, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	if err := b.Connect(callCtx); err != nil {
		return fmt.Errorf("connect broker %s: %w", t, err)
	}

	r.mu.Lock()
	if old, exists := r.brokers[t]; exists {
		// Replaced connections are torn down; one live connection per type.
		go func() {
			dctx, dcancel := context.WithTimeout(context.Background(), r.callTimeout)
			defer dcancel()
			_ = old.Disconnect(dctx)
		}()
	}
	r.brokers[t] = b
	r.configs[t] = cfg
	r.attempts[t] = 0
	delete(r.nextAttempt, t)
	if r.defaultType == "" {
		r.defaultType = t
	}
	r.mu.Unlock()

	r.record(t, EventConnected, "successfully connected")
	r.logger.Info("Broker connected", zap.String("broker", string(t)))
	return nil
}

// Disconnect tears down the live connection for a type. The remembered
// config is dropped too, so the health monitor stops trying to revive it.
func (r *Registry) Disconnect(ctx context.Context, t Type) error {
	r.mu.Lock()
	b, ok := r.brokers[t]
	delete(r.brokers, t)
	delete(r.configs, t)
	delete(r.attempts, t)
	delete(r.nextAttempt, t)
	if r.defaultType == t {
		r.defaultType = ""
		for other := range r.brokers {
			r.defaultType = other
			break
		}
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("broker not connected: %s", t)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	err := b.Disconnect(callCtx)

	r.record(t, EventDisconnected, "disconnected by request")
	r.logger.Info("Broker disconnected", zap.String("broker", string(t)))
	return err
}

// Close disconnects every live broker. Used on shutdown.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	brokers := make(map[Type]Broker, len(r.brokers))
	for t, b := range r.brokers {
		brokers[t] = b
	}
	r.brokers = make(map[Type]Broker)
	r.configs = make(map[Type]Config)
	r.defaultType = ""
	r.mu.Unlock()

	for t, b := range brokers {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		if err := b.Disconnect(callCtx); err != nil {
			r.logger.Warn("Disconnect failed during shutdown",
				zap.String("broker", string(t)), zap.Error(err))
		}
		cancel()
	}
}

// Broker returns the live connection for a type, if any.
func (r *Registry) Broker(t Type) (Broker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.brokers[t]
	return b, ok
}

// DefaultBroker returns the registry default, if one is connected.
func (r *Registry) DefaultBroker() (Broker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultType == "" {
		return nil, false
	}
	b, ok := r.brokers[r.defaultType]
	return b, ok
}

// SetDefault marks a connected broker as the default.
func (r *Registry) SetDefault(t Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.brokers[t]; !ok {
		return fmt.Errorf("broker not connected: %s", t)
	}
	r.defaultType = t
	return nil
}

// ConnectedTypes returns a snapshot of the currently connected broker types.
func (r *Registry) ConnectedTypes() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]Type, 0, len(r.brokers))
	for t := range r.brokers {
		types = append(types, t)
	}
	return types
}

// BrokersFor resolves the brokers a bot cycle should use under its routing
// policy. An empty result means "no broker available, skip this cycle".
func (r *Registry) BrokersFor(policy RoutingPolicy) []Broker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch policy.Mode {
	case RouteFanOut:
		out := make([]Broker, 0, len(r.brokers))
		for _, b := range r.brokers {
			out = append(out, b)
		}
		return out

	case RouteFailover:
		for _, t := range policy.Failover {
			if b, ok := r.brokers[t]; ok {
				return []Broker{b}
			}
		}
		return nil

	case RouteExplicit:
		if b, ok := r.brokers[policy.Broker]; ok {
			return []Broker{b}
		}
		for _, t := range policy.Failover {
			if b, ok := r.brokers[t]; ok {
				return []Broker{b}
			}
		}
		fallthrough

	default:
		if r.defaultType != "" {
			if b, ok := r.brokers[r.defaultType]; ok {
				return []Broker{b}
			}
		}
		return nil
	}
}

// Events returns up to limit recent connection events, oldest first.
func (r *Registry) Events(limit int) []ConnectionEvent {
	return r.events.tail(limit)
}

// Status returns a snapshot of the registry for the API surface.
func (r *Registry) Status() Status {
	r.mu.RLock()
	connected := make([]Type, 0, len(r.brokers))
	for t := range r.brokers {
		connected = append(connected, t)
	}
	available := make([]Type, 0, len(r.factories))
	for t := range r.factories {
		available = append(available, t)
	}
	def := r.defaultType
	var last *time.Time
	if !r.lastCheck.IsZero() {
		l := r.lastCheck
		last = &l
	}
	r.mu.RUnlock()

	return Status{
		Connected:       connected,
		Available:       available,
		Default:         def,
		LastHealthCheck: last,
		RecentEvents:    r.events.tail(10),
	}
}

// Run is the background health monitor. Every interval it health-checks all
// connected brokers, dropping and reconnecting failed ones, and retries any
// type with a remembered config that is not currently connected. It returns
// when ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.healthInterval)
	defer ticker.Stop()

	r.logger.Info("Health monitor started", zap.Duration("interval", r.healthInterval))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Health monitor stopped")
			return
		case <-ticker.C:
			r.CheckNow(ctx)
		}
	}
}

// CheckNow runs one health-monitor pass synchronously.
func (r *Registry) CheckNow(ctx context.Context) {
	r.checkAll(ctx)
}

func (r *Registry) checkAll(ctx context.Context) {
	r.mu.Lock()
	r.lastCheck = time.Now()
	connected := make(map[Type]Broker, len(r.brokers))
	for t, b := range r.brokers {
		connected[t] = b
	}
	remembered := make([]Type, 0, len(r.configs))
	for t := range r.configs {
		remembered = append(remembered, t)
	}
	r.mu.Unlock()

	for t, b := range connected {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		err := b.HealthCheck(callCtx)
		cancel()
		if err == nil {
			r.mu.Lock()
			r.attempts[t] = 0
			r.mu.Unlock()
			continue
		}

		r.logger.Warn("Broker health check failed",
			zap.String("broker", string(t)), zap.Error(err))
		r.record(t, EventDisconnected, fmt.Sprintf("health check failed: %v", err))

		r.mu.Lock()
		delete(r.brokers, t)
		r.mu.Unlock()

		// Dropped instances are torn down like replaced ones, so the dead
		// session is released before a reconnect builds a fresh one.
		dctx, dcancel := context.WithTimeout(ctx, r.callTimeout)
		_ = b.Disconnect(dctx)
		dcancel()

		r.attemptReconnect(ctx, t)
	}

	// Types with a remembered config but no live connection (including
	// those that never connected successfully at startup).
	for _, t := range remembered {
		if _, ok := r.Broker(t); !ok {
			r.attemptReconnect(ctx, t)
		}
	}
}

// attemptReconnect tries one reconnect for a type. Attempts for the same
// type are serialized; their pacing follows exponential backoff and they
// stop entirely after maxAttempts until ForceReconnect.
func (r *Registry) attemptReconnect(ctx context.Context, t Type) {
	lock := r.reconnectLock(t)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	if _, connected := r.brokers[t]; connected {
		r.mu.Unlock()
		return
	}
	cfg, hasCfg := r.configs[t]
	factory, hasFactory := r.factories[t]
	attempts := r.attempts[t]
	next := r.nextAttempt[t]
	r.mu.Unlock()

	if !hasCfg || !hasFactory {
		return
	}
	if attempts >= r.maxAttempts {
		return
	}
	if time.Now().Before(next) {
		return // still backing off
	}

	attempts++
	backoff := r.baseBackoff << uint(attempts-1)
	if max := 30 * time.Minute; backoff > max {
		backoff = max
	}
	r.mu.Lock()
	r.attempts[t] = attempts
	r.nextAttempt[t] = time.Now().Add(backoff)
	r.mu.Unlock()

	r.record(t, EventReconnecting, fmt.Sprintf("attempt %d/%d", attempts, r.maxAttempts))
	r.logger.Info("Attempting broker reconnect",
		zap.String("broker", string(t)),
		zap.Int("attempt", attempts),
		zap.Int("max_attempts", r.maxAttempts))

	b, err := factory(cfg)
	if err == nil {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		err = b.Connect(callCtx)
		cancel()
	}

	if err != nil {
		r.record(t, EventReconnectFailed, err.Error())
		r.logger.Warn("Broker reconnect failed",
			zap.String("broker", string(t)), zap.Error(err))
		if attempts >= r.maxAttempts {
			r.logger.Error("Max reconnect attempts reached, giving up until forced",
				zap.String("broker", string(t)))
		}
		return
	}

	r.mu.Lock()
	r.brokers[t] = b
	r.attempts[t] = 0
	delete(r.nextAttempt, t)
	if r.defaultType == "" {
		r.defaultType = t
	}
	r.mu.Unlock()

	r.record(t, EventConnected, "successfully reconnected")
	r.logger.Info("Broker reconnected", zap.String("broker", string(t)))
}

// ForceReconnect resets the attempt counter for a type and reconnects it
// immediately using the remembered config.
func (r *Registry) ForceReconnect(ctx context.Context, t Type) error {
	r.mu.Lock()
	cfg, ok := r.configs[t]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("no remembered config for broker: %s", t)
	}
	if b, connected := r.brokers[t]; connected {
		delete(r.brokers, t)
		go func() {
			dctx, cancel := context.WithTimeout(context.Background(), r.callTimeout)
			defer cancel()
			_ = b.Disconnect(dctx)
		}()
	}
	r.attempts[t] = 0
	delete(r.nextAttempt, t)
	r.mu.Unlock()

	return r.Connect(ctx, t, cfg)
}

func (r *Registry) reconnectLock(t Type) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.reconnectMu[t]
	if !ok {
		m = &sync.Mutex{}
		r.reconnectMu[t] = m
	}
	return m
}

func (r *Registry) record(t Type, event, message string) {
	r.events.append(ConnectionEvent{
		Time:    time.Now(),
		Broker:  t,
		Event:   event,
		Message: message,
	})
}

// eventRing is a bounded ring of connection events.
type eventRing struct {
	mu      sync.Mutex
	entries []ConnectionEvent
	max     int
}

func newEventRing(max int) *eventRing {
	if max < 1 {
		max = 100
	}
	return &eventRing{max: max}
}

func (e *eventRing) append(ev ConnectionEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, ev)
	if len(e.entries) > e.max {
		e.entries = e.entries[len(e.entries)-e.max:]
	}
}

func (e *eventRing) tail(limit int) []ConnectionEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 || limit > len(e.entries) {
		limit = len(e.entries)
	}
	out := make([]ConnectionEvent, limit)
	copy(out, e.entries[len(e.entries)-limit:])
	return out
}
