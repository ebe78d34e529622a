package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"xfactor-bot-go/internal/config"
)

// Actions delivered to the trigger callback.
const (
	ActionStart = "start"
	ActionStop  = "stop"
	ActionCycle = "cycle"
)

// ScheduleType selects how a bot's schedule is interpreted.
type ScheduleType string

const (
	// Continuous runs the bot for the whole session: start near open, stop
	// near close.
	Continuous ScheduleType = "continuous"
	// Interval fires a cycle every N minutes inside the session.
	Interval ScheduleType = "interval"
	// SpecificTimes fires a cycle at each configured time of day.
	SpecificTimes ScheduleType = "specific_times"
	// MarketEvents fires start at session open and stop at session close.
	MarketEvents ScheduleType = "market_events"
)

// ScheduleConfig is one bot's schedule policy.
type ScheduleConfig struct {
	Type              ScheduleType   `json:"type"`
	IntervalMinutes   int            `json:"interval_minutes,omitempty"`
	SpecificTimes     []string       `json:"specific_times,omitempty"` // "HH:MM"
	IncludePreMarket  bool           `json:"include_pre_market"`
	IncludeAfterHours bool           `json:"include_after_hours"`
	RunAtOpen         bool           `json:"run_at_open"`
	RunAtClose        bool           `json:"run_at_close"`
	ActiveDays        []time.Weekday `json:"active_days,omitempty"` // default Mon-Fri
}

// Clock abstracts "now" so the scheduler is testable with a fake clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the host clock in a fixed location.
type SystemClock struct {
	Location *time.Location
}

func (c SystemClock) Now() time.Time { return time.Now().In(c.Location) }

// Calendar is the market session layout and holiday set the scheduler
// consults. All times of day are minutes since midnight in the scheduler's
// timezone.
type Calendar struct {
	Open      int
	Close     int
	PreOpen   int
	PostClose int
	Holidays  map[string]struct{} // "YYYY-MM-DD"
}

// NewCalendar parses the configured session times and holiday dates.
func NewCalendar(cfg *config.Scheduler) (Calendar, error) {
	open, err := parseTimeOfDay(cfg.MarketOpen)
	if err != nil {
		return Calendar{}, fmt.Errorf("market_open: %w", err)
	}
	closeAt, err := parseTimeOfDay(cfg.MarketClose)
	if err != nil {
		return Calendar{}, fmt.Errorf("market_close: %w", err)
	}
	preOpen, err := parseTimeOfDay(cfg.PreMarketOpen)
	if err != nil {
		return Calendar{}, fmt.Errorf("pre_market_open: %w", err)
	}
	postClose, err := parseTimeOfDay(cfg.AfterHoursClose)
	if err != nil {
		return Calendar{}, fmt.Errorf("after_hours_close: %w", err)
	}

	holidays := make(map[string]struct{}, len(cfg.Holidays))
	for _, day := range cfg.Holidays {
		if _, err := time.Parse("2006-01-02", day); err != nil {
			return Calendar{}, fmt.Errorf("holiday %q: %w", day, err)
		}
		holidays[day] = struct{}{}
	}

	return Calendar{
		Open:      open,
		Close:     closeAt,
		PreOpen:   preOpen,
		PostClose: postClose,
		Holidays:  holidays,
	}, nil
}

// IsHoliday reports whether the given date is in the holiday set.
func (c Calendar) IsHoliday(t time.Time) bool {
	_, ok := c.Holidays[t.Format("2006-01-02")]
	return ok
}

// TriggerFunc receives every fired schedule action. The scheduler holds no
// bot references; delivery is the callback's concern.
type TriggerFunc func(botID, action string)

// Scheduler evaluates every bot's schedule on a fixed tick and fires
// start/stop/cycle triggers against the market calendar. Each slot fires at
// most once per bot.
type Scheduler struct {
	logger    *zap.Logger
	clock     Clock
	calendar  Calendar
	tick      time.Duration
	tolerance time.Duration
	onTrigger TriggerFunc

	mu        sync.Mutex
	schedules map[string]ScheduleConfig
	fired     map[string]map[string]struct{} // botID -> fired slot tokens
	firedDate string
}

// New creates a scheduler. onTrigger must be non-nil.
func New(cfg *config.Scheduler, calendar Calendar, clock Clock, onTrigger TriggerFunc, logger *zap.Logger) *Scheduler {
	tick := time.Duration(cfg.TickIntervalSeconds) * time.Second
	tolerance := tick
	if tolerance < time.Minute {
		tolerance = time.Minute
	}
	return &Scheduler{
		logger:    logger.Named("scheduler"),
		clock:     clock,
		calendar:  calendar,
		tick:      tick,
		tolerance: tolerance,
		onTrigger: onTrigger,
		schedules: make(map[string]ScheduleConfig),
		fired:     make(map[string]map[string]struct{}),
	}
}

// AddSchedule registers or replaces a bot's schedule. Invalid schedule
// configuration is rejected here, never silently accepted.
func (s *Scheduler) AddSchedule(botID string, sc ScheduleConfig) error {
	switch sc.Type {
	case Continuous, MarketEvents:
	case Interval:
		if sc.IntervalMinutes <= 0 {
			return fmt.Errorf("schedule for %s: interval_minutes must be positive", botID)
		}
	case SpecificTimes:
		if len(sc.SpecificTimes) == 0 {
			return fmt.Errorf("schedule for %s: specific_times is empty", botID)
		}
		for _, ts := range sc.SpecificTimes {
			if _, err := parseTimeOfDay(ts); err != nil {
				return fmt.Errorf("schedule for %s: %w", botID, err)
			}
		}
	default:
		return fmt.Errorf("schedule for %s: unknown type %q", botID, sc.Type)
	}

	if len(sc.ActiveDays) == 0 {
		sc.ActiveDays = []time.Weekday{
			time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
		}
	}

	s.mu.Lock()
	s.schedules[botID] = sc
	delete(s.fired, botID)
	s.mu.Unlock()

	s.logger.Info("Schedule added",
		zap.String("bot_id", botID), zap.String("type", string(sc.Type)))
	return nil
}

// RemoveSchedule drops a bot's schedule.
func (s *Scheduler) RemoveSchedule(botID string) {
	s.mu.Lock()
	delete(s.schedules, botID)
	delete(s.fired, botID)
	s.mu.Unlock()
}

// Schedule returns a bot's schedule, if registered.
func (s *Scheduler) Schedule(botID string) (ScheduleConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[botID]
	return sc, ok
}

// Run evaluates all schedules on the configured tick until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info("Scheduler started", zap.Duration("tick", s.tick))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick evaluates every registered schedule once against the current clock.
func (s *Scheduler) Tick() {
	now := s.clock.Now()

	s.mu.Lock()
	date := now.Format("2006-01-02")
	if date != s.firedDate {
		s.fired = make(map[string]map[string]struct{})
		s.firedDate = date
	}
	type pending struct {
		botID  string
		action string
	}
	var triggers []pending
	for botID, sc := range s.schedules {
		action, slot := s.evaluate(sc, now)
		if action == "" {
			continue
		}
		seen := s.fired[botID]
		if seen == nil {
			seen = make(map[string]struct{})
			s.fired[botID] = seen
		}
		if _, done := seen[slot]; done {
			continue
		}
		seen[slot] = struct{}{}
		triggers = append(triggers, pending{botID: botID, action: action})
	}
	s.mu.Unlock()

	// Deliver outside the lock; the callback may call back into us.
	for _, t := range triggers {
		s.logger.Debug("Schedule trigger",
			zap.String("bot_id", t.botID), zap.String("action", t.action))
		s.onTrigger(t.botID, t.action)
	}
}

// evaluate is a pure function of (schedule, now). It returns the action to
// fire and an idempotency token identifying the slot, or "" for no action.
func (s *Scheduler) evaluate(sc ScheduleConfig, now time.Time) (action, slot string) {
	if !activeDay(sc.ActiveDays, now.Weekday()) {
		return "", ""
	}
	if s.calendar.IsHoliday(now) {
		return "", ""
	}

	minute := now.Hour()*60 + now.Minute()
	second := minute*60 + now.Second()

	sessionOpen := s.calendar.Open
	sessionClose := s.calendar.Close
	if sc.IncludePreMarket {
		sessionOpen = s.calendar.PreOpen
	}
	if sc.IncludeAfterHours {
		sessionClose = s.calendar.PostClose
	}
	inSession := minute >= sessionOpen && minute <= sessionClose
	tolSeconds := int(s.tolerance.Seconds())

	switch sc.Type {
	case Continuous:
		if nearMinute(second, sessionOpen, tolSeconds) {
			return ActionStart, ActionStart
		}
		if nearMinute(second, sessionClose, tolSeconds) {
			return ActionStop, ActionStop
		}

	case Interval:
		if !inSession {
			return "", ""
		}
		elapsed := minute - sessionOpen
		if elapsed%sc.IntervalMinutes < cellWidth(s.tick) {
			return ActionCycle, fmt.Sprintf("cycle/%d", elapsed/sc.IntervalMinutes)
		}

	case SpecificTimes:
		for _, ts := range sc.SpecificTimes {
			target, err := parseTimeOfDay(ts)
			if err != nil {
				continue // validated at AddSchedule; stale entries just skip
			}
			if nearMinute(second, target, tolSeconds) {
				return ActionCycle, "cycle/" + ts
			}
		}

	case MarketEvents:
		if sc.RunAtOpen && nearMinute(second, s.calendar.Open, tolSeconds) {
			return ActionStart, ActionStart
		}
		if sc.RunAtClose && nearMinute(second, s.calendar.Close, tolSeconds) {
			return ActionStop, ActionStop
		}
	}

	return "", ""
}

func activeDay(days []time.Weekday, day time.Weekday) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}

// nearMinute reports whether nowSeconds is within tolerance of the target
// minute of day.
func nearMinute(nowSeconds, targetMinute, toleranceSeconds int) bool {
	diff := nowSeconds - targetMinute*60
	if diff < 0 {
		diff = -diff
	}
	return diff <= toleranceSeconds
}

// cellWidth is the interval-slot width in minutes covered by one tick,
// at least one minute.
func cellWidth(tick time.Duration) int {
	w := int(tick.Minutes())
	if w < 1 {
		w = 1
	}
	return w
}

// parseTimeOfDay parses "HH:MM" into minutes since midnight.
func parseTimeOfDay(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	return h*60 + m, nil
}
