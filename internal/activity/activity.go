package activity

import (
	"sync"
	"time"
)

// Entry is one bot activity record.
type Entry struct {
	Time    time.Time      `json:"time"`
	BotID   string         `json:"bot_id"`
	BotName string         `json:"bot_name"`
	Event   string         `json:"event"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Log is a bounded, shared ring of bot activity, tagged by bot id. It is
// the one cross-cutting observability surface the runtime exposes.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	max     int
}

// NewLog creates an activity log holding at most max entries.
func NewLog(max int) *Log {
	if max < 1 {
		max = 1000
	}
	return &Log{max: max}
}

// Append records one entry, evicting the oldest when full.
func (l *Log) Append(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
}

// Entries returns up to limit most recent entries, oldest first, optionally
// filtered by bot id ("" matches all).
func (l *Log) Entries(botID string, limit int) []Entry {
	l.mu.Lock()
	snapshot := make([]Entry, len(l.entries))
	copy(snapshot, l.entries)
	l.mu.Unlock()

	if botID != "" {
		filtered := snapshot[:0]
		for _, e := range snapshot {
			if e.BotID == botID {
				filtered = append(filtered, e)
			}
		}
		snapshot = filtered
	}

	if limit <= 0 || limit > len(snapshot) {
		limit = len(snapshot)
	}
	return snapshot[len(snapshot)-limit:]
}

// Clear drops all entries.
func (l *Log) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}
