package logger

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRingSize bounds the in-memory log ring.
const DefaultRingSize = 500

// Broadcaster is implemented by the websocket hub.
type Broadcaster interface {
	Broadcast(msgType string, payload any)
}

// Entry is a structured log record held in the ring.
type Entry struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Category  string         `json:"category,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// Ring keeps the most recent log entries in a fixed circular buffer,
// overwriting the oldest first. It implements io.Writer and is fed
// zerolog's JSON output.
type Ring struct {
	nextID atomic.Int64

	mu      sync.RWMutex
	entries []Entry
	head    int
	count   int
	hub     Broadcaster
}

// NewRing creates a log ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingSize
	}
	return &Ring{entries: make([]Entry, capacity)}
}

// SetHub sets the broadcaster used for live log streaming.
func (r *Ring) SetHub(hub Broadcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hub = hub
}

// Write implements io.Writer for zerolog JSON lines.
func (r *Ring) Write(p []byte) (int, error) {
	entry, err := r.parse(p)
	if err != nil {
		// Malformed lines are dropped, the other writers still got them.
		return len(p), nil
	}

	entry.ID = r.nextID.Add(1)

	r.mu.Lock()
	if r.count < len(r.entries) {
		r.entries[(r.head+r.count)%len(r.entries)] = entry
		r.count++
	} else {
		r.entries[r.head] = entry
		r.head = (r.head + 1) % len(r.entries)
	}
	hub := r.hub
	r.mu.Unlock()

	if hub != nil {
		hub.Broadcast("logs:entry", entry)
	}

	return len(p), nil
}

// Recent returns buffered entries, oldest first, filtered by minimum level
// and category. Empty filter values match everything.
func (r *Ring) Recent(minLevel, category string) []Entry {
	threshold := parseLevel(minLevel)

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.entries[(r.head+i)%len(r.entries)]
		if minLevel != "" && parseLevel(e.Level) < threshold {
			continue
		}
		if category != "" && e.Category != category {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len returns the number of buffered entries.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Clear drops all buffered entries.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.count = 0
}

func (r *Ring) parse(data []byte) (Entry, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Entry{}, err
	}

	entry := Entry{Timestamp: time.Now()}

	if ts, ok := raw["time"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			entry.Timestamp = parsed
		}
		delete(raw, "time")
	}
	if level, ok := raw["level"].(string); ok {
		entry.Level = level
		delete(raw, "level")
	}
	if component, ok := raw["component"].(string); ok {
		entry.Category = component
		delete(raw, "component")
	}
	if msg, ok := raw["message"].(string); ok {
		entry.Message = msg
		delete(raw, "message")
	}
	if len(raw) > 0 {
		entry.Details = raw
	}

	return entry, nil
}
