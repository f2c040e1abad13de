package session

import (
	"sync"
	"time"
)

// Reading is one decoded inbound payload.
type Reading struct {
	DeviceID  string
	Text      string
	Bytes     []byte
	Timestamp time.Time
}

// ReadingLog keeps readings in arrival order. Entries are never modified;
// once the limit is reached the oldest are dropped.
type ReadingLog struct {
	mu      sync.Mutex
	entries []Reading
	limit   int // 0 means unbounded
}

// NewReadingLog creates a log holding at most limit readings.
func NewReadingLog(limit int) *ReadingLog {
	if limit < 0 {
		limit = 0
	}
	return &ReadingLog{limit: limit}
}

// Append adds r as the newest reading.
func (l *ReadingLog) Append(r Reading) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit > 0 && len(l.entries) >= l.limit {
		l.entries = append(l.entries[:0:0], l.entries[len(l.entries)-l.limit+1:]...)
	}
	l.entries = append(l.entries, r)
}

// Newest returns a copy of the log, newest first.
func (l *ReadingLog) Newest() []Reading {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Reading, len(l.entries))
	for i, r := range l.entries {
		out[len(l.entries)-1-i] = r
	}
	return out
}

// Len returns the number of readings held.
func (l *ReadingLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear drops every reading.
func (l *ReadingLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}
