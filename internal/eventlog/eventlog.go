// Package eventlog keeps the bounded, newest-first operation log shown on the
// control panel.
package eventlog

import (
	"sync"
	"time"
)

// MaxEntries is the default number of retained entries.
const MaxEntries = 50

// Entry is a single human-readable operation record.
type Entry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// String renders the entry as "[15:04:05] message".
func (e Entry) String() string {
	return "[" + e.Time.Format("15:04:05") + "] " + e.Message
}

// Log is a capped log ordered newest first. Safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	max     int
	now     func() time.Time
	hooks   []func(Entry)
}

// New creates a log retaining at most max entries (MaxEntries when max <= 0).
func New(max int) *Log {
	if max <= 0 {
		max = MaxEntries
	}
	return &Log{
		entries: make([]Entry, 0, max),
		max:     max,
		now:     time.Now,
	}
}

// Append prepends a timestamped entry and drops the oldest ones beyond the cap.
func (l *Log) Append(message string) Entry {
	e := Entry{Time: l.now(), Message: message}

	l.mu.Lock()
	l.entries = append(l.entries, Entry{})
	copy(l.entries[1:], l.entries)
	l.entries[0] = e
	if len(l.entries) > l.max {
		clear(l.entries[l.max:])
		l.entries = l.entries[:l.max]
	}
	hooks := l.hooks
	l.mu.Unlock()

	for _, fn := range hooks {
		fn(e)
	}
	return e
}

// OnAppend registers fn to be called with every appended entry, outside the
// log lock.
func (l *Log) OnAppend(fn func(Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks[:len(l.hooks):len(l.hooks)], fn)
}

// Entries returns a copy of the retained entries, newest first.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Trim keeps only the newest n entries.
func (l *Log) Trim(n int) {
	if n < 0 {
		n = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) > n {
		clear(l.entries[n:])
		l.entries = l.entries[:n]
	}
}

// Clear empties the log.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.entries)
	l.entries = l.entries[:0]
}
