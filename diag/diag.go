// Package diag keeps a bounded trail of session events for display after
// a recording ends. High-frequency notices are filtered out of the
// visible trail but still counted.
package diag

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const DefaultCapacity = 256

// Entries matching any of these substrings are suppressed from the
// visible trail. They arrive once per frame or once per setup step and
// would otherwise drown the interesting entries.
var noisePatterns = []string{
	"sent buffer",
	"initialized",
	"processor loaded",
}

type Entry struct {
	At   time.Time
	Text string
}

// Log is an append-only, capacity-bounded event trail. The oldest entry
// is evicted when the capacity is reached.
type Log struct {
	mu         sync.Mutex
	entries    []Entry
	capacity   int
	appended   uint64
	suppressed uint64
}

func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{capacity: capacity}
}

// Append records an event. Noise entries are counted but kept out of the
// visible trail.
func (l *Log) Append(format string, args ...any) {
	text := fmt.Sprintf(format, args...)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.appended++
	if isNoise(text) {
		l.suppressed++
		return
	}

	l.entries = append(l.entries, Entry{At: time.Now(), Text: text})
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
}

// Entries returns a snapshot of the visible trail, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of visible entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Appended returns the total number of events recorded, including
// suppressed ones.
func (l *Log) Appended() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appended
}

// Suppressed returns how many events were filtered from the trail.
func (l *Log) Suppressed() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.suppressed
}

func isNoise(text string) bool {
	for _, p := range noisePatterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
