package upload

import (
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// MaxLogEntries is how many log lines a LogBook keeps.
const MaxLogEntries = 200

// LogEntry is a timestamped log line shown to the user.
type LogEntry struct {
	Time    time.Time
	Message string
}

func (e LogEntry) String() string {
	return fmt.Sprintf("%s: %s", e.Time.Format("15:04:05"), e.Message)
}

// LogBook keeps the most recent log lines in append order.
type LogBook struct {
	mu      sync.Mutex
	entries []LogEntry
	limit   int
}

// NewLogBook creates a LogBook holding at most limit entries.
func NewLogBook(limit int) *LogBook {
	if limit < 1 {
		limit = MaxLogEntries
	}
	return &LogBook{limit: limit}
}

// Append adds an entry, dropping the oldest one when full.
func (b *LogBook) Append(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, entry)
	if over := len(b.entries) - b.limit; over > 0 {
		b.entries = append(b.entries[:0:0], b.entries[over:]...)
	}
}

// Entries returns a copy of the kept entries, oldest first.
func (b *LogBook) Entries() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]LogEntry(nil), b.entries...)
}

// Last returns the newest entry.
func (b *LogBook) Last() (LogEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return LogEntry{}, false
	}
	return b.entries[len(b.entries)-1], true
}

// Clear drops every entry.
func (b *LogBook) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}

// bookLogger forwards to the wrapped logger and records user-facing levels.
// Debug output stays out of the book.
type bookLogger struct {
	log.Logger
	record func(message string)
}

func (l bookLogger) Infof(format string, v ...interface{}) {
	l.Logger.Infof(format, v...)
	l.record(fmt.Sprintf(format, v...))
}

func (l bookLogger) Warnf(format string, v ...interface{}) {
	l.Logger.Warnf(format, v...)
	l.record(fmt.Sprintf(format, v...))
}

func (l bookLogger) Printf(format string, v ...interface{}) {
	l.Logger.Printf(format, v...)
	l.record(fmt.Sprintf(format, v...))
}

func (l bookLogger) Donef(format string, v ...interface{}) {
	l.Logger.Donef(format, v...)
	l.record(fmt.Sprintf(format, v...))
}

func (l bookLogger) Errorf(format string, v ...interface{}) {
	l.Logger.Errorf(format, v...)
	l.record(fmt.Sprintf(format, v...))
}
