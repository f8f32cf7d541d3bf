package invocation

import (
	"log/slog"
	"time"
)

// LogEntry is a message emitted by an action while it runs.
type LogEntry struct {
	Time    time.Time      `json:"created"`
	Level   string         `json:"levelname"`
	LevelNo int            `json:"levelno"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// NewLogEntry builds an entry from an slog level and message.
func NewLogEntry(t time.Time, level slog.Level, msg string, attrs map[string]any) LogEntry {
	return LogEntry{
		Time:    t,
		Level:   level.String(),
		LevelNo: int(level),
		Message: msg,
		Attrs:   attrs,
	}
}

// logRing keeps the most recent entries up to a fixed capacity.
type logRing struct {
	buf   []LogEntry
	start int
	size  int
}

func newLogRing(capacity int) *logRing {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &logRing{buf: make([]LogEntry, capacity)}
}

func (l *logRing) push(e LogEntry) {
	if l.size < len(l.buf) {
		l.buf[(l.start+l.size)%len(l.buf)] = e
		l.size++
		return
	}
	// full: overwrite the oldest
	l.buf[l.start] = e
	l.start = (l.start + 1) % len(l.buf)
}

func (l *logRing) entries() []LogEntry {
	out := make([]LogEntry, l.size)
	for i := 0; i < l.size; i++ {
		out[i] = l.buf[(l.start+i)%len(l.buf)]
	}
	return out
}
