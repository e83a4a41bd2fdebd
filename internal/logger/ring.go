package logger

import (
	"strings"
	"sync"
	"time"
)

// Level classifies a captured log line.
type Level string

const (
	LevelDebug Level = "debug"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is one captured log line.
type Entry struct {
	Level   Level     `json:"type"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Ring keeps the most recent log lines in memory for the status endpoint.
// It is an io.Writer so it can sit behind log.SetOutput next to stderr.
type Ring struct {
	mu      sync.Mutex
	size    int
	entries []Entry
}

// NewRing creates a ring holding at most size entries.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 200
	}
	return &Ring{size: size}
}

// Write stores each line of p as one entry, dropping the oldest entries
// once the ring is full.
func (r *Ring) Write(p []byte) (int, error) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		r.entries = append(r.entries, Entry{Level: classify(line), Message: line, Time: now})
	}
	if over := len(r.entries) - r.size; over > 0 {
		r.entries = append(r.entries[:0:0], r.entries[over:]...)
	}
	return len(p), nil
}

// Entries returns a copy of the captured entries, oldest first.
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry{}, r.entries...)
}

// Clear drops all entries.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}

func classify(line string) Level {
	l := strings.ToLower(line)
	switch {
	case strings.Contains(l, "panic"), strings.Contains(l, " error"), strings.Contains(l, "failed"):
		return LevelError
	case strings.Contains(l, "without processing"), strings.Contains(l, "lost"),
		strings.Contains(l, "out of range"), strings.Contains(l, "was closed"):
		return LevelWarn
	default:
		return LevelDebug
	}
}
