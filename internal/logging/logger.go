package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the level as its name.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// ParseLevel converts a level name to a Level. Unknown names return false.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	}
	return LevelInfo, false
}

// Category groups log entries by subsystem.
type Category string

const (
	CatSystem    Category = "system"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
	CatReader    Category = "reader"
	CatTag       Category = "tag"
	CatSession   Category = "session"
	CatProvision Category = "provision"
)

// Entry is a single log line kept in memory.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Stats summarizes the buffer contents.
type Stats struct {
	Total      int           `json:"total"`
	Capacity   int           `json:"capacity"`
	Dropped    uint64        `json:"dropped"`
	ByLevel    map[Level]int `json:"-"`
	ErrorCount int           `json:"errorCount"`
	WarnCount  int           `json:"warnCount"`
}

// Logger is a fixed-size ring buffer of entries. It is safe for concurrent use.
type Logger struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	full     bool
	dropped  uint64
	minLevel Level
	out      io.Writer
}

// New creates a logger holding at most maxEntries entries.
func New(maxEntries int, minLevel Level) *Logger {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Logger{
		entries:  make([]Entry, maxEntries),
		minLevel: minLevel,
	}
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(1000, LevelInfo)
)

// Init replaces the package logger. Call once at startup.
func Init(maxEntries int, minLevel Level) {
	defaultMu.Lock()
	defaultLogger = New(maxEntries, minLevel)
	defaultMu.Unlock()
}

// Get returns the package logger.
func Get() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetOutput echoes every accepted entry to w as a single text line.
// Pass nil to disable.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.out = w
	l.mu.Unlock()
}

// Log records an entry if it meets the minimum level.
func (l *Logger) Log(level Level, cat Category, msg string, data map[string]any) {
	if level < l.minLevel {
		return
	}
	e := Entry{
		Timestamp: time.Now(),
		Level:     level,
		Category:  cat,
		Message:   msg,
		Data:      data,
	}

	l.mu.Lock()
	if l.full {
		l.dropped++
	}
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	out := l.out
	l.mu.Unlock()

	if out != nil {
		fmt.Fprintln(out, formatEntry(e))
	}
}

func formatEntry(e Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s [%s] %s", e.Timestamp.Format(time.RFC3339), strings.ToUpper(e.Level.String()), e.Category, e.Message)
	for k, v := range e.Data {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	return b.String()
}

// GetEntries returns up to limit entries, newest first, optionally filtered.
func (l *Logger) GetEntries(limit int, minLevel *Level, category *Category) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.next
	if l.full {
		n = len(l.entries)
	}

	result := make([]Entry, 0, min(limit, n))
	for i := 0; i < n && len(result) < limit; i++ {
		idx := (l.next - 1 - i + len(l.entries)) % len(l.entries)
		e := l.entries[idx]
		if minLevel != nil && e.Level < *minLevel {
			continue
		}
		if category != nil && e.Category != *category {
			continue
		}
		result = append(result, e)
	}
	return result
}

// Stats returns counters for the current buffer contents.
func (l *Logger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.next
	if l.full {
		n = len(l.entries)
	}
	s := Stats{
		Total:    n,
		Capacity: len(l.entries),
		Dropped:  l.dropped,
		ByLevel:  make(map[Level]int),
	}
	for i := 0; i < n; i++ {
		s.ByLevel[l.entries[i].Level]++
	}
	s.ErrorCount = s.ByLevel[LevelError]
	s.WarnCount = s.ByLevel[LevelWarn]
	return s
}

// Clear drops all entries.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]Entry, len(l.entries))
	l.next = 0
	l.full = false
	l.dropped = 0
}

func Debug(cat Category, msg string, data map[string]any) {
	Get().Log(LevelDebug, cat, msg, data)
}

func Info(cat Category, msg string, data map[string]any) {
	Get().Log(LevelInfo, cat, msg, data)
}

func Warn(cat Category, msg string, data map[string]any) {
	Get().Log(LevelWarn, cat, msg, data)
}

func Error(cat Category, msg string, data map[string]any) {
	Get().Log(LevelError, cat, msg, data)
}
