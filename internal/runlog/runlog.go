package runlog

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry records one orchestrator invocation.
type Entry struct {
	Timestamp     time.Time     `json:"timestamp"`
	Trigger       string        `json:"trigger"`
	RunID         string        `json:"run_id"`
	Processed     int           `json:"processed"`
	Sent          int           `json:"sent"`
	Failed        int           `json:"failed"`
	Duration      time.Duration `json:"duration_ns"`
	LatencyMs     int64         `json:"latency_ms"`
	Error         string        `json:"error,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
}

type Logger struct {
	writer io.Writer
	mu     sync.Mutex
	now    func() time.Time
	last   *Entry
}

func NewLogger(w io.Writer) *Logger {
	return &Logger{writer: w, now: time.Now}
}

func NewFileLogger(path string) (*Logger, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}

	cleanPath := filepath.Clean(path)
	f, err := os.OpenFile(cleanPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304 -- path is from application config, not user input
	if err != nil {
		return nil, err
	}
	return NewLogger(f), nil
}

func (l *Logger) Log(entry Entry) {
	if l == nil {
		return
	}
	entry.Timestamp = l.now().UTC()
	entry.LatencyMs = entry.Duration.Milliseconds()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = &entry
	if err := json.NewEncoder(l.writer).Encode(entry); err != nil {
		slog.Error("failed to write run log entry", "error", err)
	}
}

// Last returns the most recent entry logged by this process, or nil.
func (l *Logger) Last() *Entry {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return nil
	}
	e := *l.last
	return &e
}
