package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// LogEntry is one decoded JSON log record.
type LogEntry map[string]any

// TestLogBuffer collects JSON log output from concurrent goroutines, such as
// queue workers, so tests can assert on individual records.
type TestLogBuffer struct {
	mu    sync.Mutex
	raw   bytes.Buffer
	lines []string
}

// Write implements io.Writer. The JSON handler writes one record per call.
func (b *TestLogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.raw.Write(p)
	for _, line := range strings.Split(string(p), "\n") {
		if strings.TrimSpace(line) != "" {
			b.lines = append(b.lines, line)
		}
	}
	return len(p), nil
}

// String returns everything written so far.
func (b *TestLogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.raw.String()
}

// Reset discards everything written so far.
func (b *TestLogBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.raw.Reset()
	b.lines = nil
}

// Entries decodes every record written so far. Lines that are not JSON are skipped.
func (b *TestLogBuffer) Entries() []LogEntry {
	b.mu.Lock()
	lines := append([]string(nil), b.lines...)
	b.mu.Unlock()

	entries := make([]LogEntry, 0, len(lines))
	for _, line := range lines {
		var entry LogEntry
		if json.Unmarshal([]byte(line), &entry) == nil {
			entries = append(entries, entry)
		}
	}
	return entries
}

// FindEntry returns the first record whose msg equals message.
func (b *TestLogBuffer) FindEntry(message string) (LogEntry, bool) {
	for _, entry := range b.Entries() {
		if entry["msg"] == message {
			return entry, true
		}
	}
	return nil, false
}

// CountLevel returns how many records were logged at level.
func (b *TestLogBuffer) CountLevel(level slog.Level) int {
	n := 0
	for _, entry := range b.Entries() {
		if entry["level"] == level.String() {
			n++
		}
	}
	return n
}

// GetTestLogger returns a debug-level JSON logger writing to a fresh buffer.
func GetTestLogger(t *testing.T) (*slog.Logger, *TestLogBuffer) {
	t.Helper()

	buf := &TestLogBuffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

// AssertLogContains fails t when the captured output does not contain content.
func AssertLogContains(t *testing.T, buf *TestLogBuffer, content string) {
	t.Helper()

	if logs := buf.String(); !strings.Contains(logs, content) {
		t.Errorf("expected log output to contain %q\nlogs:\n%s", content, logs)
	}
}
