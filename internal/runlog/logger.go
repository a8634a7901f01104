package runlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ErrClosed is returned by writes to a Logger after Close.
var ErrClosed = errors.New("fork log closed")

// EntryKind classifies a line in a fork log.
type EntryKind string

const (
	EntryTool      EntryKind = "tool"
	EntryLifecycle EntryKind = "lifecycle"
	EntryNote      EntryKind = "note"
	EntryAgent     EntryKind = "agent"
)

// Entry is one JSONL line in a fork log.
type Entry struct {
	Time    time.Time         `json:"time"`
	Fork    string            `json:"fork"`
	Kind    EntryKind         `json:"kind"`
	Tool    *ToolRecord       `json:"tool,omitempty"`
	Event   string            `json:"event,omitempty"`
	Message string            `json:"message,omitempty"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// Logger is the append-only log stream of a single fork. Every entry is
// written as one JSON line to the fork's own file. Safe for concurrent use.
type Logger struct {
	id   string
	path string
	now  func() time.Time

	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	closed  bool
	records []ToolRecord
	allowed int
	denied  int

	debug *slog.Logger
}

func newLogger(id, path string, now func() time.Time, debug *slog.Logger) (*Logger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating fork log %q: %w", path, err)
	}
	encoder := json.NewEncoder(file)
	encoder.SetEscapeHTML(false)
	return &Logger{
		id:      id,
		path:    path,
		now:     now,
		file:    file,
		encoder: encoder,
		debug:   debug.With("fork", id),
	}, nil
}

// ID is the fork identifier stamped on every entry.
func (l *Logger) ID() string { return l.id }

// Path is the log file location.
func (l *Logger) Path() string { return l.path }

// RecordTool appends a Tool Invocation Record. The fork id and, when
// unset, the timestamp are filled in here.
func (l *Logger) RecordTool(rec ToolRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.Time.IsZero() {
		rec.Time = l.now()
	}
	rec.Fork = l.id
	if err := l.writeLocked(Entry{Time: rec.Time, Kind: EntryTool, Tool: &rec}); err != nil {
		return err
	}
	l.records = append(l.records, rec)
	if rec.Decision == DecisionDenied {
		l.denied++
	} else {
		l.allowed++
	}
	l.debug.Debug("tool call", "tool", rec.Tool, "decision", rec.Decision, "path", rec.Path)
	return nil
}

// Lifecycle appends a sandbox or fork lifecycle event such as
// "sandbox_created" or "status".
func (l *Logger) Lifecycle(event string, attrs map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debug.Debug(event, "attrs", attrs)
	return l.writeLocked(Entry{Time: l.now(), Kind: EntryLifecycle, Event: event, Attrs: attrs})
}

// Note appends a free-text entry.
func (l *Logger) Note(format string, args ...any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeLocked(Entry{Time: l.now(), Kind: EntryNote, Message: fmt.Sprintf(format, args...)})
}

// Agent appends an event reported by the agent runtime.
func (l *Logger) Agent(event, message string, attrs map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeLocked(Entry{Time: l.now(), Kind: EntryAgent, Event: event, Message: message, Attrs: attrs})
}

// ToolRecords returns a copy of the tool records in append order.
func (l *Logger) ToolRecords() []ToolRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ToolRecord(nil), l.records...)
}

// Counts returns how many tool calls were allowed and denied.
func (l *Logger) Counts() (allowed, denied int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowed, l.denied
}

// Close flushes and closes the log file. Closing twice is a no-op.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return fmt.Errorf("syncing fork log: %w", err)
	}
	return l.file.Close()
}

func (l *Logger) writeLocked(entry Entry) error {
	if l.closed {
		return ErrClosed
	}
	entry.Fork = l.id
	if err := l.encoder.Encode(entry); err != nil {
		return fmt.Errorf("writing fork log entry: %w", err)
	}
	return nil
}

// ReadEntries parses a fork log file.
func ReadEntries(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fork log: %w", err)
	}
	var entries []Entry
	decoder := json.NewDecoder(bytes.NewReader(data))
	for decoder.More() {
		var entry Entry
		if err := decoder.Decode(&entry); err != nil {
			return entries, fmt.Errorf("parsing fork log: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
