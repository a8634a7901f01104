// Package runlog keeps the per-fork audit logs of one orchestrator run and
// the registry that aggregates their outcomes.
//
// Every fork gets its own JSONL file inside a run-scoped directory. File
// names are derived from the branch, the 1-based fork number and the run
// timestamp, so forks of one run never share a destination and repeated
// runs never overwrite each other.
package runlog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// TimestampLayout formats run timestamps in directory and file names.
const TimestampLayout = "20060102-150405"

var (
	// ErrForksActive is returned by Summary while a registered fork has not
	// reached a terminal status.
	ErrForksActive = errors.New("forks still active")

	// ErrManagerClosed is returned by Register after Close.
	ErrManagerClosed = errors.New("log manager closed")
)

type forkEntry struct {
	branch string
	logger *Logger
	result *Result
}

// Manager owns the Fork Loggers of one run. Registration, completion and
// aggregation are serialized by a single mutex.
type Manager struct {
	dir     string
	runID   string
	stamp   string
	started time.Time
	now     func() time.Time
	log     *slog.Logger

	mu     sync.Mutex
	forks  map[int]*forkEntry
	paths  map[string]int
	closed bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides time.Now for entry timestamps.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithLogger mirrors log activity to a process logger at debug level.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = logger }
}

// NewManager creates the run directory under baseDir and returns an empty
// registry.
func NewManager(baseDir, runID string, started time.Time, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		runID:   runID,
		stamp:   started.Format(TimestampLayout),
		started: started,
		now:     time.Now,
		log:     slog.New(slog.DiscardHandler),
		forks:   make(map[int]*forkEntry),
		paths:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}

	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	m.dir = filepath.Join(baseDir, fmt.Sprintf("run-%s-%s", m.stamp, short))
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating run log dir: %w", err)
	}
	return m, nil
}

// Dir is the run-scoped log directory.
func (m *Manager) Dir() string { return m.dir }

// RunID identifies the run.
func (m *Manager) RunID() string { return m.runID }

// FileName returns the log file name for a fork.
func FileName(branch string, index int, stamp string) string {
	safe := strings.NewReplacer("/", "-", string(filepath.Separator), "-").Replace(branch)
	return fmt.Sprintf("%s-fork-%d-%s.log", safe, index+1, stamp)
}

// Register allocates the Fork Logger for a fork. An index can be
// registered once per run, and no two forks share a destination.
func (m *Manager) Register(index int, branch string) (*Logger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if _, exists := m.forks[index]; exists {
		return nil, fmt.Errorf("fork %d already registered", index)
	}
	path := filepath.Join(m.dir, FileName(branch, index, m.stamp))
	if other, taken := m.paths[path]; taken {
		return nil, fmt.Errorf("log destination %q already assigned to fork %d", path, other)
	}

	logger, err := newLogger(forkID(index), path, m.now, m.log)
	if err != nil {
		return nil, err
	}
	m.forks[index] = &forkEntry{branch: branch, logger: logger}
	m.paths[path] = index
	return logger, nil
}

// Complete records the terminal result of a fork and closes its logger.
func (m *Manager) Complete(index int, result Result) error {
	if !result.Status.Terminal() {
		return fmt.Errorf("fork %d: status %q is not terminal", index, result.Status)
	}

	m.mu.Lock()
	entry, ok := m.forks[index]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("fork %d not registered", index)
	}
	if entry.result != nil {
		m.mu.Unlock()
		return fmt.Errorf("fork %d already completed", index)
	}
	result.Index = index
	if result.Branch == "" {
		result.Branch = entry.branch
	}
	result.LogPath = entry.logger.Path()
	result.Allowed, result.Denied = entry.logger.Counts()
	entry.result = &result
	m.mu.Unlock()

	entry.logger.Lifecycle("terminal", map[string]string{
		"status": string(result.Status),
		"cause":  result.Cause,
	})
	return entry.logger.Close()
}

// Summary aggregates the results of every registered fork. It fails with
// ErrForksActive until all of them are terminal.
func (m *Manager) Summary() (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := Summary{
		RunID:      m.runID,
		StartedAt:  m.started,
		FinishedAt: m.now(),
		LogDir:     m.dir,
		Counts:     make(map[Status]int),
	}
	for index, entry := range m.forks {
		if entry.result == nil {
			return Summary{}, fmt.Errorf("%w: fork %d", ErrForksActive, index)
		}
		summary.Forks = append(summary.Forks, *entry.result)
		summary.Counts[entry.result.Status]++
	}
	sort.Slice(summary.Forks, func(i, j int) bool {
		return summary.Forks[i].Index < summary.Forks[j].Index
	})
	summary.Duration = summary.FinishedAt.Sub(summary.StartedAt)
	return summary, nil
}

// Close closes every logger that is still open. Further registrations
// fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	loggers := make([]*Logger, 0, len(m.forks))
	for _, entry := range m.forks {
		loggers = append(loggers, entry.logger)
	}
	m.mu.Unlock()

	var errs []error
	for _, logger := range loggers {
		if err := logger.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func forkID(index int) string {
	return fmt.Sprintf("fork-%d", index+1)
}
