package runlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SummaryFile is the structured summary written into the run directory.
const SummaryFile = "summary.json"

// Summary is the aggregate of one run once every fork is terminal.
type Summary struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Duration   time.Duration  `json:"duration_ns"`
	LogDir     string         `json:"log_dir"`
	Counts     map[Status]int `json:"counts"`
	Forks      []Result       `json:"forks"`
}

// Succeeded reports whether the run had forks and all of them succeeded.
func (s Summary) Succeeded() bool {
	return len(s.Forks) > 0 && s.Counts[StatusSucceeded] == len(s.Forks)
}

// WriteSummary saves s as summary.json inside dir.
func WriteSummary(dir string, s Summary) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating summary dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, SummaryFile), data, 0o644)
}

// LoadSummary reads summary.json from a run directory.
func LoadSummary(dir string) (Summary, error) {
	data, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	if err != nil {
		return Summary{}, fmt.Errorf("reading summary: %w", err)
	}

	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return Summary{}, fmt.Errorf("parsing summary: %w", err)
	}
	if s.Counts == nil {
		s.Counts = make(map[Status]int)
	}
	return s, nil
}
