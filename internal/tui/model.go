package tui

import (
	"context"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/zpdzap/obox/internal/fork"
	"github.com/zpdzap/obox/internal/runlog"
	"golang.org/x/term"
)

// forkRow is the dashboard's view of one fork, built from its last
// snapshot.
type forkRow struct {
	index     int
	branch    string
	sandboxID string
	status    runlog.Status
	class     runlog.ErrorClass
	cause     string
	attempt   int
	started   time.Time
	updated   time.Time
}

// model is the Bubble Tea model for the run dashboard.
type model struct {
	task    string
	rows    []forkRow
	cursor  int
	spinner spinner.Model
	started time.Time
	now     func() time.Time
	width   int
	height  int

	cancel     context.CancelFunc
	cancelling bool
	// Double-press cancel confirmation
	confirmCancel bool

	done    bool
	summary runlog.Summary
	err     error

	showHelp bool
	message  string
	isError  bool
}

func newModel(task string, branches []string, cancel context.CancelFunc) model {
	// Get initial terminal size so the first render isn't at width=0
	w, h, _ := term.GetSize(int(os.Stdout.Fd()))
	if w == 0 {
		w = 80
	}
	if h == 0 {
		h = 24
	}

	s := spinner.New()
	s.Spinner = spinner.MiniDot
	s.Style = statusRunning

	rows := make([]forkRow, len(branches))
	for i, b := range branches {
		rows[i] = forkRow{index: i, branch: b, status: runlog.StatusPending}
	}

	return model{
		task:    task,
		rows:    rows,
		spinner: s,
		started: time.Now(),
		now:     time.Now,
		width:   w,
		height:  h,
		cancel:  cancel,
	}
}

func (m model) Init() tea.Cmd {
	return m.spinner.Tick
}

// apply folds a snapshot into the matching row.
func (m *model) apply(s fork.Snapshot) {
	if s.Index < 0 || s.Index >= len(m.rows) {
		return
	}
	row := &m.rows[s.Index]
	if row.started.IsZero() && s.Status == runlog.StatusProvisioning {
		row.started = s.At
	}
	if s.Branch != "" {
		row.branch = s.Branch
	}
	row.status = s.Status
	row.class = s.Class
	row.cause = s.Cause
	row.attempt = s.Attempt
	row.updated = s.At
	if s.SandboxID != "" {
		row.sandboxID = s.SandboxID
	}
}

func (m model) counts() map[runlog.Status]int {
	c := make(map[runlog.Status]int)
	for _, r := range m.rows {
		c[r.status]++
	}
	return c
}
