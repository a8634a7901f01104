package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/zpdzap/obox/internal/fork"
	"github.com/zpdzap/obox/internal/runlog"
)

func key(s string) tea.KeyMsg {
	if s == "ctrl+c" {
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func testModel(cancel func()) model {
	m := newModel("add a README", []string{"exp-fork-1", "exp-fork-2", "exp-fork-3"}, cancel)
	m.width, m.height = 100, 30
	return m
}

func update(t *testing.T, m model, msg tea.Msg) (model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(model), cmd
}

func TestForkChangedUpdatesRow(t *testing.T) {
	m := testModel(nil)
	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	m, _ = update(t, m, forkChangedMsg(fork.Snapshot{Index: 1, Status: runlog.StatusProvisioning, Attempt: 1, At: at}))
	m, _ = update(t, m, forkChangedMsg(fork.Snapshot{Index: 1, Status: runlog.StatusRunning, SandboxID: "abcdef0123456789", Attempt: 1, At: at.Add(time.Second)}))

	row := m.rows[1]
	if row.status != runlog.StatusRunning || row.sandboxID != "abcdef0123456789" {
		t.Errorf("row = %+v", row)
	}
	if !row.started.Equal(at) {
		t.Errorf("started = %v, want %v", row.started, at)
	}
	if got := m.counts()[runlog.StatusPending]; got != 2 {
		t.Errorf("pending = %d, want 2", got)
	}

	// Out-of-range snapshots are ignored.
	m, _ = update(t, m, forkChangedMsg(fork.Snapshot{Index: 7, Status: runlog.StatusFailed}))
	if got := m.counts()[runlog.StatusFailed]; got != 0 {
		t.Errorf("failed = %d, want 0", got)
	}
}

func TestCancelNeedsConfirmation(t *testing.T) {
	var cancels int
	m := testModel(func() { cancels++ })

	m, cmd := update(t, m, key("q"))
	if !m.confirmCancel || cmd == nil {
		t.Fatal("first q should ask for confirmation")
	}
	if cancels != 0 {
		t.Fatal("run cancelled without confirmation")
	}

	m, _ = update(t, m, key("j"))
	if m.confirmCancel || cancels != 0 {
		t.Fatal("another key should back out of the confirmation")
	}

	m, _ = update(t, m, key("q"))
	m, _ = update(t, m, key("ctrl+c"))
	if cancels != 1 || !m.cancelling {
		t.Fatalf("cancels = %d, cancelling = %v", cancels, m.cancelling)
	}

	// Further presses neither quit nor cancel twice.
	m, cmd = update(t, m, key("q"))
	if cmd != nil || cancels != 1 || m.done {
		t.Error("dashboard must stay until the run is done")
	}
}

func TestRunDoneQuits(t *testing.T) {
	m := testModel(nil)
	want := runlog.Summary{RunID: "run-1"}
	m, cmd := update(t, m, runDoneMsg{summary: want, err: errors.New("boom")})
	if !m.done || m.summary.RunID != "run-1" || m.err == nil {
		t.Errorf("model after done = %+v", m)
	}
	if cmd == nil {
		t.Fatal("runDoneMsg should return tea.Quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("runDoneMsg command is not tea.Quit")
	}
	if m.View() != "" {
		t.Error("View should be empty once done")
	}
}

func TestCursorWraps(t *testing.T) {
	m := testModel(nil)
	m, _ = update(t, m, key("k"))
	if m.cursor != 2 {
		t.Errorf("cursor = %d, want 2", m.cursor)
	}
	m, _ = update(t, m, key("j"))
	if m.cursor != 0 {
		t.Errorf("cursor = %d, want 0", m.cursor)
	}
}

func TestView(t *testing.T) {
	m := testModel(nil)
	m, _ = update(t, m, forkChangedMsg(fork.Snapshot{
		Index:  0,
		Status: runlog.StatusFailed,
		Class:  runlog.ClassConnection,
		Cause:  "creating sandbox: quota exceeded",
		At:     time.Now(),
	}))

	out := m.View()
	for _, want := range []string{"obox  3 forks", "exp-fork-1", "exp-fork-3", "1 failed", "connection creating sandbox: quota exceeded", "[q] cancel run"} {
		if !strings.Contains(out, want) {
			t.Errorf("view missing %q", want)
		}
	}

	m, _ = update(t, m, key("?"))
	if !strings.Contains(m.View(), "Cancel every fork") {
		t.Error("help overlay not shown")
	}
	m, _ = update(t, m, key("?"))
	if m.showHelp {
		t.Error("? should close the help overlay")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"a longer sentence", 8, "a lon..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
