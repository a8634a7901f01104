// Package tui shows a live dashboard of a run's forks.
package tui

import (
	"context"
	"errors"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/zpdzap/obox/internal/fork"
	"github.com/zpdzap/obox/internal/runlog"
	"golang.org/x/term"
)

// RunFunc executes a run, reporting transitions to obs.
type RunFunc func(ctx context.Context, obs fork.Observer) (runlog.Summary, error)

// Interactive reports whether the dashboard can take over f.
func Interactive(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Observer forwards fork transitions into a running program.
type Observer struct {
	p *tea.Program
}

func (o Observer) ForkChanged(s fork.Snapshot) {
	o.p.Send(forkChangedMsg(s))
}

// Run shows the dashboard while run executes. Pressing q twice cancels
// the run; the dashboard stays up until every fork is terminal, so it
// never returns while sandboxes are still held.
func Run(ctx context.Context, task string, branches []string, run RunFunc) (runlog.Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newModel(task, branches, cancel), tea.WithAltScreen())

	type outcome struct {
		summary runlog.Summary
		err     error
	}
	finished := make(chan outcome, 1)
	go func() {
		summary, err := run(ctx, Observer{p: p})
		finished <- outcome{summary, err}
		p.Send(runDoneMsg{summary: summary, err: err})
	}()

	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrInterrupted) {
			cancel()
		}
		// Without a dashboard the run still has to finish before its
		// sandboxes are released.
		slog.Warn("dashboard stopped, waiting for forks", "error", err)
	}
	res := <-finished
	return res.summary, res.err
}
