package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/zpdzap/obox/internal/fork"
)

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case forkChangedMsg:
		m.apply(fork.Snapshot(msg))
		return m, nil

	case runDoneMsg:
		m.done = true
		m.summary = msg.summary
		m.err = msg.err
		return m, tea.Quit

	case confirmCancelExpiredMsg:
		m.confirmCancel = false
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Dismiss help modal
	if m.showHelp {
		if msg.String() == "?" || msg.String() == "esc" {
			m.showHelp = false
		}
		return m, nil
	}

	// A second q or ctrl+c confirms; anything else backs out.
	if m.confirmCancel {
		m.confirmCancel = false
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancelling = true
			m.message = "Cancelling run. Waiting for every sandbox to be released..."
			m.isError = false
			if m.cancel != nil {
				m.cancel()
			}
		}
		return m, nil
	}

	switch msg.String() {
	case "ctrl+c", "q":
		// The dashboard never exits before the run does: leaving early
		// would orphan sandboxes.
		if m.cancelling {
			m.message = "Still releasing sandboxes..."
			return m, nil
		}
		m.confirmCancel = true
		return m, tea.Tick(2*time.Second, func(time.Time) tea.Msg {
			return confirmCancelExpiredMsg{}
		})

	case "?":
		m.showHelp = true
		return m, nil

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		} else if len(m.rows) > 0 {
			m.cursor = len(m.rows) - 1
		}
		return m, nil

	case "down", "j":
		if m.cursor < len(m.rows)-1 {
			m.cursor++
		} else {
			m.cursor = 0
		}
		return m, nil
	}
	return m, nil
}
