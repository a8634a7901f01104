package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/zpdzap/obox/internal/report"
	"github.com/zpdzap/obox/internal/runlog"
	"github.com/zpdzap/obox/internal/sandbox"
)

func (m model) View() string {
	if m.done {
		return ""
	}

	var b strings.Builder

	// Header
	title := fmt.Sprintf("obox  %d forks", len(m.rows))
	elapsed := report.FormatDuration(m.now().Sub(m.started))
	gap := max(1, m.width-lipgloss.Width(title)-lipgloss.Width(elapsed)-4)
	b.WriteString(headerStyle.Width(m.width).Render(title + strings.Repeat(" ", gap) + elapsed))
	b.WriteString("\n")
	b.WriteString(statsStyle.Render(m.stats()))
	b.WriteString("\n")

	// Fork list: one line per fork, windowed around the cursor
	listHeight := max(3, m.height-12)
	first := 0
	if m.cursor >= listHeight {
		first = m.cursor - listHeight + 1
	}
	for i := first; i < len(m.rows) && i < first+listHeight; i++ {
		b.WriteString(m.renderRow(i))
		b.WriteString("\n")
	}

	b.WriteString(dividerStyle.Render(strings.Repeat("─", m.width)))
	b.WriteString("\n")
	b.WriteString(m.renderDetail())
	b.WriteString(dividerStyle.Render(strings.Repeat("─", m.width)))
	b.WriteString("\n")

	switch {
	case m.confirmCancel:
		b.WriteString(confirmStyle.Render("Cancel the whole run? Press q again to confirm, any other key to continue"))
	case m.cancelling:
		b.WriteString(hotkeysStyle.Render("[↑↓] select  [?] help"))
	default:
		b.WriteString(hotkeysStyle.Render("[↑↓] select  [q] cancel run  [?] help"))
	}
	b.WriteString("\n")

	if m.message != "" {
		if m.isError {
			b.WriteString(errorStyle.Render(m.message))
		} else {
			b.WriteString(messageStyle.Render(m.message))
		}
		b.WriteString("\n")
	}

	if m.showHelp {
		return m.renderHelpOverlay(b.String())
	}
	return b.String()
}

func (m model) stats() string {
	c := m.counts()
	active := c[runlog.StatusCreated] + c[runlog.StatusProvisioning] + c[runlog.StatusRunning]
	return fmt.Sprintf("%d queued  %d active  %d succeeded  %d failed  %d timed out",
		c[runlog.StatusPending], active, c[runlog.StatusSucceeded], c[runlog.StatusFailed], c[runlog.StatusTimedOut])
}

func (m model) renderRow(i int) string {
	row := m.rows[i]
	cursor := "  "
	nStyle := nameStyle
	if i == m.cursor {
		cursor = "▸ "
		nStyle = selectedNameStyle
	}

	icon, iStyle := m.statusIcon(row.status)
	parts := []string{
		fmt.Sprintf("  %s%s %3d %s", cursor, iStyle.Render(icon), row.index+1, nStyle.Render(row.branch)),
		iStyle.Render(string(row.status)),
	}
	if row.sandboxID != "" {
		parts = append(parts, idStyle.Render(sandbox.FormatID(row.sandboxID)))
	}
	if row.attempt > 1 {
		parts = append(parts, statusStarting.Render(fmt.Sprintf("attempt %d", row.attempt)))
	}
	if !row.started.IsZero() {
		end := m.now()
		if row.status.Terminal() {
			end = row.updated
		}
		parts = append(parts, statsStyle.Render(report.FormatDuration(end.Sub(row.started))))
	}
	return strings.Join(parts, "  ")
}

// statusIcon returns the status icon and style for a fork. Forks that are
// doing work show the spinner.
func (m model) statusIcon(s runlog.Status) (string, lipgloss.Style) {
	switch s {
	case runlog.StatusCreated, runlog.StatusProvisioning:
		return m.spinner.View(), statusStarting
	case runlog.StatusRunning:
		return m.spinner.View(), statusRunning
	case runlog.StatusSucceeded:
		return "✓", statusSucceeded
	case runlog.StatusFailed:
		return "✗", statusFailed
	case runlog.StatusTimedOut:
		return "⌛", statusFailed
	}
	return "○", statusPending
}

func (m model) renderDetail() string {
	if m.cursor >= len(m.rows) {
		return detailStyle.Render("No fork selected") + "\n"
	}
	row := m.rows[m.cursor]
	lines := []string{
		detailKeyStyle.Render("fork    ") + fmt.Sprintf("%d  %s", row.index+1, row.branch),
		detailKeyStyle.Render("task    ") + truncate(m.task, m.width-14),
	}
	if row.sandboxID != "" {
		lines = append(lines, detailKeyStyle.Render("sandbox ")+row.sandboxID)
	}
	if row.class != runlog.ClassNone || row.cause != "" {
		cause := strings.Join(strings.Fields(row.cause), " ")
		lines = append(lines, detailKeyStyle.Render("cause   ")+truncate(strings.TrimSpace(string(row.class)+" "+cause), m.width-14))
	}
	if !row.updated.IsZero() {
		lines = append(lines, detailKeyStyle.Render("updated ")+row.updated.Format(time.TimeOnly))
	}

	var b strings.Builder
	for _, l := range lines {
		b.WriteString(detailStyle.Render(l))
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	if n < 4 {
		n = 4
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func (m model) renderHelpOverlay(base string) string {
	help := strings.Join([]string{
		helpHeaderStyle.Render("Navigation"),
		helpKeyStyle.Render("  ↑/k  ↓/j") + helpDescStyle.Render("   Select fork"),
		"",
		helpHeaderStyle.Render("Run"),
		helpKeyStyle.Render("  q q") + helpDescStyle.Render("        Cancel every fork"),
		helpDescStyle.Render("  The dashboard closes once all sandboxes"),
		helpDescStyle.Render("  have been released."),
		"",
		helpKeyStyle.Render("  ?") + helpDescStyle.Render("  close this help"),
	}, "\n")

	modal := helpStyle.Render(help)

	// Center the modal over the base view
	modalWidth := lipgloss.Width(modal)
	modalHeight := lipgloss.Height(modal)
	baseLines := strings.Split(base, "\n")
	xOffset := max(0, (m.width-modalWidth)/2)
	yOffset := max(0, (m.height-modalHeight)/2)

	for i, mLine := range strings.Split(modal, "\n") {
		row := yOffset + i
		for row >= len(baseLines) {
			baseLines = append(baseLines, "")
		}
		padding := strings.Repeat(" ", xOffset)
		baseLines[row] = padding + mLine + strings.Repeat(" ", max(0, m.width-xOffset-lipgloss.Width(mLine)))
	}
	return strings.Join(baseLines, "\n")
}
