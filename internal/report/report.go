// Package report renders a run summary for people: a table on the
// terminal and summary.txt next to the fork logs.
package report

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/zpdzap/obox/internal/runlog"
	"github.com/zpdzap/obox/internal/sandbox"
)

// TextFile is the human-readable summary written into the run directory.
const TextFile = "summary.txt"

const maxCause = 72

// styles are bound to one renderer so colors only reach terminals.
type styles struct {
	header    lipgloss.Style
	cell      lipgloss.Style
	border    lipgloss.Style
	muted     lipgloss.Style
	succeeded lipgloss.Style
	failed    lipgloss.Style
	timedOut  lipgloss.Style
	pending   lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		header:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFD700")).Padding(0, 1),
		cell:      r.NewStyle().Padding(0, 1),
		border:    r.NewStyle().Foreground(lipgloss.Color("#333333")),
		muted:     r.NewStyle().Foreground(lipgloss.Color("#888888")),
		succeeded: r.NewStyle().Foreground(lipgloss.Color("#00FF00")).Padding(0, 1),
		failed:    r.NewStyle().Foreground(lipgloss.Color("#FF4444")).Padding(0, 1),
		timedOut:  r.NewStyle().Foreground(lipgloss.Color("#FFAA00")).Padding(0, 1),
		pending:   r.NewStyle().Foreground(lipgloss.Color("#555555")).Padding(0, 1),
	}
}

func (s styles) status(st runlog.Status) lipgloss.Style {
	switch st {
	case runlog.StatusSucceeded:
		return s.succeeded
	case runlog.StatusFailed:
		return s.failed
	case runlog.StatusTimedOut:
		return s.timedOut
	}
	return s.pending
}

const statusColumn = 2

// Write renders s to w. Colors are used only when w is a terminal.
func Write(w io.Writer, s runlog.Summary) error {
	r := lipgloss.NewRenderer(w)
	_, err := io.WriteString(w, render(r, s))
	return err
}

// Save writes summary.txt into dir without colors.
func Save(dir string, s runlog.Summary) error {
	var buf bytes.Buffer
	if err := Write(&buf, s); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, TextFile), buf.Bytes(), 0o644)
}

func render(r *lipgloss.Renderer, s runlog.Summary) string {
	st := newStyles(r)

	var rows [][]string
	var cost float64
	var tokens int64
	for _, f := range s.Forks {
		cost += f.Usage.CostUSD
		tokens += f.Usage.InputTokens + f.Usage.OutputTokens
		rows = append(rows, []string{
			strconv.Itoa(f.Index + 1),
			f.Branch,
			string(f.Status),
			sandbox.FormatID(f.SandboxID),
			strconv.Itoa(f.Usage.Turns),
			FormatTokenCount(f.Usage.InputTokens) + "/" + FormatTokenCount(f.Usage.OutputTokens),
			FormatCost(f.Usage.CostUSD),
			fmt.Sprintf("%d/%d", f.Allowed, f.Denied),
			FormatDuration(f.Duration),
			cause(f),
		})
	}
	statuses := make([]runlog.Status, len(s.Forks))
	for i, f := range s.Forks {
		statuses[i] = f.Status
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(st.border).
		Headers("#", "BRANCH", "STATUS", "SANDBOX", "TURNS", "TOKENS IN/OUT", "COST", "TOOLS OK/DENIED", "TIME", "CAUSE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return st.header
			case col == statusColumn && row >= 0 && row < len(statuses):
				return st.status(statuses[row])
			}
			return st.cell
		})

	var b strings.Builder
	b.WriteString(st.header.Render("obox run " + s.RunID))
	b.WriteString("\n")
	b.WriteString(t.Render())
	b.WriteString("\n")
	b.WriteString(st.muted.Render(fmt.Sprintf("%d forks: %d succeeded, %d failed, %d timed out in %s",
		len(s.Forks),
		s.Counts[runlog.StatusSucceeded],
		s.Counts[runlog.StatusFailed],
		s.Counts[runlog.StatusTimedOut],
		FormatDuration(s.Duration))))
	b.WriteString("\n")
	b.WriteString(st.muted.Render(fmt.Sprintf("Total: %s tokens, %s", FormatTokenCount(tokens), FormatCost(cost))))
	b.WriteString("\n")
	b.WriteString(st.muted.Render("Logs: " + s.LogDir))
	b.WriteString("\n")
	return b.String()
}

func cause(f runlog.Result) string {
	text := f.Cause
	if f.Status == runlog.StatusSucceeded {
		text = f.Summary
	} else if f.Class != runlog.ClassNone {
		text = string(f.Class) + ": " + text
	}
	text = strings.Join(strings.Fields(text), " ")
	if len([]rune(text)) > maxCause {
		text = string([]rune(text)[:maxCause-3]) + "..."
	}
	return text
}

// ExitCode is 0 when every fork succeeded and 1 otherwise.
func ExitCode(s runlog.Summary) int {
	if s.Succeeded() {
		return 0
	}
	return 1
}

// FormatCost formats a USD amount with four decimals.
func FormatCost(usd float64) string {
	return fmt.Sprintf("$%.4f", usd)
}

// FormatTokenCount abbreviates large counts: 999, 1.5K, 2.3M.
func FormatTokenCount(tokens int64) string {
	switch {
	case tokens < 1000:
		return strconv.FormatInt(tokens, 10)
	case tokens < 1_000_000:
		return fmt.Sprintf("%.1fK", float64(tokens)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(tokens)/1_000_000)
}

// FormatDuration rounds to a readable precision.
func FormatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
