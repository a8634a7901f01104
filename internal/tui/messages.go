package tui

import (
	"github.com/zpdzap/obox/internal/fork"
	"github.com/zpdzap/obox/internal/runlog"
)

// forkChangedMsg carries one fork transition from the run goroutine.
type forkChangedMsg fork.Snapshot

// runDoneMsg is sent once every fork is terminal.
type runDoneMsg struct {
	summary runlog.Summary
	err     error
}

// confirmCancelExpiredMsg clears a pending cancel confirmation.
type confirmCancelExpiredMsg struct{}
