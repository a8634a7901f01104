package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/zpdzap/obox/internal/gate"
)

// hookEvent is the JSON envelope the agent CLI sends to hook handlers on
// stdin.
type hookEvent struct {
	SessionID     string          `json:"session_id"`
	CWD           string          `json:"cwd"`
	HookEventName string          `json:"hook_event_name"`
	ToolName      string          `json:"tool_name"`
	ToolInput     json.RawMessage `json:"tool_input"`
}

// exitCodeDenied tells the agent CLI the tool call is blocked; stderr is
// shown to the model as feedback.
const exitCodeDenied = 2

const hookTimeout = 15 * time.Second

// hookDeniedError blocks the tool call. Its message goes to stderr.
type hookDeniedError struct {
	Message string
}

func (e *hookDeniedError) Error() string { return e.Message }

func hookCmd() *cobra.Command {
	hook := &cobra.Command{
		Use:    "hook",
		Short:  "Agent hook handlers",
		Hidden: true,
	}

	var socket string
	pre := &cobra.Command{
		Use:   "pre-tool-use",
		Short: "Ask the fork's tool gate whether a tool call may run",
		// Runs once per tool call; keep the process logger out of the
		// agent's stderr channel.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			err := preToolUse(cmd.Context(), os.Stdin, socket)
			var denied *hookDeniedError
			if errors.As(err, &denied) {
				fmt.Fprintln(os.Stderr, denied.Message)
				return &exitError{code: exitCodeDenied}
			}
			return err
		},
	}
	pre.Flags().StringVar(&socket, "socket", "", "unix socket of the fork's tool gate")
	hook.AddCommand(pre)
	return hook
}

// preToolUse forwards one hook event to the gate. Every failure to get a
// verdict denies the call.
func preToolUse(ctx context.Context, r io.Reader, socket string) error {
	var event hookEvent
	if err := json.NewDecoder(r).Decode(&event); err != nil {
		return &hookDeniedError{Message: fmt.Sprintf("obox: unreadable hook event, tool call blocked: %v", err)}
	}
	if socket == "" {
		return &hookDeniedError{Message: "obox: no tool gate configured, tool call blocked"}
	}

	call := gate.Call{Tool: event.ToolName, CWD: event.CWD}
	if len(event.ToolInput) > 0 {
		if err := json.Unmarshal(event.ToolInput, &call.Input); err != nil {
			return &hookDeniedError{Message: fmt.Sprintf("obox: unreadable %s input, tool call blocked: %v", event.ToolName, err)}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()
	verdict, err := gate.Ask(ctx, socket, call)
	if err != nil {
		return &hookDeniedError{Message: fmt.Sprintf("obox: tool gate unreachable, tool call blocked: %v", err)}
	}
	if !verdict.Allowed {
		return &hookDeniedError{Message: verdict.Err().Error() + ". Choose a permitted tool or path and continue."}
	}
	return nil
}
