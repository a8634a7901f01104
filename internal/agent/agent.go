// Package agent drives the LLM coding agent for one fork. The turn loop
// itself is external; this package only starts it, routes its tool calls
// through the fork's gate, and collects the terminal outcome.
package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/zpdzap/obox/internal/gate"
	"github.com/zpdzap/obox/internal/runlog"
	"github.com/zpdzap/obox/internal/sandbox"
)

// ErrAgent means the agent runtime could not complete a run.
var ErrAgent = errors.New("agent runtime failed")

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5-20250929"

var modelAliases = map[string]string{
	"opus":   "claude-opus-4-20250514",
	"sonnet": DefaultModel,
	"haiku":  "claude-3-5-haiku-20241022",
}

// ParseModelName expands the short aliases opus, sonnet and haiku. Any
// other non-empty value is taken as a full model id.
func ParseModelName(model string) string {
	if model == "" {
		return DefaultModel
	}
	if full, ok := modelAliases[strings.ToLower(model)]; ok {
		return full
	}
	return model
}

// Request is everything one agent run needs.
type Request struct {
	ForkID  string
	Task    string
	RepoURL string
	Branch  string
	// Workdir is the repository checkout inside the sandbox.
	Workdir  string
	Sandbox  sandbox.Handle
	Gate     *gate.Gate
	Log      *runlog.Logger
	MaxTurns int
	Model    string
}

// Outcome is the terminal report of a run.
type Outcome struct {
	Success bool
	// StopReason is the runtime's own label, such as "success" or
	// "error_max_turns".
	StopReason string
	Summary    string
	Usage      runlog.Usage
}

// Runtime runs an agent to completion. Cancelling ctx asks the agent to
// stop; Run still returns only after it has.
type Runtime interface {
	Run(ctx context.Context, req Request) (Outcome, error)
}

// RuntimeFunc adapts a function to Runtime.
type RuntimeFunc func(ctx context.Context, req Request) (Outcome, error)

func (f RuntimeFunc) Run(ctx context.Context, req Request) (Outcome, error) { return f(ctx, req) }
