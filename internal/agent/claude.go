package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// ClaudeCLI runs the claude command line tool in print mode. Every tool
// call it attempts is routed through a PreToolUse hook back to the fork's
// gate over a private unix socket.
type ClaudeCLI struct {
	// Binary is the claude executable. Defaults to "claude".
	Binary string
	// Self is the obox executable the hook invokes.
	Self string
	// Dir is the local working directory of the claude process.
	Dir string
	// Settings is an optional JSONC settings template. The hook entry is
	// merged into it.
	Settings []byte
	Prompt   *Prompt
	// AllowedDirs are listed in the system prompt.
	AllowedDirs     []string
	AllowedTools    []string
	DisallowedTools []string
	// Env holds extra KEY=VALUE pairs such as credentials.
	Env []string
	// Grace bounds how long claude may take to exit after SIGINT.
	Grace  time.Duration
	Logger *slog.Logger
}

const defaultGrace = 10 * time.Second

// Run implements Runtime.
func (c *ClaudeCLI) Run(ctx context.Context, req Request) (Outcome, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("fork", req.ForkID)

	// Unix socket paths are length limited, so keep them under the
	// system temp dir rather than the log dir.
	dir, err := os.MkdirTemp("", "obox-")
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: creating hook dir: %v", ErrAgent, err)
	}
	defer os.RemoveAll(dir)

	socket := filepath.Join(dir, "gate.sock")
	ln, err := net.Listen("unix", socket)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: listening on gate socket: %v", ErrAgent, err)
	}
	// The bridge must outlive ctx cancellation so hook calls made while
	// claude winds down still get an answer.
	serveCtx, stopServe := context.WithCancel(context.WithoutCancel(ctx))
	served := make(chan error, 1)
	go func() { served <- req.Gate.Serve(serveCtx, ln, logger) }()
	defer func() {
		stopServe()
		<-served
	}()

	settingsPath := filepath.Join(dir, "settings.json")
	settings, err := c.settings(socket)
	if err != nil {
		return Outcome{}, err
	}
	if err := os.WriteFile(settingsPath, settings, 0o600); err != nil {
		return Outcome{}, fmt.Errorf("%w: writing settings: %v", ErrAgent, err)
	}

	args, err := c.args(req, settingsPath)
	if err != nil {
		return Outcome{}, err
	}

	binary := c.Binary
	if binary == "" {
		binary = "claude"
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Env = append(cmd.Env, "OBOX_SANDBOX_ID="+req.Sandbox.ID(), "OBOX_GATE_SOCKET="+socket)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = c.Grace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultGrace
	}
	var stderr tailBuffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: creating stdout pipe: %v", ErrAgent, err)
	}
	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("%w: starting %s: %v", ErrAgent, binary, err)
	}
	logger.Debug("agent started", "pid", cmd.Process.Pid, "model", ParseModelName(req.Model))
	req.Log.Lifecycle("agent_started", map[string]string{"pid": strconv.Itoa(cmd.Process.Pid)})

	out, gotResult, streamErr := consumeStream(stdout, req.Log)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if streamErr != nil {
		return Outcome{}, fmt.Errorf("%w: reading output: %v", ErrAgent, streamErr)
	}
	if gotResult {
		return out, nil
	}
	if waitErr != nil {
		return out, fmt.Errorf("%w: %v: %s", ErrAgent, waitErr, stderr.String())
	}
	return out, fmt.Errorf("%w: exited without a result", ErrAgent)
}

func (c *ClaudeCLI) args(req Request, settingsPath string) ([]string, error) {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--model", ParseModelName(req.Model),
		"--settings", settingsPath,
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if len(c.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(c.AllowedTools, ","))
	}
	if len(c.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(c.DisallowedTools, ","))
	}
	if c.Prompt != nil {
		prompt, err := c.Prompt.Render(PromptData{
			Self:        c.Self,
			SandboxID:   req.Sandbox.ID(),
			RepoURL:     req.RepoURL,
			Branch:      req.Branch,
			Workdir:     req.Workdir,
			AllowedDirs: c.AllowedDirs,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAgent, err)
		}
		args = append(args, "--append-system-prompt", prompt)
	}
	return append(args, req.Task), nil
}

// settings merges the PreToolUse hook into the configured template.
func (c *ClaudeCLI) settings(socket string) ([]byte, error) {
	doc := map[string]any{}
	if len(bytes.TrimSpace(c.Settings)) > 0 {
		if err := json.Unmarshal(jsonc.ToJSON(c.Settings), &doc); err != nil {
			return nil, fmt.Errorf("%w: parsing settings template: %v", ErrAgent, err)
		}
	}
	hooks, _ := doc["hooks"].(map[string]any)
	if hooks == nil {
		hooks = map[string]any{}
	}
	hooks["PreToolUse"] = []any{
		map[string]any{
			"matcher": "*",
			"hooks": []any{
				map[string]any{
					"type":    "command",
					"command": HookCommand(c.Self, socket),
				},
			},
		},
	}
	doc["hooks"] = hooks
	return json.MarshalIndent(doc, "", "  ")
}

// HookCommand is the shell command claude runs before every tool call.
func HookCommand(self, socket string) string {
	return fmt.Sprintf("%s hook pre-tool-use --socket %s", quoteArg(self), quoteArg(socket))
}

func quoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// tailBuffer keeps the last few KB written to it.
type tailBuffer struct {
	buf []byte
}

const tailSize = 4096

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailSize {
		t.buf = t.buf[len(t.buf)-tailSize:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return strings.TrimSpace(string(t.buf)) }
