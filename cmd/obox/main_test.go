package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zpdzap/obox/internal/config"
	"github.com/zpdzap/obox/internal/gate"
	"github.com/zpdzap/obox/internal/orchestrator"
	"github.com/zpdzap/obox/internal/policy"
	"github.com/zpdzap/obox/internal/runlog"
	"github.com/zpdzap/obox/internal/sandbox"
)

type discardAudit struct{}

func (discardAudit) RecordTool(runlog.ToolRecord) error { return nil }

// serveGate starts a gate on a fresh unix socket and returns its path.
func serveGate(t *testing.T, roots []string) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "obox")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "g.sock")

	engine, err := policy.New(roots)
	if err != nil {
		t.Fatal(err)
	}
	g := gate.New(engine, gate.NewToolSet(nil, nil), discardAudit{})
	ln, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Serve(ctx, ln, nil) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return socket
}

func TestPreToolUse(t *testing.T) {
	socket := serveGate(t, []string{"/workspace/tmp"})

	tests := []struct {
		name    string
		event   string
		socket  string
		denied  bool
		message string
	}{
		{
			name:  "allowed write",
			event: `{"session_id":"s1","cwd":"/workspace","hook_event_name":"PreToolUse","tool_name":"Write","tool_input":{"file_path":"tmp/notes.md"}}`,
		},
		{
			name:    "write outside roots",
			event:   `{"hook_event_name":"PreToolUse","tool_name":"Write","tool_input":{"file_path":"/etc/passwd"}}`,
			denied:  true,
			message: "/etc/passwd",
		},
		{
			name:  "bash is not path restricted",
			event: `{"hook_event_name":"PreToolUse","tool_name":"Bash","tool_input":{"command":"ls"}}`,
		},
		{
			name:    "garbage event",
			event:   `not json`,
			denied:  true,
			message: "unreadable hook event",
		},
		{
			name:    "gate unreachable",
			event:   `{"tool_name":"Bash","tool_input":{"command":"ls"}}`,
			socket:  filepath.Join(t.TempDir(), "missing.sock"),
			denied:  true,
			message: "tool gate unreachable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sock := socket
			if tt.socket != "" {
				sock = tt.socket
			}
			err := preToolUse(context.Background(), strings.NewReader(tt.event), sock)
			var denied *hookDeniedError
			if got := errors.As(err, &denied); got != tt.denied {
				t.Fatalf("denied = %v, want %v (err = %v)", got, tt.denied, err)
			}
			if tt.denied && !strings.Contains(denied.Message, tt.message) {
				t.Errorf("message = %q, want it to contain %q", denied.Message, tt.message)
			}
		})
	}
}

func TestPreToolUseWithoutSocket(t *testing.T) {
	err := preToolUse(context.Background(), strings.NewReader(`{"tool_name":"Read"}`), "")
	var denied *hookDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want a denial", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("parseLevel(%q) = %v, %v, want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := parseLevel("loud"); !errors.Is(err, config.ErrConfiguration) {
		t.Errorf("parseLevel(loud) error = %v, want a configuration error", err)
	}
}

func TestRunOptions(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Forks.Timeout = config.Duration(20 * time.Minute)
	cfg.Forks.Grace = config.Duration(time.Minute)
	cfg.Sandbox.Env = map[string]string{"LANG": "C.UTF-8"}
	creds := config.Credentials{AnthropicAPIKey: "sk-test", GitHubToken: "ghp_test"}

	opts, err := runOptions(cfg, runFlags{repo: "https://github.com/o/r", forks: 4, retries: -1, model: "haiku"}, "fix the bug", creds)
	if err != nil {
		t.Fatalf("runOptions: %v", err)
	}
	if opts.Forks != 4 || opts.Model != "haiku" || opts.Retries != cfg.Forks.Retries {
		t.Errorf("opts = %+v", opts)
	}
	if opts.Concurrency != cfg.Forks.Concurrency {
		t.Errorf("Concurrency = %d, want config value %d", opts.Concurrency, cfg.Forks.Concurrency)
	}
	if got, want := opts.Sandbox.Timeout, 21*time.Minute; got != want {
		t.Errorf("sandbox timeout = %v, want %v", got, want)
	}
	if opts.Sandbox.Env["LANG"] != "C.UTF-8" || opts.GitToken != "ghp_test" {
		t.Errorf("sandbox env = %v, git token = %q", opts.Sandbox.Env, opts.GitToken)
	}

	opts, err = runOptions(cfg, runFlags{repo: "https://github.com/o/r", forks: -1, retries: 0, timeout: time.Minute}, "x", creds)
	if err != nil {
		t.Fatalf("runOptions: %v", err)
	}
	if opts.Retries != 0 || opts.Timeout != time.Minute {
		t.Errorf("retries = %d, timeout = %v", opts.Retries, opts.Timeout)
	}
	if opts.Forks != cfg.Forks.Default {
		t.Errorf("Forks = %d, want config default %d", opts.Forks, cfg.Forks.Default)
	}

	if _, err := runOptions(cfg, runFlags{repo: "https://github.com/o/r", forks: -1, retries: -1}, "", creds); !errors.Is(err, config.ErrConfiguration) {
		t.Errorf("missing task error = %v, want a configuration error", err)
	}
}

func TestRunOptionsZeroForksRejected(t *testing.T) {
	if def := runCmd().Flags().Lookup("forks").DefValue; def != "-1" {
		t.Fatalf("--forks default = %s, want -1 so an explicit 0 is kept", def)
	}

	cfg := config.Default(t.TempDir())
	opts, err := runOptions(cfg, runFlags{repo: "https://github.com/o/r", forks: 0, retries: -1}, "fix the bug", config.Credentials{})
	if err != nil {
		t.Fatalf("runOptions: %v", err)
	}
	if opts.Forks != 0 {
		t.Fatalf("Forks = %d, want the explicit 0", opts.Forks)
	}
	o := orchestrator.New(nil, nil, nil, gate.ToolSet{})
	if _, err := o.Validate(opts); !errors.Is(err, config.ErrConfiguration) {
		t.Errorf("Validate error = %v, want a configuration error", err)
	}
}

func TestRunOptionsTasksFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.txt")
	content := "# experiments\nadd tests\n\n  refactor the parser  \n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default(t.TempDir())

	opts, err := runOptions(cfg, runFlags{repo: "https://github.com/o/r", forks: -1, tasksFile: path, retries: -1}, "", config.Credentials{})
	if err != nil {
		t.Fatalf("runOptions: %v", err)
	}
	if opts.Forks != 2 {
		t.Errorf("Forks = %d, want one per task", opts.Forks)
	}
	if len(opts.Tasks) != 2 || opts.Tasks[1] != "refactor the parser" {
		t.Errorf("Tasks = %q", opts.Tasks)
	}

	empty := filepath.Join(t.TempDir(), "empty.txt")
	os.WriteFile(empty, []byte("# nothing\n"), 0o644)
	if _, err := readTasks(empty); !errors.Is(err, config.ErrConfiguration) {
		t.Errorf("readTasks(empty) error = %v, want a configuration error", err)
	}
}

func TestRelativize(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.Policy.AllowedDirectories = append(cfg.Policy.AllowedDirectories, "/srv/shared")

	out := relativize(dir, cfg)
	if got, want := out.Logging.Dir, filepath.Join("runtime", "agent_workspaces", "logs"); got != want {
		t.Errorf("Logging.Dir = %q, want %q", got, want)
	}
	if got := out.Policy.AllowedDirectories[len(out.Policy.AllowedDirectories)-1]; got != "/srv/shared" {
		t.Errorf("outside dir = %q, want it unchanged", got)
	}
	if filepath.IsAbs(out.Policy.AllowedDirectories[0]) {
		t.Errorf("project dir %q was not made relative", out.Policy.AllowedDirectories[0])
	}
	if !filepath.IsAbs(cfg.Logging.Dir) {
		t.Error("relativize modified its input")
	}
}

func TestUpdateGitignore(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default(dir)
	path := filepath.Join(dir, ".gitignore")
	if err := os.WriteFile(path, []byte("node_modules/"), 0o644); err != nil {
		t.Fatal(err)
	}

	for range 2 {
		if err := updateGitignore(dir, cfg); err != nil {
			t.Fatalf("updateGitignore: %v", err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "node_modules/\n\n# obox\n.env\nruntime/agent_workspaces/logs/\n"
	if string(data) != want {
		t.Errorf(".gitignore = %q, want %q", data, want)
	}
}

func TestWriteEntries(t *testing.T) {
	entries := []sandbox.FileInfo{
		{Name: "go.mod", Path: "/repo/go.mod", Size: 120},
		{Name: "internal", Path: "/repo/internal", IsDir: true, Size: 4096},
	}

	var buf bytes.Buffer
	if err := writeEntries(&buf, entries, false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "internal/") || !strings.Contains(buf.String(), "120  go.mod") {
		t.Errorf("listing = %q", buf.String())
	}

	buf.Reset()
	if err := writeEntries(&buf, nil, true); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(buf.String()); got != "[]" {
		t.Errorf("empty JSON listing = %q, want []", got)
	}
}
