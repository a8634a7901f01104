// Package sandbox defines the contract for isolated execution sandboxes and
// ships a Docker-backed implementation.
package sandbox

import (
	"context"
	"time"
)

// Options configure a new sandbox.
type Options struct {
	Template string
	Timeout  time.Duration
	Env      map[string]string
	Labels   map[string]string
}

// CommandOptions tune a single command.
type CommandOptions struct {
	Workdir string
	Env     map[string]string
	Stdin   []byte
}

// CommandResult is what a finished command produced. A non-zero ExitCode
// is not an error.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// FileInfo describes one directory entry.
type FileInfo struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// Runtime provisions sandboxes.
type Runtime interface {
	Create(ctx context.Context, opts Options) (Handle, error)
	Connect(ctx context.Context, id string) (Handle, error)
}

// Handle is a live sandbox. Implementations are safe for concurrent use.
type Handle interface {
	ID() string
	RunCommand(ctx context.Context, command string, opts CommandOptions) (CommandResult, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	List(ctx context.Context, path string) ([]FileInfo, error)
	MakeDir(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	// Kill destroys the sandbox. Killing a sandbox that is already gone
	// succeeds.
	Kill(ctx context.Context) error
}

// FormatID shortens long sandbox ids for display.
func FormatID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:8] + "..." + id[len(id)-4:]
}
