// Package policy decides whether a local filesystem path lies inside the
// set of directories an agent's file tools may touch.
//
// Paths and roots go through the same canonicalization: made absolute,
// cleaned of "." and ".." segments, and resolved through symlinks for the
// part of the path that exists on disk. Resolution always happens before
// the containment check, so "/allowed/../etc/passwd" and a symlink inside
// an allowed root that points elsewhere are both judged by where they
// actually land.
package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zpdzap/obox/internal/config"
)

// Engine holds an immutable, ordered set of canonical roots. It is safe
// for concurrent use.
type Engine struct {
	roots []string
	base  string
}

// Option configures an Engine.
type Option func(*Engine)

// WithBase sets the directory relative paths are resolved against.
// Defaults to the process working directory at construction time.
func WithBase(dir string) Option {
	return func(e *Engine) { e.base = dir }
}

// New canonicalizes roots once and returns an Engine. Roots that do not
// exist yet are accepted; roots that cannot be resolved are a
// configuration error.
func New(roots []string, opts ...Option) (*Engine, error) {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.base == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, &config.Error{Field: "policy", Reason: fmt.Sprintf("resolving working directory: %v", err)}
		}
		e.base = wd
	}
	if len(roots) == 0 {
		return nil, &config.Error{Field: "policy.allowed_directories", Reason: "at least one directory is required"}
	}

	seen := make(map[string]bool, len(roots))
	for _, root := range roots {
		canonical, err := e.canonicalize(root)
		if err != nil {
			return nil, &config.Error{Field: "policy.allowed_directories", Reason: fmt.Sprintf("%q: %v", root, err)}
		}
		if seen[canonical] {
			continue
		}
		seen[canonical] = true
		e.roots = append(e.roots, canonical)
	}
	return e, nil
}

// Roots returns a copy of the canonical roots in configuration order.
func (e *Engine) Roots() []string {
	return append([]string(nil), e.roots...)
}

// IsAllowed reports whether path, once canonicalized, equals or is nested
// under one of the roots. Malformed or unresolvable paths are denied.
func (e *Engine) IsAllowed(path string) bool {
	_, ok := e.Resolve(path)
	return ok
}

// Resolve returns the canonical form of path and whether it is allowed.
// The canonical form is empty when the path could not be resolved.
func (e *Engine) Resolve(path string) (string, bool) {
	canonical, err := e.canonicalize(path)
	if err != nil {
		return "", false
	}
	for _, root := range e.roots {
		if within(root, canonical) {
			return canonical, true
		}
	}
	return canonical, false
}

var errEmptyPath = errors.New("empty path")

func (e *Engine) canonicalize(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errEmptyPath
	}
	if strings.ContainsRune(path, '\x00') {
		return "", errors.New("path contains NUL byte")
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.base, path)
	}
	return resolveExisting(filepath.Clean(path))
}

// resolveExisting evaluates symlinks for the deepest ancestor of path that
// exists and re-attaches the remaining components. A component that exists
// as a dangling symlink makes the whole path unresolvable.
func resolveExisting(path string) (string, error) {
	existing := path
	var tail []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		tail = append(tail, filepath.Base(existing))
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", existing, err)
	}
	for i := len(tail) - 1; i >= 0; i-- {
		resolved = filepath.Join(resolved, tail[i])
	}
	return resolved, nil
}

// within reports whether path is root or a descendant of it. Both must be
// clean absolute paths.
func within(root, path string) bool {
	if path == root {
		return true
	}
	if root == string(filepath.Separator) {
		return strings.HasPrefix(path, root)
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
