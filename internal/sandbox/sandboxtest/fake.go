// Package sandboxtest provides an in-memory sandbox runtime for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/zpdzap/obox/internal/sandbox"
)

// Runtime is a fake sandbox.Runtime. Hooks may be set before use to inject
// failures or to script command results.
type Runtime struct {
	// OnCreate runs before a sandbox is created. A non-nil error fails the
	// create.
	OnCreate func(ctx context.Context, opts sandbox.Options) error
	// OnConnect runs before connecting. A non-nil error fails the connect.
	OnConnect func(ctx context.Context, id string) error
	// OnCommand answers RunCommand. The default succeeds with no output.
	OnCommand func(ctx context.Context, sb *Sandbox, command string) (sandbox.CommandResult, error)

	mu        sync.Mutex
	next      int
	sandboxes map[string]*Sandbox
	order     []*Sandbox
}

// New returns an empty fake runtime.
func New() *Runtime {
	return &Runtime{sandboxes: make(map[string]*Sandbox)}
}

// Add registers a running sandbox that Connect can reach.
func (r *Runtime) Add(id string) *Sandbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(id, sandbox.Options{})
}

func (r *Runtime) addLocked(id string, opts sandbox.Options) *Sandbox {
	sb := &Sandbox{
		id:    id,
		rt:    r,
		opts:  opts,
		files: make(map[string][]byte),
		dirs:  map[string]bool{"/": true},
	}
	r.sandboxes[id] = sb
	r.order = append(r.order, sb)
	return sb
}

func (r *Runtime) Create(ctx context.Context, opts sandbox.Options) (sandbox.Handle, error) {
	if r.OnCreate != nil {
		if err := r.OnCreate(ctx, opts); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	return r.addLocked(fmt.Sprintf("fake-%04d", r.next), opts), nil
}

func (r *Runtime) Connect(ctx context.Context, id string) (sandbox.Handle, error) {
	if r.OnConnect != nil {
		if err := r.OnConnect(ctx, id); err != nil {
			return nil, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sb, ok := r.sandboxes[id]
	if !ok || sb.dead() {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	return sb, nil
}

// Sandboxes returns every sandbox ever created or added, in order.
func (r *Runtime) Sandboxes() []*Sandbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Sandbox(nil), r.order...)
}

// Created counts sandboxes made through Create.
func (r *Runtime) Created() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

// Sandbox is one fake sandbox with an in-memory filesystem.
type Sandbox struct {
	id   string
	rt   *Runtime
	opts sandbox.Options

	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	commands []string
	kills    int
}

func (s *Sandbox) ID() string { return s.id }

// Options returns what the sandbox was created with.
func (s *Sandbox) Options() sandbox.Options { return s.opts }

// Kills counts Kill calls.
func (s *Sandbox) Kills() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kills
}

// Commands returns every command run, in order.
func (s *Sandbox) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *Sandbox) dead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kills > 0
}

func (s *Sandbox) alive() error {
	if s.kills > 0 {
		return fmt.Errorf("%w: %s", sandbox.ErrNotFound, s.id)
	}
	return nil
}

func (s *Sandbox) RunCommand(ctx context.Context, command string, _ sandbox.CommandOptions) (sandbox.CommandResult, error) {
	s.mu.Lock()
	if err := s.alive(); err != nil {
		s.mu.Unlock()
		return sandbox.CommandResult{}, err
	}
	s.commands = append(s.commands, command)
	s.mu.Unlock()

	if s.rt.OnCommand != nil {
		return s.rt.OnCommand(ctx, s, command)
	}
	return sandbox.CommandResult{}, ctx.Err()
}

func (s *Sandbox) ReadFile(_ context.Context, p string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.alive(); err != nil {
		return nil, err
	}
	data, ok := s.files[path.Clean(p)]
	if !ok {
		return nil, fmt.Errorf("%w: read %s: no such file", sandbox.ErrFileOperation, p)
	}
	return append([]byte(nil), data...), nil
}

func (s *Sandbox) WriteFile(_ context.Context, p string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.alive(); err != nil {
		return err
	}
	p = path.Clean(p)
	s.mkdirLocked(path.Dir(p))
	s.files[p] = append([]byte(nil), data...)
	return nil
}

func (s *Sandbox) List(_ context.Context, p string) ([]sandbox.FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.alive(); err != nil {
		return nil, err
	}
	p = path.Clean(p)
	if !s.dirs[p] {
		return nil, fmt.Errorf("%w: list %s: no such directory", sandbox.ErrFileOperation, p)
	}
	var infos []sandbox.FileInfo
	for name, data := range s.files {
		if path.Dir(name) == p {
			infos = append(infos, sandbox.FileInfo{Name: path.Base(name), Path: name, Size: int64(len(data))})
		}
	}
	for dir := range s.dirs {
		if dir != p && path.Dir(dir) == p {
			infos = append(infos, sandbox.FileInfo{Name: path.Base(dir), Path: dir, IsDir: true})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (s *Sandbox) MakeDir(_ context.Context, p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.alive(); err != nil {
		return err
	}
	s.mkdirLocked(path.Clean(p))
	return nil
}

func (s *Sandbox) mkdirLocked(p string) {
	for ; p != "/" && p != "."; p = path.Dir(p) {
		s.dirs[p] = true
	}
}

func (s *Sandbox) Remove(_ context.Context, p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.alive(); err != nil {
		return err
	}
	p = path.Clean(p)
	prefix := strings.TrimSuffix(p, "/") + "/"
	for name := range s.files {
		if name == p || strings.HasPrefix(name, prefix) {
			delete(s.files, name)
		}
	}
	for dir := range s.dirs {
		if dir == p || strings.HasPrefix(dir, prefix) {
			delete(s.dirs, dir)
		}
	}
	return nil
}

func (s *Sandbox) Exists(_ context.Context, p string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.alive(); err != nil {
		return false, err
	}
	p = path.Clean(p)
	_, isFile := s.files[p]
	return isFile || s.dirs[p], nil
}

func (s *Sandbox) Kill(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kills++
	return nil
}
