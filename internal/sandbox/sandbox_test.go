package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type call struct {
	args  []string
	stdin []byte
}

// scripted answers docker invocations by their first argument.
type scripted struct {
	mu    sync.Mutex
	calls []call
	reply func(args []string) (stdout, stderr string, code int, err error)
}

func (s *scripted) exec(_ context.Context, stdin []byte, args ...string) ([]byte, []byte, int, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call{args: args, stdin: stdin})
	s.mu.Unlock()
	out, errOut, code, err := s.reply(args)
	return []byte(out), []byte(errOut), code, err
}

func (s *scripted) last() call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

func images(template string) string {
	if template == "base" {
		return "ubuntu:24.04"
	}
	return ""
}

func TestFormatID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"abc", "abc"},
		{"abcdefghijkl", "abcdefghijkl"},
		{"i2x8mq0z3k9v4fjs7n1t", "i2x8mq0z...7n1t"},
	}
	for _, tt := range tests {
		if got := FormatID(tt.in); got != tt.want {
			t.Errorf("FormatID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDockerCreate(t *testing.T) {
	s := &scripted{reply: func(args []string) (string, string, int, error) {
		return "4f9c0a1b2c3d4e5f6a7b8c9d\n", "", 0, nil
	}}
	rt := NewDockerRuntime(images, withExec(s.exec))

	h, err := rt.Create(context.Background(), Options{
		Template: "base",
		Timeout:  90 * time.Second,
		Env:      map[string]string{"GITHUB_TOKEN": "t"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if h.ID() != "4f9c0a1b2c3d" {
		t.Errorf("ID = %q, want %q", h.ID(), "4f9c0a1b2c3d")
	}

	got := strings.Join(s.calls[0].args, " ")
	for _, want := range []string{"run -d --rm", "--label obox.managed=true", "-e GITHUB_TOKEN=t", "ubuntu:24.04 sleep 90"} {
		if !strings.Contains(got, want) {
			t.Errorf("docker args %q missing %q", got, want)
		}
	}
}

func TestDockerCreateFailureIsConnectionError(t *testing.T) {
	s := &scripted{reply: func(args []string) (string, string, int, error) {
		return "", "Unable to find image", 125, nil
	}}
	rt := NewDockerRuntime(images, withExec(s.exec))

	if _, err := rt.Create(context.Background(), Options{Template: "base"}); !errors.Is(err, ErrConnection) {
		t.Errorf("Create error = %v, want ErrConnection", err)
	}
	if _, err := rt.Create(context.Background(), Options{Template: "gpu"}); !errors.Is(err, ErrConnection) {
		t.Errorf("Create with unknown template = %v, want ErrConnection", err)
	}
}

func TestDockerConnect(t *testing.T) {
	s := &scripted{reply: func(args []string) (string, string, int, error) {
		if args[len(args)-1] == "gone" {
			return "", "Error: No such object: gone", 1, nil
		}
		return "true\n", "", 0, nil
	}}
	rt := NewDockerRuntime(images, withExec(s.exec))

	if _, err := rt.Connect(context.Background(), "live"); err != nil {
		t.Errorf("Connect(live): %v", err)
	}
	if _, err := rt.Connect(context.Background(), "gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Connect(gone) = %v, want ErrNotFound", err)
	}
}

func TestDockerRunCommand(t *testing.T) {
	s := &scripted{reply: func(args []string) (string, string, int, error) {
		return "hello\n", "warn\n", 3, nil
	}}
	rt := NewDockerRuntime(images, withExec(s.exec), WithWorkdir("/home/user/repo"))
	h := &dockerHandle{rt: rt, id: "c1"}

	res, err := h.RunCommand(context.Background(), "echo hello", CommandOptions{})
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if res.ExitCode != 3 || res.Stdout != "hello\n" || res.Stderr != "warn\n" {
		t.Errorf("result = %+v", res)
	}
	if got, want := strings.Join(s.last().args, " "), "exec -w /home/user/repo c1 sh -c echo hello"; got != want {
		t.Errorf("args = %q, want %q", got, want)
	}
}

func TestDockerFileOps(t *testing.T) {
	s := &scripted{reply: func(args []string) (string, string, int, error) {
		script := args[len(args)-1]
		switch {
		case strings.HasPrefix(script, "cat -- '/missing'"):
			return "", "cat: /missing: No such file or directory", 1, nil
		case strings.HasPrefix(script, "cat --"):
			return "contents", "", 0, nil
		case strings.HasPrefix(script, "find"):
			return "f\t12\t/repo/go.mod\nd\t4096\t/repo/cmd\n", "", 0, nil
		case strings.HasPrefix(script, "test -e '/nope'"):
			return "", "", 1, nil
		}
		return "", "", 0, nil
	}}
	rt := NewDockerRuntime(images, withExec(s.exec))
	h := &dockerHandle{rt: rt, id: "c1"}
	ctx := context.Background()

	if data, err := h.ReadFile(ctx, "/repo/go.mod"); err != nil || string(data) != "contents" {
		t.Errorf("ReadFile = %q, %v", data, err)
	}
	if _, err := h.ReadFile(ctx, "/missing"); !errors.Is(err, ErrFileOperation) {
		t.Errorf("ReadFile(missing) = %v, want ErrFileOperation", err)
	}

	if err := h.WriteFile(ctx, "/repo/it's.txt", []byte("x")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if c := s.last(); string(c.stdin) != "x" || !strings.Contains(c.args[len(c.args)-1], `'/repo/it'\''s.txt'`) {
		t.Errorf("WriteFile call = %q stdin %q", c.args, c.stdin)
	}

	infos, err := h.List(ctx, "/repo")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 || infos[0].Name != "cmd" || !infos[0].IsDir || infos[1].Size != 12 {
		t.Errorf("List = %+v", infos)
	}

	if ok, err := h.Exists(ctx, "/repo"); err != nil || !ok {
		t.Errorf("Exists(/repo) = %v, %v", ok, err)
	}
	if ok, err := h.Exists(ctx, "/nope"); err != nil || ok {
		t.Errorf("Exists(/nope) = %v, %v", ok, err)
	}
}

func TestDockerKillIsIdempotent(t *testing.T) {
	s := &scripted{reply: func(args []string) (string, string, int, error) {
		return "", "Error response from daemon: No such container: c1", 1, nil
	}}
	rt := NewDockerRuntime(images, withExec(s.exec))
	if err := rt.Kill(context.Background(), "c1"); err != nil {
		t.Errorf("Kill of a missing container = %v, want nil", err)
	}
	if got := strings.Join(s.last().args, " "); got != "rm -f c1" {
		t.Errorf("docker args = %q, want %q", got, "rm -f c1")
	}
}

func TestDockerListManaged(t *testing.T) {
	s := &scripted{reply: func(args []string) (string, string, int, error) {
		return "aaa\nbbb\n", "", 0, nil
	}}
	rt := NewDockerRuntime(images, withExec(s.exec))
	ids, err := rt.ListManaged(context.Background())
	if err != nil {
		t.Fatalf("ListManaged: %v", err)
	}
	if len(ids) != 2 || ids[0] != "aaa" {
		t.Errorf("ids = %v", ids)
	}
}

func TestDockerPing(t *testing.T) {
	s := &scripted{reply: func(args []string) (string, string, int, error) {
		return "", "", 0, fmt.Errorf("exec: \"docker\": executable file not found in $PATH")
	}}
	rt := NewDockerRuntime(images, withExec(s.exec))
	if err := rt.Ping(context.Background()); !errors.Is(err, ErrConnection) {
		t.Errorf("Ping = %v, want ErrConnection", err)
	}
}

type stubRuntime struct {
	createErr  error
	connectErr error
	handle     *stubHandle
}

func (r *stubRuntime) Create(context.Context, Options) (Handle, error) {
	if r.createErr != nil {
		return nil, r.createErr
	}
	return r.handle, nil
}

func (r *stubRuntime) Connect(context.Context, string) (Handle, error) {
	if r.connectErr != nil {
		return nil, r.connectErr
	}
	return r.handle, nil
}

type stubHandle struct {
	Handle
	mu    sync.Mutex
	kills int
}

func (h *stubHandle) Kill(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kills++
	return nil
}

func TestAcquireClassifiesErrors(t *testing.T) {
	ctx := context.Background()
	rt := &stubRuntime{createErr: errors.New("quota exceeded"), connectErr: errors.New("404")}

	if _, err := Acquire(ctx, rt, Spec{}); !errors.Is(err, ErrConnection) {
		t.Errorf("create failure = %v, want ErrConnection", err)
	}
	if _, err := Acquire(ctx, rt, Spec{ID: "sbx"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("connect failure = %v, want ErrNotFound", err)
	}

	rt.connectErr = fmt.Errorf("%w: refused", ErrConnection)
	if _, err := Acquire(ctx, rt, Spec{ID: "sbx"}); !errors.Is(err, ErrConnection) {
		t.Errorf("classified connect failure = %v, want ErrConnection", err)
	}
}

func TestReleaseOnce(t *testing.T) {
	h := &stubHandle{}
	lease, err := Acquire(context.Background(), &stubRuntime{handle: h}, Spec{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease.Release(context.Background())
		}()
	}
	wg.Wait()
	if h.kills != 1 {
		t.Errorf("kills = %d, want 1", h.kills)
	}
}

func TestReleaseKeep(t *testing.T) {
	h := &stubHandle{}
	lease, _ := Acquire(context.Background(), &stubRuntime{handle: h}, Spec{ID: "sbx", Keep: true})
	lease.Release(context.Background())
	if h.kills != 0 {
		t.Errorf("kills = %d, want 0 for a kept sandbox", h.kills)
	}
}
