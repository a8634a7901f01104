package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"path"
	"sort"
	"strconv"
	"strings"
)

// Container labels. LabelManaged and LabelTemplate are set on every
// container; LabelRun is set by the orchestrator.
const (
	LabelManaged  = "obox.managed"
	LabelTemplate = "obox.template"
	LabelRun      = "obox.run"
)

// execFunc runs the docker binary. A command that ran but exited non-zero
// reports its code with a nil error.
type execFunc func(ctx context.Context, stdin []byte, args ...string) (stdout, stderr []byte, exitCode int, err error)

// DockerRuntime runs sandboxes as local containers through the docker CLI.
// Containers remove themselves when their sleep expires, so a crashed
// orchestrator cannot leak them past the configured timeout.
type DockerRuntime struct {
	binary  string
	images  func(template string) string
	workdir string
	exec    execFunc
}

// DockerOption configures a DockerRuntime.
type DockerOption func(*DockerRuntime)

// WithBinary overrides the docker executable.
func WithBinary(bin string) DockerOption {
	return func(d *DockerRuntime) { d.binary = bin }
}

// WithWorkdir sets the default working directory inside containers.
func WithWorkdir(dir string) DockerOption {
	return func(d *DockerRuntime) { d.workdir = dir }
}

func withExec(fn execFunc) DockerOption {
	return func(d *DockerRuntime) { d.exec = fn }
}

// NewDockerRuntime returns a runtime that maps templates to images with
// images.
func NewDockerRuntime(images func(template string) string, opts ...DockerOption) *DockerRuntime {
	d := &DockerRuntime{binary: "docker", images: images}
	for _, opt := range opts {
		opt(d)
	}
	if d.exec == nil {
		d.exec = d.run
	}
	return d
}

func (d *DockerRuntime) run(ctx context.Context, stdin []byte, args ...string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, d.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return stdout.Bytes(), stderr.Bytes(), exitErr.ExitCode(), nil
	}
	return stdout.Bytes(), stderr.Bytes(), 0, err
}

// Ping checks that the docker daemon answers.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	_, stderr, code, err := d.exec(ctx, nil, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return fmt.Errorf("%w: docker unavailable: %v", ErrConnection, err)
	}
	if code != 0 {
		return fmt.Errorf("%w: docker unavailable: %s", ErrConnection, strings.TrimSpace(string(stderr)))
	}
	return nil
}

// Create starts a new container. The container is removed by docker once
// its timeout elapses or it is killed.
func (d *DockerRuntime) Create(ctx context.Context, opts Options) (Handle, error) {
	image := d.images(opts.Template)
	if image == "" {
		return nil, fmt.Errorf("%w: no image for template %q", ErrConnection, opts.Template)
	}
	args := []string{
		"run", "-d", "--rm",
		"--label", LabelManaged + "=true",
		"--label", LabelTemplate + "=" + opts.Template,
	}
	for _, k := range sortedKeys(opts.Labels) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}

	sleep := "infinity"
	if opts.Timeout > 0 {
		sleep = strconv.Itoa(int(math.Ceil(opts.Timeout.Seconds())))
	}
	args = append(args, image, "sleep", sleep)

	stdout, stderr, code, err := d.exec(ctx, nil, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: docker run: %v", ErrConnection, err)
	}
	if code != 0 {
		return nil, fmt.Errorf("%w: docker run: %s", ErrConnection, strings.TrimSpace(string(stderr)))
	}

	id := strings.TrimSpace(string(stdout))
	if len(id) > 12 {
		id = id[:12]
	}
	if id == "" {
		return nil, fmt.Errorf("%w: docker run returned no container id", ErrConnection)
	}
	if d.workdir != "" {
		h := &dockerHandle{rt: d, id: id}
		if err := h.MakeDir(ctx, d.workdir); err != nil {
			h.Kill(ctx)
			return nil, fmt.Errorf("%w: preparing workdir: %v", ErrConnection, err)
		}
	}
	return &dockerHandle{rt: d, id: id}, nil
}

// Connect attaches to a running container created earlier.
func (d *DockerRuntime) Connect(ctx context.Context, id string) (Handle, error) {
	stdout, stderr, code, err := d.exec(ctx, nil, "inspect", "-f", "{{.State.Running}}", id)
	if err != nil {
		return nil, fmt.Errorf("%w: docker inspect: %v", ErrConnection, err)
	}
	if code != 0 {
		return nil, fmt.Errorf("%w: %s: %s", ErrNotFound, id, strings.TrimSpace(string(stderr)))
	}
	if strings.TrimSpace(string(stdout)) != "true" {
		return nil, fmt.Errorf("%w: %s is not running", ErrNotFound, id)
	}
	return &dockerHandle{rt: d, id: id}, nil
}

// ListManaged returns the ids of all containers carrying the managed
// label, running or not.
func (d *DockerRuntime) ListManaged(ctx context.Context) ([]string, error) {
	stdout, stderr, code, err := d.exec(ctx, nil, "ps", "-a", "--filter", "label="+LabelManaged+"=true", "--format", "{{.ID}}")
	if err != nil {
		return nil, fmt.Errorf("%w: docker ps: %v", ErrConnection, err)
	}
	if code != 0 {
		return nil, fmt.Errorf("%w: docker ps: %s", ErrConnection, strings.TrimSpace(string(stderr)))
	}
	var ids []string
	for _, line := range strings.Split(strings.TrimSpace(string(stdout)), "\n") {
		if line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

// Kill removes a container by id whether or not it is running.
func (d *DockerRuntime) Kill(ctx context.Context, id string) error {
	return (&dockerHandle{rt: d, id: id}).Kill(ctx)
}

type dockerHandle struct {
	rt *DockerRuntime
	id string
}

func (h *dockerHandle) ID() string { return h.id }

func (h *dockerHandle) RunCommand(ctx context.Context, command string, opts CommandOptions) (CommandResult, error) {
	args := []string{"exec"}
	if opts.Stdin != nil {
		args = append(args, "-i")
	}
	workdir := opts.Workdir
	if workdir == "" {
		workdir = h.rt.workdir
	}
	if workdir != "" {
		args = append(args, "-w", workdir)
	}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	args = append(args, h.id, "sh", "-c", command)

	stdout, stderr, code, err := h.rt.exec(ctx, opts.Stdin, args...)
	if err != nil {
		if ctx.Err() != nil {
			return CommandResult{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		return CommandResult{}, fmt.Errorf("%w: %v", ErrCommandExecution, err)
	}
	if missingContainer(stderr) {
		return CommandResult{}, fmt.Errorf("%w: %s", ErrNotFound, h.id)
	}
	return CommandResult{ExitCode: code, Stdout: string(stdout), Stderr: string(stderr)}, nil
}

// fileOp runs a helper command and maps failure to ErrFileOperation.
func (h *dockerHandle) fileOp(ctx context.Context, op, target string, stdin []byte, command string) (CommandResult, error) {
	res, err := h.RunCommand(ctx, command, CommandOptions{Stdin: stdin, Workdir: "/"})
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("%w: %s %s: %s", ErrFileOperation, op, target, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}

func (h *dockerHandle) ReadFile(ctx context.Context, p string) ([]byte, error) {
	res, err := h.fileOp(ctx, "read", p, nil, "cat -- "+quote(p))
	if err != nil {
		return nil, err
	}
	return []byte(res.Stdout), nil
}

func (h *dockerHandle) WriteFile(ctx context.Context, p string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	script := fmt.Sprintf("mkdir -p -- %s && cat > %s", quote(path.Dir(p)), quote(p))
	_, err := h.fileOp(ctx, "write", p, data, script)
	return err
}

func (h *dockerHandle) List(ctx context.Context, p string) ([]FileInfo, error) {
	res, err := h.fileOp(ctx, "list", p, nil,
		fmt.Sprintf(`find %s -mindepth 1 -maxdepth 1 -printf '%%y\t%%s\t%%p\n'`, quote(p)))
	if err != nil {
		return nil, err
	}
	return parseFindOutput(res.Stdout), nil
}

func (h *dockerHandle) MakeDir(ctx context.Context, p string) error {
	_, err := h.fileOp(ctx, "mkdir", p, nil, "mkdir -p -- "+quote(p))
	return err
}

func (h *dockerHandle) Remove(ctx context.Context, p string) error {
	_, err := h.fileOp(ctx, "remove", p, nil, "rm -rf -- "+quote(p))
	return err
}

func (h *dockerHandle) Exists(ctx context.Context, p string) (bool, error) {
	res, err := h.RunCommand(ctx, "test -e "+quote(p), CommandOptions{Workdir: "/"})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (h *dockerHandle) Kill(ctx context.Context) error {
	_, stderr, code, err := h.rt.exec(ctx, nil, "rm", "-f", h.id)
	if err != nil {
		return fmt.Errorf("%w: docker rm: %v", ErrConnection, err)
	}
	if code != 0 && !missingContainer(stderr) {
		return fmt.Errorf("%w: docker rm: %s", ErrConnection, strings.TrimSpace(string(stderr)))
	}
	return nil
}

// parseFindOutput parses lines like "f\t120\t/home/user/repo/go.mod".
func parseFindOutput(out string) []FileInfo {
	var infos []FileInfo
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		size, _ := strconv.ParseInt(parts[1], 10, 64)
		infos = append(infos, FileInfo{
			Name:  path.Base(parts[2]),
			Path:  parts[2],
			IsDir: parts[0] == "d",
			Size:  size,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func missingContainer(stderr []byte) bool {
	return bytes.Contains(stderr, []byte("No such container"))
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
