package gate

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/zpdzap/obox/internal/policy"
	"github.com/zpdzap/obox/internal/runlog"
)

type recorder struct {
	mu      sync.Mutex
	records []runlog.ToolRecord
	fail    error
}

func (r *recorder) RecordTool(rec runlog.ToolRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.records = append(r.records, rec)
	return nil
}

func newTestGate(t *testing.T, roots []string, tools ToolSet) (*Gate, *recorder) {
	t.Helper()
	engine, err := policy.New(roots)
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	rec := &recorder{}
	return New(engine, tools, rec), rec
}

func TestLookup(t *testing.T) {
	tests := []struct {
		name       string
		want       Kind
		restricted bool
	}{
		{"Read", KindRead, true},
		{"Write", KindWrite, true},
		{"Edit", KindEdit, true},
		{"NotebookEdit", KindNotebookEdit, true},
		{"Bash", KindBash, false},
		{"Grep", KindGrep, false},
		{"mcp__sandbox__execute_command", KindSandboxMCP, false},
		{"read", KindUnknown, false},
		{"", KindUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Lookup(tt.name)
			if got != tt.want {
				t.Errorf("Lookup(%q) = %v, want %v", tt.name, got, tt.want)
			}
			if got.PathRestricted() != tt.restricted {
				t.Errorf("PathRestricted() = %v, want %v", got.PathRestricted(), tt.restricted)
			}
		})
	}
}

func TestToolSetPermits(t *testing.T) {
	set := NewToolSet([]string{"mcp__sandbox__*", "Read", "Write", "Bash"}, []string{"NotebookEdit", "Bash"})
	tests := []struct {
		name string
		want bool
	}{
		{"Read", true},
		{"mcp__sandbox__write_file", true},
		{"Bash", false},
		{"NotebookEdit", false},
		{"WebFetch", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := set.Permits(tt.name); got != tt.want {
			t.Errorf("Permits(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}

	if !NewToolSet(nil, nil).Permits("Anything") {
		t.Error("empty allow list should permit every tool")
	}
}

func TestDenyWriteOutsideRoots(t *testing.T) {
	g, rec := newTestGate(t, []string{"/workspace/tmp"}, ToolSet{})

	ran := false
	_, err := g.Invoke(context.Background(), Call{
		Tool:  "Write",
		Input: map[string]any{"file_path": "/etc/passwd", "content": "x"},
	}, func(context.Context, Call) (any, error) {
		ran = true
		return nil, nil
	})

	if ran {
		t.Fatal("denied tool must not run")
	}
	var denied *PolicyDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("error = %v, want *PolicyDeniedError", err)
	}
	if !errors.Is(err, ErrPolicyDenied) || !denied.Retryable() {
		t.Error("denial should match ErrPolicyDenied and be retryable")
	}
	if got, want := err.Error(), "path outside allowed directories: /etc/passwd"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if len(rec.records) != 1 {
		t.Fatalf("got %d records, want 1", len(rec.records))
	}
	if r := rec.records[0]; r.Decision != runlog.DecisionDenied || r.Path != "/etc/passwd" || r.Tool != "Write" {
		t.Errorf("record = %+v", r)
	}
}

func TestAllowedCallRecordedEvenWhenToolFails(t *testing.T) {
	dir, _ := filepath.EvalSymlinks(t.TempDir())
	g, rec := newTestGate(t, []string{dir}, ToolSet{})

	toolErr := errors.New("disk full")
	_, err := g.Invoke(context.Background(), Call{
		Tool:  "Edit",
		Input: map[string]any{"file_path": "notes.md"},
		CWD:   dir,
	}, func(context.Context, Call) (any, error) { return nil, toolErr })

	if !errors.Is(err, toolErr) {
		t.Fatalf("error = %v, want tool error", err)
	}
	if len(rec.records) != 1 || rec.records[0].Decision != runlog.DecisionAllowed {
		t.Fatalf("records = %+v", rec.records)
	}
	if got, want := rec.records[0].Path, filepath.Join(dir, "notes.md"); got != want {
		t.Errorf("Path = %q, want %q", got, want)
	}
}

func TestOneRecordPerCallInOrder(t *testing.T) {
	dir, _ := filepath.EvalSymlinks(t.TempDir())
	g, rec := newTestGate(t, []string{dir}, NewToolSet(nil, []string{"NotebookEdit"}))

	calls := []struct {
		call Call
		want runlog.Decision
	}{
		{Call{Tool: "Read", Input: map[string]any{"file_path": filepath.Join(dir, "a")}}, runlog.DecisionAllowed},
		{Call{Tool: "Bash", Input: map[string]any{"command": "cat /etc/passwd"}}, runlog.DecisionAllowed},
		{Call{Tool: "Read", Input: map[string]any{"file_path": dir + "/../escape"}}, runlog.DecisionDenied},
		{Call{Tool: "Write", Input: map[string]any{}}, runlog.DecisionDenied},
		{Call{Tool: "NotebookEdit", Input: map[string]any{"notebook_path": filepath.Join(dir, "n.ipynb")}}, runlog.DecisionDenied},
		{Call{Tool: "mcp__sandbox__read_file", Input: map[string]any{"path": "/etc/hosts"}}, runlog.DecisionAllowed},
	}
	for _, c := range calls {
		g.Invoke(context.Background(), c.call, nil)
	}

	if len(rec.records) != len(calls) {
		t.Fatalf("got %d records, want %d", len(rec.records), len(calls))
	}
	for i, c := range calls {
		r := rec.records[i]
		if r.Tool != c.call.Tool || r.Decision != c.want {
			t.Errorf("record %d = %s/%s, want %s/%s", i, r.Tool, r.Decision, c.call.Tool, c.want)
		}
	}
	if rec.records[4].Reason != ReasonToolNotPermitted {
		t.Errorf("Reason = %q, want %q", rec.records[4].Reason, ReasonToolNotPermitted)
	}
}

func TestAuditFailureDenies(t *testing.T) {
	g, rec := newTestGate(t, []string{"/workspace"}, ToolSet{})
	rec.fail = runlog.ErrClosed

	v := g.Check(Call{Tool: "Bash"})
	if v.Allowed {
		t.Fatal("call should be denied when the audit log is unavailable")
	}
	if v.Reason != ReasonAuditFailed {
		t.Errorf("Reason = %q, want %q", v.Reason, ReasonAuditFailed)
	}
}

func TestConcurrentCallsEachRecorded(t *testing.T) {
	g, rec := newTestGate(t, []string{"/workspace"}, ToolSet{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Invoke(context.Background(), Call{Tool: "Read", Input: map[string]any{"file_path": "/etc/shadow"}}, nil)
		}()
	}
	wg.Wait()
	if len(rec.records) != 50 {
		t.Errorf("got %d records, want 50", len(rec.records))
	}
}

func TestBridge(t *testing.T) {
	dir, err := os.MkdirTemp("", "gate")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	socket := filepath.Join(dir, "g.sock")

	g, rec := newTestGate(t, []string{"/workspace/tmp"}, ToolSet{})
	ln, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Serve(ctx, ln, nil) }()

	v, err := Ask(ctx, socket, Call{Tool: "Write", Input: map[string]any{"file_path": "/etc/passwd"}})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if v.Allowed || v.Path != "/etc/passwd" || v.Reason != ReasonPathOutside {
		t.Errorf("verdict = %+v", v)
	}

	v, err = Ask(ctx, socket, Call{Tool: "Write", Input: map[string]any{"file_path": "/workspace/tmp/out.txt"}})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !v.Allowed {
		t.Errorf("verdict = %+v, want allowed", v)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve: %v", err)
	}
	if len(rec.records) != 2 {
		t.Errorf("got %d records, want 2", len(rec.records))
	}

	if _, err := Ask(context.Background(), socket, Call{Tool: "Bash"}); err == nil {
		t.Error("Ask after shutdown should fail")
	}
}
