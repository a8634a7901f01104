// Package gate mediates every tool call an agent attempts. Each call is
// checked against the tool allow/deny lists and, for path-restricted
// tools, the path policy. Every attempt is written to the fork's audit log
// before the tool runs.
package gate

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zpdzap/obox/internal/policy"
	"github.com/zpdzap/obox/internal/runlog"
)

// Call is one tool invocation as the agent runtime presents it.
type Call struct {
	Tool  string         `cbor:"tool"`
	Input map[string]any `cbor:"input"`
	// CWD resolves relative paths in Input. Optional.
	CWD string `cbor:"cwd"`
}

// ToolFunc executes an allowed call.
type ToolFunc func(ctx context.Context, call Call) (any, error)

// Auditor receives one record per attempted call.
type Auditor interface {
	RecordTool(rec runlog.ToolRecord) error
}

// Verdict is the decision for one call.
type Verdict struct {
	Allowed bool   `cbor:"allowed"`
	Tool    string `cbor:"tool"`
	Path    string `cbor:"path,omitempty"`
	Reason  string `cbor:"reason,omitempty"`
}

// Err converts a denial into a *PolicyDeniedError. Nil when allowed.
func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	return &PolicyDeniedError{Tool: v.Tool, Path: v.Path, Reason: v.Reason}
}

// Gate belongs to a single fork. The policy engine and tool set are
// shared read-only across forks; the auditor is the fork's own logger.
type Gate struct {
	engine *policy.Engine
	tools  ToolSet
	audit  Auditor
	now    func() time.Time

	// mu orders decide+record so the audit stream follows attempt order.
	mu sync.Mutex
}

// New returns a gate for one fork.
func New(engine *policy.Engine, tools ToolSet, audit Auditor) *Gate {
	return &Gate{engine: engine, tools: tools, audit: audit, now: time.Now}
}

// Check decides a call and records it. Nothing is cached: every call is
// evaluated against the current policy. If the record cannot be written
// the call is denied.
func (g *Gate) Check(call Call) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	v := g.decide(call)
	rec := runlog.ToolRecord{
		Time:     g.now(),
		Tool:     call.Tool,
		Path:     v.Path,
		Decision: runlog.DecisionAllowed,
	}
	if !v.Allowed {
		rec.Decision = runlog.DecisionDenied
		rec.Reason = v.Reason
	}
	if err := g.audit.RecordTool(rec); err != nil && v.Allowed {
		return Verdict{Tool: call.Tool, Path: v.Path, Reason: ReasonAuditFailed}
	}
	return v
}

// Invoke checks call and, when allowed, runs it. A nil run means the
// caller executes the tool itself and only wants the decision. Denials
// come back as *PolicyDeniedError; the tool's own errors pass through.
func (g *Gate) Invoke(ctx context.Context, call Call, run ToolFunc) (any, error) {
	v := g.Check(call)
	if !v.Allowed {
		return nil, v.Err()
	}
	if run == nil {
		return nil, nil
	}
	return run(ctx, call)
}

func (g *Gate) decide(call Call) Verdict {
	v := Verdict{Tool: call.Tool}
	if !g.tools.Permits(call.Tool) {
		v.Reason = ReasonToolNotPermitted
		return v
	}

	kind := Lookup(call.Tool)
	if !kind.PathRestricted() {
		v.Allowed = true
		return v
	}

	raw, _ := call.Input[kind.PathKey()].(string)
	if strings.TrimSpace(raw) == "" {
		v.Reason = ReasonMissingPath
		return v
	}
	target := raw
	if !filepath.IsAbs(target) && call.CWD != "" && !strings.HasPrefix(target, "~") {
		target = filepath.Join(call.CWD, target)
	}

	resolved, ok := g.engine.Resolve(target)
	v.Path = resolved
	if v.Path == "" {
		v.Path = target
	}
	if !ok {
		v.Reason = ReasonPathOutside
		return v
	}
	v.Allowed = true
	return v
}
