// Package fork runs one forked agent execution: acquire a sandbox, check
// out the fork's branch, run the agent behind a tool gate, and release the
// sandbox on every exit path.
package fork

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zpdzap/obox/internal/agent"
	"github.com/zpdzap/obox/internal/branch"
	"github.com/zpdzap/obox/internal/gate"
	"github.com/zpdzap/obox/internal/policy"
	"github.com/zpdzap/obox/internal/runlog"
	"github.com/zpdzap/obox/internal/sandbox"
)

// transitions lists every legal status change. Terminal statuses have no
// entry. Going (back) to provisioning from provisioning or running only
// happens on a retry.
var transitions = map[runlog.Status][]runlog.Status{
	runlog.StatusPending:      {runlog.StatusCreated},
	runlog.StatusCreated:      {runlog.StatusProvisioning, runlog.StatusFailed},
	runlog.StatusProvisioning: {runlog.StatusRunning, runlog.StatusFailed, runlog.StatusTimedOut, runlog.StatusProvisioning},
	runlog.StatusRunning:      {runlog.StatusSucceeded, runlog.StatusFailed, runlog.StatusTimedOut, runlog.StatusProvisioning},
}

func canTransition(from, to runlog.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Snapshot is a fork's externally visible state after a transition.
type Snapshot struct {
	Index     int
	Branch    string
	SandboxID string
	Status    runlog.Status
	Class     runlog.ErrorClass
	Cause     string
	Attempt   int
	At        time.Time
}

// Observer is told about every transition. Calls come from the fork's own
// goroutine and must not block for long.
type Observer interface {
	ForkChanged(Snapshot)
}

// Config is shared by every fork of a run and never mutated.
type Config struct {
	Sandboxes sandbox.Runtime
	Agent     agent.Runtime
	Policy    *policy.Engine
	Tools     gate.ToolSet

	// Sandbox describes what each fork acquires. Sandbox.ID is only set
	// for single-fork runs against an existing sandbox.
	Sandbox sandbox.Spec
	RepoURL string
	// Workdir is the checkout location inside the sandbox.
	Workdir string
	// GitToken authenticates the in-sandbox clone.
	GitToken string

	// Timeout is the wall-clock budget from provisioning to the end.
	Timeout time.Duration
	// Grace bounds sandbox teardown after the fork is done.
	Grace time.Duration
	// Retries is how many extra attempts a retryable failure gets.
	Retries  int
	MaxTurns int
	Model    string

	Logger   *slog.Logger
	Observer Observer
}

// Fork is one unit of orchestrated work. Only its own Run mutates it.
type Fork struct {
	Index  int
	Branch string
	Task   string

	cfg *Config
	log *runlog.Logger

	mu        sync.Mutex
	status    runlog.Status
	sandboxID string
	attempt   int
}

// New returns a pending fork.
func New(index int, branchName, task string, log *runlog.Logger, cfg *Config) *Fork {
	return &Fork{
		Index:  index,
		Branch: branchName,
		Task:   task,
		cfg:    cfg,
		log:    log,
		status: runlog.StatusPending,
	}
}

// Status returns the current status.
func (f *Fork) Status() runlog.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *Fork) logger() *slog.Logger {
	l := f.cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("fork", f.Index+1, "branch", f.Branch)
}

func (f *Fork) transition(to runlog.Status, class runlog.ErrorClass, cause string) {
	f.mu.Lock()
	from := f.status
	if !canTransition(from, to) {
		f.mu.Unlock()
		panic(fmt.Sprintf("fork %d: illegal transition %s -> %s", f.Index, from, to))
	}
	f.status = to
	snap := Snapshot{
		Index:     f.Index,
		Branch:    f.Branch,
		SandboxID: f.sandboxID,
		Status:    to,
		Class:     class,
		Cause:     cause,
		Attempt:   f.attempt,
		At:        time.Now(),
	}
	f.mu.Unlock()

	attrs := map[string]string{"from": string(from), "to": string(to)}
	if cause != "" {
		attrs["cause"] = cause
	}
	f.log.Lifecycle("status", attrs)
	if f.cfg.Observer != nil {
		f.cfg.Observer.ForkChanged(snap)
	}
}

// attemptResult is what one pass through provisioning and running ended
// with.
type attemptResult struct {
	status  runlog.Status
	class   runlog.ErrorClass
	err     error
	outcome agent.Outcome
}

// Run drives the fork to a terminal status and returns its result. It
// never returns before the sandbox has been released.
func (f *Fork) Run(ctx context.Context) runlog.Result {
	start := time.Now()
	logger := f.logger()

	f.transition(runlog.StatusCreated, "", "")
	if err := ctx.Err(); err != nil {
		return f.finish(start, attemptResult{
			status: runlog.StatusFailed,
			class:  runlog.ClassCancelled,
			err:    fmt.Errorf("cancelled before start: %w", err),
		})
	}

	forkCtx, cancel := ctx, context.CancelFunc(func() {})
	if f.cfg.Timeout > 0 {
		forkCtx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
	}
	defer cancel()

	// Releasing a caller-supplied sandbox kills it, so a retry would have
	// nothing to connect to.
	retries := f.cfg.Retries
	if f.cfg.Sandbox.ID != "" && !f.cfg.Sandbox.Keep {
		retries = 0
	}

	var res attemptResult
	for {
		f.mu.Lock()
		f.attempt++
		attempt := f.attempt
		f.mu.Unlock()

		f.transition(runlog.StatusProvisioning, "", "")
		res = f.runAttempt(ctx, forkCtx)
		if res.status == runlog.StatusSucceeded || attempt > retries || !retryable(res.class) {
			break
		}
		logger.Warn("fork attempt failed, retrying", "attempt", attempt, "class", res.class, "error", res.err)
		f.log.Note("attempt %d failed (%s): %v", attempt, res.class, res.err)
	}
	return f.finish(start, res)
}

func (f *Fork) finish(start time.Time, res attemptResult) runlog.Result {
	result := runlog.Result{
		Index:     f.Index,
		Branch:    f.Branch,
		SandboxID: f.sandboxID,
		Status:    res.status,
		Class:     res.class,
		Summary:   res.outcome.Summary,
		Usage:     res.outcome.Usage,
		Attempts:  f.attempt,
		Duration:  time.Since(start),
	}
	if res.err != nil {
		result.Cause = res.err.Error()
	} else if res.status != runlog.StatusSucceeded {
		result.Cause = res.outcome.Summary
	}

	f.transition(res.status, res.class, result.Cause)
	logger := f.logger()
	if res.status == runlog.StatusSucceeded {
		logger.Info("fork succeeded", "duration", result.Duration.Round(time.Millisecond), "turns", result.Usage.Turns)
	} else {
		logger.Warn("fork ended", "status", res.status, "class", res.class, "cause", result.Cause)
	}
	return result
}

// runAttempt acquires a sandbox, checks out the branch and runs the agent.
// The sandbox is released before it returns.
func (f *Fork) runAttempt(parent, ctx context.Context) attemptResult {
	fail := func(err error) attemptResult {
		status, class := classify(parent, ctx, err)
		return attemptResult{status: status, class: class, err: err}
	}

	lease, err := sandbox.Acquire(ctx, f.cfg.Sandboxes, f.cfg.Sandbox)
	if err != nil {
		return fail(err)
	}
	defer f.release(parent, lease)

	id := lease.Handle().ID()
	f.mu.Lock()
	f.sandboxID = id
	f.mu.Unlock()
	f.log.Lifecycle("sandbox_acquired", map[string]string{"sandbox_id": id})

	created, err := branch.Checkout(ctx, lease.Handle(), branch.CheckoutOptions{
		RepoURL: f.cfg.RepoURL,
		Branch:  f.Branch,
		Dir:     f.cfg.Workdir,
		Token:   f.cfg.GitToken,
	})
	if err != nil {
		return fail(fmt.Errorf("checking out %s: %w", f.Branch, err))
	}
	f.log.Lifecycle("branch_ready", map[string]string{"branch": f.Branch, "created": fmt.Sprint(created)})

	f.transition(runlog.StatusRunning, "", "")

	outcome, err := f.cfg.Agent.Run(ctx, agent.Request{
		ForkID:   f.log.ID(),
		Task:     f.Task,
		RepoURL:  f.cfg.RepoURL,
		Branch:   f.Branch,
		Workdir:  f.cfg.Workdir,
		Sandbox:  lease.Handle(),
		Gate:     gate.New(f.cfg.Policy, f.cfg.Tools, f.log),
		Log:      f.log,
		MaxTurns: f.cfg.MaxTurns,
		Model:    f.cfg.Model,
	})
	if err != nil {
		r := fail(err)
		r.outcome = outcome
		return r
	}
	if !outcome.Success {
		return attemptResult{
			status:  runlog.StatusFailed,
			class:   runlog.ClassAgent,
			err:     fmt.Errorf("%w: %s", agent.ErrAgent, outcome.Summary),
			outcome: outcome,
		}
	}
	return attemptResult{status: runlog.StatusSucceeded, outcome: outcome}
}

// release tears the sandbox down under its own grace deadline, detached
// from cancellation. Failures are logged only.
func (f *Fork) release(parent context.Context, lease *sandbox.Lease) {
	grace := f.cfg.Grace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), grace)
	defer cancel()

	if err := lease.Release(ctx); err != nil {
		f.logger().Warn("sandbox teardown failed", "sandbox", lease.Handle().ID(), "error", err)
		f.log.Lifecycle("sandbox_release_failed", map[string]string{"error": err.Error()})
		return
	}
	f.log.Lifecycle("sandbox_released", map[string]string{"sandbox_id": lease.Handle().ID()})
}

// classify maps an error to a terminal status and class. Cancellation of
// the whole run wins over everything, then the fork's own deadline.
func classify(parent, forkCtx context.Context, err error) (runlog.Status, runlog.ErrorClass) {
	switch {
	case parent.Err() != nil:
		return runlog.StatusFailed, runlog.ClassCancelled
	case errors.Is(forkCtx.Err(), context.DeadlineExceeded), errors.Is(err, sandbox.ErrTimeout):
		return runlog.StatusTimedOut, runlog.ClassTimeout
	case errors.Is(err, branch.ErrValidation):
		return runlog.StatusFailed, runlog.ClassValidation
	case errors.Is(err, sandbox.ErrNotFound):
		return runlog.StatusFailed, runlog.ClassNotFound
	case errors.Is(err, sandbox.ErrConnection):
		return runlog.StatusFailed, runlog.ClassConnection
	case errors.Is(err, sandbox.ErrCommandExecution), errors.Is(err, sandbox.ErrFileOperation):
		return runlog.StatusFailed, runlog.ClassSandbox
	}
	return runlog.StatusFailed, runlog.ClassAgent
}

func retryable(class runlog.ErrorClass) bool {
	switch class {
	case runlog.ClassConnection, runlog.ClassNotFound, runlog.ClassAgent:
		return true
	}
	return false
}
