// Package orchestrator fans a task out to N forks, runs them on a bounded
// pool of workers and aggregates their results.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zpdzap/obox/internal/agent"
	"github.com/zpdzap/obox/internal/branch"
	"github.com/zpdzap/obox/internal/config"
	"github.com/zpdzap/obox/internal/fork"
	"github.com/zpdzap/obox/internal/gate"
	"github.com/zpdzap/obox/internal/policy"
	"github.com/zpdzap/obox/internal/runlog"
	"github.com/zpdzap/obox/internal/sandbox"
)

// Options describe one run.
type Options struct {
	Forks int
	// MinForks and MaxForks bound Forks. Zero means config.MinForks and
	// config.MaxForks.
	MinForks int
	MaxForks int
	// Concurrency caps how many forks run at once. Zero means
	// config.DefaultConcurrency.
	Concurrency int

	RepoURL        string
	BranchTemplate string
	// Task is shared by every fork unless Tasks has an entry for it.
	Task  string
	Tasks []string

	// SandboxID reuses an existing sandbox. Only valid with one fork.
	SandboxID string
	// Keep leaves sandboxes running after the run.
	Keep    bool
	Sandbox sandbox.Options
	Workdir string

	Timeout  time.Duration
	Grace    time.Duration
	Retries  int
	MaxTurns int
	Model    string
	GitToken string

	// LogDir is where the run directory is created.
	LogDir string

	// Started stamps branch names and the run directory. Zero means the
	// time Run or Validate is called; set it to get the same branches
	// from both.
	Started time.Time
}

// Plan is a validated run: one branch and task per fork.
type Plan struct {
	Branches []string
	Tasks    []string
}

// Orchestrator owns the collaborators shared by every fork of a run.
type Orchestrator struct {
	sandboxes sandbox.Runtime
	agent     agent.Runtime
	policy    *policy.Engine
	tools     gate.ToolSet

	logger   *slog.Logger
	observer fork.Observer
	now      func() time.Time
	newID    func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithObserver receives every fork transition of every run.
func WithObserver(obs fork.Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New returns an orchestrator. The policy engine and tool set are shared
// read-only by all forks.
func New(sandboxes sandbox.Runtime, runtime agent.Runtime, engine *policy.Engine, tools gate.ToolSet, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sandboxes: sandboxes,
		agent:     runtime,
		policy:    engine,
		tools:     tools,
		logger:    slog.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Validate checks opts and derives every fork's branch. Nothing is
// created. Failures are configuration or validation errors.
func (o *Orchestrator) Validate(opts Options) (Plan, error) {
	minForks, maxForks := opts.MinForks, opts.MaxForks
	if minForks <= 0 {
		minForks = config.MinForks
	}
	if maxForks <= 0 {
		maxForks = config.MaxForks
	}
	if opts.Forks < minForks || opts.Forks > maxForks {
		return Plan{}, &config.Error{
			Field:  "forks",
			Reason: fmt.Sprintf("%d is out of range [%d, %d]", opts.Forks, minForks, maxForks),
		}
	}
	if opts.Concurrency < 0 {
		return Plan{}, &config.Error{Field: "concurrency", Reason: "must not be negative"}
	}
	if opts.SandboxID != "" && opts.Forks != 1 {
		return Plan{}, &config.Error{Field: "sandbox-id", Reason: "an existing sandbox can only be used with a single fork"}
	}
	if len(opts.Tasks) > 0 && len(opts.Tasks) != opts.Forks {
		return Plan{}, &config.Error{Field: "tasks", Reason: fmt.Sprintf("got %d tasks for %d forks", len(opts.Tasks), opts.Forks)}
	}
	if !branch.ValidateRepoURL(opts.RepoURL) {
		return Plan{}, &branch.ValidationError{Field: "repository URL", Value: opts.RepoURL, Msg: "unsupported repository host or shape"}
	}

	template := opts.BranchTemplate
	if template == "" {
		template = config.DefaultBranchTemplate
	}
	now := opts.Started
	if now.IsZero() {
		now = o.now()
	}
	plan := Plan{Branches: make([]string, opts.Forks), Tasks: make([]string, opts.Forks)}
	seen := make(map[string]int, opts.Forks)
	for i := range opts.Forks {
		name, err := branch.Derive(template, i, now)
		if err != nil {
			return Plan{}, err
		}
		if other, dup := seen[name]; dup {
			return Plan{}, &branch.ValidationError{
				Field: "branch template", Value: template,
				Msg: fmt.Sprintf("forks %d and %d derive the same branch %q", other+1, i+1, name),
			}
		}
		seen[name] = i
		plan.Branches[i] = name

		task := opts.Task
		if len(opts.Tasks) > 0 {
			task = opts.Tasks[i]
		}
		if strings.TrimSpace(task) == "" {
			return Plan{}, &config.Error{Field: "task", Reason: fmt.Sprintf("fork %d has no task", i+1)}
		}
		plan.Tasks[i] = task
	}
	return plan, nil
}

// Run validates opts, runs every fork and returns the summary once all of
// them are terminal. Cancelling ctx cancels running forks and fails the
// queued ones without creating their sandboxes; Run still waits for every
// sandbox to be released. The summary is also written to the run
// directory.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (runlog.Summary, error) {
	if opts.Started.IsZero() {
		opts.Started = o.now()
	}
	plan, err := o.Validate(opts)
	if err != nil {
		return runlog.Summary{}, err
	}

	runID := o.newID()
	logs, err := runlog.NewManager(opts.LogDir, runID, opts.Started,
		runlog.WithClock(o.now), runlog.WithLogger(o.logger))
	if err != nil {
		return runlog.Summary{}, &config.Error{Field: "logging.dir", Reason: err.Error()}
	}
	defer logs.Close()

	logger := o.logger.With("run", shortID(runID))
	cfg := o.forkConfig(opts, runID, logger)

	forks := make([]*fork.Fork, len(plan.Branches))
	for i, name := range plan.Branches {
		log, err := logs.Register(i, name)
		if err != nil {
			return runlog.Summary{}, fmt.Errorf("registering fork %d: %w", i+1, err)
		}
		log.Note("task: %s", plan.Tasks[i])
		forks[i] = fork.New(i, name, plan.Tasks[i], log, cfg)
	}

	workers := opts.Concurrency
	if workers == 0 {
		workers = config.DefaultConcurrency
	}
	workers = min(workers, len(forks))
	logger.Info("run started", "forks", len(forks), "concurrency", workers, "log_dir", logs.Dir())

	jobs := make(chan *fork.Fork, len(forks))
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range jobs {
				res := f.Run(ctx)
				if err := logs.Complete(f.Index, res); err != nil {
					logger.Warn("recording fork result failed", "fork", f.Index+1, "error", err)
				}
			}
		}()
	}
	for _, f := range forks {
		jobs <- f
	}
	close(jobs)
	wg.Wait()

	summary, err := logs.Summary()
	if err != nil {
		return runlog.Summary{}, err
	}
	if err := runlog.WriteSummary(logs.Dir(), summary); err != nil {
		logger.Warn("writing summary failed", "error", err)
	}
	logger.Info("run finished",
		"succeeded", summary.Counts[runlog.StatusSucceeded],
		"failed", summary.Counts[runlog.StatusFailed],
		"timed_out", summary.Counts[runlog.StatusTimedOut],
		"duration", summary.Duration.Round(time.Millisecond))
	return summary, nil
}

func (o *Orchestrator) forkConfig(opts Options, runID string, logger *slog.Logger) *fork.Config {
	sbOpts := opts.Sandbox
	labels := make(map[string]string, len(sbOpts.Labels)+1)
	for k, v := range sbOpts.Labels {
		labels[k] = v
	}
	labels[sandbox.LabelRun] = runID
	sbOpts.Labels = labels

	return &fork.Config{
		Sandboxes: o.sandboxes,
		Agent:     o.agent,
		Policy:    o.policy,
		Tools:     o.tools,
		Sandbox:   sandbox.Spec{ID: opts.SandboxID, Options: sbOpts, Keep: opts.Keep},
		RepoURL:   opts.RepoURL,
		Workdir:   opts.Workdir,
		GitToken:  opts.GitToken,
		Timeout:   opts.Timeout,
		Grace:     opts.Grace,
		Retries:   opts.Retries,
		MaxTurns:  opts.MaxTurns,
		Model:     opts.Model,
		Logger:    logger,
		Observer:  o.observer,
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
