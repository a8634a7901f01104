package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zpdzap/obox/internal/agent"
	"github.com/zpdzap/obox/internal/config"
	"github.com/zpdzap/obox/internal/fork"
	"github.com/zpdzap/obox/internal/gate"
	"github.com/zpdzap/obox/internal/orchestrator"
	"github.com/zpdzap/obox/internal/policy"
	"github.com/zpdzap/obox/internal/report"
	"github.com/zpdzap/obox/internal/runlog"
	"github.com/zpdzap/obox/internal/sandbox"
	"github.com/zpdzap/obox/internal/tui"
)

type runFlags struct {
	forks          int
	concurrency    int
	repo           string
	branchTemplate string
	tasksFile      string
	sandboxID      string
	keep           bool
	model          string
	maxTurns       int
	retries        int
	timeout        time.Duration
	noDashboard    bool
}

func runCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run [flags] <task>",
		Short: "Run the task on N forks, each in its own sandbox and branch",
		Long: `Run starts one sandbox per fork, checks out a fresh branch derived from the
branch template, and lets the agent work on the task. Tool calls are
checked against the configured policy and recorded in one log file per fork.

The exit status is 0 only when every fork succeeded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForks(cmd, f, strings.TrimSpace(strings.Join(args, " ")))
		},
	}

	fl := cmd.Flags()
	fl.IntVarP(&f.forks, "forks", "n", -1, "number of forks (default from config)")
	fl.IntVarP(&f.concurrency, "concurrency", "c", 0, "forks running at once (default from config)")
	fl.StringVarP(&f.repo, "repo", "r", "", "repository URL to clone in every sandbox")
	fl.StringVarP(&f.branchTemplate, "branch", "b", "", "branch template; {timestamp}, {fork} and {index} are replaced")
	fl.StringVar(&f.tasksFile, "tasks-file", "", "file with one task per fork, one per line")
	fl.StringVar(&f.sandboxID, "sandbox-id", "", "use an existing sandbox (single fork only)")
	fl.BoolVar(&f.keep, "keep", false, "leave sandboxes running after the run")
	fl.StringVarP(&f.model, "model", "m", "", "model name or alias: opus, sonnet, haiku")
	fl.IntVar(&f.maxTurns, "max-turns", 0, "agent turn budget per fork (default from config)")
	fl.IntVar(&f.retries, "retries", -1, "extra attempts after a connection or agent failure (default from config)")
	fl.DurationVar(&f.timeout, "timeout", 0, "per-fork time budget, e.g. 10m (default from config)")
	fl.BoolVar(&f.noDashboard, "no-dashboard", false, "log progress instead of showing the dashboard")
	cmd.MarkFlagRequired("repo")

	return cmd
}

func runForks(cmd *cobra.Command, f runFlags, task string) error {
	ctx := cmd.Context()
	projectDir, cfg, err := loadProject()
	if err != nil {
		return err
	}
	creds, err := config.CredentialsFromEnv()
	if err != nil {
		return err
	}

	opts, err := runOptions(cfg, f, task, creds)
	if err != nil {
		return err
	}

	for _, dir := range cfg.Policy.AllowedDirectories {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Warn("could not create allowed directory", "dir", dir, "error", err)
		}
	}
	engine, err := policy.New(cfg.Policy.AllowedDirectories, policy.WithBase(projectDir))
	if err != nil {
		return err
	}
	tools := gate.NewToolSet(cfg.Policy.AllowedTools, cfg.Policy.DisallowedTools)

	docker := newDockerRuntime(cfg)
	if err := docker.Ping(ctx); err != nil {
		return &config.Error{Field: "sandbox runtime", Reason: err.Error()}
	}

	runtime, err := newClaudeCLI(projectDir, cfg, engine, creds)
	if err != nil {
		return err
	}

	useDashboard := !f.noDashboard && tui.Interactive(os.Stdout)
	var obsOpt []orchestrator.Option
	if !useDashboard {
		obsOpt = append(obsOpt, orchestrator.WithObserver(logObserver{logger: slog.Default()}))
	}

	build := func(extra ...orchestrator.Option) *orchestrator.Orchestrator {
		return orchestrator.New(docker, runtime, engine, tools, append(obsOpt, extra...)...)
	}

	// Validate up front so no dashboard is shown for a run that cannot start.
	// Run derives the same branches from the same start time.
	opts.Started = time.Now()
	plan, err := build().Validate(opts)
	if err != nil {
		return err
	}

	var summary runlog.Summary
	if useDashboard {
		// Anything written to stderr would tear the dashboard.
		quiet := slog.New(slog.DiscardHandler)
		runtime.Logger = quiet
		summary, err = tui.Run(ctx, task, plan.Branches, func(ctx context.Context, obs fork.Observer) (runlog.Summary, error) {
			return build(orchestrator.WithObserver(obs), orchestrator.WithLogger(quiet)).Run(ctx, opts)
		})
	} else {
		summary, err = build().Run(ctx, opts)
	}
	if err != nil {
		return err
	}

	if err := report.Write(os.Stdout, summary); err != nil {
		return err
	}
	if err := report.Save(summary.LogDir, summary); err != nil {
		slog.Warn("writing text summary failed", "error", err)
	}
	if code := report.ExitCode(summary); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// runOptions merges flags over config.
func runOptions(cfg *config.Config, f runFlags, task string, creds config.Credentials) (orchestrator.Options, error) {
	opts := orchestrator.Options{
		Forks:          cfg.Forks.Default,
		MaxForks:       cfg.Forks.Max,
		Concurrency:    cfg.Forks.Concurrency,
		RepoURL:        f.repo,
		BranchTemplate: cfg.Git.BranchTemplate,
		Task:           task,
		SandboxID:      f.sandboxID,
		Keep:           f.keep,
		Sandbox: sandbox.Options{
			Template: cfg.Sandbox.Template,
			Timeout:  cfg.Sandbox.Timeout.Std(),
			Env:      sandboxEnv(cfg, creds),
		},
		Workdir:  cfg.Sandbox.Workdir,
		Timeout:  cfg.Forks.Timeout.Std(),
		Grace:    cfg.Forks.Grace.Std(),
		Retries:  cfg.Forks.Retries,
		MaxTurns: cfg.Agent.MaxTurns,
		Model:    cfg.Agent.Model,
		GitToken: creds.GitHubToken,
		LogDir:   cfg.Logging.Dir,
	}
	if f.forks >= 0 {
		opts.Forks = f.forks
	}
	if f.concurrency != 0 {
		opts.Concurrency = f.concurrency
	}
	if f.branchTemplate != "" {
		opts.BranchTemplate = f.branchTemplate
	}
	if f.model != "" {
		opts.Model = f.model
	}
	if f.maxTurns != 0 {
		opts.MaxTurns = f.maxTurns
	}
	if f.retries >= 0 {
		opts.Retries = f.retries
	}
	if f.timeout > 0 {
		opts.Timeout = f.timeout
	}
	// A sandbox that expires before its fork does would fail the fork.
	if opts.Sandbox.Timeout < opts.Timeout+opts.Grace {
		opts.Sandbox.Timeout = opts.Timeout + opts.Grace
	}

	if f.tasksFile != "" {
		tasks, err := readTasks(f.tasksFile)
		if err != nil {
			return orchestrator.Options{}, err
		}
		opts.Tasks = tasks
		if f.forks < 0 {
			opts.Forks = len(tasks)
		}
	}
	if opts.Task == "" && len(opts.Tasks) == 0 {
		return orchestrator.Options{}, &config.Error{Field: "task", Reason: "give a task as arguments or with --tasks-file"}
	}
	return opts, nil
}

func sandboxEnv(cfg *config.Config, creds config.Credentials) map[string]string {
	env := make(map[string]string, len(cfg.Sandbox.Env)+1)
	for k, v := range cfg.Sandbox.Env {
		env[k] = v
	}
	for k, v := range creds.SandboxEnv() {
		env[k] = v
	}
	return env
}

// readTasks reads one task per non-empty line. Lines starting with # are
// skipped.
func readTasks(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &config.Error{Field: "tasks-file", Reason: err.Error()}
	}
	defer file.Close()

	var tasks []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tasks = append(tasks, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, &config.Error{Field: "tasks-file", Reason: err.Error()}
	}
	if len(tasks) == 0 {
		return nil, &config.Error{Field: "tasks-file", Reason: "no tasks in " + path}
	}
	return tasks, nil
}

func newDockerRuntime(cfg *config.Config) *sandbox.DockerRuntime {
	images := func(template string) string {
		s := cfg.Sandbox
		s.Template = template
		return s.Image()
	}
	return sandbox.NewDockerRuntime(images, sandbox.WithWorkdir(cfg.Sandbox.Workdir))
}

func newClaudeCLI(projectDir string, cfg *config.Config, engine *policy.Engine, creds config.Credentials) (*agent.ClaudeCLI, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating obox executable: %w", err)
	}
	prompt, err := agent.LoadPrompt(cfg.Agent.PromptFile)
	if err != nil {
		return nil, &config.Error{Field: "agent.prompt_file", Reason: err.Error()}
	}
	var settings []byte
	if cfg.Agent.SettingsFile != "" {
		settings, err = os.ReadFile(cfg.Agent.SettingsFile)
		if err != nil {
			return nil, &config.Error{Field: "agent.settings_file", Reason: err.Error()}
		}
	}
	return &agent.ClaudeCLI{
		Binary:          cfg.Agent.Command,
		Self:            self,
		Dir:             projectDir,
		Settings:        settings,
		Prompt:          prompt,
		AllowedDirs:     engine.Roots(),
		AllowedTools:    cfg.Policy.AllowedTools,
		DisallowedTools: cfg.Policy.DisallowedTools,
		Env:             creds.AgentEnv(),
		Logger:          slog.Default(),
	}, nil
}

// logObserver reports fork transitions on the process log when there is
// no dashboard.
type logObserver struct {
	logger *slog.Logger
}

func (o logObserver) ForkChanged(s fork.Snapshot) {
	attrs := []any{"fork", s.Index + 1, "branch", s.Branch, "status", s.Status}
	if s.SandboxID != "" {
		attrs = append(attrs, "sandbox", sandbox.FormatID(s.SandboxID))
	}
	if s.Attempt > 1 {
		attrs = append(attrs, "attempt", s.Attempt)
	}
	if s.Class != runlog.ClassNone {
		attrs = append(attrs, "class", s.Class, "cause", s.Cause)
		o.logger.Warn("fork changed", attrs...)
		return
	}
	o.logger.Info("fork changed", attrs...)
}
