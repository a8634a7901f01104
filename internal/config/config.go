package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	Dir        = ".obox"
	ConfigFile = "config.yaml"
	EnvFile    = ".env"
)

// Limits recovered from the original obox constants.
const (
	DefaultForks          = 1
	MinForks              = 1
	MaxForks              = 100
	DefaultSandboxTimeout = 300 * time.Second
	DefaultMaxTurns       = 100
	DefaultTemplate       = "base"
	DefaultImage          = "ubuntu:24.04"
	DefaultBranchTemplate = "fork-experiment-{timestamp}"
	DefaultConcurrency    = 5
	DefaultGracePeriod    = 30 * time.Second
)

type Config struct {
	Version string  `yaml:"version"`
	Sandbox Sandbox `yaml:"sandbox"`
	Agent   Agent   `yaml:"agent"`
	Forks   Forks   `yaml:"forks"`
	Policy  Policy  `yaml:"policy"`
	Logging Logging `yaml:"logging"`
	Git     Git     `yaml:"git"`
}

type Sandbox struct {
	// Template names the sandbox template. For the Docker runtime it maps to
	// an image through Images; unknown templates are used as image names.
	Template string            `yaml:"template"`
	Images   map[string]string `yaml:"images,omitempty"`
	Timeout  Duration          `yaml:"timeout"`
	Env      map[string]string `yaml:"env,omitempty"`
	Workdir  string            `yaml:"workdir"`
}

type Agent struct {
	Command      string `yaml:"command"`
	Model        string `yaml:"model,omitempty"`
	MaxTurns     int    `yaml:"max_turns"`
	SettingsFile string `yaml:"settings_file,omitempty"`
	PromptFile   string `yaml:"prompt_file,omitempty"`
}

type Forks struct {
	Default     int      `yaml:"default"`
	Max         int      `yaml:"max"`
	Concurrency int      `yaml:"concurrency"`
	Timeout     Duration `yaml:"timeout"`
	Retries     int      `yaml:"retries"`
	Grace       Duration `yaml:"grace"`
}

type Policy struct {
	AllowedDirectories []string `yaml:"allowed_directories"`
	AllowedTools       []string `yaml:"allowed_tools"`
	DisallowedTools    []string `yaml:"disallowed_tools"`
}

type Logging struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

type Git struct {
	BranchTemplate string `yaml:"branch_template"`
}

// Duration is a time.Duration that reads and writes as "5m", "300s", etc.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Default returns the configuration used when no config file exists.
// Relative directories are anchored at projectDir.
func Default(projectDir string) *Config {
	runtimeDir := filepath.Join(projectDir, "runtime", "agent_workspaces")
	workingDir := filepath.Join(projectDir, "working_dir")
	return &Config{
		Version: "1",
		Sandbox: Sandbox{
			Template: DefaultTemplate,
			Images:   map[string]string{DefaultTemplate: DefaultImage},
			Timeout:  Duration(DefaultSandboxTimeout),
			Workdir:  "/home/user/repo",
		},
		Agent: Agent{
			Command:  "claude",
			MaxTurns: DefaultMaxTurns,
		},
		Forks: Forks{
			Default:     DefaultForks,
			Max:         MaxForks,
			Concurrency: DefaultConcurrency,
			Timeout:     Duration(DefaultSandboxTimeout),
			Grace:       Duration(DefaultGracePeriod),
		},
		Policy: Policy{
			AllowedDirectories: []string{
				filepath.Join(workingDir, "temp"),
				filepath.Join(runtimeDir, "temp"),
				filepath.Join(runtimeDir, "specs"),
				filepath.Join(projectDir, "specs"),
				filepath.Join(projectDir, "ai_docs"),
				filepath.Join(projectDir, "app_docs"),
			},
			AllowedTools:    append([]string(nil), DefaultAllowedTools...),
			DisallowedTools: []string{"NotebookEdit"},
		},
		Logging: Logging{
			Dir:   filepath.Join(runtimeDir, "logs"),
			Level: "info",
		},
		Git: Git{
			BranchTemplate: DefaultBranchTemplate,
		},
	}
}

// DefaultAllowedTools are the agent tools permitted unless the config says
// otherwise. Read, Write and Edit are additionally held to the allowed
// directories by the tool gate.
var DefaultAllowedTools = []string{
	"mcp__sandbox__*",
	"Read",
	"Write",
	"Edit",
	"Bash",
	"WebFetch",
	"WebSearch",
	"Task",
	"Skill",
	"SlashCommand",
	"TodoWrite",
	"Glob",
	"Grep",
}

// Load reads config from .obox/config.yaml relative to projectDir. Fields
// absent from the file keep their defaults.
func Load(projectDir string) (*Config, error) {
	path := filepath.Join(projectDir, Dir, ConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default(projectDir)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &Error{Field: path, Reason: fmt.Sprintf("parsing config: %v", err)}
	}
	cfg.anchor(projectDir)
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when the
// project has no config file.
func LoadOrDefault(projectDir string) (*Config, error) {
	if !Exists(projectDir) {
		return Default(projectDir), nil
	}
	return Load(projectDir)
}

// Save writes config to .obox/config.yaml relative to projectDir.
func Save(projectDir string, cfg *Config) error {
	dir := filepath.Join(projectDir, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	path := filepath.Join(dir, ConfigFile)
	return os.WriteFile(path, data, 0o644)
}

// Exists returns true if .obox/config.yaml exists.
func Exists(projectDir string) bool {
	path := filepath.Join(projectDir, Dir, ConfigFile)
	_, err := os.Stat(path)
	return err == nil
}

// Validate checks the fields every run depends on. All failures are
// configuration errors: nothing should start without a usable policy.
func (c *Config) Validate() error {
	if len(c.Policy.AllowedDirectories) == 0 {
		return &Error{Field: "policy.allowed_directories", Reason: "at least one directory is required"}
	}
	if c.Forks.Max < MinForks || c.Forks.Max > MaxForks {
		return &Error{Field: "forks.max", Reason: fmt.Sprintf("must be between %d and %d", MinForks, MaxForks)}
	}
	if c.Forks.Default < MinForks || c.Forks.Default > c.Forks.Max {
		return &Error{Field: "forks.default", Reason: fmt.Sprintf("must be between %d and forks.max", MinForks)}
	}
	if c.Forks.Concurrency < 1 {
		return &Error{Field: "forks.concurrency", Reason: "must be at least 1"}
	}
	if c.Forks.Retries < 0 {
		return &Error{Field: "forks.retries", Reason: "must not be negative"}
	}
	if c.Forks.Timeout <= 0 {
		return &Error{Field: "forks.timeout", Reason: "must be positive"}
	}
	if c.Sandbox.Timeout <= 0 {
		return &Error{Field: "sandbox.timeout", Reason: "must be positive"}
	}
	if c.Agent.MaxTurns < 1 {
		return &Error{Field: "agent.max_turns", Reason: "must be at least 1"}
	}
	if c.Agent.Command == "" {
		return &Error{Field: "agent.command", Reason: "must not be empty"}
	}
	if c.Logging.Dir == "" {
		return &Error{Field: "logging.dir", Reason: "must not be empty"}
	}
	return nil
}

// Image resolves the sandbox template to a container image.
func (s Sandbox) Image() string {
	if image, ok := s.Images[s.Template]; ok && image != "" {
		return image
	}
	return s.Template
}

// anchor makes relative directories in a loaded file relative to the
// project root rather than the process working directory.
func (c *Config) anchor(projectDir string) {
	for i, dir := range c.Policy.AllowedDirectories {
		if !filepath.IsAbs(dir) {
			c.Policy.AllowedDirectories[i] = filepath.Join(projectDir, dir)
		}
	}
	if c.Logging.Dir != "" && !filepath.IsAbs(c.Logging.Dir) {
		c.Logging.Dir = filepath.Join(projectDir, c.Logging.Dir)
	}
	if c.Agent.SettingsFile != "" && !filepath.IsAbs(c.Agent.SettingsFile) {
		c.Agent.SettingsFile = filepath.Join(projectDir, c.Agent.SettingsFile)
	}
	if c.Agent.PromptFile != "" && !filepath.IsAbs(c.Agent.PromptFile) {
		c.Agent.PromptFile = filepath.Join(projectDir, c.Agent.PromptFile)
	}
}
