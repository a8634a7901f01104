package agent

import (
	"bytes"
	"fmt"
	"os"
	"text/template"
)

const defaultSystemPrompt = `You are working inside an isolated sandbox, one fork of a parallel experiment.

Sandbox:   {{.SandboxID}}
Repository: {{.RepoURL}}
Branch:    {{.Branch}} (already checked out at {{.Workdir}})

All work on the repository happens inside the sandbox. Use:
  {{.Self}} sandbox exec --id {{.SandboxID}} -- <command>
  {{.Self}} sandbox read --id {{.SandboxID}} <path>
  {{.Self}} sandbox write --id {{.SandboxID}} <path>   (content on stdin)
  {{.Self}} sandbox ls --id {{.SandboxID}} <path>

Local Read, Write and Edit calls are limited to these directories:
{{range .AllowedDirs}}  - {{.}}
{{end}}
A call outside them is rejected; choose another path and continue.
Commit your changes on {{.Branch}} and push them before you finish.
`

// PromptData fills the system prompt template.
type PromptData struct {
	Self        string
	SandboxID   string
	RepoURL     string
	Branch      string
	Workdir     string
	AllowedDirs []string
}

// Prompt renders the system prompt appended to the agent's own.
type Prompt struct {
	tmpl *template.Template
}

// LoadPrompt parses the template at path, or the built-in one when path
// is empty.
func LoadPrompt(path string) (*Prompt, error) {
	text := defaultSystemPrompt
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading prompt template: %w", err)
		}
		text = string(data)
	}
	tmpl, err := template.New("system").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing prompt template: %w", err)
	}
	return &Prompt{tmpl: tmpl}, nil
}

// Render executes the template.
func (p *Prompt) Render(data PromptData) (string, error) {
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering prompt: %w", err)
	}
	return buf.String(), nil
}
