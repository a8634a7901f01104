package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

const (
	EnvClaudeOAuthToken = "CLAUDE_CODE_OAUTH_TOKEN"
	EnvAnthropicAPIKey  = "ANTHROPIC_API_KEY"
	EnvGitHubToken      = "GITHUB_TOKEN"
)

// Credentials are the secrets a run hands to the agent runtime and the
// sandboxes. At least one Claude credential is required.
type Credentials struct {
	ClaudeOAuthToken string
	AnthropicAPIKey  string
	GitHubToken      string
}

// LoadEnv loads projectDir/.env into the process environment, overriding
// existing values. A missing file is not an error.
func LoadEnv(projectDir string) error {
	path := filepath.Join(projectDir, EnvFile)
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Overload(path); err != nil {
		return &Error{Field: path, Reason: fmt.Sprintf("loading env file: %v", err)}
	}
	return nil
}

// CredentialsFromEnv reads credentials from the process environment.
func CredentialsFromEnv() (Credentials, error) {
	creds := Credentials{
		ClaudeOAuthToken: os.Getenv(EnvClaudeOAuthToken),
		AnthropicAPIKey:  os.Getenv(EnvAnthropicAPIKey),
		GitHubToken:      os.Getenv(EnvGitHubToken),
	}
	if creds.ClaudeOAuthToken == "" && creds.AnthropicAPIKey == "" {
		return Credentials{}, &Error{
			Field:  EnvClaudeOAuthToken + "|" + EnvAnthropicAPIKey,
			Reason: "no Claude authentication found; set one of them in " + EnvFile,
		}
	}
	return creds, nil
}

// AgentEnv returns the credentials as KEY=VALUE pairs for the agent
// process. The OAuth token is preferred when both are present.
func (c Credentials) AgentEnv() []string {
	var env []string
	if c.ClaudeOAuthToken != "" {
		env = append(env, EnvClaudeOAuthToken+"="+c.ClaudeOAuthToken)
	}
	if c.AnthropicAPIKey != "" {
		env = append(env, EnvAnthropicAPIKey+"="+c.AnthropicAPIKey)
	}
	return env
}

// SandboxEnv returns the variables that are forwarded into sandboxes.
func (c Credentials) SandboxEnv() map[string]string {
	env := map[string]string{}
	if c.GitHubToken != "" {
		env[EnvGitHubToken] = c.GitHubToken
	}
	return env
}
