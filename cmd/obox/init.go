package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zpdzap/obox/internal/config"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize obox in the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, err := os.Getwd()
			if err != nil {
				return err
			}

			if config.Exists(projectDir) {
				fmt.Println("obox already initialized in this project.")
				return nil
			}

			cfg := config.Default(projectDir)
			if err := config.Save(projectDir, relativize(projectDir, cfg)); err != nil {
				return fmt.Errorf("saving config: %w", err)
			}

			for _, dir := range append(cfg.Policy.AllowedDirectories, cfg.Logging.Dir) {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("creating %s: %w", dir, err)
				}
			}

			if err := updateGitignore(projectDir, cfg); err != nil {
				return fmt.Errorf("updating .gitignore: %w", err)
			}

			fmt.Printf("Initialized obox in %s\n", projectDir)
			fmt.Printf("  Config: %s/%s\n", config.Dir, config.ConfigFile)
			fmt.Printf("  Logs:   %s\n", rel(projectDir, cfg.Logging.Dir))
			if _, err := config.CredentialsFromEnv(); err != nil {
				fmt.Printf("\nSet %s or %s in %s before running.\n",
					config.EnvClaudeOAuthToken, config.EnvAnthropicAPIKey, config.EnvFile)
			}
			fmt.Println("\nRun `obox run --repo <url> <task>` to start.")
			return nil
		},
	}
}

// relativize returns a copy of cfg whose project paths are relative, so
// the saved file keeps working when the project moves.
func relativize(projectDir string, cfg *config.Config) *config.Config {
	out := *cfg
	out.Policy.AllowedDirectories = make([]string, len(cfg.Policy.AllowedDirectories))
	for i, dir := range cfg.Policy.AllowedDirectories {
		out.Policy.AllowedDirectories[i] = rel(projectDir, dir)
	}
	out.Logging.Dir = rel(projectDir, cfg.Logging.Dir)
	return &out
}

func rel(base, path string) string {
	r, err := filepath.Rel(base, path)
	if err != nil || strings.HasPrefix(r, "..") {
		return path
	}
	return r
}

func updateGitignore(projectDir string, cfg *config.Config) error {
	gitignorePath := filepath.Join(projectDir, ".gitignore")

	entries := []string{
		config.EnvFile,
		rel(projectDir, cfg.Logging.Dir) + "/",
	}

	existing, _ := os.ReadFile(gitignorePath)
	content := string(existing)

	var toAdd []string
	for _, entry := range entries {
		if !strings.Contains(content, entry) {
			toAdd = append(toAdd, entry)
		}
	}

	if len(toAdd) == 0 {
		return nil
	}

	if len(content) > 0 && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}

	content += "\n# obox\n"
	for _, entry := range toAdd {
		content += entry + "\n"
	}

	return os.WriteFile(gitignorePath, []byte(content), 0o644)
}
