// obox runs N forks of a coding agent, each in its own sandbox on its own
// branch, and reports how every fork ended.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zpdzap/obox/internal/config"
)

// exitError ends the process with a specific status and no message.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd().ExecuteContext(ctx)
	stop()

	var exit *exitError
	switch {
	case err == nil:
	case errors.As(err, &exit):
		os.Exit(exit.code)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// level is shared by the process logger. The config file may set it unless
// --log-level was given.
var (
	level         = new(slog.LevelVar)
	levelFromFlag bool
)

func rootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "obox",
		Short:         "obox: fork a coding agent across isolated sandboxes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := parseLevel(logLevel)
			if err != nil {
				return err
			}
			level.Set(l)
			levelFromFlag = cmd.Flags().Changed("log-level")
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")

	root.AddCommand(runCmd(), initCmd(), reportCmd(), hookCmd(), sandboxCmd())
	return root
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, &config.Error{Field: "log-level", Reason: fmt.Sprintf("unknown level %q", s)}
	}
	return level, nil
}

// loadProject finds the project root from the working directory, loads
// .env into the environment and reads the config.
func loadProject() (string, *config.Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", nil, err
	}
	projectDir := config.FindProjectRoot(wd)
	if err := config.LoadEnv(projectDir); err != nil {
		return "", nil, err
	}
	cfg, err := config.LoadOrDefault(projectDir)
	if err != nil {
		return "", nil, err
	}
	if err := cfg.Validate(); err != nil {
		return "", nil, err
	}
	if !levelFromFlag && cfg.Logging.Level != "" {
		l, err := parseLevel(cfg.Logging.Level)
		if err != nil {
			return "", nil, err
		}
		level.Set(l)
	}
	return projectDir, cfg, nil
}
