package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zpdzap/obox/internal/config"
	"github.com/zpdzap/obox/internal/sandbox"
)

func sandboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Manage sandboxes directly",
	}
	cmd.AddCommand(
		sandboxCreateCmd(),
		sandboxExecCmd(),
		sandboxReadCmd(),
		sandboxWriteCmd(),
		sandboxLsCmd(),
		sandboxPathCmd("mkdir", "Create a directory and its parents", func(ctx context.Context, h sandbox.Handle, p string) error {
			return h.MakeDir(ctx, p)
		}),
		sandboxPathCmd("rm", "Remove a file or directory", func(ctx context.Context, h sandbox.Handle, p string) error {
			return h.Remove(ctx, p)
		}),
		sandboxExistsCmd(),
		sandboxKillCmd(),
		sandboxCleanupCmd(),
	)
	return cmd
}

// dockerForProject builds the runtime from the project config.
func dockerForProject() (*sandbox.DockerRuntime, *config.Config, error) {
	_, cfg, err := loadProject()
	if err != nil {
		return nil, nil, err
	}
	return newDockerRuntime(cfg), cfg, nil
}

// connect attaches to the sandbox named by --id.
func connect(ctx context.Context, id string) (sandbox.Handle, error) {
	if id == "" {
		return nil, &config.Error{Field: "id", Reason: "a sandbox id is required"}
	}
	rt, _, err := dockerForProject()
	if err != nil {
		return nil, err
	}
	return rt.Connect(ctx, id)
}

func sandboxCreateCmd() *cobra.Command {
	var (
		template string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a sandbox and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cfg, err := dockerForProject()
			if err != nil {
				return err
			}
			creds, err := config.CredentialsFromEnv()
			if err != nil {
				return err
			}
			opts := sandbox.Options{
				Template: cfg.Sandbox.Template,
				Timeout:  cfg.Sandbox.Timeout.Std(),
				Env:      sandboxEnv(cfg, creds),
			}
			if template != "" {
				opts.Template = template
			}
			if timeout > 0 {
				opts.Timeout = timeout
			}
			h, err := rt.Create(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h.ID())
			return nil
		},
	}
	cmd.Flags().StringVar(&template, "template", "", "sandbox template (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "sandbox lifetime (default from config)")
	return cmd
}

func sandboxExecCmd() *cobra.Command {
	var (
		id      string
		workdir string
	)
	cmd := &cobra.Command{
		Use:   "exec --id ID -- COMMAND...",
		Short: "Run a shell command in a sandbox",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := connect(cmd.Context(), id)
			if err != nil {
				return err
			}
			res, err := h.RunCommand(cmd.Context(), strings.Join(args, " "), sandbox.CommandOptions{Workdir: workdir})
			if err != nil {
				return err
			}
			io.WriteString(cmd.OutOrStdout(), res.Stdout)
			io.WriteString(cmd.ErrOrStderr(), res.Stderr)
			if res.ExitCode != 0 {
				return &exitError{code: res.ExitCode}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "sandbox id")
	cmd.Flags().StringVar(&workdir, "workdir", "", "working directory inside the sandbox")
	return cmd
}

func sandboxReadCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "read --id ID PATH",
		Short: "Print a file from a sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := connect(cmd.Context(), id)
			if err != nil {
				return err
			}
			data, err := h.ReadFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "sandbox id")
	return cmd
}

func sandboxWriteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "write --id ID PATH < FILE",
		Short: "Write stdin to a file in a sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
			h, err := connect(cmd.Context(), id)
			if err != nil {
				return err
			}
			return h.WriteFile(cmd.Context(), args[0], data)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "sandbox id")
	return cmd
}

func sandboxLsCmd() *cobra.Command {
	var (
		id     string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "ls --id ID [PATH]",
		Short: "List a directory in a sandbox",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			h, err := connect(cmd.Context(), id)
			if err != nil {
				return err
			}
			entries, err := h.List(cmd.Context(), dir)
			if err != nil {
				return err
			}
			return writeEntries(cmd.OutOrStdout(), entries, asJSON)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "sandbox id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}

func writeEntries(w io.Writer, entries []sandbox.FileInfo, asJSON bool) error {
	if asJSON {
		if entries == nil {
			entries = []sandbox.FileInfo{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	for _, e := range entries {
		name := e.Name
		if e.IsDir {
			name += "/"
		}
		fmt.Fprintf(w, "%10d  %s\n", e.Size, name)
	}
	return nil
}

func sandboxPathCmd(use, short string, op func(context.Context, sandbox.Handle, string) error) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   use + " --id ID PATH",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := connect(cmd.Context(), id)
			if err != nil {
				return err
			}
			return op(cmd.Context(), h, args[0])
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "sandbox id")
	return cmd
}

func sandboxExistsCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "exists --id ID PATH",
		Short: "Exit 0 if a path exists in a sandbox, 1 otherwise",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := connect(cmd.Context(), id)
			if err != nil {
				return err
			}
			ok, err := h.Exists(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ok)
			if !ok {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "sandbox id")
	return cmd
}

func sandboxKillCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "kill --id ID",
		Short: "Destroy a sandbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return &config.Error{Field: "id", Reason: "a sandbox id is required"}
			}
			rt, _, err := dockerForProject()
			if err != nil {
				return err
			}
			return rt.Kill(cmd.Context(), id)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "sandbox id")
	return cmd
}

func sandboxCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Destroy every sandbox obox created",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := dockerForProject()
			if err != nil {
				return err
			}
			ids, err := rt.ListManaged(cmd.Context())
			if err != nil {
				return err
			}
			var failed int
			for _, id := range ids {
				if err := rt.Kill(cmd.Context(), id); err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %v\n", sandbox.FormatID(id), err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  Removed %s\n", sandbox.FormatID(id))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d sandboxes removed\n", len(ids)-failed)
			if failed > 0 {
				return fmt.Errorf("%d sandboxes could not be removed", failed)
			}
			return nil
		},
	}
}
