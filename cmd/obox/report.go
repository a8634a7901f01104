package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/zpdzap/obox/internal/report"
	"github.com/zpdzap/obox/internal/runlog"
)

func reportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <run-dir>",
		Short: "Print the summary of a finished run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := runlog.LoadSummary(args[0])
			if err != nil {
				return err
			}
			if err := report.Write(os.Stdout, summary); err != nil {
				return err
			}
			if code := report.ExitCode(summary); code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}
}
