// taskorch runs jobs under a fixed concurrency ceiling, either as an HTTP
// service or once from a job file.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// errJobFailed makes `run` exit non-zero after printing the result.
var errJobFailed = errors.New("job did not succeed")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, errJobFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "taskorch",
		Short:         "Bounded-concurrency task orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file (TASKORCH_* environment variables override it)")

	cmd.AddCommand(
		newServeCommand(&configPath),
		newRunCommand(&configPath),
		newVersionCommand(),
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "taskorch %s (commit %s, built %s)\n", version, commit, buildDate)
		},
	}
}

// setupLogger installs a JSON handler at level as the default logger.
func setupLogger(w io.Writer, level slog.Level) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}
