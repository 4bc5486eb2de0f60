package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"taskorch/internal/apperrors"
	"taskorch/internal/config"
	"taskorch/internal/job"
	"taskorch/internal/orchestrator"
	"time"

	"github.com/spf13/cobra"
)

// runOutput is printed to stdout when a `run` job finishes.
type runOutput struct {
	JobID  string     `json:"jobId"`
	Status job.Status `json:"status"`
	job.Result
}

func newRunCommand(configPath *string) *cobra.Command {
	var (
		file    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run -f job.yaml",
		Short: "Run one job in-process and print its result as JSON",
		Long: `Run loads a job spec from a YAML (or JSON) file, runs it with an in-process
orchestrator and prints the result. The exit status is non-zero unless the
job succeeded. Interrupting the command cancels the job.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			setupLogger(cmd.ErrOrStderr(), cfg.Level())

			spec, err := job.LoadSpecFile(file)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out, err := runOnce(ctx, cfg, spec, timeout)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("failed to write result: %w", err)
			}
			if out.Status != job.StatusSucceeded {
				return errJobFailed
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Job spec file")
	cmd.Flags().DurationVar(&timeout, "wait", 0, "Give up waiting after this long and cancel the job (0 waits for completion)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// runOnce submits spec to a fresh orchestrator and waits for it. When ctx
// ends or wait elapses first, the job is cancelled and its final result
// reported.
func runOnce(ctx context.Context, cfg *config.Config, spec *job.Spec, wait time.Duration) (runOutput, error) {
	orch, err := orchestrator.New(cfg, orchestrator.Options{})
	if err != nil {
		return runOutput{}, err
	}
	defer orch.Shutdown(cfg.ShutdownGrace)

	if err := orch.Initialize(ctx); err != nil {
		return runOutput{}, err
	}

	h, err := orch.Submit(spec)
	if err != nil {
		return runOutput{}, err
	}

	res, err := orch.Await(ctx, h.ID, wait)
	if err != nil {
		if !errors.Is(err, apperrors.ErrTimeout) && !errors.Is(err, context.Canceled) {
			return runOutput{}, err
		}
		orch.Cancel(h.ID)
		res, err = orch.Await(context.Background(), h.ID, cfg.KillGrace+5*time.Second)
		if err != nil {
			return runOutput{}, err
		}
	}

	return runOutput{JobID: h.ID, Status: resultStatus(res), Result: res}, nil
}

func resultStatus(res job.Result) job.Status {
	switch {
	case res.Success:
		return job.StatusSucceeded
	case errors.Is(res.Err, apperrors.ErrCancelled):
		return job.StatusCancelled
	default:
		return job.StatusFailed
	}
}
