//go:build integration

package container

import (
	"context"
	"errors"
	"fmt"
	"taskorch/internal/apperrors"
	"taskorch/internal/job"
	"taskorch/internal/runner"
	"testing"
	"time"
)

func containerSpec(cmd ...string) *job.Spec {
	return &job.Spec{
		Kind:        job.KindContainer,
		Container:   &job.ContainerPayload{Image: "alpine:latest", Command: cmd},
		Timeout:     job.Duration(60 * time.Second),
		MaxAttempts: 1,
	}
}

func newIntegrationRunner(t *testing.T) *Runner {
	t.Helper()
	r, err := New(Config{KillGrace: time.Second, MemoryMB: 128}, nil)
	if err != nil {
		t.Fatalf("Failed to create runner: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	if err := r.Ready(context.Background()); err != nil {
		t.Skipf("Docker daemon unavailable: %v", err)
	}
	return r
}

func jobID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestRunner_MarkerOutput(t *testing.T) {
	r := newIntegrationRunner(t)

	got := r.Run(context.Background(), runner.Request{
		JobID:   jobID("markers"),
		Attempt: 1,
		Spec:    containerSpec("/bin/sh", "-c", "echo starting; printf 'BEGINfrom containerEND'"),
	})
	if got.Err != nil {
		t.Fatalf("Run failed: %v", got.Err)
	}
	if got.Value != "from container" {
		t.Errorf("Expected %q, got %q", "from container", got.Value)
	}
}

func TestRunner_NonZeroExit(t *testing.T) {
	r := newIntegrationRunner(t)

	got := r.Run(context.Background(), runner.Request{
		JobID:   jobID("exit"),
		Attempt: 1,
		Spec:    containerSpec("/bin/sh", "-c", "echo broken >&2; exit 4"),
	})

	var appErr *apperrors.Error
	if !errors.As(got.Err, &appErr) || !errors.Is(got.Err, apperrors.ErrExecution) {
		t.Fatalf("Expected execution error, got %v", got.Err)
	}
	if appErr.ExitCode != 4 {
		t.Errorf("Expected exit code 4, got %d", appErr.ExitCode)
	}
	if appErr.Stderr == "" {
		t.Error("Expected stderr to be captured")
	}
}

func TestRunner_TimeoutStopsContainer(t *testing.T) {
	r := newIntegrationRunner(t)

	spec := containerSpec("sleep", "60")
	spec.Timeout = job.Duration(3 * time.Second)

	start := time.Now()
	got := r.Run(context.Background(), runner.Request{JobID: jobID("timeout"), Attempt: 1, Spec: spec})
	if !errors.Is(got.Err, apperrors.ErrTimeout) {
		t.Fatalf("Expected timeout, got %v", got.Err)
	}
	if elapsed := time.Since(start); elapsed > 30*time.Second {
		t.Errorf("Container should have been stopped promptly, took %s", elapsed)
	}
}

func TestRunner_Sweep(t *testing.T) {
	r := newIntegrationRunner(t)

	if _, err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
}
