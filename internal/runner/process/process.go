// Package process runs jobs as external worker processes.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"
	"taskorch/internal/apperrors"
	"taskorch/internal/job"
	"taskorch/internal/parser"
	"taskorch/internal/runner"
	"time"
)

const (
	defaultKillGrace = 5 * time.Second
	maxStderrInError = 4096
)

// Config holds configuration for the process runner.
type Config struct {
	WorkerCommand  string        // interpreter for scripts found under BasePath (e.g., "python3")
	BasePath       string        // directory relative commands are resolved against
	KillGrace      time.Duration // SIGTERM to SIGKILL escalation delay
	MaxOutputBytes int           // per-stream capture bound
	Classifier     *Classifier   // optional: marks some exit codes permanent
}

func (c Config) withDefaults() Config {
	if c.KillGrace <= 0 {
		c.KillGrace = defaultKillGrace
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = runner.DefaultCaptureLimit
	}
	return c
}

// Runner spawns one child process group per attempt.
type Runner struct {
	cfg    Config
	parser *parser.Parser
	logger *slog.Logger

	mu   sync.Mutex
	live map[int]struct{} // pids of running process group leaders
}

// New creates a process runner.
func New(cfg Config, p *parser.Parser) *Runner {
	if p == nil {
		p = parser.New()
	}
	return &Runner{
		cfg:    cfg.withDefaults(),
		parser: p,
		logger: slog.With("component", "process-runner"),
		live:   make(map[int]struct{}),
	}
}

// Kind implements runner.WorkRunner.
func (r *Runner) Kind() job.Kind { return job.KindProcess }

// Run executes one attempt.
func (r *Runner) Run(ctx context.Context, req runner.Request) runner.Attempt {
	spec := req.Spec
	timeout := spec.Timeout.Std()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := runner.ContextErr(ctx, "process", timeout); err != nil {
		return runner.Attempt{Err: err}
	}

	name, args := r.invocation(spec.Process)
	cmd := exec.Command(name, args...)
	cmd.Dir = spec.Process.Dir
	cmd.Env = buildEnv(spec.Process.Env)
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = r.cfg.KillGrace

	stdout := runner.NewCapture(r.cfg.MaxOutputBytes)
	stderr := runner.NewCapture(r.cfg.MaxOutputBytes)
	combined := runner.NewCapture(r.cfg.MaxOutputBytes)
	cmd.Stdout = io.MultiWriter(stdout, combined)
	cmd.Stderr = io.MultiWriter(stderr, combined)

	logger := r.logger.With("jobId", req.JobID, "attempt", req.Attempt, "command", name)

	if err := cmd.Start(); err != nil {
		logger.Warn("Worker failed to start", "error", err)
		return runner.Attempt{Err: apperrors.StartFailure("process.start", err)}
	}
	pid := cmd.Process.Pid
	r.track(pid)
	defer r.untrack(pid)
	logger.Debug("Worker started", "pid", pid)

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		r.terminate(logger, cmd, waitCh)
		err := runner.ContextErr(ctx, "process", timeout)
		logger.Info("Worker terminated", "reason", apperrors.Kind(err))
		return runner.Attempt{RawOutput: combined.String(), Err: err}
	}

	if waitErr != nil && !exitedCleanly(cmd, waitErr) {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return runner.Attempt{RawOutput: combined.String(), Err: apperrors.Internal("process.wait", waitErr)}
		}
		code := exitErr.ExitCode()
		errText := runner.Tail(stderr.String(), maxStderrInError)
		execErr := apperrors.Execution(code, errText)
		if r.cfg.Classifier.Permanent(code, errText) {
			execErr.(*apperrors.Error).Permanent = true
		}
		logger.Info("Worker exited non-zero", "exitCode", code)
		return runner.Attempt{RawOutput: combined.String(), Err: execErr}
	}

	opts := spec.Parse.WithDefaultPreset(parser.PresetMarkers)
	value, err := r.parser.Parse(stdout.Bytes(), outputPath(spec), opts)
	return runner.Attempt{Value: value, RawOutput: combined.String(), Err: err}
}

// terminate sends SIGTERM to the process group, then SIGKILL after the grace period.
// Returns once Wait has returned.
func (r *Runner) terminate(logger *slog.Logger, cmd *exec.Cmd, waitCh <-chan error) {
	pid := cmd.Process.Pid
	if err := signalGroup(cmd.Process, sigTerm); err != nil {
		logger.Debug("SIGTERM failed", "pid", pid, "error", err)
	}

	select {
	case <-waitCh:
		return
	case <-time.After(r.cfg.KillGrace):
	}

	logger.Warn("Worker ignored SIGTERM, killing", "pid", pid, "grace", r.cfg.KillGrace)
	if err := signalGroup(cmd.Process, sigKill); err != nil {
		logger.Debug("SIGKILL failed", "pid", pid, "error", err)
	}
	<-waitCh
}

// exitedCleanly covers a zero exit whose I/O was held open by a lingering grandchild.
func exitedCleanly(cmd *exec.Cmd, waitErr error) bool {
	return errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success()
}

// invocation resolves the binary and argument list.
// Relative commands found under BasePath run from there, through WorkerCommand when one is set.
func (r *Runner) invocation(p *job.ProcessPayload) (string, []string) {
	name := p.Command
	if filepath.IsAbs(name) || r.cfg.BasePath == "" {
		return name, p.Args
	}

	candidate := filepath.Join(r.cfg.BasePath, name)
	if _, err := os.Stat(candidate); err != nil {
		return name, p.Args
	}
	if r.cfg.WorkerCommand != "" {
		return r.cfg.WorkerCommand, append([]string{candidate}, p.Args...)
	}
	return candidate, p.Args
}

func buildEnv(overrides map[string]string) []string {
	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(overrides)) {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

func outputPath(spec *job.Spec) string {
	path := spec.OutputFilePath
	if path == "" || filepath.IsAbs(path) || spec.Process.Dir == "" {
		return path
	}
	return filepath.Join(spec.Process.Dir, path)
}

// Ready checks that the worker base path and interpreter are usable.
func (r *Runner) Ready(ctx context.Context) error {
	if r.cfg.BasePath != "" {
		info, err := os.Stat(r.cfg.BasePath)
		if err != nil {
			return fmt.Errorf("worker base path: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("worker base path %s is not a directory", r.cfg.BasePath)
		}
	}
	if r.cfg.WorkerCommand != "" {
		if _, err := exec.LookPath(r.cfg.WorkerCommand); err != nil {
			return fmt.Errorf("worker command: %w", err)
		}
	}
	return nil
}

// ForceTerminate kills every live worker process group.
func (r *Runner) ForceTerminate() {
	r.mu.Lock()
	pids := slices.Collect(maps.Keys(r.live))
	r.mu.Unlock()

	for _, pid := range pids {
		proc, err := os.FindProcess(pid)
		if err != nil {
			continue
		}
		if err := signalGroup(proc, sigKill); err == nil {
			r.logger.Warn("Force-killed worker", "pid", pid)
		}
	}
}

// Live returns the number of running worker processes.
func (r *Runner) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

func (r *Runner) track(pid int) {
	r.mu.Lock()
	r.live[pid] = struct{}{}
	r.mu.Unlock()
}

func (r *Runner) untrack(pid int) {
	r.mu.Lock()
	delete(r.live, pid)
	r.mu.Unlock()
}

var (
	_ runner.WorkRunner = (*Runner)(nil)
	_ runner.Terminator = (*Runner)(nil)
)
