// Package container runs jobs as one-shot containers on the host Docker daemon.
package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"taskorch/internal/apperrors"
	"taskorch/internal/job"
	"taskorch/internal/parser"
	"taskorch/internal/runner"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	managedByLabel   = "managed-by"
	managedByValue   = "taskorch"
	defaultKillGrace = 10 * time.Second
	cleanupTimeout   = 30 * time.Second
	maxStderrInError = 4096
)

// Config holds configuration for the container runner.
type Config struct {
	KillGrace      time.Duration // stop timeout before the daemon sends SIGKILL
	MaxOutputBytes int
	CPU            float64 // cores per container (0 = unlimited)
	MemoryMB       int     // per container (0 = unlimited)
	Network        string  // optional network mode
}

// Runner creates, starts, waits for and removes one container per attempt.
type Runner struct {
	client *client.Client
	cfg    Config
	parser *parser.Parser
	logger *slog.Logger

	mu   sync.Mutex
	live map[string]string // container ID -> job ID
}

// New connects to the Docker daemon from the environment.
func New(cfg Config, p *parser.Parser) (*Runner, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = runner.DefaultCaptureLimit
	}
	if p == nil {
		p = parser.New()
	}
	return &Runner{
		client: dockerClient,
		cfg:    cfg,
		parser: p,
		logger: slog.With("component", "container-runner"),
		live:   make(map[string]string),
	}, nil
}

// Kind implements runner.WorkRunner.
func (r *Runner) Kind() job.Kind { return job.KindContainer }

// Run executes one attempt.
func (r *Runner) Run(ctx context.Context, req runner.Request) runner.Attempt {
	spec := req.Spec
	timeout := spec.Timeout.Std()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := runner.ContextErr(ctx, "container", timeout); err != nil {
		return runner.Attempt{Err: err}
	}
	logger := r.logger.With("jobId", req.JobID, "attempt", req.Attempt, "image", spec.Container.Image)

	if err := r.pullImageIfNeeded(ctx, spec.Container.Image); err != nil {
		if ctxErr := runner.ContextErr(ctx, "container", timeout); ctxErr != nil {
			return runner.Attempt{Err: ctxErr}
		}
		logger.Warn("Failed to pull image", "error", err)
		return runner.Attempt{Err: apperrors.StartFailure("container.pull", err)}
	}

	containerID, err := r.create(ctx, req)
	if err != nil {
		if ctxErr := runner.ContextErr(ctx, "container", timeout); ctxErr != nil {
			return runner.Attempt{Err: ctxErr}
		}
		return runner.Attempt{Err: apperrors.StartFailure("container.create", err)}
	}
	r.track(containerID, req.JobID)
	defer func() {
		r.untrack(containerID)
		r.remove(containerID)
	}()

	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		if ctxErr := runner.ContextErr(ctx, "container", timeout); ctxErr != nil {
			return runner.Attempt{Err: ctxErr}
		}
		return runner.Attempt{Err: apperrors.StartFailure("container.start", err)}
	}
	logger.Debug("Container started", "containerId", containerID)

	exitCode, waitErr := r.waitForExit(ctx, containerID)
	if ctxErr := runner.ContextErr(ctx, "container", timeout); ctxErr != nil {
		r.stop(containerID)
		stdout, _ := r.collectLogs(containerID)
		logger.Info("Container stopped", "reason", apperrors.Kind(ctxErr))
		return runner.Attempt{RawOutput: stdout.String(), Err: ctxErr}
	}
	if waitErr != nil {
		return runner.Attempt{Err: apperrors.Internal("container.wait", waitErr)}
	}

	stdout, stderr := r.collectLogs(containerID)
	if exitCode != 0 {
		logger.Info("Container exited non-zero", "exitCode", exitCode)
		return runner.Attempt{
			RawOutput: stdout.String(),
			Err:       apperrors.Execution(exitCode, runner.Tail(stderr.String(), maxStderrInError)),
		}
	}

	opts := spec.Parse.WithDefaultPreset(parser.PresetMarkers)
	value, err := r.parser.Parse(stdout.Bytes(), "", opts)
	return runner.Attempt{Value: value, RawOutput: stdout.String(), Err: err}
}

func (r *Runner) create(ctx context.Context, req runner.Request) (string, error) {
	p := req.Spec.Container
	containerConfig := &container.Config{
		Image:      p.Image,
		Cmd:        p.Command,
		Env:        envList(p.Env),
		WorkingDir: p.WorkingDir,
		Labels: map[string]string{
			"job.id":       req.JobID,
			"job.attempt":  strconv.Itoa(req.Attempt),
			managedByLabel: managedByValue,
		},
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(r.cfg.CPU * 1e9),
			Memory:   int64(r.cfg.MemoryMB) * 1024 * 1024,
		},
	}
	if r.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(r.cfg.Network)
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName(req))
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (r *Runner) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// collectLogs reads the exited container's demultiplexed output.
func (r *Runner) collectLogs(containerID string) (*runner.Capture, *runner.Capture) {
	stdout := runner.NewCapture(r.cfg.MaxOutputBytes)
	stderr := runner.NewCapture(r.cfg.MaxOutputBytes)

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	logs, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		r.logger.Debug("Failed to get container logs", "containerId", containerID, "error", err)
		return stdout, stderr
	}
	defer logs.Close()

	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil && err != io.EOF {
		r.logger.Debug("Log stream ended", "containerId", containerID, "error", err)
	}
	return stdout, stderr
}

func (r *Runner) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := r.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := r.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// stop asks the daemon to SIGTERM the container, escalating to SIGKILL after KillGrace.
func (r *Runner) stop(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.KillGrace+cleanupTimeout)
	defer cancel()

	stopTimeout := int(r.cfg.KillGrace.Seconds())
	if err := r.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		r.logger.Debug("Failed to stop container", "containerId", containerID, "error", err)
	}
}

func (r *Runner) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	_ = r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// Ready checks if the Docker daemon is reachable and responsive.
func (r *Runner) Ready(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// ForceTerminate kills every running container this runner started.
func (r *Runner) ForceTerminate() {
	r.mu.Lock()
	ids := slices.Collect(maps.Keys(r.live))
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	for _, id := range ids {
		if err := r.client.ContainerKill(ctx, id, "SIGKILL"); err == nil {
			r.logger.Warn("Force-killed container", "containerId", id)
		}
	}
}

// Sweep removes containers left behind by a previous process, identified by label.
func (r *Runner) Sweep(ctx context.Context) (int, error) {
	containers, err := r.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedByLabel+"="+managedByValue)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	removed := 0
	for _, c := range containers {
		r.mu.Lock()
		_, ours := r.live[c.ID]
		r.mu.Unlock()
		if ours {
			continue
		}
		if err := r.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err == nil {
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("Removed stale containers", "count", removed)
	}
	return removed, nil
}

// Close releases the Docker client.
func (r *Runner) Close() error {
	return r.client.Close()
}

func (r *Runner) track(containerID, jobID string) {
	r.mu.Lock()
	r.live[containerID] = jobID
	r.mu.Unlock()
}

func (r *Runner) untrack(containerID string) {
	r.mu.Lock()
	delete(r.live, containerID)
	r.mu.Unlock()
}

func containerName(req runner.Request) string {
	return fmt.Sprintf("taskorch-%s-%d", req.JobID, req.Attempt)
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}

var (
	_ runner.WorkRunner = (*Runner)(nil)
	_ runner.Terminator = (*Runner)(nil)
)
