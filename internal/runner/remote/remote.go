// Package remote runs jobs as HTTP calls to a remote inference-style API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"taskorch/internal/apperrors"
	"taskorch/internal/job"
	"taskorch/internal/parser"
	"taskorch/internal/runner"
	"taskorch/pkg/circuitbreaker"
	"time"

	"github.com/itchyny/gojq"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	defaultMaxResponseBytes = 8 << 20
	maxErrorBody            = 1024
	probeTimeout            = 3 * time.Second
)

// unitsQuery extracts consumed units from a decoded response body.
const unitsQuery = `.usage.total_tokens // ((.usage.input_tokens // 0) + (.usage.output_tokens // 0))`

// Config holds configuration for the remote runner.
type Config struct {
	Endpoint         string  // base URL relative paths are joined to
	APIVersion       string  // path segment inserted after Endpoint (e.g., "v1")
	APIKey           string  // sent as a bearer token when set
	MaxInFlight      int64   // concurrent calls across all jobs (0 = unlimited)
	RatePerSecond    float64 // call start rate (0 = unlimited)
	Burst            int
	MaxResponseBytes int64
	Breaker          circuitbreaker.Config
	InFlight         InFlightRecorder // optional
}

// InFlightRecorder observes calls entering and leaving the transport.
type InFlightRecorder interface {
	RecordRemoteInFlight(ctx context.Context, delta int64)
}

// Runner issues one HTTP request per attempt.
type Runner struct {
	cfg      Config
	client   *http.Client
	parser   *parser.Parser
	breakers *circuitbreaker.Registry
	inFlight *semaphore.Weighted
	limiter  *rate.Limiter
	units    *gojq.Code
	logger   *slog.Logger
}

// New creates a remote runner. A nil client gets a pooled default transport.
func New(cfg Config, client *http.Client, p *parser.Parser) (*Runner, error) {
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	if cfg.Endpoint != "" {
		if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
			return nil, fmt.Errorf("invalid remote endpoint: %w", err)
		}
	}
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if p == nil {
		p = parser.New()
	}

	units, err := parser.Compile(unitsQuery)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:      cfg,
		client:   client,
		parser:   p,
		breakers: circuitbreaker.NewRegistry(cfg.Breaker),
		units:    units,
		logger:   slog.With("component", "remote-runner"),
	}
	if cfg.MaxInFlight > 0 {
		r.inFlight = semaphore.NewWeighted(cfg.MaxInFlight)
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return r, nil
}

// Kind implements runner.WorkRunner.
func (r *Runner) Kind() job.Kind { return job.KindRemote }

// Run executes one attempt.
func (r *Runner) Run(ctx context.Context, req runner.Request) runner.Attempt {
	spec := req.Spec
	timeout := spec.Timeout.Std()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := runner.ContextErr(ctx, "remote call", timeout); err != nil {
		return runner.Attempt{Err: err}
	}

	target, err := r.resolveURL(spec.Remote.URL)
	if err != nil {
		return runner.Attempt{Err: apperrors.Validation("remote.url", err.Error())}
	}
	logger := r.logger.With("jobId", req.JobID, "attempt", req.Attempt, "host", target.Host)

	breaker := r.breakers.Get(target.Host)
	if !breaker.Allow() {
		logger.Warn("Circuit open, skipping call")
		return runner.Attempt{Err: apperrors.RemoteTransient(0, fmt.Errorf("circuit open for %s", target.Host))}
	}

	release, err := r.admit(ctx)
	if err != nil {
		breaker.Abandon()
		if ctxErr := runner.ContextErr(ctx, "remote call", timeout); ctxErr != nil {
			return runner.Attempt{Err: ctxErr}
		}
		// The limiter refuses waits that would outlast the deadline.
		return runner.Attempt{Err: apperrors.Timeout("remote call", timeout)}
	}
	defer release()

	if r.cfg.InFlight != nil {
		r.cfg.InFlight.RecordRemoteInFlight(ctx, 1)
		defer r.cfg.InFlight.RecordRemoteInFlight(context.Background(), -1)
	}

	body, status, err := r.do(ctx, spec.Remote, target)
	if err != nil {
		if ctxErr := runner.ContextErr(ctx, "remote call", timeout); ctxErr != nil {
			breaker.Abandon()
			return runner.Attempt{Err: ctxErr}
		}
		breaker.RecordFailure()
		logger.Warn("Remote call failed", "error", err)
		return runner.Attempt{Err: apperrors.RemoteTransient(0, err)}
	}

	if appErr := classify(status, body); appErr != nil {
		if errors.Is(appErr, apperrors.ErrRemoteTransient) {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
		logger.Info("Remote call rejected", "status", status)
		return runner.Attempt{RawOutput: string(body), Err: appErr}
	}
	breaker.RecordSuccess()

	opts := spec.Parse.WithDefaultPreset(parser.PresetWhole)
	value, err := r.parser.Parse(body, "", opts)
	return runner.Attempt{
		Value:     value,
		RawOutput: string(body),
		Units:     r.extractUnits(body),
		Err:       err,
	}
}

// admit waits for an in-flight slot and a rate token.
func (r *Runner) admit(ctx context.Context) (func(), error) {
	release := func() {}
	if r.inFlight != nil {
		if err := r.inFlight.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		release = func() { r.inFlight.Release(1) }
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			release()
			return nil, err
		}
	}
	return release, nil
}

func (r *Runner) do(ctx context.Context, p *job.RemotePayload, target *url.URL) ([]byte, int, error) {
	var reqBody io.Reader
	if len(p.Body) > 0 {
		reqBody = bytes.NewReader(p.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, p.Method, target.String(), reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	if reqBody != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if r.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}
	for k, v := range p.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > r.cfg.MaxResponseBytes {
		return nil, 0, fmt.Errorf("response exceeds %d bytes", r.cfg.MaxResponseBytes)
	}
	return body, resp.StatusCode, nil
}

// classify maps a response status to the error taxonomy. Nil means success.
func classify(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return apperrors.RemoteTransient(status, nil)
	case status >= 400 && status < 500:
		return apperrors.RemoteClient(status, runner.Tail(string(body), maxErrorBody))
	default:
		return apperrors.RemoteTransient(status, nil)
	}
}

func (r *Runner) extractUnits(body []byte) int64 {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return 0
	}
	v, err := parser.Run(r.units, decoded)
	if err != nil {
		return 0
	}
	switch n := v.(type) {
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// resolveURL joins relative paths onto Endpoint/APIVersion.
func (r *Runner) resolveURL(raw string) (*url.URL, error) {
	if u, err := url.Parse(raw); err == nil && u.IsAbs() {
		return u, nil
	}
	if r.cfg.Endpoint == "" {
		return nil, fmt.Errorf("relative path %q with no remote endpoint configured", raw)
	}

	base := strings.TrimRight(r.cfg.Endpoint, "/")
	if v := strings.Trim(r.cfg.APIVersion, "/"); v != "" {
		base += "/" + v
	}
	return url.Parse(base + "/" + strings.TrimLeft(raw, "/"))
}

// Ready issues a HEAD probe to the endpoint. Any HTTP response counts as reachable.
func (r *Runner) Ready(ctx context.Context) error {
	if r.cfg.Endpoint == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, r.cfg.Endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote endpoint unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Circuits reports the breaker state of every remote host called so far.
func (r *Runner) Circuits() circuitbreaker.Stats {
	return r.breakers.Stats()
}

var _ runner.WorkRunner = (*Runner)(nil)
