package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"taskorch/internal/apperrors"
	"taskorch/internal/parser"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind selects the runner that executes a job.
type Kind string

const (
	KindProcess   Kind = "process"
	KindRemote    Kind = "remote"
	KindContainer Kind = "container"
)

// Status is the lifecycle state of a job handle.
type Status string

// Status constants
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Duration is a time.Duration that reads and writes as a Go duration string ("30s").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		// bare numbers are seconds
		*d = Duration(time.Duration(value * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Spec is the immutable description of requested work.
type Spec struct {
	Kind               Kind              `json:"kind" yaml:"kind"`
	Process            *ProcessPayload   `json:"process,omitempty" yaml:"process,omitempty"`
	Remote             *RemotePayload    `json:"remote,omitempty" yaml:"remote,omitempty"`
	Container          *ContainerPayload `json:"container,omitempty" yaml:"container,omitempty"`
	Timeout            Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxAttempts        int               `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
	RetryBaseDelay     Duration          `json:"retryBaseDelay,omitempty" yaml:"retryBaseDelay,omitempty"`
	RetryBackoffFactor float64           `json:"retryBackoffFactor,omitempty" yaml:"retryBackoffFactor,omitempty"`
	OutputFilePath     string            `json:"outputFilePath,omitempty" yaml:"outputFilePath,omitempty"`
	Parse              parser.Options    `json:"parse,omitzero" yaml:"parse,omitempty"`
	Callback           *Callback         `json:"callback,omitempty" yaml:"callback,omitempty"`
	Meta               map[string]string `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// ProcessPayload describes a worker process invocation.
type ProcessPayload struct {
	Command string            `json:"command" yaml:"command"` // absolute, or relative to the worker base path
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Dir     string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// RemotePayload describes one call to the remote endpoint.
type RemotePayload struct {
	URL     string            `json:"url" yaml:"url"` // absolute, or a path under the configured endpoint
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty" yaml:"-"`
}

// UnmarshalYAML decodes the body as a YAML tree and re-encodes it as JSON.
func (p *RemotePayload) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		URL     string            `yaml:"url"`
		Method  string            `yaml:"method"`
		Headers map[string]string `yaml:"headers"`
		Body    any               `yaml:"body"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	p.URL = raw.URL
	p.Method = raw.Method
	p.Headers = raw.Headers
	p.Body = nil
	if raw.Body != nil {
		body, err := json.Marshal(raw.Body)
		if err != nil {
			return fmt.Errorf("remote body is not JSON-compatible: %w", err)
		}
		p.Body = body
	}
	return nil
}

// ContainerPayload describes a one-shot container run.
type ContainerPayload struct {
	Image      string            `json:"image" yaml:"image"`
	Command    []string          `json:"command,omitempty" yaml:"command,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkingDir string            `json:"workingDir,omitempty" yaml:"workingDir,omitempty"`
}

// Callback represents completion callback configuration for a job
type Callback struct {
	URL    string   `json:"url" yaml:"url"`
	Events []string `json:"events,omitempty" yaml:"events,omitempty"`
	Key    string   `json:"key,omitempty" yaml:"key,omitempty"` // HMAC signing key
}

// Handle is a point-in-time copy of a job's run state.
type Handle struct {
	ID              string            `json:"id"`
	Kind            Kind              `json:"kind"`
	Status          Status            `json:"status"`
	Attempt         int               `json:"attempt"`
	SubmittedAt     time.Time         `json:"submittedAt"`
	StartedAt       time.Time         `json:"startedAt,omitzero"`
	CompletedAt     time.Time         `json:"completedAt,omitzero"`
	LastError       *ErrorInfo        `json:"lastError,omitempty"`
	CancelRequested bool              `json:"cancelRequested,omitempty"`
	RetryDelays     []Duration        `json:"retryDelays,omitempty"`
	Meta            map[string]string `json:"meta,omitempty"`

	// Callback is carried for completion delivery and never serialised.
	Callback *Callback `json:"-"`
}

// Result is the outcome of a job.
type Result struct {
	Success      bool       `json:"success"`
	Value        any        `json:"value,omitempty"`
	RawOutput    string     `json:"rawOutput,omitempty"`
	Error        *ErrorInfo `json:"error,omitempty"`
	AttemptsUsed int        `json:"attemptsUsed"`
	DurationMs   int64      `json:"durationMs"`
	Units        int64      `json:"units,omitempty"`

	// Err is the classified error behind Error, for errors.Is checks.
	Err error `json:"-"`
}

// ErrorInfo is the serialisable form of a classified error.
type ErrorInfo struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
}

// NewErrorInfo describes err. Returns nil for a nil error.
func NewErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{
		Kind:    apperrors.Kind(err),
		Message: err.Error(),
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		if errors.Is(err, apperrors.ErrExecution) {
			code := appErr.ExitCode
			info.ExitCode = &code
			info.Stderr = appErr.Stderr
		}
		info.StatusCode = appErr.StatusCode
	}
	return info
}

// ListResponse represents the response for listing jobs
type ListResponse struct {
	Jobs []Handle `json:"jobs"`
}
