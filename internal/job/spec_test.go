package job

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"taskorch/internal/apperrors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDefaults = Defaults{
	Timeout:        time.Minute,
	MaxRetries:     2,
	RetryBaseDelay: time.Second,
	BackoffFactor:  2,
}

func processSpec() *Spec {
	spec := &Spec{Kind: KindProcess, Process: &ProcessPayload{Command: "transcribe.py"}}
	ApplyDefaults(spec, testDefaults)
	return spec
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	spec := &Spec{Kind: KindRemote, Remote: &RemotePayload{URL: "/messages"}}
	ApplyDefaults(spec, testDefaults)

	assert.Equal(t, time.Minute, spec.Timeout.Std())
	assert.Equal(t, 3, spec.MaxAttempts, "max retries plus the first attempt")
	assert.Equal(t, time.Second, spec.RetryBaseDelay.Std())
	assert.Equal(t, 2.0, spec.RetryBackoffFactor)
	assert.Equal(t, "POST", spec.Remote.Method)

	explicit := &Spec{Kind: KindProcess, Process: &ProcessPayload{Command: "x"}, Timeout: Duration(5 * time.Second), MaxAttempts: 1}
	ApplyDefaults(explicit, testDefaults)
	assert.Equal(t, 5*time.Second, explicit.Timeout.Std())
	assert.Equal(t, 1, explicit.MaxAttempts)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Spec)
		field  string
	}{
		{"valid process", func(*Spec) {}, ""},
		{"missing kind", func(s *Spec) { s.Kind = "" }, "kind"},
		{"missing command", func(s *Spec) { s.Process.Command = "  " }, "process.command"},
		{"nil process payload", func(s *Spec) { s.Process = nil }, "process.command"},
		{"bad env name", func(s *Spec) { s.Process.Env = map[string]string{"A=B": "x"} }, "process.env"},
		{"zero timeout", func(s *Spec) { s.Timeout = 0 }, "timeout"},
		{"huge timeout", func(s *Spec) { s.Timeout = Duration(48 * time.Hour) }, "timeout"},
		{"zero attempts", func(s *Spec) { s.MaxAttempts = 0 }, "maxAttempts"},
		{"too many attempts", func(s *Spec) { s.MaxAttempts = 21 }, "maxAttempts"},
		{"negative base delay", func(s *Spec) { s.RetryBaseDelay = -1 }, "retryBaseDelay"},
		{"factor below one", func(s *Spec) { s.RetryBackoffFactor = 0.5 }, "retryBackoffFactor"},
		{"unknown preset", func(s *Spec) { s.Parse.Preset = "nope" }, "parse"},
		{"long meta key", func(s *Spec) { s.Meta = map[string]string{strings.Repeat("k", 65): "v"} }, "meta"},
		{"callback without scheme", func(s *Spec) { s.Callback = &Callback{URL: "example.com/hook"} }, "callback.url"},
		{"callback unknown event", func(s *Spec) {
			s.Callback = &Callback{URL: "https://example.com/hook", Events: []string{"taskorch.job.started"}}
		}, "callback.events"},
		{"callback ok", func(s *Spec) {
			s.Callback = &Callback{URL: "https://example.com/hook", Events: []string{EventTypeFailed}}
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			spec := processSpec()
			tt.mutate(spec)

			err := Validate(spec)
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, apperrors.ErrValidation)
			var appErr *apperrors.Error
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, tt.field, appErr.Field)
		})
	}
}

func TestValidate_Kinds(t *testing.T) {
	t.Parallel()

	unsupported := &Spec{Kind: "lambda"}
	ApplyDefaults(unsupported, testDefaults)
	err := Validate(unsupported)
	require.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Equal(t, "validation", apperrors.Kind(err))

	remote := &Spec{Kind: KindRemote, Remote: &RemotePayload{URL: "/v1/messages", Body: json.RawMessage(`{"a":`)}}
	ApplyDefaults(remote, testDefaults)
	require.ErrorIs(t, Validate(remote), apperrors.ErrValidation, "invalid JSON body")

	remote.Remote.Body = json.RawMessage(`{"a":1}`)
	require.NoError(t, Validate(remote))

	remote.Remote.Method = "TRACE"
	require.ErrorIs(t, Validate(remote), apperrors.ErrValidation)

	container := &Spec{Kind: KindContainer, Container: &ContainerPayload{}}
	ApplyDefaults(container, testDefaults)
	require.ErrorIs(t, Validate(container), apperrors.ErrValidation)

	container.Container.Image = "alpine:3"
	require.NoError(t, Validate(container))

	container.OutputFilePath = "/tmp/out"
	require.ErrorIs(t, Validate(container), apperrors.ErrValidation, "output file is process-only")
}

func TestDuration_JSON(t *testing.T) {
	t.Parallel()

	var spec Spec
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"process","timeout":"90s","retryBaseDelay":1.5}`), &spec))
	assert.Equal(t, 90*time.Second, spec.Timeout.Std())
	assert.Equal(t, 1500*time.Millisecond, spec.RetryBaseDelay.Std())

	out, err := json.Marshal(Duration(2 * time.Minute))
	require.NoError(t, err)
	assert.JSONEq(t, `"2m0s"`, string(out))

	require.Error(t, json.Unmarshal([]byte(`{"timeout":"soon"}`), &spec))
}

func TestLoadSpecFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	path := filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
kind: remote
timeout: 45s
maxAttempts: 2
remote:
  url: /v1/messages
  headers:
    X-Trace: abc
  body:
    model: small
    max_tokens: 64
parse:
  query: .content[0].text
meta:
  source: cli
`), 0o644))

	spec, err := LoadSpecFile(path)
	require.NoError(t, err)

	assert.Equal(t, KindRemote, spec.Kind)
	assert.Equal(t, 45*time.Second, spec.Timeout.Std())
	assert.Equal(t, 2, spec.MaxAttempts)
	assert.Equal(t, "abc", spec.Remote.Headers["X-Trace"])
	assert.JSONEq(t, `{"model":"small","max_tokens":64}`, string(spec.Remote.Body))
	assert.Equal(t, ".content[0].text", spec.Parse.Query)
	assert.Equal(t, "cli", spec.Meta["source"])

	unknown := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("kind: process\ncommnd: typo\n"), 0o644))
	_, err = LoadSpecFile(unknown)
	require.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = LoadSpecFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
