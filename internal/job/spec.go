// Package job defines job specs, run-state snapshots and results.
package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"taskorch/internal/apperrors"
	"time"

	"gopkg.in/yaml.v3"
)

// Validation limits
const (
	maxTimeout        = 24 * time.Hour
	maxAttempts       = 20
	maxBackoffFactor  = 10.0
	maxArgs           = 256
	maxEnvEntries     = 128
	maxMetaKeyLen     = 64
	maxMetaValueLen   = 256
	maxMetaEntries    = 32
	maxCallbackEvents = 16
	maxRemoteBody     = 4 << 20
)

// Defaults fill unset spec fields at submission time.
type Defaults struct {
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	BackoffFactor  float64
}

// ApplyDefaults sets default values for unspecified spec fields.
func ApplyDefaults(spec *Spec, d Defaults) {
	if spec.Timeout <= 0 {
		spec.Timeout = Duration(d.Timeout)
	}
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = d.MaxRetries + 1
	}
	if spec.RetryBaseDelay <= 0 {
		spec.RetryBaseDelay = Duration(d.RetryBaseDelay)
	}
	if spec.RetryBackoffFactor <= 0 {
		spec.RetryBackoffFactor = d.BackoffFactor
	}
	if spec.Remote != nil && spec.Remote.Method == "" {
		spec.Remote.Method = http.MethodPost
	}
}

// Validate checks a spec. Does not modify it.
func Validate(spec *Spec) error {
	switch spec.Kind {
	case KindProcess:
		if err := validateProcess(spec.Process); err != nil {
			return err
		}
	case KindRemote:
		if err := validateRemote(spec.Remote); err != nil {
			return err
		}
	case KindContainer:
		if spec.Container == nil || spec.Container.Image == "" {
			return apperrors.Validation("container.image", "image is required")
		}
	case "":
		return apperrors.Validation("kind", "kind is required")
	default:
		return apperrors.UnsupportedKind(string(spec.Kind))
	}

	if spec.Timeout <= 0 {
		return apperrors.Validation("timeout", "timeout must be positive")
	}
	if spec.Timeout.Std() > maxTimeout {
		return apperrors.Validation("timeout", fmt.Sprintf("timeout exceeds maximum of %s", maxTimeout))
	}
	if spec.MaxAttempts < 1 || spec.MaxAttempts > maxAttempts {
		return apperrors.Validation("maxAttempts", fmt.Sprintf("maxAttempts must be between 1 and %d", maxAttempts))
	}
	if spec.RetryBaseDelay < 0 {
		return apperrors.Validation("retryBaseDelay", "retryBaseDelay must not be negative")
	}
	if spec.RetryBackoffFactor < 1 || spec.RetryBackoffFactor > maxBackoffFactor {
		return apperrors.Validation("retryBackoffFactor", fmt.Sprintf("retryBackoffFactor must be between 1 and %g", maxBackoffFactor))
	}
	if spec.OutputFilePath != "" && spec.Kind != KindProcess {
		return apperrors.Validation("outputFilePath", "outputFilePath is only supported for process jobs")
	}
	if err := spec.Parse.Validate(); err != nil {
		return apperrors.Validation("parse", err.Error())
	}

	if len(spec.Meta) > maxMetaEntries {
		return apperrors.Validation("meta", fmt.Sprintf("metadata exceeds maximum of %d entries", maxMetaEntries))
	}
	for k, v := range spec.Meta {
		if len(k) > maxMetaKeyLen {
			return apperrors.Validation("meta", fmt.Sprintf("metadata key exceeds maximum length of %d", maxMetaKeyLen))
		}
		if len(v) > maxMetaValueLen {
			return apperrors.Validation("meta", fmt.Sprintf("metadata value exceeds maximum length of %d", maxMetaValueLen))
		}
	}

	if spec.Callback != nil {
		if err := validateURL(spec.Callback.URL); err != nil {
			return apperrors.Validation("callback.url", fmt.Sprintf("invalid callback URL: %v", err))
		}
		if len(spec.Callback.Events) > maxCallbackEvents {
			return apperrors.Validation("callback.events", fmt.Sprintf("callback events exceed maximum of %d", maxCallbackEvents))
		}
		for _, e := range spec.Callback.Events {
			switch e {
			case EventTypeSucceeded, EventTypeFailed, EventTypeCancelled:
			default:
				return apperrors.Validation("callback.events", fmt.Sprintf("unknown event type %q", e))
			}
		}
	}

	return nil
}

func validateProcess(p *ProcessPayload) error {
	if p == nil || strings.TrimSpace(p.Command) == "" {
		return apperrors.Validation("process.command", "command is required")
	}
	if len(p.Args) > maxArgs {
		return apperrors.Validation("process.args", fmt.Sprintf("args exceed maximum of %d", maxArgs))
	}
	if len(p.Env) > maxEnvEntries {
		return apperrors.Validation("process.env", fmt.Sprintf("env exceeds maximum of %d entries", maxEnvEntries))
	}
	for k := range p.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return apperrors.Validation("process.env", fmt.Sprintf("invalid environment variable name %q", k))
		}
	}
	return nil
}

func validateRemote(p *RemotePayload) error {
	if p == nil || p.URL == "" {
		return apperrors.Validation("remote.url", "url is required")
	}
	if strings.Contains(p.URL, "://") {
		if err := validateURL(p.URL); err != nil {
			return apperrors.Validation("remote.url", fmt.Sprintf("invalid URL: %v", err))
		}
	}
	switch p.Method {
	case "", http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return apperrors.Validation("remote.method", fmt.Sprintf("unsupported method %q", p.Method))
	}
	if len(p.Body) > maxRemoteBody {
		return apperrors.Validation("remote.body", "body exceeds maximum size")
	}
	if len(p.Body) > 0 && !json.Valid(p.Body) {
		return apperrors.Validation("remote.body", "body must be valid JSON")
	}
	return nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// LoadSpecFile reads a job spec from a YAML (or JSON) file.
func LoadSpecFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}
	var spec Spec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, apperrors.Validation("file", fmt.Sprintf("invalid job file %s: %v", path, err))
	}
	return &spec, nil
}
