package orchestrator

import (
	"fmt"
	"net/http"
	"taskorch/internal/config"
	"taskorch/internal/parser"
	"taskorch/internal/runner"
	"taskorch/internal/runner/container"
	"taskorch/internal/runner/process"
	"taskorch/internal/runner/remote"
	"taskorch/pkg/circuitbreaker"
	"time"
)

// Remote endpoint breaker. A single upstream tends to fail as a whole.
const (
	remoteBreakerThreshold = 5
	remoteBreakerCooldown  = 15 * time.Second
)

// buildRunners creates the runners enabled in cfg. They share one parser so
// compiled jq queries are reused across kinds.
func buildRunners(cfg *config.Config, client *http.Client, inFlight remote.InFlightRecorder) ([]runner.WorkRunner, error) {
	p := parser.New()
	var runners []runner.WorkRunner

	if cfg.ProcessEnabled {
		classifier, err := process.NewClassifier(cfg.PermanentExitRule)
		if err != nil {
			return nil, fmt.Errorf("invalid permanent exit rule: %w", err)
		}
		runners = append(runners, process.New(process.Config{
			WorkerCommand:  cfg.WorkerCommand,
			BasePath:       cfg.WorkerBasePath,
			KillGrace:      cfg.KillGrace,
			MaxOutputBytes: cfg.MaxOutputBytes,
			Classifier:     classifier,
		}, p))
	}

	if cfg.RemoteEnabled {
		r, err := remote.New(remote.Config{
			Endpoint:      cfg.RemoteEndpoint,
			APIVersion:    cfg.APIVersion,
			APIKey:        cfg.RemoteAPIKey,
			MaxInFlight:   cfg.RemoteMaxInFlight,
			RatePerSecond: cfg.RemoteRatePerSecond,
			Burst:         cfg.RemoteBurst,
			Breaker: circuitbreaker.Config{
				Threshold: remoteBreakerThreshold,
				Cooldown:  remoteBreakerCooldown,
			},
			InFlight: inFlight,
		}, client, p)
		if err != nil {
			return nil, err
		}
		runners = append(runners, r)
	}

	if cfg.ContainerEnabled {
		r, err := container.New(container.Config{
			KillGrace:      cfg.KillGrace,
			MaxOutputBytes: cfg.MaxOutputBytes,
			CPU:            cfg.ContainerCPU,
			MemoryMB:       cfg.ContainerMemoryMB,
			Network:        cfg.ContainerNetwork,
		}, p)
		if err != nil {
			return nil, err
		}
		runners = append(runners, r)
	}

	if len(runners) == 0 {
		return nil, fmt.Errorf("no runner enabled")
	}
	return runners, nil
}
