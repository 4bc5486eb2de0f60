// Package health provides health check functionality for liveness and readiness probes.
package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"taskorch/pkg/circuitbreaker"
	"time"
)

// ReadinessChecker is the interface for readiness checks.
// Implemented by work runners to verify their backend can accept work.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Source exposes the orchestrator state a health check inspects.
type Source interface {
	Initialized() bool
	// Probes returns the readiness probe of every registered runner, keyed by kind.
	Probes() map[string]ReadinessChecker
	// Load returns the running job count and the configured ceiling.
	Load() (active, limit int)
}

// CircuitSource is implemented by sources that call out through per-host
// circuit breakers. Tripped circuits degrade the report without failing it.
type CircuitSource interface {
	Circuits() map[string]circuitbreaker.Stats
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Report is the health check response.
type Report struct {
	Status  Status                 `json:"status"`
	Healthy bool                   `json:"healthy"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
}

// Checker performs health checks on the orchestrator and its runners.
type Checker struct {
	source  Source
	timeout time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Report
	shuttingDown bool
}

// NewChecker creates a new health checker.
func NewChecker(source Source) *Checker {
	return &Checker{
		source:  source,
		timeout: 5 * time.Second,
	}
}

// Liveness returns true if the service is alive.
// This should be a lightweight check that doesn't depend on external services.
// Failing this probe should trigger a container restart.
func (c *Checker) Liveness(ctx context.Context) *Report {
	return &Report{
		Status:  StatusHealthy,
		Healthy: true,
	}
}

// Check runs every check and never returns an error; each failure is a named
// entry with a reason.
func (c *Checker) Check(ctx context.Context) *Report {
	checks := make(map[string]CheckResult)
	if c.source == nil {
		checks["orchestrator"] = CheckResult{Status: StatusUnhealthy, Message: "orchestrator not configured"}
		return newReport(checks)
	}

	if c.source.Initialized() {
		checks["orchestrator"] = CheckResult{Status: StatusHealthy}
	} else {
		checks["orchestrator"] = CheckResult{Status: StatusUnhealthy, Message: "orchestrator not initialized"}
	}

	probes := c.source.Probes()
	if len(probes) == 0 {
		checks["runners"] = CheckResult{Status: StatusUnhealthy, Message: "no runners registered"}
	}

	// Probes run in parallel so one slow backend does not stack timeouts.
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for kind, probe := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := c.probe(ctx, probe)
			mu.Lock()
			checks["runner:"+kind] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	active, limit := c.source.Load()
	if active > limit {
		checks["capacity"] = CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("active jobs %d exceed limit %d", active, limit),
		}
	} else {
		checks["capacity"] = CheckResult{Status: StatusHealthy}
	}

	if cs, ok := c.source.(CircuitSource); ok {
		for name, stats := range cs.Circuits() {
			checks["circuits:"+name] = circuitCheck(stats)
		}
	}

	return newReport(checks)
}

// Readiness checks if the service is ready to accept traffic.
// Failing this probe should remove the instance from load balancer rotation.
func (c *Checker) Readiness(ctx context.Context) *Report {
	c.mu.RLock()
	// Return unhealthy immediately if shutting down
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Report{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}

	// Use cached result if recent (avoid hammering runner backends)
	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	report := c.Check(ctx)

	c.mu.Lock()
	c.cachedReady = report
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return report
}

func (c *Checker) probe(ctx context.Context, probe ReadinessChecker) CheckResult {
	if probe == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "probe not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := probe.Ready(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
		}
	}
	return CheckResult{Status: StatusHealthy}
}

func circuitCheck(stats circuitbreaker.Stats) CheckResult {
	if !stats.Tripped() {
		return CheckResult{Status: StatusHealthy}
	}
	var parts []string
	if len(stats.Open) > 0 {
		parts = append(parts, "open: "+strings.Join(stats.Open, ", "))
	}
	if len(stats.HalfOpen) > 0 {
		parts = append(parts, "half-open: "+strings.Join(stats.HalfOpen, ", "))
	}
	return CheckResult{Status: StatusDegraded, Message: strings.Join(parts, "; ")}
}

// newReport is unhealthy if any check is, degraded if any check is degraded.
func newReport(checks map[string]CheckResult) *Report {
	status := StatusHealthy
	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return &Report{
		Status:  status,
		Healthy: status != StatusUnhealthy,
		Checks:  checks,
	}
}

// IsHealthy reports whether the service can take work. A degraded report
// still can.
func (r *Report) IsHealthy() bool {
	return r.Status == StatusHealthy || r.Status == StatusDegraded
}

// SetShuttingDown marks the service as shutting down.
// This causes readiness checks to return unhealthy, signaling
// load balancers to stop sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil // Clear cache to ensure immediate effect
}
