package health

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"taskorch/pkg/circuitbreaker"
	"testing"
)

type probeFunc func(ctx context.Context) error

func (f probeFunc) Ready(ctx context.Context) error { return f(ctx) }

type fakeSource struct {
	initialized bool
	probes      map[string]ReadinessChecker
	active      int
	limit       int
}

func (s *fakeSource) Initialized() bool { return s.initialized }
func (s *fakeSource) Probes() map[string]ReadinessChecker { return s.probes }
func (s *fakeSource) Load() (int, int) { return s.active, s.limit }

func healthySource() *fakeSource {
	return &fakeSource{
		initialized: true,
		probes: map[string]ReadinessChecker{
			"process": probeFunc(func(context.Context) error { return nil }),
			"remote":  probeFunc(func(context.Context) error { return nil }),
		},
		active: 1,
		limit:  2,
	}
}

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness_NoOrchestrator(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}

	if response.Checks == nil {
		t.Fatal("Expected checks to be present")
	}

	orchestratorCheck, ok := response.Checks["orchestrator"]
	if !ok {
		t.Fatal("Expected orchestrator check to be present")
	}

	if orchestratorCheck.Status != StatusUnhealthy {
		t.Errorf("Expected orchestrator check to be unhealthy, got %s", orchestratorCheck.Status)
	}
}

func TestChecker_Check(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*fakeSource)
		healthy   bool
		failCheck string
	}{
		{"all healthy", func(*fakeSource) {}, true, ""},
		{"at the limit", func(s *fakeSource) { s.active = 2 }, true, ""},
		{"over the limit", func(s *fakeSource) { s.active = 3 }, false, "capacity"},
		{"not initialized", func(s *fakeSource) { s.initialized = false }, false, "orchestrator"},
		{"no runners", func(s *fakeSource) { s.probes = nil }, false, "runners"},
		{"runner down", func(s *fakeSource) {
			s.probes["remote"] = probeFunc(func(context.Context) error { return errors.New("connection refused") })
		}, false, "runner:remote"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			source := healthySource()
			tt.mutate(source)

			report := NewChecker(source).Check(context.Background())

			if report.Healthy != tt.healthy || report.IsHealthy() != tt.healthy {
				t.Fatalf("Healthy = %v, want %v (checks: %+v)", report.Healthy, tt.healthy, report.Checks)
			}
			if tt.failCheck == "" {
				return
			}
			check, ok := report.Checks[tt.failCheck]
			if !ok {
				t.Fatalf("Expected %q check, got %+v", tt.failCheck, report.Checks)
			}
			if check.Status != StatusUnhealthy || check.Message == "" {
				t.Errorf("Expected unhealthy %q with a reason, got %+v", tt.failCheck, check)
			}
		})
	}
}

func TestChecker_ReadinessCached(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	source := healthySource()
	source.probes = map[string]ReadinessChecker{
		"process": probeFunc(func(context.Context) error {
			calls.Add(1)
			return nil
		}),
	}
	checker := NewChecker(source)

	for i := 0; i < 3; i++ {
		if r := checker.Readiness(context.Background()); !r.IsHealthy() {
			t.Fatalf("Expected healthy, got %+v", r)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 probe call within the cache window, got %d", calls.Load())
	}
}

func TestChecker_SetShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(healthySource())

	if r := checker.Readiness(context.Background()); !r.IsHealthy() {
		t.Fatalf("Expected healthy before shutdown, got %+v", r)
	}

	checker.SetShuttingDown()

	r := checker.Readiness(context.Background())
	if r.IsHealthy() {
		t.Fatal("Expected unhealthy while shutting down")
	}
	if _, ok := r.Checks["shutdown"]; !ok {
		t.Errorf("Expected shutdown check, got %+v", r.Checks)
	}
}

func TestReport_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"healthy", StatusHealthy, true},
		{"unhealthy", StatusUnhealthy, false},
		{"degraded", StatusDegraded, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Report{Status: tt.status}
			if response.IsHealthy() != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.expected)
			}
		})
	}
}

type circuitSource struct {
	*fakeSource
	circuits map[string]circuitbreaker.Stats
}

func (s circuitSource) Circuits() map[string]circuitbreaker.Stats { return s.circuits }

func TestChecker_Check_TrippedCircuitsDegrade(t *testing.T) {
	t.Parallel()
	source := circuitSource{
		fakeSource: healthySource(),
		circuits: map[string]circuitbreaker.Stats{
			"remote":    {Total: 2, Closed: 1, Open: []string{"api.example.com"}},
			"callbacks": {Total: 1, Closed: 1},
		},
	}
	checker := NewChecker(source)

	report := checker.Check(context.Background())
	if report.Status != StatusDegraded || !report.Healthy {
		t.Fatalf("Expected degraded but healthy report, got %+v", report)
	}
	remote := report.Checks["circuits:remote"]
	if remote.Status != StatusDegraded || !strings.Contains(remote.Message, "api.example.com") {
		t.Errorf("Expected remote circuit check to name the open host, got %+v", remote)
	}
	if report.Checks["circuits:callbacks"].Status != StatusHealthy {
		t.Errorf("Expected callbacks circuit healthy, got %+v", report.Checks["circuits:callbacks"])
	}

	source.initialized = false
	if report := checker.Check(context.Background()); report.Status != StatusUnhealthy || report.Healthy {
		t.Errorf("Expected unhealthy to outrank degraded, got %+v", report)
	}
}
