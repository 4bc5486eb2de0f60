package observability

import (
	"sync"
	"taskorch/internal/job"
	"taskorch/pkg/circuitbreaker"
)

// emaAlpha weights the newest duration sample in the running average.
const emaAlpha = 0.2

// Snapshot is a consistent point-in-time copy of the registry.
type Snapshot struct {
	TotalJobs         int64   `json:"totalJobs"`
	Succeeded         int64   `json:"succeeded"`
	Failed            int64   `json:"failed"`
	Cancelled         int64   `json:"cancelled"`
	ActiveJobs        int     `json:"activeJobs"`
	QueueLength       int     `json:"queueLength"`
	AverageDurationMs float64 `json:"averageDurationMs"`
	UnitsConsumed     int64   `json:"unitsConsumed"`
	EstimatedCost     float64 `json:"estimatedCost"`
	Retries           int64   `json:"retries"`
	Attempts          int64   `json:"attempts"`
	PeakActive        int     `json:"peakActive"`

	// Circuits is filled in by the owner of the outbound clients, not the registry.
	Circuits map[string]circuitbreaker.Stats `json:"circuits,omitempty"`
}

// CostModel prices consumed units and worker compute time.
type CostModel struct {
	PerThousandUnits float64
	PerSecond        float64 // applied to process and container job time
}

// QueueStats calls read with the live occupancy while holding the lock under
// which the queue also calls the Record methods. Counters and gauges in one
// snapshot therefore always agree.
type QueueStats func(read func(active, queued, peak int))

// Registry aggregates job outcomes. Nothing per-job is retained.
type Registry struct {
	cost CostModel

	mu             sync.Mutex
	stats          QueueStats
	total          int64
	succeeded      int64
	failed         int64
	cancelled      int64
	retries        int64
	attempts       int64
	units          int64
	computeSeconds float64
	avgDurationMs  float64
	samples        int64
}

// NewRegistry creates an empty registry.
func NewRegistry(cost CostModel) *Registry {
	return &Registry{cost: cost}
}

// SetQueueStats installs the occupancy source.
func (r *Registry) SetQueueStats(fn QueueStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = fn
}

func (r *Registry) RecordSubmitted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total++
}

func (r *Registry) RecordAttempt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
}

func (r *Registry) RecordRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

// Record folds a terminal result into the counters.
func (r *Registry) Record(kind job.Kind, status job.Status, res job.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch status {
	case job.StatusSucceeded:
		r.succeeded++
	case job.StatusFailed:
		r.failed++
	case job.StatusCancelled:
		r.cancelled++
	}

	r.units += res.Units
	if kind == job.KindProcess || kind == job.KindContainer {
		r.computeSeconds += float64(res.DurationMs) / 1000
	}

	// Jobs cancelled before they ever ran say nothing about duration.
	if res.AttemptsUsed == 0 {
		return
	}
	d := float64(res.DurationMs)
	if r.samples == 0 {
		r.avgDurationMs = d
	} else {
		r.avgDurationMs = emaAlpha*d + (1-emaAlpha)*r.avgDurationMs
	}
	r.samples++
}

// Snapshot copies every field under the queue lock and the registry lock,
// taken in that order.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	stats := r.stats
	r.mu.Unlock()

	if stats == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.snapshotLocked(0, 0, 0)
	}

	var snap Snapshot
	stats(func(active, queued, peak int) {
		r.mu.Lock()
		snap = r.snapshotLocked(active, queued, peak)
		r.mu.Unlock()
	})
	return snap
}

func (r *Registry) snapshotLocked(active, queued, peak int) Snapshot {
	return Snapshot{
		TotalJobs:         r.total,
		Succeeded:         r.succeeded,
		Failed:            r.failed,
		Cancelled:         r.cancelled,
		ActiveJobs:        active,
		QueueLength:       queued,
		AverageDurationMs: r.avgDurationMs,
		UnitsConsumed:     r.units,
		EstimatedCost:     float64(r.units)/1000*r.cost.PerThousandUnits + r.computeSeconds*r.cost.PerSecond,
		Retries:           r.retries,
		Attempts:          r.attempts,
		PeakActive:        peak,
	}
}
