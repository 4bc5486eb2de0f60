package circuitbreaker

import (
	"slices"
	"sync"
)

// Registry keeps one breaker per destination host. Breakers are created
// closed on first use and live as long as the registry.
type Registry struct {
	config Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		config:   cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for host.
func (r *Registry) Get(host string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[host]
	if !ok {
		b = New(r.config)
		r.breakers[host] = b
	}
	return b
}

// Stats summarises the breakers of one registry.
type Stats struct {
	Total    int      `json:"total"`
	Closed   int      `json:"closed"`
	HalfOpen []string `json:"halfOpen,omitempty"` // hosts letting one trial request through
	Open     []string `json:"open,omitempty"`     // hosts currently refused
}

// Tripped reports whether any host is refused or on probation.
func (s Stats) Tripped() bool {
	return len(s.Open) > 0 || len(s.HalfOpen) > 0
}

// Stats reports breaker states, with host lists sorted.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{Total: len(r.breakers)}
	for host, b := range r.breakers {
		switch b.State() {
		case Open:
			stats.Open = append(stats.Open, host)
		case HalfOpen:
			stats.HalfOpen = append(stats.HalfOpen, host)
		default:
			stats.Closed++
		}
	}
	slices.Sort(stats.Open)
	slices.Sort(stats.HalfOpen)
	return stats
}
