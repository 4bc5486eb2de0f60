package dispatcher

import (
	"taskorch/internal/retry"
	"taskorch/pkg/circuitbreaker"
	"time"
)

// Delivery defaults
const (
	defaultBufferSize       = 10000
	defaultWorkers          = 10
	defaultHTTPTimeout      = 10 * time.Second
	defaultMaxAttempts      = 4
	defaultRetryBaseDelay   = 100 * time.Millisecond
	defaultRetryFactor      = 2
	defaultMaxRetryDelay    = 5 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10
	defaultDeliveryTimeout  = 30 * time.Second
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize  int           // pending events buffer (default: 10000)
	Workers     int           // concurrent delivery goroutines (default: 10)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)

	// Retry decides resends with the same rules as job attempts.
	// MaxAttempts counts the first send (default: 4, 1 disables retries).
	Retry       retry.Policy
	Breaker     circuitbreaker.Config // per-destination-host breaker
	MaxRequeues int                   // times an event waits out an open circuit before it is dropped (default: 10)
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = defaultMaxAttempts
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = defaultRetryBaseDelay
	}
	if c.Retry.Factor < 1 {
		c.Retry.Factor = defaultRetryFactor
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = defaultMaxRetryDelay
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = defaultBreakerThreshold
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = defaultBreakerCooldown
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = defaultMaxRequeues
	}
	return c
}
