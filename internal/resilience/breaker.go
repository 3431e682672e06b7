// Package resilience provides the circuit breaker used in front of the AI
// execution service and the issue tracker API, plus the session watchdog and
// model failover policy that protect a running orchestration against a
// misbehaving execution backend.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned by Breaker.Execute when the breaker is open and
// is refusing calls.
var ErrCircuitOpen = gobreaker.ErrOpenState

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	Name          string
	MaxFailures   uint32
	OpenTimeout   time.Duration
	HalfOpenMax   uint32
	OnStateChange func(name string, from, to gobreaker.State)
}

// Breaker wraps sony/gobreaker for the two call sites that need it: the AI
// execution service pre-flight health check (§4.9) and the tracker API
// client, so a string of ServerUnreachable/5xx responses fails fast instead
// of hammering a dependency that is already down.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a Breaker. Defaults: 5 consecutive failures trips it,
// 30s open timeout, 1 half-open probe.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax == 0 {
		cfg.HalfOpenMax = 1
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenMax,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = cfg.OnStateChange
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. A context cancellation is reported
// through fn's own error return, not specially by the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) {
		return ErrCircuitOpen
	}
	return err
}

// State returns the breaker's current state string ("closed", "open",
// "half-open").
func (b *Breaker) State() string {
	return b.cb.State().String()
}
