package signal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned by CircuitBreakerBus.Publish while the wrapped
// bus is considered down.
var ErrCircuitOpen = errors.New("signal: circuit breaker is open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerTrial
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerTrial:
		return "trial"
	}
	return "closed"
}

// BreakerOption configures a CircuitBreakerBus.
type BreakerOption func(*CircuitBreakerBus)

// WithBreakerLogger sets the logger reporting circuit transitions.
func WithBreakerLogger(l *slog.Logger) BreakerOption {
	return func(cb *CircuitBreakerBus) { cb.log = l }
}

// CircuitBreakerBus decorates a Bus so that lock writes stop paying the
// timeout of a dead broker. After threshold consecutive publication
// failures the circuit opens and Publish fails fast with ErrCircuitOpen;
// once cooldown has passed a single publication is let through as a trial.
// Waiters keep progressing through their idle timeout meanwhile.
// Subscriptions are passed through untouched.
type CircuitBreakerBus struct {
	bus       Bus
	threshold int
	cooldown  time.Duration
	log       *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time

	rejected atomic.Uint64
}

// NewCircuitBreaker wraps bus. A threshold below one is treated as one.
func NewCircuitBreaker(bus Bus, threshold int, cooldown time.Duration, opts ...BreakerOption) *CircuitBreakerBus {
	cb := &CircuitBreakerBus{
		bus:       bus,
		threshold: max(threshold, 1),
		cooldown:  cooldown,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// IsHealthy reports whether publications currently reach the wrapped bus
// or a trial is due.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state != breakerOpen || cb.now().Sub(cb.openedAt) > cb.cooldown
}

// State returns "closed", "open" or "trial".
func (cb *CircuitBreakerBus) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// Rejected returns how many publications failed fast.
func (cb *CircuitBreakerBus) Rejected() uint64 { return cb.rejected.Load() }

func (cb *CircuitBreakerBus) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if cb.now().Sub(cb.openedAt) > cb.cooldown {
			cb.state = breakerTrial
			return true
		}
	}
	// a trial is already in flight
	return false
}

func (cb *CircuitBreakerBus) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		if cb.state != breakerClosed {
			cb.log.Info("storelock: change signal recovered")
		}
		cb.state = breakerClosed
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.state == breakerTrial || cb.failures >= cb.threshold {
		if cb.state == breakerClosed {
			cb.log.Warn("storelock: change signal circuit opened", "failures", cb.failures, "error", err)
		}
		cb.state = breakerOpen
		cb.openedAt = cb.now()
	}
}

// Publish implements Bus.Publish.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, origin string) error {
	if !cb.admit() {
		cb.rejected.Add(1)
		return ErrCircuitOpen
	}
	err := cb.bus.Publish(ctx, origin)
	cb.record(err)
	return err
}

// Subscribe implements Bus.Subscribe.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, origin string) (chan struct{}, error) {
	return cb.bus.Subscribe(ctx, origin)
}

// Unsubscribe implements Bus.Unsubscribe.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, ch chan struct{}) error {
	return cb.bus.Unsubscribe(ctx, ch)
}
