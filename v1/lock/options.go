package lock

import (
	"fmt"
	"log/slog"
	"time"

	lockerrors "github.com/mirkobrombin/go-storelock/v1/errors"
	"github.com/mirkobrombin/go-storelock/v1/signal"
)

// DefaultPrefix namespaces lock records in the shared store.
const DefaultPrefix = "storelock-key"

const (
	DefaultTimeout          = 5 * time.Second
	DefaultVerifyDelay      = 30 * time.Millisecond
	DefaultJitter           = 25 * time.Millisecond
	DefaultRetryDelay       = 30 * time.Millisecond
	DefaultRefreshInterval  = time.Second
	DefaultStaleAfter       = 5 * time.Second
	DefaultAutoReleaseAfter = 10 * time.Second
	DefaultMinWait          = 50 * time.Millisecond
	DefaultIdleTimeout      = 500 * time.Millisecond
)

type config struct {
	prefix  string
	bus     signal.Bus
	waiters *Waiters
	sched   Scheduler
	ids     IDGenerator
	logger  *slog.Logger
	tracing bool

	verifyDelay      time.Duration
	jitter           time.Duration
	retryDelay       time.Duration
	refreshInterval  time.Duration
	staleAfter       time.Duration
	autoReleaseAfter time.Duration
	minWait          time.Duration
	idleTimeout      time.Duration
	defaultTimeout   time.Duration
}

func defaultConfig() config {
	return config{
		prefix:           DefaultPrefix,
		sched:            realScheduler{},
		ids:              defaultIDs{},
		verifyDelay:      DefaultVerifyDelay,
		jitter:           DefaultJitter,
		retryDelay:       DefaultRetryDelay,
		refreshInterval:  DefaultRefreshInterval,
		staleAfter:       DefaultStaleAfter,
		autoReleaseAfter: DefaultAutoReleaseAfter,
		minWait:          DefaultMinWait,
		idleTimeout:      DefaultIdleTimeout,
		defaultTimeout:   DefaultTimeout,
	}
}

func (c config) validate() error {
	switch {
	case c.prefix == "":
		return fmt.Errorf("%w: empty prefix", lockerrors.ErrInvalidConfig)
	case c.staleAfter <= 0 || c.refreshInterval <= 0:
		return fmt.Errorf("%w: refresh interval and stale threshold must be positive", lockerrors.ErrInvalidConfig)
	case c.refreshInterval >= c.staleAfter/2:
		return fmt.Errorf("%w: refresh interval %s must be below half the stale threshold %s",
			lockerrors.ErrInvalidConfig, c.refreshInterval, c.staleAfter)
	case c.idleTimeout <= 0:
		return fmt.Errorf("%w: idle timeout must be positive", lockerrors.ErrInvalidConfig)
	case c.verifyDelay < 0 || c.jitter < 0 || c.retryDelay < 0 || c.minWait < 0 || c.autoReleaseAfter < 0:
		return fmt.Errorf("%w: negative delay", lockerrors.ErrInvalidConfig)
	}
	return nil
}

// Option configures a Locker.
type Option func(*config)

// WithPrefix sets the namespace of lock records. Records are stored under
// "<prefix>-<key>"; the prefix must not collide with application keys.
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithSignal makes the Locker publish its store mutations on bus and wake
// its waiters on mutations made by other contexts.
func WithSignal(bus signal.Bus) Option {
	return func(c *config) { c.bus = bus }
}

// WithWaiters shares a waiter registry between Lockers of one process.
func WithWaiters(w *Waiters) Option {
	return func(c *config) { c.waiters = w }
}

// WithScheduler replaces the wall clock and timers.
func WithScheduler(s Scheduler) Option {
	return func(c *config) { c.sched = s }
}

// WithIDGenerator replaces the owner id and token generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *config) { c.ids = g }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithVerifyDelay sets the pause between writing a record and re-reading it.
// It must exceed the write visibility latency of the store.
func WithVerifyDelay(d time.Duration) Option {
	return func(c *config) { c.verifyDelay = d }
}

// WithJitter sets the upper bound of the random pause before a write.
func WithJitter(d time.Duration) Option {
	return func(c *config) { c.jitter = d }
}

// WithRetryDelay sets the pause between two iterations of the acquire loop.
func WithRetryDelay(d time.Duration) Option {
	return func(c *config) { c.retryDelay = d }
}

// WithRefreshInterval sets how often held records are renewed.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *config) { c.refreshInterval = d }
}

// WithStaleAfter sets the age after which a record without renewal is
// reclaimed by contenders.
func WithStaleAfter(d time.Duration) Option {
	return func(c *config) { c.staleAfter = d }
}

// WithAutoReleaseAfter sets the hold duration after which an acquisition
// whose lease was never renewed is released. Zero disables it.
func WithAutoReleaseAfter(d time.Duration) Option {
	return func(c *config) { c.autoReleaseAfter = d }
}

// WithMinWait sets the debounce floor of a wait for change.
func WithMinWait(d time.Duration) Option {
	return func(c *config) { c.minWait = d }
}

// WithIdleTimeout caps a single wait for change, bounding the cost of a
// missed signal.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) { c.idleTimeout = d }
}

// WithDefaultTimeout sets the timeout used when Acquire is called with a
// non-positive one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *config) { c.defaultTimeout = d }
}

// WithTracing enables OpenTelemetry spans for Acquire and Release.
func WithTracing() Option {
	return func(c *config) { c.tracing = true }
}
