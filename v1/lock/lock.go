package lock

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-storelock/v1/adapter"
	lockerrors "github.com/mirkobrombin/go-storelock/v1/errors"
	"github.com/mirkobrombin/go-storelock/v1/metrics"
	"github.com/mirkobrombin/go-storelock/v1/signal"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-storelock/v1/lock")

// hold tracks one acquisition made by this Locker.
type hold struct {
	key         string
	timeoutKey  string
	autoRelease Timer
	refresh     Timer
}

// Locker acquires and releases locks on behalf of one execution context.
// It is safe for concurrent use.
type Locker struct {
	store  adapter.Store
	async  *adapter.AsyncStore
	cfg    config
	log    *slog.Logger
	owner  string
	tokens tokenMutex

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	held    map[string]*hold // by token
	closed  bool
	corrupt map[string]corruptSighting

	pumpMu  sync.Mutex
	pumping bool
}

// New returns a Locker operating on store. When a signal bus is configured
// the store is decorated so that every mutation made by this Locker is
// announced to the other contexts.
func New(store adapter.Store, opts ...Option) (*Locker, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.waiters == nil {
		cfg.waiters = NewWaiters()
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	owner, err := cfg.ids.OwnerID()
	if err != nil {
		return nil, fmt.Errorf("storelock: owner id: %w", err)
	}
	log := cfg.logger.With("owner", owner)
	store = signal.Observe(store, cfg.bus, owner, log)
	ctx, cancel := context.WithCancel(context.Background())
	return &Locker{
		store:   store,
		async:   adapter.Async(store),
		cfg:     cfg,
		log:     log,
		owner:   owner,
		ctx:     ctx,
		cancel:  cancel,
		held:    make(map[string]*hold),
		corrupt: make(map[string]corruptSighting),
	}, nil
}

// OwnerID returns the identifier written into the records of this Locker.
func (l *Locker) OwnerID() string { return l.owner }

// Waiters returns the waiter registry of this Locker.
func (l *Locker) Waiters() *Waiters { return l.cfg.waiters }

func (l *Locker) storageKey(key string) string {
	return l.cfg.prefix + "-" + key
}

func (l *Locker) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Acquire tries to obtain the lock for key until timeout elapses. A
// non-positive timeout selects the default. It reports false with a nil
// error when the lock stayed held by someone else; errors are returned only
// for storage failures, cancellation of ctx and closed Lockers.
func (l *Locker) Acquire(ctx context.Context, key string, timeout time.Duration) (ok bool, err error) {
	if l.isClosed() {
		return false, lockerrors.ErrClosed
	}
	if timeout <= 0 {
		timeout = l.cfg.defaultTimeout
	}
	var span trace.Span
	if l.cfg.tracing {
		ctx, span = tracer.Start(ctx, "Lock.Acquire", trace.WithAttributes(
			attribute.String("storelock.key", key),
			attribute.Int64("storelock.timeout_ms", timeout.Milliseconds()),
		))
		defer func() {
			span.SetAttributes(attribute.Bool("storelock.acquired", ok))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}
	start := time.Now()
	defer func() {
		metrics.AcquireDuration.Observe(time.Since(start).Seconds())
		switch {
		case err != nil:
			metrics.AcquireCounter.WithLabelValues("error").Inc()
		case ok:
			metrics.AcquireCounter.WithLabelValues("acquired").Inc()
		default:
			metrics.AcquireCounter.WithLabelValues("timeout").Inc()
		}
	}()

	sk := l.storageKey(key)
	deadline := l.cfg.sched.Now().Add(timeout)
	for first := true; l.cfg.sched.Now().Before(deadline); first = false {
		if !first {
			if err := sleep(ctx, l.cfg.sched, l.cfg.retryDelay); err != nil {
				return false, err
			}
		}
		if l.isClosed() {
			return false, lockerrors.ErrClosed
		}
		won, err := l.try(ctx, key, sk)
		if err != nil || won {
			return won, err
		}
		l.reclaim(ctx)
		if err := l.waitForChange(ctx, deadline); err != nil {
			return false, err
		}
	}
	return false, nil
}

// try runs one write-then-verify round. It reports false when the record is
// present or the race was lost.
func (l *Locker) try(ctx context.Context, key, sk string) (bool, error) {
	_, found, err := l.store.Get(ctx, sk)
	if err != nil {
		return false, l.storageErr(ctx, "get", key, err)
	}
	// any value, parsable or not, belongs to someone else
	if found {
		return false, nil
	}

	token := l.cfg.ids.Token()
	if err := sleep(ctx, l.cfg.sched, l.jitter()); err != nil {
		return false, err
	}
	rec := newRecord(l.owner, key, token, l.cfg.sched.Now())
	raw, err := rec.encode()
	if err != nil {
		return false, fmt.Errorf("storelock: encode %s: %w", key, err)
	}
	if err := l.store.Set(ctx, sk, raw); err != nil {
		return false, l.storageErr(ctx, "set", key, err)
	}
	if err := sleep(ctx, l.cfg.sched, l.cfg.verifyDelay); err != nil {
		return false, err
	}
	after, found, err := l.store.Get(ctx, sk)
	if err != nil {
		return false, l.storageErr(ctx, "get", key, err)
	}
	if !found {
		return false, nil
	}
	got, perr := ParseRecord(after)
	if perr != nil || got.ID != l.owner || got.Token != token {
		l.log.Debug("storelock: lost acquisition race", "key", key, "token", token)
		return false, nil
	}
	if !l.track(key, token, rec.TimeoutKey) {
		return false, lockerrors.ErrClosed
	}
	l.log.Debug("storelock: acquired", "key", key, "token", token)
	return true, nil
}

func (l *Locker) jitter() time.Duration {
	if l.cfg.jitter <= 0 {
		return 0
	}
	return rand.N(l.cfg.jitter)
}

func (l *Locker) storageErr(ctx context.Context, op, key string, err error) error {
	// backends map deadlines to their own sentinels
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("storelock: %s %s: %w", op, key, err)
}

// track records a verified acquisition and arms its auto-release and
// refresh timers. It reports false if the Locker was closed in the meantime.
func (l *Locker) track(key, token, timeoutKey string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	h := &hold{key: key, timeoutKey: timeoutKey}
	if l.cfg.autoReleaseAfter > 0 {
		h.autoRelease = l.cfg.sched.AfterFunc(l.cfg.autoReleaseAfter, func() {
			l.autoRelease(key, token)
		})
	}
	h.refresh = l.cfg.sched.AfterFunc(l.cfg.refreshInterval, func() {
		l.refresh(key, token)
	})
	l.held[token] = h
	return true
}

// drop forgets token and stops its timers.
func (l *Locker) drop(token string) {
	l.mu.Lock()
	h, ok := l.held[token]
	delete(l.held, token)
	l.mu.Unlock()
	if !ok {
		return
	}
	if h.autoRelease != nil {
		h.autoRelease.Stop()
	}
	if h.refresh != nil {
		h.refresh.Stop()
	}
}

func (l *Locker) isHeld(token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[token]
	return ok
}

// Held reports whether this Locker believes it holds key.
func (l *Locker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, h := range l.held {
		if h.key == key {
			return true
		}
	}
	return false
}

// autoRelease fires when an acquisition was never renewed. It is a no-op
// once the token has been released or superseded.
func (l *Locker) autoRelease(key, token string) {
	if !l.isHeld(token) {
		return
	}
	ctx := l.ctx
	raw, found, err := l.store.Get(ctx, l.storageKey(key))
	if err != nil {
		l.log.Warn("storelock: auto-release read failed", "key", key, "token", token, "error", err)
		return
	}
	if !found {
		l.drop(token)
		return
	}
	rec, perr := ParseRecord(raw)
	if perr != nil || rec.ID != l.owner || rec.Token != token {
		l.drop(token)
		return
	}
	l.log.Info("storelock: auto-releasing lock", "key", key, "token", token)
	if err := l.releaseRecord(ctx, key, rec); err != nil {
		l.log.Warn("storelock: auto-release failed", "key", key, "token", token, "error", err)
	}
}

// Release gives up key if this Locker owns its record. Releasing a lock that
// is absent or owned by someone else is a no-op.
func (l *Locker) Release(ctx context.Context, key string) (err error) {
	if l.cfg.tracing {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Lock.Release", trace.WithAttributes(attribute.String("storelock.key", key)))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}
	raw, found, err := l.store.Get(ctx, l.storageKey(key))
	if err != nil {
		return l.storageErr(ctx, "get", key, err)
	}
	if !found {
		return nil
	}
	rec, perr := ParseRecord(raw)
	if perr != nil {
		l.log.Debug("storelock: release skipped corrupt record", "key", key)
		return nil
	}
	if rec.ID != l.owner {
		l.log.Debug("storelock: release skipped foreign record", "key", key)
		return nil
	}
	return l.releaseRecord(ctx, key, rec)
}

func (l *Locker) releaseRecord(ctx context.Context, key string, rec Record) error {
	if err := l.tokens.Lock(ctx, rec.Token); err != nil {
		return err
	}
	l.drop(rec.Token)
	err := l.store.Remove(ctx, l.storageKey(key))
	l.tokens.Unlock(rec.Token)
	if err != nil {
		return l.storageErr(ctx, "remove", key, err)
	}
	metrics.ReleaseCounter.Inc()
	l.log.Debug("storelock: released", "key", key, "token", rec.Token)
	l.cfg.waiters.Notify()
	return nil
}

// waitForChange blocks until a peer changes the store, a waiter
// notification arrives or the idle timeout elapses, then applies the
// debounce floor. It never waits past deadline by more than the floor.
func (l *Locker) waitForChange(ctx context.Context, deadline time.Time) error {
	start := l.cfg.sched.Now()
	remaining := deadline.Sub(start)
	if remaining <= 0 {
		return nil
	}
	l.ensurePump()

	done := make(chan struct{})
	var once sync.Once
	resolve := func() { once.Do(func() { close(done) }) }

	id := l.cfg.waiters.Add(resolve)
	t := l.cfg.sched.AfterFunc(min(remaining, l.cfg.idleTimeout), resolve)
	defer func() {
		l.cfg.waiters.Remove(id)
		t.Stop()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return lockerrors.ErrClosed
	}
	l.cfg.waiters.Remove(id)
	t.Stop()

	floor := min(l.cfg.minWait, remaining)
	if elapsed := l.cfg.sched.Now().Sub(start); elapsed < floor {
		return sleep(ctx, l.cfg.sched, floor-elapsed)
	}
	return nil
}

// ensurePump makes sure a goroutine is forwarding the change signal to the
// waiters. The subscription is set up in that goroutine so a slow broker
// never holds up an acquire; waits stay bounded by the idle timeout until it
// is live. When the subscription ends the next wait starts a new one.
func (l *Locker) ensurePump() {
	if l.cfg.bus == nil {
		return
	}
	l.pumpMu.Lock()
	defer l.pumpMu.Unlock()
	if l.pumping || l.isClosed() {
		return
	}
	l.pumping = true
	go l.pump()
}

func (l *Locker) pump() {
	defer func() {
		l.pumpMu.Lock()
		l.pumping = false
		l.pumpMu.Unlock()
	}()
	ch, err := l.cfg.bus.Subscribe(l.ctx, l.owner)
	if err != nil {
		if l.ctx.Err() == nil {
			l.log.Warn("storelock: change signal subscribe failed", "error", err)
		}
		return
	}
	for range ch {
		l.cfg.waiters.Notify()
	}
	if l.ctx.Err() == nil {
		l.log.Debug("storelock: change signal subscription ended")
	}
}

// Close stops the refreshers, auto-release timers and signal subscription
// of this Locker. Records in the store are left in place and become
// reclaimable once stale, as if the owning context had died.
func (l *Locker) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	held := l.held
	l.held = make(map[string]*hold)
	l.mu.Unlock()

	l.cancel()
	for _, h := range held {
		if h.autoRelease != nil {
			h.autoRelease.Stop()
		}
		if h.refresh != nil {
			h.refresh.Stop()
		}
	}
	return nil
}
