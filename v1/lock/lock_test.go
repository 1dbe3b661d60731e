package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-storelock/v1/adapter"
	lockerrors "github.com/mirkobrombin/go-storelock/v1/errors"
	"github.com/mirkobrombin/go-storelock/v1/signal"
)

const (
	testStale   = 100 * time.Millisecond
	testRefresh = 20 * time.Millisecond
	testIdle    = 50 * time.Millisecond
)

func newTestLocker(t *testing.T, store adapter.Store, opts ...Option) *Locker {
	t.Helper()
	base := []Option{
		WithVerifyDelay(5 * time.Millisecond),
		WithJitter(2 * time.Millisecond),
		WithRetryDelay(2 * time.Millisecond),
		WithRefreshInterval(testRefresh),
		WithStaleAfter(testStale),
		WithMinWait(2 * time.Millisecond),
		WithIdleTimeout(testIdle),
	}
	l, err := New(store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func readRecord(t *testing.T, s adapter.Store, key string) (Record, bool) {
	t.Helper()
	raw, ok, err := s.Get(context.Background(), DefaultPrefix+"-"+key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		return Record{}, false
	}
	rec, err := ParseRecord(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return rec, true
}

func TestAcquireRelease(t *testing.T) {
	store := adapter.NewInMemoryStore()
	l := newTestLocker(t, store, WithRefreshInterval(40*time.Millisecond))
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "k", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	if !l.Held("k") {
		t.Fatal("expected k held")
	}
	rec, found := readRecord(t, store, "k")
	if !found {
		t.Fatal("expected record in store")
	}
	if rec.ID != l.OwnerID() {
		t.Fatalf("unexpected owner %q", rec.ID)
	}
	if rec.TimeoutKey != l.OwnerID()+"-k-"+rec.Token {
		t.Fatalf("unexpected timeout key %q", rec.TimeoutKey)
	}
	if rec.TimeRefreshed != nil {
		t.Fatal("fresh record must not carry timeRefreshed")
	}

	if err := l.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if l.Held("k") {
		t.Fatal("expected k released")
	}
	if _, found := readRecord(t, store, "k"); found {
		t.Fatal("expected record removed")
	}
}

func TestRecordFormat(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	rec := newRecord("owner", "k", "tok", now)
	raw, err := rec.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, f := range []string{"id", "iat", "timeoutKey", "timeAcquired"} {
		if _, ok := fields[f]; !ok {
			t.Fatalf("missing field %s in %s", f, raw)
		}
	}
	if _, ok := fields["timeRefreshed"]; ok {
		t.Fatalf("unexpected timeRefreshed in %s", raw)
	}
	if !rec.LastProof().Equal(now) {
		t.Fatalf("last proof %v, want %v", rec.LastProof(), now)
	}
	later := now.Add(time.Second).UnixMilli()
	rec.TimeRefreshed = &later
	if got := rec.LastProof().UnixMilli(); got != later {
		t.Fatalf("last proof %d, want %d", got, later)
	}

	for _, bad := range []string{"", "garbage", "{}", `{"id":"x"}`} {
		if _, err := ParseRecord(bad); err == nil {
			t.Fatalf("expected %q to be corrupt", bad)
		}
	}
}

func TestMutualExclusion(t *testing.T) {
	store := adapter.NewInMemoryStore()
	bus := signal.NewInMemoryBus()
	a := newTestLocker(t, store, WithSignal(bus))
	b := newTestLocker(t, store, WithSignal(bus))
	ctx := context.Background()

	if ok, err := a.Acquire(ctx, "k", time.Second); err != nil || !ok {
		t.Fatalf("a acquire: ok %v err %v", ok, err)
	}
	// longer than the stale threshold: renewal keeps the lock alive
	start := time.Now()
	ok, err := b.Acquire(ctx, "k", 3*testStale)
	if err != nil {
		t.Fatalf("b acquire: %v", err)
	}
	if ok {
		t.Fatal("b acquired a lock held and renewed by a")
	}
	if elapsed := time.Since(start); elapsed < 3*testStale {
		t.Fatalf("b gave up early after %v", elapsed)
	}
	if rec, _ := readRecord(t, store, "k"); rec.ID != a.OwnerID() || rec.TimeRefreshed == nil {
		t.Fatalf("expected renewed record of a, got %+v", rec)
	}
}

func TestContendedCounter(t *testing.T) {
	store := adapter.NewInMemoryStore()
	bus := signal.NewInMemoryBus()
	const workers, rounds = 4, 5

	var inside atomic.Int32
	var counter int
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		l := newTestLocker(t, store, WithSignal(bus))
		g.Go(func() error {
			ctx := context.Background()
			for r := 0; r < rounds; r++ {
				ok, err := l.Acquire(ctx, "counter", 5*time.Second)
				if err != nil {
					return err
				}
				if !ok {
					return errors.New("acquire timed out")
				}
				if n := inside.Add(1); n != 1 {
					return errors.New("two holders inside the critical section")
				}
				counter++
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				if err := l.Release(ctx, "counter"); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker: %v", err)
	}
	if counter != workers*rounds {
		t.Fatalf("counter %d, want %d", counter, workers*rounds)
	}
}

func TestIdempotentRelease(t *testing.T) {
	store := adapter.NewInMemoryStore()
	a := newTestLocker(t, store)
	b := newTestLocker(t, store)
	ctx := context.Background()

	if err := a.Release(ctx, "k"); err != nil {
		t.Fatalf("release of absent lock: %v", err)
	}
	if ok, err := a.Acquire(ctx, "k", time.Second); err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	if err := b.Release(ctx, "k"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if rec, found := readRecord(t, store, "k"); !found || rec.ID != a.OwnerID() {
		t.Fatal("foreign release affected the holder")
	}
	if err := a.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := a.Release(ctx, "k"); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if n := a.tokens.len(); n != 0 {
		t.Fatalf("token mutex leaked %d slots", n)
	}
}

func TestHandoverScenario(t *testing.T) {
	store := adapter.NewInMemoryStore()
	bus := signal.NewInMemoryBus()
	a := newTestLocker(t, store, WithSignal(bus))
	b := newTestLocker(t, store, WithSignal(bus))
	ctx := context.Background()

	if ok, err := a.Acquire(ctx, "K", 5*time.Second); err != nil || !ok {
		t.Fatalf("a acquire: ok %v err %v", ok, err)
	}
	if ok, err := b.Acquire(ctx, "K", 2*testStale); err != nil || ok {
		t.Fatalf("b should not acquire while a holds K: ok %v err %v", ok, err)
	}

	type result struct {
		ok  bool
		err error
	}
	pending := make(chan result, 1)
	go func() {
		ok, err := b.Acquire(ctx, "K", 5*time.Second)
		pending <- result{ok, err}
	}()
	time.Sleep(30 * time.Millisecond)
	if err := a.Release(ctx, "K"); err != nil {
		t.Fatalf("a release: %v", err)
	}
	select {
	case r := <-pending:
		if r.err != nil || !r.ok {
			t.Fatalf("b pending acquire: ok %v err %v", r.ok, r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("b did not acquire after release")
	}
	if ok, err := a.Acquire(ctx, "K", 2*testStale); err != nil || ok {
		t.Fatalf("a should not re-acquire while b holds K: ok %v err %v", ok, err)
	}
}

func TestLivenessAfterOwnerDeath(t *testing.T) {
	store := adapter.NewInMemoryStore()
	a := newTestLocker(t, store)
	b := newTestLocker(t, store)
	ctx := context.Background()

	if ok, err := a.Acquire(ctx, "k", time.Second); err != nil || !ok {
		t.Fatalf("a acquire: ok %v err %v", ok, err)
	}
	// the owning context goes away without releasing
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	rec, _ := readRecord(t, store, "k")

	ok, err := b.Acquire(ctx, "k", 2*time.Second)
	if err != nil || !ok {
		t.Fatalf("b acquire: ok %v err %v", ok, err)
	}
	deadline := rec.LastProof().Add(testStale + testIdle + 150*time.Millisecond)
	if time.Now().After(deadline) {
		t.Fatalf("b acquired too late: %v after last proof", time.Since(rec.LastProof()))
	}
}

func TestCorruptRecordIsForeignThenEvicted(t *testing.T) {
	store := adapter.NewInMemoryStore()
	l := newTestLocker(t, store)
	ctx := context.Background()
	if err := store.Set(ctx, DefaultPrefix+"-k", "not json"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := l.Release(ctx, "k"); err != nil {
		t.Fatalf("release over corrupt record: %v", err)
	}
	if ok, err := l.Acquire(ctx, "k", testStale/2); err != nil || ok {
		t.Fatalf("corrupt record must block: ok %v err %v", ok, err)
	}
	ok, err := l.Acquire(ctx, "k", 5*testStale)
	if err != nil || !ok {
		t.Fatalf("acquire after eviction: ok %v err %v", ok, err)
	}
}

func TestReclaimKeepsApplicationKeys(t *testing.T) {
	store := adapter.NewInMemoryStore()
	l := newTestLocker(t, store)
	ctx := context.Background()

	old := newRecord("dead-owner", "x", "tok", time.Now().Add(-time.Minute))
	raw, _ := old.encode()
	_ = store.Set(ctx, DefaultPrefix+"-x", raw)
	fresh := newRecord("live-owner", "y", "tok", time.Now())
	raw, _ = fresh.encode()
	_ = store.Set(ctx, DefaultPrefix+"-y", raw)
	_ = store.Set(ctx, "app-setting", "stale-looking but not ours")

	var woke atomic.Int32
	l.Waiters().Add(func() { woke.Add(1) })
	l.reclaim(ctx)

	if _, ok, _ := store.Get(ctx, DefaultPrefix+"-x"); ok {
		t.Fatal("expected stale record reclaimed")
	}
	if _, ok, _ := store.Get(ctx, DefaultPrefix+"-y"); !ok {
		t.Fatal("fresh record must survive")
	}
	if _, ok, _ := store.Get(ctx, "app-setting"); !ok {
		t.Fatal("application key must survive")
	}
	if woke.Load() != 1 {
		t.Fatalf("expected waiters notified once, got %d", woke.Load())
	}
}

type flakyStore struct {
	adapter.Store
	failSet atomic.Bool
	failGet atomic.Bool
}

var errBoom = errors.New("boom")

func (f *flakyStore) Get(ctx context.Context, key string) (string, bool, error) {
	if f.failGet.Load() {
		return "", false, errBoom
	}
	return f.Store.Get(ctx, key)
}

func (f *flakyStore) Set(ctx context.Context, key, value string) error {
	if f.failSet.Load() {
		return errBoom
	}
	return f.Store.Set(ctx, key, value)
}

func TestAutoReleaseWithoutRenewal(t *testing.T) {
	store := &flakyStore{Store: adapter.NewInMemoryStore()}
	l := newTestLocker(t, store, WithAutoReleaseAfter(60*time.Millisecond))
	ctx := context.Background()

	if ok, err := l.Acquire(ctx, "k", time.Second); err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	store.failSet.Store(true)
	time.Sleep(150 * time.Millisecond)
	if l.Held("k") {
		t.Fatal("expected auto-release to drop the lock")
	}
	if _, ok, _ := store.Store.Get(ctx, DefaultPrefix+"-k"); ok {
		t.Fatal("expected record removed by auto-release")
	}
}

func TestRenewalCancelsAutoRelease(t *testing.T) {
	store := adapter.NewInMemoryStore()
	l := newTestLocker(t, store, WithAutoReleaseAfter(60*time.Millisecond))
	ctx := context.Background()

	if ok, err := l.Acquire(ctx, "k", time.Second); err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	time.Sleep(150 * time.Millisecond)
	if !l.Held("k") {
		t.Fatal("renewed lock was auto-released")
	}
	if rec, ok := readRecord(t, store, "k"); !ok || rec.TimeRefreshed == nil {
		t.Fatal("expected renewed record")
	}
}

func TestRefreshStopsWhenRecordTaken(t *testing.T) {
	store := adapter.NewInMemoryStore()
	l := newTestLocker(t, store)
	ctx := context.Background()

	if ok, err := l.Acquire(ctx, "k", time.Second); err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	foreign := newRecord("other", "k", "tok", time.Now())
	raw, _ := foreign.encode()
	if err := store.Set(ctx, DefaultPrefix+"-k", raw); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(3 * testRefresh)
	if l.Held("k") {
		t.Fatal("expected refresher to drop the lost lock")
	}
	if rec, _ := readRecord(t, store, "k"); rec.ID != "other" || rec.TimeRefreshed != nil {
		t.Fatalf("refresher touched a foreign record: %+v", rec)
	}
}

func TestAcquireStorageFailure(t *testing.T) {
	store := &flakyStore{Store: adapter.NewInMemoryStore()}
	l := newTestLocker(t, store)
	store.failGet.Store(true)

	ok, err := l.Acquire(context.Background(), "k", time.Second)
	if ok || !errors.Is(err, errBoom) {
		t.Fatalf("expected storage error, got ok %v err %v", ok, err)
	}
	store.failGet.Store(false)
	store.failSet.Store(true)
	if ok, err := l.Acquire(context.Background(), "k", time.Second); ok || !errors.Is(err, errBoom) {
		t.Fatalf("expected write error, got ok %v err %v", ok, err)
	}
}

func TestAcquireTimesOutWithoutSignals(t *testing.T) {
	store := adapter.NewInMemoryStore()
	a := newTestLocker(t, store)
	b := newTestLocker(t, store)
	ctx := context.Background()
	if ok, _ := a.Acquire(ctx, "k", time.Second); !ok {
		t.Fatal("a acquire failed")
	}

	start := time.Now()
	ok, err := b.Acquire(ctx, "k", 120*time.Millisecond)
	elapsed := time.Since(start)
	if err != nil || ok {
		t.Fatalf("expected timeout, got ok %v err %v", ok, err)
	}
	if elapsed < 120*time.Millisecond || elapsed > time.Second {
		t.Fatalf("timeout not honoured: %v", elapsed)
	}
	if n := b.Waiters().Len(); n != 0 {
		t.Fatalf("waiters leaked: %d", n)
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	store := adapter.NewInMemoryStore()
	a := newTestLocker(t, store)
	b := newTestLocker(t, store, WithIdleTimeout(time.Second))
	if ok, _ := a.Acquire(context.Background(), "k", time.Second); !ok {
		t.Fatal("a acquire failed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	ok, err := b.Acquire(ctx, "k", 5*time.Second)
	if ok || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got ok %v err %v", ok, err)
	}
}

func TestClosedLocker(t *testing.T) {
	l := newTestLocker(t, adapter.NewInMemoryStore())
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if ok, err := l.Acquire(context.Background(), "k", time.Second); ok || !errors.Is(err, lockerrors.ErrClosed) {
		t.Fatalf("expected ErrClosed, got ok %v err %v", ok, err)
	}
}

func TestNewRejectsSlowRefresh(t *testing.T) {
	_, err := New(adapter.NewInMemoryStore(), WithRefreshInterval(3*time.Second))
	if !errors.Is(err, lockerrors.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(adapter.NewInMemoryStore(), WithPrefix("")); !errors.Is(err, lockerrors.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for empty prefix, got %v", err)
	}
}

func TestSignalWakesWaiter(t *testing.T) {
	store := adapter.NewInMemoryStore()
	bus := signal.NewInMemoryBus()
	// the idle timeout is far beyond the expected hand-over time
	a := newTestLocker(t, store, WithSignal(bus), WithIdleTimeout(2*time.Second))
	b := newTestLocker(t, store, WithSignal(bus), WithIdleTimeout(2*time.Second))
	assertPromptHandover(t, a, b)
}

func TestSharedWaitersWake(t *testing.T) {
	store := adapter.NewInMemoryStore()
	w := NewWaiters()
	a := newTestLocker(t, store, WithWaiters(w), WithIdleTimeout(2*time.Second))
	b := newTestLocker(t, store, WithWaiters(w), WithIdleTimeout(2*time.Second))
	assertPromptHandover(t, a, b)
}

// stallingBus delivers nothing and blocks every Subscribe for stall.
type stallingBus struct {
	*signal.InMemoryBus
	stall time.Duration
}

func (b *stallingBus) Subscribe(ctx context.Context, origin string) (chan struct{}, error) {
	select {
	case <-time.After(b.stall):
		return b.InMemoryBus.Subscribe(ctx, origin)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestSlowSubscribeKeepsDeadline(t *testing.T) {
	store := adapter.NewInMemoryStore()
	a := newTestLocker(t, store)
	b := newTestLocker(t, store, WithSignal(&stallingBus{InMemoryBus: signal.NewInMemoryBus(), stall: 3 * time.Second}))
	ctx := context.Background()
	if ok, err := a.Acquire(ctx, "k", time.Second); err != nil || !ok {
		t.Fatalf("a acquire: ok %v err %v", ok, err)
	}

	var g errgroup.Group
	for i := 0; i < 3; i++ {
		g.Go(func() error {
			start := time.Now()
			ok, err := b.Acquire(ctx, "k", 100*time.Millisecond)
			if err != nil || ok {
				return fmt.Errorf("acquire while held: ok %v err %v", ok, err)
			}
			if elapsed := time.Since(start); elapsed > time.Second {
				return fmt.Errorf("acquire took %v with a 100ms timeout", elapsed)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

// droppingBus records subscriptions and can end all of them, as a broker
// disconnect does.
type droppingBus struct {
	*signal.InMemoryBus
	mu   sync.Mutex
	subs []chan struct{}
}

func (b *droppingBus) Subscribe(ctx context.Context, origin string) (chan struct{}, error) {
	ch, err := b.InMemoryBus.Subscribe(ctx, origin)
	if err == nil {
		b.mu.Lock()
		b.subs = append(b.subs, ch)
		b.mu.Unlock()
	}
	return ch, err
}

func (b *droppingBus) subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *droppingBus) dropAll() {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()
	for _, ch := range subs {
		_ = b.Unsubscribe(context.Background(), ch)
	}
}

func TestPumpResubscribesAfterBusDrop(t *testing.T) {
	bus := &droppingBus{InMemoryBus: signal.NewInMemoryBus()}
	l := newTestLocker(t, adapter.NewInMemoryStore(), WithSignal(bus), WithIdleTimeout(5*time.Second))

	waitFor := func(cond func() bool, what string) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for !cond() {
			if time.Now().After(deadline) {
				t.Fatalf("timeout waiting for %s", what)
			}
			time.Sleep(time.Millisecond)
		}
	}
	pumping := func() bool {
		l.pumpMu.Lock()
		defer l.pumpMu.Unlock()
		return l.pumping
	}

	l.ensurePump()
	waitFor(func() bool { return bus.subscriptions() == 1 }, "first subscription")
	bus.dropAll()
	waitFor(func() bool { return !pumping() }, "pump to stop")

	errCh := make(chan error, 1)
	start := time.Now()
	go func() { errCh <- l.waitForChange(context.Background(), start.Add(10*time.Second)) }()
	waitFor(func() bool {
		return bus.subscriptions() == 2 && bus.Subscribers() == 1 && l.Waiters().Len() == 1
	}, "resubscription")

	if err := bus.Publish(context.Background(), "other-tab"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait was not woken by the change signal")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("woke after %v; fell back to the idle timeout", elapsed)
	}
}

func assertPromptHandover(t *testing.T, a, b *Locker) {
	t.Helper()
	ctx := context.Background()
	if ok, err := a.Acquire(ctx, "k", time.Second); err != nil || !ok {
		t.Fatalf("a acquire: ok %v err %v", ok, err)
	}
	done := make(chan time.Time, 1)
	go func() {
		if ok, err := b.Acquire(ctx, "k", 5*time.Second); err == nil && ok {
			done <- time.Now()
		}
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	released := time.Now()
	if err := a.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	at, ok := <-done
	if !ok {
		t.Fatal("b failed to acquire")
	}
	if d := at.Sub(released); d > 500*time.Millisecond {
		t.Fatalf("b woke %v after release; notification was missed", d)
	}
}

func TestWaitForChangeResolvesOnce(t *testing.T) {
	l := newTestLocker(t, adapter.NewInMemoryStore(), WithIdleTimeout(time.Second))
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() { errCh <- l.waitForChange(ctx, time.Now().Add(5*time.Second)) }()
	for l.Waiters().Len() == 0 {
		time.Sleep(time.Millisecond)
	}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Waiters().Notify()
		}()
	}
	wg.Wait()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait not resolved by notification")
	}
	if n := l.Waiters().Len(); n != 0 {
		t.Fatalf("expected waiter unregistered, got %d", n)
	}
}

func TestWaitForChangeIdleFallback(t *testing.T) {
	l := newTestLocker(t, adapter.NewInMemoryStore())
	start := time.Now()
	if err := l.waitForChange(context.Background(), start.Add(time.Hour)); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < testIdle || elapsed > 10*testIdle {
		t.Fatalf("idle fallback after %v, want about %v", elapsed, testIdle)
	}
}

func TestWaitForChangeMinWait(t *testing.T) {
	l := newTestLocker(t, adapter.NewInMemoryStore(), WithMinWait(40*time.Millisecond))
	go func() {
		for l.Waiters().Len() == 0 {
			time.Sleep(time.Millisecond)
		}
		l.Waiters().Notify()
	}()
	start := time.Now()
	if err := l.waitForChange(context.Background(), start.Add(time.Hour)); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("debounce floor not applied: %v", elapsed)
	}
}

func TestWaitersNotifySnapshot(t *testing.T) {
	w := NewWaiters()
	var calls atomic.Int32
	var add func()
	add = func() {
		calls.Add(1)
		w.Add(add)
	}
	w.Add(add)
	w.Notify()
	if got := calls.Load(); got != 1 {
		t.Fatalf("waiter registered during notify was invoked: %d calls", got)
	}
	if w.Len() != 2 {
		t.Fatalf("expected 2 waiters, got %d", w.Len())
	}
	id := w.Add(func() {})
	w.Remove(id)
	w.Remove(id)
	if w.Len() != 2 {
		t.Fatalf("double remove changed registry: %d", w.Len())
	}
}

func TestTokenMutex(t *testing.T) {
	var m tokenMutex
	ctx := context.Background()
	if err := m.Lock(ctx, "t"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := m.Lock(ctx, "other"); err != nil {
		t.Fatalf("independent token blocked: %v", err)
	}
	m.Unlock("other")

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := m.Lock(cctx, "t"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	acquired := make(chan struct{})
	go func() {
		_ = m.Lock(ctx, "t")
		close(acquired)
	}()
	time.Sleep(10 * time.Millisecond)
	m.Unlock("t")
	<-acquired
	m.Unlock("t")
	if n := m.len(); n != 0 {
		t.Fatalf("expected no slots, got %d", n)
	}
}

type fixedIDs struct{ n atomic.Int64 }

func (f *fixedIDs) OwnerID() (string, error) { return "tab-1", nil }
func (f *fixedIDs) Token() string {
	return "tok-" + string(rune('a'+f.n.Add(1)))
}

func TestCustomIDsAndPrefix(t *testing.T) {
	store := adapter.NewInMemoryStore()
	l := newTestLocker(t, store, WithIDGenerator(&fixedIDs{}), WithPrefix("app-locks"))
	ctx := context.Background()
	if ok, err := l.Acquire(ctx, "k", time.Second); err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	raw, ok, _ := store.Get(ctx, "app-locks-k")
	if !ok {
		t.Fatal("expected record under custom prefix")
	}
	rec, err := ParseRecord(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rec.ID != "tab-1" || rec.Token != "tok-b" || rec.TimeoutKey != "tab-1-k-tok-b" {
		t.Fatalf("unexpected record %+v", rec)
	}
}
