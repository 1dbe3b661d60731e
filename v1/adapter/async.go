package adapter

import "context"

// Future is the result of an operation started by AsyncStore.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func runFuture[T any](fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.value, f.err = fn()
	}()
	return f
}

// Done is closed once the operation has finished.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the operation finishes or ctx is done. Cancelling ctx
// does not cancel the operation itself.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Lookup is the value produced by GetAsync.
type Lookup struct {
	Value string
	Found bool
}

// AsyncStore exposes the awaitable form of a Store. Every call starts the
// operation on its own goroutine and returns immediately.
type AsyncStore struct {
	s Store
}

// Async returns the awaitable form of s.
func Async(s Store) *AsyncStore {
	return &AsyncStore{s: s}
}

// Sync returns the underlying blocking Store.
func (a *AsyncStore) Sync() Store { return a.s }

// GetAsync starts Store.Get.
func (a *AsyncStore) GetAsync(ctx context.Context, key string) *Future[Lookup] {
	return runFuture(func() (Lookup, error) {
		v, ok, err := a.s.Get(ctx, key)
		return Lookup{Value: v, Found: ok}, err
	})
}

// SetAsync starts Store.Set.
func (a *AsyncStore) SetAsync(ctx context.Context, key, value string) *Future[struct{}] {
	return runFuture(func() (struct{}, error) {
		return struct{}{}, a.s.Set(ctx, key, value)
	})
}

// RemoveAsync starts Store.Remove.
func (a *AsyncStore) RemoveAsync(ctx context.Context, key string) *Future[struct{}] {
	return runFuture(func() (struct{}, error) {
		return struct{}{}, a.s.Remove(ctx, key)
	})
}

// KeysAsync starts a listing of the keys under prefix. An empty prefix lists
// every key.
func (a *AsyncStore) KeysAsync(ctx context.Context, prefix string) *Future[[]string] {
	return runFuture(func() ([]string, error) {
		if prefix == "" {
			return a.s.Keys(ctx)
		}
		return KeysWithPrefix(ctx, a.s, prefix)
	})
}
