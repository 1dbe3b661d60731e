package signal

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mirkobrombin/go-storelock/v1/adapter"
)

// ObservedStore wraps a Store so that every successful mutation publishes a
// change signal on behalf of origin.
type ObservedStore struct {
	inner  adapter.Store
	bus    Bus
	origin string
	log    *slog.Logger
}

// Observe returns s decorated with change publication. A nil bus returns s
// unchanged; a nil logger selects slog.Default.
func Observe(s adapter.Store, bus Bus, origin string, log *slog.Logger) adapter.Store {
	if bus == nil {
		return s
	}
	if log == nil {
		log = slog.Default()
	}
	return &ObservedStore{inner: s, bus: bus, origin: origin, log: log}
}

func (o *ObservedStore) publish(ctx context.Context, op, key string) {
	// signals are best effort; peers fall back to their idle timeout
	err := o.bus.Publish(context.WithoutCancel(ctx), o.origin)
	switch {
	case err == nil:
	case errors.Is(err, ErrCircuitOpen):
		// already reported when the circuit opened
		o.log.Debug("storelock: change signal skipped", "op", op, "key", key)
	default:
		o.log.Warn("storelock: change signal failed", "op", op, "key", key, "error", err)
	}
}

// Get implements adapter.Store.
func (o *ObservedStore) Get(ctx context.Context, key string) (string, bool, error) {
	return o.inner.Get(ctx, key)
}

// Set implements adapter.Store.
func (o *ObservedStore) Set(ctx context.Context, key string, value string) error {
	if err := o.inner.Set(ctx, key, value); err != nil {
		return err
	}
	o.publish(ctx, "set", key)
	return nil
}

// Remove implements adapter.Store.
func (o *ObservedStore) Remove(ctx context.Context, key string) error {
	if err := o.inner.Remove(ctx, key); err != nil {
		return err
	}
	o.publish(ctx, "remove", key)
	return nil
}

// Keys implements adapter.Store.
func (o *ObservedStore) Keys(ctx context.Context) ([]string, error) {
	return o.inner.Keys(ctx)
}

// KeysWithPrefix implements adapter.PrefixLister.
func (o *ObservedStore) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	return adapter.KeysWithPrefix(ctx, o.inner, prefix)
}

// Unwrap returns the decorated store.
func (o *ObservedStore) Unwrap() adapter.Store { return o.inner }
