// Package signal carries the best-effort "shared store changed" notification
// between execution contexts. A context never receives the signals it
// published itself: every subscription names its origin and is filtered
// against the origin of each event.
package signal

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus propagates change notifications between execution contexts.
type Bus interface {
	// Publish announces that origin mutated the shared store.
	Publish(ctx context.Context, origin string) error
	// Subscribe returns a channel receiving one value per observed change made
	// by any origin other than the given one. Bursts may be coalesced. The
	// subscription ends when ctx is done or Unsubscribe is called.
	Subscribe(ctx context.Context, origin string) (chan struct{}, error)
	// Unsubscribe stops delivery to ch and closes it.
	Unsubscribe(ctx context.Context, ch chan struct{}) error
}

// Metrics reports how many signals a bus published and delivered.
type Metrics struct {
	Published uint64
	Delivered uint64
}

type subscriber struct {
	origin string
	ch     chan struct{}
}

// fanout keeps the local subscribers of a bus and delivers events to them.
type fanout struct {
	mu        sync.Mutex
	subs      []subscriber
	published atomic.Uint64
	delivered atomic.Uint64
}

func (f *fanout) add(origin string) (chan struct{}, int) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.subs = append(f.subs, subscriber{origin: origin, ch: ch})
	n := len(f.subs)
	f.mu.Unlock()
	return ch, n
}

// remove drops ch and reports how many subscribers remain. It closes ch at
// most once.
func (f *fanout) remove(ch chan struct{}) (removed bool, left int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.subs {
		if s.ch == ch {
			f.subs[i] = f.subs[len(f.subs)-1]
			f.subs = f.subs[:len(f.subs)-1]
			close(ch)
			return true, len(f.subs)
		}
	}
	return false, len(f.subs)
}

// deliver signals every subscriber not registered under origin. Sends never
// block, so they run under mu; remove and closeAll cannot close a channel
// mid-send.
func (f *fanout) deliver(origin string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.origin == origin {
			continue
		}
		select {
		case s.ch <- struct{}{}:
			f.delivered.Add(1)
		default:
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	for _, s := range f.subs {
		close(s.ch)
	}
	f.subs = nil
	f.mu.Unlock()
}

func (f *fanout) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fanout) metrics() Metrics {
	return Metrics{Published: f.published.Load(), Delivered: f.delivered.Load()}
}

func unsubscribeOnDone(ctx context.Context, b Bus, ch chan struct{}) {
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), ch)
	}()
}

// InMemoryBus is a process-local Bus. Lockers sharing one InMemoryBus and
// one InMemoryStore behave like tabs of one browser origin.
type InMemoryBus struct {
	out fanout
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, origin string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.out.published.Add(1)
	b.out.deliver(origin)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, origin string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, _ := b.out.add(origin)
	unsubscribeOnDone(ctx, b, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, ch chan struct{}) error {
	b.out.remove(ch)
	return nil
}

// Subscribers returns the number of live subscriptions.
func (b *InMemoryBus) Subscribers() int { return b.out.len() }

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics { return b.out.metrics() }
