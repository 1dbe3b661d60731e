package lock

import (
	"sync"
	"time"

	"github.com/mirkobrombin/go-storelock/v1/metrics"
)

type waiterEntry struct {
	fn    func()
	added time.Time
}

// Waiters is the registry of acquire attempts blocked in this process. One
// Waiters may be shared by several Lockers so that a release by one of them
// wakes the others without a round trip through the change signal.
type Waiters struct {
	mu      sync.Mutex
	next    uint64
	entries map[uint64]waiterEntry
}

// NewWaiters returns an empty registry.
func NewWaiters() *Waiters {
	return &Waiters{entries: make(map[uint64]waiterEntry)}
}

// Add registers fn and returns the id to remove it with.
func (w *Waiters) Add(fn func()) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next++
	w.entries[w.next] = waiterEntry{fn: fn, added: time.Now()}
	metrics.WaiterGauge.Inc()
	return w.next
}

// Remove unregisters the waiter with the given id. Unknown ids are ignored.
func (w *Waiters) Remove(id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entries[id]; ok {
		delete(w.entries, id)
		metrics.WaiterGauge.Dec()
	}
}

// Notify invokes every waiter registered at the time of the call. Waiters
// added while Notify runs are not invoked by it.
func (w *Waiters) Notify() {
	w.mu.Lock()
	fns := make([]func(), 0, len(w.entries))
	for _, e := range w.entries {
		fns = append(fns, e.fn)
	}
	w.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Len returns the number of registered waiters.
func (w *Waiters) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
