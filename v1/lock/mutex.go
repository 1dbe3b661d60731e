package lock

import (
	"context"
	"sync"
)

type tokenSlot struct {
	ch   chan struct{}
	refs int
}

// tokenMutex serializes the goroutines of one Locker that act on the same
// acquisition token, so a refresh tick never interleaves with a release.
type tokenMutex struct {
	mu    sync.Mutex
	slots map[string]*tokenSlot
}

func (m *tokenMutex) Lock(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.slots == nil {
		m.slots = make(map[string]*tokenSlot)
	}
	s, ok := m.slots[token]
	if !ok {
		s = &tokenSlot{ch: make(chan struct{}, 1)}
		m.slots[token] = s
	}
	s.refs++
	m.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		m.release(token, s)
		m.mu.Unlock()
		return ctx.Err()
	}
}

func (m *tokenMutex) Unlock(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[token]
	if !ok {
		panic("storelock: unlock of unlocked token")
	}
	<-s.ch
	m.release(token, s)
}

func (m *tokenMutex) release(token string, s *tokenSlot) {
	s.refs--
	if s.refs == 0 {
		delete(m.slots, token)
	}
}

func (m *tokenMutex) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
