package signal

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"
)

// DefaultNATSSubject is the subject used when none is configured.
const DefaultNATSSubject = "storelock.changes"

// NATSBus implements Bus using a NATS subject. The payload of each message
// is the publishing origin.
type NATSBus struct {
	conn    *nats.Conn
	subject string

	mu  sync.Mutex
	sub *nats.Subscription
	out fanout
}

// NewNATSBus returns a new NATSBus publishing on subject. An empty subject
// selects DefaultNATSSubject.
func NewNATSBus(conn *nats.Conn, subject string) *NATSBus {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	return &NATSBus{conn: conn, subject: subject}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, origin string) error {
	if err := b.conn.Publish(b.subject, []byte(origin)); err != nil {
		return err
	}
	b.out.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, origin string) (chan struct{}, error) {
	b.mu.Lock()
	if b.sub == nil {
		sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
			b.out.deliver(string(msg.Data))
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		// make sure the server registered interest before returning
		if err := b.conn.Flush(); err != nil {
			_ = sub.Unsubscribe()
			b.mu.Unlock()
			return nil, err
		}
		b.sub = sub
	}
	ch, _ := b.out.add(origin)
	b.mu.Unlock()

	unsubscribeOnDone(ctx, b, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed, left := b.out.remove(ch)
	if removed && left == 0 && b.sub != nil {
		err := b.sub.Unsubscribe()
		b.sub = nil
		return err
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics { return b.out.metrics() }
