package signal

import (
	"context"
	stdErrors "errors"
	"sync"

	redis "github.com/redis/go-redis/v9"

	lockerrors "github.com/mirkobrombin/go-storelock/v1/errors"
)

// DefaultRedisChannel is the pub/sub channel used when none is configured.
const DefaultRedisChannel = "storelock:changes"

func mapRedisErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return lockerrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return lockerrors.ErrConnectionClosed
	default:
		return err
	}
}

// RedisBus implements Bus over a Redis pub/sub channel. The payload of each
// message is the publishing origin.
type RedisBus struct {
	client  *redis.Client
	channel string

	mu     sync.Mutex
	pubsub *redis.PubSub
	out    fanout
}

// RedisBusOptions configures a RedisBus.
type RedisBusOptions struct {
	Client  *redis.Client
	Channel string
}

// NewRedisBus returns a new RedisBus.
func NewRedisBus(opts RedisBusOptions) *RedisBus {
	channel := opts.Channel
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBus{client: opts.Client, channel: channel}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, origin string) error {
	if err := b.client.Publish(ctx, b.channel, origin).Err(); err != nil {
		return mapRedisErr(err)
	}
	b.out.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The first subscription opens the
// shared Redis subscription and waits for the server to confirm it.
func (b *RedisBus) Subscribe(ctx context.Context, origin string) (chan struct{}, error) {
	b.mu.Lock()
	if b.pubsub == nil {
		ps := b.client.Subscribe(ctx, b.channel)
		if _, err := ps.Receive(ctx); err != nil {
			b.mu.Unlock()
			_ = ps.Close()
			return nil, mapRedisErr(err)
		}
		b.pubsub = ps
		go b.dispatch(ps)
	}
	ch, _ := b.out.add(origin)
	b.mu.Unlock()

	unsubscribeOnDone(ctx, b, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		b.out.deliver(msg.Payload)
	}
}

// Unsubscribe implements Bus.Unsubscribe. The Redis subscription is closed
// together with the last local subscriber.
func (b *RedisBus) Unsubscribe(ctx context.Context, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed, left := b.out.remove(ch)
	if removed && left == 0 && b.pubsub != nil {
		err := b.pubsub.Close()
		b.pubsub = nil
		return err
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics { return b.out.metrics() }

// Close drops every subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out.closeAll()
	if b.pubsub != nil {
		err := b.pubsub.Close()
		b.pubsub = nil
		return err
	}
	return nil
}
