package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-storelock/v1/adapter"
	"github.com/mirkobrombin/go-storelock/v1/lock"
	"github.com/mirkobrombin/go-storelock/v1/presets"
	"github.com/mirkobrombin/go-storelock/v1/signal"
)

// backend is the shared store and change signal every locker of this
// process is built on.
type backend struct {
	store   adapter.Store
	bus     signal.Bus
	waiters *lock.Waiters
	closers []func() error
}

func openBackend(ctx context.Context) (*backend, error) {
	b := &backend{waiters: lock.NewWaiters()}
	var client *redis.Client
	redisClient := func() (*redis.Client, error) {
		if client != nil {
			return client, nil
		}
		c := redis.NewClient(&redis.Options{Addr: viper.GetString("redis-addr")})
		if err := c.Ping(ctx).Err(); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		client = c
		b.closers = append(b.closers, c.Close)
		return c, nil
	}

	switch name := viper.GetString("backend"); name {
	case "memory":
		b.store = adapter.NewInMemoryStore()
	case "redis":
		c, err := redisClient()
		if err != nil {
			return nil, err
		}
		b.store = adapter.NewRedisStore(c, adapter.WithTimeout(2*time.Second))
	case "sqlite":
		s, err := presets.OpenSQLite(viper.GetString("sqlite-path"))
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		b.store = s
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}

	switch name := viper.GetString("signal"); name {
	case "none":
	case "memory":
		b.bus = signal.NewInMemoryBus()
	case "redis":
		c, err := redisClient()
		if err != nil {
			b.Close()
			return nil, err
		}
		rb := signal.NewRedisBus(signal.RedisBusOptions{Client: c})
		b.closers = append(b.closers, rb.Close)
		b.bus = signal.NewCircuitBreaker(rb, 3, 5*time.Second, signal.WithBreakerLogger(slog.Default()))
	case "nats":
		conn, err := nats.Connect(viper.GetString("nats-url"))
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("nats: %w", err)
		}
		b.closers = append(b.closers, func() error { conn.Close(); return nil })
		b.bus = signal.NewCircuitBreaker(signal.NewNATSBus(conn, ""), 3, 5*time.Second, signal.WithBreakerLogger(slog.Default()))
	case "kafka":
		kb, err := signal.NewKafkaBus(viper.GetStringSlice("kafka-brokers"), viper.GetString("kafka-topic"), nil)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("kafka: %w", err)
		}
		b.closers = append(b.closers, kb.Close)
		b.bus = signal.NewCircuitBreaker(kb, 3, 5*time.Second, signal.WithBreakerLogger(slog.Default()))
	case "mesh":
		mb, err := signal.NewMeshBus(signal.MeshOptions{
			Port:  viper.GetInt("mesh-port"),
			Peers: viper.GetStringSlice("mesh-peers"),
		})
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, mb.Close)
		b.bus = mb
	default:
		b.Close()
		return nil, fmt.Errorf("unknown signal %q", name)
	}
	return b, nil
}

func (b *backend) newLocker() (*lock.Locker, error) {
	opts := []lock.Option{
		lock.WithPrefix(viper.GetString("prefix")),
		lock.WithWaiters(b.waiters),
		lock.WithDefaultTimeout(viper.GetDuration("timeout")),
		lock.WithLogger(slog.Default()),
	}
	if b.bus != nil {
		opts = append(opts, lock.WithSignal(b.bus))
	}
	if viper.GetBool("trace") {
		opts = append(opts, lock.WithTracing())
	}
	return lock.New(b.store, opts...)
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}
