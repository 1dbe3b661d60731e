package signal

import (
	"context"
	"sync"
	"testing"
	"time"
)

// exerciseBus checks origin filtering: a publisher never hears itself while
// every other origin does.
func exerciseBus(t *testing.T, bus Bus) {
	t.Helper()
	ctx := context.Background()

	chA, err := bus.Subscribe(ctx, "tab-a")
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	chB, err := bus.Subscribe(ctx, "tab-b")
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	if err := bus.Publish(ctx, "tab-a"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-chB:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for signal on tab-b")
	}
	select {
	case <-chA:
		t.Fatal("publisher received its own signal")
	case <-time.After(100 * time.Millisecond):
	}

	if err := bus.Unsubscribe(ctx, chA); err != nil {
		t.Fatalf("unsubscribe a: %v", err)
	}
	if _, ok := <-chA; ok {
		t.Fatal("expected channel closed after unsubscribe")
	}
	if err := bus.Unsubscribe(ctx, chA); err != nil {
		t.Fatalf("second unsubscribe: %v", err)
	}
	if err := bus.Unsubscribe(ctx, chB); err != nil {
		t.Fatalf("unsubscribe b: %v", err)
	}
}

func TestInMemoryBusOriginFiltering(t *testing.T) {
	exerciseBus(t, NewInMemoryBus())
}

func TestInMemoryBusPublishDuringUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			if err := bus.Publish(context.Background(), "publisher"); err != nil {
				t.Errorf("publish: %v", err)
				return
			}
		}
	}()

	for i := 0; i < 20000; i++ {
		subCtx, subCancel := context.WithCancel(context.Background())
		ch, err := bus.Subscribe(subCtx, "tab")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if i%2 == 0 {
			if err := bus.Unsubscribe(context.Background(), ch); err != nil {
				t.Fatalf("unsubscribe: %v", err)
			}
		}
		// odd rounds end through the context watcher
		subCancel()
	}
	cancel()
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d subscriptions left behind", bus.Subscribers())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestInMemoryBusMetrics(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, "b")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "a"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	<-ch
	m := bus.Metrics()
	if m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestInMemoryBusCoalescesBursts(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	ch, _ := bus.Subscribe(ctx, "b")
	for i := 0; i < 5; i++ {
		_ = bus.Publish(ctx, "a")
	}
	<-ch
	select {
	case <-ch:
		t.Fatal("expected burst to be coalesced into one pending signal")
	default:
	}
}

func TestInMemoryBusContextBasedUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
	if n := bus.Subscribers(); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}

func TestInMemoryBusPublishCancelled(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Publish(ctx, "a"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
