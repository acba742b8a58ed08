package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewBrokerWithClient(client)
}

func TestPublishReachesSubscriber(t *testing.T) {
	broker := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, stop := broker.Subscribe(ctx, "srv-1")
	defer stop()

	// the subscription needs a moment to register before a publish lands
	time.Sleep(50 * time.Millisecond)

	if err := broker.Publish(ctx, "srv-1", []byte(`{"type":"message.received"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case payload := <-events:
		if string(payload) != `{"type":"message.received"}` {
			t.Fatalf("unexpected payload: %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the payload")
	}
}

func TestSubscriberChannelsAreIsolatedPerThread(t *testing.T) {
	broker := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventsA, stopA := broker.Subscribe(ctx, "srv-a")
	defer stopA()
	eventsB, stopB := broker.Subscribe(ctx, "srv-b")
	defer stopB()

	time.Sleep(50 * time.Millisecond)

	if err := broker.Publish(ctx, "srv-a", []byte("for-a")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case payload := <-eventsA:
		if string(payload) != "for-a" {
			t.Fatalf("unexpected payload: %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("srv-a subscriber never received the payload")
	}

	select {
	case payload := <-eventsB:
		t.Fatalf("srv-b subscriber received stray payload: %s", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	broker := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())

	events, stop := broker.Subscribe(ctx, "srv-1")
	defer stop()

	cancel()

	select {
	case _, open := <-events:
		if open {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel never closed after cancel")
	}
}
