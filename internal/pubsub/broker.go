// Package pubsub fans conversation updates out across API instances over
// Redis pub/sub. Each thread has its own channel; subscribers are the SSE
// handlers holding client connections open.
package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Broker struct {
	client *redis.Client
	prefix string
}

// NewBroker connects to Redis and verifies the connection.
func NewBroker(redisURL string) (*Broker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Broker{client: client, prefix: "thread:"}, nil
}

// NewBrokerWithClient wraps an existing Redis client, mainly for tests.
func NewBrokerWithClient(client *redis.Client) *Broker {
	return &Broker{client: client, prefix: "thread:"}
}

func (b *Broker) channel(threadIdentifier string) string {
	return b.prefix + threadIdentifier
}

// Publish sends an encoded event to every subscriber of the thread channel.
func (b *Broker) Publish(ctx context.Context, threadIdentifier string, payload []byte) error {
	if err := b.client.Publish(ctx, b.channel(threadIdentifier), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel(threadIdentifier), err)
	}
	return nil
}

// Subscribe returns a payload channel for the thread. The channel closes
// when ctx is cancelled or the returned stop function is called.
func (b *Broker) Subscribe(ctx context.Context, threadIdentifier string) (<-chan []byte, func() error) {
	sub := b.client.Subscribe(ctx, b.channel(threadIdentifier))
	out := make(chan []byte, 16)

	go func() {
		defer close(out)
		in := sub.Channel()
		for {
			select {
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, sub.Close
}

func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Broker) Close() error {
	return b.client.Close()
}
