package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus is a Bus on Redis pub/sub for multi-worker deployments.
// Every worker subscribed to a topic receives every payload, matching
// the fan-out contract; instance-creation idempotency in the durable
// store turns the process.started fan-out into exactly-one execution.
type RedisBus struct {
	client *redis.Client
	mu     sync.Mutex
	pubsub []*redis.PubSub
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRedisBus connects to the given Redis address.
func NewRedisBus(ctx context.Context, addr string) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisBusFromClient(client), nil
}

// NewRedisBusFromClient wraps an existing client. Close closes the
// underlying client.
func NewRedisBusFromClient(client *redis.Client) *RedisBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{client: client, ctx: ctx, cancel: cancel}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, topic, payload).Err()
}

func (b *RedisBus) Subscribe(topic string, h Handler) error {
	ps := b.client.Subscribe(b.ctx, topic)
	// Force the subscription to be established before returning so a
	// publish immediately after Subscribe is not lost.
	if _, err := ps.Receive(b.ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	b.mu.Lock()
	b.pubsub = append(b.pubsub, ps)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ch := ps.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h(b.ctx, []byte(msg.Payload))
			case <-b.ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Close unsubscribes everything and waits for handlers to drain.
func (b *RedisBus) Close() error {
	b.cancel()
	b.mu.Lock()
	for _, ps := range b.pubsub {
		_ = ps.Close()
	}
	b.pubsub = nil
	b.mu.Unlock()
	b.wg.Wait()
	return b.client.Close()
}
