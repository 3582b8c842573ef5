package bus

import (
	"context"
	"sync"
)

// ChannelBus is an in-process Bus for single-node deployments and tests.
// Each subscriber gets its own buffered queue drained by one dispatch
// goroutine, so a slow handler delays only its own topic stream.
type ChannelBus struct {
	mu     sync.Mutex
	subs   map[string][]chan []byte
	closed bool
	wg     sync.WaitGroup
	cancel context.CancelFunc
	ctx    context.Context
}

// NewChannelBus creates an empty in-process bus.
func NewChannelBus() *ChannelBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &ChannelBus{
		subs:   map[string][]chan []byte{},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *ChannelBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- append([]byte(nil), payload...):
		case <-b.ctx.Done():
			return nil
		}
	}
	return nil
}

func (b *ChannelBus) Subscribe(topic string, h Handler) error {
	ch := make(chan []byte, 64)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case payload := <-ch:
				h(b.ctx, payload)
			case <-b.ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Close stops dispatch and waits for in-flight handlers to return.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}
