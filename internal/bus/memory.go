package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type memBus struct {
	buffer int

	mu     sync.RWMutex
	subs   map[string]map[*memSub]struct{}
	closed bool
}

// NewMemoryBus returns an in-process bus. Each subscription buffers up to
// buffer messages; further messages for a full subscriber are dropped.
func NewMemoryBus(buffer int) Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &memBus{
		buffer: buffer,
		subs:   make(map[string]map[*memSub]struct{}),
	}
}

func (b *memBus) Publish(ctx context.Context, channel string, msg any) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for s := range b.subs[channel] {
		select {
		case s.ch <- Message{Channel: channel, Payload: data}:
		default:
			slog.Warn("subscriber buffer full, dropping message", "channel", channel)
		}
	}
	return nil
}

func (b *memBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &memSub{bus: b, channel: channel, ch: make(chan Message, b.buffer)}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memSub]struct{})
	}
	b.subs[channel][s] = struct{}{}
	return s, nil
}

func (b *memBus) remove(s *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.channel][s]; !ok {
		return
	}
	delete(b.subs[s.channel], s)
	close(s.ch)
}

func (b *memBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.subs {
		for s := range set {
			close(s.ch)
		}
	}
	b.subs = map[string]map[*memSub]struct{}{}
	return nil
}

type memSub struct {
	bus     *memBus
	channel string
	ch      chan Message
	once    sync.Once
}

func (s *memSub) Poll(ctx context.Context, timeout time.Duration) (Message, bool, error) {
	return pollChan(ctx, s.ch, timeout)
}

func (s *memSub) Close() error {
	s.once.Do(func() { s.bus.remove(s) })
	return nil
}
