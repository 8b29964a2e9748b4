package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus with Redis Pub/Sub. Delivery is at most once and
// only to subscribers connected at publish time.
type RedisBus struct {
	client      *redis.Client
	channelSize int
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, channelSize: 256}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, msg any) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	receivers, err := b.client.Publish(ctx, channel, data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	if receivers == 0 {
		slog.Debug("message published with no subscribers", "channel", channel)
	}
	return nil
}

// Subscribe waits for the server to confirm the subscription so that
// messages published after it returns are not missed.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	return &redisSub{
		ps: ps,
		ch: ps.Channel(redis.WithChannelSize(b.channelSize)),
	}, nil
}

// Close is a no-op; the client is owned by the redis service.
func (b *RedisBus) Close() error {
	return nil
}

type redisSub struct {
	ps *redis.PubSub
	ch <-chan *redis.Message
}

func (s *redisSub) Poll(ctx context.Context, timeout time.Duration) (Message, bool, error) {
	convert := func(m *redis.Message, open bool) (Message, bool, error) {
		if !open {
			return Message{}, false, ErrClosed
		}
		return Message{Channel: m.Channel, Payload: []byte(m.Payload)}, true, nil
	}

	if timeout <= 0 {
		select {
		case m, open := <-s.ch:
			return convert(m, open)
		default:
			return Message{}, false, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m, open := <-s.ch:
		return convert(m, open)
	case <-timer.C:
		return Message{}, false, nil
	case <-ctx.Done():
		return Message{}, false, ctx.Err()
	}
}

func (s *redisSub) Close() error {
	return s.ps.Close()
}
