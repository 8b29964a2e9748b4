// Package bus is the best-effort publish/subscribe transport between the
// dispatcher and workers. Every subscriber of a channel sees every message
// published after it subscribed, in publish order. Nothing is persisted.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrClosed = errors.New("bus: subscription closed")

// Message is one delivery. Payload is JSON text.
type Message struct {
	Channel string
	Payload []byte
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode message on %s: %w", m.Channel, err)
	}
	return nil
}

// Subscription is a handle returned by Subscribe.
type Subscription interface {
	// Poll returns the next pending message. A zero timeout never blocks;
	// ok is false when nothing arrived in time.
	Poll(ctx context.Context, timeout time.Duration) (msg Message, ok bool, err error)
	Close() error
}

type Bus interface {
	Publish(ctx context.Context, channel string, msg any) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// Encode turns msg into the wire form. Byte slices pass through untouched.
func Encode(msg any) ([]byte, error) {
	switch v := msg.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// pollChan waits on ch following the Poll contract.
func pollChan(ctx context.Context, ch <-chan Message, timeout time.Duration) (Message, bool, error) {
	if timeout <= 0 {
		select {
		case m, open := <-ch:
			if !open {
				return Message{}, false, ErrClosed
			}
			return m, true, nil
		default:
			return Message{}, false, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m, open := <-ch:
		if !open {
			return Message{}, false, ErrClosed
		}
		return m, true, nil
	case <-timer.C:
		return Message{}, false, nil
	case <-ctx.Done():
		return Message{}, false, ctx.Err()
	}
}
