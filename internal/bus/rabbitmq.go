package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitConfig holds RabbitMQ connection settings.
type RabbitConfig struct {
	URL           string
	RetryAttempts int
	RetryInterval time.Duration
	Heartbeat     time.Duration
}

// RabbitBus maps every bus channel onto a fanout exchange. Each
// subscription owns an exclusive auto-delete queue bound to it, which gives
// broadcast delivery with nothing kept for absent subscribers.
type RabbitBus struct {
	conn *amqp.Connection

	mu       sync.Mutex
	pub      *amqp.Channel
	declared map[string]bool
}

func NewRabbitBus(cfg RabbitConfig) (*RabbitBus, error) {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}

	var conn *amqp.Connection
	var err error
	for attempt := 1; attempt <= cfg.RetryAttempts; attempt++ {
		conn, err = amqp.DialConfig(cfg.URL, amqp.Config{Heartbeat: cfg.Heartbeat, Locale: "en_US"})
		if err == nil {
			break
		}
		slog.Error("failed to connect to RabbitMQ", "attempt", attempt, "max_attempts", cfg.RetryAttempts, "error", err)
		if attempt < cfg.RetryAttempts {
			time.Sleep(cfg.RetryInterval)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", cfg.RetryAttempts, err)
	}

	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	slog.Info("RabbitMQ bus connected")
	return &RabbitBus{conn: conn, pub: pub, declared: make(map[string]bool)}, nil
}

func declareExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(
		name,     // name
		"fanout", // type
		false,    // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
}

func (b *RabbitBus) Publish(ctx context.Context, channel string, msg any) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.declared[channel] {
		if err := declareExchange(b.pub, channel); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", channel, err)
		}
		b.declared[channel] = true
	}

	err = b.pub.PublishWithContext(ctx,
		channel, // exchange
		"",      // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         data,
			DeliveryMode: amqp.Transient,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

func (b *RabbitBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	fail := func(step string, err error) (Subscription, error) {
		ch.Close()
		return nil, fmt.Errorf("failed to %s for %s: %w", step, channel, err)
	}

	if err := declareExchange(ch, channel); err != nil {
		return fail("declare exchange", err)
	}
	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fail("declare queue", err)
	}
	if err := ch.QueueBind(q.Name, "", channel, false, nil); err != nil {
		return fail("bind queue", err)
	}
	deliveries, err := ch.Consume(
		q.Name, // queue
		"",     // consumer tag
		true,   // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,
	)
	if err != nil {
		return fail("consume", err)
	}

	return &rabbitSub{ch: ch, channel: channel, deliveries: deliveries}, nil
}

func (b *RabbitBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pub != nil {
		if err := b.pub.Close(); err != nil {
			slog.Error("failed to close RabbitMQ channel", "error", err)
		}
	}
	return b.conn.Close()
}

type rabbitSub struct {
	ch         *amqp.Channel
	channel    string
	deliveries <-chan amqp.Delivery
}

func (s *rabbitSub) Poll(ctx context.Context, timeout time.Duration) (Message, bool, error) {
	convert := func(d amqp.Delivery, open bool) (Message, bool, error) {
		if !open {
			return Message{}, false, ErrClosed
		}
		return Message{Channel: s.channel, Payload: d.Body}, true, nil
	}

	if timeout <= 0 {
		select {
		case d, open := <-s.deliveries:
			return convert(d, open)
		default:
			return Message{}, false, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case d, open := <-s.deliveries:
		return convert(d, open)
	case <-timer.C:
		return Message{}, false, nil
	case <-ctx.Done():
		return Message{}, false, ctx.Err()
	}
}

func (s *rabbitSub) Close() error {
	return s.ch.Close()
}
