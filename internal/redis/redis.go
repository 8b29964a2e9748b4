package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Service owns the process-wide Redis connection shared by the bus, the
// registry and the rate limiter.
type Service struct {
	client *redis.Client
}

func New(ctx context.Context, redisURL string) (*Service, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Service{client: client}, nil
}

// FromClient wraps an existing client, used by tests.
func FromClient(client *redis.Client) *Service {
	return &Service{client: client}
}

func (s *Service) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client
func (s *Service) Client() *redis.Client {
	return s.client
}

// Ping checks connectivity for readiness probes.
func (s *Service) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
