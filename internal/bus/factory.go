package bus

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Options selects and configures a driver.
type Options struct {
	Driver       string // memory, redis, rabbitmq
	Redis        *redis.Client
	Rabbit       RabbitConfig
	MemoryBuffer int
}

// New builds the configured bus. Connection errors are returned so the
// caller can treat them as fatal at startup.
func New(opts Options) (Bus, error) {
	switch opts.Driver {
	case "memory":
		return NewMemoryBus(opts.MemoryBuffer), nil
	case "redis", "":
		if opts.Redis == nil {
			return nil, fmt.Errorf("redis bus requires a redis client")
		}
		return NewRedisBus(opts.Redis), nil
	case "rabbitmq", "amqp":
		return NewRabbitBus(opts.Rabbit)
	default:
		return nil, fmt.Errorf("unknown bus driver: %s", opts.Driver)
	}
}
