// Package app wires the shared infrastructure both binaries start from.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fedutinova/smartlabel/internal/bus"
	"github.com/fedutinova/smartlabel/internal/config"
	"github.com/fedutinova/smartlabel/internal/database"
	"github.com/fedutinova/smartlabel/internal/joblog"
	"github.com/fedutinova/smartlabel/internal/keypool"
	"github.com/fedutinova/smartlabel/internal/redis"
	"github.com/fedutinova/smartlabel/internal/registry"
	httpapi "github.com/fedutinova/smartlabel/internal/transport/http"
)

type Infra struct {
	Redis    *redis.Service
	Bus      bus.Bus
	Registry registry.Registry
	Channels bus.Channels
	JobLog   joblog.Logger

	db *database.DB
}

func needsRedis(cfg config.Config) bool {
	return cfg.BusDriver == "redis" || cfg.BusDriver == "" ||
		cfg.RegistryDriver == "redis" || cfg.RegistryDriver == "" ||
		cfg.KeyPool.LimiterDriver == "redis"
}

// NewInfra connects everything cfg selects. Any failure here is a startup
// failure; whatever was already opened is closed again.
func NewInfra(ctx context.Context, cfg config.Config) (_ *Infra, err error) {
	in := &Infra{Channels: bus.Channels{Prefix: cfg.ChannelPrefix}}
	defer func() {
		if err != nil {
			in.Close()
		}
	}()

	if needsRedis(cfg) {
		in.Redis, err = redis.New(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
	}

	opts := busOptions(cfg)
	if in.Redis != nil {
		opts.Redis = in.Redis.Client()
	}
	in.Bus, err = bus.New(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create message bus: %w", err)
	}

	switch cfg.RegistryDriver {
	case "memory":
		in.Registry = registry.NewMemoryRegistry(cfg.RegistryTTL)
	case "redis", "":
		in.Registry = registry.NewRedisRegistry(in.Redis.Client(), cfg.RegistryPrefix, cfg.RegistryTTL)
	default:
		return nil, fmt.Errorf("unknown registry driver: %s", cfg.RegistryDriver)
	}

	in.JobLog = joblog.NewSlogLogger(slog.Default())
	if cfg.JobLogDatabaseURL != "" {
		in.db, err = database.NewDB(ctx, cfg.JobLogDatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to job log database: %w", err)
		}
		if err = joblog.EnsureSchema(ctx, in.db); err != nil {
			return nil, err
		}
		in.JobLog = joblog.Multi{in.JobLog, joblog.NewPostgresLogger(in.db.Pool())}
	}

	slog.Info("infrastructure ready",
		"bus", cfg.BusDriver,
		"registry", cfg.RegistryDriver,
		"channel_prefix", cfg.ChannelPrefix,
		"joblog_database", in.db != nil)
	return in, nil
}

// Limiter returns the key-pool limiter selected by LIMITER_DRIVER.
func (in *Infra) Limiter(cfg config.Config) keypool.Limiter {
	if cfg.KeyPool.LimiterDriver == "redis" && in.Redis != nil {
		return keypool.NewRedisLimiter(in.Redis.Client())
	}
	return keypool.NewWindowLimiter()
}

func (in *Infra) Probes() []httpapi.Probe {
	var probes []httpapi.Probe
	if in.Redis != nil {
		probes = append(probes, httpapi.RedisProbe(in.Redis))
	}
	if in.db != nil {
		probes = append(probes, httpapi.DatabaseProbe(in.db))
	}
	return probes
}

func (in *Infra) Close() error {
	var errs []error
	if in.Bus != nil {
		errs = append(errs, in.Bus.Close())
	}
	if in.db != nil {
		in.db.Close()
	}
	if in.Redis != nil {
		errs = append(errs, in.Redis.Close())
	}
	return errors.Join(errs...)
}

func busOptions(cfg config.Config) bus.Options {
	return bus.Options{
		Driver: cfg.BusDriver,
		Rabbit: bus.RabbitConfig{
			URL:           cfg.AMQPURL,
			RetryAttempts: cfg.AMQPRetryAttempts,
			RetryInterval: cfg.AMQPRetryInterval,
		},
	}
}
